package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vinlin24/tacobot-public/tacobot"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// Tests swap in a canned password source here. When nil, passwords are
// read from the terminal without echo.
var customPasswordReader func() ([]byte, error)

const initDoneMessage = "Initialization complete. " +
	"Start the bot with the 'run' subcommand."

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up the database and admin credentials",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("TB_DATABASE_TYPE is not set (must be sqlite or postgres)")
		}
		if cfg.Database == "" {
			log.Fatal("TB_DATABASE is not set (a connection string, or a " +
				"file path for sqlite)")
		}

		db, err := tacobot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error initializing database: %v", err)
		}

		var runtimeConfig tacobot.RuntimeConfig
		if rv := db.Last(&runtimeConfig); rv.Error != nil {
			if !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
				log.Fatalf("Error retrieving runtime config: %s", rv.Error)
			}
			runtimeConfig = tacobot.DefaultRuntimeConfig()
			if err = db.Create(&runtimeConfig).Error; err != nil {
				log.Fatalf("Error creating runtime config: %v", err)
			}
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
			fmt.Fprintln(out, initDoneMessage)
			return
		}

		fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
		username, hashedPassword, err := promptAdminCredentials(out)
		if err != nil {
			log.Fatalf("Error reading admin credentials: %v", err)
		}

		if err = db.Model(&runtimeConfig).Updates(
			map[string]any{
				"admin_username": username,
				"admin_password": hashedPassword,
			},
		).Error; err != nil {
			log.Fatalf("Error updating admin credentials: %v", err)
		}
		fmt.Fprintln(out, "Admin credentials set successfully.")
		fmt.Fprintln(out, initDoneMessage)
	},
}

// promptAdminCredentials asks for a username and a confirmed password
// on stdin, returning the username and the argon2 hash.
func promptAdminCredentials(out io.Writer) (string, string, error) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Fprint(out, "Enter admin username: ")
	username, _ := reader.ReadString('\n')
	username = strings.TrimSpace(username)

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}

	var password string
	for {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, _ := readPassword()
		password = string(passwordBytes)
		fmt.Fprintln(out)

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, _ := readPassword()
		fmt.Fprintln(out)

		if password == string(confirmBytes) {
			break
		}
		fmt.Fprintln(out, "Passwords do not match, try again.")
	}

	hashed, err := tacobot.HashPassword(password)
	if err != nil {
		return "", "", err
	}
	return username, hashed, nil
}

func init() {
	rootCmd.AddCommand(initCmd)
}
