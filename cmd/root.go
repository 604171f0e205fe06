package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vinlin24/tacobot-public/tacobot"
)

var (
	cfg     = tacobot.DefaultConfig()
	envFile string
)

var rootCmd = &cobra.Command{
	Use: "tacobot [flags]",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if err := viper.Unmarshal(cfg, viperDecodeHook()); err != nil {
			log.Fatalln(err)
		}
	},
}

// viperDecodeHook converts duration strings and log level names while
// unmarshaling into a tacobot.Config.
func viperDecodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			LevelToStringHookFunc(),
		),
	)
}

// LevelToStringHookFunc decodes strings like "WARN" into *slog.LevelVar
// fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		v, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return v, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT,
// SIGHUP or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT,
	)
	defer stop()

	rootCmd.SetContext(ctx)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	var envFiles []string
	if envFile != "" {
		fmt.Println("loading env from file", envFile)
		envFiles = append(envFiles, envFile)
	}
	if err := godotenv.Load(envFiles...); err != nil {
		log.Println("No .env file found")
	}

	viper.SetDefault("database", tacobot.DefaultDatabase)
	viper.SetDefault("database_type", tacobot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", tacobot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", tacobot.DefaultDatabaseLogLevel.String())

	viper.SetDefault("runtime_config_ttl", tacobot.DefaultRuntimeConfigTTL)
	viper.SetDefault("user_cache_ttl", tacobot.DefaultUserCacheTTL)

	viper.SetDefault("log_level", tacobot.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", tacobot.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", tacobot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", tacobot.DefaultShutdownTimeout)
	viper.SetDefault("update_notes_file", tacobot.DefaultUpdateNotesFile)

	viper.SetDefault("dispatch.buffer", tacobot.DefaultDispatchBuffer)
	viper.SetDefault("dispatch.idle_timeout", tacobot.DefaultDispatchIdleTimeout)

	// Player config
	viper.SetDefault("player.ytdl_path", tacobot.DefaultYTDLPath)
	viper.SetDefault("player.idle_timeout", tacobot.DefaultPlayerIdleTimeout)
	viper.SetDefault("player.queue_view_timeout", tacobot.DefaultQueueViewTimeout)
	viper.SetDefault("player.stream_url_ttl", tacobot.DefaultStreamURLTTL)
	viper.SetDefault("player.bitrate", tacobot.DefaultPlayerBitrate)
	viper.SetDefault("player.volume", tacobot.DefaultPlayerVolume)
	viper.SetDefault("player.log_level", tacobot.DefaultPlayerLogLevel.String())

	// Object storage config
	viper.SetDefault("storage.bucket", tacobot.DefaultStorageBucket)
	viper.SetDefault("storage.region", tacobot.DefaultStorageRegion)
	viper.SetDefault("storage.log_level", tacobot.DefaultStorageLogLevel.String())

	// Cache config
	viper.SetDefault("cache.redis_addr", "")
	viper.SetDefault("cache.redis_db", 0)
	viper.SetDefault("cache.ttl", tacobot.DefaultCacheTTL)

	// Currency config
	viper.SetDefault("currency.rates_ttl", tacobot.DefaultExchangeRatesTTL)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.dev_user_id", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.tester", false)
	viper.SetDefault("discord.log_level", tacobot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		tacobot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", tacobot.DefaultDiscordGatewayIntent)

	// API config
	viper.SetDefault("api.listen", tacobot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.session_max_age", tacobot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", tacobot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", tacobot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", tacobot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", tacobot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", tacobot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", tacobot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", tacobot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", tacobot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		tacobot.DefaultAPICORSAllowCredentials,
	)

	// Secrets only come from the environment
	mustBindEnv := func(key string) {
		if err := viper.BindEnv(key); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}
	mustBindEnv("storage.endpoint")
	mustBindEnv("storage.access_key_id")
	mustBindEnv("storage.secret_access_key")
	mustBindEnv("cache.redis_password")
	mustBindEnv("currency.api_key")
	mustBindEnv("spotify.client_id")
	mustBindEnv("spotify.client_secret")
	mustBindEnv("api.ssl.cert")
	mustBindEnv("api.ssl.key")
	mustBindEnv("api.ssl.tls_min_version")

	envPrefix := os.Getenv(tacobot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = tacobot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Space-separated env values become slices
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	// Level names become *slog.LevelVar so handlers share them
	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"player.log_level",
		"storage.log_level",
		"api.log_level",
	} {
		lvl, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}
}

func levelStringToLevelVar(s string) (*slog.LevelVar, error) {
	v := &slog.LevelVar{}
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return nil, err
	}
	return v, nil
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(
		&envFile, "config", "", "Env file to load instead of .env",
	)
}
