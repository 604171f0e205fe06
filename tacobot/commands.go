package tacobot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/xid"
)

// Command categories, used to group the help output.
const (
	categoryBasic   = "Basic"
	categoryMusic   = "Music"
	categoryQueues  = "Saved Queues"
	categoryUtility = "Utility"
	categorySocial  = "Social"
	categoryGod     = "God"
)

// Embed colors, matching the discord.py color palette the bot's embeds
// have always used.
var embedColors = map[string]int{
	"gold":       0xF1C40F,
	"orange":     0xE67E22,
	"red":        0xE74C3C,
	"green":      0x2ECC71,
	"blue":       0x3498DB,
	"blurple":    0x7289DA,
	"purple":     0x9B59B6,
	"teal":       0x1ABC9C,
	"magenta":    0xE91E63,
	"dark_red":   0x992D22,
	"dark_green": 0x1F8B4C,
	"greyple":    0x99AAB5,
}

// CommandOptions holds command-dispatch behavior flags. It's embedded
// in [RuntimeConfig] so these settings persist and can be updated live.
//
//nolint:lll // struct tags can't be split
type CommandOptions struct {
	// CommandPrefix is the prefix for the main bot account.
	CommandPrefix string `json:"command_prefix" gorm:"type:string" binding:"omitempty,min=1,max=4"`

	// TesterCommandPrefix is the prefix used when running as the tester
	// bot account.
	TesterCommandPrefix string `json:"tester_command_prefix" gorm:"type:string" binding:"omitempty,min=1,max=4"`

	// AnnoyEnabled globally enables/disables annoy targets.
	AnnoyEnabled bool `json:"annoy_enabled" gorm:"not null;default:true"`

	// RecoverPanic, if true, recovers panics that occur during command
	// execution (the bot stays up, the command reports an error).
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// DiscordErrorMessage is the generic response sent when a command
	// fails unexpectedly.
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`
}

// Command is a single prefix command: its names, help text, gates, and
// handler. Commands are registered once in [New].
type Command struct {
	// Name is the primary command name, lowercase
	Name string

	// Aliases are alternate names for the command
	Aliases []string

	// Category groups the command in help output
	Category string

	// Help is the one-line help text
	Help string

	// Usage is the argument signature shown in help, e.g. "<n>"
	Usage string

	// Hidden commands are omitted from help
	Hidden bool

	// GuildOnly commands are rejected in DMs
	GuildOnly bool

	// RequireVoice commands require the caller to be in a voice channel
	RequireVoice bool

	// AdminOnly commands require Manage Messages or Administrator
	AdminOnly bool

	// TesterOnly commands require User.Tester (or God)
	TesterOnly bool

	// GodOnly commands require User.God
	GodOnly bool

	// MinArgs rejects invocations with fewer arguments
	MinArgs int

	// Timeout overrides the default per-command execution timeout
	Timeout time.Duration

	Handler func(ctx context.Context, cc *CommandContext) error
}

func (c *Command) names() []string {
	return append([]string{c.Name}, c.Aliases...)
}

// CommandRegistry indexes commands by name and alias for dispatch, and
// keeps registration order for help output.
type CommandRegistry struct {
	commands []*Command
	byName   map[string]*Command
}

func newRegistry() *CommandRegistry {
	return &CommandRegistry{byName: map[string]*Command{}}
}

func (r *CommandRegistry) register(cmds ...*Command) {
	for _, c := range cmds {
		r.commands = append(r.commands, c)
		for _, name := range c.names() {
			key := strings.ToLower(name)
			if _, exists := r.byName[key]; exists {
				panic(fmt.Sprintf("duplicate command name: %s", key))
			}
			r.byName[key] = c
		}
	}
}

// Lookup returns the command registered under the given name or alias
// (case-insensitive), or nil.
func (r *CommandRegistry) Lookup(name string) *Command {
	return r.byName[strings.ToLower(name)]
}

// Commands returns all registered commands in registration order.
func (r *CommandRegistry) Commands() []*Command {
	return r.commands
}

// Categories returns the distinct categories of visible commands, sorted.
func (r *CommandRegistry) Categories() []string {
	seen := map[string]bool{}
	var categories []string
	for _, c := range r.commands {
		if c.Hidden || seen[c.Category] {
			continue
		}
		seen[c.Category] = true
		categories = append(categories, c.Category)
	}
	sort.Strings(categories)
	return categories
}

// userError is an error whose message is intended for the invoking user.
// The dispatcher replies with the message instead of the generic error
// response, and doesn't log it as a failure.
type userError struct {
	msg string
}

func (e userError) Error() string {
	return e.msg
}

func newUserError(format string, a ...any) error {
	return userError{msg: fmt.Sprintf(format, a...)}
}

// CommandContext carries everything a command handler needs: the
// originating message, the resolved user record, parsed arguments, and
// reply helpers.
type CommandContext struct {
	tb      *TacoBot
	session DiscordSession
	message *discordgo.Message
	author  *discordgo.User
	user    *User
	command *Command

	// invoked is the name or alias the user actually typed
	invoked string

	// prefix is the prefix that matched
	prefix string

	// args are the whitespace-split arguments after the command word
	args []string

	// rawArgs is the untouched argument string
	rawArgs string

	logger *slog.Logger
}

func (cc *CommandContext) GuildID() string {
	return cc.message.GuildID
}

func (cc *CommandContext) ChannelID() string {
	return cc.message.ChannelID
}

// Arg returns the i-th argument, or an empty string.
func (cc *CommandContext) Arg(i int) string {
	if i < 0 || i >= len(cc.args) {
		return ""
	}
	return cc.args[i]
}

// ArgsFrom returns the raw argument text starting at the i-th argument.
func (cc *CommandContext) ArgsFrom(i int) string {
	if i <= 0 {
		return cc.rawArgs
	}
	rest := cc.rawArgs
	for n := 0; n < i; n++ {
		rest = strings.TrimLeft(rest, " \t")
		cut := strings.IndexAny(rest, " \t")
		if cut < 0 {
			return ""
		}
		rest = rest[cut:]
	}
	return strings.TrimLeft(rest, " \t")
}

// Reply sends a plain message to the invoking channel.
func (cc *CommandContext) Reply(content string) (*discordgo.Message, error) {
	return cc.session.ChannelMessageSend(cc.ChannelID(), content)
}

// Replyf sends a formatted message to the invoking channel.
func (cc *CommandContext) Replyf(format string, a ...any) (*discordgo.Message, error) {
	return cc.Reply(fmt.Sprintf(format, a...))
}

// ReplyEmbed sends a single embed to the invoking channel.
func (cc *CommandContext) ReplyEmbed(embed *discordgo.MessageEmbed) (
	*discordgo.Message,
	error,
) {
	return cc.session.ChannelMessageSendEmbed(cc.ChannelID(), embed)
}

// React adds the bot's reaction to the invoking message.
func (cc *CommandContext) React(emoji string) error {
	return cc.session.MessageReactionAdd(cc.ChannelID(), cc.message.ID, emoji)
}

// AuthorName returns the invoker's display name.
func (cc *CommandContext) AuthorName() string {
	if cc.author == nil {
		return ""
	}
	if cc.author.GlobalName != "" {
		return cc.author.GlobalName
	}
	return cc.author.Username
}

// makeEmbed builds an embed with the given description, title, and color
// name. Unknown color names log a warning and fall back to gold.
func makeEmbed(description string, title string, color string) *discordgo.MessageEmbed {
	c, ok := embedColors[color]
	if !ok {
		slog.Default().Warn(
			fmt.Sprintf("Invalid color name '%s' passed into makeEmbed()", color),
		)
		c = embedColors["gold"]
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       c,
	}
}

func errorEmbed(description string) *discordgo.MessageEmbed {
	return makeEmbed(description, "", "red")
}

func warningEmbed(description string) *discordgo.MessageEmbed {
	return makeEmbed(description, "", "orange")
}

// checkGates verifies the invoking user may run the command, returning a
// userError describing the refusal when not.
func (cc *CommandContext) checkGates() error {
	cmd := cc.command
	if cmd.GuildOnly && cc.GuildID() == "" {
		return newUserError(
			"🚫 `%s%s` only works in a server", cc.prefix, cc.invoked,
		)
	}

	isGod := cc.user != nil && cc.user.God
	if cmd.GodOnly && !isGod {
		return userPowerError(cc)
	}
	if cmd.TesterOnly && !isGod && (cc.user == nil || !cc.user.Tester) {
		return userPowerError(cc)
	}
	if cmd.AdminOnly && !isGod && !cc.authorIsAdmin() {
		return userPowerError(cc)
	}

	if cmd.RequireVoice {
		if voiceChannelOf(cc.session, cc.GuildID(), cc.author.ID) == "" {
			return newUserError(
				"🔇 **%s**, you must be in a voice channel to use `%s%s`",
				cc.AuthorName(), cc.prefix, cc.invoked,
			)
		}
	}

	if len(cc.args) < cmd.MinArgs {
		usage := cc.prefix + cmd.Name
		if cmd.Usage != "" {
			usage += " " + cmd.Usage
		}
		return newUserError("Usage: `%s`", usage)
	}

	return nil
}

func userPowerError(cc *CommandContext) error {
	return newUserError(
		"⛔ **%s**, you do not have the power to use `%s%s`",
		cc.AuthorName(), cc.prefix, cc.invoked,
	)
}

// authorIsAdmin reports whether the invoking member has the Manage
// Messages or Administrator permission in the guild.
func (cc *CommandContext) authorIsAdmin() bool {
	if cc.GuildID() == "" {
		return false
	}
	member := cc.message.Member
	if member == nil {
		m, err := cc.session.GuildMember(cc.GuildID(), cc.author.ID)
		if err != nil {
			return false
		}
		member = m
	}
	guild, err := cc.session.Guild(cc.GuildID())
	if err != nil {
		return false
	}
	if guild.OwnerID == cc.author.ID {
		return true
	}
	var permissions int64
	for _, roleID := range member.Roles {
		for _, role := range guild.Roles {
			if role.ID == roleID {
				permissions |= role.Permissions
			}
		}
	}
	if permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return permissions&discordgo.PermissionManageMessages != 0
}

// parseCommandLine splits message content into the command word and the
// raw argument string, if the content starts with the given prefix.
func parseCommandLine(content string, prefix string) (
	name string,
	rawArgs string,
	ok bool,
) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", "", false
	}
	rest := strings.TrimLeft(content[len(prefix):], " \t")
	if rest == "" {
		return "", "", false
	}
	cut := strings.IndexAny(rest, " \t\n")
	if cut < 0 {
		return strings.ToLower(rest), "", true
	}
	return strings.ToLower(rest[:cut]), strings.TrimSpace(rest[cut:]), true
}

// splitArgs splits a raw argument string on whitespace.
func splitArgs(rawArgs string) []string {
	return strings.Fields(rawArgs)
}

var columnCommandLogFinishedAt = "finished_at"

// CommandLog is a DB record of a dispatched prefix command.
type CommandLog struct {
	ModelStringID
	ModelUnixTime

	UserID     string `json:"user_id" gorm:"index"`
	Username   string `json:"username"`
	GuildID    string `json:"guild_id"`
	ChannelID  string `json:"channel_id"`
	MessageID  string `json:"message_id"`
	Command    string `json:"command"`
	Invoked    string `json:"invoked"`
	Prefix     string `json:"prefix"`
	Args       string `json:"args"`
	FinishedAt int64  `json:"finished_at"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

func NewCommandLog(cc *CommandContext) *CommandLog {
	entry := &CommandLog{
		GuildID:   cc.GuildID(),
		ChannelID: cc.ChannelID(),
		MessageID: cc.message.ID,
		Command:   cc.command.Name,
		Invoked:   cc.invoked,
		Prefix:    cc.prefix,
		Args:      truncate(cc.rawArgs, 500),
	}
	entry.ID = xid.New().String()
	if cc.author != nil {
		entry.UserID = cc.author.ID
		entry.Username = cc.author.Username
	}
	return entry
}

func (c CommandLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("user_id", c.UserID),
		slog.String("username", c.Username),
		slog.String("guild_id", c.GuildID),
		slog.String("channel_id", c.ChannelID),
		slog.String("command", c.Command),
		slog.String("args", c.Args),
	)
}
