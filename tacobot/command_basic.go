package tacobot

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

func basicCommands() []*Command {
	return []*Command{
		pingCommand(),
		versionCommand(),
		uptimeCommand(),
		helpCommand(),
		sayCommand(),
		cleanDMCommand(),
		cleanCommand(),
		updateNotesCommand(),
	}
}

func pingCommand() *Command {
	return &Command{
		Name:     "ping",
		Category: categoryBasic,
		Help:     "Checks if bot is alive",
		Handler: func(_ context.Context, cc *CommandContext) error {
			latency := cc.session.HeartbeatLatency().Round(time.Millisecond)
			_, err := cc.Replyf(
				"**[%s]** Yes, I'm here! Bot latency: **%d** ms",
				Version, latency.Milliseconds(),
			)
			return err
		},
	}
}

func versionCommand() *Command {
	return &Command{
		Name:     "version",
		Aliases:  []string{"v"},
		Category: categoryBasic,
		Help:     "Displays version of running bot",
		Handler: func(_ context.Context, cc *CommandContext) error {
			outstr := fmt.Sprintf("Bot version: **%s**", Version)
			if CommitSHA != "unknown" {
				outstr += fmt.Sprintf(
					" (commit `%s`, built %s)", CommitSHA, BuildTime,
				)
			}
			_, err := cc.Reply(outstr)
			return err
		},
	}
}

// formatUptime renders a duration as its nonzero day/hour/minute/second
// components.
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	seconds := (d - minutes*time.Minute) / time.Second

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

func uptimeCommand() *Command {
	return &Command{
		Name:     "uptime",
		Category: categoryBasic,
		Help:     "Shows how long the bot has been online",
		Handler: func(_ context.Context, cc *CommandContext) error {
			started := cc.tb.startedAt
			_, err := cc.Replyf(
				"⏱ I've been online for **%s** (since %s UTC)",
				formatUptime(time.Since(started)),
				started.UTC().Format("Jan 02, 2006 15:04:05"),
			)
			return err
		},
	}
}

func sayCommand() *Command {
	return &Command{
		Name:      "say",
		Aliases:   []string{"echo"},
		Category:  categoryBasic,
		Help:      "Echoes what you say",
		Usage:     "<text>",
		AdminOnly: true,
		MinArgs:   1,
		Handler: func(_ context.Context, cc *CommandContext) error {
			err := cc.session.ChannelMessageDelete(cc.ChannelID(), cc.message.ID)
			if err != nil {
				cc.logger.Warn(
					fmt.Sprintf(
						"Couldn't delete user message in channel %s, guild %s",
						cc.ChannelID(), cc.GuildID(),
					),
					tint.Err(err),
				)
			}
			_, err = cc.Reply(cc.ArgsFrom(0))
			return err
		},
	}
}

// countArg parses an optional numeric argument, clamped to
// [minimum, maximum], defaulting when absent.
func countArg(arg string, defaultValue int, minimum int, maximum int) (int, error) {
	n := defaultValue
	if arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil {
			return 0, err
		}
		n = v
	}
	if n > maximum {
		n = maximum
	}
	if n < minimum {
		n = minimum
	}
	return n, nil
}

func cleanDMCommand() *Command {
	return &Command{
		Name:     "cleandm",
		Aliases:  []string{"purgedm"},
		Category: categoryBasic,
		Help:     "Deletes bot messages from your DM",
		Usage:    "[n]",
		Handler: func(_ context.Context, cc *CommandContext) error {
			remaining, err := countArg(cc.Arg(0), 1, 1, 100)
			if err != nil {
				return newUserError("Usage: `%scleandm [n]`", cc.prefix)
			}

			channel, err := cc.session.UserChannelCreate(cc.author.ID)
			if err != nil {
				return fmt.Errorf("error opening DM channel: %w", err)
			}

			cc.logger.InfoContext(
				cc.tb.ctx,
				fmt.Sprintf(
					"Deleting up to %d message(s) from DM channel of %s...",
					remaining, cc.AuthorName(),
				),
			)

			botUser := cc.session.BotUser()
			messages, err := cc.session.ChannelMessages(
				channel.ID, discordMaxMessagesPerFetch, "", "", "",
			)
			if err != nil {
				return fmt.Errorf("error fetching DM history: %w", err)
			}

			// DM channels don't allow bulk deletes, so delete one at a
			// time, skipping the user's own messages.
			deleted := 0
			for _, msg := range messages {
				if remaining == 0 {
					break
				}
				if botUser == nil || msg.Author == nil || msg.Author.ID != botUser.ID {
					continue
				}
				if deleteErr := cc.session.ChannelMessageDelete(
					channel.ID, msg.ID,
				); deleteErr != nil {
					continue
				}
				remaining--
				deleted++
			}

			cc.logger.InfoContext(
				cc.tb.ctx,
				fmt.Sprintf(
					"Deleted %d message(s) from DM channel of %s",
					deleted, cc.AuthorName(),
				),
			)
			return cc.React("✅")
		},
	}
}

func cleanCommand() *Command {
	return &Command{
		Name:      "clean",
		Aliases:   []string{"delete", "purge"},
		Category:  categoryBasic,
		Help:      "(ADMIN) Purges messages from text channel",
		Usage:     "[n]",
		GuildOnly: true,
		AdminOnly: true,
		Handler: func(_ context.Context, cc *CommandContext) error {
			n, err := countArg(cc.Arg(0), 1, 0, 100)
			if err != nil {
				return newUserError("Usage: `%sclean [n]`", cc.prefix)
			}

			// +1 to account for the command itself
			remaining := n + 1
			var ids []string
			before := ""
			for remaining > 0 {
				limit := remaining
				if limit > discordMaxMessagesPerFetch {
					limit = discordMaxMessagesPerFetch
				}
				messages, fetchErr := cc.session.ChannelMessages(
					cc.ChannelID(), limit, before, "", "",
				)
				if fetchErr != nil {
					return fmt.Errorf("error fetching channel history: %w", fetchErr)
				}
				if len(messages) == 0 {
					break
				}
				for _, msg := range messages {
					ids = append(ids, msg.ID)
				}
				before = messages[len(messages)-1].ID
				remaining -= len(messages)
			}

			for start := 0; start < len(ids); start += discordMaxBulkDeleteMessages {
				end := start + discordMaxBulkDeleteMessages
				if end > len(ids) {
					end = len(ids)
				}
				var deleteErr error
				if end-start == 1 {
					deleteErr = cc.session.ChannelMessageDelete(
						cc.ChannelID(), ids[start],
					)
				} else {
					deleteErr = cc.session.ChannelMessagesBulkDelete(
						cc.ChannelID(), ids[start:end],
					)
				}
				if deleteErr != nil {
					cc.logger.Error(
						fmt.Sprintf(
							"Bot does not have permission to purge channel %s",
							cc.ChannelID(),
						),
						tint.Err(deleteErr),
					)
					return nil
				}
			}

			cc.logger.InfoContext(
				cc.tb.ctx,
				fmt.Sprintf(
					"%s cleaned %d message(s) in channel %s",
					cc.AuthorName(), n, cc.ChannelID(),
				),
			)
			return nil
		},
	}
}

func updateNotesCommand() *Command {
	return &Command{
		Name:     "updatenotes",
		Aliases:  []string{"updatenote"},
		Category: categoryBasic,
		Help:     "Displays update notes for current bot version",
		Handler: func(_ context.Context, cc *CommandContext) error {
			content, err := os.ReadFile(cc.tb.config.UpdateNotesFile)
			if err != nil {
				_, replyErr := cc.Replyf(
					"No update notes found for **%s**!", Version,
				)
				return replyErr
			}

			// Match the "[vX.X.X]" header for this version up until the
			// end of the file
			pattern, err := regexp.Compile(
				`(?is)\[` + regexp.QuoteMeta(Version) + `.*\].*$`,
			)
			if err != nil {
				return fmt.Errorf("error compiling notes pattern: %w", err)
			}
			loc := pattern.FindIndex(content)
			if loc == nil {
				_, replyErr := cc.Replyf(
					"No update notes found for **%s**!", Version,
				)
				return replyErr
			}

			section := strings.TrimRight(string(content[loc[0]:loc[1]]), "\n")
			lines := strings.Split(section, "\n")
			for i, line := range lines {
				switch {
				case strings.TrimSpace(line) == "":
					lines[i] = ""
				case strings.HasPrefix(line, "["):
					// version header line, keep as-is
				case strings.HasPrefix(line, "\t"):
					lines[i] = "\t⮩ " + strings.TrimPrefix(line, "\t")
				default:
					lines[i] = "• " + line
				}
			}

			msg, err := cc.Reply("```" + strings.Join(lines, "\n") + "```")
			if err != nil {
				return err
			}
			cc.reactRemove(msg)
			return nil
		},
	}
}

func helpCommand() *Command {
	return &Command{
		Name:     "help",
		Aliases:  []string{"h"},
		Category: categoryBasic,
		Help:     "Shows this message",
		Usage:    "[command]",
		Handler: func(_ context.Context, cc *CommandContext) error {
			registry := cc.tb.commands
			if name := cc.Arg(0); name != "" {
				return replyCommandHelp(cc, registry, name)
			}

			embed := &discordgo.MessageEmbed{
				Title: "TacoBot Commands",
				Color: embedColors["blurple"],
				Footer: &discordgo.MessageEmbedFooter{
					Text: fmt.Sprintf(
						"Type %shelp <command> for more info on a command.",
						cc.prefix,
					),
				},
			}
			for _, category := range registry.Categories() {
				var lines []string
				for _, cmd := range registry.Commands() {
					if cmd.Hidden || cmd.Category != category {
						continue
					}
					lines = append(
						lines,
						fmt.Sprintf("`%s%s` %s", cc.prefix, cmd.Name, cmd.Help),
					)
				}
				embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
					Name:  category,
					Value: strings.Join(lines, "\n"),
				})
			}

			msg, err := cc.ReplyEmbed(embed)
			if err != nil {
				return err
			}
			cc.reactRemove(msg)
			return nil
		},
	}
}

func replyCommandHelp(
	cc *CommandContext,
	registry *CommandRegistry,
	name string,
) error {
	cmd := registry.Lookup(strings.TrimPrefix(name, cc.prefix))
	if cmd == nil || cmd.Hidden {
		_, err := cc.Replyf("No command called `%s` found.", name)
		return err
	}

	usage := cc.prefix + cmd.Name
	if cmd.Usage != "" {
		usage += " " + cmd.Usage
	}
	description := fmt.Sprintf("```%s```%s", usage, cmd.Help)
	if len(cmd.Aliases) > 0 {
		description += fmt.Sprintf(
			"\n\nAliases: `%s`", strings.Join(cmd.Aliases, "`, `"),
		)
	}

	msg, err := cc.ReplyEmbed(makeEmbed(description, cc.prefix+cmd.Name, "blurple"))
	if err != nil {
		return err
	}
	cc.reactRemove(msg)
	return nil
}
