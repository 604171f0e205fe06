package tacobot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/zmb3/spotify/v2"
)

// activitySnapshotKey is where the current presence is mirrored in
// object storage, so other tooling can read it without a DB connection.
const activitySnapshotKey = "activity.json"

const spotifyMaxTracks = 100

var activityTypes = map[string]discordgo.ActivityType{
	"playing":   discordgo.ActivityTypeGame,
	"game":      discordgo.ActivityTypeGame,
	"streaming": discordgo.ActivityTypeStreaming,
	"listening": discordgo.ActivityTypeListening,
	"watching":  discordgo.ActivityTypeWatching,
	"competing": discordgo.ActivityTypeCompeting,
}

var spotifyPlaylistPattern = regexp.MustCompile(`playlist[/:]([0-9A-Za-z]+)`)

func godCommands() []*Command {
	return []*Command{
		setActivityCommand(),
		scriptEvalCommand(),
		playerEvalCommand(),
		botPauseCommand(),
		botUnpauseCommand(),
		restartCommand(),
		abortCommand(),
		spotifyCommand(),
		mentionDevCommand(),
	}
}

// applyPresence pushes the configured activity to the gateway. Unknown
// or empty activity types fall back to a plain custom status.
func applyPresence(session DiscordSession, config RuntimeConfig) error {
	text := config.DiscordCustomStatus
	if text == "" {
		return session.UpdateCustomStatus("")
	}
	activityType, ok := activityTypes[config.DiscordActivityType]
	if !ok {
		return session.UpdateCustomStatus(text)
	}
	return session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status: string(discordgo.StatusOnline),
		Activities: []*discordgo.Activity{
			{Name: text, Type: activityType},
		},
	})
}

type activitySnapshot struct {
	Type  string    `json:"type"`
	Text  string    `json:"text"`
	SetBy string    `json:"set_by"`
	SetAt time.Time `json:"set_at"`
}

func setActivityCommand() *Command {
	return &Command{
		Name:     "setactivity",
		Aliases:  []string{"sa"},
		Category: categoryGod,
		Usage:    "[type] [text]",
		Hidden:   true,
		GodOnly:  true,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			activityType := ""
			text := ""
			if cc.Arg(0) != "" {
				// Bare text sets a "Playing ..." activity, like it
				// always has. A leading type word picks the activity.
				activityType = "playing"
				text = cc.ArgsFrom(0)
				candidate := strings.ToLower(cc.Arg(0))
				_, known := activityTypes[candidate]
				if cc.Arg(1) != "" && (known || candidate == "custom") {
					activityType = candidate
					text = cc.ArgsFrom(1)
				}
			}

			config := cc.tb.RuntimeConfig()
			config.DiscordCustomStatus = text
			config.DiscordActivityType = activityType
			if err := applyPresence(cc.session, config); err != nil {
				return fmt.Errorf("error updating presence: %w", err)
			}
			if text == "" {
				cc.logger.InfoContext(ctx, "Reset bot presence")
			} else {
				cc.logger.InfoContext(ctx, fmt.Sprintf(
					"Changed bot activity to: '%s %s'", activityType, text,
				))
			}

			if _, err := cc.tb.writeDB.Updates(ctx, &config, map[string]any{
				columnRuntimeConfigCustomStatus: text,
				columnRuntimeConfigActivityType: activityType,
			}); err != nil {
				return fmt.Errorf("error saving presence: %w", err)
			}
			cc.tb.setRuntimeConfig(config)

			snapshot := activitySnapshot{
				Type:  activityType,
				Text:  text,
				SetBy: cc.author.ID,
				SetAt: time.Now().UTC(),
			}
			if data, jsonErr := json.Marshal(snapshot); jsonErr == nil {
				if putErr := cc.tb.storage.Put(
					ctx, activitySnapshotKey, data,
				); putErr != nil {
					cc.logger.WarnContext(
						ctx, "error uploading activity snapshot", tint.Err(putErr),
					)
				}
			}
			return cc.React("✅")
		},
	}
}

// scriptEvalCommand is eval for the bot owner: same interpreter, no
// import allowlist. Output that would leak a configured secret is
// refused outright instead of redacted.
func scriptEvalCommand() *Command {
	return &Command{
		Name:     "scripteval",
		Aliases:  []string{"seval", "scriptvar", "svar"},
		Category: categoryGod,
		Usage:    "<expression>",
		Hidden:   true,
		GodOnly:  true,
		MinArgs:  1,
		Timeout:  30 * time.Second,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			code := stripCodeFences(cc.ArgsFrom(0))
			printed, result, err := cc.tb.eval.Eval(ctx, code)
			if err != nil {
				_, sendErr := cc.Replyf(
					"⚠ Error in evaluating expression:```%s```", err.Error(),
				)
				return sendErr
			}

			out := renderEvalOutput(printed, result)
			if cc.tb.redactSecrets(out) != out {
				return cc.React("⛔")
			}
			if out == "" {
				out = "<no output>"
			}

			outstr := "```" + out + "```"
			if len(outstr) > discordMaxMessageLength {
				outstr = "```" + truncate(out, discordMaxMessageLength-50) +
					"```🖐 The resulting message exceeds Discord's character limit!"
			}
			_, sendErr := cc.Reply(outstr)
			return sendErr
		},
	}
}

func playerEvalCommand() *Command {
	return &Command{
		Name:     "playereval",
		Aliases:  []string{"peval", "playervar", "pvar"},
		Category: categoryGod,
		Usage:    "[guild ID]",
		Hidden:   true,
		GodOnly:  true,
		Handler: func(_ context.Context, cc *CommandContext) error {
			guildID := cc.Arg(0)
			if guildID == "" {
				guildID = cc.GuildID()
			}
			if guildID == "" {
				return newUserError(
					"Tell me which guild, like `%splayereval <guild ID>`",
					cc.prefix,
				)
			}

			player := cc.tb.playerIfExists(guildID)
			if player == nil {
				_, err := cc.Replyf(
					"MusicPlayer does not exist for guild %s yet", guildID,
				)
				return err
			}

			data, err := json.MarshalIndent(player.snapshot(), "", "  ")
			if err != nil {
				return fmt.Errorf("error rendering player state: %w", err)
			}
			_, err = cc.Reply("```json\n" + string(data) + "```")
			return err
		},
	}
}

func botPauseCommand() *Command {
	return &Command{
		Name:     "botpause",
		Category: categoryGod,
		Hidden:   true,
		GodOnly:  true,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			if !cc.tb.Pause(ctx) {
				_, err := cc.Reply("I'm already paused!")
				return err
			}
			cc.logger.InfoContext(
				ctx, fmt.Sprintf("Bot paused by %s", cc.AuthorName()),
			)
			_, err := cc.Reply(
				"⏸ Paused. I'll ignore everybody else until you wake me back up.",
			)
			return err
		},
	}
}

func botUnpauseCommand() *Command {
	return &Command{
		Name:     "botunpause",
		Aliases:  []string{"botresume"},
		Category: categoryGod,
		Hidden:   true,
		GodOnly:  true,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			if !cc.tb.Resume(ctx) {
				_, err := cc.Reply("I wasn't paused!")
				return err
			}
			cc.logger.InfoContext(
				ctx, fmt.Sprintf("Bot resumed by %s", cc.AuthorName()),
			)
			_, err := cc.Reply("▶ I'm back!")
			return err
		},
	}
}

func restartCommand() *Command {
	return &Command{
		Name:     "restart",
		Aliases:  []string{"reset", "reboot"},
		Category: categoryGod,
		Hidden:   true,
		GodOnly:  true,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			confirmed := askForConfirmation(
				ctx, cc,
				"⚠ The process manager will automatically **restart** the bot. Proceed? (y/n/yes/no)",
				"⌛ Time's up. Bot is staying online.",
				"🖐 Gotcha. Bot is staying online.",
				confirmTimeout,
			)
			if !confirmed {
				return nil
			}

			_, _ = cc.ReplyEmbed(makeEmbed("☁ Restarting the bot...", "", "dark_red"))
			cc.logger.InfoContext(
				ctx, fmt.Sprintf("Restart call made by %s", cc.AuthorName()),
			)
			cc.tb.exit(0)
			return nil
		},
	}
}

func abortCommand() *Command {
	return &Command{
		Name:     "abort",
		Aliases:  []string{"logout"},
		Category: categoryGod,
		Hidden:   true,
		GodOnly:  true,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			_, _ = cc.ReplyEmbed(makeEmbed("💻 Aborting the bot...", "", "dark_red"))
			cc.logger.InfoContext(
				ctx, fmt.Sprintf("Abort call made by %s", cc.AuthorName()),
			)
			cc.tb.exit(1)
			return nil
		},
	}
}

func spotifyCommand() *Command {
	return &Command{
		Name:         "spotify",
		Aliases:      []string{"sp"},
		Category:     categoryGod,
		Usage:        "<playlist URL>",
		Hidden:       true,
		GodOnly:      true,
		GuildOnly:    true,
		RequireVoice: true,
		MinArgs:      1,
		Timeout:      2 * time.Minute,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			if cc.tb.spotify == nil {
				_, err := cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
					"⚠ **%s**, Spotify is not configured!", cc.AuthorName(),
				)))
				return err
			}

			match := spotifyPlaylistPattern.FindStringSubmatch(cc.Arg(0))
			if match == nil {
				return newUserError(
					"Usage: `%sspotify <playlist URL>`", cc.prefix,
				)
			}
			playlistID := spotify.ID(match[1])

			_ = cc.session.ChannelTyping(cc.ChannelID())
			playlist, err := cc.tb.spotify.GetPlaylist(ctx, playlistID)
			if err != nil {
				cc.logger.WarnContext(
					ctx, "error fetching spotify playlist", tint.Err(err),
				)
				_, sendErr := cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
					"⚠ **%s**, I couldn't fetch that Spotify playlist!",
					cc.AuthorName(),
				)))
				return sendErr
			}

			queries, err := spotifySearchQueries(ctx, cc.tb.spotify, playlistID)
			if err != nil {
				cc.logger.WarnContext(
					ctx, "error fetching spotify playlist items", tint.Err(err),
				)
				_, sendErr := cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
					"⚠ **%s**, I couldn't fetch that Spotify playlist!",
					cc.AuthorName(),
				)))
				return sendErr
			}
			if len(queries) == 0 {
				_, sendErr := cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
					"⚠ **%s**, that playlist has no tracks!", cc.AuthorName(),
				)))
				return sendErr
			}

			cc.logger.InfoContext(ctx, fmt.Sprintf(
				"%s is loading a Spotify playlist: %s (%d tracks)",
				cc.AuthorName(), playlist.Name, len(queries),
			))

			p := cc.tb.player(cc.GuildID())
			if voiceErr := p.ensureVoice(cc); voiceErr != nil {
				return voiceErr
			}
			desc := fmt.Sprintf(
				"🎧 **Loading Spotify playlist:** `%s` [%s]\n\n",
				playlist.Name, userMention(cc.author.ID),
			)
			p.cancelLoading(ctx, cc.author.ID)
			return p.startLoad(cc, desc, queries)
		},
	}
}

// spotifySearchQueries flattens a playlist into youtube search queries,
// one per track.
func spotifySearchQueries(
	ctx context.Context,
	client *spotify.Client,
	playlistID spotify.ID,
) ([]string, error) {
	items, err := client.GetPlaylistItems(ctx, playlistID)
	if err != nil {
		return nil, fmt.Errorf("error fetching playlist items: %w", err)
	}

	var queries []string
	for {
		for _, item := range items.Items {
			track := item.Track.Track
			if track == nil {
				// podcast episodes have no track
				continue
			}
			artists := make([]string, 0, len(track.Artists))
			for _, artist := range track.Artists {
				artists = append(artists, artist.Name)
			}
			queries = append(queries, fmt.Sprintf(
				"ytsearch:%s - %s", strings.Join(artists, ", "), track.Name,
			))
			if len(queries) >= spotifyMaxTracks {
				return queries, nil
			}
		}
		err = client.NextPage(ctx, items)
		if errors.Is(err, spotify.ErrNoMorePages) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error fetching playlist page: %w", err)
		}
	}
	return queries, nil
}

func mentionDevCommand() *Command {
	return &Command{
		Name:     "mentiondev",
		Category: categoryGod,
		Usage:    "[text]",
		Hidden:   true,
		GodOnly:  true,
		Handler: func(_ context.Context, cc *CommandContext) error {
			devID := cc.tb.RuntimeConfig().DevUserID
			if devID == "" {
				return newUserError("No dev user is configured!")
			}
			out := userMention(devID)
			if content := cc.ArgsFrom(0); content != "" {
				out += " " + content
			}
			_, err := cc.Reply(out)
			return err
		},
	}
}
