package tacobot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// mudaeDataKey is the object-store key holding per-guild Mudae claim
// counts.
const mudaeDataKey = "mudae_data.json"

// mudaeData mirrors the stored claim-count file.
type mudaeData struct {
	CharsClaimed map[string]int `json:"CHARS_CLAIMED"`
}

func socialCommands() []*Command {
	return []*Command{
		annoyCommand(),
		tragedyCommand(),
		analyzeCommand(),
		kakeraCommand(),
	}
}

func annoyCommand() *Command {
	return &Command{
		Name:      "annoy",
		Category:  categorySocial,
		Help:      "Sets target for constant replying",
		Usage:     "[@user | off]",
		GuildOnly: true,
		GodOnly:   true,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			guildID := cc.GuildID()
			current := cc.tb.annoy.Target(guildID)

			var member *discordgo.User
			if len(cc.message.Mentions) > 0 {
				member = cc.message.Mentions[0]
			}

			if member == nil {
				if err := cc.tb.setAnnoyTarget(ctx, guildID, "", ""); err != nil {
					return err
				}
				cc.logger.InfoContext(ctx, fmt.Sprintf(
					"No longer annoying anybody in %s", guildID,
				))
				_, err := cc.Reply("Fine, I'll stop.")
				return err
			}

			if bot := cc.session.BotUser(); bot != nil && member.ID == bot.ID {
				_, err := cc.Reply("Nice try! Nothing happened!")
				return err
			}

			if current != "" {
				currentName := userMention(current)
				if u := cc.tb.writeDB.GetUser(current); u != nil {
					currentName = u.Username
				}
				if _, err := cc.Replyf(
					"No longer annoying **%s**.", currentName,
				); err != nil {
					return err
				}
				if member.ID == current {
					return cc.tb.setAnnoyTarget(ctx, guildID, "", "")
				}
			}

			if err := cc.tb.setAnnoyTarget(
				ctx, guildID, member.ID, cc.author.ID,
			); err != nil {
				return err
			}
			cc.logger.InfoContext(ctx, fmt.Sprintf(
				"Now annoying %s in %s", member.Username, guildID,
			))
			_, err := cc.Replyf("Now annoying **%s**!", member.Username)
			return err
		},
	}
}

func tragedyCommand() *Command {
	return &Command{
		Name:     "tragedy",
		Category: categorySocial,
		Help:     "Educates you on the tragedy of Darth Plagueis the Wise",
		Handler: func(_ context.Context, cc *CommandContext) error {
			_, err := cc.Reply(tragedyText)
			return err
		},
	}
}

// historyImageURL finds the most recent image in the channel, looking
// at embeds first, then attachments.
func historyImageURL(messages []*discordgo.Message) string {
	for _, msg := range messages {
		if len(msg.Embeds) > 0 &&
			msg.Embeds[0].Image != nil &&
			msg.Embeds[0].Image.URL != "" {
			return msg.Embeds[0].Image.URL
		}
		if len(msg.Attachments) > 0 && msg.Attachments[0].URL != "" {
			return msg.Attachments[0].URL
		}
	}
	return ""
}

func analyzeCommand() *Command {
	return &Command{
		Name:     "analyze",
		Aliases:  []string{"rgb", "rms"},
		Category: categorySocial,
		Help:     "Calculates the root mean square RGB of most recent image",
		Timeout:  time.Minute,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			messages, err := cc.session.ChannelMessages(
				cc.ChannelID(), 100, "", "", "",
			)
			if err != nil {
				return fmt.Errorf("error fetching channel history: %w", err)
			}

			imageURL := historyImageURL(messages)
			if imageURL == "" {
				cc.logger.InfoContext(ctx, fmt.Sprintf(
					"No images detected in most recent 100 messages of channel %s",
					cc.ChannelID(),
				))
				return cc.React("❌")
			}

			cc.logger.InfoContext(ctx, fmt.Sprintf(
				"Attempting to calculate r.m.s RGB on image with url: %s",
				imageURL,
			))

			req, err := http.NewRequestWithContext(
				ctx, http.MethodGet, imageURL, nil,
			)
			if err != nil {
				return fmt.Errorf("error creating image request: %w", err)
			}
			resp, err := cc.tb.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("error downloading image: %w", err)
			}
			data, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				return fmt.Errorf("error reading image: %w", err)
			}

			img, _, err := image.Decode(bytes.NewReader(data))
			if err != nil {
				cc.logger.WarnContext(
					ctx, "error decoding image", tint.Err(err), "url", imageURL,
				)
				_, sendErr := cc.Replyf(
					"**%s**, I couldn't decode that image!", cc.AuthorName(),
				)
				return sendErr
			}

			red, green, blue := rmsRGB(img)
			hexcode := strings.TrimPrefix(toHexCode(red, green, blue), "#")
			colorValue, _ := strconv.ParseInt(hexcode, 16, 32)

			embed := &discordgo.MessageEmbed{
				Color: int(colorValue),
				Description: fmt.Sprintf(
					"The r.m.s. RGB of the most recent image:\n**#%s**", hexcode,
				),
				Author: &discordgo.MessageEmbedAuthor{
					Name: fmt.Sprintf("Image Analyzed (%sanalyze)", cc.prefix),
				},
				Image: &discordgo.MessageEmbedImage{URL: imageURL},
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

// kakeraKeyMultiplier is the part of the value formula that depends on
// the number of keys unlocked.
func kakeraKeyMultiplier(keys int) float64 {
	switch {
	case keys < 1:
		return 1.0
	case keys < 3:
		return 1.0 + 0.1*float64(keys-1)
	case keys < 6:
		return 1.1 + 0.1*float64(keys-3)
	case keys < 10:
		return 1.3 + 0.1*float64(keys-6)
	default:
		return 1.6 + 0.05*float64(keys-10)
	}
}

// kakeraValue computes the character value from claim rank, like rank,
// total characters claimed, and keys unlocked.
func kakeraValue(claimRank int, likeRank int, charsClaimed int, keys int) int {
	rankTerm := (float64(claimRank) + float64(likeRank)) / 2
	base := int(
		(25000*math.Pow(rankTerm+70, -0.75)+20)*
			(1+float64(charsClaimed)/5500) + 0.5,
	)
	return int(float64(base)*kakeraKeyMultiplier(keys) + 0.5)
}

// storedCharsClaimed reads the guild's claim count from the stored
// Mudae data, defaulting to 0.
func (tb *TacoBot) storedCharsClaimed(
	ctx context.Context,
	guildID string,
) (int, error) {
	raw, err := tb.storage.Get(ctx, mudaeDataKey)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var data mudaeData
	if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
		return 0, fmt.Errorf("error parsing stored mudae data: %w", jsonErr)
	}
	return data.CharsClaimed[guildID], nil
}

func kakeraCommand() *Command {
	return &Command{
		Name:      "kakera",
		Aliases:   []string{"kakeravalue", "kv"},
		Category:  categorySocial,
		Help:      "Calculates the kakera value of Mudae character",
		Usage:     "<claim rank> <like rank> [chars claimed] [keys]",
		GuildOnly: true,
		MinArgs:   2,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			usage := fmt.Sprintf(
				"Usage: `%skakera <claim rank> <like rank> [chars claimed] [keys]`",
				cc.prefix,
			)

			claimRank, err := strconv.Atoi(cc.Arg(0))
			if err != nil {
				return newUserError(usage)
			}
			likeRank, err := strconv.Atoi(cc.Arg(1))
			if err != nil {
				return newUserError(usage)
			}

			charsClaimed := -1
			if cc.Arg(2) != "" {
				if charsClaimed, err = strconv.Atoi(cc.Arg(2)); err != nil {
					return newUserError(usage)
				}
			}
			keys := 0
			if cc.Arg(3) != "" {
				if keys, err = strconv.Atoi(cc.Arg(3)); err != nil {
					return newUserError(usage)
				}
			}

			// Fall back to the claim count tracked from Mudae's $left
			// output when none was given
			if charsClaimed < 0 {
				charsClaimed, err = cc.tb.storedCharsClaimed(ctx, cc.GuildID())
				if err != nil {
					cc.logger.WarnContext(
						ctx, "error reading stored mudae data", tint.Err(err),
					)
					charsClaimed = 0
				}
			}

			value := kakeraValue(claimRank, likeRank, charsClaimed, keys)

			outstr := fmt.Sprintf(
				"The kakera value of this character would be: **%d** ka\n",
				value,
			)
			outstr += fmt.Sprintf(
				"> Claim rank: **#%d**\n> Like rank: **#%d**\n",
				claimRank, likeRank,
			)
			outstr += fmt.Sprintf(
				"> Total characters claimed: **%d**\n> Keys unlocked: **%d**",
				charsClaimed, keys,
			)

			_, err = cc.Reply(outstr)
			return err
		},
	}
}
