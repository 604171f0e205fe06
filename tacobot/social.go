package tacobot

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	// Register the image formats %analyze can decode
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// annoyInterval is the minimum gap between jabs at a guild's annoy
// target, so a chatty target doesn't turn the bot into a spam cannon.
var annoyInterval = 30 * time.Second

// annoyMessages are sent at the current annoy target. {name} is
// replaced with the target's real name, or "Bro".
var annoyMessages = []string{
	"Lol!",
	"You're like really weird and stuff!",
	"That's mad!",
	"Yeah {name}?",
	"Please be quiet.",
	"Say one more thing and I'll slap you.",
	"Tell me more!",
	"Are you like really dumb and stuff?",
	"Ohhh {name}~~~",
	"I don't like you {name}.",
	"Keep talking, I dare you.",
	"{name}, you have to understand that no one likes you.",
	"( ͡° ͜ʖ ͡°)",
	"Let's be best friends!",
	"{name}, you are my favorite person.",
	"Duhgee.",
	"Truly {name}, truly.",
	"I guess so man I guess so.",
	"Wooord.",
}

const tragedyText = "Did you ever hear the tragedy of Darth Plagueis " +
	"the Wise? I thought not. It's not a story the Jedi would tell you. " +
	"It's a Sith legend. Darth Plagueis was a Dark Lord of the Sith, so " +
	"powerful and so wise he could use the Force to influence the " +
	"midichlorians to create life... He had such a knowledge of the dark " +
	"side that he could even keep the ones he cared about from dying. " +
	"The dark side of the Force is a pathway to many abilities some " +
	"consider to be unnatural. He became so powerful... the only thing " +
	"he was afraid of was losing his power, which eventually, of course, " +
	"he did. Unfortunately, he taught his apprentice everything he knew, " +
	"then his apprentice killed him in his sleep. Ironic, he could save " +
	"others from death, but not himself."

// AnnoyTarget is the persisted per-guild annoy target, so a restart
// doesn't grant clemency.
type AnnoyTarget struct {
	// GuildID the target is annoyed in
	GuildID string `json:"guild_id" gorm:"primaryKey;type:string"`

	// UserID of the poor soul. Empty once pardoned.
	UserID string `json:"user_id" gorm:"type:string"`

	// SetBy is the user who set the target
	SetBy string `json:"set_by" gorm:"type:string"`

	ModelUnixTime
}

func (a *AnnoyTarget) LogValue() slog.Value {
	if a == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("guild_id", a.GuildID),
		slog.String("user_id", a.UserID),
		slog.String("set_by", a.SetBy),
	)
}

// annoyTracker holds the in-memory view of annoy targets plus the
// per-guild rate limit state.
type annoyTracker struct {
	mu       sync.Mutex
	targets  map[string]string
	lastSent map[string]time.Time
}

func newAnnoyTracker() *annoyTracker {
	return &annoyTracker{
		targets:  map[string]string{},
		lastSent: map[string]time.Time{},
	}
}

// Target returns the annoy target for a guild, or "".
func (a *annoyTracker) Target(guildID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.targets[guildID]
}

func (a *annoyTracker) set(guildID string, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if userID == "" {
		delete(a.targets, guildID)
		return
	}
	a.targets[guildID] = userID
}

// allow reports whether a jab may be sent to the guild now, updating
// the rate limit state when it is.
func (a *annoyTracker) allow(guildID string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now.Sub(a.lastSent[guildID]) < annoyInterval {
		return false
	}
	a.lastSent[guildID] = now
	return true
}

// loadAnnoyTargets restores persisted annoy targets at startup.
func (tb *TacoBot) loadAnnoyTargets(ctx context.Context) error {
	var targets []AnnoyTarget
	if err := tb.writeDB.DB().WithContext(ctx).Find(&targets).Error; err != nil {
		return fmt.Errorf("error loading annoy targets: %w", err)
	}
	for _, target := range targets {
		tb.annoy.set(target.GuildID, target.UserID)
	}
	if len(targets) > 0 {
		tb.logger.InfoContext(
			ctx, "restored annoy targets", "count", len(targets),
		)
	}
	return nil
}

// setAnnoyTarget updates both the in-memory tracker and the database.
// An empty userID clears the target. Cleared targets keep their row
// with an empty UserID, since soft deletion would leave the guild's
// primary key occupied.
func (tb *TacoBot) setAnnoyTarget(
	ctx context.Context,
	guildID string,
	userID string,
	setBy string,
) error {
	tb.annoy.set(guildID, userID)
	_, err := tb.writeDB.Save(ctx, &AnnoyTarget{
		GuildID: guildID,
		UserID:  userID,
		SetBy:   setBy,
	})
	return err
}

// realName maps a user ID to the name annoy messages address them by.
func (tb *TacoBot) realName(userID string) string {
	if name, ok := tb.config.Discord.RealNames[userID]; ok {
		return name
	}
	return "Bro"
}

// handleAnnoyMessage sends a jab when the message author is the
// guild's annoy target. Runs on every guild message the bot sees.
func (tb *TacoBot) handleAnnoyMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m.GuildID == "" || m.Author == nil {
		return
	}
	if !tb.RuntimeConfig().AnnoyEnabled {
		return
	}
	if tb.annoy.Target(m.GuildID) != m.Author.ID {
		return
	}
	if !tb.annoy.allow(m.GuildID, time.Now()) {
		return
	}

	name := tb.realName(m.Author.ID)
	msg := annoyMessages[rand.Intn(len(annoyMessages))]
	msg = strings.ReplaceAll(msg, "{name}", name)

	if _, err := tb.discord.session.ChannelMessageSend(m.ChannelID, msg); err != nil {
		tb.logger.WarnContext(ctx, "error sending annoy message", tint.Err(err))
	}
}

// rmsRGB calculates the root mean square of each color channel over
// every pixel, rounded to 8-bit values.
func rmsRGB(img image.Image) (int, int, int) {
	bounds := img.Bounds()

	var totalRedSq, totalGreenSq, totalBlueSq float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			red := float64(r >> 8)
			green := float64(g >> 8)
			blue := float64(b >> 8)
			totalRedSq += red * red
			totalGreenSq += green * green
			totalBlueSq += blue * blue
		}
	}

	numPixels := float64(bounds.Dx() * bounds.Dy())
	if numPixels == 0 {
		return 0, 0, 0
	}
	return int(math.Round(math.Sqrt(totalRedSq / numPixels))),
		int(math.Round(math.Sqrt(totalGreenSq / numPixels))),
		int(math.Round(math.Sqrt(totalBlueSq / numPixels)))
}
