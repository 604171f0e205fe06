package tacobot

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnoyTargetLogValue(t *testing.T) {
	var target *AnnoyTarget
	assert.Equal(t, slog.Value{}, target.LogValue())

	target = &AnnoyTarget{GuildID: "g1", UserID: "u1", SetBy: "u2"}
	v := target.LogValue()
	assert.Equal(t, slog.KindGroup, v.Kind())
}

func TestAnnoyTracker(t *testing.T) {
	tracker := newAnnoyTracker()
	assert.Empty(t, tracker.Target("g1"))

	tracker.set("g1", "u1")
	assert.Equal(t, "u1", tracker.Target("g1"))
	assert.Empty(t, tracker.Target("g2"))

	tracker.set("g1", "")
	assert.Empty(t, tracker.Target("g1"))

	t.Run("rate limit", func(t *testing.T) {
		tracker := newAnnoyTracker()
		base := time.Now()

		assert.True(t, tracker.allow("g1", base))
		assert.False(t, tracker.allow("g1", base.Add(10*time.Second)))
		assert.True(t, tracker.allow("g1", base.Add(annoyInterval)))

		// Guilds are limited independently
		assert.True(t, tracker.allow("g2", base))
	})
}

func TestSetAndLoadAnnoyTargets(t *testing.T) {
	_, writeDB := newTestDB(t)
	ctx := context.Background()

	tb := &TacoBot{
		writeDB: writeDB,
		annoy:   newAnnoyTracker(),
		logger:  slog.Default(),
	}

	require.NoError(t, tb.setAnnoyTarget(ctx, "g1", "u1", "setter"))
	require.NoError(t, tb.setAnnoyTarget(ctx, "g2", "u2", "setter"))
	assert.Equal(t, "u1", tb.annoy.Target("g1"))

	t.Run("survives a restart", func(t *testing.T) {
		restarted := &TacoBot{
			writeDB: writeDB,
			annoy:   newAnnoyTracker(),
			logger:  slog.Default(),
		}
		require.NoError(t, restarted.loadAnnoyTargets(ctx))
		assert.Equal(t, "u1", restarted.annoy.Target("g1"))
		assert.Equal(t, "u2", restarted.annoy.Target("g2"))
	})

	t.Run("retarget", func(t *testing.T) {
		require.NoError(t, tb.setAnnoyTarget(ctx, "g1", "u3", "setter"))
		assert.Equal(t, "u3", tb.annoy.Target("g1"))
	})

	t.Run("clemency", func(t *testing.T) {
		require.NoError(t, tb.setAnnoyTarget(ctx, "g1", "", "setter"))
		assert.Empty(t, tb.annoy.Target("g1"))

		restarted := &TacoBot{
			writeDB: writeDB,
			annoy:   newAnnoyTracker(),
			logger:  slog.Default(),
		}
		require.NoError(t, restarted.loadAnnoyTargets(ctx))
		assert.Empty(t, restarted.annoy.Target("g1"))
		assert.Equal(t, "u2", restarted.annoy.Target("g2"))
	})

	t.Run("retarget after clemency", func(t *testing.T) {
		require.NoError(t, tb.setAnnoyTarget(ctx, "g1", "u4", "setter"))
		assert.Equal(t, "u4", tb.annoy.Target("g1"))
	})
}

func TestRealName(t *testing.T) {
	config := DefaultConfig()
	config.Discord.RealNames = map[string]string{"u1": "Kevin"}
	tb := &TacoBot{config: config}

	assert.Equal(t, "Kevin", tb.realName("u1"))
	assert.Equal(t, "Bro", tb.realName("u2"))
}

func TestHandleAnnoyMessageGates(t *testing.T) {
	ctx := context.Background()
	newGatedBot := func() *TacoBot {
		config := DefaultRuntimeConfig()
		tb := &TacoBot{annoy: newAnnoyTracker(), logger: slog.Default()}
		tb.runtimeConfig = &config
		return tb
	}
	message := func(guildID, authorID string) *discordgo.MessageCreate {
		return &discordgo.MessageCreate{
			Message: &discordgo.Message{
				GuildID:   guildID,
				ChannelID: "c1",
				Author:    &discordgo.User{ID: authorID},
			},
		}
	}

	// None of these reach Discord, so a nil session must be fine.
	t.Run("direct message", func(t *testing.T) {
		tb := newGatedBot()
		tb.handleAnnoyMessage(ctx, message("", "u1"))
	})

	t.Run("annoy disabled", func(t *testing.T) {
		tb := newGatedBot()
		tb.runtimeConfig.AnnoyEnabled = false
		tb.annoy.set("g1", "u1")
		tb.handleAnnoyMessage(ctx, message("g1", "u1"))
	})

	t.Run("not the target", func(t *testing.T) {
		tb := newGatedBot()
		tb.annoy.set("g1", "u1")
		tb.handleAnnoyMessage(ctx, message("g1", "u2"))
	})

	t.Run("rate limited", func(t *testing.T) {
		tb := newGatedBot()
		tb.annoy.set("g1", "u1")
		require.True(t, tb.annoy.allow("g1", time.Now()))
		tb.handleAnnoyMessage(ctx, message("g1", "u1"))
	})
}

func TestRmsRGB(t *testing.T) {
	t.Run("uniform image", func(t *testing.T) {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				img.SetRGBA(x, y, color.RGBA{R: 100, G: 150, B: 200, A: 255})
			}
		}
		red, green, blue := rmsRGB(img)
		assert.Equal(t, 100, red)
		assert.Equal(t, 150, green)
		assert.Equal(t, 200, blue)
		assert.Equal(t, "#6496c8", toHexCode(red, green, blue))
	})

	t.Run("rms is not a plain average", func(t *testing.T) {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
		img.SetRGBA(1, 0, color.RGBA{R: 255, A: 255})
		img.SetRGBA(0, 1, color.RGBA{A: 255})
		img.SetRGBA(1, 1, color.RGBA{A: 255})

		red, green, blue := rmsRGB(img)
		// sqrt((255^2 + 255^2) / 4) rounds to 180, not the mean 128
		assert.Equal(t, 180, red)
		assert.Zero(t, green)
		assert.Zero(t, blue)
	})

	t.Run("empty image", func(t *testing.T) {
		red, green, blue := rmsRGB(image.NewRGBA(image.Rectangle{}))
		assert.Zero(t, red)
		assert.Zero(t, green)
		assert.Zero(t, blue)
	})
}
