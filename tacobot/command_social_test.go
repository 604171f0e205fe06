package tacobot

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestKakeraKeyMultiplier(t *testing.T) {
	cases := []struct {
		keys int
		want float64
	}{
		{0, 1.0},
		{1, 1.0},
		{2, 1.1},
		{3, 1.1},
		{5, 1.3},
		{6, 1.3},
		{9, 1.6},
		{10, 1.6},
		{20, 2.1},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, kakeraKeyMultiplier(tc.keys), 1e-9, "keys=%d", tc.keys)
	}
}

func TestKakeraValue(t *testing.T) {
	assert.Equal(t, 1042, kakeraValue(1, 1, 0, 0))
	assert.Equal(t, 1667, kakeraValue(1, 1, 0, 10))
	assert.Equal(t, 915, kakeraValue(100, 200, 5500, 0))

	// worse ranks are worth less, claims and keys are worth more
	assert.Greater(t, kakeraValue(1, 1, 0, 0), kakeraValue(5000, 5000, 0, 0))
	assert.Greater(t, kakeraValue(1, 1, 5500, 0), kakeraValue(1, 1, 0, 0))
	assert.Greater(t, kakeraValue(1, 1, 0, 3), kakeraValue(1, 1, 0, 0))
}

func TestHistoryImageURL(t *testing.T) {
	embedMsg := &discordgo.Message{
		Embeds: []*discordgo.MessageEmbed{
			{Image: &discordgo.MessageEmbedImage{URL: "https://img/e1.png"}},
		},
	}
	attachMsg := &discordgo.Message{
		Attachments: []*discordgo.MessageAttachment{{URL: "https://img/a1.png"}},
	}
	textMsg := &discordgo.Message{Content: "no media here"}

	t.Run("most recent first", func(t *testing.T) {
		url := historyImageURL([]*discordgo.Message{textMsg, attachMsg, embedMsg})
		assert.Equal(t, "https://img/a1.png", url)
	})

	t.Run("embed beats attachment in one message", func(t *testing.T) {
		both := &discordgo.Message{
			Embeds:      embedMsg.Embeds,
			Attachments: attachMsg.Attachments,
		}
		url := historyImageURL([]*discordgo.Message{both})
		assert.Equal(t, "https://img/e1.png", url)
	})

	t.Run("embed without image skipped", func(t *testing.T) {
		linkEmbed := &discordgo.Message{
			Embeds: []*discordgo.MessageEmbed{{Title: "just a link"}},
		}
		url := historyImageURL([]*discordgo.Message{linkEmbed, embedMsg})
		assert.Equal(t, "https://img/e1.png", url)
	})

	t.Run("no media", func(t *testing.T) {
		assert.Empty(t, historyImageURL([]*discordgo.Message{textMsg}))
		assert.Empty(t, historyImageURL(nil))
	})
}
