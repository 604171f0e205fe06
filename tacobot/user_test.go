package tacobot

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	discordUser := discordgo.User{
		ID:         "u1",
		Username:   "taco",
		GlobalName: "Taco",
	}
	user, err := NewUser(discordUser)
	require.NoError(t, err)

	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "taco", user.Username)
	assert.Equal(t, "Taco", user.GlobalName)
	assert.False(t, user.Bot)
	assert.False(t, user.Ignored)
	assert.WithinDuration(
		t,
		time.Now(),
		time.UnixMilli(user.LastSeen),
		time.Minute,
	)

	var content discordgo.User
	require.NoError(t, json.Unmarshal([]byte(user.Content), &content))
	assert.Equal(t, discordUser.ID, content.ID)
	assert.Equal(t, discordUser.Username, content.Username)

	t.Run("bots start out ignored", func(t *testing.T) {
		bot, botErr := NewUser(discordgo.User{ID: "b1", Username: "beep", Bot: true})
		require.NoError(t, botErr)
		assert.True(t, bot.Bot)
		assert.True(t, bot.Ignored)
	})
}

func TestUserString(t *testing.T) {
	u := &User{ID: "u1", Username: "taco"}
	assert.Equal(t, "taco [u1]", u.String())
}

func TestUserLogValue(t *testing.T) {
	var user *User
	assert.Equal(t, slog.Value{}, user.LogValue())

	user = &User{ID: "u1", Username: "taco", God: true}
	v := user.LogValue()
	assert.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "u1", attrs["id"].String())
	assert.Equal(t, "taco", attrs["username"].String())
	assert.True(t, attrs["god"].Bool())
}

func TestUserChangedDiscordUsername(t *testing.T) {
	user := &User{Username: "taco", GlobalName: "Taco"}

	tests := []struct {
		name    string
		discord discordgo.User
		want    bool
	}{
		{
			"unchanged",
			discordgo.User{Username: "taco", GlobalName: "Taco"},
			false,
		},
		{
			"username changed",
			discordgo.User{Username: "burrito", GlobalName: "Taco"},
			true,
		},
		{
			"global name changed",
			discordgo.User{Username: "taco", GlobalName: "Burrito"},
			true,
		},
		{
			"both changed",
			discordgo.User{Username: "burrito", GlobalName: "Burrito"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, user.userChangedDiscordUsername(tt.discord))
			},
		)
	}
}

func TestUserGetStats(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	logs := []*CommandLog{
		{UserID: "u1", Command: "play"},
		{UserID: "u1", Command: "play"},
		{UserID: "u1", Command: "skip"},
		{UserID: "u2", Command: "play"},
	}
	for i, entry := range logs {
		entry.ID = "cl" + string(rune('0'+i))
		require.NoError(t, db.Create(entry).Error)
	}
	plays := []*TrackPlay{
		{UserID: "u1", VideoID: "a"},
		{UserID: "u1", VideoID: "b"},
		{UserID: "u2", VideoID: "c"},
	}
	for i, play := range plays {
		play.ID = "tp" + string(rune('0'+i))
		require.NoError(t, db.Create(play).Error)
	}

	// Soft-deleted rows still count toward lifetime stats
	require.NoError(t, db.Delete(&CommandLog{}, "id = ?", "cl2").Error)

	user := &User{ID: "u1"}
	stats, err := user.getStats(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"play": 2, "skip": 1}, stats.Commands)
	assert.Equal(t, 2, stats.TracksQueued)

	t.Run("no activity", func(t *testing.T) {
		nobody := &User{ID: "u3"}
		stats, err = nobody.getStats(ctx, db)
		require.NoError(t, err)
		assert.Empty(t, stats.Commands)
		assert.Zero(t, stats.TracksQueued)
	})
}
