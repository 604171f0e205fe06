package tacobot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

const (
	columnUserID         = "id"
	columnUserUsername   = "username"
	columnUserGlobalName = "global_name"
	columnUserIgnored    = "ignored"
	columnUserTester     = "tester"
	columnUserGod        = "god"
	columnUserLastSeen   = "last_seen"
)

// User mirrors a Discord user along with the bot's own bookkeeping for
// that user. Discord-sourced fields are refreshed whenever the user shows
// up in a message or reaction.
type User struct {
	// ID is the Discord snowflake
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	Username string `json:"username" gorm:"type:string"`

	// GlobalName is the display name (application name for bot accounts)
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Bot marks Discord bot accounts
	Bot bool `json:"bot" gorm:"type:bool"`

	// Content holds the raw discord user object as JSON
	Content string `json:"content" gorm:"type:string"`

	// Ignored users get no response to any command
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// Tester users may run commands with the tester prefix, which
	// target the tester bot account instead of the main one
	Tester bool `json:"tester" gorm:"type:bool;default:false"`

	// God users may run owner-only commands (eval, restart,
	// setactivity, ...). Granted automatically to the configured dev user.
	God bool `json:"god" gorm:"type:bool;default:false"`

	// LastSeen is when the bot last handled a message or reaction
	// from this user, as a unix millisecond timestamp
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

// NewUser builds a User record from the Discord user object. Bot
// accounts start out ignored so we never answer other bots.
func NewUser(u discordgo.User) (*User, error) {
	content, err := json.Marshal(u)
	return &User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		Ignored:    u.Bot,
		Content:    string(content),
		LastSeen:   time.Now().UTC().UnixMilli(),
	}, err
}

func (u *User) String() string {
	return u.Username + " [" + u.ID + "]"
}

// LogValue renders the user as a compact slog group.
func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String(columnUserID, u.ID),
		slog.String(columnUserUsername, u.Username),
		slog.String(columnUserGlobalName, u.GlobalName),
		slog.Bool(columnUserIgnored, u.Ignored),
		slog.Bool(columnUserTester, u.Tester),
		slog.Bool(columnUserGod, u.God),
	)
}

// userChangedDiscordUsername reports whether the Discord-side username
// or display name no longer matches what we have stored, so the row can
// be refreshed before it drifts.
func (u *User) userChangedDiscordUsername(d discordgo.User) bool {
	return d.Username != u.Username || d.GlobalName != u.GlobalName
}

// UserStats are the lifetime tallies shown by the stats command.
type UserStats struct {
	Commands     map[string]int `json:"commands"`
	TracksQueued int            `json:"tracks_queued"`
}

// getStats tallies lifetime command and playback counts for the user,
// soft-deleted rows included.
func (u *User) getStats(ctx context.Context, db *gorm.DB) (UserStats, error) {
	stats := UserStats{Commands: map[string]int{}}
	var errs []error

	var logs []CommandLog
	if err := db.WithContext(ctx).Unscoped().Select("command").Where(
		"user_id = ?", u.ID,
	).Find(&logs).Error; err != nil {
		errs = append(errs, fmt.Errorf("counting command logs: %w", err))
	}
	for _, entry := range logs {
		stats.Commands[entry.Command]++
	}

	var queued int64
	if err := db.WithContext(ctx).Unscoped().Model(&TrackPlay{}).Where(
		"user_id = ?", u.ID,
	).Count(&queued).Error; err != nil {
		errs = append(errs, fmt.Errorf("counting track plays: %w", err))
	}
	stats.TracksQueued = int(queued)

	return stats, errors.Join(errs...)
}
