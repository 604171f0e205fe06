package tacobot

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
	columnRuntimeConfigCustomStatus  = "discord_custom_status"
	columnRuntimeConfigActivityType  = "discord_activity_type"
)

// RuntimeConfig is the bot state that survives restarts and can be
// changed while running, via the admin API or god commands: pause
// state, presence, command prefixes, player timeouts and log levels.
// Exactly one row exists in the database.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	CommandOptions

	// Paused stops the bot from answering commands without
	// disconnecting it.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection. Required for the bot
	// to see messages, play audio, and set its status.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the status text shown on the bot's profile.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// DiscordActivityType is the presence activity shown with
	// DiscordCustomStatus: playing, streaming, listening, watching,
	// competing, or custom.
	DiscordActivityType string `json:"discord_activity_type" gorm:"type:string;default:custom"`

	// DevUserID is the Discord user ID granted owner-only commands on sight.
	DevUserID string `json:"dev_user_id" gorm:"type:string"`

	// PlayerIdleTimeout is how long a guild player sits idle (connected,
	// nothing playing) before it disconnects itself from voice.
	PlayerIdleTimeout Duration `json:"player_idle_timeout" gorm:"type:string"`

	// QueueViewTimeout is how long a paginated queue view responds to
	// reactions before its controls are removed.
	QueueViewTimeout Duration `json:"queue_view_timeout" gorm:"type:string"`

	// StreamURLTTL is how long a resolved stream URL is considered fresh.
	// YouTube URLs expire after roughly six hours.
	StreamURLTTL Duration `json:"stream_url_ttl" gorm:"type:string"`

	// AdminUsername is the login for the admin API.
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword is the argon2id hash of the admin password.
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the top-level logging level.
	LogLevel DBLogLevel `json:"log_level" gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// PlayerLogLevel covers the music players.
	PlayerLogLevel DBLogLevel `json:"player_log_level" gorm:"default:INFO;type:string;check:player_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// StorageLogLevel covers object storage.
	StorageLogLevel DBLogLevel `json:"storage_log_level" gorm:"default:INFO;type:string;check:storage_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel covers gateway events and command handling.
	DiscordLogLevel DBLogLevel `json:"discord_log_level" gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel covers the discordgo library itself.
	DiscordGoLogLevel DBLogLevel `json:"discordgo_log_level" gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel covers gorm.
	DatabaseLogLevel DBLogLevel `json:"database_log_level" gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel covers the admin API.
	APILogLevel DBLogLevel `json:"api_log_level" gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	info := DBLogLevel(slog.LevelInfo.String())
	return RuntimeConfig{
		CommandOptions: CommandOptions{
			CommandPrefix:       DefaultCommandPrefix,
			TesterCommandPrefix: DefaultTesterCommandPrefix,
			AnnoyEnabled:        true,
			RecoverPanic:        false,
			DiscordErrorMessage: DefaultDiscordErrorMessage,
		},
		DiscordGatewayEnabled: true,
		DiscordCustomStatus:   DefaultDiscordCustomStatus,
		DiscordActivityType:   "custom",
		PlayerIdleTimeout:     Duration{DefaultPlayerIdleTimeout},
		QueueViewTimeout:      Duration{DefaultQueueViewTimeout},
		StreamURLTTL:          Duration{DefaultStreamURLTTL},
		LogLevel:              info,
		PlayerLogLevel:        info,
		StorageLogLevel:       info,
		DiscordLogLevel:       info,
		DiscordGoLogLevel:     info,
		DatabaseLogLevel:      info,
		APILogLevel:           info,
	}
}

// updateValueChanged reports whether an update field carries a value
// different from the matching config field. The update side is a
// pointer, nil meaning the field was absent from the payload.
func updateValueChanged(current, updated any) bool {
	ref := reflect.ValueOf(updated)
	if ref.Kind() != reflect.Ptr || ref.IsNil() {
		return false
	}
	return !reflect.DeepEqual(current, ref.Elem().Interface())
}

// changedRuntimeFields lists the JSON names of update fields that are
// present in the payload and differ from the current config.
func changedRuntimeFields(current RuntimeConfig, update RuntimeConfigUpdate) []string {
	var changed []string
	updateType := reflect.TypeOf(update)
	updateVal := reflect.ValueOf(update)
	currentVal := reflect.ValueOf(current)

	for i := 0; i < updateType.NumField(); i++ {
		field := updateType.Field(i)
		cur := currentVal.FieldByName(field.Name)
		if !cur.IsValid() {
			continue
		}
		if updateValueChanged(cur.Interface(), updateVal.Field(i).Interface()) {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			changed = append(changed, name)
		}
	}
	return changed
}

//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`
	AnnoyEnabled *bool `json:"annoy_enabled,omitempty"`

	DiscordGatewayEnabled *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus   *string `json:"discord_custom_status,omitempty"`
	DiscordActivityType   *string `json:"discord_activity_type,omitempty" binding:"omitnil,oneof=playing streaming listening watching competing custom"`
	DiscordErrorMessage   *string `json:"discord_error_message,omitempty"`

	CommandPrefix       *string `json:"command_prefix,omitempty" binding:"omitnil,min=1,max=4"`
	TesterCommandPrefix *string `json:"tester_command_prefix,omitempty" binding:"omitnil,min=1,max=4"`
	DevUserID           *string `json:"dev_user_id,omitempty"`

	PlayerIdleTimeout *Duration `json:"player_idle_timeout,omitempty"`
	QueueViewTimeout  *Duration `json:"queue_view_timeout,omitempty"`
	StreamURLTTL      *Duration `json:"stream_url_ttl,omitempty"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	PlayerLogLevel    *DBLogLevel `json:"player_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	StorageLogLevel   *DBLogLevel `json:"storage_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// validateUpdateBounds keeps the tunable timeouts inside sane limits.
// Registered with the validator as a custom type func.
func validateUpdateBounds(field reflect.Value) any {
	value, ok := field.Interface().(RuntimeConfigUpdate)
	if !ok {
		return nil
	}

	if idle := value.PlayerIdleTimeout; idle != nil && idle.Duration < 10*time.Second {
		return fmt.Errorf("player idle timeout must be at least 10s")
	}
	if view := value.QueueViewTimeout; view != nil && view.Duration < 10*time.Second {
		return fmt.Errorf("queue view timeout must be at least 10s")
	}
	if ttl := value.StreamURLTTL; ttl != nil {
		if ttl.Duration < time.Minute {
			return fmt.Errorf("stream URL TTL must be at least 1m")
		}
		if ttl.Duration > 6*time.Hour {
			return fmt.Errorf("stream URL TTL must be at most 6h")
		}
	}
	return nil
}

func (b RuntimeConfigUpdate) validate() error {
	return fieldValidator.Struct(b)
}

// pausedStatus is the presence shown while the bot is paused.
var pausedStatus = discordgo.UpdateStatusData{
	AFK:    true,
	Status: string(discordgo.StatusDoNotDisturb),
}

// gatewayStatusUpdate builds the identify-time presence for the config:
// do-not-disturb while paused, the custom status otherwise.
func gatewayStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
