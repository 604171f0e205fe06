package tacobot

import (
	"reflect"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

func TestDefaultRuntimeConfig(t *testing.T) {
	config := DefaultRuntimeConfig()

	assert.Equal(t, DefaultCommandPrefix, config.CommandPrefix)
	assert.Equal(t, DefaultTesterCommandPrefix, config.TesterCommandPrefix)
	assert.True(t, config.AnnoyEnabled)
	assert.False(t, config.RecoverPanic)
	assert.Equal(t, DefaultDiscordErrorMessage, config.DiscordErrorMessage)
	assert.True(t, config.DiscordGatewayEnabled)
	assert.Equal(t, DefaultDiscordCustomStatus, config.DiscordCustomStatus)
	assert.Equal(t, "custom", config.DiscordActivityType)
	assert.Equal(t, DefaultPlayerIdleTimeout, config.PlayerIdleTimeout.Duration)
	assert.Equal(t, DefaultQueueViewTimeout, config.QueueViewTimeout.Duration)
	assert.Equal(t, DefaultStreamURLTTL, config.StreamURLTTL.Duration)
	assert.Equal(t, DBLogLevel("INFO"), config.LogLevel)
	assert.Equal(t, DBLogLevel("INFO"), config.PlayerLogLevel)
	assert.Equal(t, DBLogLevel("INFO"), config.APILogLevel)
	assert.False(t, config.Paused)

	assert.Equal(t, "config", RuntimeConfig{}.TableName())
}

func TestUpdateValueChanged(t *testing.T) {
	tests := []struct {
		name      string
		current   any
		updateVal any
		want      bool
	}{
		{"non-pointer update", false, true, false},
		{"nil pointer", "status", (*string)(nil), false},
		{"same value", "status", ptr("status"), false},
		{"different string", "status", ptr("busy"), true},
		{"different bool", false, ptr(true), true},
		{
			"same duration",
			Duration{time.Minute},
			ptr(Duration{time.Minute}),
			false,
		},
		{
			"different duration",
			Duration{time.Minute},
			ptr(Duration{time.Hour}),
			true,
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(
					t,
					tt.want,
					updateValueChanged(tt.current, tt.updateVal),
				)
			},
		)
	}
}

func TestChangedRuntimeFields(t *testing.T) {
	config := DefaultRuntimeConfig()

	t.Run("empty update", func(t *testing.T) {
		assert.Nil(t, changedRuntimeFields(config, RuntimeConfigUpdate{}))
	})

	t.Run("same values", func(t *testing.T) {
		update := RuntimeConfigUpdate{
			Paused:              ptr(false),
			CommandPrefix:       ptr(DefaultCommandPrefix),
			DiscordCustomStatus: ptr(DefaultDiscordCustomStatus),
		}
		assert.Nil(t, changedRuntimeFields(config, update))
	})

	t.Run("changed values in field order", func(t *testing.T) {
		update := RuntimeConfigUpdate{
			Paused:              ptr(true),
			CommandPrefix:       ptr("?"),
			DiscordCustomStatus: ptr(DefaultDiscordCustomStatus),
			PlayerIdleTimeout:   ptr(Duration{DefaultPlayerIdleTimeout + time.Minute}),
			LogLevel:            ptr(DBLogLevel("DEBUG")),
		}
		assert.Equal(
			t,
			[]string{"paused", "command_prefix", "player_idle_timeout", "log_level"},
			changedRuntimeFields(config, update),
		)
	})
}

func TestValidateUpdateBounds(t *testing.T) {
	check := func(update RuntimeConfigUpdate) any {
		return validateUpdateBounds(reflect.ValueOf(update))
	}

	t.Run("no limits set", func(t *testing.T) {
		assert.Nil(t, check(RuntimeConfigUpdate{}))
	})

	t.Run("valid limits", func(t *testing.T) {
		assert.Nil(
			t, check(
				RuntimeConfigUpdate{
					PlayerIdleTimeout: ptr(Duration{time.Minute}),
					QueueViewTimeout:  ptr(Duration{30 * time.Second}),
					StreamURLTTL:      ptr(Duration{5 * time.Hour}),
				},
			),
		)
	})

	t.Run("player idle timeout too short", func(t *testing.T) {
		rv := check(
			RuntimeConfigUpdate{PlayerIdleTimeout: ptr(Duration{5 * time.Second})},
		)
		err, ok := rv.(error)
		require.True(t, ok)
		assert.ErrorContains(t, err, "player idle timeout must be at least 10s")
	})

	t.Run("queue view timeout too short", func(t *testing.T) {
		rv := check(
			RuntimeConfigUpdate{QueueViewTimeout: ptr(Duration{time.Second})},
		)
		err, ok := rv.(error)
		require.True(t, ok)
		assert.ErrorContains(t, err, "queue view timeout must be at least 10s")
	})

	t.Run("stream url ttl too short", func(t *testing.T) {
		rv := check(
			RuntimeConfigUpdate{StreamURLTTL: ptr(Duration{30 * time.Second})},
		)
		err, ok := rv.(error)
		require.True(t, ok)
		assert.ErrorContains(t, err, "stream URL TTL must be at least 1m")
	})

	t.Run("stream url ttl too long", func(t *testing.T) {
		rv := check(
			RuntimeConfigUpdate{StreamURLTTL: ptr(Duration{7 * time.Hour})},
		)
		err, ok := rv.(error)
		require.True(t, ok)
		assert.ErrorContains(t, err, "stream URL TTL must be at most 6h")
	})

	t.Run("non-update value", func(t *testing.T) {
		assert.Nil(t, validateUpdateBounds(reflect.ValueOf("nope")))
	})
}

func TestRuntimeConfigUpdateValidate(t *testing.T) {
	t.Run("empty update", func(t *testing.T) {
		assert.NoError(t, RuntimeConfigUpdate{}.validate())
	})

	t.Run("valid update", func(t *testing.T) {
		update := RuntimeConfigUpdate{
			Paused:              ptr(true),
			CommandPrefix:       ptr("!"),
			DiscordActivityType: ptr("listening"),
			LogLevel:            ptr(DBLogLevel("DEBUG")),
		}
		assert.NoError(t, update.validate())
	})

	t.Run("empty command prefix", func(t *testing.T) {
		assert.Error(t, RuntimeConfigUpdate{CommandPrefix: ptr("")}.validate())
	})

	t.Run("command prefix too long", func(t *testing.T) {
		assert.Error(
			t,
			RuntimeConfigUpdate{CommandPrefix: ptr("%%%%%")}.validate(),
		)
	})

	t.Run("unknown activity type", func(t *testing.T) {
		assert.Error(
			t,
			RuntimeConfigUpdate{DiscordActivityType: ptr("sleeping")}.validate(),
		)
	})

	t.Run("unknown log level", func(t *testing.T) {
		assert.Error(
			t,
			RuntimeConfigUpdate{LogLevel: ptr(DBLogLevel("TRACE"))}.validate(),
		)
	})
}

func TestGatewayStatusUpdate(t *testing.T) {
	config := DefaultRuntimeConfig()

	update := gatewayStatusUpdate(config)
	assert.Equal(t, DefaultDiscordCustomStatus, update.Status)
	assert.False(t, update.AFK)

	config.Paused = true
	update = gatewayStatusUpdate(config)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), update.Status)
	assert.True(t, update.AFK)
}
