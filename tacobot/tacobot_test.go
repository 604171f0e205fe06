package tacobot

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeConfigCopy(t *testing.T) {
	tb := &TacoBot{}

	state := DefaultRuntimeConfig()
	state.CommandPrefix = "!"
	tb.setRuntimeConfig(state)

	got := tb.RuntimeConfig()
	assert.Equal(t, "!", got.CommandPrefix)

	// mutating the returned copy must not touch the stored config
	got.CommandPrefix = "?"
	assert.Equal(t, "!", tb.RuntimeConfig().CommandPrefix)

	state.CommandPrefix = "$"
	tb.setRuntimeConfig(state)
	assert.Equal(t, "$", tb.RuntimeConfig().CommandPrefix)
}

func TestExit(t *testing.T) {
	tb := &TacoBot{signalStop: make(chan struct{}, 1)}

	tb.exit(3)
	assert.Equal(t, 3, tb.ExitCode())
	select {
	case <-tb.signalStop:
	default:
		t.Fatal("expected a stop signal")
	}

	// exit must not block when a stop signal is already pending
	tb.signalStop <- struct{}{}
	tb.exit(0)
	assert.Equal(t, 0, tb.ExitCode())
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Discord.Token = "test-token"

		tb, err := New(cfg)
		require.NoError(t, err)
		require.NotNil(t, tb)

		assert.NotNil(t, tb.discord)
		assert.Same(t, tb, tb.discord.tb)
		assert.NotNil(t, tb.api)
		assert.NotNil(t, tb.cache)
		assert.NotNil(t, tb.exchanger)
		assert.NotNil(t, tb.pubchem)
		assert.NotNil(t, tb.resolver)
		assert.NotNil(t, tb.streamer)
		assert.NotNil(t, tb.eval)
		assert.NotNil(t, tb.commands.Lookup("help"))
		assert.Same(t, http.DefaultClient, tb.httpClient)
		assert.Contains(t, tb.sensitiveValues, "test-token")

		// no client credentials, no spotify client
		assert.Nil(t, tb.spotify)

		// storage connects during Run, not here
		assert.Nil(t, tb.storage)
	})

	t.Run("spotify client credentials", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Discord.Token = "test-token"
		cfg.Spotify.ClientID = "client-id"
		cfg.Spotify.ClientSecret = "client-secret"

		tb, err := New(cfg)
		require.NoError(t, err)
		assert.NotNil(t, tb.spotify)
		assert.Contains(t, tb.sensitiveValues, "client-secret")
	})

	t.Run("invalid database type", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Discord.Token = "test-token"
		cfg.DatabaseType = "mongo"

		_, err := New(cfg)
		assert.ErrorContains(t, err, "invalid database type")
	})
}

func TestCollectSensitiveValues(t *testing.T) {
	t.Run("all sections", func(t *testing.T) {
		config := &Config{
			Discord:  &DiscordConfig{Token: "token"},
			API:      &APIConfig{Secret: "api-secret"},
			Storage:  &StorageConfig{AccessKeyID: "key-id", SecretAccessKey: "secret-key"},
			Cache:    &CacheConfig{RedisPassword: "redis-pass"},
			Currency: &CurrencyConfig{APIKey: "currency-key"},
			Spotify:  &SpotifyConfig{ClientID: "spotify-id", ClientSecret: "spotify-secret"},
		}
		assert.ElementsMatch(
			t,
			[]string{
				"token",
				"api-secret",
				"key-id",
				"secret-key",
				"redis-pass",
				"currency-key",
				"spotify-id",
				"spotify-secret",
			},
			collectSensitiveValues(config),
		)
	})

	t.Run("empty values dropped", func(t *testing.T) {
		config := &Config{
			Discord:  &DiscordConfig{Token: "token"},
			API:      &APIConfig{},
			Storage:  &StorageConfig{},
			Cache:    &CacheConfig{},
			Currency: &CurrencyConfig{},
			Spotify:  &SpotifyConfig{},
		}
		assert.Equal(t, []string{"token"}, collectSensitiveValues(config))
	})

	t.Run("optional sections nil", func(t *testing.T) {
		config := &Config{
			Discord: &DiscordConfig{Token: "token"},
			API:     &APIConfig{Secret: "api-secret"},
		}
		assert.Equal(
			t,
			[]string{"token", "api-secret"},
			collectSensitiveValues(config),
		)
	})
}

func TestCommandPrefix(t *testing.T) {
	tests := []struct {
		name         string
		tester       bool
		prefix       string
		testerPrefix string
		want         string
	}{
		{"main configured", false, "!", "$", "!"},
		{"main fallback", false, "", "$", DefaultCommandPrefix},
		{"tester configured", true, "!", "$", "$"},
		{"tester fallback", true, "!", "", DefaultTesterCommandPrefix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := &TacoBot{
				config: &Config{Discord: &DiscordConfig{Tester: tt.tester}},
			}
			tb.setRuntimeConfig(
				RuntimeConfig{
					CommandOptions: CommandOptions{
						CommandPrefix:       tt.prefix,
						TesterCommandPrefix: tt.testerPrefix,
					},
				},
			)
			assert.Equal(t, tt.want, tb.commandPrefix())
		})
	}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "", displayName(nil))
	assert.Equal(
		t,
		"Taco Fan",
		displayName(&discordgo.User{Username: "tacofan123", GlobalName: "Taco Fan"}),
	)
	assert.Equal(t, "tacofan123", displayName(&discordgo.User{Username: "tacofan123"}))
}

func TestDispatchDefaults(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		tb := &TacoBot{config: &Config{}}
		assert.Equal(t, DefaultDispatchBuffer, tb.dispatchBuffer())
		assert.Equal(t, DefaultDispatchIdleTimeout, tb.dispatchIdleTimeout())
	})

	t.Run("zero values", func(t *testing.T) {
		tb := &TacoBot{config: &Config{Dispatch: &DispatchConfig{}}}
		assert.Equal(t, DefaultDispatchBuffer, tb.dispatchBuffer())
		assert.Equal(t, DefaultDispatchIdleTimeout, tb.dispatchIdleTimeout())
	})

	t.Run("configured", func(t *testing.T) {
		tb := &TacoBot{
			config: &Config{
				Dispatch: &DispatchConfig{Buffer: 8, IdleTimeout: time.Minute},
			},
		}
		assert.Equal(t, 8, tb.dispatchBuffer())
		assert.Equal(t, time.Minute, tb.dispatchIdleTimeout())
	})
}

func TestWaitForMessage(t *testing.T) {
	t.Run("delivered", func(t *testing.T) {
		tb := &TacoBot{messageWaiters: map[string]*messageWaiter{}}
		msg := &discordgo.Message{
			ChannelID: "chan",
			Author:    &discordgo.User{ID: "user"},
			Content:   "yes",
		}

		// retry until the waiter is registered
		go func() {
			for !tb.deliverToWaiter(msg) {
				time.Sleep(2 * time.Millisecond)
			}
		}()

		got, ok := tb.waitForMessage(
			context.Background(), "chan", "user", 5*time.Second, nil,
		)
		require.True(t, ok)
		assert.Same(t, msg, got)
	})

	t.Run("timeout", func(t *testing.T) {
		tb := &TacoBot{messageWaiters: map[string]*messageWaiter{}}
		got, ok := tb.waitForMessage(
			context.Background(), "chan", "user", 10*time.Millisecond, nil,
		)
		assert.False(t, ok)
		assert.Nil(t, got)

		tb.waiterMu.Lock()
		assert.Empty(t, tb.messageWaiters)
		tb.waiterMu.Unlock()
	})

	t.Run("context canceled", func(t *testing.T) {
		tb := &TacoBot{messageWaiters: map[string]*messageWaiter{}}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		got, ok := tb.waitForMessage(ctx, "chan", "user", 5*time.Second, nil)
		assert.False(t, ok)
		assert.Nil(t, got)
	})
}

func TestDeliverToWaiter(t *testing.T) {
	newWaiterBot := func(match func(*discordgo.Message) bool) (*TacoBot, *messageWaiter) {
		waiter := &messageWaiter{
			channelID: "chan",
			userID:    "user",
			match:     match,
			ch:        make(chan *discordgo.Message, 1),
		}
		tb := &TacoBot{
			messageWaiters: map[string]*messageWaiter{"key": waiter},
		}
		return tb, waiter
	}
	message := func(channelID, userID, content string) *discordgo.Message {
		return &discordgo.Message{
			ChannelID: channelID,
			Author:    &discordgo.User{ID: userID},
			Content:   content,
		}
	}

	t.Run("no waiters", func(t *testing.T) {
		tb := &TacoBot{messageWaiters: map[string]*messageWaiter{}}
		assert.False(t, tb.deliverToWaiter(message("chan", "user", "yes")))
	})

	t.Run("nil author", func(t *testing.T) {
		tb, _ := newWaiterBot(nil)
		assert.False(t, tb.deliverToWaiter(&discordgo.Message{ChannelID: "chan"}))
		assert.Len(t, tb.messageWaiters, 1)
	})

	t.Run("wrong channel", func(t *testing.T) {
		tb, _ := newWaiterBot(nil)
		assert.False(t, tb.deliverToWaiter(message("other", "user", "yes")))
		assert.Len(t, tb.messageWaiters, 1)
	})

	t.Run("wrong user", func(t *testing.T) {
		tb, _ := newWaiterBot(nil)
		assert.False(t, tb.deliverToWaiter(message("chan", "other", "yes")))
		assert.Len(t, tb.messageWaiters, 1)
	})

	t.Run("match rejects", func(t *testing.T) {
		tb, _ := newWaiterBot(
			func(m *discordgo.Message) bool { return m.Content == "confirm" },
		)
		assert.False(t, tb.deliverToWaiter(message("chan", "user", "nope")))
		assert.Len(t, tb.messageWaiters, 1)
	})

	t.Run("claimed", func(t *testing.T) {
		tb, waiter := newWaiterBot(
			func(m *discordgo.Message) bool { return m.Content == "confirm" },
		)
		msg := message("chan", "user", "confirm")
		require.True(t, tb.deliverToWaiter(msg))
		assert.Empty(t, tb.messageWaiters)

		select {
		case got := <-waiter.ch:
			assert.Same(t, msg, got)
		default:
			t.Fatal("expected the message on the waiter channel")
		}
	})
}

func TestAddReactionListener(t *testing.T) {
	tb := &TacoBot{reactionListeners: map[string][]chan reactionEvent{}}

	ch1 := make(chan reactionEvent, 1)
	ch2 := make(chan reactionEvent, 1)
	unsub1 := tb.addReactionListener("msg", ch1)
	unsub2 := tb.addReactionListener("msg", ch2)
	assert.Len(t, tb.reactionListeners["msg"], 2)

	unsub1()
	require.Len(t, tb.reactionListeners["msg"], 1)
	assert.True(t, tb.reactionListeners["msg"][0] == ch2)

	// unsubscribing twice is harmless
	unsub1()
	assert.Len(t, tb.reactionListeners["msg"], 1)

	unsub2()
	_, ok := tb.reactionListeners["msg"]
	assert.False(t, ok)
}

func TestHandleReaction(t *testing.T) {
	newReactionBot := func() *TacoBot {
		return &TacoBot{
			reactionListeners: map[string][]chan reactionEvent{},
			discord: &Discord{
				session: &stubSession{botUser: &discordgo.User{ID: "bot"}},
			},
		}
	}
	reaction := func(messageID, userID, emoji string) *discordgo.MessageReaction {
		return &discordgo.MessageReaction{
			MessageID: messageID,
			UserID:    userID,
			Emoji:     discordgo.Emoji{Name: emoji},
		}
	}

	t.Run("fan out", func(t *testing.T) {
		tb := newReactionBot()
		ch1 := make(chan reactionEvent, 1)
		ch2 := make(chan reactionEvent, 1)
		tb.addReactionListener("msg", ch1)
		tb.addReactionListener("msg", ch2)

		tb.handleReaction(reaction("msg", "user", "▶"), true)

		want := reactionEvent{Emoji: "▶", UserID: "user", Added: true}
		for _, ch := range []chan reactionEvent{ch1, ch2} {
			select {
			case ev := <-ch:
				assert.Equal(t, want, ev)
			default:
				t.Fatal("expected a reaction event")
			}
		}
	})

	t.Run("removed", func(t *testing.T) {
		tb := newReactionBot()
		ch := make(chan reactionEvent, 1)
		tb.addReactionListener("msg", ch)

		tb.handleReaction(reaction("msg", "user", "🗑"), false)

		select {
		case ev := <-ch:
			assert.False(t, ev.Added)
		default:
			t.Fatal("expected a reaction event")
		}
	})

	t.Run("own reactions skipped", func(t *testing.T) {
		tb := newReactionBot()
		ch := make(chan reactionEvent, 1)
		tb.addReactionListener("msg", ch)

		tb.handleReaction(reaction("msg", "bot", "▶"), true)
		assert.Empty(t, ch)
	})

	t.Run("unwatched message", func(t *testing.T) {
		tb := newReactionBot()
		ch := make(chan reactionEvent, 1)
		tb.addReactionListener("msg", ch)

		tb.handleReaction(reaction("other", "user", "▶"), true)
		assert.Empty(t, ch)
	})

	t.Run("full listener does not block", func(t *testing.T) {
		tb := newReactionBot()
		ch := make(chan reactionEvent) // unbuffered, nobody reading
		tb.addReactionListener("msg", ch)

		done := make(chan struct{})
		go func() {
			tb.handleReaction(reaction("msg", "user", "▶"), true)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handleReaction blocked on a full listener")
		}
	})

	t.Run("nil reaction", func(t *testing.T) {
		tb := newReactionBot()
		tb.handleReaction(nil, true)
	})
}

func TestSetRuntimeLevels(t *testing.T) {
	cfg := DefaultConfig()
	tb := &TacoBot{config: cfg}

	state := DefaultRuntimeConfig()
	state.PlayerLogLevel = DBLogLevelDebug
	state.APILogLevel = DBLogLevelError
	tb.setRuntimeLevels(state)

	assert.Equal(t, slog.LevelDebug, cfg.Player.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.API.LogLevel.Level())

	// everything else stays at the state's default
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())
	assert.Equal(t, slog.LevelInfo, cfg.Storage.LogLevel.Level())
	assert.Equal(t, slog.LevelInfo, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelInfo, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
}
