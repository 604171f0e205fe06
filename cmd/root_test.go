package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinlin24/tacobot-public/tacobot"
)

// isolateEnv empties the process environment for the duration of the
// test, restoring the original afterward.
func isolateEnv(t *testing.T) {
	t.Helper()
	originalEnv := os.Environ()
	os.Clearenv()
	t.Cleanup(func() {
		os.Clearenv()
		for _, kv := range originalEnv {
			if k, v, ok := strings.Cut(kv, "="); ok {
				_ = os.Setenv(k, v)
			}
		}
	})
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()
	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "expected *slog.LevelVar, got %T (%#v)", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	isolateEnv(t)

	envFile := filepath.Join(t.TempDir(), "test.env")
	envContent := `
# General/database config

TB_DATABASE=/home/foo/tacobot.sqlite3
TB_DATABASE_TYPE=sqlite
TB_DATABASE_LOG_LEVEL=INFO
TB_DATABASE_SLOW_THRESHOLD=200ms
TB_LOG_LEVEL=INFO
TB_STARTUP_TIMEOUT=30s
TB_SHUTDOWN_TIMEOUT=60s
TB_UPDATE_NOTES_FILE=README.txt

# Command dispatch config

TB_DISPATCH_BUFFER=32
TB_DISPATCH_IDLE_TIMEOUT=3m

# Music player config

TB_PLAYER_YTDL_PATH=yt-dlp
TB_PLAYER_IDLE_TIMEOUT=10m
TB_PLAYER_QUEUE_VIEW_TIMEOUT=3m
TB_PLAYER_STREAM_URL_TTL=5h
TB_PLAYER_BITRATE=96
TB_PLAYER_VOLUME=256
TB_PLAYER_LOG_LEVEL=INFO

# Object storage config

TB_STORAGE_BUCKET=tacobot-test
TB_STORAGE_REGION=us-west-1
TB_STORAGE_ENDPOINT=http://127.0.0.1:9000
TB_STORAGE_ACCESS_KEY_ID=minioadmin
TB_STORAGE_SECRET_ACCESS_KEY=minioadmin
TB_STORAGE_LOG_LEVEL=INFO

# Cache config

TB_CACHE_REDIS_ADDR=127.0.0.1:6379
TB_CACHE_REDIS_PASSWORD=redis-password
TB_CACHE_REDIS_DB=1
TB_CACHE_TTL=1h

# Currency config

TB_CURRENCY_API_KEY=your-exchangerate-key
TB_CURRENCY_RATES_TTL=24h

# Spotify config

TB_SPOTIFY_CLIENT_ID=your-spotify-client-id
TB_SPOTIFY_CLIENT_SECRET=your-spotify-client-secret

# Discord bot config

TB_DISCORD_TOKEN=your-discord-bot-token
TB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
TB_DISCORD_DEV_USER_ID=1234567890
TB_DISCORD_TESTER=false
TB_DISCORD_LOG_LEVEL=WARN
TB_DISCORD_DISCORDGO_LOG_LEVEL=WARN
TB_DISCORD_GATEWAY_INTENTS=3243773

# API server

TB_API_LISTEN=127.0.0.1:5000
TB_API_SSL_CERT=/etc/ssl/cert.pem
TB_API_SSL_KEY=/etc/ssl/key.pem
TB_API_SSL_TLS_MIN_VERSION=771
TB_API_SECRET=your-api-secret
TB_API_LOG_LEVEL=DEBUG
TB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
TB_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
TB_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
TB_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
TB_API_CORS_ALLOW_CREDENTIALS=true
TB_API_CORS_MAX_AGE=12h
TB_API_READ_TIMEOUT=5s
TB_API_READ_HEADER_TIMEOUT=5s
TB_API_WRITE_TIMEOUT=10s
TB_API_IDLE_TIMEOUT=30s
TB_API_SESSION_MAX_AGE=6h
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0644))

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	wantOrigins := []string{"https://127.0.0.1:5000", "https://localhost:5000"}
	wantMethods := []string{
		"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD",
	}
	wantAllowHeaders := []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		"X-Request-ID",
	}
	wantExposeHeaders := []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		"X-Request-ID",
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}

	// Values as seen by viper
	assert.Equal(t, "/home/foo/tacobot.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/tacobot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assert.Equal(
		t,
		200*time.Millisecond,
		viper.GetDuration("database_slow_threshold"),
	)
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.Equal(t, "README.txt", viper.GetString("update_notes_file"))

	assert.Equal(t, 32, viper.GetInt("dispatch.buffer"))
	assert.Equal(t, 3*time.Minute, viper.GetDuration("dispatch.idle_timeout"))

	assert.Equal(t, "yt-dlp", viper.GetString("player.ytdl_path"))
	assert.Equal(t, 10*time.Minute, viper.GetDuration("player.idle_timeout"))
	assert.Equal(
		t,
		3*time.Minute,
		viper.GetDuration("player.queue_view_timeout"),
	)
	assert.Equal(t, 5*time.Hour, viper.GetDuration("player.stream_url_ttl"))
	assert.Equal(t, 96, viper.GetInt("player.bitrate"))
	assert.Equal(t, 256, viper.GetInt("player.volume"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("player.log_level"))

	assert.Equal(t, "tacobot-test", viper.GetString("storage.bucket"))
	assert.Equal(t, "us-west-1", viper.GetString("storage.region"))
	assert.Equal(t, "http://127.0.0.1:9000", viper.GetString("storage.endpoint"))
	assert.Equal(t, "minioadmin", viper.GetString("storage.access_key_id"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("storage.log_level"))

	assert.Equal(t, "127.0.0.1:6379", viper.GetString("cache.redis_addr"))
	assert.Equal(t, "redis-password", viper.GetString("cache.redis_password"))
	assert.Equal(t, 1, viper.GetInt("cache.redis_db"))
	assert.Equal(t, time.Hour, viper.GetDuration("cache.ttl"))

	assert.Equal(t, "your-exchangerate-key", viper.GetString("currency.api_key"))
	assert.Equal(t, 24*time.Hour, viper.GetDuration("currency.rates_ttl"))

	assert.Equal(t, "your-spotify-client-id", viper.GetString("spotify.client_id"))
	assert.Equal(
		t,
		"your-spotify-client-secret",
		viper.GetString("spotify.client_secret"),
	)

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(
		t,
		"your-discord-bot-app-id",
		viper.GetString("discord.application_id"),
	)
	assert.Equal(t, "1234567890", viper.GetString("discord.dev_user_id"))
	assert.False(t, viper.GetBool("discord.tester"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(t, wantOrigins, viper.GetStringSlice("api.cors.allow_origins"))
	assert.Equal(t, wantMethods, viper.GetStringSlice("api.cors.allow_methods"))
	assert.Equal(t, wantMethods, cfg.API.CORS.AllowMethods)
	assert.Equal(
		t,
		wantAllowHeaders,
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.Equal(
		t,
		wantExposeHeaders,
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))

	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// The same values, unmarshaled into a fresh Config
	var config tacobot.Config
	require.NoError(t, viper.Unmarshal(&config, viperDecodeHook()))

	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, "/home/foo/tacobot.sqlite3", config.Database)
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, 32, config.Dispatch.Buffer)
	assert.Equal(t, 3*time.Minute, config.Dispatch.IdleTimeout)

	assert.Equal(t, "yt-dlp", config.Player.YTDLPath)
	assert.Equal(t, 10*time.Minute, config.Player.IdleTimeout)
	assert.Equal(t, 3*time.Minute, config.Player.QueueViewTimeout)
	assert.Equal(t, 5*time.Hour, config.Player.StreamURLTTL)
	assert.Equal(t, 96, config.Player.Bitrate)
	assert.Equal(t, 256, config.Player.Volume)

	assert.Equal(t, "tacobot-test", config.Storage.Bucket)
	assert.Equal(t, "us-west-1", config.Storage.Region)
	assert.Equal(t, "http://127.0.0.1:9000", config.Storage.Endpoint)
	assert.Equal(t, "minioadmin", config.Storage.AccessKeyID)
	assert.Equal(t, "minioadmin", config.Storage.SecretAccessKey)

	assert.Equal(t, "127.0.0.1:6379", config.Cache.RedisAddr)
	assert.Equal(t, "redis-password", config.Cache.RedisPassword)
	assert.Equal(t, 1, config.Cache.RedisDB)
	assert.Equal(t, time.Hour, config.Cache.TTL)

	assert.Equal(t, "your-exchangerate-key", config.Currency.APIKey)
	assert.Equal(t, 24*time.Hour, config.Currency.RatesTTL)

	assert.Equal(t, "your-spotify-client-id", config.Spotify.ClientID)
	assert.Equal(t, "your-spotify-client-secret", config.Spotify.ClientSecret)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "1234567890", config.Discord.DevUserID)
	assert.False(t, config.Discord.Tester)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(t, wantOrigins, config.API.CORS.AllowOrigins)
	assert.Equal(t, wantMethods, config.API.CORS.AllowMethods)
	assert.Equal(t, wantAllowHeaders, config.API.CORS.AllowHeaders)
}
