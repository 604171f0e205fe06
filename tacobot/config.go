package tacobot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "TACOBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "TB"

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "tacobot.sqlite3"
	DefaultLogLevel     = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultCommandPrefix       = "%"
	DefaultTesterCommandPrefix = "&"

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	// DefaultPlayerIdleTimeout is how long a connected player sits idle
	// (nothing playing) before it disconnects from voice on its own.
	DefaultPlayerIdleTimeout = 10 * time.Minute

	// DefaultQueueViewTimeout is how long a paginated queue embed keeps
	// responding to reactions before its controls are removed.
	DefaultQueueViewTimeout = 3 * time.Minute

	// DefaultStreamURLTTL is how long a resolved stream URL is trusted
	// before the track is re-extracted. YouTube URLs expire around the
	// 6 hour mark, so stay comfortably under that.
	DefaultStreamURLTTL = 5 * time.Hour

	DefaultPlayerBitrate  = 96
	DefaultPlayerVolume   = 256
	DefaultYTDLPath       = "yt-dlp"
	DefaultPlaybackFrames = 100

	DefaultDispatchBuffer      = 64
	DefaultDispatchIdleTimeout = 5 * time.Minute

	DefaultStorageBucket = "tacobot"
	DefaultStorageRegion = "us-west-1"

	DefaultCacheTTL         = time.Hour
	DefaultExchangeRatesTTL = 24 * time.Hour

	DefaultUpdateNotesFile = "README.txt"

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentMessageContent

	DefaultDiscordLogLevel     = slog.LevelWarn
	DefaultDiscordgoLogLevel   = slog.LevelWarn
	DefaultDiscordCustomStatus = "%help"
	DefaultDiscordErrorMessage = "sorry, something went wrong!"

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultUITLSMinVersion         = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultStorageLogLevel       = slog.LevelInfo
	DefaultPlayerLogLevel        = slog.LevelInfo

	DefaultRuntimeConfigTTL = 5 * time.Minute
	DefaultUserCacheTTL     = time.Hour

	discordMaxMessageLength = 2000
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin", "Content-Length", "Content-Type", "Accept", "Authorization",
		"X-Requested-With", "Cache-Control", "X-CSRF-Token", requestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type", "Content-Length", "Accept-Encoding", requestIDHeader,
		"Location", "ETag", "Authorization", "Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database is the connection string (a file path, for sqlite)
	Database string `mapstructure:"database" json:"database"`

	// DatabaseType selects the backing database, 'sqlite' or 'postgres'
	DatabaseType string `mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel is the level for the gorm query logger
	DatabaseLogLevel *slog.LevelVar `mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold flags queries slower than this in the logs
	DatabaseSlowThreshold time.Duration `mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Dispatch configures the per-guild command dispatch workers
	Dispatch *DispatchConfig `mapstructure:"dispatch" json:"dispatch"`

	// Player configures music playback
	Player *PlayerConfig `mapstructure:"player" json:"player"`

	// Storage configures the object store used for saved queues and
	// other whole-file state
	Storage *StorageConfig `mapstructure:"storage" json:"storage"`

	// Cache configures the lookup cache (exchange rates, oEmbed
	// previews, PubChem results)
	Cache *CacheConfig `mapstructure:"cache" json:"cache"`

	// API configures the admin HTTP server
	API *APIConfig `mapstructure:"api" json:"api"`

	// Discord holds the bot session settings
	Discord *DiscordConfig `mapstructure:"discord" json:"discord"`

	// Currency configures the exchange-rate provider used by %convert
	Currency *CurrencyConfig `mapstructure:"currency" json:"currency"`

	// Spotify configures the client used by the owner-only %spotify command
	Spotify *SpotifyConfig `mapstructure:"spotify" json:"spotify"`

	// LogLevel is the root level for the default logger
	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`

	// StartupTimeout caps initialization. Startup aborts when it elapses.
	StartupTimeout time.Duration `mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Connections still open
	// when it elapses are force closed.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL, when above 0, reloads RuntimeConfig from the
	// database at least every TTL. Normally the config is read once on
	// start and refreshed on each update, which can go stale when
	// several instances share a database. Postgres installs also get
	// updates announced over LISTEN/NOTIFY.
	RuntimeConfigTTL time.Duration `mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	// UserCacheTTL, when above 0, refreshes the [User] cache from the
	// database at least every TTL. All users load on startup and stay
	// current as rows change, so this mostly matters when several
	// instances share a database.
	UserCacheTTL time.Duration `mapstructure:"user_cache_ttl" json:"user_cache_ttl"`

	// UpdateNotesFile is the path %updatenotes reads release notes from
	UpdateNotesFile string `mapstructure:"update_notes_file" json:"update_notes_file"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DispatchConfig configures the per-guild command dispatch workers.
type DispatchConfig struct {
	// Buffer is the per-guild channel capacity. Commands arriving while
	// the buffer is full are dropped with a warning reaction.
	Buffer int `mapstructure:"buffer" json:"buffer" binding:"min=1"`

	// IdleTimeout is how long a guild worker lingers with no commands
	// before it stops itself.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
}

// PlayerConfig configures music playback.
type PlayerConfig struct {
	// YTDLPath is the path to the yt-dlp (or youtube-dl) binary used
	// for track resolution.
	YTDLPath string `mapstructure:"ytdl_path" json:"ytdl_path"`

	// IdleTimeout is how long a connected player sits with nothing
	// playing before disconnecting from voice.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`

	// QueueViewTimeout is how long a paginated queue embed responds to
	// reactions before its controls are removed.
	QueueViewTimeout time.Duration `mapstructure:"queue_view_timeout" json:"queue_view_timeout"`

	// StreamURLTTL is how long a resolved stream URL is trusted before
	// the track is re-extracted.
	StreamURLTTL time.Duration `mapstructure:"stream_url_ttl" json:"stream_url_ttl"`

	// Bitrate is the opus encoding bitrate in kb/s
	Bitrate int `mapstructure:"bitrate" json:"bitrate" binding:"min=8,max=512"`

	// Volume for the ffmpeg volume filter (256=normal)
	Volume int `mapstructure:"volume" json:"volume"`

	// Log level for player and voice operations
	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`
}

// StorageConfig configures the S3-style object store.
type StorageConfig struct {
	// Bucket all bot state lives under
	Bucket string `mapstructure:"bucket" json:"bucket" binding:"required"`

	Region string `mapstructure:"region" json:"region"`

	// Endpoint overrides the S3 endpoint (ex: for MinIO). Empty uses AWS.
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`

	AccessKeyID string `mapstructure:"access_key_id" json:"access_key_id" log:"[redacted]"`

	SecretAccessKey string `mapstructure:"secret_access_key" json:"secret_access_key" log:"[redacted]"`

	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`
}

// CacheConfig configures the lookup cache. When Redis is configured,
// lookups go through it with an in-memory fallback; otherwise only the
// in-memory cache is used.
type CacheConfig struct {
	// RedisAddr is the redis host:port. Empty disables redis.
	RedisAddr string `mapstructure:"redis_addr" json:"redis_addr"`

	RedisPassword string `mapstructure:"redis_password" json:"redis_password" log:"[redacted]"`

	RedisDB int `mapstructure:"redis_db" json:"redis_db"`

	// TTL is the default cache entry lifetime
	TTL time.Duration `mapstructure:"ttl" json:"ttl"`
}

// CurrencyConfig configures the CurrencyScoop client used for currency
// conversion.
type CurrencyConfig struct {
	APIKey string `mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	// RatesTTL is how long fetched exchange rates are cached
	RatesTTL time.Duration `mapstructure:"rates_ttl" json:"rates_ttl"`
}

// SpotifyConfig holds client-credentials for the owner-only %spotify
// command.
type SpotifyConfig struct {
	ClientID string `mapstructure:"client_id" json:"client_id"`

	ClientSecret string `mapstructure:"client_secret" json:"client_secret" log:"[redacted]"`
}

// DiscordConfig holds the bot session settings.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `mapstructure:"token" json:"token" binding:"required" log:"[redacted]"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `mapstructure:"application_id" json:"application_id" binding:"required"`

	// DevUserID is the discord user ID of the bot owner. Owner-only
	// commands are restricted to this user.
	DevUserID string `mapstructure:"dev_user_id" json:"dev_user_id" binding:"required"`

	// Tester runs the bot as the tester instance: it answers to the
	// tester prefix and ignores non-tester users.
	Tester bool `mapstructure:"tester" json:"tester"`

	// Base discord logging level
	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `mapstructure:"gateway_intents" json:"gateway_intents"`

	// RealNames maps user IDs to the names annoy messages address them
	// by. Unlisted users are called "Bro".
	RealNames map[string]string `mapstructure:"real_names" json:"real_names"`

	httpClient *http.Client
}

// APIConfig configures the admin HTTP server.
type APIConfig struct {
	// Listen is the bind address, host:port for tcp networks or a
	// socket path for unix
	Listen string `mapstructure:"listen" json:"listen" binding:"hostname_port|filepath"`

	// ListenNetwork is the net.Listen network, one of tcp, tcp4,
	// tcp6 or unix
	ListenNetwork string `mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret signs the session cookie
	Secret string `mapstructure:"secret" json:"secret" log:"[redacted]"`

	// SSL locates the cert and key. Left empty, the server generates a
	// self-signed cert on startup.
	SSL SSLConfig `mapstructure:"ssl" json:"ssl"`

	// LogLevel for request logging
	LogLevel *slog.LevelVar `mapstructure:"log_level" json:"log_level"`

	// CORS policy applied to all routes
	CORS CORSConfig `mapstructure:"cors" json:"cors"`

	// ReadTimeout caps reading a request, body included
	ReadTimeout time.Duration `mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// ReadHeaderTimeout caps reading the request headers
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// WriteTimeout caps writing a response
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// IdleTimeout is how long a keep-alive connection waits for its
	// next request
	IdleTimeout time.Duration `mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// SessionMaxAge is the login session cookie lifetime
	SessionMaxAge time.Duration `mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// Development sets the session cookie SameSite attribute to None
	Development bool `mapstructure:"development" json:"development"`
}

// SSLConfig locates the TLS cert and key and pins the minimum TLS
// version.
type SSLConfig struct {
	// Cert is the path to a PEM encoded certificate
	Cert string `mapstructure:"cert" json:"cert"`

	// Key is the path to the matching private key
	Key string `mapstructure:"key" json:"key"`

	// TLSMinVersion is a tls.VersionTLS* value
	TLSMinVersion uint16 `mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig is the cross-origin policy handed to the gin cors
// middleware.
type CORSConfig struct {
	AllowOrigins     []string      `mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) ginConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders:     slices.Clone(DefaultCORSAllowHeaders),
		ExposeHeaders:    slices.Clone(DefaultCORSExposeHeaders),
		AllowCredentials: DefaultAPICORSAllowCredentials,
		MaxAge:           DefaultCORSMaxAge,
	}
}

// levelVar returns a LevelVar initialized to level.
func levelVar(level slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(level)
	return v
}

// DefaultConfig builds a Config with every default populated.
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      levelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              levelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		UserCacheTTL:          DefaultUserCacheTTL,
		UpdateNotesFile:       DefaultUpdateNotesFile,
		Dispatch: &DispatchConfig{
			Buffer:      DefaultDispatchBuffer,
			IdleTimeout: DefaultDispatchIdleTimeout,
		},
		Player: &PlayerConfig{
			YTDLPath:         DefaultYTDLPath,
			IdleTimeout:      DefaultPlayerIdleTimeout,
			QueueViewTimeout: DefaultQueueViewTimeout,
			StreamURLTTL:     DefaultStreamURLTTL,
			Bitrate:          DefaultPlayerBitrate,
			Volume:           DefaultPlayerVolume,
			LogLevel:         levelVar(DefaultPlayerLogLevel),
		},
		Storage: &StorageConfig{
			Bucket:   DefaultStorageBucket,
			Region:   DefaultStorageRegion,
			LogLevel: levelVar(DefaultStorageLogLevel),
		},
		Cache: &CacheConfig{
			TTL: DefaultCacheTTL,
		},
		Currency: &CurrencyConfig{
			RatesTTL: DefaultExchangeRatesTTL,
		},
		Spotify: &SpotifyConfig{},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          levelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: levelVar(DefaultDiscordgoLogLevel),
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			SSL:               SSLConfig{TLSMinVersion: DefaultUITLSMinVersion},
			LogLevel:          levelVar(DefaultAPILogLevel),
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
		},
	}
}
