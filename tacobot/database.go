package tacobot

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

// Channels postgres instances NOTIFY on so every bot sharing the
// database picks up changes.
const (
	pgChannelRuntimeConfig = "tacobot_reload_runtime_config"
	pgChannelUserCache     = "tacobot_reload_user_cache"
	pgChannelUserUpdated   = "tacobot_user_updated"
	pgChannelStop          = "tacobot_stop"

	// ASCII record separator, splits NOTIFY payload fields
	recordSeparator = "\x1e"
)

const (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute

	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// Executed once when the sqlite database opens.
var sqliteExecPragma = []string{
	"pragma journal_mode=WAL;",
	"pragma synchronous = normal;",
	"pragma temp_store = memory;",
	"pragma foreign_keys = ON;",
	"pragma mmap_size = 8000000000;",
}

// ModelStringID keys a model on a caller-assigned string ID, such as a
// Discord snowflake.
type ModelStringID struct {
	ID string `json:"id" gorm:"primaryKey"`
}

type ModelUintID struct {
	ID uint `json:"id" gorm:"primaryKey"`
}

// ModelUnixTime adds millisecond create/update stamps and soft deletes
// to a model.
type ModelUnixTime struct {
	CreatedAt int64          `json:"created_at,omitempty" gorm:"autoCreateTime:milli"`
	UpdatedAt int64          `json:"updated_at,omitempty" gorm:"autoUpdateTime:milli"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// DBI is the bot's database surface, separated from [database] so tests
// can substitute pieces of it.
type DBI interface {
	DB() *gorm.DB

	// Lock and Unlock serialize writes on SQLite. On postgres they are
	// no-ops.
	Lock()
	Unlock()

	// UserCacheLock and UserCacheUnlock guard the in-memory User cache.
	UserCacheLock()
	UserCacheUnlock()
	UserCache() map[string]*User

	LoadUsers() []User
	GetUser(userID string) *User
	ReloadUser(userID string) *User
	GetOrCreateUser(ctx context.Context, tb *TacoBot, u discordgo.User) (*User, bool, error)

	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
	Delete(value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// database implements DBI over a GORM connection. SQLite connections
// get their writes serialized through mu; postgres writes run
// concurrently.
type database struct {
	db     *gorm.DB
	logger *slog.Logger

	mu               sync.Mutex
	concurrentWrites bool

	cacheMu   sync.Mutex
	userCache map[string]*User
}

// NewDatabase wraps an open GORM connection. A nil log falls back to
// slog.Default.
func NewDatabase(db *gorm.DB, log *slog.Logger, concurrentWrites bool) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:               db,
		logger:           log.With(loggerNameKey, "writedb"),
		userCache:        map[string]*User{},
		concurrentWrites: concurrentWrites,
	}
}

func (d *database) DB() *gorm.DB { return d.db }

func (d *database) Lock() {
	if !d.concurrentWrites {
		d.mu.Lock()
	}
}

func (d *database) Unlock() {
	if !d.concurrentWrites {
		d.mu.Unlock()
	}
}

func (d *database) UserCache() map[string]*User {
	return d.userCache
}

func (d *database) UserCacheLock() { d.cacheMu.Lock() }

func (d *database) UserCacheUnlock() { d.cacheMu.Unlock() }

// LoadUsers resets the cache and fills it with users seen in the last
// 24 hours, plus users with no LastSeen at all.
func (d *database) LoadUsers() []User {
	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()

	var users []User
	err := d.db.Where(
		"last_seen is null OR last_seen = 0 OR last_seen >= ?", cutoff,
	).Find(&users).Error
	if err != nil {
		d.logger.Error("error loading users", tint.Err(err))
	}

	d.userCache = make(map[string]*User, len(users))
	for i := range users {
		d.userCache[users[i].ID] = &users[i]
	}
	return users
}

func (d *database) GetUser(userID string) *User {
	d.cacheMu.Lock()
	u := d.userCache[userID]
	d.cacheMu.Unlock()
	return u
}

// ReloadUser refreshes a single cache entry from the database, evicting
// it when the row is gone.
func (d *database) ReloadUser(userID string) *User {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	var u User
	err := d.db.Last(&u, "id = ?", userID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		delete(d.userCache, userID)
		return nil
	case err != nil:
		return nil
	}
	d.userCache[userID] = &u
	return &u
}

// GetOrCreateUser returns the cached User for a Discord user, touching
// LastSeen and picking up username changes, or creates a row on first
// sight. The second return value reports whether the user is new.
func (d *database) GetOrCreateUser(
	ctx context.Context, tb *TacoBot, u discordgo.User,
) (*User, bool, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	log, ok := ContextLogger(ctx)
	if !ok || log == nil {
		log = slog.Default()
	}

	if cached, seen := d.userCache[u.ID]; seen {
		now := time.Now().UTC().UnixMilli()
		cached.LastSeen = now
		updates := map[string]any{columnUserLastSeen: now}

		if cached.userChangedDiscordUsername(u) {
			log.Info(
				"user changed username since last seen",
				slog.Group("old",
					"username", cached.Username,
					"global_name", cached.GlobalName,
				),
				slog.Group("new",
					"username", u.Username,
					"global_name", u.GlobalName,
				),
			)
			cached.Username = u.Username
			cached.GlobalName = u.GlobalName
			updates[columnUserUsername] = u.Username
			updates[columnUserGlobalName] = u.GlobalName
		}
		if _, err := d.Updates(ctx, cached, updates); err != nil {
			log.Error("error updating user", "user", cached, tint.Err(err))
		}
		return cached, false, nil
	}

	log.Info("creating new user", "user", u)
	user, _ := NewUser(u)
	if tb != nil {
		config := tb.RuntimeConfig()
		if config.DevUserID != "" && u.ID == config.DevUserID {
			user.God = true
			user.Tester = true
		}
	}

	if _, err := d.Create(ctx, user); err != nil {
		log.Error("error creating user", "user", user, tint.Err(err))
		return nil, true, err
	}
	d.userCache[u.ID] = user
	return user, true, nil
}

// writeContext takes the write lock and applies the default operation
// timeout when the caller's context has no deadline. The returned
// function releases both.
func (d *database) writeContext(ctx context.Context) (context.Context, func()) {
	if !d.concurrentWrites {
		d.mu.Lock()
	}
	cancel := func() {}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}
	return ctx, func() {
		cancel()
		if !d.concurrentWrites {
			d.mu.Unlock()
		}
	}
}

// tx starts a statement with ctx applied, omitting any named columns.
func (d *database) tx(ctx context.Context, omit []string) *gorm.DB {
	tx := d.db.WithContext(ctx)
	if len(omit) > 0 {
		tx = tx.Omit(omit...)
	}
	return tx
}

// txResult unpacks a finished GORM statement into the (rows, error)
// pair the DBI write methods return.
func txResult(rv *gorm.DB) (int64, error) {
	return rv.RowsAffected, rv.Error
}

func (d *database) Create(
	ctx context.Context, value any, omit ...string,
) (int64, error) {
	ctx, done := d.writeContext(ctx)
	defer done()
	return txResult(d.tx(ctx, omit).Create(value))
}

func (d *database) Save(
	ctx context.Context, value any, omit ...string,
) (int64, error) {
	ctx, done := d.writeContext(ctx)
	defer done()
	return txResult(d.tx(ctx, omit).Save(value))
}

func (d *database) Update(
	ctx context.Context, model any, column string, value any,
) (int64, error) {
	ctx, done := d.writeContext(ctx)
	defer done()
	return txResult(d.db.WithContext(ctx).Model(model).Update(column, value))
}

func (d *database) Updates(
	ctx context.Context, model, values any,
) (int64, error) {
	ctx, done := d.writeContext(ctx)
	defer done()
	return txResult(d.db.WithContext(ctx).Model(model).Updates(values))
}

func (d *database) UpdatesWhere(
	ctx context.Context, model any, values map[string]any,
	query any, conds ...any,
) (int64, error) {
	ctx, done := d.writeContext(ctx)
	defer done()
	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return txResult(rv)
}

func (d *database) Delete(value any, conds ...any) (int64, error) {
	d.Lock()
	defer d.Unlock()
	return txResult(d.db.Delete(value, conds...))
}

func (d *database) Transaction(
	ctx context.Context, fc func(tx *gorm.DB) error, opts ...*sql.TxOptions,
) error {
	ctx, done := d.writeContext(ctx)
	defer done()
	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// Duration wraps time.Duration so config fields round-trip through the
// database and JSON as duration strings ("1h30m").
type Duration struct {
	time.Duration
}

func (Duration) GormDataType() string {
	return "string"
}

// Scan implements sql.Scanner.
func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return d.set(v)
	case []byte:
		return d.set(string(v))
	default:
		return fmt.Errorf("unexpected type %T for Duration", value)
	}
}

// Value implements driver.Valuer.
func (d Duration) Value() (driver.Value, error) {
	return d.String(), nil
}

func (d *Duration) set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.set(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// CreateDB opens the configured database and migrates the bot's models
// inside a transaction.
func CreateDB(ctx context.Context, databaseType string, dsn string) (*gorm.DB, error) {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:     slog.LevelWarn,
		AddSource: true,
	})
	slog.New(handler).InfoContext(
		ctx, "initializing database",
		"database_type", databaseType, "database", dsn,
	)

	db, err := getDB(databaseType, dsn, newGORMLogger(handler, 500*time.Millisecond))
	if err != nil {
		return db, err
	}
	return db, migrateModels(ctx, db)
}

// migrateModels runs AutoMigrate for every bot model in a single
// transaction.
func migrateModels(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if err := txn.Migrator().AutoMigrate(
		&User{},
		&RuntimeConfig{},
		&CommandLog{},
		&TrackPlay{},
		&AnnoyTarget{},
	); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit().Error
}

func getDB(
	databaseType, dsn string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	switch databaseType {
	case dbTypeSQLite:
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(dsn), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(dsn), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres)
	}
}

// DBNotifier fans database-change events out to running bot instances.
// The sqlite implementation pokes the local bot's channels directly;
// the postgres implementation goes through LISTEN/NOTIFY so multiple
// instances stay in sync.
type DBNotifier interface {
	// ID identifies this notifier instance. Listeners drop
	// notifications carrying their own ID.
	ID() string

	// Listen blocks, forwarding notifications on the named channel to
	// the bot's trigger channels, until the context ends.
	Listen(ctx context.Context, channel string) error

	RuntimeConfigChannelName() string
	// ReloadRuntimeConfig tells bot instances to reload the runtime
	// config row.
	ReloadRuntimeConfig(context.Context) bool

	UserCacheChannelName() string
	// ReloadUserCache tells bot instances to rebuild the user cache.
	ReloadUserCache(context.Context) bool

	UserUpdateChannelName() string
	// UserUpdated tells bot instances to reload a single user record.
	UserUpdated(ctx context.Context, userID string) bool

	StopChannelName() string
	// Stop asks every bot instance to shut down.
	Stop(context.Context) bool
}

// sendSignal pushes v into one of the bot's trigger channels, giving up
// when ctx ends first.
func sendSignal[T any](
	ctx context.Context, ch chan<- T, v T, logger *slog.Logger, what string,
) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		logger.Warn("timeout sending " + what)
		return false
	}
}

type sqliteNotifier struct {
	tb       *TacoBot
	logger   *slog.Logger
	notifyID string
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

// Listen is a no-op. With a single local instance, the send methods
// already poke the bot's channels.
func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) RuntimeConfigChannelName() string { return "" }

func (sqliteNotifier) UserCacheChannelName() string { return "" }

func (sqliteNotifier) UserUpdateChannelName() string { return "" }

func (sqliteNotifier) StopChannelName() string { return "" }

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.Info("got runtime config reload notification")
	return sendSignal(
		ctx, s.tb.triggerRuntimeConfigRefreshCh, true,
		s.logger, "runtime config refresh signal",
	)
}

func (s *sqliteNotifier) ReloadUserCache(ctx context.Context) bool {
	s.logger.Info("got user cache reload notification")
	return sendSignal(
		ctx, s.tb.triggerUserCacheRefreshCh, true,
		s.logger, "user cache refresh signal",
	)
}

func (s *sqliteNotifier) UserUpdated(ctx context.Context, userID string) bool {
	s.logger.Info("got user update notification", "user_id", userID)
	return sendSignal(
		ctx, s.tb.triggerUserUpdatedRefreshCh, userID,
		s.logger.With("user_id", userID), "user refresh",
	)
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	return sendSignal(ctx, s.tb.signalStop, struct{}{}, s.logger, "stop signal")
}

type postgresNotifier struct {
	tb       *TacoBot
	logger   *slog.Logger
	notifyID string
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (postgresNotifier) RuntimeConfigChannelName() string {
	return pgChannelRuntimeConfig
}

func (postgresNotifier) UserCacheChannelName() string {
	return pgChannelUserCache
}

func (postgresNotifier) UserUpdateChannelName() string {
	return pgChannelUserUpdated
}

func (postgresNotifier) StopChannelName() string {
	return pgChannelStop
}

// notify issues pg_notify on the given channel. Returns whether the
// NOTIFY went out.
func (p *postgresNotifier) notify(
	ctx context.Context,
	channel string,
	payload string,
	what string,
) bool {
	err := p.tb.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)", channel, payload,
	).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx, "error sending NOTIFY", "event", what, tint.Err(err),
		)
		return false
	}
	p.logger.Info(
		"sent notification", "event", what, "pg_notify_id", p.ID(),
	)
	return true
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(
		ctx, p.RuntimeConfigChannelName(), p.ID(), "runtime config reload",
	)
}

func (p *postgresNotifier) ReloadUserCache(ctx context.Context) bool {
	sent := p.notify(
		ctx, p.UserCacheChannelName(), p.ID(), "user cache reload",
	)

	// The listener ignores our own ID, so poke the local bot directly
	sendSignal(
		ctx, p.tb.triggerUserCacheRefreshCh, true,
		p.logger, "user cache refresh signal",
	)
	return sent
}

func (p *postgresNotifier) UserUpdated(ctx context.Context, userID string) bool {
	msg := newUserUpdatedNotificationMessage(p.ID(), userID)
	return p.notify(ctx, p.UserUpdateChannelName(), msg, "user update")
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName(), p.ID(), "stop")
}

// acquireListenConn dials a dedicated pooled connection for LISTEN.
// The pool must be closed after the connection is released.
func (p *postgresNotifier) acquireListenConn(ctx context.Context) (
	*pgxpool.Pool,
	*pgxpool.Conn,
	error,
) {
	config, err := pgxpool.ParseConfig(p.tb.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return nil, nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return nil, nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		p.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return nil, nil, err
	}
	return pool, conn, nil
}

// Listen connects to postgres, LISTENs on the named channel and
// forwards notifications to the bot's trigger channels until the
// context ends. Notifications carrying this notifier's own ID are
// dropped.
func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	pool, conn, err := p.acquireListenConn(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		p.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	log := p.logger.With("channel", channel)
	log.InfoContext(ctx, "listening on channel")

	for ctx.Err() == nil {
		notification, waitErr := conn.Conn().WaitForNotification(ctx)
		if waitErr != nil {
			log.ErrorContext(
				ctx, "error waiting for notification", tint.Err(waitErr),
			)
			time.Sleep(5 * time.Second)
			continue
		}
		if notification.Payload == p.ID() {
			log.Info(
				"ignoring notification from self",
				"payload", notification.Payload,
			)
			continue
		}
		p.forwardNotification(channel, notification.Payload, log)
	}

	return nil
}

// forwardNotification translates a received NOTIFY into the matching
// bot trigger channel send.
func (p *postgresNotifier) forwardNotification(
	channel string,
	payload string,
	log *slog.Logger,
) {
	switch channel {
	case p.RuntimeConfigChannelName():
		select {
		case p.tb.triggerRuntimeConfigRefreshCh <- true:
			log.Info("sent runtime config refresh signal")
		case <-time.After(dbNotifierSendTimeout):
			log.Warn("timed out sending runtime config refresh signal")
		}
	case p.UserCacheChannelName():
		select {
		case p.tb.triggerUserCacheRefreshCh <- true:
			log.Info("sent user cache refresh signal")
		case <-time.After(dbNotifierSendTimeout):
			log.Warn("timed out sending user cache refresh signal")
		}
	case p.UserUpdateChannelName():
		notifierID, userID := parseUserUpdatedNotification(payload)
		if notifierID == p.ID() {
			log.Info("ignoring user update notification from self")
			return
		}
		select {
		case p.tb.triggerUserUpdatedRefreshCh <- userID:
			log.Info("sent user refresh signal", "user_id", userID)
		case <-time.After(dbNotifierSendTimeout):
			log.Warn("timed out sending user refresh signal", "user_id", userID)
		}
	case p.StopChannelName():
		select {
		case p.tb.signalStop <- struct{}{}:
			log.Info("forwarded stop signal")
		case <-time.After(dbNotifierSendTimeout):
			log.Warn("timed out forwarding stop signal")
		}
	default:
		log.Warn("received unknown notification", "channel", channel)
	}
}

// User update payloads carry the sender's notifier ID so instances can
// recognize their own messages.
func newUserUpdatedNotificationMessage(notifierID string, userID string) string {
	return notifierID + recordSeparator + userID
}

func parseUserUpdatedNotification(s string) (notifierID, userID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}
