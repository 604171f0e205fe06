package tacobot

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
)

// loggerNameKey tags log records with the component that produced them.
const loggerNameKey = "logger"

// tintHandler builds a console handler writing to defaultLogWriter at
// the given level.
func tintHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(defaultLogWriter, &tint.Options{
		Level:     level,
		AddSource: true,
	})
}

// DBLogLevel is a log level stored as its slog string form ("INFO",
// "WARN", ...), so runtime config rows can round-trip it through the
// database and JSON.
type DBLogLevel string

var (
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
)

var slogLevelNames = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

func (l DBLogLevel) String() string {
	return string(l)
}

func (DBLogLevel) GormDataType() string {
	return "string"
}

// Scan implements sql.Scanner.
func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return l.parse(v)
	case []byte:
		return l.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into DBLogLevel", value)
	}
}

// Value implements driver.Valuer.
func (l DBLogLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

// Set parses the given level name, for flag-style assignment.
func (l *DBLogLevel) Set(s string) error {
	return l.parse(s)
}

func (l *DBLogLevel) parse(s string) error {
	level, ok := slogLevelNames[strings.ToUpper(s)]
	if !ok {
		return fmt.Errorf("unknown log level: %s", s)
	}
	*l = DBLogLevel(level.String())
	return nil
}

func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	return l.parse(name)
}

// Level returns the slog.Level this name maps to. Unrecognized names
// fall back to info rather than failing, since the value may come from
// an edited database row.
func (l DBLogLevel) Level() slog.Level {
	level, ok := slogLevelNames[strings.ToUpper(string(l))]
	if !ok {
		slog.Default().Error("unknown log level: " + string(l))
		return slog.LevelInfo
	}
	return level
}

var discordgoToSlogLevel = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogInformational: slog.LevelInfo,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogError:         slog.LevelError,
}

// discordgoLoggerFunc bridges discordgo's printf-style logging onto a
// slog handler.
func discordgoLoggerFunc(
	ctx context.Context,
	handler slog.Handler,
) func(int, int, string, ...any) {
	log := slog.New(handler)
	return func(msgL int, _ int, format string, args ...any) {
		level, ok := discordgoToSlogLevel[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", "")
		log.LogAttrs(ctx, level, msg)
	}
}

// gormStructuredLogger sends gorm's log output through slog instead of
// the default writer.
type gormStructuredLogger struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler, slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		SlowThreshold: slowThreshold,
	}
}

// LogMode ignores gorm's own level setting. Filtering happens in the
// slog handler.
func (g gormStructuredLogger) LogMode(logger.LogLevel) logger.Interface {
	return g
}

func (g gormStructuredLogger) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context, begin time.Time,
	fc func() (sql string, rowsAffected int64), err error,
) {
	elapsed := time.Since(begin)
	sql, rowsAffected := fc()
	rows := any(rowsAffected)
	if rowsAffected == -1 {
		rows = "-"
	}

	attrs := []any{"elapsed", elapsed, "rows", rows, "sql", sql, tint.Err(err)}
	if g.SlowThreshold != 0 && elapsed > g.SlowThreshold {
		attrs = append(attrs, "threshold", g.SlowThreshold)
		g.logger.WarnContext(ctx, "slow query", attrs...)
		return
	}
	g.logger.DebugContext(ctx, "query completed", attrs...)
}
