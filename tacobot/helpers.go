package tacobot

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/crypto/argon2"
)

type contextKey string

const loggerContextKey contextKey = "logger"

// Argon2id parameters baked into every hash we produce.
const (
	argonTimeCost    uint32 = 1
	argonMemoryKiB   uint32 = 64 * 1024
	argonParallelism uint8  = 4
	argonKeyLength   uint32 = 32
)

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// firstMentionID returns the user ID of the first @mention in text, or
// an empty string if text contains no mentions.
func firstMentionID(text string) string {
	match := mentionPattern.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	return match[1]
}

// toHexCode returns the '#RRGGBB' color code for the given RGB values.
func toHexCode(red int, green int, blue int) string {
	return fmt.Sprintf("#%02x%02x%02x", red, green, blue)
}

func tlsConfig(
	certfile, keyfile string, minVersion uint16,
) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   minVersion,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// structToSlogValue renders a struct as a nested slog group. Field keys
// come from the json tag when present, otherwise the Go field name. A
// `log` tag replaces the field's real value in the output, which keeps
// secrets out of log lines. Nil and empty fields are omitted.
func structToSlogValue(v any) slog.Value {
	rt := reflect.TypeOf(v)
	if rt == nil {
		return slog.AnyValue(nil)
	}
	rv := reflect.ValueOf(v)
	if rt.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return slog.AnyValue(nil)
		}
		rt, rv = rt.Elem(), rv.Elem()
	}
	if rt.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var attrs []slog.Attr
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fieldVal := rv.Field(i)
		if !fieldVal.CanInterface() {
			continue
		}
		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if key == "" {
			key = field.Name
		}
		if override := field.Tag.Get("log"); override != "" {
			attrs = append(attrs, slog.String(key, override))
			continue
		}
		if emptyReflectValue(fieldVal) {
			continue
		}
		attrs = append(
			attrs,
			slog.Attr{Key: key, Value: structToSlogValue(fieldVal.Interface())},
		)
	}
	return slog.GroupValue(attrs...)
}

func emptyReflectValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr:
		return v.IsNil()
	case reflect.Map, reflect.Slice:
		return v.IsNil() || v.Len() == 0
	case reflect.String:
		return v.Len() == 0
	default:
		return false
	}
}

// WithLogger returns a new context carrying logger. A nil logger stores
// slog.Default instead.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger previously attached with WithLogger,
// and whether one was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	log, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return log, ok
}

func messageLogAttrs(m discordgo.Message) []any {
	attrs := []any{"id", m.ID, "channel_id", m.ChannelID}
	if m.GuildID != "" {
		attrs = append(attrs, "guild_id", m.GuildID)
	}
	if m.Author != nil {
		attrs = append(attrs, "author_id", m.Author.ID)
	}
	return attrs
}

func userLogAttrs(u User) []any {
	return []any{"id", u.ID, "username", u.Username, "global_name", u.GlobalName}
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// shortenString cuts s down to at most limit characters, appending a
// marker when output had to be dropped. Blank lines are collapsed first
// to buy room.
func shortenString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "\n\n", "\n")
	if len(s) <= limit {
		return s
	}
	const suffix = "\n\n**(output limit reached)**"
	keep := limit - len([]rune(suffix))
	if keep <= 0 {
		return strings.TrimSpace(string([]rune(s)[:limit]))
	}
	return strings.TrimSpace(string([]rune(s)[:keep]) + suffix)
}

func derive64ByteKey(input string) []byte {
	sum := sha512.Sum512([]byte(input))
	return sum[:]
}

// generateRandomHexString creates a random hexadecimal string of the
// specified length.
func generateRandomHexString(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// HashPassword hashes a password with Argon2id. The result embeds the
// parameters and salt: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey(
		[]byte(password), salt,
		argonTimeCost, argonMemoryKiB, argonParallelism, argonKeyLength,
	)
	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemoryKiB, argonTimeCost, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword reports whether password matches an encoded Argon2id
// hash produced by HashPassword.
func VerifyPassword(storedHash string, password string) (bool, error) {
	parts := strings.Split(storedHash, "$")
	if len(parts) != 6 {
		return false, errors.New("malformed password hash")
	}

	var memoryKiB, timeCost, parallelism int
	if _, err := fmt.Sscanf(
		parts[3], "m=%d,t=%d,p=%d", &memoryKiB, &timeCost, &parallelism,
	); err != nil {
		return false, errors.New("malformed hash parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errors.New("malformed salt encoding")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errors.New("malformed hash encoding")
	}

	got := argon2.IDKey(
		[]byte(password), salt,
		uint32(timeCost), uint32(memoryKiB), uint8(parallelism),
		uint32(len(want)),
	)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// chunkItems splits items into consecutive groups of at most size.
func chunkItems[T any](size int, items ...T) [][]T {
	var chunks [][]T
	for len(items) > size {
		chunks = append(chunks, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}
