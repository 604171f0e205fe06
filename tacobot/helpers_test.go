package tacobot

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstMentionID(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Plain mention",
			input:    "annoy <@123456789>",
			expected: "123456789",
		},
		{
			name:     "Nickname mention",
			input:    "annoy <@!987654321>",
			expected: "987654321",
		},
		{
			name:     "Mention mid-sentence",
			input:    "hey <@111> and <@222>",
			expected: "111",
		},
		{
			name:     "No mention",
			input:    "annoy nobody",
			expected: "",
		},
		{
			name:     "Role mention ignored",
			input:    "<@&555>",
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, firstMentionID(tc.input))
		})
	}
}

func TestToHexCode(t *testing.T) {
	assert.Equal(t, "#ff0080", toHexCode(255, 0, 128))
	assert.Equal(t, "#000000", toHexCode(0, 0, 0))
	assert.Equal(t, "#ffffff", toHexCode(255, 255, 255))
	assert.Equal(t, "#0a0b0c", toHexCode(10, 11, 12))
}

func TestTruncate(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		n        int
		expected string
	}{
		{
			name:     "Shorter than limit",
			input:    "hello",
			n:        10,
			expected: "hello",
		},
		{
			name:     "Equal to limit",
			input:    "hello",
			n:        5,
			expected: "hello",
		},
		{
			name:     "Longer than limit",
			input:    "hello world",
			n:        5,
			expected: "hello",
		},
		{
			name:     "Multibyte runes",
			input:    "héllo",
			n:        2,
			expected: "hé",
		},
		{
			name:     "Zero limit",
			input:    "hello",
			n:        0,
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, truncate(tc.input, tc.n))
		})
	}
}

func TestShortenString(t *testing.T) {
	short := "Short string"
	assert.Equal(t, short, shortenString(short, 20))

	collapsible := "Line 1\n\nLine 2\n\nLine 3"
	assert.Equal(t, "Line 1\nLine 2\nLine 3", shortenString(collapsible, 20))

	long := strings.Repeat("a", 500)
	result := shortenString(long, 100)
	assert.LessOrEqual(t, len(result), 100)
	assert.Contains(t, result, "(output limit reached)")

	tiny := shortenString(long, 10)
	assert.Equal(t, strings.Repeat("a", 10), tiny)
}

func TestChunkItems(t *testing.T) {
	chunks := chunkItems(2, 1, 2, 3, 4, 5)
	require.Len(t, chunks, 3)
	assert.Equal(t, []int{1, 2}, chunks[0])
	assert.Equal(t, []int{3, 4}, chunks[1])
	assert.Equal(t, []int{5}, chunks[2])

	assert.Nil(t, chunkItems[int](3))

	single := chunkItems(10, "a", "b")
	require.Len(t, single, 1)
	assert.Equal(t, []string{"a", "b"}, single[0])
}

func TestHashAndVerifyPassword(t *testing.T) {
	hashed, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hashed)
	assert.True(t, strings.HasPrefix(hashed, "$argon2id$"))

	valid, err := VerifyPassword(hashed, "hunter2")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = VerifyPassword(hashed, "hunter3")
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = VerifyPassword("not-a-hash", "hunter2")
	assert.Error(t, err)
}

func TestDerive64ByteKey(t *testing.T) {
	key := derive64ByteKey("some input")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("some input"))
	assert.NotEqual(t, key, derive64ByteKey("other input"))
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, s, 16)

	_, err = hex.DecodeString(s)
	assert.NoError(t, err)

	other, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestContextLogger(t *testing.T) {
	logger := slog.Default().With("test", t.Name())
	ctx := WithLogger(context.Background(), logger)

	found, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Equal(t, logger, found)

	_, ok = ContextLogger(context.Background())
	assert.False(t, ok)

	// nil logger falls back to the default
	ctx = WithLogger(context.Background(), nil)
	found, ok = ContextLogger(ctx)
	require.True(t, ok)
	assert.NotNil(t, found)
}

func TestStructToSlogValueRedaction(t *testing.T) {
	type secretStruct struct {
		Name  string `json:"name"`
		Token string `json:"token" log:"[redacted]"`
		Empty string `json:"empty"`
	}

	v := structToSlogValue(secretStruct{Name: "taco", Token: "supersecret"})
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]string{}
	for _, attr := range v.Group() {
		attrs[attr.Key] = attr.Value.String()
	}

	assert.Equal(t, "taco", attrs["name"])
	assert.Equal(t, "[redacted]", attrs["token"])
	assert.NotContains(t, attrs, "empty")

	_, hasSecret := attrs["supersecret"]
	assert.False(t, hasSecret)
}
