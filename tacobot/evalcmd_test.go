package tacobot

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalImportViolation(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"no imports", `fmt.Println(1)`, ""},
		{"allowed import", `import "fmt"`, ""},
		{"aliased allowed import", `import f "fmt"`, ""},
		{
			"blocked import",
			`import "os"`,
			"⛔ You are not allowed to use the os package",
		},
		{
			"blocked subpackage",
			`import "os/exec"`,
			"⛔ You are not allowed to use the os/exec package",
		},
		{
			"blocked inside a block",
			"import (\n\t\"fmt\"\n\t\"net/http\"\n)",
			"⛔ You are not allowed to use the net/http package",
		},
		{
			"allowed block",
			"import (\n\t\"strings\"\n\t\"math/big\"\n)",
			"",
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, evalImportViolation(tt.code))
			},
		)
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare code", "x := 1", "x := 1"},
		{"fenced", "```x := 1```", "x := 1"},
		{"fenced with go tag", "```go\nx := 1\n```", "x := 1"},
		{"fenced with golang tag", "```golang\nx := 1\n```", "x := 1"},
		{
			"unknown language tag stays",
			"```python\nx = 1\n```",
			"python\nx = 1",
		},
		{"unterminated fence", "```x := 1", "```x := 1"},
		{"surrounding whitespace", "  ```go\nx := 1\n```  ", "x := 1"},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, stripCodeFences(tt.in))
			},
		)
	}
}

func TestEvalSession(t *testing.T) {
	session, err := newEvalSession()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("expression value", func(t *testing.T) {
		printed, result, evalErr := session.Eval(ctx, "6 * 7")
		require.NoError(t, evalErr)
		assert.Empty(t, printed)
		assert.Equal(t, "42", result)
	})

	t.Run("string values render in go syntax", func(t *testing.T) {
		_, result, evalErr := session.Eval(ctx, `"taco" + "bot"`)
		require.NoError(t, evalErr)
		assert.Equal(t, `"tacobot"`, result)
	})

	t.Run("state persists between evaluations", func(t *testing.T) {
		_, _, evalErr := session.Eval(ctx, "x := 10")
		require.NoError(t, evalErr)
		_, result, evalErr := session.Eval(ctx, "x + 1")
		require.NoError(t, evalErr)
		assert.Equal(t, "11", result)
	})

	t.Run("captures stdout", func(t *testing.T) {
		_, _, evalErr := session.Eval(ctx, `import "fmt"`)
		require.NoError(t, evalErr)
		printed, _, evalErr := session.Eval(ctx, `fmt.Println("hello")`)
		require.NoError(t, evalErr)
		assert.Equal(t, "hello\n", printed)
	})

	t.Run("syntax error", func(t *testing.T) {
		_, _, evalErr := session.Eval(ctx, "nonsense(")
		assert.Error(t, evalErr)
	})
}

func TestRedactSecrets(t *testing.T) {
	tb := &TacoBot{sensitiveValues: []string{"hunter2", "", "sk-secret"}}
	assert.Equal(
		t,
		"token=[redacted] key=[redacted]",
		tb.redactSecrets("token=hunter2 key=sk-secret"),
	)
	assert.Equal(t, "nothing here", tb.redactSecrets("nothing here"))
}

func TestRenderEvalOutput(t *testing.T) {
	tests := []struct {
		name    string
		printed string
		result  string
		want    string
	}{
		{"nothing", "", "", ""},
		{"printed only", "hello\n", "", "hello"},
		{"result only", "", "42", "42"},
		{"both", "hello\n", "42", "hello\n42"},
		{"multiline print", "a\nb\n", "3", "a\nb\n3"},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, renderEvalOutput(tt.printed, tt.result))
			},
		)
	}
}

func TestReplSessionFor(t *testing.T) {
	session := &replSession{ownerID: "u1"}
	tb := &TacoBot{replSessions: map[string]*replSession{"c1": session}}

	msg := func(channelID, authorID string) *discordgo.Message {
		return &discordgo.Message{
			ChannelID: channelID,
			Author:    &discordgo.User{ID: authorID},
		}
	}

	assert.Same(t, session, tb.replSessionFor(msg("c1", "u1")))
	assert.Nil(t, tb.replSessionFor(msg("c1", "u2")))
	assert.Nil(t, tb.replSessionFor(msg("c2", "u1")))
	assert.Nil(
		t,
		tb.replSessionFor(&discordgo.Message{ChannelID: "c1"}),
	)

	tb.removeReplSession("c1")
	assert.Nil(t, tb.replSessionFor(msg("c1", "u1")))
}

func TestReplTranscript(t *testing.T) {
	session := &replSession{header: "header", footer: "footer"}
	assert.Equal(t, "headerfooter", session.transcript())

	session.code = "\n>>> x := 1"
	assert.Equal(t, "header```\n>>> x := 1```footer", session.transcript())
}

func TestReplTruncateCode(t *testing.T) {
	session := &replSession{
		header: "header",
		footer: "footer",
		code:   strings.Repeat("a", discordMaxMessageLength+100),
	}
	session.truncateCode()

	limit := discordMaxMessageLength - 7 - len("header") - len("footer")
	runes := []rune(session.code)
	assert.Len(t, runes, limit+1)
	assert.Equal(t, "…", string(runes[len(runes)-1]))

	t.Run("short code untouched", func(t *testing.T) {
		session := &replSession{code: "x := 1"}
		session.truncateCode()
		assert.Equal(t, "x := 1", session.code)
	})
}

func TestReplDeliver(t *testing.T) {
	session := &replSession{
		input: make(chan *discordgo.Message, 1),
		done:  make(chan struct{}),
	}
	msg := &discordgo.Message{ID: "m1"}

	session.deliver(msg)
	assert.Same(t, msg, <-session.input)

	// A full buffer drops instead of blocking the dispatcher
	session.deliver(msg)
	session.deliver(&discordgo.Message{ID: "m2"})
	assert.Same(t, msg, <-session.input)
	select {
	case extra := <-session.input:
		t.Fatalf("unexpected buffered message %s", extra.ID)
	default:
	}

	// A finished session never blocks the caller
	close(session.done)
	session.deliver(msg)
}
