package tacobot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

var (
	// evalTimeout bounds a single snippet evaluation
	evalTimeout = 10 * time.Second

	// replIdleTimeout closes a REPL session with no input
	replIdleTimeout = 5 * time.Minute
)

// evalAllowedImports is the only set of packages evaluated code may
// import. Everything touching the process, filesystem, or network
// stays out.
var evalAllowedImports = map[string]bool{
	"bytes":         true,
	"encoding/json": true,
	"errors":        true,
	"fmt":           true,
	"math":          true,
	"math/big":      true,
	"math/rand":     true,
	"regexp":        true,
	"sort":          true,
	"strconv":       true,
	"strings":       true,
	"time":          true,
	"unicode":       true,
}

var (
	evalImportBlockPattern = regexp.MustCompile(`(?s)import\s*\(([^)]*)\)`)
	evalImportLinePattern  = regexp.MustCompile(`import\s+(?:\w+\s+)?"([^"]+)"`)
	evalQuotedPathPattern  = regexp.MustCompile(`"([^"]+)"`)
)

// evalImportViolation returns the refusal message for the first
// disallowed import in code, or "".
func evalImportViolation(code string) string {
	var paths []string
	for _, block := range evalImportBlockPattern.FindAllStringSubmatch(code, -1) {
		for _, quoted := range evalQuotedPathPattern.FindAllStringSubmatch(block[1], -1) {
			paths = append(paths, quoted[1])
		}
	}
	for _, line := range evalImportLinePattern.FindAllStringSubmatch(code, -1) {
		paths = append(paths, line[1])
	}
	for _, path := range paths {
		if !evalAllowedImports[path] {
			return fmt.Sprintf("⛔ You are not allowed to use the %s package", path)
		}
	}
	return ""
}

// stripCodeFences unwraps a ```-fenced snippet, with or without a
// language tag.
func stripCodeFences(code string) string {
	code = strings.TrimSpace(code)
	if !strings.HasPrefix(code, "```") || !strings.HasSuffix(code, "```") {
		return code
	}
	code = strings.TrimSuffix(strings.TrimPrefix(code, "```"), "```")
	if idx := strings.IndexByte(code, '\n'); idx >= 0 {
		firstLine := code[:idx]
		if firstLine == "go" || firstLine == "golang" {
			code = code[idx+1:]
		}
	}
	return strings.TrimSpace(code)
}

// evalSession wraps one yaegi interpreter. State persists across
// evaluations, so earlier declarations stay visible.
type evalSession struct {
	mu     sync.Mutex
	interp *interp.Interpreter
	stdout *bytes.Buffer
}

func newEvalSession() (*evalSession, error) {
	buf := &bytes.Buffer{}
	i := interp.New(interp.Options{Stdout: buf, Stderr: buf})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("error loading interpreter symbols: %w", err)
	}
	return &evalSession{interp: i, stdout: buf}, nil
}

// Eval runs one snippet, returning captured output and the final
// value rendered in Go syntax.
func (s *evalSession) Eval(
	ctx context.Context,
	code string,
) (printed string, result string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stdout.Reset()
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	value, err := s.interp.EvalWithContext(evalCtx, code)
	printed = s.stdout.String()
	if err != nil {
		return printed, "", err
	}
	if value.IsValid() {
		result = fmt.Sprintf("%#v", value)
	}
	return printed, result, nil
}

// redactSecrets strips configured secret values out of text before it
// reaches a channel.
func (tb *TacoBot) redactSecrets(text string) string {
	for _, secret := range tb.sensitiveValues {
		if secret != "" {
			text = strings.ReplaceAll(text, secret, "[redacted]")
		}
	}
	return text
}

// renderEvalOutput merges captured stdout and the expression value
// into the transcript lines shown under the input.
func renderEvalOutput(printed string, result string) string {
	out := strings.TrimSuffix(printed, "\n")
	if result != "" {
		if out != "" {
			out += "\n"
		}
		out += result
	}
	return out
}

func evalCommand() *Command {
	return &Command{
		Name:       "eval",
		Aliases:    []string{"goeval"},
		Category:   categoryUtility,
		Help:       "Evaluates the expression in the bot's Go interpreter",
		Usage:      "<expression>",
		TesterOnly: true,
		MinArgs:    1,
		Timeout:    30 * time.Second,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			code := stripCodeFences(cc.ArgsFrom(0))
			instr := ">>> " + code

			if violation := evalImportViolation(code); violation != "" {
				_, err := cc.Reply("```" + instr + "```" + violation)
				return err
			}

			printed, result, err := cc.tb.eval.Eval(ctx, code)
			var outstr string
			if err != nil {
				outstr = "```" + instr + "```" + err.Error()
			} else {
				body := cc.tb.redactSecrets(renderEvalOutput(printed, result))
				if body == "" {
					outstr = "```" + instr + "```"
				} else {
					outstr = "```" + instr + "\n" + body + "```"
				}
			}

			if len(outstr) > discordMaxMessageLength {
				outstr = "```" + truncate(instr, discordMaxMessageLength-50) +
					"```🖐 The resulting message exceeds Discord's character limit!"
			}
			_, sendErr := cc.Reply(outstr)
			return sendErr
		},
	}
}

// replSession is one live REPL: a progress message in a channel that
// accumulates the transcript, fed by the owner's messages.
type replSession struct {
	tb        *TacoBot
	ownerID   string
	ownerName string
	channelID string
	messageID string
	logger    *slog.Logger

	header string
	code   string
	footer string

	eval  *evalSession
	input chan *discordgo.Message
	done  chan struct{}
}

// replSessionFor returns the channel's live session when the message
// author owns it. The dispatcher routes those messages here instead of
// treating them as commands.
func (tb *TacoBot) replSessionFor(m *discordgo.Message) *replSession {
	tb.replMu.Lock()
	defer tb.replMu.Unlock()
	session := tb.replSessions[m.ChannelID]
	if session == nil || m.Author == nil || m.Author.ID != session.ownerID {
		return nil
	}
	return session
}

func (tb *TacoBot) removeReplSession(channelID string) {
	tb.replMu.Lock()
	delete(tb.replSessions, channelID)
	tb.replMu.Unlock()
}

// deliver hands a message to the session without blocking the
// dispatcher.
func (s *replSession) deliver(m *discordgo.Message) {
	select {
	case s.input <- m:
	case <-s.done:
	default:
	}
}

func (s *replSession) edit(content string) {
	_, err := s.tb.discord.session.ChannelMessageEdit(
		s.channelID, s.messageID, content,
	)
	if err != nil {
		s.logger.Warn("error editing REPL message", tint.Err(err))
	}
}

func (s *replSession) transcript() string {
	block := ""
	if s.code != "" {
		block = "```" + s.code + "```"
	}
	return s.header + block + s.footer
}

// truncateCode trims the transcript so the final message fits under
// the message length cap.
func (s *replSession) truncateCode() {
	limit := discordMaxMessageLength - 7 - len(s.header) - len(s.footer)
	if limit < 0 {
		limit = 0
	}
	runes := []rune(s.code)
	if len(runes) > limit {
		s.code = string(runes[:limit]) + "…"
	}
}

func (s *replSession) run(ctx context.Context) {
	defer close(s.done)
	defer s.tb.removeReplSession(s.channelID)

	timer := time.NewTimer(replIdleTimeout)
	defer timer.Stop()

	for {
		if len(s.header)+len(s.code)+6+len(s.footer) > discordMaxMessageLength {
			s.logger.Warn("Message for REPL session became too long")
			s.footer = "⚠ Your session has exceeded Discord's character limit!"
			s.truncateCode()
			s.edit(s.transcript())
			s.tb.reactRemoveDetached(s.channelID, s.messageID, s.ownerID)
			return
		}
		if s.code != "" {
			s.edit(s.header + "```" + s.code + "```" + s.footer)
		}

		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			s.logger.Info("REPL session timed out")
			s.footer = "⌛ Your session timed out from inactivity!"
			s.edit(s.transcript())
			s.tb.reactRemoveDetached(s.channelID, s.messageID, s.ownerID)
			return

		case msg := <-s.input:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(replIdleTimeout)

			instr := msg.Content
			s.code += "\n>>> " + instr
			_ = s.tb.discord.session.ChannelMessageDelete(s.channelID, msg.ID)

			switch instr {
			case "exit()", "exit", "quit":
				s.logger.Info("User exited REPL session")
				s.footer = "You have exited the REPL session."
				s.edit(s.transcript())
				s.tb.reactRemoveDetached(s.channelID, s.messageID, s.ownerID)
				return
			}

			if violation := evalImportViolation(instr); violation != "" {
				s.code += "\n" + violation
				continue
			}

			printed, result, err := s.eval.Eval(ctx, instr)
			if err != nil {
				s.code += "\n" + err.Error()
				continue
			}
			if out := renderEvalOutput(printed, result); out != "" {
				s.code += "\n" + s.tb.redactSecrets(out)
			}
		}
	}
}

func replCommand() *Command {
	return &Command{
		Name:       "repl",
		Aliases:    []string{"gorepl"},
		Category:   categoryUtility,
		Help:       "Starts a Go REPL session in current channel",
		TesterOnly: true,
		Handler: func(_ context.Context, cc *CommandContext) error {
			cc.tb.replMu.Lock()
			if _, exists := cc.tb.replSessions[cc.ChannelID()]; exists {
				cc.tb.replMu.Unlock()
				_, err := cc.Reply(
					"⚠ There is already an active REPL session in this channel!",
				)
				return err
			}
			cc.tb.replMu.Unlock()

			eval, err := newEvalSession()
			if err != nil {
				return err
			}

			session := &replSession{
				tb:        cc.tb,
				ownerID:   cc.author.ID,
				ownerName: cc.AuthorName(),
				channelID: cc.ChannelID(),
				logger: cc.logger.With(
					loggerNameKey, "repl",
					"channel_id", cc.ChannelID(),
				),
				header: fmt.Sprintf(
					"**%s** has started a Go REPL session in %s",
					cc.AuthorName(), channelMention(cc.ChannelID()),
				),
				footer: "Exit at any time by entering `exit()`",
				eval:   eval,
				input:  make(chan *discordgo.Message, 8),
				done:   make(chan struct{}),
			}

			cc.logger.InfoContext(
				cc.tb.ctx,
				fmt.Sprintf(
					"User has started a REPL session (%s, %s)",
					cc.AuthorName(), cc.ChannelID(),
				),
			)
			msg, err := cc.Reply(session.header + "\n" + session.footer)
			if err != nil {
				return err
			}
			session.messageID = msg.ID

			cc.tb.replMu.Lock()
			cc.tb.replSessions[cc.ChannelID()] = session
			cc.tb.replMu.Unlock()

			go session.run(cc.tb.ctx)
			return nil
		},
	}
}
