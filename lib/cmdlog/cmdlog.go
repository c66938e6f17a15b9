// Package cmdlog traces the SCPI traffic of a session.
package cmdlog

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/gotmc/rsgen/lib/visa"
)

// Styles used for commands and replies. lipgloss drops the colors when
// the output is not a terminal.
var (
	CmdStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	ReplyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	ErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// controlText are the control characters still shown as text.
const controlText = "\a\b\t\n\v\f\r"

// Describe renders a reply for a log line: quoted when it is text, with a
// hex dump when it is not.
func Describe(reply string) string {
	if reply == "" {
		return "<no response>"
	}
	text := utf8.ValidString(reply) && !strings.ContainsFunc(reply, func(r rune) bool {
		return !strconv.IsPrint(r) && !strings.ContainsRune(controlText, r)
	})
	switch {
	case text:
		return fmt.Sprintf("[%d] %q", len(reply), reply)
	case len(reply) < 32:
		return fmt.Sprintf("[%d] %q (% 2x)", len(reply), reply, []byte(reply))
	}
	return fmt.Sprintf("[%d] % 2x", len(reply), []byte(reply))
}

// Session logs every command, query and reply of the wrapped session at
// debug level.
type Session struct {
	s   visa.Session
	log *zap.Logger
}

// Wrap returns s with tracing. Nothing is logged unless log has debug
// enabled.
func Wrap(s visa.Session, log *zap.Logger) *Session {
	return &Session{s: s, log: log.Named("scpi")}
}

// Command sends and logs a command.
func (t *Session) Command(format string, a ...any) error {
	cmd := format
	if len(a) > 0 {
		cmd = fmt.Sprintf(format, a...)
	}
	err := t.s.Command("%s", cmd)
	if err != nil {
		t.log.Debug(ErrStyle.Render("cmd failed"), zap.String("cmd", CmdStyle.Render(cmd)), zap.Error(err))
		return err
	}
	t.log.Debug("cmd", zap.String("cmd", CmdStyle.Render(cmd)))
	return nil
}

// Query sends a query and logs it with its reply.
func (t *Session) Query(q string) (string, error) {
	reply, err := t.s.Query(q)
	if err != nil {
		t.log.Debug(ErrStyle.Render("query failed"), zap.String("query", CmdStyle.Render(q)), zap.Error(err))
		return reply, err
	}
	t.log.Debug("query",
		zap.String("query", CmdStyle.Render(q)),
		zap.String("reply", ReplyStyle.Render(Describe(reply))),
	)
	return reply, nil
}

// Close closes the wrapped session.
func (t *Session) Close() error {
	err := t.s.Close()
	t.log.Debug("closed", zap.Error(err))
	return err
}
