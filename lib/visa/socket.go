package visa

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// lineSession speaks terminated lines over any byte stream. The socket and
// serial sessions are both lineSessions with different setup.
type lineSession struct {
	rw       io.ReadWriteCloser
	rd       *bufio.Reader
	term     byte
	deadline func() error // arms the read/write deadline, if any
}

func newLineSession(rw io.ReadWriteCloser, o options, deadline func() error) *lineSession {
	return &lineSession{
		rw:       rw,
		rd:       bufio.NewReader(rw),
		term:     o.term,
		deadline: deadline,
	}
}

func (s *lineSession) Command(format string, a ...any) error {
	cmd := format
	if len(a) > 0 {
		cmd = fmt.Sprintf(format, a...)
	}
	cmd = strings.TrimSpace(cmd)
	if s.deadline != nil {
		if err := s.deadline(); err != nil {
			return err
		}
	}
	_, err := io.WriteString(s.rw, cmd+string(s.term))
	return err
}

func (s *lineSession) Query(cmd string) (string, error) {
	if err := s.Command("%s", cmd); err != nil {
		return "", err
	}
	line, err := s.rd.ReadString(s.term)
	if err != nil {
		return "", errors.Wrapf(err, "reading reply to %q", strings.TrimSpace(cmd))
	}
	return strings.TrimRight(line, "\r\n"+string(s.term)), nil
}

func (s *lineSession) Close() error {
	return s.rw.Close()
}

// openSocket dials host:port, as R&S instruments serve raw SCPI on 5025.
func openSocket(ctx context.Context, r Resource, o options) (Session, error) {
	d := net.Dialer{Timeout: o.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(r.Host, strconv.Itoa(r.Port)))
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return newLineSession(conn, o, func() error {
		if o.timeout <= 0 {
			return nil
		}
		return conn.SetDeadline(time.Now().Add(o.timeout))
	}), nil
}
