package visa

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/gotmc/rsgen/lib/vxi11"
)

// portmapperPort is where VXI-11 resources look up the core channel;
// replaced in tests.
var portmapperPort = vxi11.DefaultPortmapperPort

type vxiSession struct {
	link *vxi11.Link
	term byte
}

func openVXI11(ctx context.Context, r Resource, o options) (Session, error) {
	l, err := vxi11.Dial(ctx, r.Host, r.Device,
		vxi11.WithLogger(o.log),
		vxi11.WithTimeout(o.timeout),
		vxi11.WithPortmapperPort(portmapperPort),
		vxi11.WithTermChar(o.term),
	)
	if err != nil {
		return nil, err
	}
	return &vxiSession{link: l, term: o.term}, nil
}

func (s *vxiSession) Command(format string, a ...any) error {
	cmd := format
	if len(a) > 0 {
		cmd = fmt.Sprintf(format, a...)
	}
	_, err := s.link.Write([]byte(strings.TrimSpace(cmd) + string(s.term)))
	return err
}

func (s *vxiSession) Query(cmd string) (string, error) {
	if err := s.Command("%s", cmd); err != nil {
		return "", err
	}
	b, err := s.link.ReadMessage()
	if err != nil {
		return "", errors.Wrapf(err, "reading reply to %q", strings.TrimSpace(cmd))
	}
	return strings.TrimRight(string(b), "\r\n"+string(s.term)), nil
}

func (s *vxiSession) Close() error {
	return s.link.Close()
}
