// Package visa opens SCPI sessions from VISA resource strings. Each session
// is a command/query channel: Command sends a line, Query sends a line and
// returns the reply with its terminator removed.
package visa

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Session is an open SCPI channel to one instrument.
type Session interface {
	Command(format string, a ...any) error
	Query(cmd string) (string, error)
	Close() error
}

// ErrUnsupported is returned for resources that parse but have no
// transport here (HiSLIP).
var ErrUnsupported = errors.New("visa: unsupported resource")

// ErrTimeout is returned when an instrument does not answer in time on a
// serial line.
var ErrTimeout = errors.New("visa: read timeout")

// Defaults used when no option overrides them.
const (
	DefaultTimeout  = 5 * time.Second
	DefaultBaudRate = 115200
)

type options struct {
	timeout     time.Duration
	baud        int
	adapterPort string
	log         *zap.Logger
	term        byte
}

// Option configures Open.
type Option func(*options)

// WithTimeout bounds each read (and, on the network, each write).
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithBaudRate sets the serial line speed for ASRL resources and the
// Prologix adapter port.
func WithBaudRate(baud int) Option { return func(o *options) { o.baud = baud } }

// WithAdapterPort names the serial port of the Prologix GPIB-USB adapter
// used for GPIB resources. Without it the adapter is located by its USB
// product string.
func WithAdapterPort(port string) Option { return func(o *options) { o.adapterPort = port } }

// WithLogger logs connection setup at info level and traffic at debug level.
func WithLogger(log *zap.Logger) Option { return func(o *options) { o.log = log } }

// WithTermination sets the line terminator appended to commands and
// expected after replies. The default is '\n'.
func WithTermination(b byte) Option { return func(o *options) { o.term = b } }

// Open parses resource and connects to it.
func Open(ctx context.Context, resource string, opts ...Option) (Session, error) {
	r, err := ParseResource(resource)
	if err != nil {
		return nil, err
	}
	return OpenResource(ctx, r, opts...)
}

// OpenResource connects to an already parsed resource.
func OpenResource(ctx context.Context, r Resource, opts ...Option) (Session, error) {
	o := options{
		timeout: DefaultTimeout,
		baud:    DefaultBaudRate,
		log:     zap.NewNop(),
		term:    '\n',
	}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With(zap.Stringer("resource", r))

	var (
		s   Session
		err error
	)
	switch r.Kind {
	case KindSocket:
		s, err = openSocket(ctx, r, o)
	case KindVXI11:
		s, err = openVXI11(ctx, r, o)
	case KindSerial:
		s, err = openSerialSession(r.SerialPort, o)
	case KindGPIB:
		s, err = openGPIB(r, o)
	case KindHiSLIP:
		return nil, errors.Wrapf(ErrUnsupported, "%s (HiSLIP); use the VXI-11 inst0 or SOCKET resource", r)
	default:
		return nil, errors.Wrapf(ErrUnsupported, "%s", r)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", r)
	}
	log.Info("session opened", zap.Stringer("kind", r.Kind))
	return s, nil
}
