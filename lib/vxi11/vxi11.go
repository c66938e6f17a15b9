// Package vxi11 is a minimal VXI-11 (TCP/IP Instrument Protocol) client:
// enough of the core channel to open a link to a LAN instrument, write
// commands and read replies.
package vxi11

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Program numbers and procedures.
const (
	portmapProg    = 100000
	portmapVers    = 2
	portmapGetPort = 3
	ipprotoTCP     = 6

	coreProg        = 0x0607AF
	coreVers        = 1
	procCreateLink  = 10
	procDeviceWrite = 11
	procDeviceRead  = 12
	procDestroyLink = 23

	// DefaultPortmapperPort is where the portmapper listens on instruments.
	DefaultPortmapperPort = 111
)

// device_write/device_read flags and read termination reasons.
const (
	flagWaitLock = 1 << 0
	flagEnd      = 1 << 3
	flagTermChr  = 1 << 7

	reasonReqCnt = 1 << 0
	reasonChr    = 1 << 1
	reasonEnd    = 1 << 2
)

var deviceErrors = map[int32]string{
	1:  "syntax error",
	3:  "device not accessible",
	4:  "invalid link identifier",
	5:  "parameter error",
	6:  "channel not established",
	8:  "operation not supported",
	9:  "out of resources",
	11: "device locked by another link",
	12: "no lock held by this link",
	15: "I/O timeout",
	17: "I/O error",
	21: "invalid address",
	23: "abort",
	29: "channel already established",
}

// DeviceError is an error code returned by the instrument.
type DeviceError int32

func (e DeviceError) Error() string {
	if s, ok := deviceErrors[int32(e)]; ok {
		return "vxi11: " + s
	}
	return "vxi11: device error " + strconv.Itoa(int(e))
}

// Link is an open core channel link to one device.
type Link struct {
	rpc         *rpcClient
	log         *zap.Logger
	lid         int32
	maxRecvSize uint32
	timeout     time.Duration
	termChar    int
}

// Option configures Dial.
type Option func(*config)

type config struct {
	log      *zap.Logger
	timeout  time.Duration
	portmap  int
	clientID int32
	termChar int
}

// WithLogger logs link setup and transfers at debug level.
func WithLogger(log *zap.Logger) Option { return func(c *config) { c.log = log } }

// WithTimeout bounds every RPC and is passed to the device as io_timeout.
func WithTimeout(d time.Duration) Option { return func(c *config) { c.timeout = d } }

// WithPortmapperPort overrides the portmapper port (111).
func WithPortmapperPort(port int) Option { return func(c *config) { c.portmap = port } }

// WithTermChar makes reads also stop at b, as well as at END.
func WithTermChar(b byte) Option { return func(c *config) { c.termChar = int(b) } }

// Dial asks the portmapper on host for the core channel port, connects and
// creates a link to device (e.g. "inst0").
func Dial(ctx context.Context, host, device string, opts ...Option) (*Link, error) {
	cfg := config{
		log:      zap.NewNop(),
		timeout:  5 * time.Second,
		portmap:  DefaultPortmapperPort,
		clientID: int32(time.Now().Unix() & 0x7fffffff),
		termChar: -1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	port, err := getPort(ctx, host, cfg)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to core channel")
	}
	l := &Link{
		rpc:      newRPCClient(conn, coreProg, coreVers, cfg.timeout),
		log:      cfg.log,
		timeout:  cfg.timeout,
		termChar: cfg.termChar,
	}
	if err := l.createLink(cfg.clientID, device); err != nil {
		conn.Close()
		return nil, err
	}
	l.log.Debug("vxi11 link created",
		zap.String("host", host),
		zap.String("device", device),
		zap.Int32("lid", l.lid),
		zap.Uint32("max_recv_size", l.maxRecvSize),
	)
	return l, nil
}

// Procedure arguments and results, in XDR field order.
type getPortArgs struct {
	Prog uint32
	Vers uint32
	Prot uint32
	Port uint32
}

type getPortResp struct {
	Port uint32
}

type createLinkArgs struct {
	ClientID    int32
	LockDevice  bool
	LockTimeout uint32
	Device      string
}

type createLinkResp struct {
	Error       int32
	LinkID      int32
	AbortPort   uint32
	MaxRecvSize uint32
}

type deviceWriteArgs struct {
	LinkID      int32
	IOTimeout   uint32
	LockTimeout uint32
	Flags       uint32
	Data        []byte
}

type deviceWriteResp struct {
	Error int32
	Size  uint32
}

type deviceReadArgs struct {
	LinkID      int32
	RequestSize uint32
	IOTimeout   uint32
	LockTimeout uint32
	Flags       uint32
	TermChar    int32
}

type deviceReadResp struct {
	Error  int32
	Reason uint32
	Data   []byte
}

type deviceLink struct {
	LinkID int32
}

type deviceErrorResp struct {
	Error int32
}

func getPort(ctx context.Context, host string, cfg config) (int, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(cfg.portmap)))
	if err != nil {
		return 0, errors.Wrap(err, "connecting to portmapper")
	}
	defer conn.Close()
	args := getPortArgs{Prog: coreProg, Vers: coreVers, Prot: ipprotoTCP}
	var res getPortResp
	if err := newRPCClient(conn, portmapProg, portmapVers, cfg.timeout).call(portmapGetPort, args, &res); err != nil {
		return 0, errors.Wrap(err, "portmapper GETPORT")
	}
	if res.Port == 0 || res.Port > 65535 {
		return 0, errors.Errorf("portmapper: core channel not registered on %s", host)
	}
	return int(res.Port), nil
}

func (l *Link) createLink(clientID int32, device string) error {
	args := createLinkArgs{ClientID: clientID, Device: device}
	var res createLinkResp
	if err := l.rpc.call(procCreateLink, args, &res); err != nil {
		return errors.Wrap(err, "create_link")
	}
	if res.Error != 0 {
		return errors.Wrapf(DeviceError(res.Error), "create_link %q", device)
	}
	l.lid = res.LinkID
	l.maxRecvSize = res.MaxRecvSize
	if l.maxRecvSize == 0 {
		l.maxRecvSize = 1024
	}
	return nil
}

func (l *Link) ioTimeout() uint32 { return uint32(l.timeout / time.Millisecond) }

// Write sends p in chunks of at most maxRecvSize bytes, setting END on the
// last one.
func (l *Link) Write(p []byte) (int, error) {
	n := 0
	for {
		chunk := p[n:]
		flags := uint32(flagEnd)
		if uint32(len(chunk)) > l.maxRecvSize {
			chunk = chunk[:l.maxRecvSize]
			flags = 0
		}
		args := deviceWriteArgs{
			LinkID:      l.lid,
			IOTimeout:   l.ioTimeout(),
			LockTimeout: l.ioTimeout(),
			Flags:       flags,
			Data:        chunk,
		}
		var res deviceWriteResp
		if err := l.rpc.call(procDeviceWrite, args, &res); err != nil {
			return n, errors.Wrap(err, "device_write")
		}
		if res.Error != 0 {
			return n, errors.Wrap(DeviceError(res.Error), "device_write")
		}
		n += int(res.Size)
		if n >= len(p) {
			return n, nil
		}
		if res.Size == 0 {
			return n, errors.New("device_write: no progress")
		}
	}
}

// ReadMessage reads until the device signals END or, when configured, the
// termination character.
func (l *Link) ReadMessage() ([]byte, error) {
	args := deviceReadArgs{
		LinkID:      l.lid,
		RequestSize: l.maxRecvSize,
		IOTimeout:   l.ioTimeout(),
		LockTimeout: l.ioTimeout(),
	}
	if l.termChar >= 0 {
		args.Flags |= flagTermChr
		args.TermChar = int32(l.termChar)
	}
	var msg []byte
	for {
		var res deviceReadResp
		if err := l.rpc.call(procDeviceRead, args, &res); err != nil {
			return msg, errors.Wrap(err, "device_read")
		}
		if res.Error != 0 {
			return msg, errors.Wrap(DeviceError(res.Error), "device_read")
		}
		msg = append(msg, res.Data...)
		if res.Reason&(reasonEnd|reasonChr) != 0 {
			return msg, nil
		}
		if res.Reason&reasonReqCnt == 0 && len(res.Data) == 0 {
			return msg, errors.New("device_read: no data and no termination")
		}
	}
}

// Close destroys the link and closes the connection.
func (l *Link) Close() error {
	var (
		err error
		res deviceErrorResp
	)
	if cerr := l.rpc.call(procDestroyLink, deviceLink{LinkID: l.lid}, &res); cerr != nil {
		err = errors.Wrap(cerr, "destroy_link")
	} else if res.Error != 0 {
		err = errors.Wrap(DeviceError(res.Error), "destroy_link")
	}
	return multierr.Append(err, l.rpc.conn.Close())
}
