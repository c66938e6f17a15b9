package visa

import (
	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// openPort opens a serial device 8N1; replaced in tests.
var openPort = func(name string, baud int) (serial.Port, error) {
	return serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// timeoutPort turns the (0, nil) a serial read returns on timeout into
// ErrTimeout so that buffered readers stop instead of spinning.
type timeoutPort struct {
	serial.Port
}

func (p timeoutPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil {
		return 0, ErrTimeout
	}
	return n, err
}

// openSerialLine opens name with the read timeout applied and stale input
// discarded.
func openSerialLine(name string, o options) (timeoutPort, error) {
	p, err := openPort(name, o.baud)
	if err != nil {
		return timeoutPort{}, err
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = serial.NoTimeout
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return timeoutPort{}, errors.Wrap(err, "setting read timeout")
	}
	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return timeoutPort{}, errors.Wrap(err, "flushing input")
	}
	return timeoutPort{p}, nil
}

func openSerialSession(name string, o options) (Session, error) {
	p, err := openSerialLine(name, o)
	if err != nil {
		return nil, err
	}
	return newLineSession(p, o, nil), nil
}
