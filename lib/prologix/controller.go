// Copyright (c) 2022–2024 The rsgen developers. All rights reserved.
// Project site: https://github.com/gotmc/rsgen
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package prologix

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Controller drives a Prologix GPIB-USB adapter as controller-in-charge of
// a single instrument. Lines starting with "++" are interpreted by the
// adapter; everything else is forwarded over GPIB.
type Controller struct {
	rw               io.ReadWriter
	rd               *bufio.Reader
	log              *zap.Logger
	primaryAddr      int
	hasSecondaryAddr bool
	secondaryAddr    int
	gpibTerm         GpibTerm
	readTimeoutMs    int
	usbTerm          byte
	eotChar          byte
	ar488            bool // Arduino AR488 clone: no verbose/savecfg.
}

// ControllerOption applies an option to the controller.
type ControllerOption func(*Controller)

// NewController configures the adapter on rw to talk to the instrument at
// the given primary GPIB address. With clear set, a Selected Device Clear
// is sent once the adapter is configured.
func NewController(
	rw io.ReadWriter,
	addr int,
	clear bool,
	opts ...ControllerOption,
) (*Controller, error) {
	c := Controller{
		rw:            rw,
		rd:            bufio.NewReader(rw),
		log:           zap.NewNop(),
		primaryAddr:   addr,
		gpibTerm:      AppendNothing,
		readTimeoutMs: 500,
		usbTerm:       '\n',
		eotChar:       '\n',
	}
	for _, opt := range opts {
		opt(&c)
	}

	if !isPrimaryAddressValid(c.primaryAddr) {
		return nil, errors.Errorf("invalid primary address %d (must be 0-30)", c.primaryAddr)
	}
	addrCmd := fmt.Sprintf("addr %d", c.primaryAddr)
	if c.hasSecondaryAddr {
		if !isSecondaryAddressValid(c.secondaryAddr) {
			return nil, errors.Errorf("invalid secondary address %d (must be 96-126)", c.secondaryAddr)
		}
		addrCmd = fmt.Sprintf("addr %d %d", c.primaryAddr, c.secondaryAddr)
	}

	var cmds []string
	if !c.ar488 {
		cmds = append(cmds,
			"verbose 0",
			"savecfg 0", // Keep the EEPROM out of it while configuring.
		)
	}
	cmds = append(cmds,
		addrCmd,
		"mode 1", // Controller mode.
		"auto 0", // No read-after-write; queries ask with "++read eoi".
		"eoi 1",  // Assert EOI with the last byte written.
		fmt.Sprintf("eos %d", c.gpibTerm),
		fmt.Sprintf("read_tmo_ms %d", c.readTimeoutMs),
		fmt.Sprintf("eot_char %d", c.eotChar),
		"eot_enable 1", // Append eot_char when EOI is seen on a read.
	)
	if clear {
		cmds = append(cmds, "clr")
	}
	for _, cmd := range cmds {
		if err := c.CommandController(cmd); err != nil {
			return nil, err
		}
	}
	c.log.Debug("prologix configured",
		zap.Int("addr", c.primaryAddr),
		zap.Stringer("eos", c.gpibTerm),
	)
	return &c, nil
}

// WithSecondaryAddress sets a secondary address, which must be in the range of
// 96 and 126, inclusive.
func WithSecondaryAddress(addr int) ControllerOption {
	return func(c *Controller) {
		c.hasSecondaryAddr = true
		c.secondaryAddr = addr
	}
}

// WithLogger logs adapter commands and replies at debug level.
func WithLogger(log *zap.Logger) ControllerOption {
	return func(c *Controller) { c.log = log }
}

// WithGPIBTermination sets the terminator the adapter appends to data sent
// over GPIB. The default relies on EOI alone.
func WithGPIBTermination(term GpibTerm) ControllerOption {
	return func(c *Controller) { c.gpibTerm = term }
}

// WithReadTimeout sets the adapter's inter-character read timeout in
// milliseconds (1-3000).
func WithReadTimeout(ms int) ControllerOption {
	return func(c *Controller) { c.readTimeoutMs = ms }
}

// WithAR488 slightly alters the init commands, for compatibility with the
// Arduino-based AR488. Specifically, we do not emit 'verbose 0', nor do
// we toggle savecfg.
func WithAR488() ControllerOption { return func(c *Controller) { c.ar488 = true } }

// Command formats according to a format specifier if provided and sends the
// result to the instrument. Leading and trailing whitespace is removed
// before the USB terminator is appended.
func (c *Controller) Command(format string, a ...any) error {
	cmd := format
	if len(a) > 0 {
		cmd = fmt.Sprintf(format, a...)
	}
	cmd = strings.TrimSpace(cmd)
	c.log.Debug("gpib write", zap.String("cmd", cmd))
	if err := c.writeLine(escape(cmd)); err != nil {
		return errors.Wrapf(err, "writing %q", cmd)
	}
	return nil
}

// Query sends cmd to the instrument, asks the adapter to read until EOI and
// returns the reply without the trailing terminator.
func (c *Controller) Query(cmd string) (string, error) {
	if err := c.Command("%s", cmd); err != nil {
		return "", err
	}
	if err := c.CommandController("read eoi"); err != nil {
		return "", err
	}
	s, err := c.readLine()
	if err != nil {
		return "", errors.Wrapf(err, "reading reply to %q", cmd)
	}
	c.log.Debug("gpib read", zap.String("reply", s))
	return s, nil
}

// QueryController sends the given command to the adapter and returns its
// reply, e.g. QueryController("ver").
func (c *Controller) QueryController(cmd string) (string, error) {
	if err := c.CommandController(cmd); err != nil {
		return "", err
	}
	s, err := c.readLine()
	if err != nil {
		return "", errors.Wrapf(err, "reading reply to ++%s", cmd)
	}
	return s, nil
}

// CommandController sends the given command to the adapter itself; "++" is
// prepended so nothing is transmitted over GPIB.
func (c *Controller) CommandController(cmd string) error {
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	c.log.Debug("prologix command", zap.String("cmd", "++"+cmd))
	if err := c.writeLine("++" + cmd); err != nil {
		return errors.Wrapf(err, "sending ++%s", cmd)
	}
	return nil
}

// Version returns the adapter's firmware version string.
func (c *Controller) Version() (string, error) {
	return c.QueryController("ver")
}

// ClearDevice sends Selected Device Clear to the instrument.
func (c *Controller) ClearDevice() error {
	return c.CommandController("clr")
}

// FrontPanel returns the instrument to local (front panel) control.
func (c *Controller) FrontPanel() error {
	return c.CommandController("loc")
}

// Close returns the instrument to local and closes rw when it is an
// io.Closer.
func (c *Controller) Close() error {
	err := c.FrontPanel()
	if cl, ok := c.rw.(io.Closer); ok {
		err = multierr.Append(err, errors.Wrap(cl.Close(), "closing adapter port"))
	}
	return err
}

func (c *Controller) writeLine(s string) error {
	_, err := io.WriteString(c.rw, s+string(c.usbTerm))
	return err
}

func (c *Controller) readLine() (string, error) {
	s, err := c.rd.ReadString(c.eotChar)
	if err == io.EOF && s != "" {
		err = nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// escape prefixes the characters the adapter would otherwise strip or
// interpret (CR, LF, ESC and '+') with ESC.
func escape(s string) string {
	if !strings.ContainsAny(s, "\r\n\x1b+") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r', '\n', 0x1b, '+':
			b.WriteByte(0x1b)
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// GpibTerm provides the type for the available GPIB terminators.
type GpibTerm int

// Available GPIB terminators for the Prologix Controller.
const (
	AppendCRLF GpibTerm = iota
	AppendCR
	AppendLF
	AppendNothing
)

var gpibTermDesc = map[GpibTerm]string{
	AppendCRLF:    `Append CR+LF (\r\n) to instrument commands`,
	AppendCR:      `Append CR (\r) to instrument commands`,
	AppendLF:      `Append LF (\n) to instrument commands`,
	AppendNothing: `Do not append anything to instrument commands`,
}

func (term GpibTerm) String() string {
	return gpibTermDesc[term]
}

func isPrimaryAddressValid(addr int) bool {
	return addr >= 0 && addr <= 30
}

func isSecondaryAddressValid(addr int) bool {
	return addr >= 96 && addr <= 126
}
