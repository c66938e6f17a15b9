package visa

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/goleak"

	"github.com/gotmc/rsgen/lib/simulator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSocketSessionAgainstSimulator(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	sim := simulator.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Serve(ctx, ln) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	res := fmt.Sprintf("TCPIP0::127.0.0.1::%d::SOCKET", ln.Addr().(*net.TCPAddr).Port)
	s, err := Open(ctx, res, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer s.Close()

	idn, err := s.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, simulator.DefaultIdentity, idn)

	require.NoError(t, s.Command("SOUR1:FREQ %s", "2.5e+09"))
	freq, err := s.Query("SOUR1:FREQ?")
	require.NoError(t, err)
	assert.Equal(t, "2.5e+09", freq)
	assert.Equal(t, 2.5e9, sim.State().Frequency)

	require.NoError(t, s.Command("%s", "SOUR1:LIST:SEL '/var/user/50%s.lsw'"))
	sel, err := s.Query("SOUR1:LIST:SEL?")
	require.NoError(t, err)
	assert.Equal(t, "'/var/user/50%s.lsw'", sel)
}

func TestSocketReadTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Swallow everything, never answer.
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	res := fmt.Sprintf("TCPIP::127.0.0.1::%d::SOCKET", ln.Addr().(*net.TCPAddr).Port)
	s, err := Open(context.Background(), res, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	_, err = s.Query("*IDN?")
	var nerr net.Error
	require.True(t, errors.As(err, &nerr), "got %v", err)
	assert.True(t, nerr.Timeout())
	require.NoError(t, s.Close())
	wg.Wait()
}

func TestOpenHiSLIPUnsupported(t *testing.T) {
	_, err := Open(context.Background(), "TCPIP0::10.0.0.7::hislip0::INSTR")
	assert.Equal(t, ErrUnsupported, errors.Cause(err))
}

func TestOpenVXI11WithoutPortmapper(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	old := portmapperPort
	portmapperPort = port
	defer func() { portmapperPort = old }()
	_, err = Open(context.Background(), "TCPIP0::127.0.0.1::INSTR", WithTimeout(time.Second))
	assert.ErrorContains(t, err, "portmapper")
}

// fakePort is a serial port whose replies are canned. Methods not
// overridden here panic through the nil embedded interface.
type fakePort struct {
	serial.Port
	in          *strings.Reader
	out         bytes.Buffer
	readTimeout time.Duration
	flushed     bool
	closed      bool
	silent      bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.silent || p.in.Len() == 0 {
		return 0, nil // what a serial port returns on timeout
	}
	return p.in.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) { return p.out.Write(b) }

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.readTimeout = d
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.flushed = true
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) lines() []string {
	return strings.Split(strings.TrimSuffix(p.out.String(), "\n"), "\n")
}

func withFakePort(t *testing.T, replies string) (*fakePort, *[]string) {
	t.Helper()
	p := &fakePort{in: strings.NewReader(replies)}
	var opened []string
	old := openPort
	openPort = func(name string, baud int) (serial.Port, error) {
		opened = append(opened, fmt.Sprintf("%s@%d", name, baud))
		return p, nil
	}
	t.Cleanup(func() { openPort = old })
	return p, &opened
}

func TestSerialSession(t *testing.T) {
	p, opened := withFakePort(t, "Rohde&Schwarz,SMB100A,1406.6000k03/101234,3.1.18.2\r\n")
	s, err := Open(context.Background(), "ASRL/dev/ttyUSB3::INSTR", WithBaudRate(9600), WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB3@9600"}, *opened)
	assert.Equal(t, time.Second, p.readTimeout)
	assert.True(t, p.flushed)

	idn, err := s.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "Rohde&Schwarz,SMB100A,1406.6000k03/101234,3.1.18.2", idn)
	require.NoError(t, s.Command("OUTP1:STAT %d", 1))
	assert.Equal(t, "*IDN?\nOUTP1:STAT 1\n", p.out.String())

	_, err = s.Query("SOUR1:FREQ?")
	assert.Equal(t, ErrTimeout, errors.Cause(err))
	require.NoError(t, s.Close())
	assert.True(t, p.closed)
}

func TestGPIBSessionThroughPrologix(t *testing.T) {
	p, opened := withFakePort(t, "Prologix GPIB-USB Controller version 6.107\n1000000000\n")
	old := findAdapter
	findAdapter = func() (string, error) { return "/dev/ttyUSB9", nil }
	defer func() { findAdapter = old }()

	s, err := Open(context.Background(), "GPIB0::28::INSTR", WithTimeout(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []string{fmt.Sprintf("/dev/ttyUSB9@%d", DefaultBaudRate)}, *opened)
	lines := p.lines()
	assert.Contains(t, lines, "++addr 28")
	assert.Contains(t, lines, "++read_tmo_ms 500")
	assert.Contains(t, lines, "++clr")
	assert.Equal(t, "++ver", lines[len(lines)-1])

	p.out.Reset()
	freq, err := s.Query("SOUR1:FREQ?")
	require.NoError(t, err)
	assert.Equal(t, "1000000000", freq)
	require.NoError(t, s.Close())
	assert.Equal(t, []string{"SOUR1:FREQ?", "++read eoi", "++loc"}, p.lines())
	assert.True(t, p.closed)
}

func TestGPIBAdapterPortOption(t *testing.T) {
	p, opened := withFakePort(t, "")
	p.silent = true
	old := findAdapter
	findAdapter = func() (string, error) { return "", errors.New("should not search") }
	defer func() { findAdapter = old }()

	s, err := Open(context.Background(), "GPIB::7::INSTR", WithAdapterPort("/dev/prologix"))
	require.NoError(t, err)
	assert.Equal(t, []string{fmt.Sprintf("/dev/prologix@%d", DefaultBaudRate)}, *opened)
	assert.NoError(t, s.Close())
}

func TestGPIBAdapterNotFound(t *testing.T) {
	old := findAdapter
	findAdapter = func() (string, error) { return "", errors.New("no matching ttys found") }
	defer func() { findAdapter = old }()

	_, err := Open(context.Background(), "GPIB0::28::INSTR")
	assert.ErrorContains(t, err, "locating Prologix adapter")
}
