package vxi11

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	xdr "github.com/davecgh/go-xdr/xdr2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeInstrument answers the portmapper and the core channel on a single
// listener, echoing "*IDN?" and recording everything else.
type fakeInstrument struct {
	ln          net.Listener
	maxRecvSize uint32
	createErr   int32
	wg          sync.WaitGroup

	mu      sync.Mutex
	written []string
	pending []byte
	partial []byte
	lids    []int32
	closed  []int32
}

func newFakeInstrument(t *testing.T) *fakeInstrument {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeInstrument{ln: ln, maxRecvSize: 16}
	f.wg.Add(1)
	go f.accept()
	t.Cleanup(func() {
		ln.Close()
		f.wg.Wait()
	})
	return f
}

func (f *fakeInstrument) port() int { return f.ln.Addr().(*net.TCPAddr).Port }

func (f *fakeInstrument) accept() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			defer conn.Close()
			for {
				rec, err := readRecord(conn)
				if err != nil {
					return
				}
				if err := writeRecord(conn, f.handle(rec)); err != nil {
					return
				}
			}
		}()
	}
}

func (f *fakeInstrument) handle(rec []byte) []byte {
	r := bytes.NewReader(rec)
	var hdr callHeader
	if _, err := xdr.Unmarshal(r, &hdr); err != nil {
		return nil
	}

	var buf bytes.Buffer
	reply := func(stat uint32, res any) []byte {
		xdr.Marshal(&buf, replyHeader{Xid: hdr.Xid, MsgType: msgReply})
		xdr.Marshal(&buf, acceptedReply{AcceptStat: stat})
		if res != nil {
			xdr.Marshal(&buf, res)
		}
		return buf.Bytes()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case hdr.Prog == portmapProg && hdr.Proc == portmapGetPort:
		var args getPortArgs
		xdr.Unmarshal(r, &args)
		var res getPortResp
		if args.Prog == coreProg {
			res.Port = uint32(f.port())
		}
		return reply(0, res)
	case hdr.Prog == coreProg && hdr.Proc == procCreateLink:
		var args createLinkArgs
		xdr.Unmarshal(r, &args)
		lid := int32(len(f.lids) + 1)
		f.lids = append(f.lids, lid)
		return reply(0, createLinkResp{Error: f.createErr, LinkID: lid, MaxRecvSize: f.maxRecvSize})
	case hdr.Prog == coreProg && hdr.Proc == procDeviceWrite:
		var args deviceWriteArgs
		xdr.Unmarshal(r, &args)
		f.partial = append(f.partial, args.Data...)
		if args.Flags&flagEnd != 0 {
			msg := strings.TrimSpace(string(f.partial))
			f.written = append(f.written, msg)
			switch msg {
			case "*IDN?":
				f.pending = []byte("Rohde&Schwarz,SMB100A,1406.6000k03/101234,3.1.18.2\n")
			case "MULTI?":
				f.pending = []byte("1\n2\n")
			}
			f.partial = nil
		}
		return reply(0, deviceWriteResp{Size: uint32(len(args.Data))})
	case hdr.Prog == coreProg && hdr.Proc == procDeviceRead:
		var args deviceReadArgs
		xdr.Unmarshal(r, &args)
		if len(f.pending) == 0 {
			return reply(0, deviceReadResp{Error: 15}) // I/O timeout
		}
		n := min(int(args.RequestSize), len(f.pending))
		reason := uint32(reasonReqCnt)
		if args.Flags&flagTermChr != 0 {
			if i := bytes.IndexByte(f.pending[:n], byte(args.TermChar)); i >= 0 {
				n = i + 1
				reason = reasonChr
			}
		}
		chunk := f.pending[:n]
		f.pending = f.pending[n:]
		if len(f.pending) == 0 {
			reason |= reasonEnd
		}
		return reply(0, deviceReadResp{Reason: reason, Data: chunk})
	case hdr.Prog == coreProg && hdr.Proc == procDestroyLink:
		var args deviceLink
		xdr.Unmarshal(r, &args)
		f.closed = append(f.closed, args.LinkID)
		return reply(0, deviceErrorResp{})
	}
	return reply(3, nil) // PROC_UNAVAIL
}

func dial(t *testing.T, f *fakeInstrument) *Link {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := Dial(ctx, "127.0.0.1", "inst0", WithPortmapperPort(f.port()), WithTimeout(2*time.Second))
	require.NoError(t, err)
	return l
}

func TestQueryOverLink(t *testing.T) {
	f := newFakeInstrument(t)
	l := dial(t, f)

	// Longer than maxRecvSize so both directions need several calls.
	cmd := "SOUR1:LIST:FREQ 1e+09Hz, 2e+09Hz, 3e+09Hz\n"
	n, err := l.Write([]byte(cmd))
	require.NoError(t, err)
	assert.Equal(t, len(cmd), n)

	_, err = l.Write([]byte("*IDN?\n"))
	require.NoError(t, err)
	reply, err := l.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Rohde&Schwarz,SMB100A,1406.6000k03/101234,3.1.18.2\n", string(reply))

	require.NoError(t, l.Close())
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{strings.TrimSpace(cmd), "*IDN?"}, f.written)
	assert.Equal(t, []int32{1}, f.closed)
}

func TestReadTimeoutIsDeviceError(t *testing.T) {
	f := newFakeInstrument(t)
	l := dial(t, f)
	defer l.Close()

	_, err := l.ReadMessage()
	var derr DeviceError
	require.True(t, errors.As(err, &derr), "got %v", err)
	assert.Equal(t, DeviceError(15), derr)
	assert.EqualError(t, derr, "vxi11: I/O timeout")
}

func TestCreateLinkRefused(t *testing.T) {
	f := newFakeInstrument(t)
	f.createErr = 11
	ctx := context.Background()
	_, err := Dial(ctx, "127.0.0.1", "inst0", WithPortmapperPort(f.port()))
	require.Error(t, err)
	assert.Equal(t, DeviceError(11), errors.Cause(err))
}

func TestNoPortmapper(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = Dial(context.Background(), "127.0.0.1", "inst0", WithPortmapperPort(port))
	assert.ErrorContains(t, err, "portmapper")
}

func TestReadStopsAtTermChar(t *testing.T) {
	f := newFakeInstrument(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := Dial(ctx, "127.0.0.1", "inst0",
		WithPortmapperPort(f.port()), WithTimeout(2*time.Second), WithTermChar('\n'))
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Write([]byte("MULTI?\n"))
	require.NoError(t, err)
	first, err := l.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(first))
	second, err := l.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(second))
}

func TestReadWithoutTermCharWaitsForEnd(t *testing.T) {
	f := newFakeInstrument(t)
	l := dial(t, f)
	defer l.Close()

	_, err := l.Write([]byte("MULTI?\n"))
	require.NoError(t, err)
	reply, err := l.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n", string(reply))
}

func TestArgumentLayout(t *testing.T) {
	var buf bytes.Buffer
	_, err := xdr.Marshal(&buf, createLinkArgs{ClientID: 7, LockDevice: true, Device: "inst0"})
	require.NoError(t, err)
	// client_id, lockDevice, lock_timeout, then a padded "inst0".
	assert.Equal(t, []byte{
		0, 0, 0, 7,
		0, 0, 0, 1,
		0, 0, 0, 0,
		0, 0, 0, 5, 'i', 'n', 's', 't', '0', 0, 0, 0,
	}, buf.Bytes())

	buf.Reset()
	_, err = xdr.Marshal(&buf, deviceReadArgs{LinkID: 1, RequestSize: 16, Flags: flagTermChr, TermChar: '\n'})
	require.NoError(t, err)
	assert.Len(t, buf.Bytes(), 6*4)

	var res deviceReadResp
	_, err = xdr.Unmarshal(bytes.NewReader([]byte{
		0, 0, 0, 0,
		0, 0, 0, 4,
		0, 0, 0, 2, 'o', 'k', 0, 0,
	}), &res)
	require.NoError(t, err)
	assert.Equal(t, deviceReadResp{Reason: reasonEnd, Data: []byte("ok")}, res)
}

func TestDeviceErrorUnknownCode(t *testing.T) {
	assert.EqualError(t, DeviceError(42), "vxi11: device error 42")
}
