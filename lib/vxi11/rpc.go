package vxi11

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"time"

	xdr "github.com/davecgh/go-xdr/xdr2"
	"github.com/pkg/errors"
)

// ONC RPC (RFC 5531) over TCP with record marking.
const (
	msgCall     = 0
	msgReply    = 1
	rpcVersion  = 2
	lastFrag    = 0x80000000
	maxFragment = 1 << 20
)

// callHeader is an RPC call with AUTH_NONE credentials and verifier.
type callHeader struct {
	Xid        uint32
	MsgType    uint32
	RPCVersion uint32
	Prog       uint32
	Vers       uint32
	Proc       uint32
	CredFlavor uint32
	Cred       []byte
	VerfFlavor uint32
	Verf       []byte
}

// replyHeader is the part of a reply common to accepted and denied calls.
type replyHeader struct {
	Xid       uint32
	MsgType   uint32
	ReplyStat uint32
}

// acceptedReply follows replyHeader when ReplyStat is MSG_ACCEPTED.
type acceptedReply struct {
	VerfFlavor uint32
	Verf       []byte
	AcceptStat uint32
}

// rpcClient makes sequential calls to one program over one connection.
type rpcClient struct {
	conn    net.Conn
	prog    uint32
	vers    uint32
	xid     uint32
	timeout time.Duration
}

func newRPCClient(conn net.Conn, prog, vers uint32, timeout time.Duration) *rpcClient {
	return &rpcClient{
		conn:    conn,
		prog:    prog,
		vers:    vers,
		xid:     uint32(time.Now().UnixNano()),
		timeout: timeout,
	}
}

// call sends proc with args and decodes the results into res, which may
// be nil for procedures without results.
func (c *rpcClient) call(proc uint32, args, res any) error {
	c.xid++
	var buf bytes.Buffer
	hdr := callHeader{
		Xid:        c.xid,
		MsgType:    msgCall,
		RPCVersion: rpcVersion,
		Prog:       c.prog,
		Vers:       c.vers,
		Proc:       proc,
	}
	if _, err := xdr.Marshal(&buf, hdr); err != nil {
		return errors.Wrap(err, "encoding rpc header")
	}
	if _, err := xdr.Marshal(&buf, args); err != nil {
		return errors.Wrap(err, "encoding rpc arguments")
	}

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	if err := writeRecord(c.conn, buf.Bytes()); err != nil {
		return errors.Wrap(err, "sending rpc call")
	}
	for {
		rec, err := readRecord(c.conn)
		if err != nil {
			return errors.Wrap(err, "reading rpc reply")
		}
		r := bytes.NewReader(rec)
		var rh replyHeader
		if _, err := xdr.Unmarshal(r, &rh); err != nil {
			return errors.Wrap(err, "decoding rpc reply")
		}
		if rh.Xid != c.xid {
			// Stale reply to an earlier call that timed out.
			continue
		}
		if err := checkReply(r, rh); err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		if _, err := xdr.Unmarshal(r, res); err != nil {
			return errors.Wrap(err, "decoding rpc results")
		}
		return nil
	}
}

func checkReply(r io.Reader, rh replyHeader) error {
	if rh.MsgType != msgReply {
		return errors.Errorf("rpc: message type %d is not a reply", rh.MsgType)
	}
	if rh.ReplyStat != 0 {
		return errors.Errorf("rpc: call denied (reply_stat %d)", rh.ReplyStat)
	}
	var ar acceptedReply
	if _, err := xdr.Unmarshal(r, &ar); err != nil {
		return errors.Wrap(err, "decoding rpc reply")
	}
	switch ar.AcceptStat {
	case 0:
		return nil
	case 1:
		return errors.New("rpc: program unavailable")
	case 2:
		return errors.New("rpc: program version mismatch")
	case 3:
		return errors.New("rpc: procedure unavailable")
	case 4:
		return errors.New("rpc: garbage arguments")
	}
	return errors.Errorf("rpc: accept_stat %d", ar.AcceptStat)
}

func writeRecord(w io.Writer, msg []byte) error {
	buf := make([]byte, 4, 4+len(msg))
	binary.BigEndian.PutUint32(buf, lastFrag|uint32(len(msg)))
	_, err := w.Write(append(buf, msg...))
	return err
}

func readRecord(r io.Reader) ([]byte, error) {
	var rec []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		h := binary.BigEndian.Uint32(hdr[:])
		n := h &^ lastFrag
		if n > maxFragment {
			return nil, errors.Errorf("rpc: fragment of %d bytes too large", n)
		}
		frag := make([]byte, n)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		rec = append(rec, frag...)
		if h&lastFrag != 0 {
			return rec, nil
		}
	}
}
