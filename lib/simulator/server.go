package simulator

import (
	"bufio"
	"context"
	"net"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Serve answers the raw SCPI socket protocol (newline terminated lines, as
// on port 5025 of a real instrument) on ln until ctx is cancelled or
// accepting fails. Each connection is served by its own goroutine; all of
// them share the instrument state. Serve closes ln.
func (in *Instrument) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "accepting connection")
			}
			in.log.Info("client connected", zap.Stringer("remote", conn.RemoteAddr()))
			g.Go(func() error {
				in.serveConn(ctx, conn)
				return nil
			})
		}
	})
	return g.Wait()
}

func (in *Instrument) serveConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		reply, ok, err := in.Handle(sc.Text())
		if err != nil {
			// A real instrument has no way to report a failed write on the
			// socket; it only queues the error.
			in.log.Warn("command failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if _, err := w.WriteString(reply + "\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
	in.log.Info("client disconnected", zap.Stringer("remote", conn.RemoteAddr()))
}
