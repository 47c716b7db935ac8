package remote

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
)

// maxLineBytes bounds a single command line.
const maxLineBytes = 4096

// Server answers commands on a TCP listener. A connection may send any
// number of lines; each gets exactly one reply line.
type Server struct {
	h *Handler
}

// NewServer builds a TCP server around h.
func NewServer(h *Handler) *Server {
	return &Server{h: h}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	debug.Info("remote: listening on %s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Accept fails. It
// closes ln and every open connection before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = ln.Close() })
	defer stop()

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "accept")
			}
			g.Go(func() error {
				source := conn.RemoteAddr().String()
				debug.Live("remote: connection from %s", source)
				serveLines(gctx, conn, source, s.h)
				return nil
			})
		}
	})
	return g.Wait()
}

// ServeSerial answers commands on a serial port until ctx is done.
func ServeSerial(ctx context.Context, port string, baud int, h *Handler) error {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return errors.Wrapf(err, "open serial port %s", port)
	}
	debug.Info("remote: serving %s at %d baud", port, baud)
	serveLines(ctx, p, port, h)
	return nil
}

// serveLines reads command lines from rw and writes one reply per line. rw
// is closed when the peer hangs up or ctx is done.
func serveLines(ctx context.Context, rw io.ReadWriteCloser, source string, h *Handler) {
	stop := context.AfterFunc(ctx, func() { _ = rw.Close() })
	defer func() {
		if stop() {
			_ = rw.Close()
		}
	}()

	sc := bufio.NewScanner(rw)
	sc.Buffer(make([]byte, 0, 256), maxLineBytes)
	w := bufio.NewWriter(rw)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		resp := h.Handle(ctx, line)
		debug.Command(source, line, resp)
		if _, err := w.WriteString(resp + "\n"); err != nil {
			debug.Verbose("remote: write to %s: %v", source, err)
			return
		}
		if err := w.Flush(); err != nil {
			debug.Verbose("remote: write to %s: %v", source, err)
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		debug.Verbose("remote: read from %s: %v", source, err)
	}
}
