package web

import (
	"context"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
)

// shutdownTimeout bounds the graceful shutdown in Run.
const shutdownTimeout = 5 * time.Second

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server on addr for machine m.
func NewServer(addr string, broadcaster *StatusBroadcaster, m Machine, squares int) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, errors.Wrap(err, "web: sub static fs")
	}
	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, m, squares, subFS),
	}, nil
}

// Handlers returns the route handlers.
func (s *Server) Handlers() *Handlers { return s.handlers }

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /position", s.handlers.HandlePosition)
	mux.HandleFunc("GET /limits", s.handlers.HandleLimits)
	mux.HandleFunc("GET /switches", s.handlers.HandleSwitches)
	mux.HandleFunc("POST /jog", s.handlers.HandleJog)
	mux.HandleFunc("POST /move", s.handlers.HandleMove)
	mux.HandleFunc("POST /home", s.handlers.HandleHome)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run listens on the server address and blocks until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "web: listen %s", s.addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. Background homing started from the
// console is cancelled with ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.handlers.ctx = ctx
	srv := &http.Server{
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so open status streams return.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web: listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "web: serve")
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(srv.Close(), "web: close")
		}
		return nil
	}
}
