package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ledzpl/tcprelay/internal/metrics"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
	transportLabel   = "tcp"
)

// ErrHandlerRequired is returned when Serve is called without a handler.
var ErrHandlerRequired = errors.New("tcpserver: connection handler required")

// ConnHandler serves one accepted connection. It owns conn and must close it.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Server wraps the TCP listener lifecycle.
type Server struct {
	Addr string

	logger *slog.Logger
	clock  clockwork.Clock
	limits *Limits
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces the clock used for accept backoff.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLimits applies admission limits to accepted connections.
func WithLimits(limits *Limits) Option {
	return func(s *Server) {
		s.limits = limits
	}
}

// New creates a Server for addr.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		Addr:   addr,
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ListenAndServe listens on s.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, handler ConnHandler) error {
	if handler == nil {
		return ErrHandlerRequired
	}

	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("tcpserver: listen %q: %w", s.Addr, err)
	}
	return s.Serve(ctx, listener, handler)
}

// Serve accepts connections from listener until ctx is cancelled. Accept
// errors are logged and retried after a backoff; they never stop the loop.
// Serve closes listener and waits for running handlers before returning ctx.Err().
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler ConnHandler) error {
	if handler == nil {
		return ErrHandlerRequired
	}
	defer listener.Close()

	var handlers sync.WaitGroup
	defer handlers.Wait()

	stop := context.AfterFunc(ctx, func() {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("listener close failed", "error", err)
		}
	})
	defer stop()

	s.logger.Info("listening", "transport", transportLabel, "addr", listener.Addr().String())

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			backoff = NextBackoff(backoff)
			metrics.AcceptErrorsTotal.WithLabelValues(transportLabel).Inc()
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)

			select {
			case <-s.clock.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		backoff = 0

		release, ok := s.admit(conn)
		if !ok {
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			defer release()
			handler(ctx, conn)
		}()
	}
}

// admit applies the configured limits, closing conn when it is refused.
func (s *Server) admit(conn net.Conn) (func(), bool) {
	if s.limits == nil {
		return func() {}, true
	}

	ip := remoteIP(conn.RemoteAddr())
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejectedTotal.WithLabelValues(string(reason)).Inc()
		s.logger.Warn("connection rejected", "remote", conn.RemoteAddr().String(), "reason", reason)
		_ = conn.Close()
		return nil, false
	}
	return s.limits.Release, true
}

// NextBackoff returns the pause before the next Accept retry after d,
// doubling from 5ms up to one second.
func NextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
