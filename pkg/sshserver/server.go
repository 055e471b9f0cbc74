package sshserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"

	"github.com/ledzpl/tcprelay/internal/metrics"
	"github.com/ledzpl/tcprelay/pkg/tcpserver"
)

const transportLabel = "ssh"

// ChannelHandler serves an SSH session channel once the client asked for a
// shell or a command. It owns channel and must close it.
type ChannelHandler func(ctx context.Context, channel ssh.Channel, remote string)

// Server wraps the SSH listener lifecycle.
type Server struct {
	Addr   string
	Config *ssh.ServerConfig
	// Clock paces accept retries.
	Clock clockwork.Clock

	logger *slog.Logger
}

// New creates a Server with the provided host signer. Clients are not authenticated.
func New(addr string, signer ssh.Signer, logger *slog.Logger) *Server {
	cfg := &ssh.ServerConfig{
		NoClientAuth: true,
	}
	cfg.AddHostKey(signer)

	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		Addr:   addr,
		Config: cfg,
		Clock:  clockwork.NewRealClock(),
		logger: logger,
	}
}

// ListenAndServe listens on s.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, handler ChannelHandler) error {
	if handler == nil {
		return errors.New("sshserver: channel handler required")
	}

	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("sshserver: listen %q: %w", s.Addr, err)
	}
	return s.Serve(ctx, listener, handler)
}

// Serve accepts SSH connections from listener until ctx is cancelled.
// Accept errors are logged and retried after a backoff; they do not stop the loop.
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler ChannelHandler) error {
	if handler == nil {
		return errors.New("sshserver: channel handler required")
	}
	defer listener.Close()

	var conns sync.WaitGroup
	defer conns.Wait()

	stop := context.AfterFunc(ctx, func() {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("listener close failed", "transport", transportLabel, "error", err)
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
			backoff = tcpserver.NextBackoff(backoff)
			metrics.AcceptErrorsTotal.WithLabelValues(transportLabel).Inc()
			s.logger.Warn("accept failed", "transport", transportLabel, "error", err, "retry_in", backoff)

			select {
			case <-s.Clock.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		backoff = 0

		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handleConn(ctx, conn, handler)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, tcpConn net.Conn, handler ChannelHandler) {
	defer tcpConn.Close()

	// Closing the transport on cancel unblocks a stalled handshake and ends
	// every channel's request stream, including sessions awaiting a shell.
	stop := context.AfterFunc(ctx, func() {
		_ = tcpConn.Close()
	})
	defer stop()

	sshConn, chans, reqs, err := ssh.NewServerConn(tcpConn, s.Config)
	if err != nil {
		s.logger.Debug("handshake failed", "remote", tcpConn.RemoteAddr().String(), "error", err)
		return
	}
	defer sshConn.Close()

	remote := sshConn.RemoteAddr().String()
	s.logger.Debug("ssh connection established", "remote", remote, "client", string(sshConn.ClientVersion()))

	go ssh.DiscardRequests(reqs)

	var channels sync.WaitGroup
	defer channels.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case newChannel, ok := <-chans:
			if !ok {
				return
			}
			if newChannel.ChannelType() != "session" {
				_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
				continue
			}

			channel, requests, err := newChannel.Accept()
			if err != nil {
				s.logger.Warn("channel accept failed", "remote", remote, "error", err)
				continue
			}

			channels.Add(1)
			go func() {
				defer channels.Done()
				s.serveChannel(ctx, channel, requests, remote, handler)
			}()
		}
	}
}

// serveChannel waits for a shell or exec request before handing the channel
// over, and keeps answering later requests in the background.
func (s *Server) serveChannel(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request, remote string, handler ChannelHandler) {
	if !awaitSession(requests) {
		_ = channel.Close()
		return
	}
	go func() {
		for req := range requests {
			replyRequest(req)
		}
	}()
	handler(ctx, channel, remote)
}

func awaitSession(requests <-chan *ssh.Request) bool {
	for req := range requests {
		if replyRequest(req) {
			return true
		}
	}
	return false
}

// replyRequest answers req and reports whether it starts the session.
func replyRequest(req *ssh.Request) bool {
	switch req.Type {
	case "shell", "exec":
		_ = req.Reply(true, nil)
		return true
	case "pty-req", "env", "window-change", "signal":
		_ = req.Reply(true, nil)
	default:
		_ = req.Reply(false, nil)
	}
	return false
}
