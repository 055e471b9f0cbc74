package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/ledzpl/tcprelay/internal/metrics"
)

const (
	// DefaultReadBufferSize is the capacity of one inbound read and the
	// longest message a connection can send before it is split.
	DefaultReadBufferSize = 9999

	// DefaultNickname is used until a connection sends a nick command.
	DefaultNickname = "name"

	nickCommand = "/nick "
)

// Handler serves connections against a shared Relay.
type Handler struct {
	relay    Relay
	logger   *slog.Logger
	nickname string
	readSize int
	colors   ColorPicker
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithDefaultNickname sets the nickname every connection starts with.
func WithDefaultNickname(name string) HandlerOption {
	return func(h *Handler) {
		if name != "" {
			h.nickname = name
		}
	}
}

// WithReadBufferSize sets the inbound read capacity in bytes.
func WithReadBufferSize(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.readSize = n
		}
	}
}

// WithColorPicker renders nicknames in a per-connection ANSI color.
func WithColorPicker(p ColorPicker) HandlerOption {
	return func(h *Handler) {
		h.colors = p
	}
}

// WithHandlerLogger sets the logger sessions derive from.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler builds a Handler for relay.
func NewHandler(relay Relay, opts ...HandlerOption) *Handler {
	h := &Handler{
		relay:    relay,
		logger:   slog.Default(),
		nickname: DefaultNickname,
		readSize: DefaultReadBufferSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Serve registers conn, relays its messages and returns once its inbound side
// fails or ctx is cancelled. conn is closed on return.
func (h *Handler) Serve(ctx context.Context, conn io.ReadWriteCloser, remote string) {
	s := &session{
		relay:    h.relay,
		conn:     conn,
		nickname: []byte(h.nickname),
		readSize: h.readSize,
		buffer:   newLineBuffer(h.readSize),
		logger:   h.logger.With("session", uuid.NewString(), "remote", remote),
	}
	if h.colors != nil {
		s.color = h.colors.Next()
	}
	s.run(ctx)
}

type session struct {
	relay  Relay
	conn   io.ReadWriteCloser
	handle Handle
	logger *slog.Logger

	nickname []byte
	color    string
	readSize int
	buffer   *lineBuffer

	cleanup sync.Once
}

func (s *session) run(ctx context.Context) {
	s.handle = s.relay.Insert(s.conn)
	s.logger.Info("connection registered", "connections", s.relay.Size())

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()
	defer s.cleanupSession()

	if err := s.readLoop(); err != nil {
		s.handleReadError(err)
	}
}

func (s *session) readLoop() error {
	buf := make([]byte, s.readSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.buffer.Feed(buf[:n], s.processMessage)
		}
		if err == nil && n == 0 {
			err = io.EOF
		}
		if err != nil {
			s.flushPending()
			return err
		}
	}
}

// flushPending relays an unterminated trailing line, newline added, so peers
// keep line framing.
func (s *session) flushPending() {
	if s.buffer.Pending() == 0 {
		return
	}
	s.logger.Debug("flushing partial line", "bytes", s.buffer.Pending())
	s.processMessage(append(s.buffer.Drain(), '\n'))
}

// processMessage either updates the nickname or broadcasts msg unchanged.
func (s *session) processMessage(msg []byte) {
	if name, ok := bytes.CutPrefix(msg, []byte(nickCommand)); ok {
		s.setNickname(name)
		return
	}
	s.relay.Broadcast(s.handle, colorize(s.color, s.nickname), msg)
}

func (s *session) setNickname(name []byte) {
	name = bytes.TrimRight(name, "\r\n")
	if len(name) == 0 {
		s.logger.Debug("empty nickname ignored")
		return
	}
	s.nickname = append(s.nickname[:0], name...)
	metrics.NicknameChangesTotal.Inc()
	s.logger.Debug("nickname changed", "nickname", string(s.nickname))
}

func (s *session) handleReadError(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return
	default:
		s.logger.Warn("read failed", "error", err)
	}
}

func (s *session) cleanupSession() {
	s.cleanup.Do(func() {
		removed := s.relay.Remove(s.handle)
		_ = s.conn.Close()
		s.logger.Info("connection closed", "removed", removed, "connections", s.relay.Size())
	})
}
