package tcpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("accept: too many open files")
	}
	return l.Listener.Accept()
}

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func runServe(ctx context.Context, s *Server, ln net.Listener, h ConnHandler) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, ln, h)
	}()
	return done
}

func TestServeRequiresHandler(t *testing.T) {
	s := New("127.0.0.1:0")
	require.ErrorIs(t, s.ListenAndServe(context.Background(), nil), ErrHandlerRequired)
}

func TestServeHandlesConnectionsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ln := listenLocal(t)

	handled := make(chan struct{}, 1)
	done := runServe(ctx, New(""), ln, func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		_, _ = conn.Write([]byte("ok\n"))
		handled <- struct{}{}
		<-ctx.Done()
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 3)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ok\n", string(buf))
	<-handled

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeBacksOffOnAcceptErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	ln := &flakyListener{Listener: listenLocal(t)}
	ln.failures.Store(2)

	handled := make(chan struct{}, 1)
	done := runServe(ctx, New("", WithClock(clock)), ln, func(_ context.Context, conn net.Conn) {
		_ = conn.Close()
		handled <- struct{}{}
	})

	clock.BlockUntil(1)
	clock.Advance(minAcceptBackoff)
	clock.BlockUntil(1)
	clock.Advance(2 * minAcceptBackoff)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("connection was not handled after accept errors")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestServeRejectsOverLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln := listenLocal(t)
	limits := NewLimits(1, 0, 0)

	handled := make(chan struct{}, 2)
	done := runServe(ctx, New("", WithLimits(limits)), ln, func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		handled <- struct{}{}
		<-ctx.Done()
	})

	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	<-handled

	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = second.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF, "rejected connection should be closed by the server")
	require.EqualValues(t, 1, limits.Current())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Zero(t, limits.Current())
}

func TestNextBackoff(t *testing.T) {
	require.Equal(t, minAcceptBackoff, NextBackoff(0))
	require.Equal(t, 2*minAcceptBackoff, NextBackoff(minAcceptBackoff))
	require.Equal(t, maxAcceptBackoff, NextBackoff(maxAcceptBackoff))
}
