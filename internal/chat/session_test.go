package chat

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// brokenConn reads normally but fails every write.
type brokenConn struct {
	net.Conn
}

func (brokenConn) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

const waitFor = time.Second

type peer struct {
	conn  net.Conn
	lines chan string
	done  chan struct{}
}

// connectPeer serves one end of a pipe and reads the other end line by line.
func connectPeer(t *testing.T, ctx context.Context, h *Handler, r *Registry, want int) *peer {
	t.Helper()

	client, server := net.Pipe()
	p := &peer{
		conn:  client,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		h.Serve(ctx, server, "pipe")
	}()
	go func() {
		defer close(p.lines)
		reader := bufio.NewReader(client)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			p.lines <- line
		}
	}()
	t.Cleanup(func() { _ = client.Close() })

	require.Eventually(t, func() bool { return r.Size() == want }, waitFor, time.Millisecond)
	return p
}

func (p *peer) send(t *testing.T, msg string) {
	t.Helper()
	_, err := p.conn.Write([]byte(msg))
	require.NoError(t, err)
}

func (p *peer) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got, ok := <-p.lines:
		require.True(t, ok, "connection closed while waiting for %q", want)
		require.Equal(t, want, got)
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (p *peer) expectSet(t *testing.T, want ...string) {
	t.Helper()
	var got []string
	for range want {
		select {
		case line := <-p.lines:
			got = append(got, line)
		case <-time.After(waitFor):
			t.Fatalf("timed out after %v", got)
		}
	}
	require.ElementsMatch(t, want, got)
}

func (p *peer) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case line := <-p.lines:
		t.Fatalf("unexpected message %q", line)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionNickThenBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry()
	h := NewHandler(r)

	alice := connectPeer(t, ctx, h, r, 1)
	alice.send(t, "/nick alice\n")
	alice.expectNothing(t)

	bob := connectPeer(t, ctx, h, r, 2)
	alice.send(t, "hello\n")

	bob.expect(t, "alice: hello\n")
	alice.expect(t, "alice: hello\n")
}

func TestSessionDefaultNicknameAndCRLF(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry(WithEcho(false))
	h := NewHandler(r, WithDefaultNickname("guest"))

	a := connectPeer(t, ctx, h, r, 1)
	b := connectPeer(t, ctx, h, r, 2)

	a.send(t, "hi\n")
	b.expect(t, "guest: hi\n")

	a.send(t, "/nick carol\r\n")
	a.send(t, "/nick \n")
	a.send(t, "again\r\n")
	b.expect(t, "carol: again\r\n")
	a.expectNothing(t)
}

func TestSessionNicknameIsPrivate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry(WithEcho(false))
	h := NewHandler(r)

	a := connectPeer(t, ctx, h, r, 1)
	b := connectPeer(t, ctx, h, r, 2)

	a.send(t, "/nick alice\n")
	b.send(t, "from b\n")
	a.expect(t, "name: from b\n")

	a.send(t, "from a\n")
	b.expect(t, "alice: from a\n")
}

func TestSessionFramesAcrossWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry(WithEcho(false))
	h := NewHandler(r)

	a := connectPeer(t, ctx, h, r, 1)
	b := connectPeer(t, ctx, h, r, 2)

	a.send(t, "split ")
	a.send(t, "line\nfirst\nsecond\n")

	b.expect(t, "name: split line\n")
	b.expect(t, "name: first\n")
	b.expect(t, "name: second\n")
}

func TestSessionDisconnectRemovesEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry()
	h := NewHandler(r)

	a := connectPeer(t, ctx, h, r, 1)
	b := connectPeer(t, ctx, h, r, 2)

	require.NoError(t, a.conn.Close())
	select {
	case <-a.done:
	case <-time.After(waitFor):
		t.Fatal("handler did not exit after peer closed")
	}
	require.Equal(t, 1, r.Size())

	b.send(t, "still here\n")
	b.expect(t, "name: still here\n")
	require.Equal(t, 1, r.Size())
}

func TestSessionWriteFailureEvictsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry()
	h := NewHandler(r)

	var logs bytes.Buffer
	broken := NewHandler(r, WithHandlerLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	client, server := net.Pipe()
	defer client.Close()
	brokenDone := make(chan struct{})
	go func() {
		defer close(brokenDone)
		broken.Serve(ctx, brokenConn{Conn: server}, "pipe")
	}()
	require.Eventually(t, func() bool { return r.Size() == 1 }, waitFor, time.Millisecond)

	b := connectPeer(t, ctx, h, r, 2)
	b.send(t, "hi\n")
	b.expect(t, "name: hi\n")

	select {
	case <-brokenDone:
	case <-time.After(waitFor):
		t.Fatal("evicted session did not exit")
	}
	require.Equal(t, 1, r.Size())
	require.Contains(t, logs.String(), "removed=false")

	b.send(t, "again\n")
	b.expect(t, "name: again\n")
	require.Equal(t, 1, r.Size())
}

func TestSessionPartialLineFlushedOnClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry(WithEcho(false))
	h := NewHandler(r)

	a := connectPeer(t, ctx, h, r, 1)
	b := connectPeer(t, ctx, h, r, 2)
	c := connectPeer(t, ctx, h, r, 3)

	a.send(t, "no newline")
	require.NoError(t, a.conn.Close())
	select {
	case <-a.done:
	case <-time.After(waitFor):
		t.Fatal("handler did not exit")
	}
	require.Equal(t, 2, r.Size())

	b.expect(t, "name: no newline\n")
	c.expect(t, "name: no newline\n")

	c.send(t, "/nick c\n")
	c.send(t, "next\n")
	b.expect(t, "c: next\n")
}

func TestSessionConcurrentSenders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry()
	h := NewHandler(r)

	a := connectPeer(t, ctx, h, r, 1)
	b := connectPeer(t, ctx, h, r, 2)
	c := connectPeer(t, ctx, h, r, 3)

	a.send(t, "/nick a\n")
	b.send(t, "/nick b\n")

	for _, p := range []struct {
		conn net.Conn
		msg  string
	}{{a.conn, "from a\n"}, {b.conn, "from b\n"}} {
		go func(conn net.Conn, msg string) {
			_, _ = conn.Write([]byte(msg))
		}(p.conn, p.msg)
	}

	for _, p := range []*peer{a, b, c} {
		p.expectSet(t, "a: from a\n", "b: from b\n")
	}
}

func TestSessionContextCancelClosesConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	r := NewRegistry()
	h := NewHandler(r)
	a := connectPeer(t, ctx, h, r, 1)

	cancel()

	select {
	case <-a.done:
	case <-time.After(waitFor):
		t.Fatal("handler did not exit on cancel")
	}
	require.Zero(t, r.Size())
}

func TestSessionColoredNickname(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry()
	h := NewHandler(r, WithColorPicker(NewRandomColorPicker("\033[32m")))

	a := connectPeer(t, ctx, h, r, 1)
	a.send(t, "hi\n")
	a.expect(t, "\033[32mname\033[0m: hi\n")
}
