package link

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"ircnet/irc"
)

const testReadTimeout = 3 * time.Second

// chanTransport is an in-memory transport whose writes can be held back to
// simulate a slow peer.
type chanTransport struct {
	in      chan string
	mu      sync.Mutex
	written []string
	block   chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newChanTransport() *chanTransport {
	return &chanTransport{in: make(chan string, 64), closed: make(chan struct{})}
}

func (c *chanTransport) ReadLine() (string, error) {
	select {
	case line := <-c.in:
		return line, nil
	case <-c.closed:
		return "", io.EOF
	}
}

func (c *chanTransport) WriteLine(line string) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-c.closed:
			return io.ErrClosedPipe
		}
	}
	c.mu.Lock()
	c.written = append(c.written, line)
	c.mu.Unlock()
	return nil
}

func (c *chanTransport) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *chanTransport) RemoteAddr() string { return "pipe" }

func (c *chanTransport) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testReadTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendQueueHardLimitClosesLink(t *testing.T) {
	tr := newChanTransport()
	tr.block = make(chan struct{})
	l := New(tr, false, Options{SendQBytes: 1024, StallBytes: 256})
	go l.WritePump()

	line := strings.Repeat("x", 98)
	var err error
	for i := 0; i < 20 && err == nil; i++ {
		err = l.SendLine(line)
	}
	if !errors.Is(err, ErrSendQExceeded) {
		t.Fatalf("expected ErrSendQExceeded, got %v", err)
	}
	if l.State() != StateClosing {
		t.Fatalf("expected link to be closing, got %s", l.State())
	}
	if l.CloseReason() != "Max SendQ exceeded" {
		t.Fatalf("unexpected close reason %q", l.CloseReason())
	}
	select {
	case <-l.Done():
	default:
		t.Fatalf("expected link context to be cancelled")
	}
	if err := l.SendLine("after"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after teardown, got %v", err)
	}
	l.Wait()
}

func TestSendQueueReportsStall(t *testing.T) {
	tr := newChanTransport()
	tr.block = make(chan struct{})
	l := New(tr, false, Options{SendQBytes: 4096, StallBytes: 256})
	go l.WritePump()

	for i := 0; i < 5; i++ {
		if err := l.SendLine(strings.Repeat("y", 98)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if !l.Stalled() {
		t.Fatalf("expected link to be stalled with %d bytes queued", l.QueuedBytes())
	}
	close(tr.block)
	waitFor(t, "queue drain", func() bool { return len(tr.lines()) == 5 })
	if err := l.SendLine("ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "stall to clear", func() bool { return !l.Stalled() })
	l.Close("done")
	l.Wait()
}

func TestFailFlushesErrorLine(t *testing.T) {
	tr := newChanTransport()
	l := New(tr, false, Options{})
	go l.WritePump()
	if err := l.Send(irc.NewMessage("hub.example.net", irc.CmdPing, "hub.example.net")); err != nil {
		t.Fatalf("send: %v", err)
	}
	l.Fail("Bad password")
	l.Fail("ignored")
	l.Wait()

	lines := tr.lines()
	if len(lines) != 2 || lines[1] != "ERROR :Closing Link: Bad password" {
		t.Fatalf("unexpected lines %q", lines)
	}
	if l.CloseReason() != "Bad password" {
		t.Fatalf("expected first reason to stick, got %q", l.CloseReason())
	}
}

func TestStreamTransportFraming(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	tr := NewStreamTransport(a)

	go func() {
		_, _ = b.Write([]byte("PING :one\r\nPING :two\n"))
	}()
	for _, want := range []string{"PING :one", "PING :two"} {
		got, err := tr.ReadLine()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}

	go func() {
		_ = tr.WriteLine("PONG :one")
	}()
	reader := bufio.NewReader(b)
	raw, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if raw != "PONG :one\r\n" {
		t.Fatalf("expected CRLF framing, got %q", raw)
	}

	go func() {
		_, _ = b.Write([]byte(strings.Repeat("z", 3*irc.MaxLineLength) + "\n"))
	}()
	if _, err := tr.ReadLine(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}

func TestRegistryClaimsNames(t *testing.T) {
	r := NewRegistry()
	a := New(newChanTransport(), false, Options{})
	b := New(newChanTransport(), false, Options{})
	r.Add(a)
	r.Add(b)

	if err := r.Claim(a, "leaf.example.net"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := r.Claim(b, "LEAF.example.net"); !errors.Is(err, ErrNameInUse) {
		t.Fatalf("expected ErrNameInUse, got %v", err)
	}
	if got, ok := r.ByName("leaf.EXAMPLE.net"); !ok || got != a {
		t.Fatalf("expected lookup by folded name")
	}
	if !r.Remove(a) || r.Remove(a) {
		t.Fatalf("expected remove to report presence once")
	}
	if r.NameInUse("leaf.example.net") {
		t.Fatalf("name must be released on remove")
	}
	if err := r.Claim(b, "leaf.example.net"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 link, got %d", r.Len())
	}
}

func TestKeepaliveClosesSilentLink(t *testing.T) {
	tr := newChanTransport()
	l := New(tr, false, Options{})
	go l.WritePump()
	go l.Keepalive("hub.example.net", 40*time.Millisecond, 40*time.Millisecond)

	waitFor(t, "keepalive ping", func() bool {
		for _, line := range tr.lines() {
			if line == "PING hub.example.net" || line == ":hub.example.net PING hub.example.net" {
				return true
			}
		}
		return false
	})
	select {
	case <-l.Done():
	case <-time.After(testReadTimeout):
		t.Fatalf("expected silent link to be closed")
	}
	if !strings.HasPrefix(l.CloseReason(), "Ping timeout") {
		t.Fatalf("unexpected reason %q", l.CloseReason())
	}
}
