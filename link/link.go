// Package link holds server-to-server connections: the transport, the
// bounded send queue and its writer, the registry of live links and the
// handshake that turns a connection into a registered peer.
package link

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ircnet/irc"
)

type State int32

const (
	StateConnected State = iota
	StatePasswordExchanged
	StateNameExchanged
	StateRegistered
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StatePasswordExchanged:
		return "password-exchanged"
	case StateNameExchanged:
		return "name-exchanged"
	case StateRegistered:
		return "registered"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

const (
	DefaultSendQBytes = 10 * 1024 * 1024
	DefaultStallBytes = 64 * 1024
)

type Options struct {
	// SendQBytes is the hard limit; passing it tears the link down.
	SendQBytes int
	// StallBytes is the soft limit above which the link is reported stalled.
	StallBytes int
}

func (o Options) withDefaults() Options {
	if o.SendQBytes <= 0 {
		o.SendQBytes = DefaultSendQBytes
	}
	if o.StallBytes <= 0 || o.StallBytes > o.SendQBytes {
		o.StallBytes = DefaultStallBytes
		if o.StallBytes > o.SendQBytes {
			o.StallBytes = o.SendQBytes / 2
		}
	}
	return o
}

// Link is one server-to-server connection.
type Link struct {
	ID       string
	Outbound bool

	transport Transport
	queue     *sendQueue
	opts      Options

	state        atomic.Int32
	lastActivity atomic.Int64
	stalled      atomic.Bool

	mu       sync.Mutex
	peerName string
	peerDesc string
	caps     irc.Caps
	reason   string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	pumpDone  chan struct{}
}

func New(t Transport, outbound bool, opts Options) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	opts = opts.withDefaults()
	l := &Link{
		ID:        uuid.NewString(),
		Outbound:  outbound,
		transport: t,
		queue:     newSendQueue(opts.SendQBytes),
		opts:      opts,
		caps:      irc.Caps{},
		ctx:       ctx,
		cancel:    cancel,
		pumpDone:  make(chan struct{}),
	}
	l.touch()
	return l
}

func (l *Link) touch() {
	l.lastActivity.Store(time.Now().UnixNano())
}

func (l *Link) LastActivity() time.Time {
	return time.Unix(0, l.lastActivity.Load())
}

func (l *Link) State() State {
	return State(l.state.Load())
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
}

func (l *Link) Registered() bool {
	return l.State() == StateRegistered
}

func (l *Link) RemoteAddr() string {
	return l.transport.RemoteAddr()
}

// PeerName is the server name the peer registered with.
func (l *Link) PeerName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerName
}

func (l *Link) PeerDescription() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerDesc
}

// Caps returns the capability tokens the peer advertised.
func (l *Link) Caps() irc.Caps {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.caps
}

func (l *Link) setPeer(name, desc string) {
	l.mu.Lock()
	l.peerName, l.peerDesc = name, desc
	l.mu.Unlock()
}

func (l *Link) setCaps(c irc.Caps) {
	l.mu.Lock()
	l.caps = c
	l.mu.Unlock()
}

func (l *Link) Context() context.Context {
	return l.ctx
}

func (l *Link) Done() <-chan struct{} {
	return l.ctx.Done()
}

// CloseReason is the reason given to the first Close or Fail call.
func (l *Link) CloseReason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Stalled reports whether the writer is behind by more than the soft limit.
func (l *Link) Stalled() bool {
	return l.stalled.Load()
}

func (l *Link) QueuedBytes() int {
	return l.queue.size()
}

// Send enqueues a message without blocking. Passing the hard limit closes
// the link and returns ErrSendQExceeded.
func (l *Link) Send(m *irc.Message) error {
	return l.SendLine(m.String())
}

func (l *Link) SendLine(line string) error {
	if err := l.queue.push(line); err != nil {
		if err == ErrSendQExceeded {
			log.Printf("link %s (%s): send queue over %d bytes, dropping link", l.ID, l.PeerName(), l.opts.SendQBytes)
			l.Close(ErrSendQExceeded.Error())
		}
		return err
	}
	if !l.stalled.Load() && l.queue.size() > l.opts.StallBytes {
		l.stalled.Store(true)
		log.Printf("link %s (%s): writer stalled, %d bytes queued", l.ID, l.PeerName(), l.queue.size())
	}
	return nil
}

// WritePump drains the send queue onto the transport until the link closes.
// It closes the transport on return.
func (l *Link) WritePump() {
	defer close(l.pumpDone)
	defer l.transport.Close()

	for {
		lines, ok := l.queue.take()
		if !ok {
			return
		}
		for _, line := range lines {
			if err := l.transport.WriteLine(line); err != nil {
				log.Printf("link %s WritePump error: %v", l.ID, err)
				l.Close("Write error: " + err.Error())
				return
			}
			l.queue.sent(line)
		}
		if l.stalled.Load() && l.queue.size() <= l.opts.StallBytes/2 {
			l.stalled.Store(false)
		}
	}
}

// ReadLine reads the next line and records activity.
func (l *Link) ReadLine() (string, error) {
	line, err := l.transport.ReadLine()
	if err != nil {
		return "", err
	}
	l.touch()
	return line, nil
}

// Close tears the link down immediately, dropping anything still queued.
// Only the first call has any effect.
func (l *Link) Close(reason string) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.reason = reason
		l.mu.Unlock()
		l.setState(StateClosing)
		l.queue.close(true)
		l.cancel()
		_ = l.transport.Close()
	})
}

// Fail sends "ERROR :<reason>" and closes the link once it has been written
// or after a short grace period.
func (l *Link) Fail(reason string) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.reason = reason
		l.mu.Unlock()
		l.setState(StateClosing)
		_ = l.queue.push(irc.NewMessage("", irc.CmdError, "Closing Link: "+reason).String())
		l.queue.close(false)
		l.cancel()
		go func() {
			select {
			case <-l.pumpDone:
			case <-time.After(5 * time.Second):
			}
			_ = l.transport.Close()
		}()
	})
}

// Wait blocks until the writer has stopped.
func (l *Link) Wait() {
	<-l.pumpDone
}
