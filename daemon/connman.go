package daemon

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"ircnet/db"
)

var connManTick = 5 * time.Second

// connMan redials autoconnect links that are down. Each failed attempt
// doubles that link's wait, up to max; a successful link resets it.
type connMan struct {
	d   *Daemon
	min time.Duration
	max time.Duration
	now func() time.Time

	mu    sync.Mutex
	state map[string]*retryState
}

type retryState struct {
	backoff time.Duration
	next    time.Time
	dialing bool
}

func newConnMan(d *Daemon, min, max time.Duration) *connMan {
	if min <= 0 {
		min = 30 * time.Second
	}
	if max < min {
		max = min
	}
	return &connMan{d: d, min: min, max: max, now: time.Now, state: make(map[string]*retryState)}
}

func (c *connMan) run(ctx context.Context) {
	c.tick(ctx)
	ticker := time.NewTicker(connManTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *connMan) tick(ctx context.Context) {
	links, err := c.d.store.AutoconnectLinks()
	if err != nil {
		log.Printf("connman: %v", err)
		return
	}
	for _, l := range links {
		if c.due(l.Name) {
			block := l
			c.d.goFunc(func() { c.attempt(ctx, block) })
		}
	}
}

// due reports whether name should be dialled now and marks it in flight.
func (c *connMan) due(name string) bool {
	linked := c.d.router.Linked(name) || c.d.links.NameInUse(name)

	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[name]
	if !ok {
		st = &retryState{backoff: c.min}
		c.state[name] = st
	}
	if st.dialing || linked || c.now().Before(st.next) {
		return false
	}
	st.dialing = true
	return true
}

func (c *connMan) attempt(ctx context.Context, block db.Link) {
	err := c.d.connect(ctx, block)

	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state[block.Name]
	st.dialing = false
	switch {
	case err == nil:
		st.backoff = c.min
		st.next = c.now().Add(c.min)
	case errors.Is(err, ErrAlreadyLinked), errors.Is(err, ErrShuttingDown):
	default:
		st.next = c.now().Add(st.backoff)
		log.Printf("connman: %s (%s %s) failed, retrying in %s: %v",
			block.Name, block.Transport, block.Address, st.backoff, err)
		st.backoff *= 2
		if st.backoff > c.max {
			st.backoff = c.max
		}
	}
}

// backoff returns the wait that will follow the next failure for name.
func (c *connMan) backoff(name string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.state[name]; ok {
		return st.backoff
	}
	return c.min
}
