// Package router applies server-to-server and local events to the network
// database and fans them out to every other registered link. One lock covers
// apply plus enqueue, so all links observe events in the same order and a
// link's burst is enqueued atomically with its entry into the fan-out set.
package router

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"ircnet/burst"
	"ircnet/extension"
	"ircnet/irc"
	"ircnet/link"
	"ircnet/netdb"
)

var (
	ErrProtocol  = errors.New("protocol violation")
	ErrPeerError = errors.New("peer closed the link")
	ErrNotLinked = errors.New("link is not registered with the router")

	// errDrop marks a message that is silently ignored.
	errDrop = errors.New("dropped")
)

const (
	PolicyRename = "rename"
	PolicyKill   = "kill"
)

// Deliverer hands events to users connected to this server.
type Deliverer interface {
	Deliver(uid string, m *irc.Message)
	Disconnect(uid, reason string)
}

// Notifier receives operator notifications.
type Notifier func(event, detail string)

type Config struct {
	CollisionPolicy string
	Notify          Notifier
	Now             func() time.Time
}

type Router struct {
	mu     sync.Mutex
	db     *netdb.DB
	links  *link.Registry
	ext    *extension.Registry
	cfg    Config
	local  Deliverer
	live   map[string]*link.Link
	synced map[string]bool
	dead   []*link.Link
}

func New(db *netdb.DB, links *link.Registry, ext *extension.Registry, cfg Config) *Router {
	if cfg.CollisionPolicy == "" {
		cfg.CollisionPolicy = PolicyRename
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if ext == nil {
		ext = extension.NewRegistry()
	}
	return &Router{
		db:     db,
		links:  links,
		ext:    ext,
		cfg:    cfg,
		live:   make(map[string]*link.Link),
		synced: make(map[string]bool),
	}
}

// SetDeliverer wires local user delivery. It must be called before traffic
// flows.
func (r *Router) SetDeliverer(d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = d
}

func (r *Router) DB() *netdb.DB {
	return r.db
}

func (r *Router) Extensions() *extension.Registry {
	return r.ext
}

func (r *Router) me() string {
	return r.db.LocalName()
}

func (r *Router) now() int64 {
	return r.cfg.Now().Unix()
}

func (r *Router) notify(event, format string, args ...interface{}) {
	detail := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s", event, detail)
	if r.cfg.Notify != nil {
		r.cfg.Notify(event, detail)
	}
}

// LinkUp enters a freshly registered link into the network: its server is
// added to the database, our burst is enqueued on it, and the rest of the
// network learns about it. The link sees every later event after its burst.
func (r *Router) LinkUp(l *link.Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := l.PeerName()
	if !l.Registered() {
		return fmt.Errorf("%s: %w", name, ErrNotLinked)
	}
	if r.db.HasServer(name) {
		return fmt.Errorf("%s: %w", name, netdb.ErrServerExists)
	}

	lines := burst.Build(r.db, r.ext, l.Caps())
	if err := r.db.AddServer(name, l.PeerDescription(), r.me(), l.ID); err != nil {
		return err
	}
	r.live[l.ID] = l
	for _, m := range lines {
		r.send(l, m)
	}
	if s, ok := r.db.Server(name); ok {
		r.forward(l, burst.ServerLine(s))
	}
	r.ext.LinkRegistered(name, l.Caps())
	r.notify("link", "%s registered (%s), sent %d burst lines", name, l.RemoteAddr(), len(lines))
	r.reap()
	return nil
}

// LinkDown removes a link and runs the netsplit cascade for everything
// behind it. Calling it for a link that is not live does nothing.
func (r *Router) LinkDown(l *link.Link, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linkDownLocked(l, reason)
	r.reap()
}

func (r *Router) linkDownLocked(l *link.Link, reason string) {
	if r.links != nil {
		r.links.Remove(l)
	}
	if _, ok := r.live[l.ID]; !ok {
		return
	}
	delete(r.live, l.ID)
	delete(r.synced, l.ID)
	if reason == "" {
		reason = "Connection closed"
	}
	r.notify("link", "%s lost: %s", l.PeerName(), reason)
	r.split(l.PeerName(), nil, reason)
}

// Dispatch applies one message received on a registered link. A returned
// error wrapping ErrProtocol or ErrPeerError means the link must be dropped.
func (r *Router) Dispatch(l *link.Link, m *irc.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[l.ID]; !ok {
		return ErrNotLinked
	}
	err := r.settle(r.dispatch(l, m))
	r.reap()
	return err
}

// Local applies an event produced by this server's own users. The prefix is
// trusted.
func (r *Router) Local(m *irc.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.settle(r.dispatch(nil, m))
	r.reap()
	return err
}

// settle maps errors that only mean "state moved on" to nil.
func (r *Router) settle(err error) error {
	switch {
	case err == nil, errors.Is(err, errDrop):
		return nil
	case isStateError(err):
		log.Printf("router: %v", err)
		return nil
	}
	return err
}

// Squit disconnects a server. A directly linked server has its link closed;
// a remote server has the request routed towards it.
func (r *Router) Squit(name, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.reap()

	s, ok := r.db.Server(name)
	if !ok || r.db.IsLocal(name) {
		return fmt.Errorf("%s: %w", name, netdb.ErrNoSuchServer)
	}
	l, ok := r.live[s.LinkID]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotLinked)
	}
	if irc.Equal(s.Uplink, r.me()) {
		l.Fail(reason)
		r.linkDownLocked(l, reason)
		return nil
	}
	r.send(l, irc.NewMessage(r.me(), irc.CmdSquit, s.Name, reason))
	return nil
}

// send enqueues without blocking. A link whose queue overflows is closed by
// the enqueue and torn down once the current event has been applied.
func (r *Router) send(l *link.Link, m *irc.Message) {
	if err := l.Send(m); err != nil {
		r.dead = append(r.dead, l)
	}
}

// forward sends m to every live link except from.
func (r *Router) forward(from *link.Link, m *irc.Message) {
	for _, l := range r.liveLinks() {
		if l != from {
			r.send(l, m)
		}
	}
}

// forwardCapable is forward restricted to peers that advertised token.
func (r *Router) forwardCapable(from *link.Link, token string, m *irc.Message) {
	for _, l := range r.liveLinks() {
		if l != from && l.Caps().Has(token) {
			r.send(l, m)
		}
	}
}

func (r *Router) liveLinks() []*link.Link {
	out := make([]*link.Link, 0, len(r.live))
	for _, l := range r.live {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// linkFor returns the live link a server is reached through.
func (r *Router) linkFor(server string) (*link.Link, bool) {
	s, ok := r.db.Server(server)
	if !ok {
		return nil, false
	}
	l, ok := r.live[s.LinkID]
	return l, ok
}

func (r *Router) reap() {
	for len(r.dead) > 0 {
		l := r.dead[0]
		r.dead = r.dead[1:]
		r.linkDownLocked(l, l.CloseReason())
	}
}

// LinkInfo is a point-in-time view of one live link.
type LinkInfo struct {
	ID          string `json:"id"`
	Peer        string `json:"peer"`
	RemoteAddr  string `json:"remote_addr"`
	Outbound    bool   `json:"outbound"`
	State       string `json:"state"`
	Caps        string `json:"caps"`
	Synced      bool   `json:"synced"`
	Stalled     bool   `json:"stalled"`
	QueuedBytes int    `json:"queued_bytes"`
	IdleSeconds int64  `json:"idle_seconds"`
}

// Links describes every live link ordered by peer name.
func (r *Router) Links() []LinkInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LinkInfo, 0, len(r.live))
	for _, l := range r.live {
		out = append(out, LinkInfo{
			ID:          l.ID,
			Peer:        l.PeerName(),
			RemoteAddr:  l.RemoteAddr(),
			Outbound:    l.Outbound,
			State:       l.State().String(),
			Caps:        l.Caps().String(),
			Synced:      r.synced[l.ID],
			Stalled:     l.Stalled(),
			QueuedBytes: l.QueuedBytes(),
			IdleSeconds: int64(time.Since(l.LastActivity()).Seconds()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return irc.Fold(out[i].Peer) < irc.Fold(out[j].Peer) })
	return out
}

// Linked reports whether a peer with this name is live.
func (r *Router) Linked(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.live {
		if irc.Equal(l.PeerName(), name) {
			return true
		}
	}
	return false
}
