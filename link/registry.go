package link

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"ircnet/irc"
)

var ErrNameInUse = errors.New("server name already linked")

// Registry tracks every live link and, once registered, its peer name.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Link
	byName map[string]*Link
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Link),
		byName: make(map[string]*Link),
	}
}

func (r *Registry) Add(l *Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[l.ID] = l
}

// Claim binds a peer name to l. It fails if another live link holds it.
func (r *Registry) Claim(l *Link, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := irc.Fold(name)
	if other, ok := r.byName[key]; ok && other != l {
		return fmt.Errorf("%s: %w", name, ErrNameInUse)
	}
	r.byName[key] = l
	return nil
}

// Remove forgets l. It reports whether l was present.
func (r *Registry) Remove(l *Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[l.ID]; !ok {
		return false
	}
	delete(r.byID, l.ID)
	for key, other := range r.byName {
		if other == l {
			delete(r.byName, key)
		}
	}
	return true
}

func (r *Registry) Get(id string) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byID[id]
	return l, ok
}

func (r *Registry) ByName(name string) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byName[irc.Fold(name)]
	return l, ok
}

// NameInUse reports whether a live link has claimed name.
func (r *Registry) NameInUse(name string) bool {
	_, ok := r.ByName(name)
	return ok
}

// All returns every live link ordered by ID.
func (r *Registry) All() []*Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Link, 0, len(r.byID))
	for _, l := range r.byID {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Registered returns links in StateRegistered ordered by peer name.
func (r *Registry) Registered() []*Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Link, 0, len(r.byName))
	for _, l := range r.byName {
		if l.Registered() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return irc.Fold(out[i].PeerName()) < irc.Fold(out[j].PeerName()) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
