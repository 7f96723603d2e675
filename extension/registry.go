// Package extension lets optional modules contribute burst records and claim
// server-to-server commands. A module is keyed by the capability token it
// advertises in CAPAB; its records and claimed messages only travel to peers
// that advertised the same token.
package extension

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"ircnet/irc"
	"ircnet/netdb"
)

var (
	ErrInvalidCapability = errors.New("invalid capability token")
	ErrDuplicate         = errors.New("capability already registered")
	ErrCoreCommand       = errors.New("command is handled by the core")
	ErrCommandClaimed    = errors.New("command already claimed")
)

// Extension is the only required interface. Everything else is discovered by
// type assertion.
type Extension interface {
	Capability() string
}

type ServerBurster interface {
	BurstServer(db *netdb.DB, s netdb.Server) []*irc.Message
}

type UserBurster interface {
	BurstUser(db *netdb.DB, u netdb.User) []*irc.Message
}

type ChannelBurster interface {
	BurstChannel(db *netdb.DB, ch netdb.Channel) []*irc.Message
}

// MessageHandler claims inbound commands. HandleMessage applies msg and
// returns the line to forward to other capable links, or nil to stop it here.
// source is the name of the server at the other end of the link it came from.
type MessageHandler interface {
	Commands() []string
	HandleMessage(db *netdb.DB, source string, msg *irc.Message) (*irc.Message, error)
}

// LinkWatcher is told when a peer finishes registration.
type LinkWatcher interface {
	LinkRegistered(peer string, caps irc.Caps)
}

type Registry struct {
	mu       sync.RWMutex
	order    []string
	exts     map[string]Extension
	commands map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		exts:     make(map[string]Extension),
		commands: make(map[string]string),
	}
}

// Register adds ext. Registration is all or nothing: a rejected command
// leaves the registry unchanged.
func (r *Registry) Register(ext Extension) error {
	token := strings.ToUpper(ext.Capability())
	if token == "" || strings.ContainsAny(token, " :\r\n") {
		return fmt.Errorf("%q: %w", ext.Capability(), ErrInvalidCapability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.exts[token]; ok {
		return fmt.Errorf("%s: %w", token, ErrDuplicate)
	}

	var claimed []string
	if h, ok := ext.(MessageHandler); ok {
		for _, cmd := range h.Commands() {
			cmd = strings.ToUpper(cmd)
			if irc.CoreCommands[cmd] {
				return fmt.Errorf("%s claims %s: %w", token, cmd, ErrCoreCommand)
			}
			if owner, taken := r.commands[cmd]; taken {
				return fmt.Errorf("%s claims %s owned by %s: %w", token, cmd, owner, ErrCommandClaimed)
			}
			claimed = append(claimed, cmd)
		}
	}
	for _, cmd := range claimed {
		r.commands[cmd] = token
	}
	r.exts[token] = ext
	r.order = append(r.order, token)
	return nil
}

// Capabilities lists registered tokens in registration order.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Handler returns the module claiming command and its capability token.
func (r *Registry) Handler(command string) (MessageHandler, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.commands[strings.ToUpper(command)]
	if !ok {
		return nil, "", false
	}
	return r.exts[token].(MessageHandler), token, true
}

func (r *Registry) each(caps irc.Caps, fn func(Extension)) {
	r.mu.RLock()
	exts := make([]Extension, 0, len(r.order))
	for _, token := range r.order {
		if caps.Has(token) {
			exts = append(exts, r.exts[token])
		}
	}
	r.mu.RUnlock()
	for _, ext := range exts {
		fn(ext)
	}
}

// BurstServer collects records for s from every module the peer supports.
func (r *Registry) BurstServer(db *netdb.DB, s netdb.Server, caps irc.Caps) []*irc.Message {
	var out []*irc.Message
	r.each(caps, func(ext Extension) {
		if b, ok := ext.(ServerBurster); ok {
			out = append(out, b.BurstServer(db, s)...)
		}
	})
	return out
}

func (r *Registry) BurstUser(db *netdb.DB, u netdb.User, caps irc.Caps) []*irc.Message {
	var out []*irc.Message
	r.each(caps, func(ext Extension) {
		if b, ok := ext.(UserBurster); ok {
			out = append(out, b.BurstUser(db, u)...)
		}
	})
	return out
}

func (r *Registry) BurstChannel(db *netdb.DB, ch netdb.Channel, caps irc.Caps) []*irc.Message {
	var out []*irc.Message
	r.each(caps, func(ext Extension) {
		if b, ok := ext.(ChannelBurster); ok {
			out = append(out, b.BurstChannel(db, ch)...)
		}
	})
	return out
}

// LinkRegistered notifies every watching module the peer supports.
func (r *Registry) LinkRegistered(peer string, caps irc.Caps) {
	r.each(caps, func(ext Extension) {
		if w, ok := ext.(LinkWatcher); ok {
			w.LinkRegistered(peer, caps)
		}
	})
}
