// Package netdb is the in-memory view of the whole network: servers, users
// and channels. Each key space has its own lock. Operations that span key
// spaces always lock servers, then users, then channels.
package netdb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"ircnet/irc"
)

var (
	ErrServerExists  = errors.New("server already exists")
	ErrNoSuchServer  = errors.New("no such server")
	ErrNoSuchUser    = errors.New("no such user")
	ErrNoSuchChannel = errors.New("no such channel")
	ErrUIDInUse      = errors.New("uid already in use by another server")
	ErrNickInUse     = errors.New("nickname is already in use")
	ErrNotOnChannel  = errors.New("user is not on that channel")
	ErrLocalServer   = errors.New("cannot remove the local server")
)

// EventKind classifies network-visible changes reported back to the router.
type EventKind int

const (
	EventUserQuit EventKind = iota
	EventChannelDestroyed
	EventServerRemoved
)

// Event is one network-visible consequence of a composite mutation.
type Event struct {
	Kind    EventKind
	UID     string
	Nick    string
	Channel string
	Server  string
	Uplink  string
}

// DB is the shared network database. The zero value is not usable; call New.
type DB struct {
	local string

	serversMu sync.RWMutex
	servers   map[string]*Server

	usersMu sync.RWMutex
	users   map[string]*User
	nicks   map[string]string

	channelsMu sync.RWMutex
	channels   map[string]*Channel
}

// New creates a database rooted at the local server.
func New(localName, description string) *DB {
	db := &DB{
		local:    localName,
		servers:  make(map[string]*Server),
		users:    make(map[string]*User),
		nicks:    make(map[string]string),
		channels: make(map[string]*Channel),
	}
	db.servers[irc.Fold(localName)] = &Server{
		Name:        localName,
		Description: description,
		Users:       make(map[string]struct{}),
	}
	return db
}

func (db *DB) LocalName() string {
	return db.local
}

// IsLocal reports whether name is this server.
func (db *DB) IsLocal(name string) bool {
	return irc.Equal(name, db.local)
}

// Servers

// AddServer records a server introduced by uplink and reached through the
// link identified by linkID. Its hop count is one more than the uplink's,
// whatever the introducing line claimed.
func (db *DB) AddServer(name, description, uplink, linkID string) error {
	db.serversMu.Lock()
	defer db.serversMu.Unlock()

	key := irc.Fold(name)
	if _, ok := db.servers[key]; ok {
		return fmt.Errorf("%s: %w", name, ErrServerExists)
	}
	up, ok := db.servers[irc.Fold(uplink)]
	if !ok {
		return fmt.Errorf("uplink %s: %w", uplink, ErrNoSuchServer)
	}
	db.servers[key] = &Server{
		Name:        name,
		Description: description,
		Hops:        up.Hops + 1,
		Uplink:      up.Name,
		LinkID:      linkID,
		Users:       make(map[string]struct{}),
	}
	return nil
}

func (db *DB) Server(name string) (Server, bool) {
	db.serversMu.RLock()
	defer db.serversMu.RUnlock()
	s, ok := db.servers[irc.Fold(name)]
	if !ok {
		return Server{}, false
	}
	return s.clone(), true
}

func (db *DB) HasServer(name string) bool {
	db.serversMu.RLock()
	defer db.serversMu.RUnlock()
	_, ok := db.servers[irc.Fold(name)]
	return ok
}

// Servers returns every known server ordered by hop count, so an uplink is
// always listed before the servers behind it.
func (db *DB) Servers() []Server {
	db.serversMu.RLock()
	defer db.serversMu.RUnlock()
	out := make([]Server, 0, len(db.servers))
	for _, s := range db.servers {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hops != out[j].Hops {
			return out[i].Hops < out[j].Hops
		}
		return irc.Fold(out[i].Name) < irc.Fold(out[j].Name)
	})
	return out
}

func (db *DB) ServerCount() int {
	db.serversMu.RLock()
	defer db.serversMu.RUnlock()
	return len(db.servers)
}

// Children lists the servers directly introduced by name.
func (db *DB) Children(name string) []string {
	db.serversMu.RLock()
	defer db.serversMu.RUnlock()
	var out []string
	for _, s := range db.servers {
		if s.Uplink != "" && irc.Equal(s.Uplink, name) {
			out = append(out, s.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Subtree lists name and every server behind it, root first.
func (db *DB) Subtree(name string) []string {
	db.serversMu.RLock()
	defer db.serversMu.RUnlock()
	return db.subtreeLocked(name)
}

func (db *DB) subtreeLocked(name string) []string {
	root, ok := db.servers[irc.Fold(name)]
	if !ok {
		return nil
	}
	out := []string{root.Name}
	for i := 0; i < len(out); i++ {
		var children []string
		for _, s := range db.servers {
			if s.Uplink != "" && irc.Equal(s.Uplink, out[i]) {
				children = append(children, s.Name)
			}
		}
		sort.Strings(children)
		out = append(out, children...)
	}
	return out
}

// RemoveSubtree deletes a server, every server behind it, every user owned by
// any of them, and every channel left empty. It holds all three locks for
// the whole cascade so no reader sees it half done. Events come back as user
// quits first, then destroyed channels, then servers root first.
func (db *DB) RemoveSubtree(name string) ([]Event, error) {
	if db.IsLocal(name) {
		return nil, ErrLocalServer
	}

	db.serversMu.Lock()
	defer db.serversMu.Unlock()
	db.usersMu.Lock()
	defer db.usersMu.Unlock()
	db.channelsMu.Lock()
	defer db.channelsMu.Unlock()

	names := db.subtreeLocked(name)
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNoSuchServer)
	}

	var uids []string
	for _, n := range names {
		for uid := range db.servers[irc.Fold(n)].Users {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)

	var quits, destroyed []Event
	for _, uid := range uids {
		u, ok := db.users[uid]
		if !ok {
			continue
		}
		quits = append(quits, Event{Kind: EventUserQuit, UID: uid, Nick: u.Nick, Server: u.Server})
		for _, chName := range db.dropUserLocked(u) {
			destroyed = append(destroyed, Event{Kind: EventChannelDestroyed, Channel: chName})
		}
	}

	events := append(quits, destroyed...)
	for _, n := range names {
		key := irc.Fold(n)
		s := db.servers[key]
		events = append(events, Event{Kind: EventServerRemoved, Server: s.Name, Uplink: s.Uplink})
		delete(db.servers, key)
	}
	return events, nil
}

// dropUserLocked removes u from the user space and its channels. The caller
// holds the users and channels locks. Destroyed channel names are returned.
func (db *DB) dropUserLocked(u *User) []string {
	delete(db.users, u.UID)
	if key := irc.Fold(u.Nick); db.nicks[key] == u.UID {
		delete(db.nicks, key)
	}
	var destroyed []string
	for chKey := range u.Channels {
		ch, ok := db.channels[chKey]
		if !ok {
			continue
		}
		delete(ch.Members, u.UID)
		if len(ch.Members) == 0 {
			delete(db.channels, chKey)
			destroyed = append(destroyed, ch.Name)
		}
	}
	sort.Strings(destroyed)
	return destroyed
}

// Users

// IntroduceResult tells the caller what IntroduceUser did.
type IntroduceResult struct {
	// Duplicate is set when the UID was already known from the same server;
	// nothing changed.
	Duplicate bool
	Collision *Collision
}

// IntroduceUser adds a user owned by u.Server. Replaying an introduction is a
// no-op. A nick collision is resolved with IncomingLoses: the loser is kept
// but marked Colliding.
func (db *DB) IntroduceUser(u User) (IntroduceResult, error) {
	db.serversMu.Lock()
	defer db.serversMu.Unlock()
	db.usersMu.Lock()
	defer db.usersMu.Unlock()

	owner, ok := db.servers[irc.Fold(u.Server)]
	if !ok {
		return IntroduceResult{}, fmt.Errorf("owner %s: %w", u.Server, ErrNoSuchServer)
	}
	if existing, ok := db.users[u.UID]; ok {
		if irc.Equal(existing.Server, u.Server) {
			return IntroduceResult{Duplicate: true}, nil
		}
		return IntroduceResult{}, fmt.Errorf("%s: %w", u.UID, ErrUIDInUse)
	}

	nu := u
	nu.Server = owner.Name
	nu.Channels = make(map[string]struct{})
	nu.Colliding = false

	var res IntroduceResult
	key := irc.Fold(nu.Nick)
	if holderUID, taken := db.nicks[key]; taken {
		holder := db.users[holderUID]
		if IncomingLoses(holder.TS, holder.Server, nu.TS, nu.Server) {
			nu.Colliding = true
			res.Collision = &Collision{Nick: nu.Nick, Winner: holder.UID, Loser: nu.UID, LoserServer: nu.Server}
		} else {
			holder.Colliding = true
			db.nicks[key] = nu.UID
			res.Collision = &Collision{Nick: nu.Nick, Winner: nu.UID, Loser: holder.UID, LoserServer: holder.Server}
		}
	} else {
		db.nicks[key] = nu.UID
	}

	db.users[nu.UID] = &nu
	owner.Users[nu.UID] = struct{}{}
	return res, nil
}

func (db *DB) User(uid string) (User, bool) {
	db.usersMu.RLock()
	defer db.usersMu.RUnlock()
	u, ok := db.users[uid]
	if !ok {
		return User{}, false
	}
	return u.clone(), true
}

// UserByNick looks up the current holder of a nick. Colliding users are not
// found by nick.
func (db *DB) UserByNick(nick string) (User, bool) {
	db.usersMu.RLock()
	defer db.usersMu.RUnlock()
	uid, ok := db.nicks[irc.Fold(nick)]
	if !ok {
		return User{}, false
	}
	return db.users[uid].clone(), true
}

// NickAvailable reports whether nick is free, or already held by uid.
func (db *DB) NickAvailable(nick, uid string) bool {
	db.usersMu.RLock()
	defer db.usersMu.RUnlock()
	holder, ok := db.nicks[irc.Fold(nick)]
	return !ok || holder == uid
}

// Users returns all users sorted by UID.
func (db *DB) Users() []User {
	db.usersMu.RLock()
	defer db.usersMu.RUnlock()
	out := make([]User, 0, len(db.users))
	for _, u := range db.users {
		out = append(out, u.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (db *DB) UserCount() int {
	db.usersMu.RLock()
	defer db.usersMu.RUnlock()
	return len(db.users)
}

// NickResult reports the outcome of ChangeNick.
type NickResult struct {
	OldNick   string
	Collision *Collision
}

// ChangeNick renames a user, applying the collision rule when the new nick
// is held by someone else. Renaming a Colliding user clears the flag unless
// the new nick collides too.
func (db *DB) ChangeNick(uid, nick string, ts int64) (NickResult, error) {
	db.usersMu.Lock()
	defer db.usersMu.Unlock()

	u, ok := db.users[uid]
	if !ok {
		return NickResult{}, fmt.Errorf("%s: %w", uid, ErrNoSuchUser)
	}
	res := NickResult{OldNick: u.Nick}
	if oldKey := irc.Fold(u.Nick); db.nicks[oldKey] == uid {
		delete(db.nicks, oldKey)
	}

	u.Nick = nick
	u.TS = ts
	u.Colliding = false
	key := irc.Fold(nick)
	if holderUID, taken := db.nicks[key]; taken && holderUID != uid {
		holder := db.users[holderUID]
		if IncomingLoses(holder.TS, holder.Server, ts, u.Server) {
			u.Colliding = true
			res.Collision = &Collision{Nick: nick, Winner: holder.UID, Loser: uid, LoserServer: u.Server}
			return res, nil
		}
		holder.Colliding = true
		res.Collision = &Collision{Nick: nick, Winner: uid, Loser: holder.UID, LoserServer: holder.Server}
	}
	db.nicks[key] = uid
	return res, nil
}

// SetUserModes applies a +/- mode change and returns the resulting modes.
func (db *DB) SetUserModes(uid, change string) (string, error) {
	db.usersMu.Lock()
	defer db.usersMu.Unlock()
	u, ok := db.users[uid]
	if !ok {
		return "", fmt.Errorf("%s: %w", uid, ErrNoSuchUser)
	}
	u.Modes = applyFlagModes(u.Modes, change)
	return u.Modes, nil
}

// RemoveUser deletes a user and returns its last state along with any
// channels that became empty.
func (db *DB) RemoveUser(uid string) (User, []string, error) {
	db.serversMu.Lock()
	defer db.serversMu.Unlock()
	db.usersMu.Lock()
	defer db.usersMu.Unlock()
	db.channelsMu.Lock()
	defer db.channelsMu.Unlock()

	u, ok := db.users[uid]
	if !ok {
		return User{}, nil, fmt.Errorf("%s: %w", uid, ErrNoSuchUser)
	}
	if owner, ok := db.servers[irc.Fold(u.Server)]; ok {
		delete(owner.Users, uid)
	}
	snapshot := u.clone()
	destroyed := db.dropUserLocked(u)
	return snapshot, destroyed, nil
}
