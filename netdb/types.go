package netdb

import (
	"sort"
	"strconv"
	"strings"
)

// Server is a node in the spanning tree. The local server is the root and has
// no Uplink and no LinkID.
type Server struct {
	Name        string
	Description string
	Hops        int
	Uplink      string
	LinkID      string
	Users       map[string]struct{}
}

func (s *Server) clone() Server {
	c := *s
	c.Users = make(map[string]struct{}, len(s.Users))
	for uid := range s.Users {
		c.Users[uid] = struct{}{}
	}
	return c
}

// User is a client connected somewhere on the network. Server names the
// owning server.
type User struct {
	UID      string
	Nick     string
	Username string
	Host     string
	RealName string
	Server   string
	TS       int64
	Modes    string
	Channels map[string]struct{}

	// Colliding is set on a user that lost a nick collision and is waiting
	// for its owning server to rename or remove it. It is not in the nick
	// index while set.
	Colliding bool
}

func (u *User) clone() User {
	c := *u
	c.Channels = make(map[string]struct{}, len(u.Channels))
	for ch := range u.Channels {
		c.Channels[ch] = struct{}{}
	}
	return c
}

// ChannelNames returns the user's channels in sorted order.
func (u User) ChannelNames() []string {
	names := make([]string, 0, len(u.Channels))
	for ch := range u.Channels {
		names = append(names, ch)
	}
	sort.Strings(names)
	return names
}

// Hostmask formats nick!user@host.
func (u User) Hostmask() string {
	return u.Nick + "!" + u.Username + "@" + u.Host
}

// MemberFlags are per-member channel status bits.
type MemberFlags uint8

const (
	FlagOp MemberFlags = 1 << iota
	FlagVoice
)

// Prefix renders flags the way SJOIN member lists carry them.
func (f MemberFlags) Prefix() string {
	var b strings.Builder
	if f&FlagOp != 0 {
		b.WriteByte('@')
	}
	if f&FlagVoice != 0 {
		b.WriteByte('+')
	}
	return b.String()
}

// ParseMember splits an SJOIN member token like "@+uid" into flags and uid.
func ParseMember(token string) (MemberFlags, string) {
	var f MemberFlags
	for len(token) > 0 {
		switch token[0] {
		case '@':
			f |= FlagOp
		case '+':
			f |= FlagVoice
		default:
			return f, token
		}
		token = token[1:]
	}
	return f, token
}

// Member is one entry of an SJOIN member list.
type Member struct {
	UID   string
	Flags MemberFlags
}

// Channel state. Member keys are UIDs.
type Channel struct {
	Name        string
	TS          int64
	Topic       string
	TopicSetter string
	TopicTS     int64
	Modes       string
	Key         string
	Limit       int
	Members     map[string]MemberFlags
	Bans        []string
	Excepts     []string
	Invex       []string
}

func (c *Channel) clone() Channel {
	n := *c
	n.Members = make(map[string]MemberFlags, len(c.Members))
	for uid, f := range c.Members {
		n.Members[uid] = f
	}
	n.Bans = append([]string(nil), c.Bans...)
	n.Excepts = append([]string(nil), c.Excepts...)
	n.Invex = append([]string(nil), c.Invex...)
	return n
}

// MemberList returns members sorted by UID for stable output.
func (c Channel) MemberList() []Member {
	out := make([]Member, 0, len(c.Members))
	for uid, f := range c.Members {
		out = append(out, Member{UID: uid, Flags: f})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Masks returns the list for a list mode letter (b, e or I).
func (c Channel) Masks(kind byte) []string {
	switch kind {
	case 'b':
		return c.Bans
	case 'e':
		return c.Excepts
	case 'I':
		return c.Invex
	}
	return nil
}

// ModeString renders +modes followed by key and limit arguments.
func (c Channel) ModeString() (string, []string) {
	modes := "+" + c.Modes
	var args []string
	if c.Key != "" {
		modes += "k"
		args = append(args, c.Key)
	}
	if c.Limit > 0 {
		modes += "l"
		args = append(args, strconv.Itoa(c.Limit))
	}
	return modes, args
}
