// Package burst turns a snapshot of the network database into the ordered
// introduction lines sent to a newly registered peer.
package burst

import (
	"strconv"

	"ircnet/extension"
	"ircnet/irc"
	"ircnet/netdb"
)

// Build returns the burst for a peer that advertised caps. Servers come in
// tree order so every uplink precedes what it introduces, then users, then
// channels with their topics. Extension records follow the core lines of
// each section. The last line is a PING that marks the end of the burst.
func Build(db *netdb.DB, ext *extension.Registry, caps irc.Caps) []*irc.Message {
	me := db.LocalName()
	var out []*irc.Message

	servers := tree(db)
	hops := make(map[string]int, len(servers))
	for _, s := range servers {
		hops[irc.Fold(s.Name)] = s.Hops
		if s.Hops == 0 {
			continue
		}
		out = append(out, ServerLine(s))
	}
	if ext != nil {
		for _, s := range servers {
			out = append(out, ext.BurstServer(db, s, caps)...)
		}
	}

	users := db.Users()
	for _, u := range users {
		out = append(out, UserLine(u, hops[irc.Fold(u.Server)]))
	}
	if ext != nil {
		for _, u := range users {
			out = append(out, ext.BurstUser(db, u, caps)...)
		}
	}

	for _, ch := range db.Channels() {
		out = append(out, ChannelLines(me, ch)...)
		if ext != nil {
			out = append(out, ext.BurstChannel(db, ch, caps)...)
		}
	}

	out = append(out, irc.NewMessage(me, irc.CmdPing, me))
	return out
}

// tree lists servers breadth first from the local server.
func tree(db *netdb.DB) []netdb.Server {
	names := db.Subtree(db.LocalName())
	out := make([]netdb.Server, 0, len(names))
	for _, name := range names {
		if s, ok := db.Server(name); ok {
			out = append(out, s)
		}
	}
	return out
}

// ServerLine introduces s one hop further away than we see it.
func ServerLine(s netdb.Server) *irc.Message {
	return irc.NewMessage(s.Uplink, irc.CmdServer, s.Name, strconv.Itoa(s.Hops+1), s.Description)
}

// UserLine introduces u. hops is the distance of its owning server from us.
func UserLine(u netdb.User, hops int) *irc.Message {
	return irc.NewMessage(u.Server, irc.CmdUID,
		u.Nick,
		strconv.Itoa(hops+1),
		strconv.FormatInt(u.TS, 10),
		"+"+u.Modes,
		u.Username,
		u.Host,
		u.UID,
		u.RealName,
	)
}

// ChannelLines renders SJOIN lines, split to the line limit, followed by a
// TB line when the channel has a topic.
func ChannelLines(me string, ch netdb.Channel) []*irc.Message {
	modes, args := ch.ModeString()
	params := append([]string{strconv.FormatInt(ch.TS, 10), ch.Name, modes}, args...)
	head := irc.NewMessage(me, irc.CmdSjoin, params...)

	members := ch.MemberList()
	tokens := make([]string, 0, len(members))
	for _, m := range members {
		tokens = append(tokens, m.Flags.Prefix()+m.UID)
	}
	out := irc.Pack(head, tokens)
	if ch.Topic != "" {
		setter := ch.TopicSetter
		if setter == "" {
			setter = me
		}
		out = append(out, irc.NewMessage(me, irc.CmdTB, ch.Name,
			strconv.FormatInt(ch.TopicTS, 10), setter, ch.Topic))
	}
	return out
}
