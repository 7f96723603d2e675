package router

import (
	"strconv"

	"ircnet/irc"
	"ircnet/netdb"
)

// displayName renders a source the way local clients expect it: a hostmask
// for users, the name for servers.
func (r *Router) displayName(src string) string {
	if u, ok := r.db.User(src); ok {
		return u.Hostmask()
	}
	return src
}

func (r *Router) isLocalUser(uid string) bool {
	u, ok := r.db.User(uid)
	return ok && r.db.IsLocal(u.Server)
}

// deliverChannel hands m to every local member of a channel except one UID.
func (r *Router) deliverChannel(name string, m *irc.Message, except string) {
	if r.local == nil {
		return
	}
	ch, ok := r.db.Channel(name)
	if !ok {
		return
	}
	for _, mem := range ch.MemberList() {
		if mem.UID != except && r.isLocalUser(mem.UID) {
			r.local.Deliver(mem.UID, m)
		}
	}
}

func (r *Router) deliverJoin(uid, channel string) {
	u, ok := r.db.User(uid)
	if !ok {
		return
	}
	r.deliverChannel(channel, irc.NewMessage(u.Hostmask(), irc.CmdJoin, channel), "")
}

// deliverQuit tells local users who shared a channel with u, once each. u is
// a snapshot taken before removal.
func (r *Router) deliverQuit(u netdb.User, reason string) {
	if r.local == nil {
		return
	}
	m := irc.NewMessage(u.Hostmask(), irc.CmdQuit, reason)
	seen := map[string]bool{u.UID: true}
	for _, key := range u.ChannelNames() {
		ch, ok := r.db.Channel(key)
		if !ok {
			continue
		}
		for _, mem := range ch.MemberList() {
			if !seen[mem.UID] && r.isLocalUser(mem.UID) {
				seen[mem.UID] = true
				r.local.Deliver(mem.UID, m)
			}
		}
	}
}

// deliverNick tells the user itself, when local, and local channel peers.
func (r *Router) deliverNick(before netdb.User, oldNick, newNick string) {
	if r.local == nil {
		return
	}
	old := before
	old.Nick = oldNick
	m := irc.NewMessage(old.Hostmask(), irc.CmdNick, newNick)
	seen := map[string]bool{}
	if r.db.IsLocal(before.Server) {
		seen[before.UID] = true
		r.local.Deliver(before.UID, m)
	}
	for _, key := range before.ChannelNames() {
		ch, ok := r.db.Channel(key)
		if !ok {
			continue
		}
		for _, mem := range ch.MemberList() {
			if !seen[mem.UID] && r.isLocalUser(mem.UID) {
				seen[mem.UID] = true
				r.local.Deliver(mem.UID, m)
			}
		}
	}
}

// resolveCollision acts on a collision only when the loser is ours; every
// other server waits for our rename or kill to arrive.
func (r *Router) resolveCollision(c *netdb.Collision) {
	if c == nil {
		return
	}
	r.notify("collision", "nick %s: %s kept it, %s (on %s) loses", c.Nick, c.Winner, c.Loser, c.LoserServer)
	if !r.db.IsLocal(c.LoserServer) {
		return
	}
	loser, ok := r.db.User(c.Loser)
	if !ok {
		return
	}

	if r.cfg.CollisionPolicy == PolicyKill {
		u, _, err := r.db.RemoveUser(loser.UID)
		if err != nil {
			return
		}
		r.forward(nil, irc.NewMessage(r.me(), irc.CmdKill, u.UID, "Nick collision"))
		if r.local != nil {
			r.local.Disconnect(u.UID, "Nick collision")
		}
		r.deliverQuit(u, "Killed (Nick collision)")
		return
	}

	saved := netdb.SaveNick(loser.UID)
	ts := r.now()
	res, err := r.db.ChangeNick(loser.UID, saved, ts)
	if err != nil {
		return
	}
	r.forward(nil, irc.NewMessage(loser.UID, irc.CmdNick, saved, strconv.FormatInt(ts, 10)))
	r.deliverNick(loser, res.OldNick, saved)
}
