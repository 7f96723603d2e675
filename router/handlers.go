package router

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"ircnet/irc"
	"ircnet/link"
	"ircnet/netdb"
)

func protocolError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// origin resolves and checks a message prefix. The prefix must be a server
// or a user reached through from; local events are trusted.
func (r *Router) origin(from *link.Link, prefix string) (string, error) {
	if from == nil {
		if prefix == "" {
			return r.me(), nil
		}
		return prefix, nil
	}
	if prefix == "" {
		return from.PeerName(), nil
	}
	if s, ok := r.db.Server(prefix); ok {
		if s.LinkID != from.ID {
			return "", protocolError("%s is not reached through %s", prefix, from.PeerName())
		}
		return s.Name, nil
	}
	if u, ok := r.db.User(prefix); ok {
		owner, ok := r.db.Server(u.Server)
		if !ok || owner.LinkID != from.ID {
			return "", protocolError("user %s is not reached through %s", prefix, from.PeerName())
		}
		return u.UID, nil
	}
	if strings.Contains(prefix, ".") {
		return "", protocolError("unknown server %s", prefix)
	}
	// A user that was just killed or split away; anything it sent is moot.
	return "", errDrop
}

// reachedThrough reports whether uid lives on a server behind from. Unknown
// users are skipped too; they quit or split away while the line was in flight.
func (r *Router) reachedThrough(from *link.Link, uid string) bool {
	if from == nil {
		return true
	}
	u, ok := r.db.User(uid)
	if !ok {
		return false
	}
	owner, ok := r.db.Server(u.Server)
	return ok && owner.LinkID == from.ID
}

func (r *Router) dispatch(from *link.Link, m *irc.Message) error {
	src, err := r.origin(from, m.Prefix)
	if err != nil {
		return err
	}

	switch m.Command {
	case irc.CmdServer:
		return r.handleServer(from, src, m)
	case irc.CmdUID:
		return r.handleUID(from, src, m)
	case irc.CmdNick:
		return r.handleNick(from, src, m)
	case irc.CmdQuit:
		return r.handleQuit(from, src, m)
	case irc.CmdKill:
		return r.handleKill(from, src, m)
	case irc.CmdSjoin:
		return r.handleSjoin(from, src, m)
	case irc.CmdJoin:
		return r.handleJoin(from, src, m)
	case irc.CmdPart:
		return r.handlePart(from, src, m)
	case irc.CmdTmode:
		return r.handleTmode(from, src, m)
	case irc.CmdMode:
		return r.handleUserMode(from, src, m)
	case irc.CmdTopic:
		return r.handleTopic(from, src, m)
	case irc.CmdTB:
		return r.handleTB(from, src, m)
	case irc.CmdSquit:
		return r.handleSquit(from, m)
	case irc.CmdPing:
		return r.handlePing(from, src, m)
	case irc.CmdPong:
		return nil
	case irc.CmdError:
		return fmt.Errorf("%w: %s", ErrPeerError, m.Param(0))
	case irc.CmdPrivmsg, irc.CmdNotice:
		return r.handleMessage(from, src, m)
	case irc.CmdPass, irc.CmdCapab, irc.CmdSvinfo:
		return protocolError("%s after registration", m.Command)
	}

	if h, token, ok := r.ext.Handler(m.Command); ok {
		source := r.me()
		if from != nil {
			source = from.PeerName()
		}
		fwd, err := h.HandleMessage(r.db, source, m)
		if err != nil {
			if isStateError(err) {
				log.Printf("%s from %s: %v", m.Command, source, err)
				return errDrop
			}
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if fwd != nil {
			r.forwardCapable(from, token, fwd)
		}
		return nil
	}

	log.Printf("router: ignoring unknown command %s", m.Command)
	return errDrop
}

// isStateError is true for lookups that fail because state moved on, which
// is normal on a live network and not the sender's fault.
func isStateError(err error) bool {
	return errors.Is(err, netdb.ErrNoSuchUser) ||
		errors.Is(err, netdb.ErrNoSuchChannel) ||
		errors.Is(err, netdb.ErrNotOnChannel)
}

func (r *Router) requireServer(src string) error {
	if !r.db.HasServer(src) {
		return protocolError("%s must come from a server", src)
	}
	return nil
}

func (r *Router) requireUser(src string) (netdb.User, error) {
	u, ok := r.db.User(src)
	if !ok {
		return netdb.User{}, errDrop
	}
	return u, nil
}

// :<uplink> SERVER <name> <hops> :<description>
func (r *Router) handleServer(from *link.Link, src string, m *irc.Message) error {
	if from == nil {
		return protocolError("SERVER from a local source")
	}
	if err := r.requireServer(src); err != nil {
		return err
	}
	if len(m.Params) < 3 {
		return protocolError("SERVER: not enough parameters")
	}
	name := m.Params[0]
	hops, err := strconv.Atoi(m.Params[1])
	if err != nil || hops < 1 {
		return protocolError("SERVER %s: bad hop count %q", name, m.Params[1])
	}
	if !irc.ValidServerName(name) {
		return protocolError("bogus server name %q", name)
	}
	desc := m.Params[len(m.Params)-1]
	if s, ok := r.db.Server(name); ok {
		// A replayed introduction from the same side of the tree is a no-op.
		if s.LinkID == from.ID && irc.Equal(s.Uplink, src) {
			return nil
		}
		r.notify("protocol", "%s introduced %s which already exists", from.PeerName(), name)
		return protocolError("server %s already exists", name)
	}
	if err := r.db.AddServer(name, desc, src, from.ID); err != nil {
		return protocolError("%v", err)
	}
	s, _ := r.db.Server(name)
	r.forward(from, irc.NewMessage(src, irc.CmdServer, name, strconv.Itoa(s.Hops+1), desc))
	return nil
}

// :<server> UID <nick> <hops> <ts> +<modes> <user> <host> <uid> :<real name>
func (r *Router) handleUID(from *link.Link, src string, m *irc.Message) error {
	if err := r.requireServer(src); err != nil {
		return err
	}
	if len(m.Params) < 8 {
		return protocolError("UID: not enough parameters")
	}
	hops, err1 := strconv.Atoi(m.Params[1])
	ts, err2 := strconv.ParseInt(m.Params[2], 10, 64)
	if err1 != nil || err2 != nil {
		return protocolError("UID %s: bad hops or ts", m.Params[6])
	}
	if !irc.ValidNick(m.Params[0]) {
		return protocolError("UID %s: bad nick %q", m.Params[6], m.Params[0])
	}
	u := netdb.User{
		Nick:     m.Params[0],
		TS:       ts,
		Modes:    strings.TrimPrefix(m.Params[3], "+"),
		Username: m.Params[4],
		Host:     m.Params[5],
		UID:      m.Params[6],
		RealName: m.Params[7],
		Server:   src,
	}
	res, err := r.db.IntroduceUser(u)
	if err != nil {
		if errors.Is(err, netdb.ErrUIDInUse) {
			r.notify("protocol", "UID %s from %s is already owned by another server", u.UID, src)
			return errDrop
		}
		return protocolError("%v", err)
	}
	if res.Duplicate {
		return nil
	}
	fwd := m.Copy()
	fwd.Prefix = src
	fwd.Params[1] = strconv.Itoa(hops + 1)
	r.forward(from, fwd)
	r.resolveCollision(res.Collision)
	return nil
}

// :<uid> NICK <nick> <ts>
func (r *Router) handleNick(from *link.Link, src string, m *irc.Message) error {
	u, err := r.requireUser(src)
	if err != nil {
		return err
	}
	if len(m.Params) < 1 || !irc.ValidNick(m.Params[0]) {
		return protocolError("NICK: bad nick")
	}
	ts := r.now()
	if len(m.Params) > 1 {
		if v, err := strconv.ParseInt(m.Params[1], 10, 64); err == nil {
			ts = v
		}
	}
	res, err := r.db.ChangeNick(u.UID, m.Params[0], ts)
	if err != nil {
		return err
	}
	r.forward(from, irc.NewMessage(u.UID, irc.CmdNick, m.Params[0], strconv.FormatInt(ts, 10)))
	r.deliverNick(u, res.OldNick, m.Params[0])
	r.resolveCollision(res.Collision)
	return nil
}

// :<uid> QUIT :<reason>
func (r *Router) handleQuit(from *link.Link, src string, m *irc.Message) error {
	u, _, err := r.db.RemoveUser(src)
	if err != nil {
		return errDrop
	}
	r.forward(from, irc.NewMessage(u.UID, irc.CmdQuit, m.Param(0)))
	r.deliverQuit(u, m.Param(0))
	return nil
}

// :<source> KILL <uid> :<reason>
func (r *Router) handleKill(from *link.Link, src string, m *irc.Message) error {
	if len(m.Params) < 1 {
		return protocolError("KILL: not enough parameters")
	}
	target, ok := r.db.User(m.Params[0])
	if !ok {
		if target, ok = r.db.UserByNick(m.Params[0]); !ok {
			return errDrop
		}
	}
	reason := m.Param(1)
	u, _, err := r.db.RemoveUser(target.UID)
	if err != nil {
		return errDrop
	}
	r.forward(from, irc.NewMessage(src, irc.CmdKill, u.UID, reason))
	quit := "Killed (" + r.displayName(src) + " (" + reason + "))"
	if r.db.IsLocal(u.Server) && r.local != nil {
		r.local.Disconnect(u.UID, quit)
	}
	r.deliverQuit(u, quit)
	return nil
}

// :<server> SJOIN <ts> <channel> +<modes> [mode args...] :<members>
func (r *Router) handleSjoin(from *link.Link, src string, m *irc.Message) error {
	if err := r.requireServer(src); err != nil {
		return err
	}
	if len(m.Params) < 4 {
		return protocolError("SJOIN: not enough parameters")
	}
	ts, err := strconv.ParseInt(m.Params[0], 10, 64)
	if err != nil {
		return protocolError("SJOIN: bad ts %q", m.Params[0])
	}
	name := m.Params[1]
	if !irc.IsChannel(name) {
		return protocolError("SJOIN: bad channel %q", name)
	}
	modes := m.Params[2]
	args := m.Params[3 : len(m.Params)-1]

	var members []netdb.Member
	for _, tok := range strings.Fields(m.Params[len(m.Params)-1]) {
		flags, uid := netdb.ParseMember(tok)
		if uid == "" {
			continue
		}
		if !r.reachedThrough(from, uid) {
			continue
		}
		members = append(members, netdb.Member{UID: uid, Flags: flags})
	}

	res, err := r.db.MergeChannel(name, ts, modes, args, members)
	if err != nil {
		return err
	}
	if res.Lowered {
		r.notify("channel", "%s TS lowered to %d by %s; local modes dropped", name, ts, src)
	}
	if len(res.Joined) == 0 && !res.Lowered {
		return nil
	}

	tokens := make([]string, 0, len(res.Accepted))
	for _, mem := range res.Accepted {
		tokens = append(tokens, mem.Flags.Prefix()+mem.UID)
	}
	var head *irc.Message
	if res.KeptTheirs {
		head = irc.NewMessage(src, irc.CmdSjoin, append([]string{m.Params[0], name, modes}, args...)...)
	} else {
		ch, _ := r.db.Channel(name)
		head = irc.NewMessage(src, irc.CmdSjoin, strconv.FormatInt(ch.TS, 10), name, "+")
	}
	for _, line := range irc.Pack(head, tokens) {
		r.forward(from, line)
	}
	for _, mem := range res.Joined {
		r.deliverJoin(mem.UID, name)
	}
	return nil
}

// :<uid> JOIN <ts> <channel> +
func (r *Router) handleJoin(from *link.Link, src string, m *irc.Message) error {
	u, err := r.requireUser(src)
	if err != nil {
		return err
	}
	if len(m.Params) < 2 {
		return protocolError("JOIN: not enough parameters")
	}
	ts, err := strconv.ParseInt(m.Params[0], 10, 64)
	if err != nil {
		return protocolError("JOIN: bad ts %q", m.Params[0])
	}
	name := m.Params[1]
	if !irc.IsChannel(name) {
		return protocolError("JOIN: bad channel %q", name)
	}
	if ch, ok := r.db.Channel(name); ok {
		if _, member := ch.Members[u.UID]; member {
			return nil
		}
	}
	if _, err := r.db.Join(u.UID, name, ts, 0); err != nil {
		return err
	}
	r.forward(from, irc.NewMessage(u.UID, irc.CmdJoin, m.Params[0], name, "+"))
	r.deliverJoin(u.UID, name)
	return nil
}

// :<uid> PART <channel> :<reason>
func (r *Router) handlePart(from *link.Link, src string, m *irc.Message) error {
	u, err := r.requireUser(src)
	if err != nil {
		return err
	}
	if len(m.Params) < 1 {
		return protocolError("PART: not enough parameters")
	}
	name := m.Params[0]
	part := irc.NewMessage(u.Hostmask(), irc.CmdPart, name, m.Param(1))
	r.deliverChannel(name, part, "")
	if _, err := r.db.Part(u.UID, name); err != nil {
		return err
	}
	r.forward(from, irc.NewMessage(u.UID, irc.CmdPart, name, m.Param(1)))
	return nil
}

// :<source> TMODE <ts> <channel> <modes> [args...]
func (r *Router) handleTmode(from *link.Link, src string, m *irc.Message) error {
	if len(m.Params) < 3 {
		return protocolError("TMODE: not enough parameters")
	}
	ts, err := strconv.ParseInt(m.Params[0], 10, 64)
	if err != nil {
		return protocolError("TMODE: bad ts %q", m.Params[0])
	}
	name := m.Params[1]
	args := m.Params[3:]
	applied, err := r.db.ApplyChannelModes(name, ts, m.Params[2], args)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	fwd := m.Copy()
	fwd.Prefix = src
	r.forward(from, fwd)

	shown := make([]string, 0, len(args)+2)
	shown = append(shown, name, m.Params[2])
	for _, a := range args {
		if u, ok := r.db.User(a); ok {
			a = u.Nick
		}
		shown = append(shown, a)
	}
	r.deliverChannel(name, irc.NewMessage(r.displayName(src), irc.CmdMode, shown...), "")
	return nil
}

// :<uid> MODE <uid> :<modes>
func (r *Router) handleUserMode(from *link.Link, src string, m *irc.Message) error {
	u, err := r.requireUser(src)
	if err != nil {
		return err
	}
	if len(m.Params) < 2 || m.Params[0] != u.UID {
		return protocolError("MODE: a user may only change its own modes")
	}
	if _, err := r.db.SetUserModes(u.UID, m.Params[1]); err != nil {
		return err
	}
	r.forward(from, irc.NewMessage(u.UID, irc.CmdMode, u.UID, m.Params[1]))
	return nil
}

// :<uid> TOPIC <channel> :<topic>
func (r *Router) handleTopic(from *link.Link, src string, m *irc.Message) error {
	if len(m.Params) < 2 {
		return protocolError("TOPIC: not enough parameters")
	}
	name := m.Params[0]
	setter := r.displayName(src)
	if err := r.db.SetTopic(name, m.Params[1], setter, r.now()); err != nil {
		return err
	}
	r.forward(from, irc.NewMessage(src, irc.CmdTopic, name, m.Params[1]))
	r.deliverChannel(name, irc.NewMessage(setter, irc.CmdTopic, name, m.Params[1]), "")
	return nil
}

// :<server> TB <channel> <topic ts> <setter> :<topic>
func (r *Router) handleTB(from *link.Link, src string, m *irc.Message) error {
	if len(m.Params) < 3 {
		return protocolError("TB: not enough parameters")
	}
	name := m.Params[0]
	ts, err := strconv.ParseInt(m.Params[1], 10, 64)
	if err != nil {
		return protocolError("TB: bad ts %q", m.Params[1])
	}
	setter := src
	if len(m.Params) >= 4 {
		setter = m.Params[2]
	}
	topic := m.Params[len(m.Params)-1]
	accepted, err := r.db.BurstTopic(name, topic, setter, ts)
	if err != nil {
		return err
	}
	if !accepted {
		return nil
	}
	r.forward(from, irc.NewMessage(src, irc.CmdTB, name, m.Params[1], setter, topic))
	r.deliverChannel(name, irc.NewMessage(setter, irc.CmdTopic, name, topic), "")
	return nil
}

// :<source> PING <origin> [<destination>]
func (r *Router) handlePing(from *link.Link, src string, m *irc.Message) error {
	if from == nil {
		return errDrop
	}
	dest := m.Param(1)
	if dest != "" && !r.db.IsLocal(dest) {
		if l, ok := r.linkFor(dest); ok && l != from {
			r.send(l, m)
		}
		return nil
	}
	r.send(from, irc.NewMessage(r.me(), irc.CmdPong, r.me(), m.Param(0)))
	if !r.synced[from.ID] {
		r.synced[from.ID] = true
		r.notify("burst", "end of burst from %s", from.PeerName())
	}
	return nil
}

// :<uid> PRIVMSG <target> :<text>
func (r *Router) handleMessage(from *link.Link, src string, m *irc.Message) error {
	if len(m.Params) < 2 {
		return protocolError("%s: not enough parameters", m.Command)
	}
	target, text := m.Params[0], m.Params[1]
	shownFrom := r.displayName(src)

	if irc.IsChannel(target) {
		ch, ok := r.db.Channel(target)
		if !ok {
			return errDrop
		}
		r.deliverChannel(ch.Name, irc.NewMessage(shownFrom, m.Command, ch.Name, text), src)
		sent := make(map[string]bool)
		for uid := range ch.Members {
			u, ok := r.db.User(uid)
			if !ok || r.db.IsLocal(u.Server) {
				continue
			}
			l, ok := r.linkFor(u.Server)
			if !ok || l == from || sent[l.ID] {
				continue
			}
			sent[l.ID] = true
			r.send(l, irc.NewMessage(src, m.Command, ch.Name, text))
		}
		return nil
	}

	u, ok := r.db.User(target)
	if !ok {
		if u, ok = r.db.UserByNick(target); !ok {
			return errDrop
		}
	}
	if r.db.IsLocal(u.Server) {
		if r.local != nil {
			r.local.Deliver(u.UID, irc.NewMessage(shownFrom, m.Command, u.Nick, text))
		}
		return nil
	}
	if l, ok := r.linkFor(u.Server); ok && l != from {
		r.send(l, irc.NewMessage(src, m.Command, u.UID, text))
	}
	return nil
}
