package router

import (
	"log"

	"ircnet/irc"
	"ircnet/link"
	"ircnet/netdb"
)

// split removes name and everything behind it, then tells every live link
// except from: one QUIT per lost user followed by one SQUIT. Users arrive
// before the SQUIT so a peer that already handled the QUITs removes nothing
// twice.
func (r *Router) split(name string, from *link.Link, reason string) {
	root, ok := r.db.Server(name)
	if !ok {
		return
	}
	inSplit := make(map[string]bool)
	for _, s := range r.db.Subtree(name) {
		inSplit[irc.Fold(s)] = true
	}
	var lost []netdb.User
	for _, u := range r.db.Users() {
		if inSplit[irc.Fold(u.Server)] {
			lost = append(lost, u)
		}
	}

	events, err := r.db.RemoveSubtree(root.Name)
	if err != nil {
		log.Printf("split %s: %v", root.Name, err)
		return
	}

	quitReason := root.Uplink + " " + root.Name
	var users, servers, channels int
	for _, ev := range events {
		switch ev.Kind {
		case netdb.EventUserQuit:
			users++
			r.forward(from, irc.NewMessage(ev.UID, irc.CmdQuit, quitReason))
		case netdb.EventServerRemoved:
			servers++
		case netdb.EventChannelDestroyed:
			channels++
		}
	}
	r.forward(from, irc.NewMessage(r.me(), irc.CmdSquit, root.Name, reason))

	for _, u := range lost {
		r.deliverQuit(u, quitReason)
	}
	r.notify("netsplit", "%s split from %s (%s): %d servers, %d users, %d channels lost",
		root.Name, root.Uplink, reason, servers, users, channels)
}

// handleSquit covers both directions. A SQUIT naming a server behind the
// sending link reports a split over there. A SQUIT naming a server reached
// some other way is a request routed towards it; if that server is our
// direct peer we drop the link.
func (r *Router) handleSquit(from *link.Link, m *irc.Message) error {
	if len(m.Params) < 1 {
		return protocolError("SQUIT: not enough parameters")
	}
	target := m.Params[0]
	reason := m.Param(1)
	if reason == "" {
		reason = "No reason"
	}

	if r.db.IsLocal(target) || (from != nil && irc.Equal(target, from.PeerName())) {
		if from == nil {
			return errDrop
		}
		from.Close(reason)
		r.linkDownLocked(from, reason)
		return nil
	}

	s, ok := r.db.Server(target)
	if !ok {
		return errDrop
	}
	if from != nil && s.LinkID == from.ID {
		r.split(s.Name, from, reason)
		return nil
	}
	l, ok := r.live[s.LinkID]
	if !ok {
		return errDrop
	}
	if irc.Equal(s.Uplink, r.me()) {
		l.Fail(reason)
		r.linkDownLocked(l, reason)
		return nil
	}
	r.send(l, m)
	return nil
}
