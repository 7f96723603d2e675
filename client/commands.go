package client

import (
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ircnet/irc"
	"ircnet/netdb"
)

const (
	cmdUser  = "USER"
	cmdNames = "NAMES"
	cmdCap   = "CAP"

	maxNickLength = 30
	maxUserLength = 10
)

const (
	rplWelcome           = "001"
	rplYourHost          = "002"
	rplUModeIs           = "221"
	rplChannelModeIs     = "324"
	rplNoTopic           = "331"
	rplTopic             = "332"
	rplNamReply          = "353"
	rplEndOfNames        = "366"
	errNoSuchNick        = "401"
	errNoSuchChannel     = "403"
	errCannotSendToChan  = "404"
	errUnknownCommand    = "421"
	errNoNicknameGiven   = "431"
	errErroneusNickname  = "432"
	errNicknameInUse     = "433"
	errNotOnChannel      = "442"
	errNotRegistered     = "451"
	errNeedMoreParams    = "461"
	errAlreadyRegistered = "462"
	errChanOPrivsNeeded  = "482"
	errUsersDontMatch    = "502"
)

func (sess *Session) numeric(code string, params ...string) {
	target := sess.currentNick()
	if target == "" {
		target = "*"
	}
	sess.send(irc.NewMessage(sess.server.me(), code, append([]string{target}, params...)...))
}

// currentNick reads the nick from the database once registered, since the
// network may rename the user after a collision.
func (sess *Session) currentNick() string {
	if sess.uid != "" {
		if u, ok := sess.server.db.User(sess.uid); ok {
			return u.Nick
		}
	}
	return sess.nick
}

func (sess *Session) local(m *irc.Message) {
	if err := sess.server.router.Local(m); err != nil {
		log.Printf("client %s: %s rejected: %v", sess.uid, m.Command, err)
	}
}

func (sess *Session) now() int64 {
	return sess.server.opts.Now().Unix()
}

// handle runs one client command. done is set when the client quit.
func (sess *Session) handle(m *irc.Message) (reason string, done bool) {
	me := sess.server.me()
	switch m.Command {
	case irc.CmdPing:
		sess.send(irc.NewMessage(me, irc.CmdPong, me, m.Param(0)))
		return "", false
	case irc.CmdPong, irc.CmdPass, cmdCap:
		return "", false
	case irc.CmdQuit:
		if msg := m.Param(0); msg != "" {
			return "Quit: " + msg, true
		}
		return "Client Quit", true
	case irc.CmdNick:
		sess.handleNick(m)
		return "", false
	case cmdUser:
		sess.handleUser(m)
		return "", false
	}

	if sess.uid == "" {
		sess.numeric(errNotRegistered, "You have not registered")
		return "", false
	}
	switch m.Command {
	case irc.CmdJoin:
		sess.handleJoin(m)
	case irc.CmdPart:
		sess.handlePart(m)
	case irc.CmdTopic:
		sess.handleTopic(m)
	case irc.CmdPrivmsg, irc.CmdNotice:
		sess.handleMessage(m)
	case irc.CmdMode:
		sess.handleMode(m)
	case cmdNames:
		for _, name := range strings.Split(m.Param(0), ",") {
			if ch, ok := sess.server.db.Channel(name); ok {
				sess.sendNames(ch)
			}
		}
	default:
		sess.numeric(errUnknownCommand, m.Command, "Unknown command")
	}
	return "", false
}

func (sess *Session) handleNick(m *irc.Message) {
	nick := m.Param(0)
	if nick == "" {
		sess.numeric(errNoNicknameGiven, "No nickname given")
		return
	}
	if !irc.ValidNick(nick) || len(nick) > maxNickLength {
		sess.numeric(errErroneusNickname, nick, "Erroneous nickname")
		return
	}
	if !sess.server.db.NickAvailable(nick, sess.uid) {
		sess.numeric(errNicknameInUse, nick, "Nickname is already in use")
		return
	}
	if sess.uid == "" {
		sess.nick = nick
		sess.register()
		return
	}
	if sess.currentNick() == nick {
		return
	}
	sess.local(irc.NewMessage(sess.uid, irc.CmdNick, nick, strconv.FormatInt(sess.now(), 10)))
}

func (sess *Session) handleUser(m *irc.Message) {
	if sess.uid != "" {
		sess.numeric(errAlreadyRegistered, "You may not reregister")
		return
	}
	if len(m.Params) < 4 {
		sess.numeric(errNeedMoreParams, cmdUser, "Not enough parameters")
		return
	}
	username := strings.TrimLeft(m.Params[0], "~:")
	if len(username) > maxUserLength {
		username = username[:maxUserLength]
	}
	if username == "" {
		username = "user"
	}
	sess.username = username
	sess.realName = m.Params[3]
	sess.register()
}

// register introduces the user once both NICK and USER have arrived. The
// session is indexed first so anything the introduction triggers, such as
// a collision rename, reaches it.
func (sess *Session) register() {
	if sess.nick == "" || sess.username == "" {
		return
	}
	s := sess.server
	if !s.db.NickAvailable(sess.nick, "") {
		sess.numeric(errNicknameInUse, sess.nick, "Nickname is already in use")
		sess.nick = ""
		return
	}

	uid := uuid.NewString()
	s.mu.Lock()
	sess.uid = uid
	s.sessions[uid] = sess
	s.pending--
	s.mu.Unlock()

	sess.local(irc.NewMessage(s.me(), irc.CmdUID,
		sess.nick, "0", strconv.FormatInt(sess.now(), 10), "+",
		sess.username, sess.host, uid, sess.realName))

	u, ok := s.db.User(uid)
	if !ok {
		return
	}
	sess.numeric(rplWelcome, "Welcome to the network "+u.Hostmask())
	sess.numeric(rplYourHost, "Your host is "+s.me())
}

func (sess *Session) handleJoin(m *irc.Message) {
	if len(m.Params) < 1 {
		sess.numeric(errNeedMoreParams, irc.CmdJoin, "Not enough parameters")
		return
	}
	me := sess.server.me()
	for _, name := range strings.Split(m.Params[0], ",") {
		if !irc.IsChannel(name) {
			sess.numeric(errNoSuchChannel, name, "No such channel")
			continue
		}
		if ch, ok := sess.server.db.Channel(name); ok {
			if _, member := ch.Members[sess.uid]; member {
				continue
			}
			sess.local(irc.NewMessage(sess.uid, irc.CmdJoin, strconv.FormatInt(ch.TS, 10), ch.Name, "+"))
		} else {
			sess.local(irc.NewMessage(me, irc.CmdSjoin, strconv.FormatInt(sess.now(), 10), name, "+", "@"+sess.uid))
		}
		ch, ok := sess.server.db.Channel(name)
		if !ok {
			continue
		}
		if ch.Topic != "" {
			sess.numeric(rplTopic, ch.Name, ch.Topic)
		}
		sess.sendNames(ch)
	}
}

func (sess *Session) sendNames(ch netdb.Channel) {
	type entry struct{ nick, prefix string }
	var entries []entry
	for _, mem := range ch.MemberList() {
		if u, ok := sess.server.db.User(mem.UID); ok {
			entries = append(entries, entry{u.Nick, mem.Flags.Prefix()})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return irc.Fold(entries[i].nick) < irc.Fold(entries[j].nick) })
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.prefix + e.nick
	}
	head := irc.NewMessage(sess.server.me(), rplNamReply, sess.currentNick(), "=", ch.Name)
	for _, line := range irc.Pack(head, names) {
		sess.send(line)
	}
	sess.numeric(rplEndOfNames, ch.Name, "End of /NAMES list")
}

func (sess *Session) handlePart(m *irc.Message) {
	if len(m.Params) < 1 {
		sess.numeric(errNeedMoreParams, irc.CmdPart, "Not enough parameters")
		return
	}
	for _, name := range strings.Split(m.Params[0], ",") {
		ch, ok := sess.server.db.Channel(name)
		if !ok {
			sess.numeric(errNoSuchChannel, name, "No such channel")
			continue
		}
		if _, member := ch.Members[sess.uid]; !member {
			sess.numeric(errNotOnChannel, ch.Name, "You're not on that channel")
			continue
		}
		sess.local(irc.NewMessage(sess.uid, irc.CmdPart, ch.Name, m.Param(1)))
	}
}

func (sess *Session) handleTopic(m *irc.Message) {
	if len(m.Params) < 1 {
		sess.numeric(errNeedMoreParams, irc.CmdTopic, "Not enough parameters")
		return
	}
	ch, ok := sess.server.db.Channel(m.Params[0])
	if !ok {
		sess.numeric(errNoSuchChannel, m.Params[0], "No such channel")
		return
	}
	if len(m.Params) == 1 {
		if ch.Topic == "" {
			sess.numeric(rplNoTopic, ch.Name, "No topic is set")
		} else {
			sess.numeric(rplTopic, ch.Name, ch.Topic)
		}
		return
	}
	flags, member := ch.Members[sess.uid]
	if !member {
		sess.numeric(errNotOnChannel, ch.Name, "You're not on that channel")
		return
	}
	if strings.Contains(ch.Modes, "t") && flags&netdb.FlagOp == 0 {
		sess.numeric(errChanOPrivsNeeded, ch.Name, "You're not channel operator")
		return
	}
	sess.local(irc.NewMessage(sess.uid, irc.CmdTopic, ch.Name, m.Params[1]))
}

func (sess *Session) handleMessage(m *irc.Message) {
	notice := m.Command == irc.CmdNotice
	if len(m.Params) < 2 || m.Params[1] == "" {
		if !notice {
			sess.numeric(errNeedMoreParams, m.Command, "Not enough parameters")
		}
		return
	}
	if !sess.limiter.allow(sess.server.opts.Now()) {
		if !notice {
			me := sess.server.me()
			sess.send(irc.NewMessage(me, irc.CmdNotice, sess.currentNick(), "Message rate exceeded, dropped"))
		}
		return
	}
	target, text := m.Params[0], m.Params[1]

	if irc.IsChannel(target) {
		ch, ok := sess.server.db.Channel(target)
		if !ok {
			if !notice {
				sess.numeric(errNoSuchChannel, target, "No such channel")
			}
			return
		}
		flags, member := ch.Members[sess.uid]
		if (!member && strings.Contains(ch.Modes, "n")) || (strings.Contains(ch.Modes, "m") && flags == 0) {
			if !notice {
				sess.numeric(errCannotSendToChan, ch.Name, "Cannot send to channel")
			}
			return
		}
		sess.local(irc.NewMessage(sess.uid, m.Command, ch.Name, text))
		return
	}

	u, ok := sess.server.db.UserByNick(target)
	if !ok {
		if !notice {
			sess.numeric(errNoSuchNick, target, "No such nick/channel")
		}
		return
	}
	sess.local(irc.NewMessage(sess.uid, m.Command, u.UID, text))
}

func (sess *Session) handleMode(m *irc.Message) {
	if len(m.Params) < 1 {
		sess.numeric(errNeedMoreParams, irc.CmdMode, "Not enough parameters")
		return
	}
	target := m.Params[0]
	db := sess.server.db

	if !irc.IsChannel(target) {
		u, ok := db.User(sess.uid)
		if !ok {
			return
		}
		if !irc.Equal(target, u.Nick) {
			sess.numeric(errUsersDontMatch, "Cannot change mode for other users")
			return
		}
		if len(m.Params) == 1 {
			sess.numeric(rplUModeIs, "+"+u.Modes)
			return
		}
		sess.local(irc.NewMessage(sess.uid, irc.CmdMode, sess.uid, m.Params[1]))
		sess.send(irc.NewMessage(u.Hostmask(), irc.CmdMode, u.Nick, m.Params[1]))
		return
	}

	ch, ok := db.Channel(target)
	if !ok {
		sess.numeric(errNoSuchChannel, target, "No such channel")
		return
	}
	if len(m.Params) == 1 {
		modes, args := ch.ModeString()
		sess.numeric(rplChannelModeIs, append([]string{ch.Name, modes}, args...)...)
		return
	}
	if ch.Members[sess.uid]&netdb.FlagOp == 0 {
		sess.numeric(errChanOPrivsNeeded, ch.Name, "You're not channel operator")
		return
	}
	// Member arguments travel as UIDs.
	args := make([]string, 0, len(m.Params)-2)
	for _, a := range m.Params[2:] {
		if u, ok := db.UserByNick(a); ok {
			if _, member := ch.Members[u.UID]; member {
				a = u.UID
			}
		}
		args = append(args, a)
	}
	params := append([]string{strconv.FormatInt(ch.TS, 10), ch.Name, m.Params[1]}, args...)
	sess.local(irc.NewMessage(sess.uid, irc.CmdTmode, params...))
}
