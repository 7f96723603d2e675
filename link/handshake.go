package link

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"ircnet/irc"
)

type ErrorKind int

const (
	ErrAuth ErrorKind = iota
	ErrUnknownServer
	ErrDuplicateServer
	ErrVersion
	ErrClockSkew
	ErrProtocol
	ErrTimeout
	ErrPeer
	ErrTransport
)

func (k ErrorKind) String() string {
	switch k {
	case ErrAuth:
		return "auth"
	case ErrUnknownServer:
		return "unknown-server"
	case ErrDuplicateServer:
		return "duplicate-server"
	case ErrVersion:
		return "version"
	case ErrClockSkew:
		return "clock-skew"
	case ErrProtocol:
		return "protocol"
	case ErrTimeout:
		return "timeout"
	case ErrPeer:
		return "peer-error"
	case ErrTransport:
		return "transport"
	}
	return "unknown"
}

// Error is a fatal handshake outcome.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Reason
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Block is the configured side of one link.
type Block struct {
	Name         string
	SendPassword string
	AcceptHash   string
}

type HandshakeConfig struct {
	LocalName   string
	Description string
	Caps        irc.Caps

	Lookup        func(name string) (Block, bool)
	CheckPassword func(hash, password string) bool
	// KnownServer reports names already present in the network database.
	KnownServer func(name string) bool
	Registry    *Registry

	MaxClockSkew time.Duration
	Timeout      time.Duration
	Now          func() time.Time
}

// Handshake drives one link from Connected to Registered.
type Handshake struct {
	cfg      HandshakeConfig
	link     *Link
	expect   string
	password string
	sentOurs bool
}

// NewHandshake prepares a handshake. expect is the configured peer name for
// outbound links and empty for inbound ones.
func NewHandshake(cfg HandshakeConfig, l *Link, expect string) *Handshake {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = 300 * time.Second
	}
	return &Handshake{cfg: cfg, link: l, expect: expect}
}

// Start sends our credentials first when we dialled.
func (h *Handshake) Start() error {
	if !h.link.Outbound {
		return nil
	}
	b, ok := h.cfg.Lookup(h.expect)
	if !ok {
		return newError(ErrUnknownServer, "No link block for %s", h.expect)
	}
	h.sendOurs(b)
	return nil
}

func (h *Handshake) sendOurs(b Block) {
	if h.sentOurs {
		return
	}
	h.sentOurs = true
	v := strconv.Itoa(irc.ProtocolVersion)
	_ = h.link.Send(irc.NewMessage("", irc.CmdPass, b.SendPassword, "TS", v))
	_ = h.link.Send(irc.NewMessage("", irc.CmdCapab, h.cfg.Caps.String()))
	_ = h.link.Send(irc.NewMessage("", irc.CmdServer, h.cfg.LocalName, "1", h.cfg.Description))
	_ = h.link.Send(irc.NewMessage("", irc.CmdSvinfo, v, strconv.Itoa(irc.MinProtocolVersion), "0",
		strconv.FormatInt(h.cfg.Now().Unix(), 10)))
}

// Step applies one inbound message. done is true once the link is registered.
func (h *Handshake) Step(m *irc.Message) (done bool, err error) {
	l := h.link
	switch m.Command {
	case irc.CmdError:
		return false, newError(ErrPeer, "%s", m.Param(0))

	case irc.CmdPing:
		_ = l.Send(irc.NewMessage(h.cfg.LocalName, irc.CmdPong, h.cfg.LocalName, m.Param(0)))
		return false, nil

	case irc.CmdPong:
		return false, nil

	case irc.CmdPass:
		if l.State() != StateConnected {
			return false, newError(ErrProtocol, "Duplicate PASS")
		}
		if len(m.Params) < 1 {
			return false, newError(ErrProtocol, "PASS: not enough parameters")
		}
		if len(m.Params) >= 3 && m.Params[1] == "TS" {
			v, err := strconv.Atoi(m.Params[2])
			if err != nil || v < irc.MinProtocolVersion {
				return false, newError(ErrVersion, "Incompatible TS version %s", m.Params[2])
			}
		}
		h.password = m.Params[0]
		l.setState(StatePasswordExchanged)
		return false, nil

	case irc.CmdCapab:
		if l.State() >= StateNameExchanged {
			return false, newError(ErrProtocol, "CAPAB after SERVER")
		}
		l.setCaps(irc.ParseCaps(m.Param(len(m.Params) - 1)))
		return false, nil

	case irc.CmdServer:
		if l.State() != StatePasswordExchanged {
			return false, newError(ErrProtocol, "SERVER before PASS")
		}
		if len(m.Params) < 3 {
			return false, newError(ErrProtocol, "SERVER: not enough parameters")
		}
		return false, h.server(m.Params[0], m.Params[len(m.Params)-1])

	case irc.CmdSvinfo:
		if l.State() != StateNameExchanged {
			return false, newError(ErrProtocol, "SVINFO before SERVER")
		}
		if err := h.svinfo(m); err != nil {
			return false, err
		}
		l.setState(StateRegistered)
		return true, nil
	}
	return false, newError(ErrProtocol, "Unknown command %s before registration", m.Command)
}

func (h *Handshake) server(name, desc string) error {
	if !irc.ValidServerName(name) {
		return newError(ErrProtocol, "Bogus server name %q", name)
	}
	if h.link.Outbound && !irc.Equal(name, h.expect) {
		return newError(ErrUnknownServer, "Expected %s, peer is %s", h.expect, name)
	}
	b, ok := h.cfg.Lookup(name)
	if !ok {
		return newError(ErrUnknownServer, "No link block for %s", name)
	}
	if h.cfg.CheckPassword == nil || !h.cfg.CheckPassword(b.AcceptHash, h.password) {
		return newError(ErrAuth, "Bad password for %s", name)
	}
	h.password = ""
	if irc.Equal(name, h.cfg.LocalName) || (h.cfg.KnownServer != nil && h.cfg.KnownServer(name)) {
		return newError(ErrDuplicateServer, "Server %s already exists", name)
	}
	if h.cfg.Registry != nil {
		if err := h.cfg.Registry.Claim(h.link, name); err != nil {
			return newError(ErrDuplicateServer, "Server %s already exists", name)
		}
	}
	h.link.setPeer(name, desc)
	h.link.setState(StateNameExchanged)
	h.sendOurs(b)
	return nil
}

func (h *Handshake) svinfo(m *irc.Message) error {
	if len(m.Params) < 2 {
		return newError(ErrProtocol, "SVINFO: not enough parameters")
	}
	current, err1 := strconv.Atoi(m.Params[0])
	minimum, err2 := strconv.Atoi(m.Params[1])
	if err1 != nil || err2 != nil || current < irc.MinProtocolVersion || minimum > irc.ProtocolVersion {
		return newError(ErrVersion, "Incompatible TS version %s/%s", m.Params[0], m.Params[1])
	}
	if len(m.Params) >= 4 {
		theirs, err := strconv.ParseInt(m.Params[3], 10, 64)
		if err != nil {
			return newError(ErrProtocol, "SVINFO: bad clock %q", m.Params[3])
		}
		delta := time.Duration(h.cfg.Now().Unix()-theirs) * time.Second
		if delta < 0 {
			delta = -delta
		}
		if delta > h.cfg.MaxClockSkew {
			return newError(ErrClockSkew, "Clock delta of %s exceeds %s", delta, h.cfg.MaxClockSkew)
		}
	}
	return nil
}

// Run performs the whole handshake, reading from the link until it is
// registered or fails. On failure the link is already closed.
func (h *Handshake) Run() error {
	if err := h.Start(); err != nil {
		return h.fail(err)
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(h.cfg.Timeout, func() {
		timedOut.Store(true)
		h.link.Fail("Registration timeout")
	})
	defer timer.Stop()

	for {
		line, err := h.link.ReadLine()
		if err != nil {
			if timedOut.Load() {
				return newError(ErrTimeout, "Registration timeout")
			}
			return h.fail(newError(ErrTransport, "%v", err))
		}
		msg, err := irc.Parse(line)
		if errors.Is(err, irc.ErrEmptyLine) {
			continue
		}
		if err != nil {
			return h.fail(newError(ErrProtocol, "Malformed line: %v", err))
		}
		done, err := h.Step(msg)
		if err != nil {
			return h.fail(err)
		}
		if done {
			return nil
		}
	}
}

func (h *Handshake) fail(err error) error {
	var he *Error
	if !errors.As(err, &he) {
		h.link.Fail(err.Error())
		return err
	}
	if he.Kind == ErrPeer || he.Kind == ErrTransport {
		h.link.Close(he.Reason)
		return err
	}
	h.link.Fail(he.Reason)
	return err
}
