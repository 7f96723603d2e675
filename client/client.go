// Package client runs sessions for users connected directly to this server.
// A session turns a small set of client commands into local events for the
// router and writes back whatever the router delivers to its user.
package client

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"ircnet/irc"
	"ircnet/link"
	"ircnet/netdb"
	"ircnet/router"
)

const (
	defaultSendQBytes   = 1 << 20
	defaultPingInterval = 2 * time.Minute
	defaultPingTimeout  = 2 * time.Minute
	defaultRateWindow   = 10 * time.Second
	defaultRateMax      = 40
)

type Options struct {
	SendQBytes   int
	PingInterval time.Duration
	PingTimeout  time.Duration
	// RateWindow and RateMax bound PRIVMSG and NOTICE per session.
	RateWindow time.Duration
	RateMax    int
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SendQBytes <= 0 {
		o.SendQBytes = defaultSendQBytes
	}
	if o.PingInterval == 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = defaultPingTimeout
	}
	if o.RateWindow <= 0 {
		o.RateWindow = defaultRateWindow
	}
	if o.RateMax <= 0 {
		o.RateMax = defaultRateMax
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Server holds every local session and is the router's Deliverer.
type Server struct {
	router *router.Router
	db     *netdb.DB
	opts   Options

	mu       sync.RWMutex
	sessions map[string]*Session
	conns    map[*Session]struct{}
	pending  int
}

func New(r *router.Router, opts Options) *Server {
	s := &Server{
		router:   r,
		db:       r.DB(),
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
		conns:    make(map[*Session]struct{}),
	}
	r.SetDeliverer(s)
	return s
}

// Session is one connected client. Fields other than uid are only touched
// by the goroutine running Serve.
type Session struct {
	server *Server
	link   *link.Link
	host   string

	nick     string
	username string
	realName string
	uid      string

	limiter rateLimiter
}

func (s *Server) me() string {
	return s.db.LocalName()
}

// Deliver writes m to a local user. A session whose queue overflows closes
// itself and quits on its own goroutine.
func (s *Server) Deliver(uid string, m *irc.Message) {
	s.mu.RLock()
	sess := s.sessions[uid]
	s.mu.RUnlock()
	if sess == nil {
		return
	}
	_ = sess.link.Send(m)
}

// Disconnect drops a local user the network has already removed.
func (s *Server) Disconnect(uid, reason string) {
	s.mu.Lock()
	sess := s.sessions[uid]
	delete(s.sessions, uid)
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.link.Fail(reason)
}

// Shutdown closes every connection. Each session quits its user as it
// unwinds.
func (s *Server) Shutdown(reason string) {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.conns))
	for sess := range s.conns {
		all = append(all, sess)
	}
	s.mu.RUnlock()
	for _, sess := range all {
		sess.link.Fail(reason)
	}
}

// Count returns registered and unregistered sessions.
func (s *Server) Count() (registered, unregistered int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), s.pending
}

// Serve runs a client connection until it quits or fails.
func (s *Server) Serve(t link.Transport) {
	l := link.New(t, false, link.Options{SendQBytes: s.opts.SendQBytes, StallBytes: s.opts.SendQBytes / 2})
	sess := &Session{
		server:  s,
		link:    l,
		host:    hostOf(t.RemoteAddr()),
		limiter: rateLimiter{window: s.opts.RateWindow, max: s.opts.RateMax},
	}
	s.mu.Lock()
	s.pending++
	s.conns[sess] = struct{}{}
	s.mu.Unlock()

	go l.WritePump()
	go l.Keepalive(s.me(), s.opts.PingInterval, s.opts.PingTimeout)

	reason := "Client exited"
	for {
		line, err := l.ReadLine()
		if err != nil {
			if r := l.CloseReason(); r != "" {
				reason = r
			} else if !errors.Is(err, io.EOF) {
				reason = "Read error: " + err.Error()
			}
			break
		}
		m, err := irc.Parse(line)
		if errors.Is(err, irc.ErrEmptyLine) {
			continue
		}
		if err != nil {
			log.Printf("client %s: bad line: %v", sess.host, err)
			continue
		}
		if quit, done := sess.handle(m); done {
			reason = quit
			break
		}
	}
	sess.finish(reason)
}

// finish quits the user unless the network already removed it.
func (sess *Session) finish(reason string) {
	s := sess.server
	s.mu.Lock()
	delete(s.conns, sess)
	owned := false
	if sess.uid == "" {
		s.pending--
	} else if s.sessions[sess.uid] == sess {
		delete(s.sessions, sess.uid)
		owned = true
	}
	s.mu.Unlock()

	if owned {
		if err := s.router.Local(irc.NewMessage(sess.uid, irc.CmdQuit, reason)); err != nil {
			log.Printf("client %s quit: %v", sess.uid, err)
		}
	}
	sess.link.Fail(reason)
	sess.link.Wait()
}

func (sess *Session) send(m *irc.Message) {
	_ = sess.link.Send(m)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return addr
	}
	return host
}
