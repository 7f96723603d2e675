// Package daemon ties connections to the linking core: it runs handshakes,
// hands registered links to the router, feeds their traffic into it and
// keeps configured links up.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"ircnet/auth"
	"ircnet/client"
	"ircnet/db"
	"ircnet/extension"
	"ircnet/extension/banlist"
	"ircnet/irc"
	"ircnet/link"
	"ircnet/netdb"
	"ircnet/router"
)

var (
	ErrAlreadyLinked = errors.New("server is already linked")
	ErrShuttingDown  = errors.New("daemon is shutting down")
)

// baseCaps are advertised on every link in addition to extension
// capabilities.
var baseCaps = []string{"QS", "UID"}

type Daemon struct {
	cfg     Config
	store   *db.Store
	netdb   *netdb.DB
	links   *link.Registry
	ext     *extension.Registry
	router  *router.Router
	clients *client.Server
	metrics *Metrics

	serverTLS *tls.Config
	clientTLS *tls.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []io.Closer
	closed    bool
}

// New builds the core around store. Nothing listens until Start.
func New(cfg Config, store *db.Store) (*Daemon, error) {
	if !irc.ValidServerName(cfg.ServerName) {
		return nil, fmt.Errorf("invalid server name %q", cfg.ServerName)
	}
	switch cfg.CollisionPolicy {
	case "", router.PolicyRename, router.PolicyKill:
	default:
		return nil, fmt.Errorf("unknown collision policy %q", cfg.CollisionPolicy)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}

	ext := extension.NewRegistry()
	if err := ext.Register(banlist.New()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:       cfg,
		store:     store,
		netdb:     netdb.New(cfg.ServerName, cfg.Description),
		links:     link.NewRegistry(),
		ext:       ext,
		metrics:   newMetrics(),
		clientTLS: link.ClientTLSConfig(cfg.VerifyPeerCerts),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.router = router.New(d.netdb, d.links, ext, router.Config{
		CollisionPolicy: cfg.CollisionPolicy,
		Notify:          d.notify,
	})
	d.clients = client.New(d.router, client.Options{
		SendQBytes:   cfg.ClientSendQBytes,
		PingInterval: cfg.PingInterval,
		PingTimeout:  cfg.PingTimeout,
	})
	return d, nil
}

func (d *Daemon) Router() *router.Router  { return d.router }
func (d *Daemon) Clients() *client.Server { return d.clients }
func (d *Daemon) Store() *db.Store        { return d.store }
func (d *Daemon) Metrics() *Metrics       { return d.metrics }
func (d *Daemon) Config() Config          { return d.cfg }

// notify is the router's operator sink: every notification lands in the
// audit table.
func (d *Daemon) notify(event, detail string) {
	if d.store == nil {
		return
	}
	if _, err := d.store.InsertAudit(event, detail); err != nil {
		log.Printf("audit: %v", err)
	}
}

func (d *Daemon) caps() irc.Caps {
	caps := irc.ParseCaps(strings.Join(baseCaps, " "))
	for _, c := range d.ext.Capabilities() {
		caps[c] = true
	}
	return caps
}

func (d *Daemon) handshakeConfig() link.HandshakeConfig {
	return link.HandshakeConfig{
		LocalName:   d.cfg.ServerName,
		Description: d.cfg.Description,
		Caps:        d.caps(),
		Lookup: func(name string) (link.Block, bool) {
			l, err := d.store.GetLink(name)
			if err != nil {
				if !errors.Is(err, db.ErrLinkNotFound) {
					log.Printf("link block %s: %v", name, err)
				}
				return link.Block{}, false
			}
			return link.Block{Name: l.Name, SendPassword: l.SendPassword, AcceptHash: l.AcceptHash}, true
		},
		CheckPassword: auth.CheckPassword,
		KnownServer:   d.netdb.HasServer,
		Registry:      d.links,
		Timeout:       d.cfg.HandshakeTimeout,
	}
}

func (d *Daemon) linkOptions() link.Options {
	return link.Options{SendQBytes: d.cfg.SendQBytes, StallBytes: d.cfg.StallBytes}
}

// Start opens every configured listener and the autoconnect scheduler.
func (d *Daemon) Start() error {
	if err := d.listenAll(); err != nil {
		d.Shutdown()
		return err
	}
	cm := newConnMan(d, d.cfg.ReconnectMin, d.cfg.ReconnectMax)
	d.goFunc(func() { cm.run(d.ctx) })
	d.goFunc(func() { d.pruneAudit(d.ctx) })
	return nil
}

func (d *Daemon) goFunc(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Daemon) pruneAudit(ctx context.Context) {
	if d.store == nil || d.cfg.AuditMaxAge <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.PruneAudit(time.Now().Add(-d.cfg.AuditMaxAge))
			if err != nil {
				log.Printf("audit prune: %v", err)
			} else if n > 0 {
				log.Printf("audit prune: removed %d entries", n)
			}
		}
	}
}

// Shutdown closes listeners and every link. Peers see ERROR and run their
// own cascade.
func (d *Daemon) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	listeners := d.listeners
	d.listeners = nil
	d.mu.Unlock()

	d.cancel()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, l := range d.links.All() {
		l.Fail("Server shutting down")
	}
	d.clients.Shutdown("Server shutting down")
	d.wg.Wait()
}

func (d *Daemon) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
