package daemon

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/gin-gonic/gin"

	"ircnet/link"
)

func (d *Daemon) listenAll() error {
	if d.cfg.LinkAddr != "" {
		ln, err := net.Listen("tcp", d.cfg.LinkAddr)
		if err != nil {
			return fmt.Errorf("link listener: %w", err)
		}
		d.ServeLinks(ln)
	}
	if d.cfg.LinkTLSAddr != "" || d.cfg.LinkQUICAddr != "" {
		conf, err := d.tlsConfig()
		if err != nil {
			return err
		}
		if d.cfg.LinkTLSAddr != "" {
			ln, err := tls.Listen("tcp", d.cfg.LinkTLSAddr, conf)
			if err != nil {
				return fmt.Errorf("tls link listener: %w", err)
			}
			d.ServeLinks(ln)
		}
		if d.cfg.LinkQUICAddr != "" {
			ln, err := link.ListenQUIC(d.cfg.LinkQUICAddr, conf)
			if err != nil {
				return err
			}
			d.ServeQUIC(ln)
		}
	}
	if d.cfg.ClientAddr != "" {
		ln, err := net.Listen("tcp", d.cfg.ClientAddr)
		if err != nil {
			return fmt.Errorf("client listener: %w", err)
		}
		d.ServeClients(ln)
	}
	return nil
}

func (d *Daemon) tlsConfig() (*tls.Config, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.serverTLS == nil {
		conf, err := link.ServerTLSConfig(d.cfg.ServerName, d.cfg.TLSCert, d.cfg.TLSKey)
		if err != nil {
			return nil, err
		}
		if d.cfg.TLSCert == "" {
			log.Printf("no IRCD_TLS_CERT set, using a self-signed certificate")
		}
		d.serverTLS = conf
	}
	return d.serverTLS, nil
}

func (d *Daemon) track(ln interface{ Close() error }) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = ln.Close()
		return false
	}
	d.listeners = append(d.listeners, ln)
	return true
}

// ServeLinks accepts server links on ln until Shutdown.
func (d *Daemon) ServeLinks(ln net.Listener) {
	if !d.track(ln) {
		return
	}
	log.Printf("Accepting server links on %s", ln.Addr())
	d.goFunc(func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Printf("link accept error: %v", err)
				}
				return
			}
			d.goFunc(func() { d.Accept(link.NewStreamTransport(conn)) })
		}
	})
}

// ServeQUIC accepts server links over QUIC until Shutdown.
func (d *Daemon) ServeQUIC(ln *link.QUICListener) {
	if !d.track(ln) {
		return
	}
	log.Printf("Accepting QUIC server links on %s", ln.Addr())
	d.goFunc(func() {
		for {
			t, err := ln.Accept(d.ctx)
			if err != nil {
				if d.ctx.Err() == nil {
					log.Printf("quic accept error: %v", err)
				}
				return
			}
			d.goFunc(func() { d.Accept(t) })
		}
	})
}

// ServeClients accepts user connections on ln until Shutdown.
func (d *Daemon) ServeClients(ln net.Listener) {
	if !d.track(ln) {
		return
	}
	log.Printf("Accepting clients on %s", ln.Addr())
	d.goFunc(func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Printf("client accept error: %v", err)
				}
				return
			}
			d.metrics.clientsAccepted.Add(1)
			d.goFunc(func() { d.clients.Serve(link.NewStreamTransport(conn)) })
		}
	})
}

// HandleLinkSocket upgrades GET /link to a websocket server link.
func (d *Daemon) HandleLinkSocket(c *gin.Context) {
	conn, err := link.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Println("WebSocket upgrade failed:", err)
		return
	}
	d.Accept(link.NewWebsocketTransport(conn))
}
