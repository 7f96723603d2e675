package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ircnet/db"
	"ircnet/irc"
	"ircnet/link"
	"ircnet/router"
)

// establish runs the handshake on a fresh transport and enters the link into
// the network. On error the link is already closed and forgotten.
func (d *Daemon) establish(t link.Transport, outbound bool, expect string) (*link.Link, error) {
	l := link.New(t, outbound, d.linkOptions())
	d.links.Add(l)
	go l.WritePump()

	h := link.NewHandshake(d.handshakeConfig(), l, expect)
	if err := h.Run(); err != nil {
		d.links.Remove(l)
		l.Wait()
		d.metrics.handshakeFailures.Add(1)
		event := "handshake"
		var he *link.Error
		if errors.As(err, &he) {
			event = "handshake-" + he.Kind.String()
		}
		log.Printf("link %s (%s): handshake failed: %v", l.ID, t.RemoteAddr(), err)
		d.notify(event, fmt.Sprintf("%s: %v", t.RemoteAddr(), err))
		return nil, err
	}

	if err := d.router.LinkUp(l); err != nil {
		l.Fail(err.Error())
		d.links.Remove(l)
		l.Wait()
		d.metrics.handshakeFailures.Add(1)
		log.Printf("link %s (%s): %v", l.ID, l.PeerName(), err)
		return nil, err
	}
	if outbound {
		d.metrics.linksDialed.Add(1)
	} else {
		d.metrics.linksAccepted.Add(1)
	}
	return l, nil
}

// serve reads a registered link until it closes, then runs the cascade.
func (d *Daemon) serve(l *link.Link) {
	go l.Keepalive(d.cfg.ServerName, d.cfg.PingInterval, d.cfg.PingTimeout)

	reason := ""
	for {
		line, err := l.ReadLine()
		if err != nil {
			reason = l.CloseReason()
			if reason == "" {
				reason = "Read error: " + err.Error()
			}
			break
		}
		d.metrics.linesIn.Add(1)
		m, err := irc.Parse(line)
		if errors.Is(err, irc.ErrEmptyLine) {
			continue
		}
		if err != nil {
			reason = d.protocolError(l, line, err)
			break
		}
		err = d.router.Dispatch(l, m)
		if err == nil {
			continue
		}
		if errors.Is(err, router.ErrProtocol) {
			reason = d.protocolError(l, line, err)
			break
		}
		if errors.Is(err, router.ErrPeerError) {
			reason = m.Param(0)
			l.Close(reason)
			break
		}
		if errors.Is(err, router.ErrNotLinked) {
			// Already torn down by a SQUIT or a send queue overflow.
			reason = l.CloseReason()
			break
		}
		log.Printf("link %s (%s): %s: %v", l.ID, l.PeerName(), m.Command, err)
	}

	d.router.LinkDown(l, reason)
	l.Close(reason)
	l.Wait()
	d.metrics.linksLost.Add(1)
}

func (d *Daemon) protocolError(l *link.Link, line string, err error) string {
	d.metrics.protocolErrors.Add(1)
	log.Printf("link %s (%s): protocol violation on %q: %v", l.ID, l.PeerName(), line, err)
	d.notify("protocol", fmt.Sprintf("%s: %v", l.PeerName(), err))
	reason := "Protocol violation: " + err.Error()
	l.Fail(reason)
	return reason
}

// Accept runs an inbound connection to completion.
func (d *Daemon) Accept(t link.Transport) {
	if d.isClosed() {
		_ = t.Close()
		return
	}
	l, err := d.establish(t, false, "")
	if err != nil {
		return
	}
	d.serve(l)
}

// Connect dials the link block called name and returns once the link is
// registered or has failed. The link is then served in the background.
func (d *Daemon) Connect(ctx context.Context, name string) error {
	block, err := d.store.GetLink(name)
	if err != nil {
		return err
	}
	return d.connect(ctx, block)
}

func (d *Daemon) connect(ctx context.Context, block db.Link) error {
	if d.isClosed() {
		return ErrShuttingDown
	}
	if d.router.Linked(block.Name) || d.links.NameInUse(block.Name) {
		return fmt.Errorf("%s: %w", block.Name, ErrAlreadyLinked)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()
	t, err := link.Dial(dialCtx, block.Transport, block.Address, d.clientTLS)
	if err != nil {
		return err
	}
	l, err := d.establish(t, true, block.Name)
	if err != nil {
		return err
	}
	d.goFunc(func() { d.serve(l) })
	return nil
}

// Squit drops a server by name, routing the request if it is remote.
func (d *Daemon) Squit(name, reason string) error {
	if reason == "" {
		reason = "Requested by operator"
	}
	return d.router.Squit(name, reason)
}
