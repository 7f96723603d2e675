package daemon

import (
	"sync/atomic"
	"time"
)

// Metrics counts connection level events. Network state counts come from
// the database itself.
type Metrics struct {
	started           time.Time
	linksAccepted     atomic.Uint64
	linksDialed       atomic.Uint64
	handshakeFailures atomic.Uint64
	linksLost         atomic.Uint64
	protocolErrors    atomic.Uint64
	linesIn           atomic.Uint64
	clientsAccepted   atomic.Uint64
}

type Snapshot struct {
	UptimeSeconds     int64  `json:"uptime_seconds"`
	LinksAccepted     uint64 `json:"links_accepted"`
	LinksDialed       uint64 `json:"links_dialed"`
	HandshakeFailures uint64 `json:"handshake_failures"`
	LinksLost         uint64 `json:"links_lost"`
	ProtocolErrors    uint64 `json:"protocol_errors"`
	LinesIn           uint64 `json:"lines_in"`
	ClientsAccepted   uint64 `json:"clients_accepted"`
}

func newMetrics() *Metrics {
	return &Metrics{started: time.Now()}
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:     int64(time.Since(m.started).Seconds()),
		LinksAccepted:     m.linksAccepted.Load(),
		LinksDialed:       m.linksDialed.Load(),
		HandshakeFailures: m.handshakeFailures.Load(),
		LinksLost:         m.linksLost.Load(),
		ProtocolErrors:    m.protocolErrors.Load(),
		LinesIn:           m.linesIn.Load(),
		ClientsAccepted:   m.clientsAccepted.Load(),
	}
}
