package link

import (
	"time"

	"ircnet/irc"
)

// Keepalive pings the peer after interval of silence and closes the link if
// nothing arrives within timeout of the ping. It returns when the link closes.
func (l *Link) Keepalive(localName string, interval, timeout time.Duration) {
	if interval <= 0 {
		return
	}
	tick := interval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var pingSent time.Time
	for {
		select {
		case <-l.Done():
			return
		case now := <-ticker.C:
			last := l.LastActivity()
			if !pingSent.IsZero() {
				if last.After(pingSent) {
					pingSent = time.Time{}
				} else if now.Sub(pingSent) > timeout {
					l.Close("Ping timeout: " + timeout.String())
					return
				}
				continue
			}
			if now.Sub(last) >= interval {
				pingSent = now
				_ = l.Send(irc.NewMessage(localName, irc.CmdPing, localName))
			}
		}
	}
}
