// Package banlist synchronises channel ban, exception and invite-exception
// lists between servers that advertise BMASK.
package banlist

import (
	"fmt"
	"strconv"
	"strings"

	"ircnet/irc"
	"ircnet/netdb"
)

const (
	Capability = "BMASK"
	CmdBmask   = "BMASK"
)

var kinds = []byte{'b', 'e', 'I'}

type Module struct{}

func New() *Module {
	return &Module{}
}

func (m *Module) Capability() string {
	return Capability
}

func (m *Module) Commands() []string {
	return []string{CmdBmask}
}

// BurstChannel emits one or more BMASK lines per non-empty list.
func (m *Module) BurstChannel(db *netdb.DB, ch netdb.Channel) []*irc.Message {
	var out []*irc.Message
	ts := strconv.FormatInt(ch.TS, 10)
	for _, kind := range kinds {
		masks := ch.Masks(kind)
		if len(masks) == 0 {
			continue
		}
		head := irc.NewMessage(db.LocalName(), CmdBmask, ts, ch.Name, string(kind))
		out = append(out, irc.Pack(head, masks)...)
	}
	return out
}

// HandleMessage applies ":<server> BMASK <ts> <chan> <kind> :<masks>". Masks
// from a channel newer than ours are dropped; only masks we did not already
// have are forwarded.
func (m *Module) HandleMessage(db *netdb.DB, source string, msg *irc.Message) (*irc.Message, error) {
	if len(msg.Params) < 4 {
		return nil, fmt.Errorf("BMASK from %s: not enough parameters", source)
	}
	ts, err := strconv.ParseInt(msg.Params[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("BMASK from %s: bad ts %q", source, msg.Params[0])
	}
	kind := msg.Params[2]
	if len(kind) != 1 || !strings.Contains("beI", kind) {
		return nil, fmt.Errorf("BMASK from %s: bad list type %q", source, kind)
	}
	added, err := db.AddMasks(msg.Params[1], ts, kind[0], strings.Fields(msg.Params[3]))
	if err != nil {
		return nil, err
	}
	if len(added) == 0 {
		return nil, nil
	}
	fwd := msg.Copy()
	fwd.Params[3] = strings.Join(added, " ")
	return fwd, nil
}
