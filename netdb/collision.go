package netdb

import (
	"strings"

	"ircnet/irc"
)

// Collision describes a resolved nick collision. Only the owning server of
// Loser acts on it; everyone else just records the outcome.
type Collision struct {
	Nick        string
	Winner      string
	Loser       string
	LoserServer string
}

// IncomingLoses decides a nick collision between an existing user and an
// incoming introduction or nick change. The older timestamp wins. On equal
// timestamps the user on the server whose folded name sorts higher loses, so
// both sides of a link reach the same answer without talking.
func IncomingLoses(existingTS int64, existingServer string, incomingTS int64, incomingServer string) bool {
	if existingTS != incomingTS {
		return incomingTS > existingTS
	}
	fe, fi := irc.Fold(existingServer), irc.Fold(incomingServer)
	if fe != fi {
		return fi > fe
	}
	return true
}

// SaveNick is the nick a collision loser is renamed to. It is derived from
// the UID so it cannot collide with anything else on the network.
func SaveNick(uid string) string {
	return "u" + strings.ReplaceAll(uid, "-", "")
}
