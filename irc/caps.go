package irc

import (
	"sort"
	"strings"
)

// Caps is the set of capability tokens a peer advertised in CAPAB.
type Caps map[string]bool

// ParseCaps splits a CAPAB parameter. Tokens are case-insensitive.
func ParseCaps(s string) Caps {
	caps := make(Caps)
	for _, tok := range strings.Fields(s) {
		caps[strings.ToUpper(tok)] = true
	}
	return caps
}

func (c Caps) Has(token string) bool {
	return c[strings.ToUpper(token)]
}

// String renders the set sorted, ready for a CAPAB line.
func (c Caps) String() string {
	out := make([]string, 0, len(c))
	for tok, ok := range c {
		if ok {
			out = append(out, tok)
		}
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}
