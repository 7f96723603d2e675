package netdb

import (
	"sort"
	"strconv"
	"strings"
)

// applyFlagModes applies a "+abc-d" change to a set of single-letter flags
// and returns the new set in sorted order.
func applyFlagModes(current, change string) string {
	set := make(map[rune]bool, len(current))
	for _, r := range current {
		set[r] = true
	}
	adding := true
	for _, r := range change {
		switch r {
		case '+':
			adding = true
		case '-':
			adding = false
		default:
			if adding {
				set[r] = true
			} else {
				delete(set, r)
			}
		}
	}
	return sortedModes(set)
}

func sortedModes(set map[rune]bool) string {
	out := make([]rune, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return string(out)
}

// channelModeTakesArg reports whether a channel mode letter consumes an
// argument in the given direction.
func channelModeTakesArg(m rune, adding bool) bool {
	switch m {
	case 'o', 'v', 'b', 'e', 'I', 'k':
		return true
	case 'l':
		return adding
	}
	return false
}

// applyChannelModes mutates ch according to a TMODE/SJOIN mode string.
// Unknown member UIDs are skipped.
func applyChannelModes(ch *Channel, modestr string, args []string) {
	adding := true
	flags := make(map[rune]bool)
	for _, r := range ch.Modes {
		flags[r] = true
	}
	next := func() string {
		if len(args) == 0 {
			return ""
		}
		a := args[0]
		args = args[1:]
		return a
	}
	for _, m := range modestr {
		switch m {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		}
		var arg string
		if channelModeTakesArg(m, adding) {
			arg = next()
			if arg == "" {
				continue
			}
		}
		switch m {
		case 'o', 'v':
			f := FlagOp
			if m == 'v' {
				f = FlagVoice
			}
			cur, ok := ch.Members[arg]
			if !ok {
				continue
			}
			if adding {
				ch.Members[arg] = cur | f
			} else {
				ch.Members[arg] = cur &^ f
			}
		case 'b', 'e', 'I':
			list := ch.maskList(byte(m))
			if adding {
				*list = addMask(*list, arg)
			} else {
				*list = removeMask(*list, arg)
			}
		case 'k':
			if adding {
				ch.Key = arg
			} else {
				ch.Key = ""
			}
		case 'l':
			if adding {
				if n, err := strconv.Atoi(arg); err == nil && n > 0 {
					ch.Limit = n
				}
			} else {
				ch.Limit = 0
			}
		default:
			if adding {
				flags[m] = true
			} else {
				delete(flags, m)
			}
		}
	}
	ch.Modes = sortedModes(flags)
}

func (c *Channel) maskList(kind byte) *[]string {
	switch kind {
	case 'e':
		return &c.Excepts
	case 'I':
		return &c.Invex
	}
	return &c.Bans
}

func addMask(list []string, mask string) []string {
	for _, m := range list {
		if strings.EqualFold(m, mask) {
			return list
		}
	}
	return append(list, mask)
}

func removeMask(list []string, mask string) []string {
	out := list[:0]
	for _, m := range list {
		if !strings.EqualFold(m, mask) {
			out = append(out, m)
		}
	}
	return out
}
