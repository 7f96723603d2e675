package irc

import "strings"

// Fold lowercases s using rfc1459 casemapping, where []\~ are the uppercase
// forms of {}|^.
func Fold(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		case r == '~':
			return '^'
		}
		return r
	}, s)
}

// Equal reports whether a and b are the same name under rfc1459 casemapping.
func Equal(a, b string) bool {
	return Fold(a) == Fold(b)
}

// IsChannel reports whether name is a channel name.
func IsChannel(name string) bool {
	return len(name) > 1 && (name[0] == '#' || name[0] == '&')
}

// ValidNick checks nickname syntax. Length is not enforced here; links carry
// whatever the introducing server accepted.
func ValidNick(nick string) bool {
	if nick == "" {
		return false
	}
	for i, r := range nick {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case strings.ContainsRune("[]\\`_^{|}", r):
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// ValidServerName requires at least one dot, like real server names.
func ValidServerName(name string) bool {
	if name == "" || !strings.Contains(name, ".") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
