package irc

import (
	"errors"
	"strings"
)

// MaxLineLength is the framing limit for a single line, excluding CRLF.
const MaxLineLength = 510

var (
	ErrEmptyLine   = errors.New("empty line")
	ErrNoCommand   = errors.New("missing command")
	ErrLineTooLong = errors.New("line too long")
)

// Message is one protocol line: [:prefix ] COMMAND params... [:trailing]
type Message struct {
	Prefix  string
	Command string
	Params  []string
}

// NewMessage builds a message with an optional prefix.
func NewMessage(prefix, command string, params ...string) *Message {
	return &Message{Prefix: prefix, Command: command, Params: params}
}

// Parse parses a single line. Trailing CR/LF is ignored.
func Parse(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) > MaxLineLength*2 {
		return nil, ErrLineTooLong
	}
	line = strings.TrimLeft(line, " ")
	if line == "" {
		return nil, ErrEmptyLine
	}

	m := &Message{}
	if line[0] == ':' {
		idx := strings.IndexByte(line, ' ')
		if idx < 0 {
			return nil, ErrNoCommand
		}
		m.Prefix = line[1:idx]
		line = strings.TrimLeft(line[idx+1:], " ")
	}

	var trailing string
	hasTrailing := false
	if idx := strings.Index(line, " :"); idx >= 0 {
		trailing = line[idx+2:]
		hasTrailing = true
		line = line[:idx]
	} else if strings.HasPrefix(line, ":") {
		return nil, ErrNoCommand
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, ErrNoCommand
	}
	m.Command = strings.ToUpper(fields[0])
	m.Params = fields[1:]
	if hasTrailing {
		m.Params = append(m.Params, trailing)
	}
	return m, nil
}

// Param returns the i'th parameter or "" if it is absent.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// String formats the message without line terminator. The last parameter is
// written as trailing when it needs to be.
func (m *Message) String() string {
	var b strings.Builder
	if m.Prefix != "" {
		b.WriteByte(':')
		b.WriteString(m.Prefix)
		b.WriteByte(' ')
	}
	b.WriteString(m.Command)
	for i, p := range m.Params {
		b.WriteByte(' ')
		if i == len(m.Params)-1 && needsTrailing(p) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	return b.String()
}

// Copy returns a deep copy so callers can rewrite params before forwarding.
func (m *Message) Copy() *Message {
	c := &Message{Prefix: m.Prefix, Command: m.Command}
	c.Params = append([]string(nil), m.Params...)
	return c
}

func needsTrailing(p string) bool {
	return p == "" || strings.HasPrefix(p, ":") || strings.ContainsAny(p, " ")
}

// Pack appends items, space separated, as the trailing parameter of copies of
// head, starting a new line whenever the next item would push a line past
// MaxLineLength. No lines are returned for an empty item list.
func Pack(head *Message, items []string) []*Message {
	base := len(head.String()) + len(" :")
	var out []*Message
	var cur []string
	size := base
	flush := func() {
		if len(cur) == 0 {
			return
		}
		m := head.Copy()
		m.Params = append(m.Params, strings.Join(cur, " "))
		out = append(out, m)
		cur, size = nil, base
	}
	for _, it := range items {
		extra := len(it)
		if len(cur) > 0 {
			extra++
		}
		if len(cur) > 0 && size+extra > MaxLineLength {
			flush()
			extra = len(it)
		}
		cur = append(cur, it)
		size += extra
	}
	flush()
	return out
}
