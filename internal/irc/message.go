// Package irc implements the line-oriented chat wire protocol: parsing and
// serializing single lines and framing a byte stream into messages.
package irc

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	prefixMarker   = ":"
	trailingMarker = ":"
)

// EOL terminates every line on the wire.
var EOL = []byte("\r\n")

var (
	ErrEmptyLine   = errors.New("empty line")
	ErrInvalidUTF8 = errors.New("line is not valid utf-8")
)

var senderPattern = regexp.MustCompile(`^([^!]+)!([^@]+)@(.+)$`)

// Sender is the nick!user@host form of a message prefix. All fields are
// empty when the prefix is absent or does not have that shape.
type Sender struct {
	Nick string
	User string
	Host string
}

func (s Sender) String() string {
	return s.Nick + "!" + s.User + "@" + s.Host
}

// ParseSender splits a raw prefix into nick, user and host.
func ParseSender(prefix string) Sender {
	m := senderPattern.FindStringSubmatch(strings.TrimSpace(prefix))
	if m == nil {
		return Sender{}
	}
	return Sender{Nick: m[1], User: m[2], Host: m[3]}
}

// Message is one parsed protocol line. Treat it as immutable once parsed.
type Message struct {
	Prefix      string
	Command     string
	Params      []string
	Trailing    string
	HasTrailing bool
	Sender      Sender

	raw string
}

// Parse decodes one line with the CRLF delimiter already removed.
func Parse(line []byte) (*Message, error) {
	if !utf8.Valid(line) {
		return nil, ErrInvalidUTF8
	}
	raw := string(line)

	tokens := strings.Split(strings.TrimSpace(raw), " ")
	if len(tokens) == 0 || tokens[0] == "" {
		return nil, ErrEmptyLine
	}

	msg := &Message{raw: raw}
	if strings.HasPrefix(tokens[0], prefixMarker) {
		msg.Prefix = tokens[0][len(prefixMarker):]
		msg.Sender = ParseSender(msg.Prefix)
		tokens = tokens[1:]
	}
	if len(tokens) == 0 || tokens[0] == "" {
		return nil, fmt.Errorf("parse %q: missing command", raw)
	}
	msg.Command = tokens[0]

	var text []string
	for _, tok := range tokens[1:] {
		if msg.HasTrailing {
			text = append(text, tok)
			continue
		}
		trimmed := strings.TrimSpace(tok)
		if trimmed == "" {
			continue
		}
		if left := strings.TrimLeft(tok, " \t"); strings.HasPrefix(left, trailingMarker) {
			msg.HasTrailing = true
			text = append(text, left[len(trailingMarker):])
			continue
		}
		msg.Params = append(msg.Params, trimmed)
	}
	msg.Trailing = strings.Join(text, " ")
	return msg, nil
}

// Raw returns the line as received, or the serialized form for messages
// built in code.
func (m *Message) Raw() string {
	if m.raw != "" {
		return m.raw
	}
	return m.serialize()
}

// String serializes the message. Received lines reproduce their original text.
func (m *Message) String() string {
	return m.Raw()
}

func (m *Message) serialize() string {
	parts := make([]string, 0, len(m.Params)+3)
	if m.Prefix != "" {
		parts = append(parts, prefixMarker+m.Prefix)
	}
	parts = append(parts, m.Command)
	parts = append(parts, m.Params...)
	if m.HasTrailing {
		parts = append(parts, trailingMarker+m.Trailing)
	}
	return strings.Join(parts, " ")
}

// Param returns the i-th parameter or "" if there are not that many.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Target is the first parameter: the channel or nick a PRIVMSG was sent to.
func (m *Message) Target() string {
	return m.Param(0)
}

// IsChannel reports whether name looks like a channel rather than a nick.
func IsChannel(name string) bool {
	return strings.HasPrefix(name, "#")
}

// FoldChannel is the canonical (case-folded) form of a channel name.
func FoldChannel(name string) string {
	return strings.ToLower(name)
}

// Msg builds a PRIVMSG line.
func Msg(target, text string) string {
	return "PRIVMSG " + target + " :" + text
}

// Notice builds a NOTICE line.
func Notice(target, text string) string {
	return "NOTICE " + target + " :" + text
}
