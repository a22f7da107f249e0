package functions

import (
	"strconv"
	"strings"
)

// UnknownField is rendered in place of a template field that does not exist.
const UnknownField = "{UNKNOWN FIELD}"

// EchoData is what an echo body can refer to.
type EchoData struct {
	Nick    string
	Channel string
	Input   string
	Stack   []string // frame bodies, innermost first
	Match   *RegexMatch
}

// RenderEcho expands {field}, {field.item} and {field=default} references.
// {{ and }} produce literal braces; a brace that opens no complete field is
// copied through unchanged.
func RenderEcho(tmpl string, data EchoData) string {
	var sb strings.Builder
	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch {
		case c == '{' && strings.HasPrefix(tmpl[i:], "{{"):
			sb.WriteByte('{')
			i += 2
		case c == '}' && strings.HasPrefix(tmpl[i:], "}}"):
			sb.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				sb.WriteString(tmpl[i:])
				return sb.String()
			}
			field := tmpl[i+1 : i+1+end]
			if field == "" {
				sb.WriteString("{}")
			} else {
				sb.WriteString(data.field(field))
			}
			i += end + 2
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String()
}

func (d EchoData) field(spec string) string {
	name, def, _ := strings.Cut(spec, "=")
	name, item, hasItem := strings.Cut(name, ".")

	var value string
	switch name {
	case "nick":
		value = d.Nick
	case "channel":
		value = d.Channel
	case "input":
		value = d.Input
	case "stack":
		if !hasItem {
			value = strings.Join(d.Stack, " ")
			break
		}
		if n, err := strconv.Atoi(item); err == nil && n >= 0 && n < len(d.Stack) {
			value = d.Stack[n]
		}
	case "match":
		if !hasItem {
			if d.Match != nil {
				value = d.Match.Full
			}
			break
		}
		value, _ = d.Match.Lookup(item)
	default:
		return UnknownField
	}

	if value == "" {
		return def
	}
	return value
}
