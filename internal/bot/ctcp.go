package bot

import (
	"strings"

	"github.com/google/shlex"

	"t9/internal/irc"
)

const ctcpDelim = "\x01"

// isCTCP reports whether text is a \x01-delimited CTCP request.
func isCTCP(text string) bool {
	return len(text) >= 2 && strings.HasPrefix(text, ctcpDelim) && strings.HasSuffix(text, ctcpDelim)
}

// handleCTCP answers VERSION and PING. Anything else, DCC included, is only
// logged.
func (s *Session) handleCTCP(msg *irc.Message) {
	body := strings.Trim(msg.Trailing, ctcpDelim)
	args, err := shlex.Split(body)
	if err != nil || len(args) == 0 {
		args = strings.Fields(body)
	}
	if len(args) == 0 {
		return
	}
	nick := msg.Sender.Nick

	switch verb := strings.ToUpper(args[0]); verb {
	case "VERSION":
		s.SendLine(irc.Notice(nick, ctcpDelim+"VERSION t9 "+s.version+ctcpDelim))
	case "PING":
		_, rest, _ := strings.Cut(body, " ")
		reply := "PING"
		if rest != "" {
			reply += " " + rest
		}
		s.SendLine(irc.Notice(nick, ctcpDelim+reply+ctcpDelim))
	case "DCC":
		sub := ""
		if len(args) > 1 {
			sub = args[1]
		}
		s.logger.Info("ignoring DCC request, file transfer is not supported", "from", nick, "dcc", sub)
	default:
		s.logger.Debug("unhandled CTCP command", "command", verb, "from", nick)
	}
}
