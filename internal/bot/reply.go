package bot

import (
	"strings"

	"t9/internal/irc"
)

// replier routes output for one received PRIVMSG.
type replier struct {
	s   *Session
	msg *irc.Message
}

// Respond answers in the channel, or in PM for private messages. Answers to
// lines from the console channel are logged instead.
func (r replier) Respond(text string) {
	target := strings.ToLower(r.msg.Param(0))
	switch {
	case target == r.s.cfg.ConsoleChannel:
		r.s.logger.Info(text)
	case irc.IsChannel(target):
		r.s.SendLine(irc.Msg(target, text))
	default:
		r.s.SendLine(irc.Msg(r.msg.Sender.Nick, text))
	}
}

// UserLog carries diagnostics: to bot-owned channels other than the console,
// to the sender in PM, and to the log for any other channel.
func (r replier) UserLog(text string) {
	target := strings.ToLower(r.msg.Param(0))
	switch {
	case !irc.IsChannel(target):
		r.s.SendLine(irc.Msg(r.msg.Sender.Nick, text))
	case r.s.engine.IsBotChannel(target) && target != r.s.cfg.ConsoleChannel:
		r.s.SendLine(irc.Msg(target, text))
	default:
		r.s.logger.Info(text, "channel", target)
	}
}
