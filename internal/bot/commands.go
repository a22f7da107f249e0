package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/shlex"

	"t9/internal/config"
	"t9/internal/execproto"
	"t9/internal/functions"
	"t9/internal/irc"
	"t9/internal/metrics"
)

const (
	apkHelpURL  = "https://wiki.alpinelinux.org/wiki/Alpine_Linux_package_management"
	apkTimeout  = 300
	inspectTime = "2006-01-02 15:04:05"
)

// command is one invocation of a built-in command.
type command struct {
	functions.Invocation
	name string // as typed, without the leader
	args string
}

func (c *command) nick() string   { return c.Msg.Sender.Nick }
func (c *command) target() string { return c.Msg.Param(0) }

type commandFunc func(ctx context.Context, c *command) error

// commandTable holds the built-in commands by scope. Keys are lower case
// with "-" mapped to "_".
type commandTable struct {
	leaders string
	public  map[string]commandFunc
	channel map[string]commandFunc
	pm      map[string]commandFunc
}

func newCommandTable(s *Session) *commandTable {
	return &commandTable{
		leaders: s.cfg.CommandLeaders,
		public: map[string]commandFunc{
			"help": s.cmdHelp,
			"rm":   s.cmdRemove,
		},
		channel: map[string]commandFunc{
			"exec":    s.cmdExec,
			"echo":    s.cmdEcho,
			"apt_get": s.cmdAptGet,
			"apk":     s.cmdApk,
			"inspect": s.cmdInspect,
			"restart": s.cmdRestart,
			"ro":      s.cmdWriteLock,
			"rw":      s.cmdWriteLock,
			"secret":  s.cmdSecretInChannel,
			"status":  s.cmdStatus,
		},
		pm: map[string]commandFunc{
			"secret": s.cmdSecret,
			"help":   s.cmdHelp,
		},
	}
}

// candidate reports whether text starts with a command leader.
func (t *commandTable) candidate(text string) bool {
	r, _ := utf8.DecodeRuneInString(text)
	return text != "" && strings.ContainsRune(t.leaders, r)
}

func (t *commandTable) handle(ctx context.Context, s *Session, inv functions.Invocation) error {
	text := inv.Msg.Trailing
	if !t.candidate(text) {
		s.logger.Debug("missing command leader")
		return nil
	}
	_, size := utf8.DecodeRuneInString(text)
	name, args, _ := strings.Cut(text[size:], " ")
	key := strings.ReplaceAll(strings.ToLower(name), "-", "_")
	c := &command{Invocation: inv, name: name, args: args}

	run := func(fn commandFunc) error {
		s.logger.Info("command triggered", "command", name, "line", inv.Msg.Raw())
		metrics.CommandsRun.Inc()
		return fn(ctx, c)
	}

	if irc.IsChannel(c.target()) {
		if fn, ok := t.public[key]; ok {
			return run(fn)
		}
		if !s.engine.IsBotChannel(c.target()) {
			s.logger.Warn("ignoring possible command in a channel the bot does not own", "channel", c.target())
			return nil
		}
		if fn, ok := t.channel[key]; ok {
			return run(fn)
		}
		c.Reply.UserLog("Unknown command " + name)
		return nil
	}

	if fn, ok := t.pm[key]; ok {
		return run(fn)
	}
	c.Reply.UserLog(fmt.Sprintf("Unknown PM command %s - most commands only available in t9 channels", name))
	return nil
}

func (s *Session) cmdHelp(_ context.Context, c *command) error {
	c.Reply.Respond(s.cfg.Help)
	return nil
}

func (s *Session) cmdRemove(ctx context.Context, c *command) error {
	c.Reply.Respond(s.engine.Delete(ctx, c.args))
	return nil
}

// cmdExec runs $exec [-t N | -tN] command.
func (s *Session) cmdExec(ctx context.Context, c *command) error {
	args := c.args
	words := strings.Split(args, " ")
	timeArg := ""
	switch {
	case words[0] == "-t":
		if len(words) < 2 {
			c.Reply.UserLog("Missing time limit after -t")
			return nil
		}
		timeArg = words[1]
		args = strings.Join(words[2:], " ")
	case strings.HasPrefix(words[0], "-t"):
		timeArg = words[0][2:]
		args = strings.Join(words[1:], " ")
	}

	limit := s.cfg.DefaultExecTime.Seconds()
	if timeArg != "" {
		tl, err := config.ParseTimeLimit(timeArg)
		if err != nil {
			c.Reply.UserLog("Invalid time limit for -t")
			return nil
		}
		limit = tl.Seconds()
	}
	if limit > s.cfg.MaxExecTime.Seconds() {
		c.Reply.UserLog(fmt.Sprintf("Time limit must be <= %d", s.cfg.MaxExecTime.Seconds()))
		return nil
	}
	return s.engine.ExecCommand(ctx, c.Invocation, args, limit)
}

func (s *Session) cmdEcho(_ context.Context, c *command) error {
	s.SendLine(irc.Msg(c.target(), strings.TrimRight(c.args, " \t")))
	return nil
}

func (s *Session) cmdAptGet(_ context.Context, c *command) error {
	c.Reply.Respond("The exec container now uses Alpine Linux which uses the APK package manager -- see $apk [help]")
	return nil
}

func (s *Session) cmdApk(ctx context.Context, c *command) error {
	switch strings.ToLower(strings.TrimSpace(c.args)) {
	case "help", "-h", "--help":
		c.Reply.Respond(apkHelpURL)
		return nil
	}
	argv, err := shlex.Split(c.args)
	if err != nil {
		c.Reply.Respond("apk: " + err.Error())
		return nil
	}

	s.apkMu.Lock()
	defer s.apkMu.Unlock()

	c.Reply.UserLog("Running apk ...")
	res, err := s.exec.Exec(ctx, execproto.Request{
		Cmd:     append([]string{"apk"}, argv...),
		Timeout: apkTimeout,
	})
	if errors.Is(err, execproto.ErrTimedOut) {
		c.Reply.Respond("apk timed out")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apk: %w", err)
	}
	c.Reply.Respond(fmt.Sprintf("apk exited %d", res.ExitCode))
	if res.ExitCode != 0 {
		if line := lastLine(string(res.Stderr)); line != "" {
			c.Reply.Respond("apk: " + line)
		}
	}
	return nil
}

func (s *Session) cmdInspect(_ context.Context, c *command) error {
	def, ok := s.engine.Inspect(c.args)
	if !ok {
		c.Reply.Respond(fmt.Sprintf("Function %q does not exist", c.args))
		return nil
	}
	c.Reply.Respond(fmt.Sprintf("%s <%s> %s \x0311-!-\x03 set by %s on %s",
		def.Trigger, def.Parent, def.Body, def.Setter, def.SetTime.UTC().Format(inspectTime)))
	return nil
}

// cmdRestart asks the exec host to exit and waits for its supervisor to
// bring it back.
func (s *Session) cmdRestart(ctx context.Context, c *command) error {
	c.Reply.UserLog("Waiting for any running functions to finish before $restart ...")
	release, err := s.gate.Exclusive(ctx)
	if err != nil {
		return err
	}
	defer release()

	c.Reply.Respond("Restarting exec server ...")
	s.exec.Shutdown(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.timing.RestartSettle):
	}

	online := false
	s.logger.Debug("polling exec server until it is online")
	for i := 0; i < s.timing.StatusPolls && !online; i++ {
		status, err := s.exec.Status(ctx, s.timing.StatusTimeout)
		switch {
		case err == nil:
			s.logger.Debug("exec server is online", "status", status)
			online = true
		case errors.Is(err, execproto.ErrTimedOut):
			s.logger.Debug("exec server poll timed out")
		default:
			s.logger.Debug("exec server poll failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.timing.StatusTimeout):
			}
		}
	}

	if online {
		c.Reply.Respond("Restart completed successfully")
		return nil
	}
	c.Reply.Respond("Exec server did not come back up in the expected time frame. $exec functions will fail until the exec server is online.")
	s.logger.Error("exec server did not come back up after $restart")
	return nil
}

func (s *Session) cmdSecretInChannel(_ context.Context, c *command) error {
	c.Reply.Respond("Command $secret is only available in PM. If you just sent credentials they should be revoked and reissued.")
	return nil
}

// cmdStatus reports on the exec host and the bot.
func (s *Session) cmdStatus(ctx context.Context, c *command) error {
	host := "ok"
	if _, err := s.exec.Status(ctx, s.timing.StatusTimeout); err != nil {
		host = "unreachable"
		s.logger.Debug("status check failed", "err", err)
	}
	c.Reply.Respond(fmt.Sprintf("exec server %s | %d running | %d functions | %d channels",
		host, s.gate.InFlight(), s.engine.Table().Len(), len(s.tracker.Joined())))
	return nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexAny(s, "\r\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}
