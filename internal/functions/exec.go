package functions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/shlex"

	"t9/internal/domain"
	"t9/internal/execproto"
	"t9/internal/gate"
	"t9/internal/metrics"
)

const (
	// ExecUser and ExecWorkingDir are what user code runs as on the exec host.
	ExecUser       = "user:user"
	ExecWorkingDir = "/home/user"

	// longRunNotice is the timeout above which the caller is warned up front.
	longRunNotice = 90
)

// ExecClient is the part of the exec host client the executor needs.
type ExecClient interface {
	Exec(ctx context.Context, req execproto.Request) (*execproto.Result, error)
}

type ExecutorConfig struct {
	Client     ExecClient
	Gate       *gate.Gate
	Secrets    domain.SecretStore // optional
	Paster     domain.Paster      // optional
	Locale     string
	PythonUTF8 bool
	UserDB     map[string]string
	Logger     *slog.Logger
}

// Executor runs exec calls against the exec host and reports the outcome.
type Executor struct {
	cfg    ExecutorConfig
	logger *slog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.New()
	}
	if cfg.Locale == "" {
		cfg.Locale = "C"
	}
	return &Executor{cfg: cfg, logger: cfg.Logger.With("component", "exec")}
}

// Call is one exec invocation.
type Call struct {
	Invocation
	Func    string // innermost trigger, "" for a direct call
	Body    string
	Input   string
	Stack   []Frame
	Match   *RegexMatch
	Timeout int    // seconds
	Owner   string // whose secrets are injected, "" for none
}

// Argv splits body into arguments and strips leading dashes from the first.
func Argv(body string) ([]string, error) {
	args, err := shlex.Split(body)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		args[0] = strings.TrimLeft(args[0], "-")
		if args[0] == "" {
			args = args[1:]
		}
	}
	if len(args) == 0 {
		return nil, execproto.ErrEmptyArgv
	}
	return args, nil
}

// Exec runs the call and reports to the invocation's replier. The returned
// error covers only failures the caller should log; outcomes the user
// should see are reported through the replier.
func (x *Executor) Exec(ctx context.Context, call Call) error {
	tag := fmt.Sprintf("$exec [%s]", call.Body)

	argv, err := Argv(call.Body)
	if err != nil {
		call.Reply.UserLog(fmt.Sprintf("%s cannot run: %v", tag, err))
		return nil
	}
	if call.Timeout <= 0 {
		call.Timeout = execproto.DefaultTimeout
	}

	env := BuildEnv(EnvInput{
		Msg:        call.Msg,
		Func:       call.Func,
		Input:      call.Input,
		Stack:      call.Stack,
		Match:      call.Match,
		Locale:     x.cfg.Locale,
		PythonUTF8: x.cfg.PythonUTF8,
		UserDB:     x.cfg.UserDB,
	})
	x.addSecrets(ctx, call.Owner, env)

	x.logger.Info("running exec", "body", call.Body, "timeout", call.Timeout)

	x.cfg.Gate.Begin()
	metrics.ExecsInFlight.Inc()
	defer func() {
		metrics.ExecsInFlight.Dec()
		x.cfg.Gate.Done()
	}()

	if call.Timeout > longRunNotice {
		call.Reply.Respond(fmt.Sprintf("Running for up to %d seconds", call.Timeout))
	}

	metrics.ExecsTotal.Inc()
	start := time.Now()
	res, err := x.cfg.Client.Exec(ctx, execproto.Request{
		Cmd:        argv,
		Env:        env,
		User:       ExecUser,
		WorkingDir: ExecWorkingDir,
		Timeout:    call.Timeout,
	})
	metrics.ExecLatency.ObserveSince(start)

	var fault *execproto.RemoteFaultError
	switch {
	case errors.Is(err, execproto.ErrTimedOut):
		metrics.ExecTimeouts.Inc()
		call.Reply.UserLog(tag + " timed out")
		return nil
	case errors.As(err, &fault):
		metrics.ExecFaults.Inc()
		call.Reply.UserLog(fmt.Sprintf("%s exec host fault: %s", tag, lastLine(fault.Message)))
		x.logger.Error("exec host fault", "body", call.Body, "message", fault.Message)
		return nil
	case err != nil:
		metrics.ExecFaults.Inc()
		call.Reply.UserLog(tag + " failed, see log")
		return fmt.Errorf("exec %q: %w", call.Body, err)
	}

	x.report(ctx, call, tag, res)
	return nil
}

func (x *Executor) report(ctx context.Context, call Call, tag string, res *execproto.Result) {
	if out := strings.TrimRight(firstLine(decode(res.Stdout)), " \t"); out != "" {
		call.Reply.Respond(out)
	} else {
		x.logger.Debug("no stdout line")
	}

	if stderr := strings.TrimSpace(decode(res.Stderr)); stderr != "" {
		url, ok := "", false
		if x.cfg.Paster != nil {
			url, ok = x.cfg.Paster.Paste(ctx, stderr)
		}
		if ok {
			call.Reply.UserLog(fmt.Sprintf("%s STDERR output at %s", tag, url))
		} else {
			call.Reply.UserLog(fmt.Sprintf("%s STDERR final line | %s", tag, lastLine(stderr)))
		}
	}

	call.Reply.UserLog(fmt.Sprintf("%s exited %d", tag, res.ExitCode))
}

func (x *Executor) addSecrets(ctx context.Context, owner string, env map[string]string) {
	if x.cfg.Secrets == nil || owner == "" {
		return
	}
	secrets, err := x.cfg.Secrets.ListSecrets(ctx, owner)
	if err != nil {
		x.logger.Error("load secrets", "owner", owner, "err", err)
		return
	}
	for _, name := range AddSecrets(env, secrets) {
		x.logger.Warn("invalid secret name stored, not injected", "owner", owner, "name", name)
	}
	x.logger.Debug("injected secrets", "owner", owner, "count", len(secrets))
}

func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexAny(s, "\r\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
