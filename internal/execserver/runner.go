// Package execserver is the exec host: it runs one process per request
// under a time budget and answers with an execproto frame.
package execserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"t9/internal/execproto"
)

const (
	DefaultMaxOutputBytes = 128 << 10
	// nobodyGID is used when a user is given without a group.
	nobodyGID = 65534

	// umaskShell sets a private umask before replacing itself with the
	// command. The umask is per process, so the server cannot set it for one
	// child without racing concurrent execs.
	umaskShell = `umask 077 && exec "$@"`

	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	waitDelay   = 2 * time.Second
)

// Runner executes requests on the local host.
type Runner struct {
	DefaultTimeout int
	MaxOutputBytes int
	Logger         *slog.Logger
}

// Run executes req and always produces a frame. Failures to start map to
// ExcFault with the error text as stderr.
func (r *Runner) Run(ctx context.Context, req execproto.Request) execproto.Frame {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(req.Cmd) == 0 {
		return faultFrame(execproto.ErrEmptyArgv)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = execproto.DefaultTimeout
	}
	limit := r.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	argv, env := req.Cmd, req.Env
	var cred *syscall.Credential
	if req.User != "" {
		var err error
		if cred, err = lookupCredential(req.User); err != nil {
			return faultFrame(err)
		}
		argv = withUmask(argv)
		env = withUserVars(env, accountName(cred.Uid))
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = buildEnviron(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Credential: cred}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		logger.Warn("exec failed to start", "cmd", req.Cmd, "err", err)
		return faultFrame(err)
	}
	err := cmd.Wait()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logger.Info("exec timed out", "cmd", req.Cmd, "timeout", timeout)
		return execproto.Frame{ExcStatus: execproto.ExcTimedOut}
	}

	status := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		status = exitStatus(exitErr)
	default:
		return faultFrame(err)
	}
	logger.Debug("exec finished", "cmd", req.Cmd, "status", status,
		"out_len", stdout.buf.Len(), "err_len", stderr.buf.Len(), "truncated", stdout.dropped || stderr.dropped)

	return execproto.Frame{
		ExcStatus: execproto.ExcCompleted,
		Status:    uint8(status),
		Stdout:    stdout.buf.Bytes(),
		Stderr:    stderr.buf.Bytes(),
	}
}

func faultFrame(err error) execproto.Frame {
	return execproto.Frame{ExcStatus: execproto.ExcFault, Stderr: []byte(err.Error())}
}

func exitStatus(err *exec.ExitError) int {
	if ws, ok := err.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return err.ExitCode() & 0xff
}

func buildEnviron(env map[string]string) []string {
	out := make([]string, 0, len(env)+1)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	if _, ok := env["PATH"]; !ok {
		out = append(out, "PATH="+defaultPath)
	}
	return out
}

// withUmask wraps argv so it runs with umask 077.
func withUmask(argv []string) []string {
	return append([]string{"/bin/sh", "-c", umaskShell, "t9-exec"}, argv...)
}

// userVars are set to the account name of the user a command runs as.
var userVars = []string{"USER", "USERNAME", "LOGNAME"}

func withUserVars(env map[string]string, name string) map[string]string {
	out := make(map[string]string, len(env)+len(userVars))
	for k, v := range env {
		out[k] = v
	}
	for _, k := range userVars {
		out[k] = name
	}
	return out
}

// accountName returns the login name for uid, or the uid itself when the
// account has no passwd entry.
func accountName(uid uint32) string {
	id := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(id); err == nil {
		return u.Username
	}
	return id
}

// lookupCredential resolves "user[:group]", each part a name or a numeric id.
func lookupCredential(spec string) (*syscall.Credential, error) {
	name, group, hasGroup := strings.Cut(spec, ":")

	uid, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		u, lerr := user.Lookup(name)
		if lerr != nil {
			return nil, fmt.Errorf("lookup user %q: %w", name, lerr)
		}
		if uid, err = strconv.ParseUint(u.Uid, 10, 32); err != nil {
			return nil, fmt.Errorf("user %q has non-numeric uid %q", name, u.Uid)
		}
	}

	gid := uint64(nobodyGID)
	if hasGroup && group != "" {
		if gid, err = strconv.ParseUint(group, 10, 32); err != nil {
			g, lerr := user.LookupGroup(group)
			if lerr != nil {
				return nil, fmt.Errorf("lookup group %q: %w", group, lerr)
			}
			if gid, err = strconv.ParseUint(g.Gid, 10, 32); err != nil {
				return nil, fmt.Errorf("group %q has non-numeric gid %q", group, g.Gid)
			}
		}
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.dropped = len(p) > 0 || c.dropped
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.dropped = true
		return len(p), nil
	}
	return c.buf.Write(p)
}
