package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"t9/internal/domain"
	"t9/internal/execproto"
)

const (
	writeLockScript  = "/home/user/write_lock.sh"
	writeLockTimeout = 3
)

// cmdWriteLock implements $ro and $rw: make a path under the secure base
// read-only (and remember who locked it) or writable again.
func (s *Session) cmdWriteLock(ctx context.Context, c *command) error {
	op := strings.ToLower(c.name)
	if s.store == nil {
		s.logger.Error("database required for $ro/$rw")
		c.Reply.Respond("A database is required for $" + op)
		return nil
	}
	if s.cfg.SecureBase == "" || s.cfg.RelSecureBase == "" {
		s.logger.Error("secure_base/rel_secure_base config required for $ro/$rw")
		c.Reply.Respond("$" + op + " is not configured")
		return nil
	}

	release, err := s.gate.Exclusive(ctx)
	if err != nil {
		return err
	}
	defer release()
	s.logger.Info("have exclusive exec host control", "command", op)

	path := strings.TrimPrefix(c.args, strings.TrimRight(s.cfg.RelSecureBase, "/")+"/")
	env := map[string]string{
		"SECURE_BASE":    s.cfg.SecureBase,
		"REQUESTED_LOCK": path,
	}

	res, err := s.runWriteLock(ctx, "realpath", env)
	if err != nil {
		return err
	}
	stdout := string(res.Stdout)
	if stdout == "" {
		c.Reply.Respond("ERROR: no output when resolving path")
		return nil
	}
	resolved := strings.TrimRight(firstLine(stdout), " \t")
	switch {
	case resolved == "":
		c.Reply.Respond("ERROR: empty result when resolving path")
		return nil
	case res.ExitCode != 0:
		c.Reply.Respond(resolved + " (path resolution)")
		return nil
	}

	nick := c.nick()
	owner := strings.ToLower(nick)
	current, locked, err := s.store.LockOwner(ctx, resolved)
	if err != nil {
		return fmt.Errorf("look up write lock: %w", err)
	}
	if locked && (op == "ro" || current != owner) {
		c.Reply.Respond(fmt.Sprintf("%s: %s is already locked by %s", nick, resolved, current))
		return nil
	}

	res, err = s.runWriteLock(ctx, op, env)
	if err != nil {
		return err
	}
	if line := strings.TrimRight(firstLine(string(res.Stderr)), " \t"); line != "" {
		c.Reply.Respond(fmt.Sprintf("$%s STDERR: %s", op, line))
	}
	if res.ExitCode == 0 {
		if op == "ro" {
			if err := s.store.AddLock(ctx, domain.WriteLock{Path: resolved, Owner: owner}); err != nil {
				return fmt.Errorf("record write lock: %w", err)
			}
		} else {
			n, err := s.store.RemoveLock(ctx, resolved, owner)
			if err != nil {
				return fmt.Errorf("remove write lock: %w", err)
			}
			if n == 0 {
				c.Reply.Respond(fmt.Sprintf("%s: Did not find your lock on %s but the file should be writable now", nick, resolved))
				return nil
			}
		}
	}
	c.Reply.Respond(fmt.Sprintf("%s: %s", nick, strings.TrimRight(firstLine(string(res.Stdout)), " \t")))
	return nil
}

func (s *Session) runWriteLock(ctx context.Context, op string, env map[string]string) (*execproto.Result, error) {
	res, err := s.exec.Exec(ctx, execproto.Request{
		Cmd:     []string{writeLockScript, op},
		Env:     env,
		Timeout: writeLockTimeout,
	})
	if errors.Is(err, execproto.ErrTimedOut) {
		return nil, fmt.Errorf("write lock %s timed out", op)
	}
	if err != nil {
		return nil, fmt.Errorf("write lock %s: %w", op, err)
	}
	return res, nil
}
