package config

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TimeLimit is a whole number of seconds. In YAML and the environment it may
// be written as N, Ns, Nm or Nh.
type TimeLimit int

// ParseTimeLimit parses N (seconds), Ns, Nm or Nh.
func ParseTimeLimit(s string) (TimeLimit, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return TimeLimit(n), nil
	}
	if s == "" {
		return 0, fmt.Errorf("empty time limit")
	}
	mult := 0
	switch s[len(s)-1] {
	case 's':
		mult = 1
	case 'm':
		mult = 60
	case 'h':
		mult = 3600
	default:
		return 0, fmt.Errorf("unknown time units in %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid time limit %q", s)
	}
	return TimeLimit(n * mult), nil
}

func (t *TimeLimit) UnmarshalText(text []byte) error {
	v, err := ParseTimeLimit(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t *TimeLimit) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: time limit must be a scalar", n.Line)
	}
	if n.Tag == "!!null" {
		return nil
	}
	if n.Tag == "!!float" {
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return err
		}
		*t = TimeLimit(math.Ceil(f))
		return nil
	}
	return t.UnmarshalText([]byte(n.Value))
}

func (t TimeLimit) MarshalYAML() (any, error) {
	return fmt.Sprintf("%ds", int(t)), nil
}

// Seconds returns the limit as a plain integer.
func (t TimeLimit) Seconds() int { return int(t) }

// InviteAllowed controls whose invitations are accepted. Disabled refuses
// all; an empty allow-list accepts every inviter that is not ignored;
// otherwise only the listed nicks may invite.
type InviteAllowed struct {
	Disabled bool
	Nicks    []string // lower-cased
}

// Allows reports whether an invite from inviter should be honoured.
func (ia InviteAllowed) Allows(inviter string, ignored bool) bool {
	if ia.Disabled {
		return false
	}
	if len(ia.Nicks) == 0 {
		return !ignored
	}
	inviter = strings.ToLower(inviter)
	for _, n := range ia.Nicks {
		if n == inviter {
			return true
		}
	}
	return false
}

func (ia *InviteAllowed) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			*ia = InviteAllowed{}
			return nil
		}
		return ia.UnmarshalText([]byte(n.Value))
	case yaml.SequenceNode:
		var list []string
		if err := n.Decode(&list); err != nil {
			return err
		}
		*ia = InviteAllowed{Nicks: list}
		return nil
	}
	return fmt.Errorf("line %d: invite_allowed must be false, true or a list of nicks", n.Line)
}

// UnmarshalText accepts "true", "false" or a comma separated nick list.
func (ia *InviteAllowed) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	switch strings.ToLower(s) {
	case "false":
		*ia = InviteAllowed{Disabled: true}
		return nil
	case "true", "":
		*ia = InviteAllowed{}
		return nil
	}
	var list []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			list = append(list, c)
		}
	}
	*ia = InviteAllowed{Nicks: list}
	return nil
}

func (ia InviteAllowed) MarshalYAML() (any, error) {
	if ia.Disabled {
		return false, nil
	}
	if ia.Nicks == nil {
		return []string{}, nil
	}
	return ia.Nicks, nil
}

// ParseLevel maps a level name (debug, info, warn/warning, error, critical)
// to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical", "crit":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level %q", name)
}
