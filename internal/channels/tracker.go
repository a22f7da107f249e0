// Package channels tracks which channels the bot is in and drives joins,
// invites and kick rejoins.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"t9/internal/domain"
	"t9/internal/irc"
)

const (
	DefaultJoinTimeout    = 10 * time.Second
	DefaultRejoinInterval = 5 * time.Second
)

// ErrConsoleNotJoined is returned by HandshakeJoins when the console channel
// could not be joined.
var ErrConsoleNotJoined = errors.New("console channel is not joined")

var (
	successNumerics = map[string]bool{"331": true, "332": true, "366": true}
	failureNumerics = map[string]bool{
		"403": true, "405": true, "471": true, "473": true,
		"474": true, "475": true, "476": true,
	}
)

// IsJoinNumeric reports whether command is a join success or failure reply.
func IsJoinNumeric(command string) bool {
	return successNumerics[command] || failureNumerics[command]
}

// State of a single channel.
type State int

const (
	NotJoined State = iota
	Joining
	Joined
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	}
	return "not joined"
}

// Origin records why the bot is in a channel.
type Origin int

const (
	Unknown Origin = iota
	Configured
	Invited
	PassivelyJoined
)

func (o Origin) String() string {
	switch o {
	case Configured:
		return "configured"
	case Invited:
		return "invited"
	case PassivelyJoined:
		return "passive"
	}
	return "unknown"
}

// Gate decides whether an invitation is accepted.
type Gate interface {
	Allows(inviter string, ignored bool) bool
}

type Config struct {
	Nick       string
	Configured []string // lower-cased, includes the console channel
	Console    string
	Invites    Gate
	IsIgnored  func(nick string) bool
	Sender     domain.LineSender
	Store      domain.ChannelStore // optional
	Logger     *slog.Logger

	JoinTimeout    time.Duration
	RejoinInterval time.Duration
}

// Tracker is the channel join state machine. It is safe for concurrent use.
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	configured map[string]bool
	invited    map[string]bool
	persisted  map[string]bool
	joined     map[string]bool
	joining    map[string]chan struct{}
}

func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.RejoinInterval <= 0 {
		cfg.RejoinInterval = DefaultRejoinInterval
	}
	t := &Tracker{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "channels"),
		configured: make(map[string]bool),
		invited:    make(map[string]bool),
		persisted:  make(map[string]bool),
		joined:     make(map[string]bool),
		joining:    make(map[string]chan struct{}),
	}
	for _, ch := range cfg.Configured {
		t.configured[irc.FoldChannel(ch)] = true
	}
	return t
}

// LoadPersisted restores channels remembered from earlier invites.
func (t *Tracker) LoadPersisted(ctx context.Context) error {
	if t.cfg.Store == nil {
		return nil
	}
	chans, err := t.cfg.Store.ListChannels(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range chans {
		ch = irc.FoldChannel(ch)
		if t.configured[ch] {
			t.logger.Warn("channel is in both the database and config", "channel", ch)
			continue
		}
		t.invited[ch] = true
		t.persisted[ch] = true
	}
	return nil
}

// IsJoined reports whether channel is in the Joined state.
func (t *Tracker) IsJoined(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined[irc.FoldChannel(channel)]
}

// State returns the current state of channel.
func (t *Tracker) State(channel string) State {
	channel = irc.FoldChannel(channel)
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.joined[channel]:
		return Joined
	case t.joining[channel] != nil:
		return Joining
	}
	return NotJoined
}

// Origin returns why the bot is (or wants to be) in channel.
func (t *Tracker) Origin(channel string) Origin {
	channel = irc.FoldChannel(channel)
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.configured[channel]:
		return Configured
	case t.invited[channel]:
		return Invited
	case t.joined[channel]:
		return PassivelyJoined
	}
	return Unknown
}

// Joined lists joined channels in sorted order.
func (t *Tracker) Joined() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.joined))
	for ch := range t.joined {
		out = append(out, ch)
	}
	t.mu.Unlock()
	slices.Sort(out)
	return out
}

// RequestJoin sends a JOIN unless the channel is already joining or joined.
// The returned channel is closed once the join resolves by success, failure
// or deadline.
func (t *Tracker) RequestJoin(ctx context.Context, channel string) <-chan struct{} {
	channel = irc.FoldChannel(channel)

	t.mu.Lock()
	if t.joined[channel] {
		t.mu.Unlock()
		return closedChan()
	}
	if done, ok := t.joining[channel]; ok {
		t.mu.Unlock()
		return done
	}
	done := make(chan struct{})
	t.joining[channel] = done
	t.mu.Unlock()

	t.cfg.Sender.SendLine("JOIN " + channel)

	go func() {
		timer := time.NewTimer(t.cfg.JoinTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			if t.fail(channel) {
				t.logger.Error("timed out waiting for join response", "channel", channel)
			}
		case <-ctx.Done():
			t.fail(channel)
		}
	}()
	return done
}

// HandshakeJoins joins every configured and remembered channel, waits for
// all of them to resolve and fails if the console channel was not joined.
func (t *Tracker) HandshakeJoins(ctx context.Context) error {
	t.mu.Lock()
	targets := make([]string, 0, len(t.configured)+len(t.invited))
	for ch := range t.configured {
		targets = append(targets, ch)
	}
	for ch := range t.invited {
		targets = append(targets, ch)
	}
	t.mu.Unlock()
	slices.Sort(targets)

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range targets {
		done := t.RequestJoin(gctx, ch)
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !t.IsJoined(t.cfg.Console) {
		return ErrConsoleNotJoined
	}
	t.logger.Debug("handshake joins have all been responded to", "channels", len(targets))
	return nil
}

// HandleNumeric applies a join success or failure reply. Other messages are ignored.
func (t *Tracker) HandleNumeric(ctx context.Context, msg *irc.Message) {
	if !IsJoinNumeric(msg.Command) {
		return
	}
	channel := irc.FoldChannel(msg.Param(1))
	if channel == "" || t.IsJoined(channel) {
		return
	}

	if successNumerics[msg.Command] {
		t.succeed(ctx, channel)
		t.logger.Info("joined channel", "channel", channel, "numeric", msg.Command)
		return
	}
	t.fail(channel)
	t.logger.Error("failed to join channel", "channel", channel, "numeric", msg.Command, "reason", msg.Trailing)
}

func (t *Tracker) succeed(ctx context.Context, channel string) {
	t.mu.Lock()
	if done, ok := t.joining[channel]; ok {
		close(done)
		delete(t.joining, channel)
	}
	t.joined[channel] = true
	persist := t.cfg.Store != nil && t.invited[channel] && !t.persisted[channel]
	if persist {
		t.persisted[channel] = true
	}
	t.mu.Unlock()

	if persist {
		if err := t.cfg.Store.AddChannel(ctx, channel); err != nil {
			t.logger.Error("persist invited channel", "channel", channel, "err", err)
			t.mu.Lock()
			delete(t.persisted, channel)
			t.mu.Unlock()
			return
		}
		t.logger.Debug("persisted invited channel", "channel", channel)
	}
}

// fail resolves a pending join as failed. It reports whether a join was pending.
func (t *Tracker) fail(channel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	done, ok := t.joining[channel]
	if ok {
		close(done)
		delete(t.joining, channel)
	}
	delete(t.invited, channel)
	return ok
}

// HandleInvite joins the invited channel if the invite passes gating.
func (t *Tracker) HandleInvite(ctx context.Context, msg *irc.Message) {
	if !strings.EqualFold(msg.Param(0), t.cfg.Nick) {
		return
	}
	channel := msg.Trailing
	if !msg.HasTrailing {
		channel = msg.Param(1)
	}
	channel = irc.FoldChannel(strings.TrimSpace(channel))
	inviter := msg.Sender.Nick
	if channel == "" {
		return
	}

	t.mu.Lock()
	always, joined := t.configured[channel], t.joined[channel]
	t.mu.Unlock()

	switch {
	case always:
		t.logger.Info("channel is always joined, ignoring invite", "channel", channel)
		return
	case joined:
		t.logger.Info("already joined, ignoring invite", "channel", channel)
		return
	}

	ignored := t.cfg.IsIgnored != nil && t.cfg.IsIgnored(inviter)
	if t.cfg.Invites == nil || !t.cfg.Invites.Allows(inviter, ignored) {
		t.logger.Warn("invite not allowed", "channel", channel, "inviter", inviter)
		return
	}

	t.logger.Info("joining channel due to invite", "channel", channel, "inviter", inviter)
	t.mu.Lock()
	t.invited[channel] = true
	t.mu.Unlock()
	t.RequestJoin(ctx, channel)
}

// HandleKick reacts to the bot being kicked. For configured channels it
// blocks, retrying the join every RejoinInterval until joined or ctx ends.
func (t *Tracker) HandleKick(ctx context.Context, msg *irc.Message) {
	if !strings.EqualFold(msg.Param(1), t.cfg.Nick) {
		return
	}
	channel := irc.FoldChannel(msg.Param(0))
	kicker := msg.Sender.Nick

	t.mu.Lock()
	delete(t.joined, channel)
	configured, invited, persisted := t.configured[channel], t.invited[channel], t.persisted[channel]
	if !configured && invited {
		delete(t.invited, channel)
		delete(t.persisted, channel)
	}
	t.mu.Unlock()

	switch {
	case configured:
		t.logger.Info("kicked from configured channel", "channel", channel, "by", kicker)
		t.rejoinLoop(ctx, channel)
	case invited:
		if persisted && t.cfg.Store != nil {
			if err := t.cfg.Store.RemoveChannel(ctx, channel); err != nil {
				t.logger.Error("remove invited channel", "channel", channel, "err", err)
			} else {
				t.logger.Debug("removed invited channel from storage", "channel", channel)
			}
		}
		t.logger.Info("kicked from invited channel", "channel", channel, "by", kicker)
	default:
		t.logger.Info("kicked from passively joined channel", "channel", channel, "by", kicker)
	}
}

func (t *Tracker) rejoinLoop(ctx context.Context, channel string) {
	ticker := time.NewTicker(t.cfg.RejoinInterval)
	defer ticker.Stop()
	for !t.IsJoined(channel) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.logger.Info("attempting rejoin to kicked channel", "channel", channel)
		t.RequestJoin(ctx, channel)
	}
}

// PassiveJoin marks channel joined without sending a JOIN.
func (t *Tracker) PassiveJoin(channel string) {
	channel = irc.FoldChannel(channel)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.joined[channel] {
		return
	}
	t.logger.Info("received message on un-joined channel, marking as joined", "channel", channel)
	t.joined[channel] = true
}

func closedChan() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
