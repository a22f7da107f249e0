// Package functions stores user-defined triggers and resolves chat input
// through them down to the echo and exec primitives.
package functions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"t9/internal/domain"
	"t9/internal/irc"
	"t9/internal/metrics"
)

const (
	DefaultStackLimit       = 4
	DefaultUserLeaders      = "!.;"
	DefaultPrimitiveLeaders = "$"
)

// ErrUnknownPrimitive is returned when a chain ends in a primitive that does not exist.
var ErrUnknownPrimitive = errors.New("unknown primitive")

// Replier routes output back to where an invocation came from. Respond is
// the primary answer; UserLog carries diagnostics.
type Replier interface {
	Respond(text string)
	UserLog(text string)
}

// Invocation is one chat message being handled.
type Invocation struct {
	Msg   *irc.Message
	Reply Replier
}

// Frame is one resolved trigger and its body. Stacks are ordered innermost
// first: frame 0 is the definition whose parent is the primitive.
type Frame struct {
	Trigger string
	Body    string
}

type Config struct {
	Nick             string
	ChannelsOnly     bool // accept definitions only in bot-owned channels
	StrictParents    bool
	UserLeaders      string
	PrimitiveLeaders string
	StackLimit       int
	ExecTime         int // seconds, for exec reached through the table
	Store            domain.FunctionStore
	Executor         *Executor
	Logger           *slog.Logger
}

// Engine owns the function table.
type Engine struct {
	cfg        Config
	table      *Table
	definition *regexp.Regexp
	logger     *slog.Logger
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UserLeaders == "" {
		cfg.UserLeaders = DefaultUserLeaders
	}
	if cfg.PrimitiveLeaders == "" {
		cfg.PrimitiveLeaders = DefaultPrimitiveLeaders
	}
	if cfg.StackLimit <= 0 {
		cfg.StackLimit = DefaultStackLimit
	}
	logger := cfg.Logger.With("component", "functions")
	nick := regexp.QuoteMeta(cfg.Nick) + "|" + regexp.QuoteMeta(strings.ToLower(cfg.Nick))
	return &Engine{
		cfg:        cfg,
		table:      NewTable(cfg.UserLeaders, logger),
		definition: regexp.MustCompile(`^(?:(` + nick + `)[:,]? )?([^<]+?) ?<([^>]+)> ?(.*)`),
		logger:     logger,
	}
}

// Table exposes the underlying table.
func (e *Engine) Table() *Table { return e.table }

// IsBotChannel reports whether channel is owned by the bot (#<nick>-...).
func (e *Engine) IsBotChannel(channel string) bool {
	return strings.HasPrefix(irc.FoldChannel(channel), "#"+strings.ToLower(e.cfg.Nick)+"-")
}

func (e *Engine) isPrimitive(trigger string) bool {
	r, _ := utf8.DecodeRuneInString(trigger)
	return trigger != "" && strings.ContainsRune(e.cfg.PrimitiveLeaders, r)
}

// primitiveName strips the leader from a primitive invocation.
func primitiveName(trigger string) string {
	_, size := utf8.DecodeRuneInString(trigger)
	return trigger[size:]
}

// Load replaces the table with the stored definitions.
func (e *Engine) Load(ctx context.Context) error {
	if e.cfg.Store == nil {
		return nil
	}
	defs, err := e.cfg.Store.ListFunctions(ctx)
	if err != nil {
		return fmt.Errorf("load functions: %w", err)
	}
	e.table.Replace(defs)
	e.logger.Info("loaded functions", "count", len(defs))
	return nil
}

// Handle treats the message as a definition if it is one, otherwise as a
// possible trigger.
func (e *Engine) Handle(ctx context.Context, inv Invocation) error {
	if _, ok, err := e.Define(ctx, inv); err != nil || ok {
		return err
	}
	res, ok := e.table.Match(inv.Msg.Trailing)
	if !ok {
		e.logger.Debug("no matched function")
		return nil
	}
	e.logger.Info("function triggered", "trigger", res.Trigger, "line", inv.Msg.String())
	metrics.FunctionsRun.Inc()
	return e.Run(ctx, inv, res)
}

// Define parses a definition line and stores it. ok is false when the line
// is not an acceptable definition.
func (e *Engine) Define(ctx context.Context, inv Invocation) (def domain.FunctionDefinition, ok bool, err error) {
	channel := inv.Msg.Param(0)
	botChannel := e.IsBotChannel(channel)
	if e.cfg.ChannelsOnly && !botChannel {
		return def, false, nil
	}
	m := e.definition.FindStringSubmatch(inv.Msg.Trailing)
	if m == nil || (m[1] == "" && !botChannel) {
		return def, false, nil
	}

	trigger := strings.TrimSpace(m[2])
	trigger = strings.TrimSuffix(trigger, " is")
	if trigger == "" {
		return def, false, nil
	}
	if strings.EqualFold(trigger, "exec") {
		e.logger.Info("not setting function, name is reserved", "trigger", trigger)
		return def, false, nil
	}
	parent := strings.TrimSpace(m[3])

	if e.cfg.StrictParents && !e.parentResolves(parent) {
		inv.Reply.UserLog(fmt.Sprintf("Not setting %s: parent <%s> is neither a primitive nor a known function", trigger, parent))
		return def, false, nil
	}

	def = domain.FunctionDefinition{
		Trigger: trigger,
		Parent:  parent,
		Body:    m[4],
		Setter:  inv.Msg.Sender.Nick,
		SetTime: time.Now(),
	}
	if e.cfg.Store != nil {
		if err := e.cfg.Store.UpsertFunction(ctx, def); err != nil {
			return def, false, fmt.Errorf("persist function %q: %w", trigger, err)
		}
	}
	e.table.Put(def)
	metrics.FunctionsDefined.Inc()
	e.logger.Info("set function", "trigger", trigger, "parent", parent, "setter", def.Setter)
	return def, true, nil
}

func (e *Engine) parentResolves(parent string) bool {
	if e.isPrimitive(parent) {
		switch primitiveName(parent) {
		case "echo", "exec":
			return true
		}
		return false
	}
	_, ok := e.table.Match(parent)
	return ok
}

// Match resolves input against the table.
func (e *Engine) Match(input string) (Resolution, bool) {
	return e.table.Match(input)
}

// Run follows a resolved trigger through its parents to a primitive.
func (e *Engine) Run(ctx context.Context, inv Invocation, res Resolution) error {
	trigger, input, match := res.Trigger, res.Param, res.Regex
	var stack []Frame

	for {
		if len(stack) > e.cfg.StackLimit {
			e.logger.Info("exceeded stack limit", "limit", e.cfg.StackLimit, "trigger", res.Trigger)
			return nil
		}
		if e.isPrimitive(trigger) {
			body := ""
			if len(stack) > 0 {
				body = stack[0].Body
			}
			return e.runPrimitive(ctx, inv, primitiveName(trigger), body, input, match, stack)
		}

		def, ok := e.table.Get(trigger)
		if !ok {
			e.logger.Info("function chain references unknown trigger", "trigger", trigger, "from", res.Trigger)
			return nil
		}
		stack = append([]Frame{{Trigger: trigger, Body: def.Body}}, stack...)
		e.logger.Debug("running parent function", "parent", def.Parent, "function", trigger)

		if e.isPrimitive(def.Parent) {
			trigger = def.Parent
			continue
		}
		next, ok := e.table.Match(def.Parent)
		if !ok {
			e.logger.Info("parent does not resolve", "parent", def.Parent, "function", trigger)
			return nil
		}
		trigger = next.Trigger
		if next.Param != "" {
			input = next.Param
		}
		if next.Regex != nil {
			match = next.Regex
		}
	}
}

func (e *Engine) runPrimitive(ctx context.Context, inv Invocation, name, body, input string, match *RegexMatch, stack []Frame) error {
	switch name {
	case "echo":
		bodies := make([]string, len(stack))
		for i, f := range stack {
			bodies[i] = f.Body
		}
		out := strings.TrimRight(RenderEcho(body, EchoData{
			Nick:    inv.Msg.Sender.Nick,
			Channel: inv.Msg.Param(0),
			Input:   input,
			Stack:   bodies,
			Match:   match,
		}), " \t\r\n")
		if out == "" {
			e.logger.Debug("echo rendered nothing")
			return nil
		}
		inv.Reply.Respond(out)
		return nil
	case "exec":
		if e.cfg.Executor == nil {
			return errors.New("exec primitive is not configured")
		}
		fn, owner := "", ""
		if len(stack) > 0 {
			fn = stack[0].Trigger
			if def, ok := e.table.Get(fn); ok {
				owner = def.Setter
			}
		}
		return e.cfg.Executor.Exec(ctx, Call{
			Invocation: inv,
			Func:       fn,
			Body:       body,
			Input:      input,
			Stack:      stack,
			Match:      match,
			Timeout:    e.cfg.ExecTime,
			Owner:      owner,
		})
	}
	return fmt.Errorf("%w: %s", ErrUnknownPrimitive, name)
}

// ExecCommand runs body directly, as the $exec command does. Secrets of the
// caller are injected only in bot-owned channels.
func (e *Engine) ExecCommand(ctx context.Context, inv Invocation, body string, timeout int) error {
	if e.cfg.Executor == nil {
		return errors.New("exec primitive is not configured")
	}
	owner := ""
	if e.IsBotChannel(inv.Msg.Param(0)) {
		owner = inv.Msg.Sender.Nick
	} else {
		e.logger.Debug("exec call from a channel the bot does not own, no secrets")
	}
	return e.cfg.Executor.Exec(ctx, Call{
		Invocation: inv,
		Body:       body,
		Timeout:    timeout,
		Owner:      owner,
	})
}

// Delete removes the function that arg resolves to and returns the reply text.
func (e *Engine) Delete(ctx context.Context, arg string) string {
	arg = strings.TrimSpace(arg)
	trigger := arg
	if _, ok := e.table.Get(arg); !ok {
		res, ok := e.table.Match(arg)
		if !ok {
			return fmt.Sprintf("No function matches %q", arg)
		}
		trigger = res.Trigger
	}

	e.table.Remove(trigger)
	if e.cfg.Store != nil {
		n, err := e.cfg.Store.DeleteFunction(ctx, trigger)
		switch {
		case err != nil:
			e.logger.Error("delete function from storage", "trigger", trigger, "err", err)
		case n == 0:
			e.logger.Warn("function was not in storage", "trigger", trigger)
		}
	}
	e.logger.Info("deleted function", "trigger", trigger)
	return fmt.Sprintf("Deleted function %q", trigger)
}

// Inspect looks up trigger exactly, then through matching.
func (e *Engine) Inspect(trigger string) (domain.FunctionDefinition, bool) {
	trigger = strings.TrimSpace(trigger)
	if def, ok := e.table.Get(trigger); ok {
		return def, true
	}
	if res, ok := e.table.Match(trigger); ok {
		return e.table.Get(res.Trigger)
	}
	return domain.FunctionDefinition{}, false
}
