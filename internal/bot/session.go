// Package bot runs one chat session: it connects, reads lines, and routes
// them to channel tracking, built-in commands, CTCP and user functions.
package bot

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"t9/internal/channels"
	"t9/internal/config"
	"t9/internal/domain"
	"t9/internal/functions"
	"t9/internal/gate"
	"t9/internal/irc"
	"t9/internal/metrics"
)

const dialTimeout = 30 * time.Second

var (
	// ErrFatal marks errors that end the session.
	ErrFatal = errors.New("fatal session error")
	// ErrDisconnected is returned when the server closes the connection.
	ErrDisconnected = errors.New("disconnected from server")
)

// ExecHost is the exec host client used by the session.
type ExecHost interface {
	functions.ExecClient
	Shutdown(ctx context.Context)
	Status(ctx context.Context, timeout time.Duration) (string, error)
}

// Timing holds the waits used by $restart and $status.
type Timing struct {
	RestartSettle time.Duration
	StatusTimeout time.Duration
	StatusPolls   int
}

// DefaultTiming waits 3s after asking the exec host to exit, then polls up
// to 20 times with a 1.5s timeout.
var DefaultTiming = Timing{
	RestartSettle: 3 * time.Second,
	StatusTimeout: 1500 * time.Millisecond,
	StatusPolls:   20,
}

type Config struct {
	Config  *config.Config
	Store   domain.Store // optional
	Exec    ExecHost
	Paster  domain.Paster // optional
	Logger  *slog.Logger
	Console *Tee // optional; receives the console channel handler
	Version string
	Timing  Timing

	JoinTimeout    time.Duration
	RejoinInterval time.Duration
}

// Session is a single connection to the chat server.
type Session struct {
	cfg     *config.Config
	store   domain.Store
	exec    ExecHost
	console *Tee
	version string
	timing  Timing
	logger  *slog.Logger
	wire    *slog.Logger

	gate     *gate.Gate
	engine   *functions.Engine
	tracker  *channels.Tracker
	commands *commandTable
	ignore   map[string]bool
	apkMu    sync.Mutex

	writer    atomic.Pointer[Writer]
	handshake atomic.Bool
	wg        sync.WaitGroup

	fatalMu  sync.Mutex
	fatalErr error
	cancel   context.CancelFunc
}

func New(deps Config) (*Session, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, errors.New("bot: config is required")
	}
	if deps.Exec == nil {
		return nil, errors.New("bot: exec host client is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Timing == (Timing{}) {
		deps.Timing = DefaultTiming
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	wire := deps.Logger
	if deps.Console != nil {
		wire = slog.New(deps.Console.Base())
	}

	s := &Session{
		cfg:     cfg,
		store:   deps.Store,
		exec:    deps.Exec,
		console: deps.Console,
		version: deps.Version,
		timing:  deps.Timing,
		logger:  deps.Logger,
		wire:    wire,
		gate:    gate.New(),
		ignore:  make(map[string]bool, len(cfg.Ignore)),
	}
	for _, nick := range cfg.Ignore {
		s.ignore[strings.ToLower(nick)] = true
	}

	var (
		funcStore    domain.FunctionStore
		secretStore  domain.SecretStore
		channelStore domain.ChannelStore
	)
	if deps.Store != nil {
		funcStore, secretStore, channelStore = deps.Store, deps.Store, deps.Store
	}

	executor := functions.NewExecutor(functions.ExecutorConfig{
		Client:     deps.Exec,
		Gate:       s.gate,
		Secrets:    secretStore,
		Paster:     deps.Paster,
		Locale:     cfg.ExecLocale,
		PythonUTF8: cfg.ExecPythonUTF8,
		UserDB:     cfg.UserDB,
		Logger:     deps.Logger,
	})
	s.engine = functions.New(functions.Config{
		Nick:             cfg.Nick,
		ChannelsOnly:     cfg.DefineFunctionsInT9ChannelsOnly,
		StrictParents:    cfg.StrictParents,
		UserLeaders:      cfg.UserLeaders,
		PrimitiveLeaders: cfg.PrimitiveLeaders,
		StackLimit:       cfg.StackLimit,
		ExecTime:         cfg.FunctionExecTime.Seconds(),
		Store:            funcStore,
		Executor:         executor,
		Logger:           deps.Logger,
	})
	s.tracker = channels.New(channels.Config{
		Nick:           cfg.Nick,
		Configured:     cfg.Channels,
		Console:        cfg.ConsoleChannel,
		Invites:        cfg.InviteAllowed,
		IsIgnored:      s.isIgnored,
		Sender:         s,
		Store:          channelStore,
		Logger:         deps.Logger,
		JoinTimeout:    deps.JoinTimeout,
		RejoinInterval: deps.RejoinInterval,
	})
	s.commands = newCommandTable(s)
	return s, nil
}

// Engine exposes the function engine.
func (s *Session) Engine() *functions.Engine { return s.engine }

// Tracker exposes the channel tracker.
func (s *Session) Tracker() *channels.Tracker { return s.tracker }

func (s *Session) isIgnored(nick string) bool {
	return s.ignore[strings.ToLower(nick)]
}

// SendLine writes a line to the current connection. Lines sent while no
// connection is open are dropped.
func (s *Session) SendLine(line string) {
	if w := s.writer.Load(); w != nil {
		w.SendLine(line)
		return
	}
	s.logger.Debug("no connection, dropping line", "line", line)
}

// Run connects to the configured server and serves the session until it
// ends.
func (s *Session) Run(ctx context.Context) error {
	conn, err := Dial(ctx, s.cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx, conn)
}

// Dial opens the TCP or TLS connection described by cfg.
func Dial(ctx context.Context, cfg *config.Config) (net.Conn, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 60 * time.Second}
	if !cfg.TLS {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
		return conn, nil
	}

	tlsCfg, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}
	td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s (tls): %w", addr, err)
	}
	return conn, nil
}

func tlsConfig(cfg *config.Config) (*tls.Config, error) {
	tc := &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: !cfg.TLSVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.TLSCAFile != "" || cfg.TLSCADirectory != "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		files := []string{}
		if cfg.TLSCAFile != "" {
			files = append(files, cfg.TLSCAFile)
		}
		if cfg.TLSCADirectory != "" {
			entries, err := os.ReadDir(cfg.TLSCADirectory)
			if err != nil {
				return nil, fmt.Errorf("read tls_ca_directory: %w", err)
			}
			for _, e := range entries {
				if !e.IsDir() {
					files = append(files, filepath.Join(cfg.TLSCADirectory, e.Name()))
				}
			}
		}
		for _, f := range files {
			pem, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("read CA file: %w", err)
			}
			pool.AppendCertsFromPEM(pem)
		}
		tc.RootCAs = pool
	}

	if cfg.TLSClientCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCert, cfg.TLSClientPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// Serve runs the session on an established connection. It returns when the
// connection ends, ctx is cancelled or a fatal error occurs.
func (s *Session) Serve(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	s.fatalMu.Lock()
	s.cancel, s.fatalErr = cancel, nil
	s.fatalMu.Unlock()
	defer func() {
		cancel()
		conn.Close()
		s.wg.Wait()
		s.writer.Store(nil)
		if s.console != nil {
			s.console.Detach()
		}
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.handshake.Store(false)
	s.writer.Store(NewWriter(ctx, conn, NewRateLimiter(s.cfg.SendBurst, float64(s.cfg.SendRatePerMinute)), s.wire))

	if err := s.engine.Load(ctx); err != nil {
		return err
	}
	if err := s.tracker.LoadPersisted(ctx); err != nil {
		return err
	}

	if s.cfg.Password != "" {
		s.SendLine("PASS " + s.cfg.Password)
	}
	s.SendLine("NICK " + s.cfg.Nick)
	s.SendLine(fmt.Sprintf("USER %s %s %s :%s", s.cfg.User, s.cfg.VHost, s.cfg.Host, s.cfg.RealName))

	reader := irc.NewReader(conn, s.logger)
	for {
		msg, err := reader.Next()
		if err != nil {
			return s.endError(ctx, err)
		}
		metrics.LinesReceived.Inc()
		s.wire.Debug("<= " + msg.Raw())

		// lets exclusive commands hold off new lines
		if err := s.gate.Barrier(ctx); err != nil {
			return s.endError(ctx, err)
		}

		if !s.handshake.Load() {
			if err := s.process(ctx, msg); err != nil {
				s.fail(err)
				return s.endError(ctx, err)
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.process(ctx, msg); err != nil {
				s.fail(err)
			}
		}()
	}
}

// fail records the first fatal error and tears the connection down.
func (s *Session) fail(err error) {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	if s.fatalErr != nil {
		return
	}
	s.fatalErr = err
	s.logger.Error("session failed", "err", err)
	s.cancel()
}

func (s *Session) endError(ctx context.Context, err error) error {
	s.fatalMu.Lock()
	fatal := s.fatalErr
	s.fatalMu.Unlock()
	if fatal != nil {
		return fatal
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return ErrDisconnected
	}
	return fmt.Errorf("read from server: %w", err)
}

// process handles one line. Only fatal errors are returned; everything else
// is logged here.
func (s *Session) process(ctx context.Context, msg *irc.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("uncaught panic handling line", "panic", fmt.Sprint(r), "line", msg.Raw())
			s.logger.Debug("panic stack", "stack", string(debug.Stack()))
			err = nil
		}
	}()

	err = s.dispatch(ctx, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFatal):
		return err
	case ctx.Err() != nil:
		return nil
	}
	s.logger.Error("uncaught error handling line", "err", firstLine(err.Error()))
	s.logger.Debug("error detail", "err", err, "line", msg.Raw())
	return nil
}

func (s *Session) dispatch(ctx context.Context, msg *irc.Message) error {
	switch msg.Command {
	case "ERROR":
		return fmt.Errorf("%w: got ERROR from server: %s", ErrFatal, msg.Trailing)
	case "PING":
		s.SendLine("PONG :" + msg.Trailing)
	case "MODE":
		if !s.handshake.Load() && strings.EqualFold(msg.Param(0), s.cfg.Nick) {
			s.completeHandshake(ctx)
		}
	case "INVITE":
		s.tracker.HandleInvite(ctx, msg)
	case "KICK":
		s.tracker.HandleKick(ctx, msg)
	case "PRIVMSG":
		return s.handlePrivmsg(ctx, msg)
	default:
		if channels.IsJoinNumeric(msg.Command) {
			s.tracker.HandleNumeric(ctx, msg)
		}
	}
	return nil
}

// completeHandshake switches to concurrent line handling, then joins
// channels in the background: their replies arrive through the read loop.
func (s *Session) completeHandshake(ctx context.Context) {
	s.handshake.Store(true)
	s.logger.Info("handshake complete, joining channels")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.tracker.HandshakeJoins(ctx); err != nil {
			if ctx.Err() == nil {
				s.fail(fmt.Errorf("%w: %w", ErrFatal, err))
			}
			return
		}
		s.attachConsole()
	}()
}

func (s *Session) attachConsole() {
	if s.console == nil {
		return
	}
	if !s.cfg.ConsoleEnabled() {
		s.logger.Info("console logging disabled, see console_channel_level")
		return
	}
	level, err := config.ParseLevel(s.cfg.ConsoleChannelLevel)
	if err != nil {
		s.logger.Warn("bad console_channel_level, using INFO", "err", err)
		level = slog.LevelInfo
	}
	w := s.writer.Load()
	if w == nil {
		return
	}
	s.console.Attach(NewConsoleHandler(w.sendQuiet, s.cfg.ConsoleChannel, level))
	s.logger.Info("console logging online")
}

func (s *Session) handlePrivmsg(ctx context.Context, msg *irc.Message) error {
	nick := msg.Sender.Nick
	if s.isIgnored(nick) {
		s.logger.Debug("ignoring message", "nick", nick)
		return nil
	}
	target := msg.Param(0)
	inChannel := irc.IsChannel(target)
	if inChannel && s.cfg.PassiveJoin && s.tracker.State(target) == channels.NotJoined {
		s.tracker.PassiveJoin(target)
	}
	text := msg.Trailing
	if text == "" {
		return nil
	}

	inv := functions.Invocation{Msg: msg, Reply: replier{s: s, msg: msg}}
	switch {
	case inChannel && s.commands.candidate(text):
		return s.commands.handle(ctx, s, inv)
	case isCTCP(text):
		s.handleCTCP(msg)
		return nil
	case !inChannel && s.commands.candidate(text):
		s.logger.Debug("trying PM command", "nick", nick)
		return s.commands.handle(ctx, s, inv)
	case !inChannel:
		s.logger.Debug("ignoring PM", "nick", nick)
		return nil
	}
	return s.engine.Handle(ctx, inv)
}
