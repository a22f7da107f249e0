package functions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"t9/internal/domain"
	"t9/internal/execproto"
	"t9/internal/gate"
)

type replies struct {
	mu       sync.Mutex
	respond  []string
	userLogs []string
}

func (r *replies) Respond(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.respond = append(r.respond, text)
}

func (r *replies) UserLog(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userLogs = append(r.userLogs, text)
}

type memStore struct {
	mu      sync.Mutex
	funcs   map[string]domain.FunctionDefinition
	secrets []domain.Secret
	failPut bool
}

func newMemStore() *memStore {
	return &memStore{funcs: make(map[string]domain.FunctionDefinition)}
}

func (s *memStore) ListFunctions(context.Context) ([]domain.FunctionDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FunctionDefinition
	for _, f := range s.funcs {
		out = append(out, f)
	}
	return out, nil
}

func (s *memStore) UpsertFunction(_ context.Context, fn domain.FunctionDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return fmt.Errorf("disk full")
	}
	s.funcs[fn.Trigger] = fn
	return nil
}

func (s *memStore) DeleteFunction(_ context.Context, trigger string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.funcs[trigger]; !ok {
		return 0, nil
	}
	delete(s.funcs, trigger)
	return 1, nil
}

func (s *memStore) ListSecrets(_ context.Context, owner string) ([]domain.Secret, error) {
	var out []domain.Secret
	for _, sec := range s.secrets {
		if sec.Owner == owner {
			out = append(out, sec)
		}
	}
	return out, nil
}

func (s *memStore) SetSecret(_ context.Context, sec domain.Secret) error {
	s.secrets = append(s.secrets, sec)
	return nil
}

func (s *memStore) DeleteSecret(context.Context, string, string) (int64, error) { return 0, nil }

type fakeClient struct {
	mu   sync.Mutex
	reqs []execproto.Request
	res  *execproto.Result
	err  error
}

func (c *fakeClient) Exec(_ context.Context, req execproto.Request) (*execproto.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return c.res, c.err
}

func (c *fakeClient) last(t *testing.T) execproto.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reqs) == 0 {
		t.Fatal("no exec request was made")
	}
	return c.reqs[len(c.reqs)-1]
}

type engineFixture struct {
	engine *Engine
	store  *memStore
	client *fakeClient
}

func newFixture(t *testing.T, mutate func(*Config)) *engineFixture {
	t.Helper()
	store := newMemStore()
	client := &fakeClient{res: &execproto.Result{}}
	cfg := Config{
		Nick:         "t9",
		ChannelsOnly: true,
		ExecTime:     10,
		Store:        store,
		Executor: NewExecutor(ExecutorConfig{
			Client:  client,
			Gate:    gate.New(),
			Secrets: store,
		}),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &engineFixture{engine: New(cfg), store: store, client: client}
}

func (f *engineFixture) say(t *testing.T, nick, channel, text string) *replies {
	t.Helper()
	r := &replies{}
	msg := mustParse(t, fmt.Sprintf(":%s!u@host PRIVMSG %s :%s", nick, channel, text))
	if err := f.engine.Handle(context.Background(), Invocation{Msg: msg, Reply: r}); err != nil {
		t.Fatalf("Handle(%q): %v", text, err)
	}
	return r
}

func TestEngine_DefineAndEcho(t *testing.T) {
	f := newFixture(t, nil)

	f.say(t, "alice", "#t9-test", "foo is <$echo> hi {nick}")
	def, ok := f.engine.Table().Get("foo")
	if !ok {
		t.Fatal("foo was not defined")
	}
	if def.Parent != "$echo" || def.Body != "hi {nick}" || def.Setter != "alice" {
		t.Errorf("def = %+v", def)
	}
	if _, ok := f.store.funcs["foo"]; !ok {
		t.Error("definition was not persisted")
	}

	r := f.say(t, "bob", "#t9-test", "foo")
	if len(r.respond) != 1 || r.respond[0] != "hi bob" {
		t.Errorf("respond = %v", r.respond)
	}
}

func TestEngine_DefinitionForms(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ChannelsOnly = false })

	f.say(t, "alice", "#elsewhere", "plain <$echo> x")
	if _, ok := f.engine.Table().Get("plain"); ok {
		t.Error("unaddressed definition outside a bot channel should be ignored")
	}

	f.say(t, "alice", "#elsewhere", "t9: addressed <$echo> x")
	if _, ok := f.engine.Table().Get("addressed"); !ok {
		t.Error("addressed definition should be accepted")
	}

	f.say(t, "alice", "#t9-test", "exec <$echo> nope")
	if _, ok := f.engine.Table().Get("exec"); ok {
		t.Error("exec is reserved")
	}
}

func TestEngine_ChannelsOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.say(t, "alice", "#elsewhere", "t9: foo <$echo> x")
	if f.engine.Table().Len() != 0 {
		t.Error("definitions outside bot channels should be ignored")
	}
}

func TestEngine_StoreFailureAbortsDefinition(t *testing.T) {
	f := newFixture(t, nil)
	f.store.failPut = true

	msg := mustParse(t, ":alice!u@host PRIVMSG #t9-test :foo <$echo> x")
	err := f.engine.Handle(context.Background(), Invocation{Msg: msg, Reply: &replies{}})
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := f.engine.Table().Get("foo"); ok {
		t.Error("failed definition should not be in the table")
	}
}

func TestEngine_ParentChain(t *testing.T) {
	f := newFixture(t, nil)
	f.say(t, "alice", "#t9-test", "base <$echo> [{input}] [{stack.1}]")
	f.say(t, "alice", "#t9-test", "outer <base extra> outer body")

	r := f.say(t, "bob", "#t9-test", "outer")
	if len(r.respond) != 1 || r.respond[0] != "[extra] [outer body]" {
		t.Errorf("respond = %v", r.respond)
	}
}

func TestEngine_StackLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.say(t, "alice", "#t9-test", "ping <pong> a")
	f.say(t, "alice", "#t9-test", "pong <ping> b")

	r := f.say(t, "bob", "#t9-test", "ping")
	if len(r.respond) != 0 || len(r.userLogs) != 0 {
		t.Errorf("cycle should stop silently, got %v %v", r.respond, r.userLogs)
	}
}

func TestEngine_StrictParents(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StrictParents = true })

	r := f.say(t, "alice", "#t9-test", "foo <nope> body")
	if _, ok := f.engine.Table().Get("foo"); ok {
		t.Error("unresolvable parent accepted")
	}
	if len(r.userLogs) != 1 || !strings.Contains(r.userLogs[0], "<nope>") {
		t.Errorf("userLogs = %v", r.userLogs)
	}

	f.say(t, "alice", "#t9-test", "bar <$echo> ok")
	f.say(t, "alice", "#t9-test", "foo <bar> body")
	if _, ok := f.engine.Table().Get("foo"); !ok {
		t.Error("resolvable parent rejected")
	}
}

func TestEngine_Load(t *testing.T) {
	f := newFixture(t, nil)
	f.store.funcs["hello"] = domain.FunctionDefinition{Trigger: "hello", Parent: "$echo", Body: "world"}

	if err := f.engine.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	r := f.say(t, "bob", "#t9-test", "hello")
	if len(r.respond) != 1 || r.respond[0] != "world" {
		t.Errorf("respond = %v", r.respond)
	}
}

func TestEngine_DeleteAndInspect(t *testing.T) {
	f := newFixture(t, nil)
	f.say(t, "alice", "#t9-test", "!w <$echo> weather")

	if def, ok := f.engine.Inspect(".w london"); !ok || def.Trigger != "!w" {
		t.Errorf("Inspect = %+v, %v", def, ok)
	}

	if got := f.engine.Delete(context.Background(), "!w"); got != `Deleted function "!w"` {
		t.Errorf("Delete = %q", got)
	}
	if _, ok := f.store.funcs["!w"]; ok {
		t.Error("still in storage")
	}
	if got := f.engine.Delete(context.Background(), "!w"); got != `No function matches "!w"` {
		t.Errorf("second Delete = %q", got)
	}
}

func TestEngine_ExecThroughFunction(t *testing.T) {
	f := newFixture(t, nil)
	f.store.secrets = []domain.Secret{
		{Owner: "alice", Name: "API_KEY", Value: "alice-key"},
		{Owner: "bob", Name: "API_KEY", Value: "bob-key"},
	}
	f.client.res = &execproto.Result{ExitCode: 0, Stdout: []byte("sunny  \nsecond line\n")}

	f.say(t, "alice", "#t9-test", "!w <$exec> -weather --city")
	r := f.say(t, "bob", "#t9-test", "!w london")

	req := f.client.last(t)
	if strings.Join(req.Cmd, " ") != "weather --city" {
		t.Errorf("Cmd = %q", req.Cmd)
	}
	if req.User != ExecUser || req.WorkingDir != ExecWorkingDir || req.Timeout != 10 {
		t.Errorf("request = %+v", req)
	}
	if req.Env["T9_FUNC"] != "!w" || req.Env["T9_INPUT"] != "london" || req.Env["T9_NICK"] != "bob" {
		t.Errorf("env = %v", req.Env)
	}
	if req.Env["API_KEY"] != "alice-key" {
		t.Errorf("secrets should come from the function's setter, got %q", req.Env["API_KEY"])
	}

	if len(r.respond) != 1 || r.respond[0] != "sunny" {
		t.Errorf("respond = %v", r.respond)
	}
	if len(r.userLogs) != 1 || r.userLogs[0] != "$exec [-weather --city] exited 0" {
		t.Errorf("userLogs = %v", r.userLogs)
	}
}

func TestEngine_ExecCommandSecretsOnlyInBotChannels(t *testing.T) {
	f := newFixture(t, nil)
	f.store.secrets = []domain.Secret{{Owner: "bob", Name: "API_KEY", Value: "bob-key"}}

	run := func(channel string) execproto.Request {
		msg := mustParse(t, ":bob!u@host PRIVMSG "+channel+" :$exec env")
		if err := f.engine.ExecCommand(context.Background(), Invocation{Msg: msg, Reply: &replies{}}, "env", 5); err != nil {
			t.Fatal(err)
		}
		return f.client.last(t)
	}

	if req := run("#t9-test"); req.Env["API_KEY"] != "bob-key" || req.Timeout != 5 {
		t.Errorf("bot channel request = %+v", req)
	}
	if req := run("#elsewhere"); req.Env["API_KEY"] != "" {
		t.Error("secrets leaked outside a bot channel")
	}
}
