package channels

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"t9/internal/config"
	"t9/internal/irc"
)

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) SendLine(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *recorder) count(line string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.lines {
		if l == line {
			n++
		}
	}
	return n
}

type memStore struct {
	mu    sync.Mutex
	chans map[string]bool
}

func newMemStore(initial ...string) *memStore {
	s := &memStore{chans: make(map[string]bool)}
	for _, c := range initial {
		s.chans[c] = true
	}
	return s
}

func (s *memStore) ListChannels(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for c := range s.chans {
		out = append(out, c)
	}
	slices.Sort(out)
	return out, nil
}

func (s *memStore) AddChannel(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chans[name] = true
	return nil
}

func (s *memStore) RemoveChannel(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chans, name)
	return nil
}

func (s *memStore) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chans[name]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTracker(t *testing.T, rec *recorder, store *memStore, invites config.InviteAllowed) *Tracker {
	t.Helper()
	cfg := Config{
		Nick:           "t9",
		Configured:     []string{"#a", "#t9-console"},
		Console:        "#t9-console",
		Invites:        invites,
		IsIgnored:      func(nick string) bool { return nick == "troll" },
		Sender:         rec,
		Logger:         testLogger(),
		JoinTimeout:    100 * time.Millisecond,
		RejoinInterval: 20 * time.Millisecond,
	}
	if store != nil {
		cfg.Store = store
	}
	return New(cfg)
}

func msg(t *testing.T, line string) *irc.Message {
	t.Helper()
	m, err := irc.Parse([]byte(line))
	if err != nil {
		t.Fatalf("parse %q: %v", line, err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandshakeJoins_Success(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec, nil, config.InviteAllowed{})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- tr.HandshakeJoins(ctx) }()

	waitFor(t, "JOIN lines", func() bool {
		return rec.count("JOIN #a") == 1 && rec.count("JOIN #t9-console") == 1
	})
	if tr.State("#a") != Joining {
		t.Errorf("state = %v, want joining", tr.State("#a"))
	}
	tr.HandleNumeric(ctx, msg(t, ":srv 366 t9 #A :End of /NAMES list."))
	tr.HandleNumeric(ctx, msg(t, ":srv 332 t9 #t9-console :topic"))

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("HandshakeJoins: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("HandshakeJoins did not return")
	}
	if got := tr.Joined(); !slices.Equal(got, []string{"#a", "#t9-console"}) {
		t.Errorf("joined = %v", got)
	}
	if tr.Origin("#a") != Configured {
		t.Errorf("origin = %v", tr.Origin("#a"))
	}
}

func TestHandshakeJoins_ConsoleFailureIsFatal(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec, nil, config.InviteAllowed{})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- tr.HandshakeJoins(ctx) }()

	waitFor(t, "JOIN lines", func() bool { return rec.count("JOIN #t9-console") == 1 })
	tr.HandleNumeric(ctx, msg(t, ":srv 473 t9 #t9-console :Cannot join channel (+i)"))
	tr.HandleNumeric(ctx, msg(t, ":srv 366 t9 #a :End"))

	if err := <-errc; !errors.Is(err, ErrConsoleNotJoined) {
		t.Fatalf("err = %v, want ErrConsoleNotJoined", err)
	}
	if tr.State("#t9-console") != NotJoined {
		t.Errorf("console state = %v", tr.State("#t9-console"))
	}
}

func TestRequestJoin_Timeout(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec, nil, config.InviteAllowed{})

	start := time.Now()
	done := tr.RequestJoin(context.Background(), "#slow")
	if again := tr.RequestJoin(context.Background(), "#slow"); again != done {
		t.Error("second request while joining should share the pending join")
	}
	<-done
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("resolved too early: %v", elapsed)
	}
	if rec.count("JOIN #slow") != 1 {
		t.Errorf("JOIN sent %d times", rec.count("JOIN #slow"))
	}
	if tr.State("#slow") != NotJoined {
		t.Errorf("state = %v", tr.State("#slow"))
	}
}

func TestRequestJoin_AlreadyJoined(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec, nil, config.InviteAllowed{})
	tr.PassiveJoin("#x")

	select {
	case <-tr.RequestJoin(context.Background(), "#X"):
	default:
		t.Fatal("joined channel should resolve immediately")
	}
	if rec.count("JOIN #x") != 0 {
		t.Error("no JOIN expected for a joined channel")
	}
}

func TestInvite_PersistAndKick(t *testing.T) {
	rec := &recorder{}
	store := newMemStore()
	tr := newTracker(t, rec, store, config.InviteAllowed{})
	ctx := context.Background()

	tr.HandleInvite(ctx, msg(t, ":alice!a@h INVITE t9 :#Fun"))
	if rec.count("JOIN #fun") != 1 {
		t.Fatal("invite should trigger a JOIN")
	}
	if tr.Origin("#fun") != Invited {
		t.Errorf("origin = %v", tr.Origin("#fun"))
	}
	tr.HandleNumeric(ctx, msg(t, ":srv 366 t9 #fun :End"))
	if !store.has("#fun") {
		t.Fatal("invited channel should be persisted after joining")
	}

	tr.HandleKick(ctx, msg(t, ":op!o@h KICK #fun t9 :bye"))
	if tr.IsJoined("#fun") || store.has("#fun") {
		t.Error("kick should forget invited channel")
	}
	if tr.Origin("#fun") != Unknown {
		t.Errorf("origin after kick = %v", tr.Origin("#fun"))
	}
}

func TestInvite_Gating(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		invites config.InviteAllowed
		line    string
		join    bool
	}{
		{"disabled", config.InviteAllowed{Disabled: true}, ":alice!a@h INVITE t9 :#x", false},
		{"open", config.InviteAllowed{}, ":alice!a@h INVITE t9 :#x", true},
		{"open ignored", config.InviteAllowed{}, ":troll!a@h INVITE t9 :#x", false},
		{"allow-list hit", config.InviteAllowed{Nicks: []string{"alice"}}, ":Alice!a@h INVITE t9 :#x", true},
		{"allow-list miss", config.InviteAllowed{Nicks: []string{"alice"}}, ":bob!a@h INVITE t9 :#x", false},
		{"other nick", config.InviteAllowed{}, ":alice!a@h INVITE someone :#x", false},
		{"configured", config.InviteAllowed{}, ":alice!a@h INVITE t9 :#a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			tr := newTracker(t, rec, nil, tt.invites)
			tr.HandleInvite(ctx, msg(t, tt.line))
			joined := rec.count("JOIN #x") == 1
			if joined != tt.join {
				t.Errorf("join = %v, want %v", joined, tt.join)
			}
			if rec.count("JOIN #a") != 0 {
				t.Error("configured channel must not be joined through an invite")
			}
		})
	}
}

func TestKick_ConfiguredRejoinsUntilJoined(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec, nil, config.InviteAllowed{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr.HandleNumeric(ctx, msg(t, ":srv 366 t9 #a :End"))
	if !tr.IsJoined("#a") {
		t.Fatal("unsolicited success should mark the channel joined")
	}

	done := make(chan struct{})
	go func() {
		tr.HandleKick(ctx, msg(t, ":op!o@h KICK #a t9 :out"))
		close(done)
	}()

	waitFor(t, "rejoin attempt", func() bool { return rec.count("JOIN #a") >= 1 })
	select {
	case <-done:
		t.Fatal("rejoin loop must keep going until joined")
	default:
	}
	tr.HandleNumeric(ctx, msg(t, ":srv 366 t9 #a :End"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rejoin loop did not stop after joining")
	}
}

func TestKick_RejoinStopsOnShutdown(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec, nil, config.InviteAllowed{})
	ctx, cancel := context.WithCancel(context.Background())
	tr.PassiveJoin("#a")

	done := make(chan struct{})
	go func() {
		tr.HandleKick(ctx, msg(t, ":op!o@h KICK #a t9 :out"))
		close(done)
	}()
	waitFor(t, "rejoin attempt", func() bool { return rec.count("JOIN #a") >= 1 })
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rejoin loop ignored cancellation")
	}
}

func TestKick_PassiveAndOtherNick(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec, nil, config.InviteAllowed{})
	ctx := context.Background()

	tr.PassiveJoin("#p")
	if tr.Origin("#p") != PassivelyJoined {
		t.Errorf("origin = %v", tr.Origin("#p"))
	}
	tr.HandleKick(ctx, msg(t, ":op!o@h KICK #p someone :x"))
	if !tr.IsJoined("#p") {
		t.Error("kick of another nick must not change state")
	}
	tr.HandleKick(ctx, msg(t, ":op!o@h KICK #p T9 :x"))
	if tr.IsJoined("#p") {
		t.Error("kick should remove joined state")
	}
	if rec.count("JOIN #p") != 0 {
		t.Error("passively joined channel must not be rejoined")
	}
}

func TestLoadPersisted(t *testing.T) {
	rec := &recorder{}
	store := newMemStore("#a", "#old")
	tr := newTracker(t, rec, store, config.InviteAllowed{})
	ctx := context.Background()

	if err := tr.LoadPersisted(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.Origin("#old") != Invited {
		t.Errorf("#old origin = %v", tr.Origin("#old"))
	}
	if tr.Origin("#a") != Configured {
		t.Errorf("#a origin = %v", tr.Origin("#a"))
	}

	go tr.HandshakeJoins(ctx)
	waitFor(t, "JOIN #old", func() bool { return rec.count("JOIN #old") == 1 })
}

func TestJoinFailure_DropsInvite(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec, newMemStore(), config.InviteAllowed{})
	ctx := context.Background()

	tr.HandleInvite(ctx, msg(t, ":alice!a@h INVITE t9 :#locked"))
	tr.HandleNumeric(ctx, msg(t, ":srv 475 t9 #locked :Cannot join channel (+k)"))
	if tr.Origin("#locked") != Unknown || tr.State("#locked") != NotJoined {
		t.Errorf("origin=%v state=%v", tr.Origin("#locked"), tr.State("#locked"))
	}
}
