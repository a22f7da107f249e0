package execproto

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL + "/", Logger: testLogger()})
}

func TestClient_Exec_SendsRequest(t *testing.T) {
	var got Request
	var requestID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/exec" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		requestID = r.Header.Get("X-Request-ID")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write(Encode(Frame{Status: 2, Stdout: []byte("hi\n"), Stderr: []byte("warn\n")}))
	})

	res, err := c.Exec(context.Background(), Request{
		Cmd:        []string{"echo", "hi"},
		Env:        map[string]string{"T9_NICK": "alice"},
		User:       "user:user",
		WorkingDir: "/home/user",
		Timeout:    5,
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 2 || string(res.Stdout) != "hi\n" || string(res.Stderr) != "warn\n" {
		t.Errorf("result: %+v", res)
	}
	if len(got.Cmd) != 2 || got.Env["T9_NICK"] != "alice" || got.Timeout != 5 || got.User != "user:user" {
		t.Errorf("request body: %+v", got)
	}
	if requestID == "" {
		t.Error("expected a request id header")
	}
}

func TestClient_Exec_RawJSONFieldNames(t *testing.T) {
	var raw map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		w.Write(Encode(Frame{}))
	})
	if _, err := c.Exec(context.Background(), Request{Cmd: []string{"true"}}); err != nil {
		t.Fatalf("exec: %v", err)
	}
	for _, key := range []string{"Cmd", "Timeout"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing field %q in %v", key, raw)
		}
	}
	if _, ok := raw["Env"]; ok {
		t.Error("empty Env should be omitted")
	}
}

func TestClient_Exec_EmptyArgv(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
	if _, err := c.Exec(context.Background(), Request{}); !errors.Is(err, ErrEmptyArgv) {
		t.Fatalf("expected ErrEmptyArgv, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("no request should be sent for an empty argv")
	}
}

func TestClient_Exec_ServerTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(Encode(Frame{ExcStatus: ExcTimedOut, Status: 9}))
	})
	if _, err := c.Exec(context.Background(), Request{Cmd: []string{"sleep", "99"}}); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestClient_Exec_Fault(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(Encode(Frame{ExcStatus: ExcFault, Stderr: []byte("boom")}))
	})
	_, err := c.Exec(context.Background(), Request{Cmd: []string{"x"}})
	var fault *RemoteFaultError
	if !errors.As(err, &fault) || fault.Message != "boom" {
		t.Fatalf("expected fault, got %v", err)
	}
}

func TestClient_Exec_BadMagic(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not a frame</html>"))
	})
	if _, err := c.Exec(context.Background(), Request{Cmd: []string{"x"}}); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestClient_Exec_HTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})
	_, err := c.Exec(context.Background(), Request{Cmd: []string{"x"}})
	if err == nil || errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestClient_Shutdown_SwallowsErrors(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1", Logger: testLogger()})
	c.Shutdown(context.Background()) // must not panic or block
}

func TestClient_Shutdown_HostNeverAnswers(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	defer close(block)

	c := NewClient(ClientConfig{BaseURL: srv.URL, Logger: testLogger(), ShutdownTimeout: 100 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		c.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return against a host that never answers /exit")
	}
}

func TestClient_DefaultShutdownTimeout(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	if c.shutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("shutdownTimeout = %v", c.shutdownTimeout)
	}
}

func TestClient_Status(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Write([]byte("ok"))
	})
	status, err := c.Status(context.Background(), time.Second)
	if err != nil || status != "ok" {
		t.Fatalf("status: %q %v", status, err)
	}
}

func TestClient_Status_Empty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	status, err := c.Status(context.Background(), time.Second)
	if err != nil || status != "<empty>" {
		t.Fatalf("status: %q %v", status, err)
	}
}

func TestClient_Status_Timeout(t *testing.T) {
	block := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	defer close(block)
	if _, err := c.Status(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}
