package irc

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func readAll(t *testing.T, r *Reader) []string {
	t.Helper()
	var out []string
	for {
		msg, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, msg.String())
	}
}

func TestReader_SplitsLines(t *testing.T) {
	r := NewReader(strings.NewReader("PING :a\r\nPING :b\r\n"), nil)
	got := readAll(t, r)
	if len(got) != 2 || got[0] != "PING :a" || got[1] != "PING :b" {
		t.Fatalf("got %v", got)
	}
}

func TestReader_PartialFragmentAcrossReads(t *testing.T) {
	// OneByteReader forces every line to be assembled from many reads.
	src := iotest.OneByteReader(strings.NewReader(":a!b@c PRIVMSG #x :hello\r\nPING :z\r\n"))
	got := readAll(t, NewReader(src, nil))
	if len(got) != 2 || got[0] != ":a!b@c PRIVMSG #x :hello" {
		t.Fatalf("got %v", got)
	}
}

func TestReader_DiscardsTrailingFragment(t *testing.T) {
	got := readAll(t, NewReader(strings.NewReader("PING :a\r\nPING :incomplete"), nil))
	if len(got) != 1 {
		t.Fatalf("expected only the terminated line, got %v", got)
	}
}

func TestReader_SkipsBadLines(t *testing.T) {
	got := readAll(t, NewReader(strings.NewReader("\r\n   \r\nPING :ok\r\n"), nil))
	if len(got) != 1 || got[0] != "PING :ok" {
		t.Fatalf("got %v", got)
	}
}

func TestReader_BareLFIsNotADelimiter(t *testing.T) {
	got := readAll(t, NewReader(strings.NewReader("PING :a\nPING :b\r\n"), nil))
	if len(got) != 1 || got[0] != "PING :a\nPING :b" {
		t.Fatalf("got %q", got)
	}
}

func TestReader_SkipsOverlongLine(t *testing.T) {
	long := ":x PRIVMSG #c :" + strings.Repeat("a", 3*maxLineBytes)
	got := readAll(t, NewReader(strings.NewReader("PING :a\r\n"+long+"\r\nPING :b\r\n"), nil))
	if len(got) != 2 || got[0] != "PING :a" || got[1] != "PING :b" {
		t.Fatalf("got %d lines: %.40q", len(got), got)
	}
}

func TestReader_OverlongLineEndingAtBufferBoundary(t *testing.T) {
	// The CR is the last byte of a full buffer and its LF arrives in the next read.
	long := strings.Repeat("x", maxLineBytes-1)
	got := readAll(t, NewReader(strings.NewReader(long+"\r\nPING :b\r\n"), nil))
	if len(got) != 1 || got[0] != "PING :b" {
		t.Fatalf("got %d lines: %.40q", len(got), got)
	}
}
