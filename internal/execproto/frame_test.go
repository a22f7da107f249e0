package execproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode_Completed(t *testing.T) {
	data := Encode(Frame{ExcStatus: ExcCompleted, Status: 0, Stdout: []byte("hi\n"), Stderr: []byte{}})
	if len(data) != HeaderSize+3 {
		t.Fatalf("frame length: got %d", len(data))
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(f.Stdout, []byte("hi\n")) || len(f.Stderr) != 0 {
		t.Errorf("streams: stdout=%q stderr=%q", f.Stdout, f.Stderr)
	}
	res, err := Interpret(f)
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if res.Outcome != Completed || res.ExitCode != 0 {
		t.Errorf("result: %+v", res)
	}
}

func TestDecode_HeaderLayout(t *testing.T) {
	data := Encode(Frame{Status: 3, Stdout: []byte("out"), Stderr: []byte("error")})
	want := []byte{0x01, 'T', '9', '1', 0x1d, 0, 3, 0, 0, 0, 3, 0, 0, 0, 5}
	if !bytes.Equal(data[:HeaderSize], want) {
		t.Fatalf("header: got % x want % x", data[:HeaderSize], want)
	}
	if string(data[HeaderSize:]) != "outerror" {
		t.Errorf("body: %q", data[HeaderSize:])
	}
}

func TestInterpret_TimeoutIgnoresBody(t *testing.T) {
	for _, status := range []uint8{0, 1, 137, 255} {
		f, err := Decode(Encode(Frame{ExcStatus: ExcTimedOut, Status: status, Stdout: []byte("garbage")}))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		res, err := Interpret(f)
		if !errors.Is(err, ErrTimedOut) {
			t.Fatalf("status %d: expected ErrTimedOut, got %v", status, err)
		}
		if res != nil {
			t.Errorf("timeout must not carry a result, got %+v", res)
		}
	}
}

func TestInterpret_Fault(t *testing.T) {
	f, _ := Decode(Encode(Frame{ExcStatus: ExcFault, Status: 255, Stderr: []byte("no such user")}))
	_, err := Interpret(f)
	var fault *RemoteFaultError
	if !errors.As(err, &fault) {
		t.Fatalf("expected RemoteFaultError, got %v", err)
	}
	if fault.Message != "no such user" {
		t.Errorf("message: %q", fault.Message)
	}
}

func TestInterpret_UnknownStatus(t *testing.T) {
	_, err := Interpret(Frame{ExcStatus: 7})
	var unk *UnknownStatusError
	if !errors.As(err, &unk) || unk.Status != 7 {
		t.Fatalf("expected UnknownStatusError(7), got %v", err)
	}
}

func TestDecode_BadMagicCheckedFirst(t *testing.T) {
	data := Encode(Frame{Stdout: []byte("hi")})
	data[1] = 'X'
	// An absurd length must never be trusted when the magic is wrong.
	data[7], data[8], data[9], data[10] = 0xff, 0xff, 0xff, 0xff
	_, err := Decode(data)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecode_Truncated(t *testing.T) {
	full := Encode(Frame{Stdout: []byte("hello"), Stderr: []byte("world")})
	if _, err := Decode(full[:10]); !errors.Is(err, ErrShortFrame) {
		t.Errorf("short header: got %v", err)
	}
	if _, err := Decode(full[:len(full)-1]); !errors.Is(err, ErrShortFrame) {
		t.Errorf("short body: got %v", err)
	}
	if _, err := Decode(nil); !errors.Is(err, ErrBadMagic) {
		t.Errorf("empty: got %v", err)
	}
}
