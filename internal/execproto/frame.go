// Package execproto implements the request/response contract between the
// bot and the exec host: a JSON request and a fixed-then-variable binary
// response frame.
package execproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies the response format.
var Magic = [5]byte{0x01, 'T', '9', '1', 0x1d}

// HeaderSize is magic(5) + exc_status(1) + status(1) + out_len(4) + err_len(4).
const HeaderSize = 15

// Exception status values carried in the frame header.
const (
	ExcCompleted uint8 = 0
	ExcTimedOut  uint8 = 1
	ExcFault     uint8 = 255
)

var (
	ErrBadMagic   = errors.New("execproto: unknown response format id")
	ErrShortFrame = errors.New("execproto: truncated response frame")
)

// Frame is the decoded response body.
type Frame struct {
	ExcStatus uint8
	Status    uint8
	Stdout    []byte
	Stderr    []byte
}

// Encode builds the wire representation of f.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(f.Stdout)+len(f.Stderr))
	copy(buf[0:5], Magic[:])
	buf[5] = f.ExcStatus
	buf[6] = f.Status
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(f.Stdout)))
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(f.Stderr)))
	buf = append(buf, f.Stdout...)
	buf = append(buf, f.Stderr...)
	return buf
}

// Decode parses a response frame. The magic is checked before any length
// field is read.
func Decode(data []byte) (Frame, error) {
	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], Magic[:]) {
		got := data
		if len(got) > len(Magic) {
			got = got[:len(Magic)]
		}
		return Frame{}, fmt.Errorf("%w: got %q expected %q", ErrBadMagic, got, Magic[:])
	}
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d header bytes", ErrShortFrame, len(data))
	}
	outLen := uint64(binary.BigEndian.Uint32(data[7:11]))
	errLen := uint64(binary.BigEndian.Uint32(data[11:15]))
	body := data[HeaderSize:]
	if uint64(len(body)) < outLen+errLen {
		return Frame{}, fmt.Errorf("%w: body has %d bytes, header declares %d", ErrShortFrame, len(body), outLen+errLen)
	}
	return Frame{
		ExcStatus: data[5],
		Status:    data[6],
		Stdout:    body[:outLen],
		Stderr:    body[outLen : outLen+errLen],
	}, nil
}
