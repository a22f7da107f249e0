package irc

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
)

const maxLineBytes = 64 * 1024

// Reader frames a byte stream into messages. A trailing fragment without a
// line terminator is discarded at end of stream, and lines longer than
// maxLineBytes are skipped.
type Reader struct {
	scanner *bufio.Scanner
	logger  *slog.Logger

	discarded int // bytes dropped so far from an overlong line
}

func NewReader(r io.Reader, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineBytes)
	rd := &Reader{scanner: s, logger: logger}
	s.Split(rd.split)
	return rd
}

// Next returns the next message, or io.EOF once the stream is exhausted.
// Lines that fail to parse are logged and skipped.
func (r *Reader) Next() (*Message, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		msg, err := Parse(line)
		if err != nil {
			r.logger.Debug("skipping unparseable line", "line", string(line), "err", err)
			continue
		}
		return msg, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *Reader) split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, EOL); i >= 0 {
		if r.discarded > 0 {
			r.logger.Warn("skipped overlong line", "bytes", r.discarded+i)
			r.discarded = 0
			return i + len(EOL), nil, nil
		}
		return i + len(EOL), data[:i], nil
	}
	if atEOF {
		// drop the partial fragment
		r.discarded = 0
		return len(data), nil, nil
	}
	if len(data) >= maxLineBytes {
		// The buffer is full without a terminator. Drop what we have, but
		// keep a trailing CR in case its LF is in the next read.
		n := len(data)
		if data[n-1] == '\r' {
			n--
		}
		r.discarded += n
		return n, nil, nil
	}
	return 0, nil, nil
}
