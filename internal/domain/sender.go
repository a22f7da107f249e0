package domain

import "context"

// LineSender writes one protocol line to the session. Implementations add
// the line terminator and log the line.
type LineSender interface {
	SendLine(line string)
}

// Paster uploads text and returns a reference to it. ok is false when the
// upload was not possible.
type Paster interface {
	Paste(ctx context.Context, text string) (url string, ok bool)
}
