package execproto

import (
	"errors"
	"fmt"
)

// Request is the JSON body of POST /exec. Field names are part of the wire
// contract.
type Request struct {
	Cmd        []string          `json:"Cmd"`
	Env        map[string]string `json:"Env,omitempty"`
	User       string            `json:"User,omitempty"`
	WorkingDir string            `json:"WorkingDir,omitempty"`
	Timeout    int               `json:"Timeout,omitempty"`
}

// Outcome classifies how an exec ended.
type Outcome int

const (
	Completed Outcome = iota
	TimedOut
	RemoteFault
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed out"
	case RemoteFault:
		return "remote fault"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result of a completed exec. ExitCode is only meaningful for Completed.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

var (
	// ErrTimedOut covers both the server-side budget and the client-side
	// transport deadline.
	ErrTimedOut  = errors.New("exec timed out")
	ErrEmptyArgv = errors.New("exec request needs a non-empty Cmd")
)

// RemoteFaultError is an unhandled failure reported by the exec host.
type RemoteFaultError struct {
	Message string
}

func (e *RemoteFaultError) Error() string {
	return "unhandled exception during exec on server: " + e.Message
}

// UnknownStatusError is returned for exc_status values outside the contract.
type UnknownStatusError struct {
	Status uint8
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown exception status from server (%d)", e.Status)
}

// Interpret maps a decoded frame to a Result or one of the outcome errors.
func Interpret(f Frame) (*Result, error) {
	switch f.ExcStatus {
	case ExcCompleted:
		return &Result{Outcome: Completed, ExitCode: int(f.Status), Stdout: f.Stdout, Stderr: f.Stderr}, nil
	case ExcTimedOut:
		return nil, ErrTimedOut
	case ExcFault:
		return nil, &RemoteFaultError{Message: string(f.Stderr)}
	default:
		return nil, &UnknownStatusError{Status: f.ExcStatus}
	}
}
