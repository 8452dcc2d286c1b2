package transport

import (
	"errors"
	"fmt"
)

// ConnectErrorKind classifies why a session could not be established.
type ConnectErrorKind int

const (
	Unreachable ConnectErrorKind = iota
	AuthRejected
	BadConfig
)

func (k ConnectErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case AuthRejected:
		return "auth_rejected"
	case BadConfig:
		return "bad_config"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Sentinels for errors.Is matching.
var (
	ErrUnreachable  = errors.New("service unreachable")
	ErrAuthRejected = errors.New("credentials rejected")
	ErrBadConfig    = errors.New("invalid session configuration")
	ErrBackpressure = errors.New("send backpressure")

	// ErrClosed is returned by Receive after a clean close and by Send on a
	// session that is closing or ended.
	ErrClosed = errors.New("session closed")
	// ErrDesync marks a stream abandoned after too many consecutive decode failures.
	ErrDesync = errors.New("protocol desync")
	// ErrFrameOrder is returned by Send for a frame whose seq does not
	// follow the previous one.
	ErrFrameOrder = errors.New("frame sequence not increasing")
)

// ConnectError is fatal: the session never opened, or a reconnect was refused.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == Unreachable
	case ErrAuthRejected:
		return e.Kind == AuthRejected
	case ErrBadConfig:
		return e.Kind == BadConfig
	}
	return false
}

// SendErrorKind classifies a rejected frame.
type SendErrorKind int

const (
	SendClosed SendErrorKind = iota
	SendBackpressure
)

func (k SendErrorKind) String() string {
	if k == SendBackpressure {
		return "backpressure"
	}
	return "closed"
}

// SendError is returned synchronously by Send. The frame was not queued.
type SendError struct {
	Kind SendErrorKind
	Seq  uint64
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send frame %d: %s: %v", e.Seq, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool {
	switch target {
	case ErrBackpressure:
		return e.Kind == SendBackpressure
	case ErrClosed:
		return e.Kind == SendClosed
	}
	return false
}

// TransportError ends a session that was open: reconnects were exhausted or
// refused, or the stream desynchronized.
type TransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("transport %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
