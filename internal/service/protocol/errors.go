package protocol

import (
	"errors"
	"fmt"
)

// DecodeErrorCode classifies a decode failure.
type DecodeErrorCode string

const (
	CodeMalformed   DecodeErrorCode = "malformed"
	CodeUnknownType DecodeErrorCode = "unknown_type"
)

// Sentinels for errors.Is matching against a *DecodeError.
var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// DecodeError describes why a frame could not be decoded.
type DecodeError struct {
	Code    DecodeErrorCode
	Type    string
	Message string
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %s (type=%s): %s", e.Code, e.Type, e.Message)
	}
	return fmt.Sprintf("decode %s: %s", e.Code, e.Message)
}

// Is matches the sentinel for the error's code.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Code == CodeMalformed
	case ErrUnknownType:
		return e.Code == CodeUnknownType
	}
	return false
}

func malformed(typ, format string, args ...any) *DecodeError {
	return &DecodeError{Code: CodeMalformed, Type: typ, Message: fmt.Sprintf(format, args...)}
}

func unknownType(typ string) *DecodeError {
	return &DecodeError{Code: CodeUnknownType, Type: typ, Message: "unsupported message type"}
}
