package types

import (
	"errors"
	"fmt"
)

// FormatError reports malformed or unsupported input. It is fatal to the
// single Process call that produced it.
type FormatError struct {
	Adapter  string
	FileName string
	Reason   string
	Err      error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Adapter, e.Reason)
	if e.FileName != "" {
		msg = fmt.Sprintf("%s (file: %s)", msg, e.FileName)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func NewFormatError(adapter, fileName, reason string) *FormatError {
	return &FormatError{Adapter: adapter, FileName: fileName, Reason: reason}
}

func (e *FormatError) WithCause(err error) *FormatError {
	e.Err = err
	return e
}

func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// SecurityError is a rejection by the outbound request validation pipeline.
// Check names the stage that failed (protocol, domain, network, port, path,
// redirect, content_type, size).
type SecurityError struct {
	URL    string
	Check  string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("blocked %s: %s check failed: %s", e.URL, e.Check, e.Reason)
}

func NewSecurityError(url, check, reason string) *SecurityError {
	return &SecurityError{URL: url, Check: check, Reason: reason}
}

func IsSecurityError(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}

// ConnectionError is a network or protocol failure. Fatal is set once the
// reconnect policy has been exhausted.
type ConnectionError struct {
	Endpoint   string
	Attempt    int
	StatusCode int
	Fatal      bool
	Err        error
}

func (e *ConnectionError) Error() string {
	prefix := "connection error"
	if e.Fatal {
		prefix = "fatal connection error"
	}
	msg := fmt.Sprintf("%s for %s", prefix, e.Endpoint)
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d)", msg, e.Attempt)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsFatalConnectionError reports whether err carries a ConnectionError whose
// retries have been exhausted.
func IsFatalConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Fatal
}

type BatchFlushError struct {
	BatchSize int
	Err       error
}

func (e *BatchFlushError) Error() string {
	return fmt.Sprintf("failed to flush batch of %d records: %v", e.BatchSize, e.Err)
}

func (e *BatchFlushError) Unwrap() error {
	return e.Err
}

func IsBatchFlushError(err error) bool {
	var be *BatchFlushError
	return errors.As(err, &be)
}

// BufferOverflowError reports records evicted to keep the buffer bounded.
type BufferOverflowError struct {
	Dropped   int
	MaxBuffer int
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("buffer overflow: dropped %d oldest records (max buffer %d)", e.Dropped, e.MaxBuffer)
}

func IsBufferOverflowError(err error) bool {
	var oe *BufferOverflowError
	return errors.As(err, &oe)
}
