// Package fault defines the error taxonomy shared by every paybench component.
//
// Errors are classified by Kind so the batch executor can decide whether an
// attempt is worth repeating without parsing messages:
//
//   - Network, HTTP, Parse: transient or server-side, retried under backoff
//   - Serialization, Decryption, MalformedPayload, SignatureMismatch,
//     Validation: retrying cannot fix them, reported immediately
//
// Use errors.As (or the KindOf / Is helpers) to inspect wrapped errors.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes a failure.
type Kind string

const (
	// KindSerialization indicates a payload could not be canonicalized.
	KindSerialization Kind = "SERIALIZATION"

	// KindDecryption indicates ciphertext was corrupt, badly padded or not UTF-8.
	KindDecryption Kind = "DECRYPTION"

	// KindMalformedPayload indicates decrypted text was expected to be JSON but was not.
	KindMalformedPayload Kind = "MALFORMED_PAYLOAD"

	// KindSignatureMismatch indicates a signature did not verify.
	KindSignatureMismatch Kind = "SIGNATURE_MISMATCH"

	// KindNetwork indicates a connection failure or timeout.
	KindNetwork Kind = "NETWORK"

	// KindHTTP indicates the gateway answered with a non-2xx status.
	KindHTTP Kind = "HTTP"

	// KindParse indicates the gateway answered with a body that is not JSON.
	KindParse Kind = "PARSE"

	// KindValidation indicates bad input detected before any network activity.
	KindValidation Kind = "VALIDATION"

	// KindUnknown is reported by KindOf for errors outside the taxonomy.
	KindUnknown Kind = "UNKNOWN"
)

// Error is a classified failure.
type Error struct {
	// Kind identifies the failure category.
	Kind Kind

	// Op names the operation that failed (e.g. "codec.Decrypt").
	Op string

	// Message is a human-readable description.
	Message string

	// Status carries the HTTP status code for KindHTTP errors.
	Status int

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies an existing error and adds context.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// HTTPStatus creates a KindHTTP error for a non-2xx response.
func HTTPStatus(op string, status int, excerpt string) *Error {
	return &Error{
		Kind:    KindHTTP,
		Op:      op,
		Status:  status,
		Message: fmt.Sprintf("status %d: %s", status, excerpt),
	}
}

// KindOf reports the Kind of err.
// Context cancellation and deadline errors that escaped classification count
// as KindNetwork: they surface from an interrupted exchange.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether another attempt could succeed.
// Unknown errors are treated as transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindHTTP, KindParse, KindUnknown:
		return true
	default:
		return false
	}
}
