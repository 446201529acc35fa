// Package domainerrors carries the error taxonomy shared by every service.
//
// Services return *Error values with a Code; transport layers map codes to
// responses and use UserMessage to decide how much detail leaves the process.
// Infrastructure stores should return pkg/platform/sentinel errors instead and
// let services translate them.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeConsentDenied      Code = "consent_denied"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeIntegrity          Code = "integrity_error"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeChainTampered      Code = "chain_tampered"
	CodeInvariantViolation Code = "invariant_violation"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal_error"
)

// GenericMessage is the only text returned to callers for failures that could
// reveal cryptographic or storage state.
const GenericMessage = "processing failed"

// Error is a coded domain error. Message is safe to show to the subject only
// when the code is actionable (see UserMessage).
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any *Error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// CodeOf returns the outermost code in the chain, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Actionable reports whether the caller can fix the failure by changing the request
// or the subject's consent. Everything else is opaque to the caller.
func Actionable(code Code) bool {
	switch code {
	case CodeValidation, CodeInvalidInput, CodeConsentDenied, CodeNotFound, CodeConflict:
		return true
	default:
		return false
	}
}

// UserMessage returns the message that may be surfaced to the data subject.
// Integrity, chain and storage failures collapse to GenericMessage.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) && Actionable(de.Code) {
		return de.Message
	}
	return GenericMessage
}
