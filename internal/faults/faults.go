// Package faults classifies failures crossing the lifecycle engine.
//
// Action and reasoning collaborators wrap their errors in TransientError or
// PermanentError; anything unwrapped is treated as transient so it consumes
// the retry budget instead of dropping the item.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTurnLimitExceeded is returned by a reasoning collaborator that ran out of turns.
	ErrTurnLimitExceeded = errors.New("reasoning turn limit exceeded")
	// ErrCapabilityDenied marks a proposed action outside the role's action set.
	ErrCapabilityDenied = errors.New("action not permitted for role")
	// ErrInterrupted marks an attempt cut short by a process exit.
	ErrInterrupted = errors.New("attempt interrupted")
)

// TransientError marks a failure worth retrying.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient action failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix, e.g. malformed arguments.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent action failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// CapabilityViolation is raised when an action reaches execution without the gate allowing it.
type CapabilityViolation struct {
	Role     string
	Action   string
	Decision string
}

func (e *CapabilityViolation) Error() string {
	return fmt.Sprintf("capability violation: role %s attempted %s (gate: %s)", e.Role, e.Action, e.Decision)
}

// SecretLeakError aborts a replication push.
type SecretLeakError struct {
	ItemID string
	Rule   string
}

func (e *SecretLeakError) Error() string {
	return fmt.Sprintf("secret leak aborted: item %s matched %s", e.ItemID, e.Rule)
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err must skip the retry path.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var cv *CapabilityViolation
	return errors.As(err, &cv)
}

// IsTransient reports whether err should be retried. Unclassified errors count as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

func IsCapabilityViolation(err error) bool {
	var cv *CapabilityViolation
	return errors.As(err, &cv)
}

func IsSecretLeak(err error) bool {
	var sl *SecretLeakError
	return errors.As(err, &sl)
}

// FromStatus classifies an HTTP status returned by a collaborator.
func FromStatus(status int, body string) error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	} else {
		msg = fmt.Sprintf("status %d: %s", status, msg)
	}
	err := errors.New(msg)
	switch {
	case status == 408, status == 425, status == 429, status >= 500:
		return &TransientError{Err: err, StatusCode: status}
	case status >= 400:
		return &PermanentError{Err: err, StatusCode: status}
	}
	return nil
}

// Reason returns the history reason string for a failure.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCapabilityViolation(err):
		return "capability_violation"
	case errors.Is(err, ErrCapabilityDenied):
		return "capability_denied"
	case errors.Is(err, ErrTurnLimitExceeded):
		return "turn_limit_exceeded"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case IsPermanent(err):
		return "permanent_failure"
	}
	return "transient_failure"
}
