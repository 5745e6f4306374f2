// Package errs is the gateway's error taxonomy.
//
// Every kind has a sentinel for errors.Is and, where callers need details, a
// typed error for errors.As. Typed errors match their sentinel.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConfig                = errors.New("invalid configuration")
	ErrUnknownType           = errors.New("unknown type")
	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrUnsupported           = errors.New("unsupported capability")
	ErrTimeout               = errors.New("operation timed out")
	ErrNotFound              = errors.New("not found")
	ErrState                 = errors.New("invalid state")
)

// ConfigError reports an invalid or missing field. It is fatal to the single
// mutation that produced it, never to the process.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

func Config(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UnknownTypeError is returned by a registry Create for an absent key.
type UnknownTypeError struct {
	Kind string // "platform" or "protocol"
	Key  string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown %s type %q", e.Kind, e.Key)
}

func (e *UnknownTypeError) Is(target error) bool { return target == ErrUnknownType }

type DuplicateRegistrationError struct {
	Kind string
	Key  string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("%s %q already registered", e.Kind, e.Key)
}

func (e *DuplicateRegistrationError) Is(target error) bool {
	return target == ErrDuplicateRegistration
}

// UnsupportedCapabilityError means a platform does not implement a
// capability a protocol action needs.
type UnsupportedCapabilityError struct {
	Platform   string
	Capability string
}

func (e *UnsupportedCapabilityError) Error() string {
	if e.Platform == "" {
		return fmt.Sprintf("capability %s is not supported", e.Capability)
	}
	return fmt.Sprintf("platform %s does not support %s", e.Platform, e.Capability)
}

func (e *UnsupportedCapabilityError) Is(target error) bool { return target == ErrUnsupported }

func Unsupported(platform, capability string) error {
	return &UnsupportedCapabilityError{Platform: platform, Capability: capability}
}

type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s: timed out after %s", e.Op, e.After)
	}
	return e.Op + ": timed out"
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return e.What + " not found" }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(format string, args ...any) error {
	return &NotFoundError{What: fmt.Sprintf(format, args...)}
}

// StateError is an invalid Account transition.
type StateError struct {
	From string
	To   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *StateError) Is(target error) bool { return target == ErrState }

// WrappedError carries the origin of a platform or protocol failure across
// the Account/Adapter boundary.
type WrappedError struct {
	Platform  string
	AccountID string
	Protocol  string
	Op        string
	Err       error
}

func (e *WrappedError) Error() string {
	var b strings.Builder
	b.WriteString(e.Platform)
	if e.AccountID != "" {
		b.WriteString("/")
		b.WriteString(e.AccountID)
	}
	if e.Protocol != "" {
		b.WriteString(" [")
		b.WriteString(e.Protocol)
		b.WriteString("]")
	}
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString("unknown error")
	}
	return b.String()
}

func (e *WrappedError) Unwrap() error { return e.Err }

// Wrap attaches origin context to err. Taxonomy errors keep matching through
// errors.Is and errors.As. A nil err returns nil.
func Wrap(err error, platform, accountID, protocol, op string) error {
	if err == nil {
		return nil
	}
	return &WrappedError{Platform: platform, AccountID: accountID, Protocol: protocol, Op: op, Err: err}
}

// Code is a short stable name for err's kind, used in JSON error bodies.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "config_error"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrDuplicateRegistration):
		return "duplicate_registration"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrState):
		return "invalid_state"
	default:
		return "internal"
	}
}
