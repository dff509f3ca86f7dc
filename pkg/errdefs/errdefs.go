// Package errdefs holds the error taxonomy shared by the graph, the registry, the router
// and the pull engine. Sentinels are matched with errors.Is; the typed carriers add context.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrTransport = errors.New("transport error")
	ErrParse     = errors.New("parse error")
	ErrConfig    = errors.New("config error")
	ErrConflict  = errors.New("conflict")
)

// NotFoundError reports a referenced id that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ErrNotFound.Error()
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(kind string, id fmt.Stringer) error {
	return &NotFoundError{Kind: kind, ID: id.String()}
}

func NotFoundf(kind string, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConfigError reports a missing or invalid configuration for the requested operation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ErrConfig.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrConfig, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrConfig, e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

func Config(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// ConflictError reports a write that would break a graph invariant.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	if e == nil {
		return ErrConflict.Error()
	}
	return fmt.Sprintf("%s: %s", ErrConflict, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func Conflict(format string, args ...interface{}) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// wrapped marks an underlying error with one of the sentinels while keeping it unwrappable.
type wrapped struct {
	kind error
	err  error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %s", w.kind, w.err)
}

func (w *wrapped) Is(target error) bool { return target == w.kind }

func (w *wrapped) Unwrap() error { return w.err }

// Transport marks err as a network/provider failure.
func Transport(err error) error {
	if err == nil || errors.Is(err, ErrTransport) {
		return err
	}
	return &wrapped{kind: ErrTransport, err: err}
}

// Parse marks err as a malformed chunk or response.
func Parse(err error) error {
	if err == nil || errors.Is(err, ErrParse) {
		return err
	}
	return &wrapped{kind: ErrParse, err: err}
}

func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }
func IsParse(err error) bool     { return errors.Is(err, ErrParse) }
func IsConfig(err error) bool    { return errors.Is(err, ErrConfig) }
func IsConflict(err error) bool  { return errors.Is(err, ErrConflict) }

// Code returns a short machine readable code for err, used in API envelopes and events.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return "not_found"
	case IsConfig(err):
		return "config"
	case IsConflict(err):
		return "conflict"
	case IsParse(err):
		return "parse"
	case IsTransport(err):
		return "transport"
	default:
		return "internal"
	}
}
