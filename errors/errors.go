// Package errors provides error handling for the controller.
//
// It re-exports github.com/cockroachdb/errors and defines the controller's
// error kinds as sentinel errors. Kinds are attached with Mark so callers can
// wrap freely while errors.Is and KindOf keep working:
//
//	err = errors.Mark(errors.Wrapf(err, "tap %d,%d", x, y), errors.ErrTransport)
//	errors.Is(err, errors.ErrTransport) // true
package errors

import (
	"context"
	"fmt"

	crdb "github.com/cockroachdb/errors"

	"mobilecontrol/models"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetail   = crdb.WithDetail
	Mark         = crdb.Mark
	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Unwrap       = crdb.Unwrap
	FlattenHints = crdb.FlattenHints
)

// Error kinds. Wrap them (or Mark with them) to add context.
var (
	ErrValidation         = New("validation failed")
	ErrUnknownApp         = New("unknown app")
	ErrUnknownAction      = New("unknown action")
	ErrDeviceUnavailable  = New("device unavailable")
	ErrSelectorResolution = New("selector resolution failed")
	ErrTransport          = New("transport error")
	ErrTimeout            = New("command timed out")
	ErrCancelled          = New("command cancelled")
	ErrConnection         = New("connection failed")
	ErrNotFound           = New("not found")
	ErrConflict           = New("conflict")
)

// ValidationError reports the first rule a raw command failed.
type ValidationError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Unwrap exposes a catalog miss (ErrUnknownApp / ErrUnknownAction) when the
// failure came from the catalog.
func (e *ValidationError) Unwrap() error { return e.cause }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func InvalidBecause(field string, cause error) error {
	return &ValidationError{Field: field, Reason: cause.Error(), cause: cause}
}

// ValidationField returns the offending field of a validation error, or "".
func ValidationField(err error) string {
	var ve *ValidationError
	if As(err, &ve) {
		return ve.Field
	}
	return ""
}

// KindOf classifies err into the kind recorded on execution records.
func KindOf(err error) models.ErrorKind {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrCancelled), Is(err, context.Canceled):
		return models.ErrorKindCancelled
	case Is(err, ErrTimeout), Is(err, context.DeadlineExceeded):
		return models.ErrorKindTimeout
	case Is(err, ErrSelectorResolution):
		return models.ErrorKindSelectorFailed
	case Is(err, ErrDeviceUnavailable):
		return models.ErrorKindDeviceUnavailable
	case Is(err, ErrTransport):
		return models.ErrorKindTransport
	case Is(err, ErrConnection):
		return models.ErrorKindConnection
	case Is(err, ErrUnknownApp):
		return models.ErrorKindUnknownApp
	case Is(err, ErrUnknownAction):
		return models.ErrorKindUnknownAction
	case Is(err, ErrValidation):
		return models.ErrorKindValidation
	case Is(err, ErrNotFound):
		return models.ErrorKindNotFound
	}
	return models.ErrorKindInternal
}
