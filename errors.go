package buntree

import (
	"context"
	"errors"
	"fmt"

	"github.com/kartikbazzad/bunbase/buntree/internal/bridge"
	"github.com/kartikbazzad/bunbase/buntree/internal/modifier"
)

// Re-export modifier construction errors so callers match them without
// reaching into internal packages.
var (
	ErrInvalidModifier  = modifier.ErrInvalidModifier
	ErrUnsupportedValue = modifier.ErrUnsupportedValue
)

var (
	// ErrNilCallback is returned synchronously when On is given a nil
	// event callback.
	ErrNilCallback = errors.New("buntree: callback must be non-nil")

	// ErrNilTransaction is returned when Transaction is given a nil update
	// function. The transaction queue is never touched in that case.
	ErrNilTransaction = errors.New("buntree: transaction update function must be non-nil")

	// ErrSchemaViolation is returned when a write fails client-side
	// validation against a registered schema.
	ErrSchemaViolation = errors.New("buntree: value violates registered schema")

	// ErrTooManyRetries is returned when a transaction keeps losing the
	// compare-and-set race.
	ErrTooManyRetries = errors.New("buntree: transaction retry limit reached")

	// ErrDatabaseClosed is returned for transactions submitted after Close
	// and for queued transactions that Close strands.
	ErrDatabaseClosed = errors.New("buntree: database closed")
)

// TransportError is the domain form of a bridge failure. Every error that
// crosses the transport boundary is mapped into one exactly once; transport
// failures are only ever delivered through an operation's error return,
// never panics.
type TransportError struct {
	Code    string
	Message string
	raw     error
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("buntree: %s (%s)", e.Message, e.Code)
	}
	return "buntree: " + e.Message
}

func (e *TransportError) Unwrap() error {
	return e.raw
}

// mapTransportError converts a raw bridge error into the domain error.
// Context cancellation belongs to the caller and passes through unchanged.
func mapTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var raw *bridge.Error
	if errors.As(err, &raw) {
		return &TransportError{Code: raw.Code, Message: raw.Message, raw: err}
	}
	return &TransportError{Code: "unavailable", Message: err.Error(), raw: err}
}

// IsUnavailable reports whether err is a connection-level transport
// failure, the class of error the snapshot cache may answer for.
func IsUnavailable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Code == "unavailable"
}
