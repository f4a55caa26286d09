// Package errors defines the View Syncer's error taxonomy: the six kinds a
// failure can be classified as, and how each kind propagates (fail one
// client's poke, drop the message silently, or stop the whole group).
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a ViewSyncerError for propagation-policy decisions.
type Kind string

const (
	// KindBadRequest: malformed patch, bad cookie, unknown op. Surfaced to
	// the offending client only.
	KindBadRequest Kind = "bad_request"

	// KindBadQuery: AST references missing columns. Surfaced to the client
	// that sent it; CVR is not mutated.
	KindBadQuery Kind = "bad_query"

	// KindStaleConnection: message for a wsID that no longer matches the
	// live handler. Silently dropped.
	KindStaleConnection Kind = "stale_connection"

	// KindInternal: invariant violated (missing row during catch-up,
	// malformed _0_version, numeric out of safe range). Fails the current
	// poke and closes the connection; CVR is left consistent because flush
	// is atomic.
	KindInternal Kind = "internal"

	// KindUnavailable: CVR storage error. Retried by the caller (connection
	// layer) after service restart.
	KindUnavailable Kind = "unavailable"

	// KindFatal: the pipeline cannot advance. The service stops; the group
	// restarts from durable state.
	KindFatal Kind = "fatal"
)

// ViewSyncerError is a classified error carrying the taxonomy Kind plus an
// optional wrapped cause, mirroring the cache package's Message/Code/Cause
// shape.
type ViewSyncerError struct {
	Message string
	Kind    Kind
	Cause   error
}

func (e *ViewSyncerError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ViewSyncerError) Unwrap() error {
	return e.Cause
}

// New builds a ViewSyncerError with no wrapped cause.
func New(kind Kind, message string) *ViewSyncerError {
	return &ViewSyncerError{Message: message, Kind: kind}
}

// Wrap builds a ViewSyncerError wrapping cause.
func Wrap(kind Kind, cause error, message string) *ViewSyncerError {
	return &ViewSyncerError{Message: message, Kind: kind, Cause: cause}
}

// BadRequestf builds a KindBadRequest error with a formatted message.
func BadRequestf(format string, args ...any) *ViewSyncerError {
	return New(KindBadRequest, fmt.Sprintf(format, args...))
}

// BadQueryf builds a KindBadQuery error with a formatted message.
func BadQueryf(format string, args ...any) *ViewSyncerError {
	return New(KindBadQuery, fmt.Sprintf(format, args...))
}

// Internalf builds a KindInternal error with a formatted message.
func Internalf(format string, args ...any) *ViewSyncerError {
	return New(KindInternal, fmt.Sprintf(format, args...))
}

// Unavailablef builds a KindUnavailable error with a formatted message.
func Unavailablef(format string, args ...any) *ViewSyncerError {
	return New(KindUnavailable, fmt.Sprintf(format, args...))
}

// Fatalf builds a KindFatal error with a formatted message.
func Fatalf(format string, args ...any) *ViewSyncerError {
	return New(KindFatal, fmt.Sprintf(format, args...))
}

// StaleConnection is a sentinel for messages whose wsID no longer matches
// the live handler; callers compare with errors.Is, never wrap it further.
var StaleConnection = New(KindStaleConnection, "stale connection: wsID mismatch")

// ClassOf extracts the Kind of err, defaulting to KindInternal for errors
// that were never classified — an unclassified error reaching this path is
// itself a bug, so treating it as the safest (most conservative) kind is
// intentional: KindInternal closes only the offending poke.
func ClassOf(err error) Kind {
	var vse *ViewSyncerError
	if errors.As(err, &vse) {
		return vse.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return ClassOf(err) == kind
}
