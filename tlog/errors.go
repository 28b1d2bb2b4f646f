// Package tlog implements the commit/peek/pop protocol handlers and
// the process-level ServerData shell described by spec.md §4.5-§4.8:
// the layer that turns RPC requests into operations against a
// logdata.GenerationData and a group.GroupData. Error handling follows
// the teacher's wrap-with-context style (github.com/pkg/errors)
// carrying a stable error-kind taxonomy (spec.md §7) instead of the
// teacher's own couple of sentinel errors, since the protocol surface
// here is much larger than a single key/value store's.
package tlog

import "github.com/pkg/errors"

// Kind is one of the stable error kinds spec.md §7 requires every
// commit/peek/pop failure to be classifiable as.
type Kind string

const (
	KindTLogStopped       Kind = "tlog_stopped"
	KindGroupNotFound     Kind = "tlog_group_not_found"
	KindWorkerRemoved     Kind = "worker_removed"
	KindRecruitmentFailed Kind = "recruitment_failed"
	KindIOTimeout         Kind = "io_timeout"
	KindIODegraded        Kind = "io_degraded"
	KindCorruptLog        Kind = "corrupt_log"
	KindCorruptData       Kind = "corrupt_data"
	KindCorruptPadding    Kind = "corrupt_padding"
	KindUnsupportedVer    Kind = "unsupported_version"
	KindEndOfStream       Kind = "end_of_stream"
	KindOperationCanceled Kind = "operation_cancelled"
)

// Error pairs a stable Kind with the context that produced it.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a bare Error of the given kind.
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Wrap attaches kind to an underlying cause, preserving it for
// %+v-style stack-trace logging the way pkg/errors.Wrap does. With a
// nil cause, message alone becomes the cause.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return &Error{Kind: kind, cause: errors.New(message)}
	}
	return &Error{Kind: kind, cause: errors.Wrap(cause, message)}
}

// KindOf reports the Kind of err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
