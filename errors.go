package memori

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so hosts can map it to exit codes or JSON error
// codes without string-matching messages.
type Kind int

const (
	KindNotFound Kind = iota
	KindAmbiguous
	KindInvalidInput
	KindNoEmbedding
	KindEmbedderUnavailable
	KindStorage
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAmbiguous:
		return "ambiguous"
	case KindInvalidInput:
		return "invalid_input"
	case KindNoEmbedding:
		return "no_embedding"
	case KindEmbedderUnavailable:
		return "embedder_unavailable"
	case KindStorage:
		return "storage"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is the engine's error type. All errors returned by this package can
// be inspected with errors.As to recover Kind, and compared with errors.Is
// against the sentinel Err* values below.
type Error struct {
	Kind Kind
	Op   string // e.g. "memori: Insert"
	ID   string // offending id or prefix, when applicable
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.ID != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s (id=%s): %v", e.Op, e.Kind, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %s (id=%s)", e.Op, e.Kind, e.ID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, ErrNotFound) etc. by comparing Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values usable with errors.Is(err, memori.ErrNotFound).
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrAmbiguous           = &Error{Kind: KindAmbiguous}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrNoEmbedding         = &Error{Kind: KindNoEmbedding}
	ErrEmbedderUnavailable = &Error{Kind: KindEmbedderUnavailable}
	ErrStorage             = &Error{Kind: KindStorage}
	ErrConflict            = &Error{Kind: KindConflict}
)

func newErr(op string, kind Kind, id string, err error) *Error {
	return &Error{Op: op, Kind: kind, ID: id, Err: err}
}

// KindOf extracts the Kind from err, returning ok=false if err is not (or
// does not wrap) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
