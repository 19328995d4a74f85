package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/t7a/pitfetch/nar"
	"github.com/t7a/pitfetch/storepath"
)

// Kind classifies ingestion failures.
type Kind int

const (
	_ Kind = iota
	SourceUnreadable
	TypeMismatch
	InvalidName
	FilterRejectedRoot
	StoreWriteFailure
	DigestMismatchOnRepair
	Canceled
)

var kindNames = map[Kind]string{
	SourceUnreadable:       "source unreadable",
	TypeMismatch:           "type mismatch",
	InvalidName:            "invalid name",
	FilterRejectedRoot:     "filter rejected root",
	StoreWriteFailure:      "store write failure",
	DigestMismatchOnRepair: "digest mismatch on repair",
	Canceled:               "canceled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// sentinels for errors.Is
var (
	ErrSourceUnreadable       = &Error{Kind: SourceUnreadable}
	ErrTypeMismatch           = &Error{Kind: TypeMismatch}
	ErrInvalidName            = &Error{Kind: InvalidName}
	ErrFilterRejectedRoot     = &Error{Kind: FilterRejectedRoot}
	ErrStoreWriteFailure      = &Error{Kind: StoreWriteFailure}
	ErrDigestMismatchOnRepair = &Error{Kind: DigestMismatchOnRepair}
	ErrCanceled               = &Error{Kind: Canceled}
)

// Error is an ingestion failure.  Op names the step that failed; Path
// is the source path involved, if any.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// storeError marks errors returned by a staging writer, so a failed
// pipelined copy can tell sink failures from source failures.
type storeError struct {
	err error
}

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

type stagingWriter struct {
	stg Staging
}

func (w stagingWriter) Write(buf []byte) (n int, err error) {
	n, err = w.stg.Write(buf)
	if err != nil {
		err = &storeError{err}
	}
	return
}

// classify wraps err in an *Error of the kind its cause implies.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	var serr *storeError
	var srcErr *nar.SourceError
	var nameErr *storepath.NameError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: Canceled, Op: op, Err: err}
	case errors.As(err, &serr):
		return &Error{Kind: StoreWriteFailure, Op: op, Err: serr.err}
	case errors.As(err, &srcErr):
		return &Error{Kind: SourceUnreadable, Op: op, Path: srcErr.Path, Err: srcErr.Err}
	case errors.As(err, &nameErr):
		return &Error{Kind: InvalidName, Op: op, Err: err}
	case errors.Is(err, nar.ErrRootExcluded):
		return &Error{Kind: FilterRejectedRoot, Op: op, Path: ".", Err: err}
	}
	return &Error{Kind: SourceUnreadable, Op: op, Err: err}
}
