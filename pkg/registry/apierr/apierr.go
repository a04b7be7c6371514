// Package apierr is the registry's error taxonomy: every domain error
// returned by a coordinator classifies as one of a small set of abstract
// kinds, and the HTTP layer maps kinds to status codes through a single
// gRPC-code-to-HTTP-status table (http.go), so the mapping lives in
// exactly one place.
package apierr

import (
	"google.golang.org/grpc/codes"
)

// Kind is one of the abstract error kinds every domain error classifies
// as.
type Kind int

const (
	// Unknown is the zero Kind; a bare error never constructed through
	// this package classifies as Unknown and maps to a 500.
	Unknown Kind = iota
	Validation
	Unauthorized
	Forbidden
	Conflict
	NotFound
	Dependency
	Storage
	Index
	Database
	InternalInconsistency
)

// Error is a domain error carrying its abstract Kind alongside a
// human-readable detail message.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string { return e.Detail }

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an Error of the given kind, wrapping cause so
// errors.Is/As against the original error still works.
func Wrap(kind Kind, cause error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// KindOf classifies err, returning Unknown if err is not an *Error (or
// does not wrap one).
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return Unknown
		}
		err = u.Unwrap()
	}
	return Unknown
}

// Code returns the gRPC status code a Kind maps to. This is the single
// intermediate classification both the HTTP and any future RPC transport
// share.
func (k Kind) Code() codes.Code {
	switch k {
	case Validation:
		return codes.InvalidArgument
	case Unauthorized:
		return codes.Unauthenticated
	case Forbidden:
		return codes.PermissionDenied
	case Conflict:
		return codes.AlreadyExists
	case NotFound:
		return codes.NotFound
	case Dependency:
		return codes.FailedPrecondition
	case Storage, Index, Database, InternalInconsistency:
		return codes.Internal
	default:
		return codes.Unknown
	}
}
