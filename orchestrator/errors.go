package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies orchestrator failures.
type Kind string

const (
	// KindAuthorization is an ownership check denial. Nothing was initialized.
	KindAuthorization Kind = "authorization"
	// KindProviderInit is reported when tool providers failed to initialize.
	KindProviderInit Kind = "provider_init"
	// KindModel is a failure to bind the configured model.
	KindModel Kind = "model"
	// KindQuery is a failed query turn. The session remains usable.
	KindQuery Kind = "query"
	// KindAccounting is a usage recording failure.
	KindAccounting Kind = "accounting"
	// KindCleanup is a session cleanup failure. The session was still removed.
	KindCleanup Kind = "cleanup"
	// KindNotFound is returned for unknown sessions or scopes.
	KindNotFound Kind = "not_found"
	// KindInvalid is a malformed request.
	KindInvalid Kind = "invalid"
	// KindUnavailable is returned while the orchestrator is shutting down.
	KindUnavailable Kind = "unavailable"
)

// Error is the orchestrator's domain error.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
