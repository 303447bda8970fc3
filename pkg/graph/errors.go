package graph

import (
	"errors"
	"fmt"
)

// Kind classifies every error surfaced by the core. The operation surface
// encodes failures as {success:false, error:{kind, message}} using these
// values verbatim.
type Kind string

// Error kinds.
const (
	KindNotFound             Kind = "ENotFound"
	KindConflict             Kind = "EConflict"
	KindValidation           Kind = "EValidation"
	KindConfirmationRequired Kind = "EConfirmationRequired"
	KindConfirmationInvalid  Kind = "EConfirmationInvalid"
	KindVector               Kind = "EVector"
	KindLexical              Kind = "ELexical"
	KindSearch               Kind = "ESearch"
	KindStorage              Kind = "EStorage"
	KindCancelled            Kind = "ECancelled"
	KindTimeout              Kind = "ETimeout"
	KindConfig               Kind = "EConfig"
	KindDisabled             Kind = "EDisabled"
)

// Error is a classified error. It wraps an optional cause so errors.Is
// still matches storage sentinels through the classification layer.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a classified error.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error. A nil cause returns nil.
func WrapError(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors report KindStorage, the transient catch-all.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindStorage
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
