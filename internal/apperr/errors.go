// Package apperr defines the error taxonomy shared by the network, ledger and
// bonus packages. Packages declare their own sentinels with New and callers
// match either the exact sentinel or a whole kind with errors.Is.
package apperr

import "errors"

type Kind string

const (
	KindValidation          Kind = "validation"
	KindStateConflict       Kind = "state_conflict"
	KindStructuralInvariant Kind = "structural_invariant"
	KindNetworkFull         Kind = "network_full"
	KindNotFound            Kind = "not_found"
)

type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches by code, or by kind when the target carries no code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return t.Kind == e.Kind
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// Kind sentinels, e.g. errors.Is(err, apperr.ErrValidation).
var (
	ErrValidation          = &Error{Kind: KindValidation, Message: "validation error"}
	ErrStateConflict       = &Error{Kind: KindStateConflict, Message: "state conflict"}
	ErrStructuralInvariant = &Error{Kind: KindStructuralInvariant, Message: "structural invariant violated"}
	ErrNetworkFull         = &Error{Kind: KindNetworkFull, Message: "network full"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
)

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
