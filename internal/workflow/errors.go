package workflow

import (
	"errors"
	"fmt"

	"qmsline/internal/domain"
)

// Code classifies a transition failure. Every code is caller-recoverable;
// the engine never turns a bad request into a no-op.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeUnknownEdge        Code = "unknown_edge"
	CodeInvalidState       Code = "invalid_state"
	CodeForbidden          Code = "forbidden"
	CodePreconditionFailed Code = "precondition_failed"
	CodeConflict           Code = "conflict"
)

type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func notFound(kind domain.Kind, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %s not found", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

func unknownEdge(kind domain.Kind, edge string) *Error {
	return &Error{
		Code:    CodeUnknownEdge,
		Message: fmt.Sprintf("edge %s not defined for kind %s", edge, kind),
		Details: map[string]any{"kind": kind, "edge": edge},
	}
}

func invalidState(edge string, current domain.State, expected []domain.State) *Error {
	return &Error{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("edge %s not valid from state %s", edge, current),
		Details: map[string]any{"edge": edge, "current_state": current, "expected_states": expected},
	}
}

func forbidden(msg string) *Error {
	return &Error{Code: CodeForbidden, Message: msg}
}

func preconditionFailed(reason string) *Error {
	return &Error{Code: CodePreconditionFailed, Message: reason}
}

func conflict(kind domain.Kind, id string) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: fmt.Sprintf("%s %s changed concurrently; re-read and retry", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

// CodeOf extracts the taxonomy code from err, or "" for plain errors.
func CodeOf(err error) Code {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Code
	}
	return ""
}
