package scim

import (
	"fmt"
	"net/http"
)

// SCIM error types as defined in RFC 7644.
const (
	ScimTypeInvalidFilter = "invalidFilter"
	ScimTypeInvalidPath   = "invalidPath"
	ScimTypeInvalidSyntax = "invalidSyntax"
	ScimTypeInvalidValue  = "invalidValue"
	ScimTypeMutability    = "mutability"
	ScimTypeNoTarget      = "noTarget"
	ScimTypeSensitive     = "sensitive"
	ScimTypeTooMany       = "tooMany"
	ScimTypeUniqueness    = "uniqueness"
)

// SCIMError represents a SCIM protocol error.
type SCIMError struct {
	Status   int
	Detail   string
	ScimType string
}

// Error implements the error interface.
func (e *SCIMError) Error() string {
	return e.Detail
}

// NewSCIMError creates a new SCIM error.
func NewSCIMError(status int, detail, scimType string) *SCIMError {
	return &SCIMError{
		Status:   status,
		Detail:   detail,
		ScimType: scimType,
	}
}

// Common SCIM errors
var (
	ErrInvalidFilter = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidFilter)
	}

	ErrInvalidPath = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidPath)
	}

	ErrInvalidSyntax = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidSyntax)
	}

	ErrInvalidValue = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeInvalidValue)
	}

	// ErrMutability is the optimistic-concurrency failure: the If-Match
	// precondition no longer names the stored version.
	ErrMutability = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusPreconditionFailed, detail, ScimTypeMutability)
	}

	// ErrNoTarget covers PATCH targets that do not exist, including a
	// remove operation without a path.
	ErrNoTarget = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusBadRequest, detail, ScimTypeNoTarget)
	}

	ErrUniqueness = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusConflict, detail, ScimTypeUniqueness)
	}

	// ErrNotFound is the 404 for a missing resource; the body carries
	// scimType noTarget.
	ErrNotFound = func(resourceType, id string) *SCIMError {
		return NewSCIMError(http.StatusNotFound, fmt.Sprintf("%s %s not found", resourceType, id), ScimTypeNoTarget)
	}

	ErrUnauthorized = func() *SCIMError {
		return NewSCIMError(http.StatusUnauthorized, "Unauthorized", "")
	}

	ErrForbidden = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusForbidden, detail, "")
	}

	ErrInternalServer = func(detail string) *SCIMError {
		return NewSCIMError(http.StatusInternalServerError, detail, "")
	}
)

// WriteSCIMError writes a SCIM error response.
func (h *Handler) WriteSCIMError(w http.ResponseWriter, err *SCIMError) {
	h.WriteError(w, err.Status, err.Detail, err.ScimType)
}
