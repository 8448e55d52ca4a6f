package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrValidation   = errors.New("auth: validation failed")

	// ErrTokenReuse marks presentation of an already-rotated refresh token.
	// It satisfies errors.Is(err, ErrForbidden).
	ErrTokenReuse = fmt.Errorf("%w: refresh token reuse detected", ErrForbidden)

	// ErrInvalidToken indicates a token failed signature, expiry or claim
	// checks. It satisfies errors.Is(err, ErrUnauthorized).
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrUnauthorized)
)

// ValidationError carries field-level messages and satisfies
// errors.Is(err, ErrValidation).
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return ErrValidation.Error() + " (" + strings.Join(parts, "; ") + ")"
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}
