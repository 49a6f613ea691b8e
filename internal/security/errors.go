// Package security implements input validation and multi-tenant
// authorization for the offline queue. This file centralizes the
// security-class sentinel errors so callers can branch with errors.Is.
package security

import "errors"

var (
	// ErrValidation indicates malformed, empty, or oversized input.
	ErrValidation = errors.New("validation failed")

	// ErrBadRequest indicates structurally unsafe input, e.g. an
	// injection signature or path traversal. Distinct from ErrValidation
	// so hosts can alert on it.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized indicates no authenticated session was supplied.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the session identity does not match the
	// acting user.
	ErrForbidden = errors.New("forbidden")

	// ErrTenantViolation indicates an authenticated user attempted to act
	// on a tenant they are not entitled to.
	ErrTenantViolation = errors.New("multi-tenant violation")
)
