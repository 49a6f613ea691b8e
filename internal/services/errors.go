// Package services implements the business logic of the offline queue:
// validation, authorization, envelope encryption, admission, and sync
// orchestration. This file centralizes the service-level error values so
// they can be consistently returned by service methods and checked by
// callers.
//
// Translation into user-facing messages or HTTP status codes is performed
// at the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/pos-offline-queue/internal/encryption"
	"github.com/tbourn/pos-offline-queue/internal/queue"
	"github.com/tbourn/pos-offline-queue/internal/security"
)

// Re-exported component sentinels, so handlers depend on one package for
// the whole error taxonomy.
var (
	// ErrValidation indicates input that failed a structural check.
	ErrValidation = security.ErrValidation

	// ErrBadRequest indicates input rejected for safety (injection,
	// traversal, oversized or over-nested payloads).
	ErrBadRequest = security.ErrBadRequest

	// ErrUnauthorized indicates a missing or expired session.
	ErrUnauthorized = security.ErrUnauthorized

	// ErrForbidden indicates a session that does not belong to the
	// acting user.
	ErrForbidden = security.ErrForbidden

	// ErrTenantViolation indicates an attempt to touch another tenant's
	// data.
	ErrTenantViolation = security.ErrTenantViolation

	// ErrQueueOverflow indicates the tenant queue is full and eviction
	// could not free enough room.
	ErrQueueOverflow = queue.ErrOverflow

	// ErrEncryption indicates payload encryption or decryption failed.
	ErrEncryption = encryption.ErrEncryption
)

// ErrInternal is returned for unexpected failures that carry no safe
// detail for the caller.
var ErrInternal = errors.New("internal error")
