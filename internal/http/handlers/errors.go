// Package handlers defines the HTTP-layer error codes used across all API
// endpoints.
//
// Codes are lowercase snake_case and stable: clients branch on them for
// programmatic error handling, supplementing the HTTP status. Generic
// codes mirror common status semantics; domain-specific codes cover queue
// outcomes a status alone cannot convey.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeValidationFailed = "validation_failed"
	ErrCodeTenantViolation  = "tenant_violation"
	ErrCodeQueueFull        = "queue_full"
	ErrCodeEncryptionFailed = "encryption_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
