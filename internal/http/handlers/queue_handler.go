// Offline queue HTTP handlers.
//
// This file exposes the REST endpoints of the write queue:
//   - POST   /queue        (submit a request for deferred delivery)
//   - POST   /queue/sync   (trigger a sync pass)
//   - DELETE /queue        (clear the caller's tenant queue)
//   - GET    /queue/stats  (queue and sync statistics)
//   - GET    /queue/audit  (audit log, platform owners only)
//
// Handlers are transport-thin: they resolve the session, call the queue
// service, and translate the error taxonomy into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/pos-offline-queue/internal/audit"
	"github.com/tbourn/pos-offline-queue/internal/domain"
	"github.com/tbourn/pos-offline-queue/internal/http/middleware"
	"github.com/tbourn/pos-offline-queue/internal/services"
	"github.com/tbourn/pos-offline-queue/internal/syncer"
	"github.com/tbourn/pos-offline-queue/internal/utils"
)

// Audit log page sizing.
const (
	defaultAuditPageSize = 100
	maxAuditPageSize     = 1000
)

// QueueService defines the queue operations consumed by HTTP handlers.
// Implementations must be safe for concurrent use and honor the provided
// context.
type QueueService interface {
	// QueueRequest validates and admits one request, returning its ID.
	QueueRequest(ctx context.Context, sess *domain.Session, in services.QueueInput) (string, error)
	// SyncQueue runs one sync pass for the given tenant scope.
	SyncQueue(ctx context.Context, sess *domain.Session, restaurantID string) (syncer.Result, error)
	// ClearQueue drops the queued requests in the given tenant scope.
	ClearQueue(ctx context.Context, sess *domain.Session, restaurantID string) error
	// GetStatistics returns a point-in-time statistics snapshot.
	GetStatistics() services.Stats
}

// AuditLog is the read side of the audit trail.
type AuditLog interface {
	Entries() []audit.Entry
}

// Handlers groups the HTTP endpoints of the offline queue.
type Handlers struct {
	queueSvc QueueService
	auditLog AuditLog
}

// New constructs a Handlers instance bound to the given service and audit
// log.
func New(queueSvc QueueService, auditLog AuditLog) *Handlers {
	return &Handlers{queueSvc: queueSvc, auditLog: auditLog}
}

// QueueSubmitResponse is the success body for request submission.
type QueueSubmitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// AuditResponse wraps one page of audit entries. Count is the total trail
// size, not the page length.
type AuditResponse struct {
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}

// failFromError maps the service error taxonomy onto HTTP responses.
func failFromError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrUnauthorized):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
	case errors.Is(err, services.ErrTenantViolation):
		fail(c, http.StatusForbidden, ErrCodeTenantViolation, "user cannot access this restaurant")
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "session does not belong to this user")
	case errors.Is(err, services.ErrQueueOverflow):
		c.Header("Retry-After", "30")
		fail(c, http.StatusTooManyRequests, ErrCodeQueueFull, "queue is full, retry later")
	case errors.Is(err, services.ErrBadRequest):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrValidation):
		fail(c, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, services.ErrEncryption):
		fail(c, http.StatusInternalServerError, ErrCodeEncryptionFailed, "payload encryption failed")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

// SubmitRequest accepts a request for deferred delivery and returns 202
// with the generated request ID.
func (h *Handlers) SubmitRequest(c *gin.Context) {
	sess := middleware.SessionFrom(c)
	if sess == nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	var in services.QueueInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	id, err := h.queueSvc.QueueRequest(c.Request.Context(), sess, in)
	if err != nil {
		failFromError(c, err)
		return
	}
	ok(c, http.StatusAccepted, QueueSubmitResponse{RequestID: id, Status: "queued"})
}

// SyncNow triggers one sync pass. The optional restaurant_id query narrows
// (or, for platform owners, widens) the scope.
func (h *Handlers) SyncNow(c *gin.Context) {
	sess := middleware.SessionFrom(c)
	if sess == nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	res, err := h.queueSvc.SyncQueue(c.Request.Context(), sess, c.Query("restaurant_id"))
	if err != nil {
		failFromError(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// ClearQueue drops the caller's queued requests.
func (h *Handlers) ClearQueue(c *gin.Context) {
	sess := middleware.SessionFrom(c)
	if sess == nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	if err := h.queueSvc.ClearQueue(c.Request.Context(), sess, c.Query("restaurant_id")); err != nil {
		failFromError(c, err)
		return
	}
	noContent(c)
}

// GetStatistics returns the current queue and sync statistics.
func (h *Handlers) GetStatistics(c *gin.Context) {
	if middleware.SessionFrom(c) == nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	ok(c, http.StatusOK, h.queueSvc.GetStatistics())
}

// GetAuditLog returns the audit trail, newest page first via offset/limit
// query parameters. Restricted to platform owners.
func (h *Handlers) GetAuditLog(c *gin.Context) {
	sess := middleware.SessionFrom(c)
	if sess == nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	if !sess.IsPlatformOwner {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "audit log requires platform owner access")
		return
	}

	entries := h.auditLog.Entries()
	total := len(entries)

	offset := utils.AtoiDefault(c.Query("offset"), 0)
	limit := utils.AtoiDefault(c.Query("limit"), defaultAuditPageSize)
	if offset < 0 {
		offset = 0
	}
	if limit < 1 || limit > maxAuditPageSize {
		limit = defaultAuditPageSize
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	ok(c, http.StatusOK, AuditResponse{Entries: entries[offset:end], Count: total})
}
