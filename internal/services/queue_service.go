// Package services – OfflineQueueService
//
// This file implements the queue facade used by the HTTP layer: a single
// entry point that validates input, binds it to the caller's tenant,
// encrypts sensitive payloads, admits the request into the durable queue,
// and exposes sync, statistics, and lifecycle operations. All mutation
// paths reject before touching state, so a failed call leaves the queue
// exactly as it was.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/pos-offline-queue/internal/audit"
	"github.com/tbourn/pos-offline-queue/internal/domain"
	"github.com/tbourn/pos-offline-queue/internal/encryption"
	"github.com/tbourn/pos-offline-queue/internal/metrics"
	"github.com/tbourn/pos-offline-queue/internal/queue"
	"github.com/tbourn/pos-offline-queue/internal/security"
	"github.com/tbourn/pos-offline-queue/internal/syncer"
)

// Allowed HTTP verbs for queued requests.
var allowedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {},
}

// criticalMaxRetries is the delivery-attempt floor for CRITICAL items when
// the caller does not set an explicit retry budget.
const criticalMaxRetries = 5

// QueueInput is the caller-supplied description of a request to queue.
type QueueInput struct {
	Method     string           `json:"method"`
	Endpoint   string           `json:"endpoint"`
	EntityType string           `json:"entity_type"`
	Action     string           `json:"action"`
	Payload    json.RawMessage  `json:"payload"`
	Priority   *domain.Priority `json:"priority,omitempty"`
	MaxRetries int              `json:"max_retries,omitempty"`
	Conflict   string           `json:"conflict_resolution,omitempty"`
}

// Stats is a point-in-time snapshot of queue and sync activity.
type Stats struct {
	QueueSize        int    `json:"queue_size"`
	MemoryQueueSize  int    `json:"memory_queue_size"`
	IsOnline         bool   `json:"is_online"`
	IsSyncing        bool   `json:"is_syncing"`
	TotalQueued      uint64 `json:"total_queued"`
	TotalSynced      uint64 `json:"total_synced"`
	TotalFailed      uint64 `json:"total_failed"`
	TotalEncrypted   uint64 `json:"total_encrypted"`
	BytesTransferred uint64 `json:"bytes_transferred"`
}

// OfflineQueueService is the facade over the queue components.
type OfflineQueueService struct {
	Validator *security.Validator
	Guard     *security.Guard
	Crypto    *encryption.Manager
	Audit     *audit.Logger
	Store     *queue.Store
	Engine    *syncer.Engine
	Log       zerolog.Logger

	// DefaultMaxRetries applies when QueueInput leaves MaxRetries zero.
	DefaultMaxRetries int
	// SyncOnQueue triggers an async sync pass right after a successful
	// admission while online.
	SyncOnQueue bool

	totalQueued    atomic.Uint64
	totalSynced    atomic.Uint64
	totalFailed    atomic.Uint64
	totalEncrypted atomic.Uint64

	subMu     sync.Mutex
	subs      map[int]func(Stats)
	nextSubID int
	destroyed bool
}

// Init records the service start in the audit trail. Call once from the
// composition root after wiring.
func (s *OfflineQueueService) Init(ctx context.Context) error {
	if err := s.Store.Load(ctx); err != nil {
		return fmt.Errorf("queue hydration: %w", err)
	}
	if err := s.Crypto.Init(); err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	s.Audit.Record(audit.EventServiceInit, map[string]any{
		"queue_size":    s.Store.TotalSize(),
		"key_ephemeral": s.Crypto.KeyEphemeral(),
	})
	s.publishGauges()
	return nil
}

// QueueRequest validates, authorizes, encrypts (for sensitive entities),
// and admits one request. It returns the generated request ID. Nothing is
// queued unless every check passes.
func (s *OfflineQueueService) QueueRequest(ctx context.Context, sess *domain.Session, in QueueInput) (string, error) {
	tr := otel.Tracer("services/OfflineQueueService")
	ctx, span := tr.Start(ctx, "QueueRequest",
		trace.WithAttributes(
			attribute.String("queue.entity", in.EntityType),
			attribute.String("queue.action", in.Action),
		),
	)
	defer span.End()

	if sess == nil {
		s.reject("authorization")
		return "", fmt.Errorf("%w: no active session", ErrUnauthorized)
	}
	if _, ok := allowedMethods[in.Method]; !ok {
		s.reject("validation")
		return "", fmt.Errorf("%w: unsupported method %q", ErrValidation, in.Method)
	}
	entity := domain.EntityType(in.EntityType)
	if !entity.Valid() {
		s.reject("validation")
		return "", fmt.Errorf("%w: unknown entity type %q", ErrValidation, in.EntityType)
	}
	action := domain.Action(in.Action)
	if !action.Valid() {
		s.reject("validation")
		return "", fmt.Errorf("%w: unknown action %q", ErrValidation, in.Action)
	}
	endpoint, err := s.Validator.ValidateEndpoint(in.Endpoint)
	if err != nil {
		s.reject("validation")
		return "", err
	}
	userID, err := s.Validator.ValidateUserID(sess.UserID)
	if err != nil {
		s.reject("validation")
		return "", err
	}
	restaurantID, err := s.Validator.ValidateRestaurantID(sess.RestaurantID)
	if err != nil {
		s.reject("validation")
		return "", err
	}
	if err := s.Guard.ValidateAccess(sess, userID, restaurantID); err != nil {
		s.reject("authorization")
		return "", err
	}

	payload, err := s.sanitizePayload(in.Payload)
	if err != nil {
		s.reject("validation")
		return "", err
	}

	priority := s.defaultPriority(entity)
	if in.Priority != nil {
		if !in.Priority.Valid() {
			s.reject("validation")
			return "", fmt.Errorf("%w: invalid priority %d", ErrValidation, *in.Priority)
		}
		priority = *in.Priority
	}
	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.DefaultMaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		// Payment-grade items get extra delivery attempts.
		if priority == domain.PriorityCritical && maxRetries < criticalMaxRetries {
			maxRetries = criticalMaxRetries
		}
	}
	conflict := domain.ConflictStrategy(in.Conflict)
	if in.Conflict == "" {
		conflict = domain.ConflictLastWriteWins
	} else if !conflict.Valid() {
		s.reject("validation")
		return "", fmt.Errorf("%w: unknown conflict strategy %q", ErrValidation, in.Conflict)
	}

	req := &domain.QueuedRequest{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		EntityType: entity,
		Action:     action,
		Method:     in.Method,
		Endpoint:   endpoint,
		Payload:    payload,
		// Tenant binding always comes from the session, never the input.
		RestaurantID: restaurantID,
		Metadata: domain.Metadata{
			RestaurantID:   restaurantID,
			UserID:         userID,
			DeviceID:       sess.DeviceID,
			IdempotencyKey: domain.IdempotencyKey(entity, action, payload),
		},
		Priority:           priority,
		MaxRetries:         maxRetries,
		Status:             domain.StatusPending,
		Checksum:           domain.Checksum(payload),
		ConflictResolution: conflict,
	}

	if entity.Sensitive() {
		ciphertext, err := s.Crypto.Encrypt(payload)
		if err != nil {
			s.reject("encryption")
			return "", err
		}
		encoded, merr := json.Marshal(ciphertext)
		if merr != nil {
			s.reject("encryption")
			return "", fmt.Errorf("%w: %v", ErrEncryption, merr)
		}
		req.Payload = encoded
		req.Encrypted = true
	}

	if err := s.Store.Admit(ctx, req); err != nil {
		s.reject("overflow")
		s.Audit.Record(audit.EventQueueOverflow, map[string]any{
			"restaurant_id": restaurantID,
			"queue_size":    s.Store.Size(restaurantID),
		})
		return "", err
	}

	s.totalQueued.Add(1)
	if req.Encrypted {
		s.totalEncrypted.Add(1)
		metrics.EncryptedPayloadsTotal.Inc()
	}
	metrics.QueuedTotal.Inc()
	s.publishGauges()

	s.Audit.Record(audit.EventQueueRequest, map[string]any{
		"request_id":    req.ID,
		"entity_type":   string(entity),
		"action":        string(action),
		"priority":      priority.String(),
		"restaurant_id": restaurantID,
		"encrypted":     req.Encrypted,
	})
	s.Log.Info().
		Str("request_id", req.ID).
		Str("entity_type", string(entity)).
		Str("priority", priority.String()).
		Str("restaurant_id", restaurantID).
		Msg("request queued")

	span.SetAttributes(attribute.String("queue.request_id", req.ID))
	s.notify()

	if s.SyncOnQueue && s.Engine != nil && s.Engine.Online() {
		snapshot := *sess
		go s.Engine.SyncQueue(context.Background(), &snapshot, restaurantID)
	}
	return req.ID, nil
}

// SyncQueue runs one sync pass for the session's tenant (or all tenants
// for a platform owner passing an empty restaurantID).
func (s *OfflineQueueService) SyncQueue(ctx context.Context, sess *domain.Session, restaurantID string) (syncer.Result, error) {
	if sess == nil {
		return syncer.Result{}, fmt.Errorf("%w: no active session", ErrUnauthorized)
	}
	if restaurantID != "" && !sess.IsPlatformOwner && !sess.CanAccess(restaurantID) {
		return syncer.Result{}, fmt.Errorf("%w: user %s cannot sync restaurant %s", ErrTenantViolation, sess.UserID, restaurantID)
	}
	return s.Engine.SyncQueue(ctx, sess, restaurantID), nil
}

// ClearQueue drops every queued request for the session's tenant. Platform
// owners may pass an empty restaurantID to clear all tenants.
func (s *OfflineQueueService) ClearQueue(ctx context.Context, sess *domain.Session, restaurantID string) error {
	if sess == nil {
		return fmt.Errorf("%w: no active session", ErrUnauthorized)
	}
	if restaurantID == "" {
		if !sess.IsPlatformOwner {
			restaurantID = sess.RestaurantID
		}
	} else if !sess.IsPlatformOwner && !sess.CanAccess(restaurantID) {
		return fmt.Errorf("%w: user %s cannot clear restaurant %s", ErrTenantViolation, sess.UserID, restaurantID)
	}

	s.Store.Clear(ctx, restaurantID)
	s.Audit.Record(audit.EventQueueCleared, map[string]any{
		"restaurant_id": restaurantID,
		"user_id":       sess.UserID,
	})
	s.publishGauges()
	s.notify()
	return nil
}

// HandleSyncResult folds a finished sync pass into the service counters.
// The composition root installs it as the engine's result hook so both
// explicit and timer-driven passes are counted once.
func (s *OfflineQueueService) HandleSyncResult(res syncer.Result) {
	s.totalSynced.Add(uint64(res.SyncedCount))
	s.totalFailed.Add(uint64(res.FailedCount))

	metrics.SyncPassesTotal.Inc()
	metrics.SyncItemsTotal.WithLabelValues(metrics.OutcomeSynced).Add(float64(res.SyncedCount))
	metrics.SyncItemsTotal.WithLabelValues(metrics.OutcomeFailed).Add(float64(res.FailedCount))
	metrics.SyncItemsTotal.WithLabelValues(metrics.OutcomeConflict).Add(float64(res.ConflictCount))
	s.publishGauges()
	s.notify()
}

// GetStatistics returns a consistent snapshot of queue and sync state.
func (s *OfflineQueueService) GetStatistics() Stats {
	st := Stats{
		QueueSize:       s.Store.TotalSize(),
		MemoryQueueSize: s.Store.MemorySize(),
		TotalQueued:     s.totalQueued.Load(),
		TotalSynced:     s.totalSynced.Load(),
		TotalFailed:     s.totalFailed.Load(),
		TotalEncrypted:  s.totalEncrypted.Load(),
	}
	if s.Engine != nil {
		st.IsOnline = s.Engine.Online()
		st.IsSyncing = s.Engine.Syncing()
		st.BytesTransferred = s.Engine.BytesTransferred()
	}
	return st
}

// OnStatisticsChanged registers a callback invoked after every statistics
// change. The returned function unsubscribes it.
func (s *OfflineQueueService) OnStatisticsChanged(cb func(Stats)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(Stats))
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = cb
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Destroy flushes state, stops the sync engine, and records the shutdown.
// The service must not be used afterwards.
func (s *OfflineQueueService) Destroy(ctx context.Context) {
	s.subMu.Lock()
	if s.destroyed {
		s.subMu.Unlock()
		return
	}
	s.destroyed = true
	s.subs = nil
	s.subMu.Unlock()

	if s.Engine != nil {
		s.Engine.Destroy()
	}
	s.Store.Flush(ctx)
	s.Audit.Record(audit.EventServiceDestroy, map[string]any{
		"queue_size": s.Store.TotalSize(),
	})
	s.Log.Info().Msg("offline queue service destroyed")
}

// sanitizePayload decodes, walks, and re-encodes the payload so the
// stored bytes are the sanitized form the checksum is computed over.
func (s *OfflineQueueService) sanitizePayload(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrValidation)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}
	clean, err := s.Validator.ValidatePayload(decoded)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return out, nil
}

// defaultPriority maps an entity type to its admission priority when the
// caller does not set one explicitly.
func (s *OfflineQueueService) defaultPriority(entity domain.EntityType) domain.Priority {
	switch entity {
	case domain.EntityPayment:
		return domain.PriorityCritical
	case domain.EntityOrder:
		return domain.PriorityHigh
	default:
		return domain.PriorityNormal
	}
}

func (s *OfflineQueueService) reject(reason string) {
	metrics.RejectedTotal.WithLabelValues(reason).Inc()
}

func (s *OfflineQueueService) publishGauges() {
	metrics.QueueSize.Set(float64(s.Store.TotalSize()))
	metrics.MemoryQueueSize.Set(float64(s.Store.MemorySize()))
	if s.Engine != nil {
		if s.Engine.Online() {
			metrics.Online.Set(1)
		} else {
			metrics.Online.Set(0)
		}
	}
}

func (s *OfflineQueueService) notify() {
	s.subMu.Lock()
	cbs := make([]func(Stats), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.subMu.Unlock()
	if len(cbs) == 0 {
		return
	}
	st := s.GetStatistics()
	for _, cb := range cbs {
		cb(st)
	}
}
