// Package domain defines the core data model of the offline write-queue:
// the queued request unit, its classification enums, the authenticated
// session snapshot, and the persistence records mapped with GORM.
package domain

import (
	"encoding/json"
	"time"
)

// Priority orders queued requests for sync and eviction. Lower numeric
// value means higher urgency.
type Priority int

const (
	PriorityCritical Priority = iota // payments, never evicted
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// String returns the lowercase name used in logs and JSON.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// Status is the sync lifecycle state of a queued request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusConflict   Status = "conflict"
)

// EntityType classifies the business entity a request operates on.
type EntityType string

const (
	EntityOrder     EntityType = "order"
	EntityPayment   EntityType = "payment"
	EntityProduct   EntityType = "product"
	EntityCategory  EntityType = "category"
	EntityCustomer  EntityType = "customer"
	EntityInventory EntityType = "inventory"
	EntityEmployee  EntityType = "employee"
	EntityTable     EntityType = "table"
	EntitySession   EntityType = "session"
	EntityReport    EntityType = "report"
	EntitySettings  EntityType = "settings"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntityOrder, EntityPayment, EntityProduct, EntityCategory,
		EntityCustomer, EntityInventory, EntityEmployee, EntityTable,
		EntitySession, EntityReport, EntitySettings:
		return true
	}
	return false
}

// Sensitive reports whether payloads of this entity type must be
// encrypted at rest.
func (e EntityType) Sensitive() bool {
	switch e {
	case EntityPayment, EntityCustomer, EntityEmployee:
		return true
	}
	return false
}

// Action classifies the operation carried by a request.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSync   Action = "sync"
	ActionBatch  Action = "batch"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionSync, ActionBatch:
		return true
	}
	return false
}

// ConflictStrategy is the client-declared preference the backend should
// apply when a synced write collides with a concurrent edit. Resolution
// itself happens server-side; the queue only tags the request.
type ConflictStrategy string

const (
	ConflictLastWriteWins  ConflictStrategy = "last_write_wins"
	ConflictFirstWriteWins ConflictStrategy = "first_write_wins"
	ConflictMerge          ConflictStrategy = "merge"
	ConflictManual         ConflictStrategy = "manual"
	ConflictServerWins     ConflictStrategy = "server_wins"
	ConflictClientWins     ConflictStrategy = "client_wins"
)

// Valid reports whether c is a known conflict strategy.
func (c ConflictStrategy) Valid() bool {
	switch c {
	case ConflictLastWriteWins, ConflictFirstWriteWins, ConflictMerge,
		ConflictManual, ConflictServerWins, ConflictClientWins:
		return true
	}
	return false
}

// AuditTrail records who queued a request and whether tenancy access was
// validated at admission time.
type AuditTrail struct {
	QueuedBy        string    `json:"queued_by"`
	QueuedAt        time.Time `json:"queued_at"`
	AccessValidated bool      `json:"access_validated"`
}

// Metadata carries per-request context duplicated alongside the top-level
// fields. RestaurantID is intentionally repeated here as defense in depth:
// a corrupted top-level field alone cannot redirect a request to another
// tenant.
type Metadata struct {
	RestaurantID      string     `json:"restaurant_id"`
	UserID            string     `json:"user_id"`
	SessionID         string     `json:"session_id,omitempty"`
	DeviceID          string     `json:"device_id,omitempty"`
	AppVersion        string     `json:"app_version,omitempty"`
	OriginalTimestamp time.Time  `json:"original_timestamp"`
	IdempotencyKey    string     `json:"idempotency_key"`
	AuditTrail        AuditTrail `json:"audit_trail"`
}

// QueuedRequest is the unit of durable work held by the queue until it is
// delivered to the backend. Payload is opaque JSON; when Encrypted is set
// it is a JSON string holding base64(IV || ciphertext) and Checksum still
// refers to the pre-encryption payload.
type QueuedRequest struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	EntityType EntityType `json:"entity_type"`
	Action     Action     `json:"action"`

	Method    string          `json:"method"`
	Endpoint  string          `json:"endpoint"`
	Payload   json.RawMessage `json:"payload"`
	Encrypted bool            `json:"encrypted"`

	RestaurantID string   `json:"restaurant_id"`
	Metadata     Metadata `json:"metadata"`

	Priority   Priority `json:"priority"`
	RetryCount int      `json:"retry_count"`
	MaxRetries int      `json:"max_retries"`
	Status     Status   `json:"status"`
	LastError  string   `json:"last_error,omitempty"`

	Checksum           string           `json:"checksum"`
	Dependencies       []string         `json:"dependencies,omitempty"`
	ConflictResolution ConflictStrategy `json:"conflict_resolution"`
}

// Age returns how long the request has been queued relative to now.
func (r *QueuedRequest) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

// Session is a read-only snapshot of the authenticated session, supplied
// explicitly by the caller. The queue never mutates it.
type Session struct {
	UserID                  string
	RestaurantID            string
	DeviceID                string
	IsPlatformOwner         bool
	AccessibleRestaurantIDs []string
}

// CanAccess reports whether the session is entitled to the given tenant.
func (s *Session) CanAccess(restaurantID string) bool {
	if s == nil {
		return false
	}
	if s.IsPlatformOwner || s.RestaurantID == restaurantID {
		return true
	}
	for _, id := range s.AccessibleRestaurantIDs {
		if id == restaurantID {
			return true
		}
	}
	return false
}

// TenantQueue is the persistence record for one tenant's queue: the whole
// request slice JSON-serialized and base64-transcoded into Payload. The
// base64 step is a transport encoding, not compression.
type TenantQueue struct {
	Key          string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	RestaurantID string    `gorm:"type:TEXT NOT NULL;index"`
	Payload      string    `gorm:"type:TEXT NOT NULL"`
	UpdatedAt    time.Time `gorm:"type:DATETIME NOT NULL;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (TenantQueue) TableName() string { return "tenant_queues" }

// AuditRecord persists the bounded audit log under a single key.
type AuditRecord struct {
	Key       string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Payload   string    `gorm:"type:TEXT NOT NULL"`
	UpdatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (AuditRecord) TableName() string { return "audit_log" }
