// Package repo – tenant queue records.
//
// Each tenant's whole queue is stored as one row: the request slice is
// JSON-serialized and base64-transcoded (a transport encoding, not
// compression) under a versioned key. This mirrors the single-record-per-
// tenant layout the queue was designed around and keeps flushes to a
// single upsert.
package repo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/pos-offline-queue/internal/domain"
)

// queueKeyPrefix versions the storage layout; bump on breaking changes.
const queueKeyPrefix = "q:v1:"

// QueueKey returns the storage key for a tenant's queue record.
func QueueKey(restaurantID string) string {
	return queueKeyPrefix + restaurantID
}

// SaveTenantQueue upserts the full request slice for one tenant.
func SaveTenantQueue(ctx context.Context, db *gorm.DB, restaurantID string, items []*domain.QueuedRequest) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode tenant queue: %w", err)
	}
	rec := &domain.TenantQueue{
		Key:          QueueKey(restaurantID),
		RestaurantID: restaurantID,
		Payload:      base64.StdEncoding.EncodeToString(raw),
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"restaurant_id", "payload", "updated_at"}),
		}).
		Create(rec).Error
}

// LoadTenantQueue returns the stored request slice for one tenant, or
// ErrNotFound if the tenant has no record.
func LoadTenantQueue(ctx context.Context, db *gorm.DB, restaurantID string) ([]*domain.QueuedRequest, error) {
	var rec domain.TenantQueue
	err := db.WithContext(ctx).Where("key = ?", QueueKey(restaurantID)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("corrupt tenant queue record: %w", err)
	}
	var items []*domain.QueuedRequest
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode tenant queue: %w", err)
	}
	return items, nil
}

// DeleteTenantQueue removes a tenant's record entirely.
func DeleteTenantQueue(ctx context.Context, db *gorm.DB, restaurantID string) error {
	return db.WithContext(ctx).
		Where("key = ?", QueueKey(restaurantID)).
		Delete(&domain.TenantQueue{}).Error
}

// ListTenantIDs returns every tenant that has a queue record.
func ListTenantIDs(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.TenantQueue{}).
		Pluck("restaurant_id", &ids).Error
	return ids, err
}
