// Package repo – audit log record. The bounded audit log persists as a
// single base64-encoded JSON document under its own key; persistence is
// best-effort and callers swallow errors.
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

const auditKey = "audit:v1"

// SaveAuditLog upserts the serialized audit entries.
func SaveAuditLog(ctx context.Context, db *gorm.DB, entries any) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode audit log: %w", err)
	}
	rec := &domain.AuditRecord{
		Key:     auditKey,
		Payload: base64.StdEncoding.EncodeToString(raw),
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
		}).
		Create(rec).Error
}

// LoadAuditLog decodes the stored audit entries into out (a pointer to a
// slice). Returns ErrNotFound when nothing has been persisted yet.
func LoadAuditLog(ctx context.Context, db *gorm.DB, out any) error {
	var rec domain.AuditRecord
	err := db.WithContext(ctx).Where("key = ?", auditKey).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(rec.Payload)
	if err != nil {
		return fmt.Errorf("corrupt audit record: %w", err)
	}
	return json.Unmarshal(raw, out)
}
