// Package audit appends immutable audit records for account mutations.
// Every call runs inside the caller's transaction so the audit row and the
// mutation it documents commit or roll back together.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/graphsync/tokenkeeper/internal/db/models"
	"gorm.io/gorm"
)

// SystemActor is the changed_by value for mutations the lifecycle manager
// performs on its own (refresh sweeps, automatic status transitions).
const SystemActor = "tokenkeeper"

// Record appends one audit entry inside tx. oldValues and newValues hold
// only the fields that changed; empty maps are recorded as empty objects.
// Secrets must be masked by the caller before they reach here.
func Record(tx *gorm.DB, accountID string, action models.AuditAction, oldValues, newValues map[string]any, changedBy string) error {
	oldJSON, err := marshalValues(oldValues)
	if err != nil {
		return fmt.Errorf("marshal old values: %w", err)
	}
	newJSON, err := marshalValues(newValues)
	if err != nil {
		return fmt.Errorf("marshal new values: %w", err)
	}

	entry := models.AccountAuditLog{
		AccountID: accountID,
		Action:    action,
		OldValues: oldJSON,
		NewValues: newJSON,
		ChangedBy: changedBy,
		Timestamp: time.Now().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// MaskToken shortens a token for audit snapshots so full credentials never
// land in the audit table.
func MaskToken(t string) string {
	if t == "" {
		return ""
	}
	if len(t) < 12 {
		return "..."
	}
	return "..." + t[len(t)-8:]
}

func marshalValues(values map[string]any) (string, error) {
	if values == nil {
		values = map[string]any{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
