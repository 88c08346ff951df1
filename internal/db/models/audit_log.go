package models

import "time"

// AuditAction tags the kind of mutation an audit entry documents.
type AuditAction string

const (
	ActionTokenStored    AuditAction = "TOKEN_STORED"
	ActionTokenRefreshed AuditAction = "TOKEN_REFRESHED"
	ActionStatusChanged  AuditAction = "STATUS_CHANGED"
	ActionTokenRevoked   AuditAction = "TOKEN_REVOKED"
)

// AccountAuditLog is one append-only record of a mutation to an account's
// credential or status fields. AccountID is a weak reference: deleting
// audit rows never cascades to accounts and vice versa. Rows are never
// edited or deleted.
type AccountAuditLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	AccountID string `gorm:"index"`
	Action    AuditAction
	OldValues string // JSON snapshot of changed fields only
	NewValues string // JSON snapshot of changed fields only
	ChangedBy string
	Timestamp time.Time
}

func (AccountAuditLog) TableName() string { return "account_audit_logs" }
