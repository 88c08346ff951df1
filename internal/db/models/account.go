package models

import "time"

// AccountStatus is the persisted lifecycle status of a mail account.
type AccountStatus string

const (
	StatusActive   AccountStatus = "ACTIVE"
	StatusInactive AccountStatus = "INACTIVE"
	// StatusReauthRequired means the stored refresh token is no longer
	// usable and a human must re-establish authorization. Terminal until
	// an external re-enrollment resets the account to ACTIVE.
	StatusReauthRequired AccountStatus = "REAUTH_REQUIRED"
)

// Valid reports whether s is one of the known account statuses.
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusReauthRequired:
		return true
	}
	return false
}

// Account stores the OAuth identity and tokens for one mail account.
// There is exactly one row per UserID. RefreshToken and OAuthClientSecret
// are encrypted at rest; the store decrypts them on the way out.
type Account struct {
	ID       string `gorm:"primaryKey"` // UUID
	UserID   string `gorm:"uniqueIndex"`
	UserName string
	Email    string

	AccessToken  string
	RefreshToken string    `gorm:"type:text"`
	TokenExpiry  time.Time // UTC; meaningless when Status != ACTIVE

	IsActive     bool `gorm:"default:true"`
	Status       AccountStatus
	LastSyncTime time.Time

	EnrollmentFilePath string
	EnrollmentFileHash string

	OAuthClientID     string
	OAuthClientSecret string `gorm:"type:text"` // encrypted
	OAuthTenantID     string
	OAuthRedirectURI  string

	AuthType             string
	DelegatedPermissions string // JSON array of granted scopes

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Account) TableName() string { return "accounts" }
