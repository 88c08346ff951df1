// Package store persists account and audit rows. Every mutation runs in
// one transaction together with its audit entry, so partial writes are
// never observable. Refresh tokens and OAuth client secrets are encrypted
// before they hit the database and decrypted on the way out.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/graphsync/tokenkeeper/internal/audit"
	"github.com/graphsync/tokenkeeper/internal/crypto"
	"github.com/graphsync/tokenkeeper/internal/db/models"
	"gorm.io/gorm"
)

// Store is the transactional account store.
type Store struct {
	db     *gorm.DB
	cipher *crypto.Cipher
}

// New builds a Store over an initialized database and cipher.
func New(db *gorm.DB, cipher *crypto.Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// Get returns the account for userID with secrets decrypted, or
// ErrAccountNotFound.
func (s *Store) Get(ctx context.Context, userID string) (*models.Account, error) {
	var acc models.Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", userID, err)
	}
	if err := s.decryptSecrets(&acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// Create inserts a new account row and its TOKEN_STORED audit entry in one
// transaction. Returns ErrDuplicateAccount if the user_id is taken.
func (s *Store) Create(ctx context.Context, acc *models.Account, changedBy string) (string, error) {
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	acc.CreatedAt = now
	acc.UpdatedAt = now

	row := *acc
	if err := s.encryptSecrets(&row); err != nil {
		return "", err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Account{}).Where("user_id = ?", acc.UserID).Count(&count).Error; err != nil {
			return fmt.Errorf("check existing account: %w", err)
		}
		if count > 0 {
			return ErrDuplicateAccount
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateAccount
			}
			return fmt.Errorf("insert account: %w", err)
		}
		return audit.Record(tx, row.ID, models.ActionTokenStored,
			map[string]any{},
			map[string]any{
				"user_id":      acc.UserID,
				"status":       acc.Status,
				"access_token": audit.MaskToken(acc.AccessToken),
				"token_expiry": acc.TokenExpiry.UTC().Format(time.RFC3339),
			},
			changedBy)
	})
	if err != nil {
		return "", err
	}
	return row.ID, nil
}

// UpdateTokens atomically replaces the token set for userID, bumps
// updated_at and last_sync_time, and appends a TOKEN_REFRESHED audit entry.
func (s *Store) UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string, expiry time.Time, changedBy string) error {
	encRefresh, err := s.cipher.Encrypt(refreshToken)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, userID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"access_token":   accessToken,
			"refresh_token":  encRefresh,
			"token_expiry":   expiry.UTC(),
			"last_sync_time": now,
			"updated_at":     now,
		}
		if err := tx.Model(&models.Account{}).Where("id = ?", acc.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update tokens for %s: %w", userID, err)
		}

		return audit.Record(tx, acc.ID, models.ActionTokenRefreshed,
			map[string]any{
				"access_token": audit.MaskToken(acc.AccessToken),
				"token_expiry": acc.TokenExpiry.UTC().Format(time.RFC3339),
			},
			map[string]any{
				"access_token": audit.MaskToken(accessToken),
				"token_expiry": expiry.UTC().Format(time.RFC3339),
			},
			changedBy)
	})
}

// UpdateStatus atomically transitions the account status and appends a
// STATUS_CHANGED audit entry in the same transaction.
func (s *Store) UpdateStatus(ctx context.Context, userID string, newStatus models.AccountStatus, changedBy string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, userID)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"status":     newStatus,
			"updated_at": time.Now().UTC(),
		}
		if newStatus == models.StatusInactive {
			updates["is_active"] = false
		}
		if newStatus == models.StatusActive {
			updates["is_active"] = true
		}
		if err := tx.Model(&models.Account{}).Where("id = ?", acc.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update status for %s: %w", userID, err)
		}

		return audit.Record(tx, acc.ID, models.ActionStatusChanged,
			map[string]any{"status": acc.Status},
			map[string]any{"status": newStatus},
			changedBy)
	})
}

// RevokeTokens clears the token set, deactivates the account, and appends
// a TOKEN_REVOKED audit entry, all in one transaction.
func (s *Store) RevokeTokens(ctx context.Context, userID, changedBy string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, userID)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"access_token":  "",
			"refresh_token": "",
			"token_expiry":  time.Time{},
			"status":        models.StatusInactive,
			"is_active":     false,
			"updated_at":    time.Now().UTC(),
		}
		if err := tx.Model(&models.Account{}).Where("id = ?", acc.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("revoke tokens for %s: %w", userID, err)
		}

		return audit.Record(tx, acc.ID, models.ActionTokenRevoked,
			map[string]any{
				"status":       acc.Status,
				"access_token": audit.MaskToken(acc.AccessToken),
			},
			map[string]any{"status": models.StatusInactive},
			changedBy)
	})
}

// SaveEnrollment stores the initial token set produced by the one-time
// authorization-code exchange or enrollment sync. Creates the account when
// absent; otherwise replaces its tokens and resets it to ACTIVE. This is
// the only path that clears REAUTH_REQUIRED. A tokenless enrollment (row
// registered before the code exchange) lands as INACTIVE.
func (s *Store) SaveEnrollment(ctx context.Context, acc *models.Account, changedBy string) (string, error) {
	status := models.StatusActive
	if acc.RefreshToken == "" {
		status = models.StatusInactive
	}

	existing, err := s.Get(ctx, acc.UserID)
	if errors.Is(err, ErrAccountNotFound) {
		acc.Status = status
		acc.IsActive = status == models.StatusActive
		return s.Create(ctx, acc, changedBy)
	}
	if err != nil {
		return "", err
	}

	if err := s.UpdateTokens(ctx, acc.UserID, acc.AccessToken, acc.RefreshToken, acc.TokenExpiry, changedBy); err != nil {
		return "", err
	}
	if err := s.UpdateStatus(ctx, acc.UserID, status, changedBy); err != nil {
		return "", err
	}
	return existing.ID, nil
}

// ListByStatus returns accounts with the given status, most recently
// updated first. Each call issues a fresh query.
func (s *Store) ListByStatus(ctx context.Context, status models.AccountStatus) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at DESC").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("list accounts by status %s: %w", status, err)
	}
	return s.decryptAll(accounts)
}

// ListActive returns all accounts still enabled for processing.
func (s *Store) ListActive(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("updated_at DESC").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	return s.decryptAll(accounts)
}

// ListExpiring returns ACTIVE accounts whose token expiry falls at or
// before the threshold. Used by the background refresh sweep.
func (s *Store) ListExpiring(ctx context.Context, threshold time.Time) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND status = ? AND token_expiry <= ?", true, models.StatusActive, threshold.UTC()).
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("list expiring accounts: %w", err)
	}
	return s.decryptAll(accounts)
}

// CleanupExpired clears token material from inactive accounts untouched
// since olderThan. Best-effort housekeeping; the refresh path does not
// depend on it.
func (s *Store) CleanupExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("is_active = ? AND updated_at < ?", false, olderThan.UTC()).
		Updates(map[string]any{
			"access_token":  "",
			"refresh_token": "",
			"token_expiry":  time.Time{},
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup expired tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// lockAccount reads the current row inside tx so the audit snapshot and
// the mutation see the same before-state.
func lockAccount(tx *gorm.DB, userID string) (*models.Account, error) {
	var acc models.Account
	err := tx.Where("user_id = ?", userID).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", userID, err)
	}
	return &acc, nil
}

func (s *Store) encryptSecrets(acc *models.Account) error {
	encRefresh, err := s.cipher.Encrypt(acc.RefreshToken)
	if err != nil {
		return err
	}
	encSecret, err := s.cipher.Encrypt(acc.OAuthClientSecret)
	if err != nil {
		return err
	}
	acc.RefreshToken = encRefresh
	acc.OAuthClientSecret = encSecret
	return nil
}

func (s *Store) decryptSecrets(acc *models.Account) error {
	refresh, err := s.cipher.Decrypt(acc.RefreshToken)
	if err != nil {
		return fmt.Errorf("refresh token for %s: %w", acc.UserID, err)
	}
	secret, err := s.cipher.Decrypt(acc.OAuthClientSecret)
	if err != nil {
		return fmt.Errorf("client secret for %s: %w", acc.UserID, err)
	}
	acc.RefreshToken = refresh
	acc.OAuthClientSecret = secret
	return nil
}

func (s *Store) decryptAll(accounts []models.Account) ([]models.Account, error) {
	for i := range accounts {
		if err := s.decryptSecrets(&accounts[i]); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

// AuditTrail returns the audit entries for an account, oldest first.
func (s *Store) AuditTrail(ctx context.Context, accountID string) ([]models.AccountAuditLog, error) {
	var entries []models.AccountAuditLog
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load audit trail for %s: %w", accountID, err)
	}
	return entries, nil
}
