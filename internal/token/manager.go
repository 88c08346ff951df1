// Package token implements the lifecycle manager for per-account OAuth
// tokens: freshness decisions, single-flight refresh coordination, and the
// status state machine over the account store.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/graphsync/tokenkeeper/internal/audit"
	"github.com/graphsync/tokenkeeper/internal/db/models"
	"github.com/graphsync/tokenkeeper/internal/idp"
	"github.com/graphsync/tokenkeeper/internal/store"
	"golang.org/x/sync/singleflight"
)

// IdentityProvider is the slice of the IdP client the manager needs.
type IdentityProvider interface {
	ExchangeRefreshToken(ctx context.Context, creds idp.Credentials, refreshToken string) idp.RefreshOutcome
}

// Manager orchestrates token freshness checks and refreshes. One instance
// owns the in-flight coordination map for its lifetime; accounts are
// independent and proceed in parallel.
type Manager struct {
	store         *store.Store
	idp           IdentityProvider
	refreshBuffer time.Duration

	// flight serializes refresh attempts per user_id. Concurrent callers
	// during a wave share its outcome; the slot clears when Do returns, so
	// a later need starts a new wave.
	flight singleflight.Group

	now func() time.Time
}

// NewManager wires the manager from its collaborators. refreshBuffer is
// the lead time before expiry at which a token counts as expiring.
func NewManager(st *store.Store, provider IdentityProvider, refreshBuffer time.Duration) *Manager {
	return &Manager{
		store:         st,
		idp:           provider,
		refreshBuffer: refreshBuffer,
		now:           time.Now,
	}
}

// GetValidAccessToken returns a usable access token for userID. Fresh
// cached tokens are returned without any network traffic; stale ones go
// through the single-flight refresh. Expected non-token outcomes surface
// as store.ErrAccountNotFound, ErrReauthRequired, ErrAccountInactive, or
// a wrapped ErrTransientFailure; infrastructure failures propagate as-is.
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	res, err := m.resolve(ctx, userID, false)
	if err != nil {
		return "", err
	}
	switch res.Status {
	case StatusValid, StatusRefreshed:
		return res.AccessToken, nil
	case StatusNotFound:
		return "", fmt.Errorf("%s: %w", userID, store.ErrAccountNotFound)
	case StatusReauthRequired:
		return "", fmt.Errorf("%s: %w", userID, ErrReauthRequired)
	case StatusInactive:
		return "", fmt.Errorf("%s: %w", userID, ErrAccountInactive)
	default:
		return "", fmt.Errorf("%s: %w: %s", userID, ErrTransientFailure, res.Message)
	}
}

// ValidateAndRefreshToken makes the same decision as GetValidAccessToken
// but returns the rich result for diagnostic callers.
func (m *Manager) ValidateAndRefreshToken(ctx context.Context, userID string) (RefreshResult, error) {
	return m.resolve(ctx, userID, false)
}

// ForceTokenRefresh bypasses the freshness check and always attempts a
// refresh. Used after a suspected invalidation (e.g. the mail API started
// rejecting the cached token).
func (m *Manager) ForceTokenRefresh(ctx context.Context, userID string) (RefreshResult, error) {
	return m.resolve(ctx, userID, true)
}

func (m *Manager) resolve(ctx context.Context, userID string, force bool) (RefreshResult, error) {
	acc, err := m.store.Get(ctx, userID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return RefreshResult{Status: StatusNotFound, Message: "account not found"}, nil
	}
	if err != nil {
		return RefreshResult{}, err
	}

	if res, blocked := blockedResult(acc); blocked {
		return res, nil
	}

	if !force && m.isFresh(acc) {
		return RefreshResult{Status: StatusValid, AccessToken: acc.AccessToken}, nil
	}
	return m.refresh(ctx, userID, force)
}

// blockedResult maps terminal stored statuses to results. REAUTH_REQUIRED
// and INACTIVE accounts never reach the IdP.
func blockedResult(acc *models.Account) (RefreshResult, bool) {
	switch {
	case acc.Status == models.StatusReauthRequired:
		return RefreshResult{Status: StatusReauthRequired, Message: "account requires re-authentication"}, true
	case acc.Status == models.StatusInactive || !acc.IsActive:
		return RefreshResult{Status: StatusInactive, Message: "account is deactivated"}, true
	}
	return RefreshResult{}, false
}

// isFresh reports whether the cached token is still outside the refresh
// buffer. Expiry exactly at the boundary counts as expiring.
func (m *Manager) isFresh(acc *models.Account) bool {
	if acc.AccessToken == "" {
		return false
	}
	return m.now().Before(acc.TokenExpiry.Add(-m.refreshBuffer))
}

// refresh coordinates at most one in-flight refresh per account. All
// callers arriving during the wave receive its outcome. The slot is
// released on every exit path, including IdP timeouts.
func (m *Manager) refresh(ctx context.Context, userID string, force bool) (RefreshResult, error) {
	v, err, _ := m.flight.Do(userID, func() (any, error) {
		return m.refreshWave(ctx, userID, force)
	})
	if err != nil {
		return RefreshResult{}, err
	}
	return v.(RefreshResult), nil
}

// refreshWave is the body of one single-flight wave. It re-reads the row
// first: a caller that lost the race to a just-finished wave must see that
// wave's result instead of burning the (possibly single-use) refresh token
// again.
func (m *Manager) refreshWave(ctx context.Context, userID string, force bool) (RefreshResult, error) {
	acc, err := m.store.Get(ctx, userID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return RefreshResult{Status: StatusNotFound, Message: "account not found"}, nil
	}
	if err != nil {
		return RefreshResult{}, err
	}

	if res, blocked := blockedResult(acc); blocked {
		return res, nil
	}
	if !force && m.isFresh(acc) {
		// A concurrent wave already refreshed.
		return RefreshResult{Status: StatusValid, AccessToken: acc.AccessToken}, nil
	}

	if acc.RefreshToken == "" {
		if err := m.store.UpdateStatus(ctx, userID, models.StatusReauthRequired, audit.SystemActor); err != nil {
			return RefreshResult{}, err
		}
		log.Printf("account %s has no refresh token, marked REAUTH_REQUIRED", userID)
		return RefreshResult{Status: StatusReauthRequired, Message: "no refresh token stored"}, nil
	}

	out := m.idp.ExchangeRefreshToken(ctx, idp.Credentials{
		ClientID:     acc.OAuthClientID,
		ClientSecret: acc.OAuthClientSecret,
		TenantID:     acc.OAuthTenantID,
		RedirectURI:  acc.OAuthRedirectURI,
	}, acc.RefreshToken)

	switch out.Kind {
	case idp.OutcomeRefreshed:
		if err := m.store.UpdateTokens(ctx, userID, out.AccessToken, out.RefreshToken, out.Expiry, audit.SystemActor); err != nil {
			return RefreshResult{}, err
		}
		log.Printf("refreshed token for %s (%s, expires %s)", userID, audit.MaskToken(out.AccessToken), out.Expiry.Format(time.RFC3339))
		return RefreshResult{Status: StatusRefreshed, AccessToken: out.AccessToken}, nil

	case idp.OutcomeReauthRequired:
		if err := m.store.UpdateStatus(ctx, userID, models.StatusReauthRequired, audit.SystemActor); err != nil {
			return RefreshResult{}, err
		}
		log.Printf("refresh token for %s rejected (%s), marked REAUTH_REQUIRED", userID, out.Reason)
		return RefreshResult{Status: StatusReauthRequired, Message: out.Reason}, nil

	default:
		// Transient: no status change, no audit entry; a later call may retry.
		log.Printf("transient refresh failure for %s: %s", userID, out.Reason)
		return RefreshResult{Status: StatusFailed, Message: out.Reason}, nil
	}
}

// CheckAuthenticationStatus reports the stored authentication state. It
// never probes the IdP, so REAUTH_REQUIRED accounts stay untouched.
func (m *Manager) CheckAuthenticationStatus(ctx context.Context, userID string) (AuthStatus, error) {
	acc, err := m.store.Get(ctx, userID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return AuthStatus{UserID: userID, RequiresReauth: true, Message: "account not found"}, nil
	}
	if err != nil {
		return AuthStatus{}, err
	}

	st := AuthStatus{UserID: userID, Status: acc.Status, Found: true}
	switch {
	case acc.Status == models.StatusReauthRequired:
		st.RequiresReauth = true
		st.Message = "refresh token invalid, re-authentication required"
	case acc.Status == models.StatusInactive || !acc.IsActive:
		st.RequiresReauth = true
		st.Message = "account is deactivated"
	case acc.RefreshToken == "":
		st.RequiresReauth = true
		st.Message = "no refresh token stored, initial authentication required"
	case m.isFresh(acc):
		st.Message = "access token valid"
	default:
		st.Message = "access token expiring, will refresh on next use"
	}
	return st, nil
}

// Enrollment carries the initial token set produced by the one-time
// authorization-code exchange or enrollment-file sync.
type Enrollment struct {
	UserID       string
	UserName     string
	Email        string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time

	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURI  string

	AuthType             string
	DelegatedPermissions string
}

// StoreInitialTokens persists an enrollment, creating the account or
// re-activating an existing one. This is the only path out of
// REAUTH_REQUIRED.
func (m *Manager) StoreInitialTokens(ctx context.Context, e Enrollment, changedBy string) (string, error) {
	if e.UserID == "" {
		return "", fmt.Errorf("enrollment missing user_id")
	}
	userName := e.UserName
	if userName == "" {
		userName = e.UserID
	}
	return m.store.SaveEnrollment(ctx, &models.Account{
		UserID:               e.UserID,
		UserName:             userName,
		Email:                e.Email,
		AccessToken:          e.AccessToken,
		RefreshToken:         e.RefreshToken,
		TokenExpiry:          e.TokenExpiry.UTC(),
		OAuthClientID:        e.ClientID,
		OAuthClientSecret:    e.ClientSecret,
		OAuthTenantID:        e.TenantID,
		OAuthRedirectURI:     e.RedirectURI,
		AuthType:             e.AuthType,
		DelegatedPermissions: e.DelegatedPermissions,
	}, changedBy)
}

// UpdateAccountStatus transitions the stored status. The audit entry and
// the mutation commit together.
func (m *Manager) UpdateAccountStatus(ctx context.Context, userID string, status models.AccountStatus, changedBy string) error {
	if !status.Valid() {
		return fmt.Errorf("unknown account status %q", status)
	}
	return m.store.UpdateStatus(ctx, userID, status, changedBy)
}

// DeactivateAccount disables an account. An in-flight refresh wave is
// allowed to finish and persist first; the deactivation serializes behind
// it through the store's transaction boundary and wins for future reads.
func (m *Manager) DeactivateAccount(ctx context.Context, userID, changedBy string) error {
	return m.store.UpdateStatus(ctx, userID, models.StatusInactive, changedBy)
}

// RevokeTokens clears the stored token set and deactivates the account.
func (m *Manager) RevokeTokens(ctx context.Context, userID, changedBy string) error {
	return m.store.RevokeTokens(ctx, userID, changedBy)
}

// Account returns the stored account row with secrets decrypted.
func (m *Manager) Account(ctx context.Context, userID string) (*models.Account, error) {
	return m.store.Get(ctx, userID)
}

// AuditTrail returns the mutation history for an account, oldest first.
func (m *Manager) AuditTrail(ctx context.Context, userID string) ([]models.AccountAuditLog, error) {
	acc, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.store.AuditTrail(ctx, acc.ID)
}

// AccountsRequiringReauth lists accounts waiting on a human.
func (m *Manager) AccountsRequiringReauth(ctx context.Context) ([]models.Account, error) {
	return m.store.ListByStatus(ctx, models.StatusReauthRequired)
}

// AllActiveAccounts lists accounts still enabled for processing.
func (m *Manager) AllActiveAccounts(ctx context.Context) ([]models.Account, error) {
	return m.store.ListActive(ctx)
}

// AccountsByStatus lists accounts in the given status.
func (m *Manager) AccountsByStatus(ctx context.Context, status models.AccountStatus) ([]models.Account, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown account status %q", status)
	}
	return m.store.ListByStatus(ctx, status)
}

// RefreshExpiring proactively refreshes every ACTIVE account inside the
// refresh buffer window. Used by the background sweep; per-account
// failures are logged and do not stop the sweep.
func (m *Manager) RefreshExpiring(ctx context.Context) (int, error) {
	threshold := m.now().Add(m.refreshBuffer)
	accounts, err := m.store.ListExpiring(ctx, threshold)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, acc := range accounts {
		res, err := m.refresh(ctx, acc.UserID, false)
		if err != nil {
			log.Printf("sweep: refresh %s: %v", acc.UserID, err)
			continue
		}
		if res.Status == StatusRefreshed || res.Status == StatusValid {
			refreshed++
		}
	}
	if len(accounts) > 0 {
		log.Printf("sweep: refreshed %d/%d expiring accounts", refreshed, len(accounts))
	}
	return refreshed, nil
}

// CleanupExpired clears token material from long-inactive accounts.
func (m *Manager) CleanupExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	return m.store.CleanupExpired(ctx, m.now().Add(-olderThan))
}
