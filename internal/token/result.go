package token

import (
	"errors"

	"github.com/graphsync/tokenkeeper/internal/db/models"
)

var (
	// ErrReauthRequired signals that the stored refresh token is dead and
	// a human must re-enroll the account. Expected outcome, not a crash.
	ErrReauthRequired = errors.New("reauthentication required")

	// ErrAccountInactive signals a manually deactivated account.
	ErrAccountInactive = errors.New("account inactive")

	// ErrTransientFailure wraps refresh attempts that failed on network or
	// IdP trouble. Safe to retry later; no state was changed.
	ErrTransientFailure = errors.New("transient refresh failure")
)

// RefreshStatus tags a RefreshResult.
type RefreshStatus string

const (
	// StatusValid: the cached token was still fresh; no IdP call was made.
	StatusValid RefreshStatus = "valid"
	// StatusRefreshed: a refresh happened and the store holds new tokens.
	StatusRefreshed RefreshStatus = "refreshed"
	// StatusReauthRequired: refresh cannot succeed until re-enrollment.
	StatusReauthRequired RefreshStatus = "reauth_required"
	// StatusFailed: transient failure, retry later.
	StatusFailed RefreshStatus = "failed"
	// StatusNotFound: no such account.
	StatusNotFound RefreshStatus = "not_found"
	// StatusInactive: account manually deactivated, never auto-refreshed.
	StatusInactive RefreshStatus = "inactive"
)

// RefreshResult is the rich outcome of a token decision, for diagnostic
// callers. AccessToken is set only for StatusValid and StatusRefreshed.
type RefreshResult struct {
	Status      RefreshStatus
	AccessToken string
	Message     string
}

// AuthStatus reports an account's authentication state without touching
// the IdP.
type AuthStatus struct {
	UserID         string
	Status         models.AccountStatus
	Found          bool
	RequiresReauth bool
	Message        string
}
