package idp

import "time"

// OutcomeKind tags the result of a refresh attempt.
type OutcomeKind string

const (
	// OutcomeRefreshed: the IdP issued a new access token (and possibly a
	// rotated refresh token).
	OutcomeRefreshed OutcomeKind = "refreshed"
	// OutcomeReauthRequired: the refresh token itself is invalid, expired,
	// or revoked. Only a human-initiated re-authentication can recover.
	OutcomeReauthRequired OutcomeKind = "reauth_required"
	// OutcomeTransientFailure: network trouble or an IdP-side hiccup.
	// Nothing about the stored credential is known to be wrong.
	OutcomeTransientFailure OutcomeKind = "transient_failure"
)

// RefreshOutcome is the tagged result of one refresh-token exchange.
// Only the fields relevant to the kind are set.
type RefreshOutcome struct {
	Kind         OutcomeKind
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Reason       string
}

func Refreshed(accessToken, refreshToken string, expiry time.Time) RefreshOutcome {
	return RefreshOutcome{
		Kind:         OutcomeRefreshed,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       expiry,
	}
}

func ReauthRequired(reason string) RefreshOutcome {
	return RefreshOutcome{Kind: OutcomeReauthRequired, Reason: reason}
}

func TransientFailure(reason string) RefreshOutcome {
	return RefreshOutcome{Kind: OutcomeTransientFailure, Reason: reason}
}
