// Package idp talks to the identity provider's tenant token endpoint.
// One network round trip per call, bounded by the configured timeout and
// with no internal retries. Retry policy belongs to the lifecycle manager.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const defaultTokenLifetime = time.Hour

// Credentials is the per-account OAuth client registration.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURI  string
}

// Client performs authorization-code and refresh-token exchanges.
type Client struct {
	authorityBase string
	scopes        []string
	timeout       time.Duration
	httpClient    *http.Client
}

// NewClient builds a client against authorityBase
// (e.g. https://login.microsoftonline.com).
func NewClient(authorityBase string, scopes []string, timeout time.Duration) *Client {
	return &Client{
		authorityBase: strings.TrimRight(authorityBase, "/"),
		scopes:        scopes,
		timeout:       timeout,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) oauthConfig(creds Credentials) *oauth2.Config {
	tenant := creds.TenantID
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURI,
		Scopes:       c.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  fmt.Sprintf("%s/%s/oauth2/v2.0/authorize", c.authorityBase, tenant),
			TokenURL: fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.authorityBase, tenant),
		},
	}
}

// ExchangeRefreshToken performs one refresh grant and classifies the
// response. A timed-out call is a transient failure, never an error that
// escapes as something else.
func (c *Client) ExchangeRefreshToken(ctx context.Context, creds Credentials, refreshToken string) RefreshOutcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	src := c.oauthConfig(creds).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return classifyRefreshError(err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().UTC().Add(defaultTokenLifetime)
	}

	// IdPs that rotate refresh tokens return a new one; otherwise the old
	// token stays valid and must be kept.
	rotated := tok.RefreshToken
	if rotated == "" {
		rotated = refreshToken
	}
	return Refreshed(tok.AccessToken, rotated, expiry.UTC())
}

// TokenGrant is the result of the one-time authorization-code exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// ExchangeAuthorizationCode performs the first OAuth leg, used once per
// account during enrollment.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, creds Credentials, code string) (*TokenGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.oauthConfig(creds).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange: %w", err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().UTC().Add(defaultTokenLifetime)
	}
	return &TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       expiry.UTC(),
	}, nil
}

// AuthCodeURL builds the authorize URL for enrollment, tagged with state.
func (c *Client) AuthCodeURL(creds Credentials, state string) string {
	return c.oauthConfig(creds).AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Grant error codes that mean the refresh token itself is dead.
var permanentErrorCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
	"consent_required":    true,
}

func classifyRefreshError(err error) RefreshOutcome {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if permanentErrorCodes[rerr.ErrorCode] {
			reason := rerr.ErrorCode
			if rerr.ErrorDescription != "" {
				reason = fmt.Sprintf("%s: %s", rerr.ErrorCode, rerr.ErrorDescription)
			}
			return ReauthRequired(reason)
		}
		if rerr.ErrorCode == "" && rerr.Response != nil && rerr.Response.StatusCode == http.StatusUnauthorized {
			return ReauthRequired(fmt.Sprintf("token endpoint returned %d", rerr.Response.StatusCode))
		}
		// 5xx, 429, and unknown error codes: nothing proves the stored
		// credential is broken, so let a later call retry.
		return TransientFailure(fmt.Sprintf("token endpoint error: %v", err))
	}

	// Some providers report revocation without a structured error body.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "token has been expired or revoked") {
		return ReauthRequired(err.Error())
	}
	return TransientFailure(err.Error())
}
