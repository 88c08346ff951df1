package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/graphsync/tokenkeeper/internal/db/models"
	"github.com/graphsync/tokenkeeper/internal/idp"
	"github.com/graphsync/tokenkeeper/internal/store"
	"github.com/graphsync/tokenkeeper/internal/token"
)

// accountView is the sanitized account representation. Tokens and client
// secrets never leave the process through this API.
type accountView struct {
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	Email        string    `json:"email"`
	Status       string    `json:"status"`
	IsActive     bool      `json:"is_active"`
	TokenExpiry  time.Time `json:"token_expiry"`
	LastSyncTime time.Time `json:"last_sync_time"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toView(acc models.Account) accountView {
	return accountView{
		UserID:       acc.UserID,
		UserName:     acc.UserName,
		Email:        acc.Email,
		Status:       string(acc.Status),
		IsActive:     acc.IsActive,
		TokenExpiry:  acc.TokenExpiry,
		LastSyncTime: acc.LastSyncTime,
		UpdatedAt:    acc.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		accounts []models.Account
		err      error
	)
	if q := r.URL.Query().Get("status"); q != "" {
		status := models.AccountStatus(q)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", q))
			return
		}
		accounts, err = s.manager.AccountsByStatus(ctx, status)
	} else {
		accounts, err = s.manager.AllActiveAccounts(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		views = append(views, toView(acc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views, "count": len(views)})
}

type createAccountRequest struct {
	UserID               string    `json:"user_id"`
	UserName             string    `json:"user_name"`
	Email                string    `json:"email"`
	AccessToken          string    `json:"access_token"`
	RefreshToken         string    `json:"refresh_token"`
	TokenExpiry          time.Time `json:"token_expiry"`
	ClientID             string    `json:"oauth_client_id"`
	ClientSecret         string    `json:"oauth_client_secret"`
	TenantID             string    `json:"oauth_tenant_id"`
	RedirectURI          string    `json:"oauth_redirect_uri"`
	AuthType             string    `json:"auth_type"`
	DelegatedPermissions string    `json:"delegated_permissions"`
}

// handleCreateAccount is the enrollment-sync entry point: it registers an
// account row (with or without tokens) before the lifecycle manager takes
// over.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	id, err := s.manager.StoreInitialTokens(r.Context(), token.Enrollment{
		UserID:               req.UserID,
		UserName:             req.UserName,
		Email:                req.Email,
		AccessToken:          req.AccessToken,
		RefreshToken:         req.RefreshToken,
		TokenExpiry:          req.TokenExpiry,
		ClientID:             req.ClientID,
		ClientSecret:         req.ClientSecret,
		TenantID:             req.TenantID,
		RedirectURI:          req.RedirectURI,
		AuthType:             req.AuthType,
		DelegatedPermissions: req.DelegatedPermissions,
	}, "enrollment-api")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"account_id": id, "user_id": req.UserID})
}

func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	st, err := s.manager.CheckAuthenticationStatus(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	code := http.StatusOK
	if !st.Found {
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]any{
		"user_id":         st.UserID,
		"status":          st.Status,
		"requires_reauth": st.RequiresReauth,
		"message":         st.Message,
	})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	entries, err := s.manager.AuditTrail(r.Context(), userID)
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type entryView struct {
		Action    string    `json:"action"`
		OldValues string    `json:"old_values,omitempty"`
		NewValues string    `json:"new_values,omitempty"`
		ChangedBy string    `json:"changed_by"`
		Timestamp time.Time `json:"timestamp"`
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			Action:    string(e.Action),
			OldValues: e.OldValues,
			NewValues: e.NewValues,
			ChangedBy: e.ChangedBy,
			Timestamp: e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "entries": views, "count": len(views)})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.manager.UpdateAccountStatus(r.Context(), userID, models.AccountStatus(req.Status), "admin-api")
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": req.Status})
	}
}

func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	res, err := s.manager.ForceTokenRefresh(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	code := http.StatusOK
	switch res.Status {
	case token.StatusNotFound:
		code = http.StatusNotFound
	case token.StatusFailed:
		code = http.StatusBadGateway
	case token.StatusReauthRequired:
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{
		"user_id": userID,
		"status":  string(res.Status),
		"message": res.Message,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	err := s.manager.RevokeTokens(r.Context(), userID, "admin-api")
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": "revoked"})
	}
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	err := s.manager.DeactivateAccount(r.Context(), userID, "admin-api")
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": string(models.StatusInactive)})
	}
}

// handleLogin starts the enrollment flow for an already-registered
/// account: it redirects to the IdP authorize URL with a one-time state.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	acc, err := s.manager.Account(r.Context(), userID)
	if errors.Is(err, store.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "account not registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	state := s.states.issue(userID)
	url := s.idp.AuthCodeURL(credsOf(acc), state)
	http.Redirect(w, r, url, http.StatusFound)
}

/// handleCallback finishes enrollment: one-time code exchange, then the
// store write that hands the account to the lifecycle manager.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.states.consume(r.URL.Query().Get("state"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid or expired state")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	acc, err := s.manager.Account(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	grant, err := s.idp.ExchangeAuthorizationCode(r.Context(), credsOf(acc), code)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("code exchange failed: %v", err))
		return
	}

	if _, err := s.manager.StoreInitialTokens(r.Context(), token.Enrollment{
		UserID:               acc.UserID,
		UserName:             acc.UserName,
		Email:                acc.Email,
		AccessToken:          grant.AccessToken,
		RefreshToken:         grant.RefreshToken,
		TokenExpiry:          grant.Expiry,
		ClientID:             acc.OAuthClientID,
		ClientSecret:         acc.OAuthClientSecret,
		TenantID:             acc.OAuthTenantID,
		RedirectURI:          acc.OAuthRedirectURI,
		AuthType:             acc.AuthType,
		DelegatedPermissions: acc.DelegatedPermissions,
	}, "oauth-callback"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("enrollment completed for %s", userID)
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": "enrolled"})
}

func credsOf(acc *models.Account) idp.Credentials {
	return idp.Credentials{
		ClientID:     acc.OAuthClientID,
		ClientSecret: acc.OAuthClientSecret,
		TenantID:     acc.OAuthTenantID,
		RedirectURI:  acc.OAuthRedirectURI,
	}
}
