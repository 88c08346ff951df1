package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/graphsync/tokenkeeper/internal/crypto"
	"github.com/graphsync/tokenkeeper/internal/db/models"
	"github.com/graphsync/tokenkeeper/internal/idp"
	"github.com/graphsync/tokenkeeper/internal/store"
	"github.com/graphsync/tokenkeeper/internal/token"
	"gorm.io/gorm"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	outcome idp.RefreshOutcome
}

func (f *fakeProvider) ExchangeRefreshToken(ctx context.Context, creds idp.Credentials, refreshToken string) idp.RefreshOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.outcome
}

func newTestServer(t *testing.T, provider token.IdentityProvider, idpClient *idp.Client, adminPassword string) (*httptest.Server, *store.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Account{}, &models.AccountAuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cipher, err := crypto.New("server-test-key")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	st := store.New(gdb, cipher)
	mgr := token.NewManager(st, provider, 10*time.Minute)
	if idpClient == nil {
		idpClient = idp.NewClient("https://login.example.test", nil, time.Second)
	}

	srv := httptest.NewServer(New(mgr, idpClient, adminPassword).Routes())
	t.Cleanup(srv.Close)
	return srv, st
}

func seedServerAccount(t *testing.T, st *store.Store, userID string, expiry time.Time) {
	t.Helper()
	_, err := st.Create(context.Background(), &models.Account{
		UserID:            userID,
		UserName:          userID,
		Email:             userID + "@example.com",
		AccessToken:       "cached-" + userID,
		RefreshToken:      "refresh-" + userID,
		TokenExpiry:       expiry.UTC(),
		Status:            models.StatusActive,
		IsActive:          true,
		OAuthClientID:     "client-1",
		OAuthClientSecret: "secret-1",
		OAuthTenantID:     "tenant-1",
		OAuthRedirectURI:  "https://localhost/auth/callback",
	}, "test-seed")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeProvider{}, nil, "")
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCreateAndListAccounts(t *testing.T) {
	srv, _ := newTestServer(t, &fakeProvider{}, nil, "")

	payload := `{
		"user_id": "alice",
		"user_name": "Alice",
		"email": "alice@example.com",
		"access_token": "at",
		"refresh_token": "rt",
		"token_expiry": "2030-01-02T15:04:05Z",
		"oauth_client_id": "client-1",
		"oauth_client_secret": "secret-1",
		"oauth_tenant_id": "tenant-1"
	}`
	resp, err := http.Post(srv.URL+"/api/accounts", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/accounts")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list struct {
		Accounts []accountView `json:"accounts"`
		Count    int           `json:"count"`
	}
	decodeBody(t, resp, &list)
	if list.Count != 1 || list.Accounts[0].UserID != "alice" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if list.Accounts[0].Status != string(models.StatusActive) {
		t.Fatalf("expected ACTIVE, got %s", list.Accounts[0].Status)
	}
}

func TestListAccountsByStatus(t *testing.T) {
	srv, st := newTestServer(t, &fakeProvider{}, nil, "")
	seedServerAccount(t, st, "bob", time.Now().Add(time.Hour))

	resp, err := http.Get(srv.URL + "/api/accounts?status=REAUTH_REQUIRED")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &list)
	if list.Count != 0 {
		t.Fatalf("expected 0 reauth accounts, got %d", list.Count)
	}

	resp, err = http.Get(srv.URL + "/api/accounts?status=BOGUS")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bogus status, got %d", resp.StatusCode)
	}
}

func TestAccountStatusEndpoint(t *testing.T) {
	srv, st := newTestServer(t, &fakeProvider{}, nil, "")
	seedServerAccount(t, st, "carol", time.Now().Add(time.Hour))

	resp, err := http.Get(srv.URL + "/api/accounts/carol/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body struct {
		RequiresReauth bool   `json:"requires_reauth"`
		Status         string `json:"status"`
	}
	decodeBody(t, resp, &body)
	if body.RequiresReauth {
		t.Fatalf("fresh account should not require reauth: %+v", body)
	}

	resp, err = http.Get(srv.URL + "/api/accounts/nobody/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestForceRefreshEndpoint(t *testing.T) {
	fake := &fakeProvider{outcome: idp.Refreshed("new-access", "new-refresh", time.Now().Add(time.Hour))}
	srv, st := newTestServer(t, fake, nil, "")
	seedServerAccount(t, st, "dave", time.Now().Add(time.Hour))

	resp, err := http.Post(srv.URL+"/api/accounts/dave/refresh", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != string(token.StatusRefreshed) {
		t.Fatalf("expected refreshed, got %v", body)
	}
	if strings.Contains(fmt.Sprint(body), "new-access") {
		t.Fatal("token material must not leak through the admin API")
	}

	acc, err := st.Get(context.Background(), "dave")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.AccessToken != "new-access" {
		t.Fatalf("store not updated: %+v", acc)
	}
}

func TestRevokeAndDeactivateEndpoints(t *testing.T) {
	srv, st := newTestServer(t, &fakeProvider{}, nil, "")
	seedServerAccount(t, st, "erin", time.Now().Add(time.Hour))

	resp, err := http.Post(srv.URL+"/api/accounts/erin/revoke", "application/json", nil)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	acc, _ := st.Get(context.Background(), "erin")
	if acc.AccessToken != "" || acc.Status != models.StatusInactive {
		t.Fatalf("revoke did not clear account: %+v", acc)
	}

	resp, err = http.Post(srv.URL+"/api/accounts/ghost/deactivate", "application/json", nil)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", resp.StatusCode)
	}
}

func TestAuditTrailEndpoint(t *testing.T) {
	srv, st := newTestServer(t, &fakeProvider{}, nil, "")
	seedServerAccount(t, st, "fay", time.Now().Add(time.Hour))

	if err := st.UpdateStatus(context.Background(), "fay", models.StatusReauthRequired, "test"); err != nil {
		t.Fatalf("update status: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/accounts/fay/audit")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Entries []struct {
			Action    string `json:"action"`
			ChangedBy string `json:"changed_by"`
		} `json:"entries"`
		Count int `json:"count"`
	}
	decodeBody(t, resp, &body)
	if body.Count != 2 || len(body.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", body)
	}
	if body.Entries[0].Action != string(models.ActionTokenStored) || body.Entries[1].Action != string(models.ActionStatusChanged) {
		t.Fatalf("unexpected trail order: %+v", body.Entries)
	}

	resp, err = http.Get(srv.URL + "/api/accounts/ghost/audit")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", resp.StatusCode)
	}
}

func TestAdminAuthGate(t *testing.T) {
	srv, _ := newTestServer(t, &fakeProvider{}, nil, "hunter2")

	resp, err := http.Get(srv.URL + "/api/accounts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/accounts", nil)
	req.SetBasicAuth("admin", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", resp.StatusCode)
	}

	// Health and enrollment endpoints stay open.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected open healthz, got %d", resp.StatusCode)
	}
}

func TestEnrollmentFlow(t *testing.T) {
	// Fake IdP token endpoint for the code exchange.
	idpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "authorization_code" {
			t.Errorf("unexpected grant type %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"enrolled-access","refresh_token":"enrolled-refresh","expires_in":3600,"token_type":"Bearer"}`))
	}))
	t.Cleanup(idpSrv.Close)

	idpClient := idp.NewClient(idpSrv.URL, []string{"offline_access"}, 2*time.Second)
	srv, st := newTestServer(t, &fakeProvider{}, idpClient, "")

	// Registered account without tokens yet.
	_, err := st.Create(context.Background(), &models.Account{
		UserID:            "frank",
		UserName:          "frank",
		Status:            models.StatusInactive,
		OAuthClientID:     "client-1",
		OAuthClientSecret: "secret-1",
		OAuthTenantID:     "tenant-1",
		OAuthRedirectURI:  "https://localhost/auth/callback",
	}, "enrollment-sync")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Login redirects to the IdP authorize URL carrying a state token.
	noRedirect := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noRedirect.Get(srv.URL + "/auth/login?user_id=frank")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("expected state in authorize URL")
	}

	// Callback exchanges the code and stores the initial tokens.
	resp, err = http.Get(srv.URL + "/auth/callback?state=" + state + "&code=auth-code-1")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	acc, err := st.Get(context.Background(), "frank")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Status != models.StatusActive {
		t.Fatalf("expected ACTIVE after enrollment, got %s", acc.Status)
	}
	if acc.AccessToken != "enrolled-access" || acc.RefreshToken != "enrolled-refresh" {
		t.Fatalf("tokens not stored: %+v", acc)
	}

	// State tokens are single-use.
	resp, err = http.Get(srv.URL + "/auth/callback?state=" + state + "&code=auth-code-1")
	if err != nil {
		t.Fatalf("callback replay: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on state replay, got %d", resp.StatusCode)
	}
}
