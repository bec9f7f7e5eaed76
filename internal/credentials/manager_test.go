package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"gopkg.in/guregu/null.v3"

	"github.com/sekia-ai/calhub/internal/model"
)

type memStore struct {
	mu       sync.Mutex
	accounts map[string]model.Account
	saves    int
}

func newMemStore(accts ...model.Account) *memStore {
	s := &memStore{accounts: map[string]model.Account{}}
	for _, a := range accts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *memStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, model.NotFound("account", id)
	}
	return &a, nil
}

func (s *memStore) SaveTokens(_ context.Context, id, access, refresh string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[id]
	a.AccessToken, a.RefreshToken, a.TokenExpiry, a.NeedsReauth = access, refresh, null.TimeFrom(expiry), false
	s.accounts[id] = a
	s.saves++
	return nil
}

func (s *memStore) MarkNeedsReauth(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[id]
	a.NeedsReauth, a.LastError = true, reason
	s.accounts[id] = a
	return nil
}

func (s *memStore) get(id string) model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func tokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(store Store, tokenURL string) *Manager {
	m := NewManager(store, OAuthApp{ClientID: "env-client", ClientSecret: "env-secret"}, zerolog.Nop())
	m.Endpoint = oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams}
	return m
}

func oauthAccount(expiry time.Time) model.Account {
	return model.Account{
		ID:           "g1",
		Name:         "google",
		AuthKind:     model.AuthOAuth,
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		TokenExpiry:  null.TimeFrom(expiry),
		Enabled:      true,
	}
}

func TestGetUsableBasic(t *testing.T) {
	store := newMemStore(
		model.Account{ID: "b1", Name: "dav", AuthKind: model.AuthBasic, Username: "alice", Secret: "pw"},
		model.Account{ID: "b2", Name: "incomplete", AuthKind: model.AuthBasic, Username: "bob"},
	)
	m := newTestManager(store, "http://unused")

	cred, err := m.GetUsable(context.Background(), "b1")
	if err != nil {
		t.Fatalf("GetUsable: %v", err)
	}
	basic, ok := cred.(model.BasicCredential)
	if !ok || basic.Username != "alice" || basic.Password != "pw" {
		t.Errorf("credential = %#v", cred)
	}

	if _, err := m.GetUsable(context.Background(), "b2"); !errors.Is(err, model.ErrMissingConfig) {
		t.Errorf("incomplete basic = %v, want ErrMissingConfig", err)
	}
	if _, err := m.GetUsable(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown account = %v, want ErrNotFound", err)
	}
}

func TestGetUsableFreshTokenSkipsRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
	store := newMemStore(oauthAccount(time.Now().Add(time.Hour)))
	m := newTestManager(store, srv.URL)

	cred, err := m.GetUsable(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	if tok := cred.(model.OAuthCredential).Token; tok.AccessToken != "old-access" {
		t.Errorf("access token = %q", tok.AccessToken)
	}
	if calls.Load() != 0 {
		t.Errorf("token endpoint called %d times", calls.Load())
	}
}

func TestGetUsableRefreshesNearExpiry(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.Form.Get("refresh_token") != "old-refresh" || r.Form.Get("client_id") != "env-client" {
			t.Errorf("unexpected refresh form: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-access","token_type":"Bearer","expires_in":3600}`)
	})
	store := newMemStore(oauthAccount(time.Now().Add(2 * time.Minute)))
	m := newTestManager(store, srv.URL)

	cred, err := m.GetUsable(context.Background(), "g1")
	if err != nil {
		t.Fatalf("GetUsable: %v", err)
	}
	if tok := cred.(model.OAuthCredential).Token; tok.AccessToken != "new-access" {
		t.Errorf("access token = %q", tok.AccessToken)
	}

	a := store.get("g1")
	if a.AccessToken != "new-access" || a.RefreshToken != "old-refresh" {
		t.Errorf("stored tokens = %q/%q, want new access and kept refresh", a.AccessToken, a.RefreshToken)
	}
	if time.Until(a.TokenExpiry.Time) < 50*time.Minute {
		t.Errorf("stored expiry %v not moved forward", a.TokenExpiry.Time)
	}
}

func TestGetUsableInvalidGrantFlagsAccount(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	})
	store := newMemStore(oauthAccount(time.Now().Add(-time.Minute)))
	m := newTestManager(store, srv.URL)

	_, err := m.GetUsable(context.Background(), "g1")
	if !errors.Is(err, model.ErrNeedsReauth) {
		t.Fatalf("err = %v, want ErrNeedsReauth", err)
	}
	a := store.get("g1")
	if !a.NeedsReauth {
		t.Error("needs_reauth not set")
	}
	if a.AccessToken != "old-access" || a.RefreshToken != "old-refresh" {
		t.Error("tokens were cleared")
	}

	// Flagged accounts fail fast without contacting the endpoint again.
	if _, err := m.GetUsable(context.Background(), "g1"); !errors.Is(err, model.ErrNeedsReauth) {
		t.Errorf("second call = %v", err)
	}
}

func TestGetUsableTransientFailureKeepsFlag(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	})
	store := newMemStore(oauthAccount(time.Now().Add(-time.Minute)))
	m := newTestManager(store, srv.URL)

	_, err := m.GetUsable(context.Background(), "g1")
	if !errors.Is(err, model.ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}
	if errors.Is(err, model.ErrNeedsReauth) {
		t.Error("transient failure classified as revocation")
	}
	if store.get("g1").NeedsReauth {
		t.Error("needs_reauth set on transient failure")
	}
}

func TestGetUsableSingleRefreshUnderConcurrency(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-access","refresh_token":"rotated","token_type":"Bearer","expires_in":3600}`)
	})
	store := newMemStore(oauthAccount(time.Now()))
	m := newTestManager(store, srv.URL)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := m.GetUsable(context.Background(), "g1")
			if err != nil {
				t.Error(err)
				return
			}
			if tok := cred.(model.OAuthCredential).Token; tok.AccessToken != "new-access" {
				t.Errorf("access token = %q", tok.AccessToken)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("token endpoint called %d times, want 1", calls.Load())
	}
	if got := store.get("g1").RefreshToken; got != "rotated" {
		t.Errorf("refresh token = %q, want rotated", got)
	}
}

func TestOAuthConfigFallback(t *testing.T) {
	m := newTestManager(newMemStore(), "http://unused")

	cfg, err := m.OAuthConfig(&model.Account{OAuthClientID: "own", OAuthClientSecret: "s"})
	if err != nil || cfg.ClientID != "own" {
		t.Errorf("own client = %v, %v", cfg, err)
	}
	cfg, err = m.OAuthConfig(&model.Account{})
	if err != nil || cfg.ClientID != "env-client" {
		t.Errorf("fallback client = %v, %v", cfg, err)
	}

	m.SetApp(OAuthApp{})
	if _, err := m.OAuthConfig(&model.Account{Name: "x"}); !errors.Is(err, model.ErrMissingConfig) {
		t.Errorf("no client = %v, want ErrMissingConfig", err)
	}
}
