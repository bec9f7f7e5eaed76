package web

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/calhub/internal/accounts"
	"github.com/sekia-ai/calhub/internal/metrics"
	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/natsserver"
	"github.com/sekia-ai/calhub/internal/notify"
	"github.com/sekia-ai/calhub/internal/remote/remotetest"
	"github.com/sekia-ai/calhub/internal/store"
	"github.com/sekia-ai/calhub/internal/syncer"
	"github.com/sekia-ai/calhub/internal/timezone"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	store *store.Store
	nats  *natsserver.Server
	mgr   *accounts.Manager
}

func setupTest(t *testing.T) *testEnv {
	return setupTestWithAuth(t, "", "")
}

func setupTestWithAuth(t *testing.T, username, password string) *testEnv {
	t.Helper()
	ctx := context.Background()

	ns, err := natsserver.New(natsserver.Config{StoreDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ns.Shutdown)

	st, err := store.Open(filepath.Join(t.TempDir(), "calhub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SyncPass("ok", time.Second)

	conn := remotetest.NewConnector()
	se := syncer.New(ctx, st, conn, syncer.Config{}, zerolog.Nop())
	mgr := accounts.New(ctx, st, se, conn, 15*time.Minute, zerolog.Nop())
	mgr.Notifier = notify.New(ns.Conn(), protocol.SourceAccounts, zerolog.Nop())
	t.Cleanup(mgr.Stop)

	srv := New(Config{Listen: ":0", Username: username, Password: password}, Deps{
		Accounts:  mgr,
		History:   ns.History(),
		Conn:      ns.Conn(),
		Gatherer:  reg,
		Zone:      timezone.NewZone(time.UTC),
		StartedAt: time.Now(),
	}, zerolog.Nop())
	if err := srv.subscribe(); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, store: st, nats: ns, mgr: mgr}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestDashboardRenders(t *testing.T) {
	env := setupTest(t)

	code, html := get(t, env.ts.URL+"/web")
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	for _, want := range []string{"calhub Dashboard", "System Status", "Accounts", "Recent Activity"} {
		if !strings.Contains(html, want) {
			t.Errorf("expected %q in dashboard", want)
		}
	}
	if !strings.Contains(html, "No accounts configured") {
		t.Error("expected empty accounts state")
	}
}

func TestPartialStatus(t *testing.T) {
	env := setupTest(t)

	code, body := get(t, env.ts.URL+"/web/partials/status")
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if !strings.Contains(body, "System Status") || !strings.Contains(body, "UTC") {
		t.Errorf("unexpected status partial: %s", body)
	}
}

func TestPartialAccounts(t *testing.T) {
	env := setupTest(t)
	a := &model.Account{Name: "work", ServerURL: "https://dav.example.com/", AuthKind: model.AuthBasic,
		Username: "u", Secret: "p", Enabled: true}
	if err := env.store.CreateAccount(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if err := env.store.MarkNeedsReauth(context.Background(), a.ID, "token revoked"); err != nil {
		t.Fatal(err)
	}

	_, body := get(t, env.ts.URL+"/web/partials/accounts")
	for _, want := range []string{"work", "needs reauth", "token revoked"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in accounts partial", want)
		}
	}
	if strings.Contains(body, "Sync now") {
		t.Error("sync button shown for account needing reauth")
	}
}

func TestRecentActivityFromHistory(t *testing.T) {
	env := setupTest(t)
	p := notify.New(env.nats.Conn(), protocol.SourceRules, zerolog.Nop())
	p.Publish(protocol.EventRuleExecuted, map[string]any{"rule_name": "work to family"})

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body := get(t, env.ts.URL+"/web/partials/activity")
		if strings.Contains(body, "rule.executed") && strings.Contains(body, "work to family") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never reached history: %s", body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEventStream(t *testing.T) {
	env := setupTest(t)

	resp, err := http.Get(env.ts.URL + "/web/events/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	p := notify.New(env.nats.Conn(), protocol.SourceSync, zerolog.Nop())
	p.Publish(protocol.EventSyncCompleted, map[string]any{"account_name": "work"})

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed")
			}
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, "sync.completed") {
				return
			}
		case <-timeout:
			t.Fatal("no event on stream")
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTest(t)

	code, body := get(t, env.ts.URL+"/metrics")
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if !strings.Contains(body, "calhub_sync_pass_duration_seconds") {
		t.Error("expected sync pass histogram in metrics output")
	}
}

func TestStaticAssets(t *testing.T) {
	env := setupTest(t)

	for _, path := range []string{"/web/static/app.js", "/web/static/style.css"} {
		if code, _ := get(t, env.ts.URL+path); code != 200 {
			t.Errorf("GET %s: expected 200, got %d", path, code)
		}
	}
}

func TestEventBus(t *testing.T) {
	eb := NewEventBus()

	ch, unsub, err := eb.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	eb.Publish([]byte(`{"type":"test"}`))

	select {
	case data := <-ch:
		if string(data) != `{"type":"test"}` {
			t.Errorf("unexpected data: %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestAuthRequired(t *testing.T) {
	env := setupTestWithAuth(t, "admin", "secret")

	resp, err := http.Get(env.ts.URL + "/web")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401 without auth, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}

	for _, tc := range []struct {
		pass string
		want int
	}{{"wrong", 401}, {"secret", 200}} {
		req, _ := http.NewRequest("GET", env.ts.URL+"/web", nil)
		req.SetBasicAuth("admin", tc.pass)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("password %q: expected %d, got %d", tc.pass, tc.want, resp.StatusCode)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := setupTest(t)

	resp, err := http.Get(env.ts.URL + "/web")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	checks := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":   "default-src 'none'; script-src 'self'; style-src 'self'; img-src 'self'; connect-src 'self'",
		"Strict-Transport-Security": "max-age=63072000; includeSubDomains",
	}
	for header, want := range checks {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCSRFCookieSet(t *testing.T) {
	env := setupTest(t)

	resp, err := http.Get(env.ts.URL + "/web")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	var csrf *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "calhub_csrf" {
			csrf = c
			break
		}
	}
	if csrf == nil {
		t.Fatal("expected calhub_csrf cookie to be set")
	}
	if len(csrf.Value) != 64 {
		t.Errorf("expected 64-char token, got %d chars", len(csrf.Value))
	}
}

func TestSyncRequiresCSRFToken(t *testing.T) {
	env := setupTest(t)
	a := &model.Account{Name: "work", ServerURL: "https://dav.example.com/", AuthKind: model.AuthBasic,
		Username: "u", Secret: "p", Enabled: true}
	if err := env.store.CreateAccount(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	url := env.ts.URL + "/web/accounts/" + a.ID + "/sync"

	req, _ := http.NewRequest("POST", url, nil)
	req.AddCookie(&http.Cookie{Name: "calhub_csrf", Value: "sometoken"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403 without CSRF header, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest("POST", url, nil)
	req.AddCookie(&http.Cookie{Name: "calhub_csrf", Value: "sometoken"})
	req.Header.Set("X-CSRF-Token", "sometoken")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 with matching token, got %d", resp.StatusCode)
	}
	// No fake server is registered, so the pass fails and is reported on the row.
	if !strings.Contains(string(body), "no fake server") {
		t.Errorf("expected sync failure on account row: %s", body)
	}
}

func TestSSEConnectionLimit(t *testing.T) {
	eb := NewEventBus()

	unsubs := make([]func(), 0, maxSSEClients)
	for i := 0; i < maxSSEClients; i++ {
		_, unsub, err := eb.Subscribe()
		if err != nil {
			t.Fatalf("subscribe %d: unexpected error: %v", i, err)
		}
		unsubs = append(unsubs, unsub)
	}

	if _, _, err := eb.Subscribe(); err != ErrTooManyClients {
		t.Fatalf("expected ErrTooManyClients, got %v", err)
	}

	unsubs[0]()
	_, unsub, err := eb.Subscribe()
	if err != nil {
		t.Fatalf("expected subscribe to succeed after unsub: %v", err)
	}
	unsub()

	for _, fn := range unsubs[1:] {
		fn()
	}
}
