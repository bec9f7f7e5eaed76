package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/remote"
	"github.com/sekia-ai/calhub/internal/remote/remotetest"
	"github.com/sekia-ai/calhub/internal/store"
)

type harness struct {
	store  *store.Store
	conn   *remotetest.Connector
	engine *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "calhub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	conn := remotetest.NewConnector()
	return &harness{store: st, conn: conn, engine: New(context.Background(), st, conn, cfg, zerolog.Nop())}
}

func (h *harness) account(t *testing.T, name string) (*model.Account, *remotetest.Server) {
	t.Helper()
	a := &model.Account{
		Name:      name,
		ServerURL: "https://dav.example.com/",
		AuthKind:  model.AuthBasic,
		Username:  "alice",
		Secret:    "pw",
		Enabled:   true,
	}
	if err := h.store.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	srv := remotetest.NewServer()
	h.conn.Register(a.ID, srv)
	return a, srv
}

func (h *harness) calendar(t *testing.T, accountID, remoteID string) model.Calendar {
	t.Helper()
	cals, err := h.store.ListCalendars(context.Background(), accountID)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range cals {
		if c.RemoteID == remoteID {
			return c
		}
	}
	t.Fatalf("calendar %s not found", remoteID)
	return model.Calendar{}
}

func (h *harness) eventsByRemote(t *testing.T, calendarID string) map[string]model.Event {
	t.Helper()
	events, err := h.store.CalendarEvents(context.Background(), calendarID)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]model.Event, len(events))
	for _, e := range events {
		out[e.RemoteID] = e
	}
	return out
}

func at(hour int) time.Time {
	return time.Date(2025, 3, 10, hour, 0, 0, 0, time.UTC)
}

func TestSyncMergeScenario(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	acct, srv := h.account(t, "work")
	srv.AddCalendar("/cal/home/", "Home")
	for i, uid := range []string{"e1", "e2", "e3"} {
		srv.Put("/cal/home/", remote.Event{UID: uid, Summary: uid, Start: at(9 + i), End: at(10 + i)})
	}

	res, err := h.engine.Sync(ctx, acct.ID)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if res.Inserted != 3 || res.Calendars != 1 {
		t.Fatalf("first sync result = %+v", res)
	}
	cal := h.calendar(t, acct.ID, "/cal/home/")
	before := h.eventsByRemote(t, cal.ID)
	if len(before) != 3 {
		t.Fatalf("local events = %d, want 3", len(before))
	}

	res, err = h.engine.Sync(ctx, acct.ID)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Inserted+res.Updated+res.Deleted != 0 {
		t.Fatalf("unchanged remote produced writes: %+v", res)
	}
	for uid, e := range h.eventsByRemote(t, cal.ID) {
		if !e.UpdatedAt.Equal(before[uid].UpdatedAt) {
			t.Errorf("%s rewritten by idempotent pass", uid)
		}
	}

	srv.Remove("/cal/home/", "e1")
	srv.Put("/cal/home/", remote.Event{UID: "e2", Summary: "e2 moved", Start: at(15), End: at(16)})
	srv.Put("/cal/home/", remote.Event{UID: "e4", Summary: "e4", Start: at(17)})

	res, err = h.engine.Sync(ctx, acct.ID)
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 1 || res.Deleted != 1 {
		t.Fatalf("third sync result = %+v", res)
	}

	after := h.eventsByRemote(t, cal.ID)
	if len(after) != 3 {
		t.Fatalf("local events = %d, want 3", len(after))
	}
	if _, ok := after["e1"]; ok {
		t.Error("e1 still cached after remote delete")
	}
	if after["e2"].ID != before["e2"].ID || after["e2"].Summary != "e2 moved" || !after["e2"].Start.Equal(at(15)) {
		t.Errorf("e2 = %+v", after["e2"])
	}
	if after["e3"].ID != before["e3"].ID || !after["e3"].UpdatedAt.Equal(before["e3"].UpdatedAt) {
		t.Errorf("e3 changed: %+v", after["e3"])
	}
	if e4, ok := after["e4"]; !ok || e4.End.Valid {
		t.Errorf("e4 = %+v, want open-ended new event", e4)
	}

	got, _ := h.store.GetAccount(ctx, acct.ID)
	if !got.LastSyncedAt.Valid || got.LastError != "" {
		t.Errorf("account after sync: last_synced_at=%v last_error=%q", got.LastSyncedAt, got.LastError)
	}
	if s := h.engine.State(acct.ID); s != StateIdle {
		t.Errorf("state = %s, want idle", s)
	}
}

func TestCalendarFailureDoesNotStopPass(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	acct, srv := h.account(t, "work")
	srv.AddCalendar("/a/", "A")
	srv.AddCalendar("/b/", "B")
	srv.Put("/b/", remote.Event{UID: "b1", Summary: "b1", Start: at(9)})
	srv.ListEventsErr["/a/"] = errors.New("server hiccup")

	res, err := h.engine.Sync(ctx, acct.ID)
	if !errors.Is(err, model.ErrTransientSync) {
		t.Fatalf("err = %v, want transient sync error", err)
	}
	if res.Failed != 1 || res.Calendars != 1 || res.Inserted != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := h.eventsByRemote(t, h.calendar(t, acct.ID, "/b/").ID); len(got) != 1 {
		t.Errorf("calendar B kept %d events, want 1", len(got))
	}
	if c := h.calendar(t, acct.ID, "/a/"); !strings.Contains(c.LastError, "server hiccup") {
		t.Errorf("calendar A last_error = %q", c.LastError)
	}
	a, _ := h.store.GetAccount(ctx, acct.ID)
	if !strings.Contains(a.LastError, "server hiccup") || a.LastSyncedAt.Valid {
		t.Errorf("account after failed pass: %+v", a)
	}
	if s := h.engine.State(acct.ID); s != StateError {
		t.Errorf("state = %s, want error", s)
	}

	delete(srv.ListEventsErr, "/a/")
	if _, err := h.engine.Sync(ctx, acct.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	a, _ = h.store.GetAccount(ctx, acct.ID)
	if a.LastError != "" || !a.LastSyncedAt.Valid {
		t.Errorf("error not cleared after successful pass: %+v", a)
	}
	if c := h.calendar(t, acct.ID, "/a/"); c.LastError != "" {
		t.Errorf("calendar A last_error = %q after retry", c.LastError)
	}
}

func TestNeedsReauthSkipsPass(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	acct, srv := h.account(t, "work")
	srv.AddCalendar("/a/", "A")
	if err := h.store.MarkNeedsReauth(ctx, acct.ID, "invalid_grant"); err != nil {
		t.Fatal(err)
	}

	_, err := h.engine.Sync(ctx, acct.ID)
	if !errors.Is(err, model.ErrNeedsReauth) {
		t.Fatalf("err = %v, want needs reauth", err)
	}
	if n := h.conn.ConnectCount(acct.ID); n != 0 {
		t.Errorf("connected %d times for an account needing reauth", n)
	}
	cals, _ := h.store.ListCalendars(ctx, acct.ID)
	if len(cals) != 0 {
		t.Errorf("calendars written: %v", cals)
	}
}

func TestCredentialFailureRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	acct, _ := h.account(t, "google")
	h.conn.SetErr(acct.ID, model.ErrNeedsReauth)

	_, err := h.engine.Sync(ctx, acct.ID)
	if !errors.Is(err, model.ErrNeedsReauth) {
		t.Fatalf("err = %v", err)
	}
	a, _ := h.store.GetAccount(ctx, acct.ID)
	if a.LastError == "" {
		t.Error("credential failure not recorded on account")
	}

	h.conn.SetErr(acct.ID, model.ErrRefreshFailed)
	_, err = h.engine.Sync(ctx, acct.ID)
	if !errors.Is(err, model.ErrTransientSync) || !errors.Is(err, model.ErrRefreshFailed) {
		t.Errorf("refresh failure err = %v, want transient and refresh failed", err)
	}
}

func TestDisabledAccountIsNoop(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	acct, srv := h.account(t, "work")
	srv.AddCalendar("/a/", "A")
	if err := h.store.SetAccountEnabled(ctx, acct.ID, false); err != nil {
		t.Fatal(err)
	}

	res, err := h.engine.Sync(ctx, acct.ID)
	if err != nil || !res.Skipped {
		t.Fatalf("Sync = %+v, %v; want skipped", res, err)
	}
	if n := h.conn.ConnectCount(acct.ID); n != 0 {
		t.Errorf("connected %d times", n)
	}
}

func TestRemovedCalendarKeepsEvents(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	acct, srv := h.account(t, "work")
	srv.AddCalendar("/a/", "A")
	srv.Put("/a/", remote.Event{UID: "x", Summary: "x", Start: at(9)})
	if _, err := h.engine.Sync(ctx, acct.ID); err != nil {
		t.Fatal(err)
	}

	srv.RemoveCalendar("/a/")
	if _, err := h.engine.Sync(ctx, acct.ID); err != nil {
		t.Fatalf("sync after removal: %v", err)
	}
	cal := h.calendar(t, acct.ID, "/a/")
	if cal.Enabled || !cal.Missing {
		t.Errorf("vanished calendar = %+v, want disabled and missing", cal)
	}
	if got := h.eventsByRemote(t, cal.ID); len(got) != 1 {
		t.Errorf("cached events = %d, want 1", len(got))
	}
}

func TestConcurrentSyncCoalesces(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	acct, srv := h.account(t, "work")
	srv.AddCalendar("/a/", "A")
	srv.Block = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = h.engine.Sync(ctx, acct.ID)
	}()
	waitFor(t, func() bool { return h.engine.State(acct.ID) == StateDiscovering })

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = h.engine.Sync(ctx, acct.ID)
	}()
	time.Sleep(50 * time.Millisecond)
	close(srv.Block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := h.conn.ConnectCount(acct.ID); n != 1 {
		t.Errorf("passes started = %d, want 1", n)
	}
}

func TestCallerCancelDoesNotAbortPass(t *testing.T) {
	h := newHarness(t, Config{})
	acct, srv := h.account(t, "work")
	srv.AddCalendar("/a/", "A")
	srv.Put("/a/", remote.Event{UID: "x", Summary: "x", Start: at(9)})
	srv.Block = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.engine.Sync(ctx, acct.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	waitFor(t, func() bool { return h.engine.State(acct.ID) == StateDiscovering })
	close(srv.Block)
	waitFor(t, func() bool { return h.engine.State(acct.ID) == StateIdle })
	if got := h.eventsByRemote(t, h.calendar(t, acct.ID, "/a/").ID); len(got) != 1 {
		t.Errorf("pass did not finish: %d events", len(got))
	}
}

func TestSyncAllSkipsDisabled(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1})
	ctx := context.Background()
	a1, s1 := h.account(t, "one")
	a2, s2 := h.account(t, "two")
	a3, _ := h.account(t, "three")
	s1.AddCalendar("/a/", "A")
	s2.AddCalendar("/b/", "B")
	if err := h.store.SetAccountEnabled(ctx, a3.ID, false); err != nil {
		t.Fatal(err)
	}

	results, err := h.engine.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v, want 2", results)
	}
	for _, id := range []string{a1.ID, a2.ID} {
		if h.conn.ConnectCount(id) != 1 {
			t.Errorf("account %s not synced", id)
		}
	}
	if h.conn.ConnectCount(a3.ID) != 0 {
		t.Error("disabled account synced")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
