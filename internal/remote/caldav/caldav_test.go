package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/calhub/internal/remote"
)

// davServer is a minimal CalDAV server: one principal, one home, two
// calendars (one of them tasks-only), and an object store for /cal/home/.
type davServer struct {
	t       *testing.T
	mu      sync.Mutex
	objects map[string]string // href -> ics
	etags   map[string]int
	fail5xx atomic.Int32
}

func newDAVServer(t *testing.T) (*davServer, *httptest.Server) {
	d := &davServer{t: t, objects: map[string]string{}, etags: map[string]int{}}
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	return d, srv
}

func (d *davServer) put(href, ics string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[href] = ics
	d.etags[href]++
}

func (d *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if user, pass, ok := r.BasicAuth(); !ok || user != "alice" || pass != "pw" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if d.fail5xx.Load() > 0 {
		d.fail5xx.Add(-1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case r.Method == "PROPFIND" && r.URL.Path == "/":
		multistatus(w, `<d:response><d:href>/</d:href><d:propstat><d:prop>
			<d:current-user-principal><d:href>/principals/alice/</d:href></d:current-user-principal>
			</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
	case r.Method == "PROPFIND" && r.URL.Path == "/principals/alice/":
		multistatus(w, `<d:response><d:href>/principals/alice/</d:href><d:propstat><d:prop>
			<c:calendar-home-set><d:href>/cal/</d:href></c:calendar-home-set>
			</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
	case r.Method == "PROPFIND" && r.URL.Path == "/cal/":
		if r.Header.Get("Depth") != "1" {
			d.t.Errorf("calendar listing Depth = %q", r.Header.Get("Depth"))
		}
		multistatus(w, `
		<d:response><d:href>/cal/</d:href><d:propstat><d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop>
			<d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>
		<d:response><d:href>/cal/home/</d:href>
			<d:propstat><d:prop>
				<d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
				<d:displayname>Home</d:displayname>
				<a:calendar-color>#FF0000</a:calendar-color>
			</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
			<d:propstat><d:prop><c:supported-calendar-component-set/></d:prop>
			<d:status>HTTP/1.1 404 Not Found</d:status></d:propstat>
		</d:response>
		<d:response><d:href>/cal/tasks/</d:href><d:propstat><d:prop>
			<d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
			<d:displayname>Tasks</d:displayname>
			<c:supported-calendar-component-set><c:comp name="VTODO"/></c:supported-calendar-component-set>
			</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
	case r.Method == "REPORT" && r.URL.Path == "/cal/home/":
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "calendar-query") {
			d.t.Errorf("REPORT body is not a calendar-query: %s", body)
		}
		var sb strings.Builder
		for href, ics := range d.objects {
			fmt.Fprintf(&sb, `<d:response><d:href>%s</d:href><d:propstat><d:prop>
				<d:getetag>"%d"</d:getetag><c:calendar-data>%s</c:calendar-data>
				</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`, href, d.etags[href], ics)
		}
		multistatus(w, sb.String())
	case r.Method == http.MethodPut:
		if r.Header.Get("If-None-Match") == "*" {
			if _, exists := d.objects[r.URL.Path]; exists {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
		}
		body, _ := io.ReadAll(r.Body)
		d.objects[r.URL.Path] = string(body)
		d.etags[r.URL.Path]++
		w.Header().Set("ETag", fmt.Sprintf(`"%d"`, d.etags[r.URL.Path]))
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodDelete:
		if _, ok := d.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(d.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func multistatus(w http.ResponseWriter, inner string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:a="http://apple.com/ns/ical/">%s</d:multistatus>`, inner)
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:         url,
		Authorize:       BasicAuth("alice", "pw"),
		RetryMaxElapsed: 2 * time.Second,
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

const timedEvent = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:standup\r\nDTSTAMP:20250101T000000Z\r\n" +
	"DTSTART;TZID=Europe/Berlin:20250310T090000\r\nDURATION:PT30M\r\n" +
	"SUMMARY:Standup\r\nSTATUS:CONFIRMED\r\nRRULE:FREQ=WEEKLY;BYDAY=MO,WE\r\n" +
	"END:VEVENT\r\nEND:VCALENDAR\r\n"

const allDayEvent = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:holiday\r\nDTSTAMP:20250101T000000Z\r\n" +
	"DTSTART;VALUE=DATE:20250501\r\nSUMMARY:Holiday\r\n" +
	"END:VEVENT\r\nEND:VCALENDAR\r\n"

func TestListCalendarsDiscoversHome(t *testing.T) {
	_, srv := newDAVServer(t)
	c := newTestClient(t, srv.URL+"/")

	cals, err := c.ListCalendars(context.Background())
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if len(cals) != 1 {
		t.Fatalf("got %d calendars, want only the event calendar: %+v", len(cals), cals)
	}
	if cals[0].ID != "/cal/home/" || cals[0].Name != "Home" || cals[0].Color != "#FF0000" {
		t.Errorf("calendar = %+v", cals[0])
	}
}

func TestListEventsDecodesObjects(t *testing.T) {
	d, srv := newDAVServer(t)
	d.put("/cal/home/standup.ics", timedEvent)
	d.put("/cal/home/holiday.ics", allDayEvent)
	d.put("/cal/home/broken.ics", "not ical")
	c := newTestClient(t, srv.URL)

	events, err := c.ListEvents(context.Background(), "/cal/home/")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	byUID := map[string]remote.Event{}
	for _, e := range events {
		byUID[e.UID] = e
	}
	if len(byUID) != 2 {
		t.Fatalf("got %d events, want 2 (broken skipped): %+v", len(byUID), events)
	}

	standup := byUID["standup"]
	wantStart := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if !standup.Start.Equal(wantStart) || !standup.End.Equal(wantStart.Add(30*time.Minute)) {
		t.Errorf("standup times = %v..%v", standup.Start, standup.End)
	}
	if standup.AllDay || standup.Status != "confirmed" || standup.RRule != "FREQ=WEEKLY;BYDAY=MO,WE" {
		t.Errorf("standup = %+v", standup)
	}
	if standup.ETag != `"1"` || standup.Href != "/cal/home/standup.ics" {
		t.Errorf("standup etag/href = %q %q", standup.ETag, standup.Href)
	}

	holiday := byUID["holiday"]
	if !holiday.AllDay || !holiday.Start.Equal(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)) ||
		!holiday.End.Equal(time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("holiday = %+v", holiday)
	}
}

func TestCreateUpdateDeleteRoundtrip(t *testing.T) {
	_, srv := newDAVServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	created, err := c.CreateEvent(ctx, "/cal/home/", remote.Event{
		Summary: "Lunch, with; team",
		Start:   start,
		End:     start.Add(time.Hour),
		Origin:  "rule-1/src-1",
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if created.UID == "" || created.ETag != `"1"` || created.Href != "/cal/home/"+created.UID+".ics" {
		t.Errorf("created = %+v", created)
	}

	created.Summary = "Lunch moved"
	updated, err := c.UpdateEvent(ctx, "/cal/home/", created)
	if err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	if updated.ETag != `"2"` {
		t.Errorf("updated etag = %q", updated.ETag)
	}

	events, err := c.ListEvents(ctx, "/cal/home/")
	if err != nil || len(events) != 1 {
		t.Fatalf("ListEvents = %+v, %v", events, err)
	}
	if events[0].Summary != "Lunch moved" || events[0].Origin != "rule-1/src-1" {
		t.Errorf("listed = %+v", events[0])
	}

	if err := c.DeleteEvent(ctx, "/cal/home/", updated); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if err := c.DeleteEvent(ctx, "/cal/home/", updated); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("second delete = %v, want remote.ErrNotFound", err)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	d, srv := newDAVServer(t)
	d.fail5xx.Store(2)
	c := newTestClient(t, srv.URL)

	if _, err := c.ListEvents(context.Background(), "/cal/home/"); err != nil {
		t.Fatalf("ListEvents after transient 503s: %v", err)
	}
}

func TestAuthFailureIsPermanent(t *testing.T) {
	_, srv := newDAVServer(t)
	c, _ := New(Options{BaseURL: srv.URL, Authorize: BasicAuth("alice", "wrong"), RetryMaxElapsed: time.Minute})

	start := time.Now()
	_, err := c.ListCalendars(context.Background())
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 StatusError", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("401 was retried")
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "not a url", "https://"} {
		if _, err := New(Options{BaseURL: u}); err == nil {
			t.Errorf("New(%q) succeeded", u)
		}
	}
}
