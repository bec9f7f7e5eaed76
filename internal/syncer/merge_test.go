package syncer

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/remote"
)

func TestPlan(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	cached := func(id, uid, etag, summary string) model.Event {
		return model.Event{ID: id, CalendarID: "c", RemoteID: uid, ETag: etag, Summary: summary, Start: start}
	}
	local := []model.Event{
		cached("L1", "same", "1", "same"),
		cached("L2", "etag", "1", "etag"),
		cached("L3", "content", "1", "old"),
		cached("L4", "gone", "1", "gone"),
	}
	incoming := []remote.Event{
		{UID: "same", ETag: "1", Summary: "same", Start: start.In(berlin)},
		{UID: "etag", ETag: "2", Summary: "etag", Start: start},
		{UID: "content", ETag: "1", Summary: "new", Start: start},
		{UID: "fresh", ETag: "9", Summary: "fresh", Start: start},
		{UID: "fresh", ETag: "10", Summary: "duplicate", Start: start},
		{UID: "", Summary: "no uid", Start: start},
	}

	got := Plan("c", local, incoming)

	ids := func(events []model.Event) []string {
		var out []string
		for _, e := range events {
			out = append(out, e.ID+":"+e.RemoteID)
		}
		return out
	}
	if diff := cmp.Diff([]string{":fresh"}, ids(got.Inserts)); diff != "" {
		t.Errorf("inserts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"L2:etag", "L3:content"}, ids(got.Updates)); diff != "" {
		t.Errorf("updates (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"L4"}, got.Deletes); diff != "" {
		t.Errorf("deletes (-want +got):\n%s", diff)
	}
	if got.Inserts[0].Summary != "fresh" || got.Inserts[0].CalendarID != "c" {
		t.Errorf("insert = %+v", got.Inserts[0])
	}
}

func TestPlanEmptyRemoteDeletesAll(t *testing.T) {
	local := []model.Event{{ID: "a", RemoteID: "x"}, {ID: "b", RemoteID: "y"}}
	got := Plan("c", local, nil)
	if len(got.Deletes) != 2 || len(got.Inserts)+len(got.Updates) != 0 {
		t.Errorf("plan = %+v", got)
	}
	if !Plan("c", nil, nil).Empty() {
		t.Error("empty calendars should plan nothing")
	}
}
