package syncer

import (
	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/remote"
	"github.com/sekia-ai/calhub/internal/store"
)

// Plan computes the writes that bring the cached events of one calendar in
// line with the server's listing. Events are matched by remote id; an
// unchanged event produces no write. Everything is compared in UTC.
func Plan(calendarID string, local []model.Event, remoteEvents []remote.Event) store.EventChanges {
	byRemote := make(map[string]model.Event, len(local))
	for _, e := range local {
		byRemote[e.RemoteID] = e
	}

	var changes store.EventChanges
	seen := make(map[string]bool, len(remoteEvents))
	for _, r := range remoteEvents {
		if r.UID == "" || seen[r.UID] {
			continue
		}
		seen[r.UID] = true

		incoming := r.ToModel(calendarID)
		cached, ok := byRemote[r.UID]
		if !ok {
			changes.Inserts = append(changes.Inserts, incoming)
			continue
		}
		if unchanged(cached, incoming) {
			continue
		}
		incoming.ID = cached.ID
		incoming.CreatedAt = cached.CreatedAt
		changes.Updates = append(changes.Updates, incoming)
	}

	for _, e := range local {
		if !seen[e.RemoteID] {
			changes.Deletes = append(changes.Deletes, e.ID)
		}
	}
	return changes
}

func unchanged(cached, incoming model.Event) bool {
	return cached.ETag == incoming.ETag &&
		cached.Href == incoming.Href &&
		cached.Origin == incoming.Origin &&
		cached.SameContent(incoming)
}
