package api

import (
	"net/http"

	"github.com/sekia-ai/calhub/internal/gateway"
	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/store"
	"github.com/sekia-ai/calhub/internal/timezone"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := s.deps.Zone.Location()
	f := store.EventFilter{CalendarID: q.Get("calendar_id")}
	var err error
	if v := q.Get("from"); v != "" {
		if f.From, _, err = timezone.Parse(v, loc); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, _, err = timezone.Parse(v, loc); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		s.writeError(w, r, model.Invalid("to is before from"))
		return
	}
	if f.Limit, err = intParam(r, "limit", 0); err != nil {
		s.writeError(w, r, err)
		return
	}

	events, err := s.deps.Store.ListEvents(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := protocol.EventsResponse{Events: make([]protocol.EventInfo, 0, len(events))}
	for i := range events {
		resp.Events = append(resp.Events, toEventInfo(&events[i], loc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Store.GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventInfo(e, s.deps.Zone.Location()))
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req protocol.EventRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.deps.Gateway.Create(r.Context(), gateway.EventInput{
		CalendarID:  deref(req.CalendarID),
		Summary:     deref(req.Summary),
		Start:       deref(req.Start),
		End:         deref(req.End),
		Location:    deref(req.Location),
		Description: deref(req.Description),
		RRule:       deref(req.RRule),
		Status:      deref(req.Status),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventInfo(e, s.deps.Zone.Location()))
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req protocol.EventRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.CalendarID != nil {
		s.writeError(w, r, model.Invalid("an event cannot move between calendars"))
		return
	}
	e, err := s.deps.Gateway.Update(r.Context(), r.PathValue("id"), gateway.EventPatch{
		Summary:     opt(req.Summary),
		Start:       opt(req.Start),
		End:         opt(req.End),
		Location:    opt(req.Location),
		Description: opt(req.Description),
		RRule:       opt(req.RRule),
		Status:      opt(req.Status),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventInfo(e, s.deps.Zone.Location()))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Gateway.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
