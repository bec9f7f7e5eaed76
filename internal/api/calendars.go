package api

import (
	"net/http"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.deps.Store.ListCalendars(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loc := s.deps.Zone.Location()
	resp := protocol.CalendarsResponse{Calendars: make([]protocol.CalendarInfo, 0, len(cals))}
	for i := range cals {
		resp.Calendars = append(resp.Calendars, toCalendarInfo(&cals[i], loc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetCalendar(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Store.GetCalendar(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCalendarInfo(c, s.deps.Zone.Location()))
}

func (s *Server) handleSetCalendarEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.deps.Store.SetCalendarEnabled(r.Context(), id, enabled); err != nil {
			s.writeError(w, r, err)
			return
		}
		c, err := s.deps.Store.GetCalendar(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info().Str("calendar_id", id).Bool("enabled", enabled).Msg("calendar toggled")
		writeJSON(w, http.StatusOK, toCalendarInfo(c, s.deps.Zone.Location()))
	}
}
