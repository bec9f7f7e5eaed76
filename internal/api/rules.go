package api

import (
	"net/http"

	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Rules.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loc := s.deps.Zone.Location()
	resp := protocol.RulesResponse{Rules: make([]protocol.RuleInfo, 0, len(rules))}
	for i := range rules {
		resp.Rules = append(resp.Rules, toRuleInfo(&rules[i], loc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Rules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleInfo(rule, s.deps.Zone.Location()))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req protocol.RuleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.deps.Rules.Create(r.Context(), deref(req.Name), req.SourceCalendarID, req.DestinationCalendarID, opt(req.Enabled).OrElse(true))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleInfo(rule, s.deps.Zone.Location()))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req protocol.RuleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SourceCalendarID != "" || req.DestinationCalendarID != "" {
		s.writeError(w, r, model.Invalid("calendars of a rule cannot be changed"))
		return
	}
	rule, err := s.deps.Rules.Update(r.Context(), r.PathValue("id"), opt(req.Name), opt(req.Enabled))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleInfo(rule, s.deps.Zone.Location()))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Rules.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecuteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.deps.Rules.Execute(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ExecuteResponse{
		RuleID:  id,
		Created: res.Created,
		Updated: res.Updated,
		Deleted: res.Deleted,
		Failed:  res.Failed,
		Errors:  res.Errors,
	})
}
