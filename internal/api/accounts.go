package api

import (
	"net/http"

	"github.com/samber/mo"

	"github.com/sekia-ai/calhub/internal/accounts"
	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.deps.Accounts.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loc := s.deps.Zone.Location()
	resp := protocol.AccountsResponse{Accounts: make([]protocol.AccountInfo, 0, len(accts))}
	for i := range accts {
		resp.Accounts = append(resp.Accounts, toAccountInfo(&accts[i], loc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Accounts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountInfo(a, s.deps.Zone.Location()))
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req protocol.AccountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	interval, err := parseInterval(deref(req.SyncInterval))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in := accounts.Input{
		Name:              deref(req.Name),
		ServerURL:         deref(req.ServerURL),
		AuthKind:          model.AuthKind(deref(req.AuthKind)),
		Username:          deref(req.Username),
		Secret:            deref(req.Secret),
		OAuthClientID:     deref(req.OAuthClientID),
		OAuthClientSecret: deref(req.OAuthClientSecret),
		AccessToken:       deref(req.AccessToken),
		RefreshToken:      deref(req.RefreshToken),
		SyncInterval:      interval,
		Enabled:           opt(req.Enabled).OrElse(true),
	}
	if in.AuthKind == "" {
		in.AuthKind = model.AuthBasic
	}
	a, err := s.deps.Accounts.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountInfo(a, s.deps.Zone.Location()))
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req protocol.AccountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AuthKind != nil {
		s.writeError(w, r, model.Invalid("auth_kind cannot be changed"))
		return
	}
	p := accounts.Patch{
		Name:              opt(req.Name),
		ServerURL:         opt(req.ServerURL),
		Username:          opt(req.Username),
		Secret:            opt(req.Secret),
		OAuthClientID:     opt(req.OAuthClientID),
		OAuthClientSecret: opt(req.OAuthClientSecret),
		AccessToken:       opt(req.AccessToken),
		RefreshToken:      opt(req.RefreshToken),
		Enabled:           opt(req.Enabled),
	}
	if req.SyncInterval != nil {
		d, err := parseInterval(*req.SyncInterval)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		p.SyncInterval = mo.Some(d)
	}
	a, err := s.deps.Accounts.Update(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountInfo(a, s.deps.Zone.Location()))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Accounts.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAccountEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.deps.Accounts.SetEnabled(r.Context(), r.PathValue("id"), enabled)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAccountInfo(a, s.deps.Zone.Location()))
	}
}

func (s *Server) handleSyncAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.deps.Accounts.SyncNow(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := protocol.SyncResponse{
		AccountID: id,
		Skipped:   res.Skipped,
		State:     string(s.deps.Accounts.SyncState(id)),
		Calendars: res.Calendars,
		Failed:    res.Failed,
		Inserted:  res.Inserted,
		Updated:   res.Updated,
		Deleted:   res.Deleted,
	}
	if a, err := s.deps.Accounts.Get(r.Context(), id); err == nil {
		resp.LastError = a.LastError
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTestAccount(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Accounts.TestConnection(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.TestConnectionResponse{OK: res.OK, Calendars: res.Calendars, Error: res.Error})
}
