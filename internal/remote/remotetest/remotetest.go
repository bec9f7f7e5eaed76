// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/remote"
)

// Server is a fake calendar server holding calendars and their events.
// Every write bumps the event's etag. Errors can be injected per operation.
type Server struct {
	mu        sync.Mutex
	calendars []remote.Calendar
	events    map[string]map[string]remote.Event // calendar id -> uid -> event
	etag      int

	// Injected failures. ListEventsErr is keyed by calendar id.
	ListCalendarsErr error
	ListEventsErr    map[string]error
	CreateErr        error
	UpdateErr        error
	DeleteErr        error
	// CreateHook, when set, can fail individual creates.
	CreateHook func(remote.Event) error

	// Block, when set before use, holds ListCalendars until it receives.
	Block chan struct{}

	// Writes counts successful create, update and delete calls.
	Writes int
}

// NewServer returns an empty server.
func NewServer() *Server {
	return &Server{events: map[string]map[string]remote.Event{}, ListEventsErr: map[string]error{}}
}

// AddCalendar registers a calendar in discovery order.
func (s *Server) AddCalendar(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars = append(s.calendars, remote.Calendar{ID: id, Name: name})
	if s.events[id] == nil {
		s.events[id] = map[string]remote.Event{}
	}
}

// RemoveCalendar drops a calendar and its events.
func (s *Server) RemoveCalendar(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.calendars {
		if c.ID == id {
			s.calendars = append(s.calendars[:i], s.calendars[i+1:]...)
			break
		}
	}
	delete(s.events, id)
}

// Put stores e as a server-side change (bypassing the client), assigning a
// new etag.
func (s *Server) Put(calendarID string, e remote.Event) remote.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(calendarID, e)
}

// Remove deletes an event server-side.
func (s *Server) Remove(calendarID, uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events[calendarID], uid)
}

// Event returns one stored event.
func (s *Server) Event(calendarID, uid string) (remote.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[calendarID][uid]
	return e, ok
}

// Events returns the events of a calendar ordered by UID.
func (s *Server) Events(calendarID string) []remote.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(calendarID)
}

func (s *Server) store(calendarID string, e remote.Event) remote.Event {
	if s.events[calendarID] == nil {
		s.events[calendarID] = map[string]remote.Event{}
	}
	s.etag++
	e.ETag = strconv.Itoa(s.etag)
	if e.Href == "" {
		e.Href = calendarID + e.UID + ".ics"
	}
	s.events[calendarID][e.UID] = e
	return e
}

func (s *Server) sorted(calendarID string) []remote.Event {
	out := make([]remote.Event, 0, len(s.events[calendarID]))
	for _, e := range s.events[calendarID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// ListCalendars implements remote.Client.
func (s *Server) ListCalendars(ctx context.Context) ([]remote.Calendar, error) {
	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListCalendarsErr != nil {
		return nil, s.ListCalendarsErr
	}
	return append([]remote.Calendar(nil), s.calendars...), nil
}

// ListEvents implements remote.Client.
func (s *Server) ListEvents(_ context.Context, calendarID string) ([]remote.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ListEventsErr[calendarID]; err != nil {
		return nil, err
	}
	if _, ok := s.events[calendarID]; !ok {
		return nil, fmt.Errorf("calendar %s: %w", calendarID, remote.ErrNotFound)
	}
	return s.sorted(calendarID), nil
}

// CreateEvent implements remote.Client.
func (s *Server) CreateEvent(_ context.Context, calendarID string, e remote.Event) (remote.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return remote.Event{}, s.CreateErr
	}
	if s.CreateHook != nil {
		if err := s.CreateHook(e); err != nil {
			return remote.Event{}, err
		}
	}
	if _, ok := s.events[calendarID]; !ok {
		return remote.Event{}, fmt.Errorf("calendar %s: %w", calendarID, remote.ErrNotFound)
	}
	if e.UID == "" {
		e.UID = uuid.NewString()
	}
	e.Href = ""
	s.Writes++
	return s.store(calendarID, e), nil
}

// UpdateEvent implements remote.Client.
func (s *Server) UpdateEvent(_ context.Context, calendarID string, e remote.Event) (remote.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return remote.Event{}, s.UpdateErr
	}
	if _, ok := s.events[calendarID][e.UID]; !ok {
		return remote.Event{}, fmt.Errorf("event %s: %w", e.UID, remote.ErrNotFound)
	}
	s.Writes++
	return s.store(calendarID, e), nil
}

// DeleteEvent implements remote.Client.
func (s *Server) DeleteEvent(_ context.Context, calendarID string, e remote.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	if _, ok := s.events[calendarID][e.UID]; !ok {
		return fmt.Errorf("event %s: %w", e.UID, remote.ErrNotFound)
	}
	delete(s.events[calendarID], e.UID)
	s.Writes++
	return nil
}

// Connector hands out fake servers by account id.
type Connector struct {
	mu      sync.Mutex
	servers map[string]*Server
	// Err, when set, fails every Connect (e.g. a credential failure).
	Err map[string]error
	// Connects counts Connect calls per account.
	Connects map[string]int
}

// NewConnector returns a connector without servers.
func NewConnector() *Connector {
	return &Connector{servers: map[string]*Server{}, Err: map[string]error{}, Connects: map[string]int{}}
}

// Register binds srv to an account id.
func (c *Connector) Register(accountID string, srv *Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[accountID] = srv
}

// SetErr makes Connect for accountID fail with err (nil clears it).
func (c *Connector) SetErr(accountID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err[accountID] = err
}

// ConnectCount returns how many times Connect ran for accountID.
func (c *Connector) ConnectCount(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Connects[accountID]
}

// Connect returns the server registered for acct.
func (c *Connector) Connect(_ context.Context, acct *model.Account) (remote.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connects[acct.ID]++
	if err := c.Err[acct.ID]; err != nil {
		return nil, err
	}
	srv, ok := c.servers[acct.ID]
	if !ok {
		return nil, fmt.Errorf("no fake server for account %s", acct.ID)
	}
	return srv, nil
}
