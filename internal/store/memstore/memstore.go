// Package memstore is an in-process calendar store. It backs development
// runs and tests; nothing is persisted.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"calbridge/internal/model"
	"calbridge/internal/store"
)

// Permission is the answer RequestAccess gives.
type Permission string

const (
	PermissionGranted    Permission = "granted"
	PermissionDenied     Permission = "denied"
	PermissionRestricted Permission = "restricted"
)

// Store keeps events in a map guarded by a RWMutex.
type Store struct {
	mu              sync.RWMutex
	events          map[model.EventID]model.Event
	defaultCalendar string
	permission      Permission
	newID           func() string
}

// Option configures a Store.
type Option func(*Store)

// WithPermission sets the RequestAccess policy (default granted).
func WithPermission(p Permission) Option {
	return func(s *Store) { s.permission = p }
}

// WithDefaultCalendar names the calendar new events are assigned to.
func WithDefaultCalendar(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.defaultCalendar = name
		}
	}
}

// WithIDFunc overrides identifier generation.
func WithIDFunc(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		events:          make(map[model.EventID]model.Event),
		defaultCalendar: "Calendar",
		permission:      PermissionGranted,
		newID:           uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) RequestAccess(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch s.permission {
	case PermissionDenied:
		return false, nil
	case PermissionRestricted:
		return false, store.ErrAccessDenied
	default:
		return true, nil
	}
}

func (s *Store) Precision() time.Duration {
	return time.Millisecond
}

func (s *Store) Create(_ context.Context, d model.EventDraft) (model.EventID, error) {
	if err := store.CheckDraft(d); err != nil {
		return "", err
	}
	id := model.EventID(s.newID())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id] = apply(model.Event{ID: id, Calendar: s.defaultCalendar}, d)
	return id, nil
}

func (s *Store) Find(_ context.Context, id model.EventID) (model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return model.Event{}, store.ErrNotFound
	}
	return clone(ev), nil
}

func (s *Store) Update(_ context.Context, id model.EventID, d model.EventDraft) error {
	if err := store.CheckDraft(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return store.ErrNotFound
	}
	s.events[id] = apply(ev, d)
	return nil
}

func (s *Store) Remove(_ context.Context, id model.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.events, id)
	return nil
}

func (s *Store) Query(_ context.Context, r model.TimeRange) ([]model.Event, error) {
	out := make([]model.Event, 0)
	if r.Inverted() {
		return out, nil
	}
	s.mu.RLock()
	for _, ev := range s.events {
		if r.Overlaps(ev.Start, ev.End) {
			out = append(out, clone(ev))
		}
	}
	s.mu.RUnlock()
	store.SortByStart(out)
	return out, nil
}

// Len reports how many events are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// apply overwrites every draft field; a nil Notes clears existing notes.
func apply(ev model.Event, d model.EventDraft) model.Event {
	ev.Title = d.Title
	ev.Start = d.Start
	ev.End = d.End
	ev.Notes = nil
	if d.Notes != nil {
		ev.Notes = model.StrPtr(*d.Notes)
	}
	return ev
}

func clone(ev model.Event) model.Event {
	if ev.Notes != nil {
		ev.Notes = model.StrPtr(*ev.Notes)
	}
	return ev
}
