// Package store defines the calendar store capability the bridge consumes.
//
// Implementations live in subpackages (memstore, sqlstore) and in
// internal/ics. All of them must be safe for concurrent use: the bridge
// shares one handle across every in-flight request and adds no locking.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"calbridge/internal/model"
)

var (
	// ErrNotFound is returned by Find, Update and Remove for an unknown id.
	ErrNotFound = errors.New("event not found")

	// ErrInvalidRange rejects a write whose end is before its start.
	ErrInvalidRange = errors.New("the start date must be before the end date")

	// ErrReadOnly rejects writes to an event in a read-only calendar.
	ErrReadOnly = errors.New("calendar is read-only")

	// ErrAccessDenied reports that access cannot be granted at all on this
	// profile (as opposed to the user declining).
	ErrAccessDenied = errors.New("calendar access is restricted")
)

// Store is the calendar capability.
//
// New events go to the store's default calendar. Update and Remove affect a
// single occurrence only. Query spans every calendar the store knows about
// and returns an empty slice for an inverted range.
type Store interface {
	// RequestAccess asks for (or reports existing) authorization. It may
	// block on user interaction.
	RequestAccess(ctx context.Context) (bool, error)

	// Precision is the store's native time unit; the bridge truncates
	// incoming timestamps to it.
	Precision() time.Duration

	Create(ctx context.Context, d model.EventDraft) (model.EventID, error)
	Find(ctx context.Context, id model.EventID) (model.Event, error)
	Update(ctx context.Context, id model.EventID, d model.EventDraft) error
	Remove(ctx context.Context, id model.EventID) error
	Query(ctx context.Context, r model.TimeRange) ([]model.Event, error)
}

// CheckDraft applies the write-side rules every store shares.
func CheckDraft(d model.EventDraft) error {
	if d.End.Before(d.Start) {
		return ErrInvalidRange
	}
	return nil
}

// SortByStart orders events by start, then end, then id so query results
// are stable.
func SortByStart(events []model.Event) {
	slices.SortStableFunc(events, func(a, b model.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		if c := a.End.Compare(b.End); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
