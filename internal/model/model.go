package model

import "time"

// EventID is the opaque handle a calendar store assigns on creation.
// Callers pass it back unchanged; nothing outside the store interprets it.
type EventID string

// EventDraft is the validated, store-bound set of fields to write.
//
// Notes is nil when the caller did not supply any; stores must keep that
// distinct from an empty string.
type EventDraft struct {
	Title string
	Start time.Time
	End   time.Time
	Notes *string
}

// Event is a calendar event as a store reports it (native time values).
type Event struct {
	ID       EventID
	Calendar string

	Title string
	Notes *string

	Start time.Time
	End   time.Time
}

// EventRecord is the transport-safe view of an Event returned to callers.
// Description is "" when the event has no notes.
type EventRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	StartMillis int64  `json:"startMillis"`
	EndMillis   int64  `json:"endMillis"`
}

// TimeRange is a query window. Start after End is allowed and matches
// nothing.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Inverted reports whether the range ends before it starts.
func (r TimeRange) Inverted() bool {
	return r.End.Before(r.Start)
}

// Overlaps reports whether [start, end] intersects the range, treating both
// intervals as closed.
func (r TimeRange) Overlaps(start, end time.Time) bool {
	if r.Inverted() {
		return false
	}
	if end.Before(r.Start) {
		return false
	}
	if r.End.Before(start) {
		return false
	}
	return true
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string {
	return &s
}

// Deref returns *s, or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
