package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "calbridge/internal/log"
	"calbridge/internal/model"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandResult holds the occurrences inside a range and the UIDs whose
// expansion hit the per-event cap.
type ExpandResult struct {
	Events          []model.Event
	TruncatedEvents []string
}

// series groups a base VEVENT with the overrides that share its UID.
type series struct {
	base      ParsedEvent
	overrides []ParsedEvent
}

// groupSeries pairs every base event with its overrides. Orphan overrides
// (no base in the same calendar) are treated as standalone events.
func groupSeries(events []ParsedEvent) []series {
	type key struct{ calendar, uid string }
	index := make(map[key]int)
	out := make([]series, 0, len(events))
	var orphans []ParsedEvent

	for _, ev := range events {
		if ev.IsOverride {
			continue
		}
		index[key{ev.Calendar, ev.UID}] = len(out)
		out = append(out, series{base: ev})
	}
	for _, ev := range events {
		if !ev.IsOverride {
			continue
		}
		if i, ok := index[key{ev.Calendar, ev.UID}]; ok {
			out[i].overrides = append(out[i].overrides, ev)
			continue
		}
		orphans = append(orphans, ev)
	}
	for _, o := range orphans {
		o.IsOverride = false
		o.Recurrence = nil
		out = append(out, series{base: o})
	}
	return out
}

// Expand returns every occurrence overlapping r. Non-recurring events map to
// one occurrence; RRULE events are expanded with EXDATEs removed and
// RECURRENCE-ID overrides applied.
func Expand(events []ParsedEvent, r model.TimeRange, maxPerEvent int) ExpandResult {
	result := ExpandResult{Events: make([]model.Event, 0)}
	if r.Inverted() {
		return result
	}
	if maxPerEvent <= 0 {
		maxPerEvent = defaultMaxOccurrencesPerEvent
	}

	for _, s := range groupSeries(events) {
		if !s.base.Recurring() {
			if r.Overlaps(s.base.Start, s.base.End) {
				result.Events = append(result.Events, makeEvent(s.base, s.base.Start, s.base.End))
			}
			continue
		}

		occ, hitCap := expandRecurring(s, r, maxPerEvent)
		result.Events = append(result.Events, occ...)
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, s.base.UID)
			appLog.Warn("ics: truncated occurrences",
				"uid", s.base.UID, "calendar", s.base.Calendar, "cap", maxPerEvent)
		}
	}
	return result
}

func buildSet(ev ParsedEvent) (*rrule.Set, error) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		return nil, err
	}
	r.DTStart(ev.Start)

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}
	return set, nil
}

func expandRecurring(s series, r model.TimeRange, maxPerEvent int) ([]model.Event, bool) {
	out := make([]model.Event, 0)
	ev := s.base

	set, err := buildSet(ev)
	if err != nil {
		appLog.Error("ics: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}

	// Widen the window by the event duration so occurrences that started
	// before the range but still overlap it are kept.
	dur := ev.End.Sub(ev.Start)
	loc := ev.Start.Location()
	starts := set.Between(r.Start.Add(-dur).In(loc), r.End.In(loc), true)

	hitCap := false
	if len(starts) > maxPerEvent {
		starts = starts[:maxPerEvent]
		hitCap = true
	}

	for _, occStart := range starts {
		start, end, effective := occurrence(s, occStart)
		if r.Overlaps(start, end) {
			out = append(out, makeEvent(effective, start, end))
		}
	}
	return out, hitCap
}

// occurrence resolves the instance that the rule generated at occStart,
// applying a matching override.
func occurrence(s series, occStart time.Time) (time.Time, time.Time, ParsedEvent) {
	ev := s.base
	start := occStart
	end := occStart.Add(ev.End.Sub(ev.Start))
	if ev.AllDay {
		start = time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
		end = start.AddDate(0, 0, 1)
	}
	if o, ok := findOverride(s.overrides, occStart); ok {
		return o.Start, o.End, o
	}
	return start, end, ev
}

// firstOccurrence is the earliest remaining instance of a series. The
// boolean is false when every instance has been excluded.
func firstOccurrence(s series) (model.Event, time.Time, bool, error) {
	if !s.base.Recurring() {
		return makeEvent(s.base, s.base.Start, s.base.End), s.base.Start, true, nil
	}
	set, err := buildSet(s.base)
	if err != nil {
		return model.Event{}, time.Time{}, false, err
	}
	occStart := set.After(s.base.Start, true)
	if occStart.IsZero() {
		return model.Event{}, time.Time{}, false, nil
	}
	start, end, effective := occurrence(s, occStart)
	return makeEvent(effective, start, end), occStart, true, nil
}

func findOverride(overrides []ParsedEvent, occStart time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(occStart) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeEvent(ev ParsedEvent, start, end time.Time) model.Event {
	out := model.Event{
		ID:       model.EventID(ev.UID),
		Calendar: ev.Calendar,
		Title:    ev.Summary,
		Start:    start,
		End:      end,
	}
	if ev.Description != nil {
		out.Notes = model.StrPtr(*ev.Description)
	}
	return out
}
