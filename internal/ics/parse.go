package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calbridge/internal/log"
)

const (
	propRecurrenceID ical.ComponentProperty = "RECURRENCE-ID"

	utcLayout  = "20060102T150405Z"
	dateLayout = "20060102"
)

// ParsedEvent is one VEVENT normalized for expansion. An override (a VEVENT
// carrying RECURRENCE-ID) shares its UID with the recurring base event.
type ParsedEvent struct {
	Calendar string
	ReadOnly bool

	UID string
	Seq int

	Summary     string
	Description *string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time
	IsOverride bool
}

// Recurring reports whether the event carries an RRULE.
func (p ParsedEvent) Recurring() bool {
	return p.RawRRule != "" && !p.IsOverride
}

// ParseICS parses an ICS payload into events tagged with calendar. Broken
// VEVENTs are logged and skipped.
func ParseICS(calendar string, readOnly bool, body []byte) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return parseCalendar(calendar, readOnly, cal), nil
}

func parseCalendar(calendar string, readOnly bool, cal *ical.Calendar) []ParsedEvent {
	events := make([]ParsedEvent, 0)
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve)
		if err != nil {
			appLog.Warn("ics: skipping vevent", "calendar", calendar, "err", err)
			continue
		}
		ev.Calendar = calendar
		ev.ReadOnly = readOnly
		events = append(events, ev)
	}
	return events
}

func parseVEvent(ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		desc := p.Value
		out.Description = &desc
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	out.Start = start

	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		if vs, ok := dtStart.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(dtStart.Value, "T") {
			out.AllDay = true
		}
	}

	// DTEND is optional; RFC 5545 gives a date event one day and a
	// date-time event zero duration.
	if end, err := ve.GetEndAt(); err == nil && !end.IsZero() {
		out.End = end
	} else if out.AllDay {
		out.End = out.Start.AddDate(0, 0, 1)
	} else {
		out.End = out.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, out.Start.Location()); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty(propRecurrenceID); p != nil {
		if t, err := parseICSTime(p.Value, out.Start.Location()); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// parseICSTime parses the bare DATE / DATE-TIME forms used by EXDATE and
// RECURRENCE-ID. Floating values are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if loc == nil {
		loc = time.Local
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse(utcLayout, v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation(dateLayout, v, loc)
}

func formatUTC(t time.Time) string {
	return t.UTC().Format(utcLayout)
}
