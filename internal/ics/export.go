package ics

import (
	"bytes"
	"time"

	ical "github.com/arran4/golang-ical"

	"calbridge/internal/model"
)

// Export renders query records as a VCALENDAR document.
func Export(records []model.EventRecord, now time.Time) ([]byte, error) {
	cal := newCalendar()
	for _, rec := range records {
		ve := cal.AddEvent(rec.ID)
		ve.SetDtStampTime(now)
		ve.SetStartAt(time.UnixMilli(rec.StartMillis))
		ve.SetEndAt(time.UnixMilli(rec.EndMillis))
		ve.SetProperty(ical.ComponentPropertySummary, rec.Title)
		if rec.Description != "" {
			ve.SetProperty(ical.ComponentPropertyDescription, rec.Description)
		}
	}

	var buf bytes.Buffer
	if err := cal.SerializeTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
