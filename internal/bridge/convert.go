package bridge

import (
	"time"

	"calbridge/internal/model"
)

// fromMillis converts epoch milliseconds to the store's native resolution.
// A seconds-based store drops the sub-second part.
func fromMillis(ms int64, precision time.Duration) time.Time {
	t := time.UnixMilli(ms).UTC()
	if precision > time.Millisecond {
		t = t.Truncate(precision)
	}
	return t
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func draftFrom(title string, startMillis, endMillis int64, notes *string, precision time.Duration) model.EventDraft {
	return model.EventDraft{
		Title: title,
		Start: fromMillis(startMillis, precision),
		End:   fromMillis(endMillis, precision),
		Notes: notes,
	}
}

// toRecord flattens a store event for the wire. Absent notes read back as "".
func toRecord(ev model.Event) model.EventRecord {
	return model.EventRecord{
		ID:          string(ev.ID),
		Title:       ev.Title,
		Description: model.Deref(ev.Notes),
		StartMillis: toMillis(ev.Start),
		EndMillis:   toMillis(ev.End),
	}
}

func toRecords(events []model.Event) []model.EventRecord {
	out := make([]model.EventRecord, 0, len(events))
	for _, ev := range events {
		out = append(out, toRecord(ev))
	}
	return out
}
