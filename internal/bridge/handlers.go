package bridge

import (
	"context"
	"errors"

	appLog "calbridge/internal/log"
	"calbridge/internal/model"
	"calbridge/internal/store"
)

func (r *Router) requestPermission(ctx context.Context, _ RequestPermissionCall) (any, *Error) {
	granted, err := r.store.RequestAccess(ctx)
	if err != nil {
		return nil, newError(CodePermissionError, err.Error())
	}
	return granted, nil
}

func (r *Router) createEvent(ctx context.Context, c CreateEventCall) (any, *Error) {
	d := draftFrom(c.Title, c.StartMillis, c.EndMillis, c.Notes, r.store.Precision())
	id, err := r.store.Create(ctx, d)
	if err != nil {
		return nil, newError(CodeSaveError, err.Error())
	}
	return string(id), nil
}

func (r *Router) updateEvent(ctx context.Context, c UpdateEventCall) (any, *Error) {
	id := model.EventID(c.EventID)
	if _, err := r.store.Find(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errEventNotFound()
		}
		return nil, newError(CodeSaveError, err.Error())
	}

	d := draftFrom(c.Title, c.StartMillis, c.EndMillis, c.Notes, r.store.Precision())
	if err := r.store.Update(ctx, id, d); err != nil {
		// The event can vanish between Find and Update.
		if errors.Is(err, store.ErrNotFound) {
			return nil, errEventNotFound()
		}
		return nil, newError(CodeSaveError, err.Error())
	}
	return true, nil
}

func (r *Router) deleteEvent(ctx context.Context, c DeleteEventCall) (any, *Error) {
	id := model.EventID(c.EventID)
	if _, err := r.store.Find(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errEventNotFound()
		}
		return nil, newError(CodeDeleteError, err.Error())
	}

	if err := r.store.Remove(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errEventNotFound()
		}
		return nil, newError(CodeDeleteError, err.Error())
	}
	return true, nil
}

func (r *Router) queryEvents(ctx context.Context, c QueryEventsCall) (any, *Error) {
	precision := r.store.Precision()
	rng := model.TimeRange{
		Start: fromMillis(c.StartMillis, precision),
		End:   fromMillis(c.EndMillis, precision),
	}
	events, err := r.store.Query(ctx, rng)
	if err != nil {
		appLog.Error("bridge: store query failed", err,
			"start_millis", c.StartMillis, "end_millis", c.EndMillis)
		return nil, newError(CodeQueryError, err.Error())
	}
	return toRecords(events), nil
}
