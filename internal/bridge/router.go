// Package bridge is the command gateway in front of a calendar store.
//
// A caller hands the Router a command name and an untyped argument bag. The
// router resolves the name, decodes the bag into a typed Call, runs the one
// handler for that command against the shared store, and returns a Response
// holding either a transport-safe result or an *Error from a closed set of
// codes. Every channel (stdio, HTTP) goes through the same Router.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "calbridge/internal/log"
	"calbridge/internal/store"
)

// Response is the outcome of one dispatch. Exactly one field is set.
type Response struct {
	Result any
	Err    *Error
}

// OK reports whether the response carries a result.
func (r Response) OK() bool {
	return r.Err == nil
}

// Router dispatches commands to their handlers. It holds no state besides
// the store handle and is safe for concurrent use.
type Router struct {
	store store.Store
}

// NewRouter binds a router to a long-lived store handle.
func NewRouter(s store.Store) *Router {
	if s == nil {
		panic("bridge: nil store")
	}
	return &Router{store: s}
}

// Dispatch runs one command to completion. It never panics and never
// returns an empty Response.
func (r *Router) Dispatch(ctx context.Context, name string, bag ArgumentBag) Response {
	cmd, ok := LookupCommand(name)
	if !ok {
		appLog.Info("bridge: method not supported", "method", name)
		return Response{Err: errMethodNotSupported()}
	}

	call, err := Decode(cmd, bag)
	if err != nil {
		var be *Error
		if !errors.As(err, &be) {
			be = newError(CodeInvalidArguments, err.Error())
		}
		appLog.Info("bridge: rejected arguments", "method", name, "message", be.Message)
		return Response{Err: be}
	}

	return r.Execute(ctx, call)
}

// Execute runs an already decoded call.
func (r *Router) Execute(ctx context.Context, call Call) (resp Response) {
	cmd := call.Command()
	started := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("store panic: %v", p)
			appLog.Error("bridge: handler panicked", err, "command", cmd)
			resp = Response{Err: newError(cmd.failureCode(), err.Error())}
		}
		if resp.Err != nil && resp.Err.Code != CodeEventNotFound {
			appLog.Error("bridge: command failed", resp.Err,
				"command", cmd, "duration", time.Since(started))
			return
		}
		appLog.Debug("bridge: command done",
			"command", cmd, "ok", resp.Err == nil, "duration", time.Since(started))
	}()

	var (
		result any
		berr   *Error
	)
	switch c := call.(type) {
	case RequestPermissionCall:
		result, berr = r.requestPermission(ctx, c)
	case CreateEventCall:
		result, berr = r.createEvent(ctx, c)
	case UpdateEventCall:
		result, berr = r.updateEvent(ctx, c)
	case DeleteEventCall:
		result, berr = r.deleteEvent(ctx, c)
	case QueryEventsCall:
		result, berr = r.queryEvents(ctx, c)
	default:
		berr = errMethodNotSupported()
	}

	if berr != nil {
		return Response{Err: berr}
	}
	return Response{Result: result}
}

// Go dispatches asynchronously. The returned channel yields exactly one
// Response and is then closed.
func (r *Router) Go(ctx context.Context, name string, bag ArgumentBag) <-chan Response {
	ch := make(chan Response, 1)
	go func() {
		defer close(ch)
		ch <- r.Dispatch(ctx, name, bag)
	}()
	return ch
}
