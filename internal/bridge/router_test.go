package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calbridge/internal/model"
	"calbridge/internal/store"
	"calbridge/internal/store/memstore"
)

// spyStore wraps a Store, counts every capability call and can inject
// failures.
type spyStore struct {
	store.Store
	calls atomic.Int64

	precision time.Duration
	accessErr error
	createErr error
	findErr   error
	updateErr error
	removeErr error
	queryErr  error
	panicOn   string
}

func newSpy() *spyStore {
	return &spyStore{Store: memstore.New(), precision: time.Millisecond}
}

func (s *spyStore) hit(op string) {
	s.calls.Add(1)
	if s.panicOn == op {
		panic(op + " exploded")
	}
}

func (s *spyStore) RequestAccess(ctx context.Context) (bool, error) {
	s.hit("access")
	if s.accessErr != nil {
		return false, s.accessErr
	}
	return s.Store.RequestAccess(ctx)
}

func (s *spyStore) Precision() time.Duration { return s.precision }

func (s *spyStore) Create(ctx context.Context, d model.EventDraft) (model.EventID, error) {
	s.hit("create")
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.Store.Create(ctx, d)
}

func (s *spyStore) Find(ctx context.Context, id model.EventID) (model.Event, error) {
	s.hit("find")
	if s.findErr != nil {
		return model.Event{}, s.findErr
	}
	return s.Store.Find(ctx, id)
}

func (s *spyStore) Update(ctx context.Context, id model.EventID, d model.EventDraft) error {
	s.hit("update")
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.Store.Update(ctx, id, d)
}

func (s *spyStore) Remove(ctx context.Context, id model.EventID) error {
	s.hit("remove")
	if s.removeErr != nil {
		return s.removeErr
	}
	return s.Store.Remove(ctx, id)
}

func (s *spyStore) Query(ctx context.Context, r model.TimeRange) ([]model.Event, error) {
	s.hit("query")
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.Store.Query(ctx, r)
}

const (
	startMs = int64(1741597200000) // 2025-03-10T09:00:00Z
	endMs   = int64(1741600800000) // 2025-03-10T10:00:00Z
)

func createBag(title string) ArgumentBag {
	return ArgumentBag{KeyTitle: title, KeyStartMillis: startMs, KeyEndMillis: endMs}
}

func mustCode(t *testing.T, resp Response, want Code) {
	t.Helper()
	if resp.Err == nil {
		t.Fatalf("expected %s, got result %#v", want, resp.Result)
	}
	if resp.Err.Code != want {
		t.Fatalf("code = %s (%s), want %s", resp.Err.Code, resp.Err.Message, want)
	}
}

func mustOK(t *testing.T, resp Response) any {
	t.Helper()
	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	return resp.Result
}

func TestDispatch_MissingRequiredKeyMakesNoStoreCall(t *testing.T) {
	full := map[string]ArgumentBag{
		NameCreateEvent: {KeyTitle: "t", KeyStartMillis: startMs, KeyEndMillis: endMs},
		NameUpdateEvent: {KeyEventID: "id", KeyTitle: "t", KeyStartMillis: startMs, KeyEndMillis: endMs},
		NameDeleteEvent: {KeyEventID: "id"},
		NameQueryEvents: {KeyStartMillis: startMs, KeyEndMillis: endMs},
	}

	for method, bag := range full {
		for key := range bag {
			t.Run(method+"/without_"+key, func(t *testing.T) {
				spy := newSpy()
				r := NewRouter(spy)

				partial := ArgumentBag{}
				for k, v := range bag {
					if k != key {
						partial[k] = v
					}
				}
				mustCode(t, r.Dispatch(context.Background(), method, partial), CodeInvalidArguments)
				if n := spy.calls.Load(); n != 0 {
					t.Fatalf("store called %d times", n)
				}
			})
		}
	}
}

func TestDispatch_WrongTypedArguments(t *testing.T) {
	tests := []struct {
		name   string
		method string
		bag    ArgumentBag
	}{
		{"title not string", NameCreateEvent, ArgumentBag{KeyTitle: 7, KeyStartMillis: startMs, KeyEndMillis: endMs}},
		{"start is string", NameCreateEvent, ArgumentBag{KeyTitle: "t", KeyStartMillis: "1741597200000", KeyEndMillis: endMs}},
		{"fractional millis", NameQueryEvents, ArgumentBag{KeyStartMillis: 1.5, KeyEndMillis: endMs}},
		{"notes not string", NameCreateEvent, ArgumentBag{KeyTitle: "t", KeyStartMillis: startMs, KeyEndMillis: endMs, KeyNotes: true}},
		{"eventId not string", NameDeleteEvent, ArgumentBag{KeyEventID: 12}},
		{"nil bag", NameQueryEvents, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spy := newSpy()
			resp := NewRouter(spy).Dispatch(context.Background(), tc.method, tc.bag)
			mustCode(t, resp, CodeInvalidArguments)
			if resp.Err.Message == "" {
				t.Error("InvalidArguments should explain what was wrong")
			}
			if spy.calls.Load() != 0 {
				t.Fatal("store must not be called")
			}
		})
	}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	for _, name := range []string{"foo", "", "CreateEvent", "createevent", "queryEvents "} {
		t.Run(name, func(t *testing.T) {
			spy := newSpy()
			resp := NewRouter(spy).Dispatch(context.Background(), name, createBag("x"))
			mustCode(t, resp, CodeMethodNotSupported)
			if resp.Err.Message != "" {
				t.Errorf("MethodNotSupported must carry no detail, got %q", resp.Err.Message)
			}
			if spy.calls.Load() != 0 {
				t.Fatal("store must not be called")
			}
		})
	}
}

func TestDispatch_CreateThenQuery(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(memstore.New())

	bag := createBag("  Dentist  ")
	bag[KeyNotes] = "bring forms"
	id, ok := mustOK(t, r.Dispatch(ctx, NameCreateEvent, bag)).(string)
	if !ok || id == "" {
		t.Fatalf("createEvent should return a non-empty string id")
	}

	res := mustOK(t, r.Dispatch(ctx, NameQueryEvents, ArgumentBag{
		KeyStartMillis: startMs - 60_000,
		KeyEndMillis:   endMs + 60_000,
	}))
	records, ok := res.([]model.EventRecord)
	if !ok {
		t.Fatalf("result type %T", res)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	want := model.EventRecord{
		ID:          id,
		Title:       "  Dentist  ",
		Description: "bring forms",
		StartMillis: startMs,
		EndMillis:   endMs,
	}
	if records[0] != want {
		t.Fatalf("record = %+v, want %+v", records[0], want)
	}
}

func TestDispatch_LegacyNamesAndKeys(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(memstore.New())

	id := mustOK(t, r.Dispatch(ctx, "addEvent", ArgumentBag{
		KeyTitle:    "legacy",
		"startDate": float64(startMs),
		"endDate":   float64(endMs),
	})).(string)

	records := mustOK(t, r.Dispatch(ctx, "getEvents", ArgumentBag{
		"startDate": float64(startMs),
		"endDate":   float64(endMs),
	})).([]model.EventRecord)
	if len(records) != 1 || records[0].ID != id || records[0].Description != "" {
		t.Fatalf("records = %+v", records)
	}
}

func TestDispatch_UpdateUnknownLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	r := NewRouter(mem)
	mustOK(t, r.Dispatch(ctx, NameCreateEvent, createBag("keep")))

	bag := createBag("overwritten")
	bag[KeyEventID] = "never-issued"
	mustCode(t, r.Dispatch(ctx, NameUpdateEvent, bag), CodeEventNotFound)

	records := mustOK(t, r.Dispatch(ctx, NameQueryEvents, ArgumentBag{KeyStartMillis: startMs, KeyEndMillis: endMs})).([]model.EventRecord)
	if mem.Len() != 1 || len(records) != 1 || records[0].Title != "keep" {
		t.Fatalf("store changed: %+v", records)
	}
}

func TestDispatch_UpdateOverwritesNotes(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(memstore.New())
	bag := createBag("t")
	bag[KeyNotes] = "old notes"
	id := mustOK(t, r.Dispatch(ctx, NameCreateEvent, bag)).(string)

	upd := ArgumentBag{KeyEventID: id, KeyTitle: "t2", KeyStartMillis: startMs + 1000, KeyEndMillis: endMs + 1000}
	if got := mustOK(t, r.Dispatch(ctx, NameUpdateEvent, upd)); got != true {
		t.Fatalf("update result = %#v, want true", got)
	}

	records := mustOK(t, r.Dispatch(ctx, NameQueryEvents, ArgumentBag{KeyStartMillis: startMs, KeyEndMillis: endMs + 1000})).([]model.EventRecord)
	if len(records) != 1 {
		t.Fatalf("records = %+v", records)
	}
	if records[0].Title != "t2" || records[0].Description != "" || records[0].StartMillis != startMs+1000 {
		t.Fatalf("update should fully overwrite, got %+v", records[0])
	}
}

func TestDispatch_DeleteThenUpdate(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(memstore.New())
	id := mustOK(t, r.Dispatch(ctx, NameCreateEvent, createBag("gone"))).(string)

	if got := mustOK(t, r.Dispatch(ctx, NameDeleteEvent, ArgumentBag{KeyEventID: id})); got != true {
		t.Fatalf("delete result = %#v", got)
	}

	bag := createBag("again")
	bag[KeyEventID] = id
	mustCode(t, r.Dispatch(ctx, NameUpdateEvent, bag), CodeEventNotFound)
	mustCode(t, r.Dispatch(ctx, NameDeleteEvent, ArgumentBag{KeyEventID: id}), CodeEventNotFound)
}

func TestDispatch_InvertedQueryIsEmpty(t *testing.T) {
	res := mustOK(t, NewRouter(memstore.New()).Dispatch(context.Background(), NameQueryEvents,
		ArgumentBag{KeyStartMillis: endMs, KeyEndMillis: startMs}))
	records, ok := res.([]model.EventRecord)
	if !ok || records == nil || len(records) != 0 {
		t.Fatalf("want empty non-nil slice, got %#v", res)
	}
}

func TestDispatch_RequestPermission(t *testing.T) {
	ctx := context.Background()

	granted := mustOK(t, NewRouter(memstore.New()).Dispatch(ctx, NameRequestPermission, ArgumentBag{"ignored": 1}))
	if granted != true {
		t.Fatalf("granted = %#v", granted)
	}

	denied := mustOK(t, NewRouter(memstore.New(memstore.WithPermission(memstore.PermissionDenied))).Dispatch(ctx, NameRequestPermission, nil))
	if denied != false {
		t.Fatalf("denied = %#v", denied)
	}

	resp := NewRouter(memstore.New(memstore.WithPermission(memstore.PermissionRestricted))).Dispatch(ctx, NameRequestPermission, nil)
	mustCode(t, resp, CodePermissionError)
	if resp.Err.Message != store.ErrAccessDenied.Error() {
		t.Fatalf("message should pass through, got %q", resp.Err.Message)
	}
}

func TestDispatch_StoreFailuresMapToTaxonomy(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")

	tests := []struct {
		name   string
		setup  func(s *spyStore)
		method string
		bag    func(id string) ArgumentBag
		want   Code
	}{
		{"create rejected", func(s *spyStore) { s.createErr = boom }, NameCreateEvent,
			func(string) ArgumentBag { return createBag("x") }, CodeSaveError},
		{"create inverted range", func(*spyStore) {}, NameCreateEvent,
			func(string) ArgumentBag {
				return ArgumentBag{KeyTitle: "x", KeyStartMillis: endMs, KeyEndMillis: startMs}
			}, CodeSaveError},
		{"update rejected", func(s *spyStore) { s.updateErr = boom }, NameUpdateEvent,
			func(id string) ArgumentBag { b := createBag("x"); b[KeyEventID] = id; return b }, CodeSaveError},
		{"update lookup failed", func(s *spyStore) { s.findErr = boom }, NameUpdateEvent,
			func(id string) ArgumentBag { b := createBag("x"); b[KeyEventID] = id; return b }, CodeSaveError},
		{"remove rejected", func(s *spyStore) { s.removeErr = boom }, NameDeleteEvent,
			func(id string) ArgumentBag { return ArgumentBag{KeyEventID: id} }, CodeDeleteError},
		{"delete lookup failed", func(s *spyStore) { s.findErr = boom }, NameDeleteEvent,
			func(id string) ArgumentBag { return ArgumentBag{KeyEventID: id} }, CodeDeleteError},
		{"query failed", func(s *spyStore) { s.queryErr = boom }, NameQueryEvents,
			func(string) ArgumentBag { return ArgumentBag{KeyStartMillis: startMs, KeyEndMillis: endMs} }, CodeQueryError},
		{"access failed", func(s *spyStore) { s.accessErr = boom }, NameRequestPermission,
			func(string) ArgumentBag { return nil }, CodePermissionError},
		{"store panic", func(s *spyStore) { s.panicOn = "remove" }, NameDeleteEvent,
			func(id string) ArgumentBag { return ArgumentBag{KeyEventID: id} }, CodeDeleteError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spy := newSpy()
			r := NewRouter(spy)
			id := mustOK(t, r.Dispatch(ctx, NameCreateEvent, createBag("seed"))).(string)

			tc.setup(spy)
			mustCode(t, r.Dispatch(ctx, tc.method, tc.bag(id)), tc.want)
		})
	}
}

func TestDispatch_SecondPrecisionStoreTruncates(t *testing.T) {
	ctx := context.Background()
	spy := newSpy()
	spy.precision = time.Second
	r := NewRouter(spy)

	id := mustOK(t, r.Dispatch(ctx, NameCreateEvent, ArgumentBag{
		KeyTitle: "x", KeyStartMillis: startMs + 999, KeyEndMillis: endMs + 1,
	})).(string)

	ev, err := spy.Store.Find(ctx, model.EventID(id))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Start.UnixMilli() != startMs || ev.End.UnixMilli() != endMs {
		t.Fatalf("times not truncated to seconds: %v - %v", ev.Start, ev.End)
	}
}

func TestGo_ResolvesExactlyOnce(t *testing.T) {
	r := NewRouter(memstore.New())
	ch := r.Go(context.Background(), NameCreateEvent, createBag("async"))

	resp, ok := <-ch
	if !ok {
		t.Fatal("channel closed without a response")
	}
	mustOK(t, resp)
	if _, ok := <-ch; ok {
		t.Fatal("channel delivered a second response")
	}
}

func TestDispatch_ConcurrentCallsShareStore(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	r := NewRouter(mem)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := r.Dispatch(ctx, NameCreateEvent, createBag("c")); !resp.OK() {
				t.Error(resp.Err)
			}
		}()
	}
	wg.Wait()
	if mem.Len() != 32 {
		t.Fatalf("Len = %d", mem.Len())
	}
}
