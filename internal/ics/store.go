package ics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"calbridge/internal/fsutil"
	appLog "calbridge/internal/log"
	"calbridge/internal/model"
	"calbridge/internal/store"
)

const productID = "-//calbridge//calbridge//EN"

// ErrDateOutOfRange is returned for drafts whose start or end falls outside
// the four-digit years a DATE-TIME value can hold.
var ErrDateOutOfRange = errors.New("ics: date outside years 0000-9999")

// Options configures a Store.
type Options struct {
	// Path is the writable .ics file backing the default calendar.
	Path string
	// DefaultCalendar names the calendar that receives new events.
	DefaultCalendar string
	// Subscriptions are read-only feeds merged into queries.
	Subscriptions []Source
	// Fetcher downloads subscriptions. Required when Subscriptions is set.
	Fetcher *Fetcher
	// MaxOccurrencesPerEvent caps RRULE expansion per query.
	MaxOccurrencesPerEvent int
}

// Store is a calendar store backed by an iCalendar file.
//
// The parsed calendar is kept in memory and rewritten atomically after every
// change. Identifiers are VEVENT UIDs. For a recurring event the identifier
// addresses its earliest remaining occurrence, so Update and Remove stay
// scoped to a single occurrence.
type Store struct {
	opts Options

	mu       sync.RWMutex
	cal      *ical.Calendar
	lastGood []byte
	modTime  time.Time
	subs     map[string][]ParsedEvent

	now   func() time.Time
	newID func() string
}

var _ store.Store = (*Store)(nil)

// Open loads opts.Path if it exists. A missing file is an empty calendar;
// it is created on the first write or RequestAccess.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("ics: calendar path is empty")
	}
	if opts.DefaultCalendar == "" {
		opts.DefaultCalendar = "Calendar"
	}
	if len(opts.Subscriptions) > 0 && opts.Fetcher == nil {
		return nil, errors.New("ics: subscriptions configured without a fetcher")
	}

	s := &Store{
		opts:  opts,
		subs:  make(map[string][]ParsedEvent),
		now:   time.Now,
		newID: uuid.NewString,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)
	return cal
}

// load reads the backing file; caller holds mu or owns s exclusively.
func (s *Store) load() error {
	data, err := os.ReadFile(s.opts.Path)
	if errors.Is(err, fs.ErrNotExist) {
		s.cal = newCalendar()
		s.lastGood = nil
		s.modTime = time.Time{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("ics: read %s: %w", s.opts.Path, err)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("ics: parse %s: %w", s.opts.Path, err)
	}
	s.cal = cal
	s.lastGood = data
	if fi, err := os.Stat(s.opts.Path); err == nil {
		s.modTime = fi.ModTime()
	}
	return nil
}

// commit persists the in-memory calendar. On failure the last persisted
// state is restored so memory and disk never diverge.
func (s *Store) commit() error {
	var buf bytes.Buffer
	if err := s.cal.SerializeTo(&buf); err != nil {
		s.rollback()
		return fmt.Errorf("ics: serialize: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.opts.Path, buf.Bytes(), 0o600); err != nil {
		s.rollback()
		return fmt.Errorf("ics: write %s: %w", s.opts.Path, err)
	}
	s.lastGood = buf.Bytes()
	if fi, err := os.Stat(s.opts.Path); err == nil {
		s.modTime = fi.ModTime()
	}
	return nil
}

func (s *Store) rollback() {
	if len(s.lastGood) == 0 {
		s.cal = newCalendar()
		return
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(s.lastGood))
	if err != nil {
		appLog.Error("ics: rollback parse failed", err, "path", s.opts.Path)
		s.cal = newCalendar()
		return
	}
	s.cal = cal
}

// RequestAccess grants access when the calendar file can be written.
func (s *Store) RequestAccess(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0o700); err != nil {
		return false, fmt.Errorf("ics: calendar directory: %w", err)
	}
	if _, err := os.Stat(s.opts.Path); errors.Is(err, fs.ErrNotExist) {
		if err := s.commit(); err != nil {
			return false, err
		}
		return true, nil
	}
	f, err := os.OpenFile(s.opts.Path, os.O_WRONLY, 0)
	if err != nil {
		return false, fmt.Errorf("ics: calendar file not writable: %w", err)
	}
	_ = f.Close()
	return true, nil
}

// Precision is one second: DATE-TIME values carry no fraction.
func (s *Store) Precision() time.Duration {
	return time.Second
}

func (s *Store) Create(_ context.Context, d model.EventDraft) (model.EventID, error) {
	if err := store.CheckDraft(d); err != nil {
		return "", err
	}
	if err := checkYears(d); err != nil {
		return "", err
	}
	uid := s.newID()

	s.mu.Lock()
	defer s.mu.Unlock()

	ve := s.cal.AddEvent(uid)
	ve.SetDtStampTime(s.now())
	ve.SetProperty(ical.ComponentPropertySequence, "0")
	writeDraft(ve, d)
	if err := s.commit(); err != nil {
		return "", err
	}
	return model.EventID(uid), nil
}

func (s *Store) Find(_ context.Context, id model.EventID) (model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, ok := s.lookup(string(id))
	if !ok {
		return model.Event{}, store.ErrNotFound
	}
	ev, _, ok, err := firstOccurrence(sr)
	if err != nil {
		return model.Event{}, err
	}
	if !ok {
		return model.Event{}, store.ErrNotFound
	}
	return ev, nil
}

func (s *Store) Update(_ context.Context, id model.EventID, d model.EventDraft) error {
	if err := store.CheckDraft(d); err != nil {
		return err
	}
	if err := checkYears(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.lookup(string(id))
	if !ok {
		return store.ErrNotFound
	}
	if sr.base.ReadOnly {
		return store.ErrReadOnly
	}

	if !sr.base.Recurring() {
		ve := s.localBase(string(id))
		if ve == nil {
			return store.ErrNotFound
		}
		bumpSequence(ve, s.now())
		writeDraft(ve, d)
		return s.commit()
	}

	_, occStart, ok, err := firstOccurrence(sr)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	ve := s.localOverride(string(id), occStart)
	if ve == nil {
		ve = s.cal.AddEvent(string(id))
		ve.SetProperty(propRecurrenceID, formatUTC(occStart))
		ve.SetProperty(ical.ComponentPropertySequence, "0")
	}
	bumpSequence(ve, s.now())
	writeDraft(ve, d)
	return s.commit()
}

func (s *Store) Remove(_ context.Context, id model.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.lookup(string(id))
	if !ok {
		return store.ErrNotFound
	}
	if sr.base.ReadOnly {
		return store.ErrReadOnly
	}

	if !sr.base.Recurring() {
		s.removeComponents(func(ve *ical.VEvent) bool { return ve.Id() == string(id) })
		return s.commit()
	}

	_, occStart, ok, err := firstOccurrence(sr)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	base := s.localBase(string(id))
	if base == nil {
		return store.ErrNotFound
	}
	base.AddProperty(ical.ComponentPropertyExdate, formatUTC(occStart))
	bumpSequence(base, s.now())
	s.removeComponents(func(ve *ical.VEvent) bool {
		if ve.Id() != string(id) {
			return false
		}
		rid := ve.GetProperty(propRecurrenceID)
		if rid == nil {
			return false
		}
		t, err := parseICSTime(rid.Value, occStart.Location())
		return err == nil && t.Equal(occStart)
	})
	return s.commit()
}

func (s *Store) Query(_ context.Context, r model.TimeRange) ([]model.Event, error) {
	if r.Inverted() {
		return make([]model.Event, 0), nil
	}
	s.mu.RLock()
	events := s.allParsed()
	s.mu.RUnlock()

	res := Expand(events, r, s.opts.MaxOccurrencesPerEvent)
	store.SortByStart(res.Events)
	return res.Events, nil
}

// Reload re-reads the calendar file when it changed on disk and refreshes
// every subscription. A failing subscription keeps its previous events.
func (s *Store) Reload(ctx context.Context) error {
	var errs []error

	s.mu.Lock()
	fi, err := os.Stat(s.opts.Path)
	switch {
	case err == nil && !fi.ModTime().Equal(s.modTime):
		if lerr := s.load(); lerr != nil {
			errs = append(errs, lerr)
		} else {
			appLog.Info("ics: calendar file reloaded", "path", s.opts.Path)
		}
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		errs = append(errs, err)
	}
	s.mu.Unlock()

	if len(s.opts.Subscriptions) == 0 {
		return errors.Join(errs...)
	}

	results, fetchErrs := s.opts.Fetcher.FetchAll(ctx, s.opts.Subscriptions)
	errs = append(errs, fetchErrs...)

	parsed := make(map[string][]ParsedEvent, len(results))
	for _, res := range results {
		name := res.Source.Name
		if name == "" {
			name = res.Source.ID
		}
		events, err := ParseICS(name, true, res.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", res.Source.ID, err))
			continue
		}
		parsed[res.Source.ID] = events
	}

	s.mu.Lock()
	for id, events := range parsed {
		s.subs[id] = events
	}
	s.mu.Unlock()

	return errors.Join(errs...)
}

// allParsed returns local and subscription events; caller holds mu.
func (s *Store) allParsed() []ParsedEvent {
	events := parseCalendar(s.opts.DefaultCalendar, false, s.cal)
	for _, src := range s.opts.Subscriptions {
		events = append(events, s.subs[src.ID]...)
	}
	return events
}

// lookup finds the series for uid, local calendar first.
func (s *Store) lookup(uid string) (series, bool) {
	for _, sr := range groupSeries(s.allParsed()) {
		if sr.base.UID == uid {
			return sr, true
		}
	}
	return series{}, false
}

func (s *Store) localBase(uid string) *ical.VEvent {
	for _, ve := range s.cal.Events() {
		if ve.Id() == uid && ve.GetProperty(propRecurrenceID) == nil {
			return ve
		}
	}
	return nil
}

func (s *Store) localOverride(uid string, occStart time.Time) *ical.VEvent {
	for _, ve := range s.cal.Events() {
		if ve.Id() != uid {
			continue
		}
		rid := ve.GetProperty(propRecurrenceID)
		if rid == nil {
			continue
		}
		if t, err := parseICSTime(rid.Value, occStart.Location()); err == nil && t.Equal(occStart) {
			return ve
		}
	}
	return nil
}

func (s *Store) removeComponents(match func(*ical.VEvent) bool) {
	kept := s.cal.Components[:0]
	for _, c := range s.cal.Components {
		if ve, ok := c.(*ical.VEvent); ok && match(ve) {
			continue
		}
		kept = append(kept, c)
	}
	s.cal.Components = kept
}

func checkYears(d model.EventDraft) error {
	for _, t := range []time.Time{d.Start, d.End} {
		if y := t.UTC().Year(); y < 0 || y > 9999 {
			return fmt.Errorf("%w: %s", ErrDateOutOfRange, t.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

// writeDraft overwrites the draft-controlled properties of ve. A nil Notes
// removes DESCRIPTION.
func writeDraft(ve *ical.VEvent, d model.EventDraft) {
	ve.SetProperty(ical.ComponentPropertySummary, d.Title)
	ve.SetStartAt(d.Start)
	ve.SetEndAt(d.End)
	removeProperty(ve, ical.ComponentPropertyDescription)
	if d.Notes != nil {
		ve.SetProperty(ical.ComponentPropertyDescription, *d.Notes)
	}
}

func bumpSequence(ve *ical.VEvent, now time.Time) {
	seq := 0
	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		seq, _ = strconv.Atoi(p.Value)
	}
	ve.SetProperty(ical.ComponentPropertySequence, strconv.Itoa(seq+1))
	ve.SetDtStampTime(now)
}

func removeProperty(ve *ical.VEvent, prop ical.ComponentProperty) {
	kept := ve.Properties[:0]
	for _, p := range ve.Properties {
		if p.IANAToken != string(prop) {
			kept = append(kept, p)
		}
	}
	ve.Properties = kept
}
