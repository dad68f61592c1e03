package bridge

import (
	"encoding/json"
	"fmt"
	"math"
)

// ArgumentBag is the untyped payload that arrives with a command.
// It is read, never mutated.
type ArgumentBag map[string]any

// Argument keys.
const (
	KeyTitle       = "title"
	KeyNotes       = "notes"
	KeyEventID     = "eventId"
	KeyStartMillis = "startMillis"
	KeyEndMillis   = "endMillis"
)

// legacyKeys lists the older spelling accepted for a key. The canonical key
// wins when both are present.
var legacyKeys = map[string]string{
	KeyStartMillis: "startDate",
	KeyEndMillis:   "endDate",
}

// Call is a decoded, validated command. The concrete types below are the
// only implementations.
type Call interface {
	Command() Command
	sealed()
}

type RequestPermissionCall struct{}

type CreateEventCall struct {
	Title       string
	StartMillis int64
	EndMillis   int64
	Notes       *string
}

type UpdateEventCall struct {
	EventID     string
	Title       string
	StartMillis int64
	EndMillis   int64
	Notes       *string
}

type DeleteEventCall struct {
	EventID string
}

type QueryEventsCall struct {
	StartMillis int64
	EndMillis   int64
}

func (RequestPermissionCall) Command() Command { return RequestPermission }
func (CreateEventCall) Command() Command       { return CreateEvent }
func (UpdateEventCall) Command() Command       { return UpdateEvent }
func (DeleteEventCall) Command() Command       { return DeleteEvent }
func (QueryEventsCall) Command() Command       { return QueryEvents }

func (RequestPermissionCall) sealed() {}
func (CreateEventCall) sealed()       {}
func (UpdateEventCall) sealed()       {}
func (DeleteEventCall) sealed()       {}
func (QueryEventsCall) sealed()       {}

// Decode validates bag against the schema of cmd. Failures are always
// *Error with CodeInvalidArguments.
func Decode(cmd Command, bag ArgumentBag) (Call, error) {
	d := decoder{cmd: cmd, bag: bag}

	var call Call
	switch cmd {
	case RequestPermission:
		call = RequestPermissionCall{}
	case CreateEvent:
		c := CreateEventCall{}
		c.Title = d.str(KeyTitle)
		c.StartMillis = d.millis(KeyStartMillis)
		c.EndMillis = d.millis(KeyEndMillis)
		c.Notes = d.optStr(KeyNotes)
		call = c
	case UpdateEvent:
		c := UpdateEventCall{}
		c.EventID = d.str(KeyEventID)
		c.Title = d.str(KeyTitle)
		c.StartMillis = d.millis(KeyStartMillis)
		c.EndMillis = d.millis(KeyEndMillis)
		c.Notes = d.optStr(KeyNotes)
		call = c
	case DeleteEvent:
		call = DeleteEventCall{EventID: d.str(KeyEventID)}
	case QueryEvents:
		call = QueryEventsCall{
			StartMillis: d.millis(KeyStartMillis),
			EndMillis:   d.millis(KeyEndMillis),
		}
	default:
		return nil, errMethodNotSupported()
	}

	if d.err != nil {
		return nil, d.err
	}
	return call, nil
}

// decoder records the first failure and turns later reads into no-ops.
type decoder struct {
	cmd Command
	bag ArgumentBag
	err *Error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err != nil {
		return
	}
	d.err = newError(CodeInvalidArguments,
		fmt.Sprintf("invalid arguments for %s: ", d.cmd)+fmt.Sprintf(format, args...))
}

func (d *decoder) lookup(key string) (any, bool) {
	if v, ok := d.bag[key]; ok && v != nil {
		return v, true
	}
	if alt, ok := legacyKeys[key]; ok {
		if v, ok := d.bag[alt]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (d *decoder) str(key string) string {
	if d.err != nil {
		return ""
	}
	v, ok := d.lookup(key)
	if !ok {
		d.fail("%q is required", key)
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.fail("%q must be a string, got %T", key, v)
		return ""
	}
	return s
}

func (d *decoder) optStr(key string) *string {
	if d.err != nil {
		return nil
	}
	v, ok := d.lookup(key)
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		d.fail("%q must be a string, got %T", key, v)
		return nil
	}
	return &s
}

func (d *decoder) millis(key string) int64 {
	if d.err != nil {
		return 0
	}
	v, ok := d.lookup(key)
	if !ok {
		d.fail("%q is required", key)
		return 0
	}
	n, err := toInt64(v)
	if err != nil {
		d.fail("%q %v", key, err)
		return 0
	}
	return n
}

// toInt64 accepts every Go integer kind, json.Number and integral floats.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return uintToInt64(uint64(n))
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return uintToInt64(n)
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("must be a number, got %q", n.String())
		}
		return floatToInt64(f)
	default:
		return 0, fmt.Errorf("must be a number, got %T", v)
	}
}

func uintToInt64(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("is out of range: %d", u)
	}
	return int64(u), nil
}

func floatToInt64(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("must be finite, got %v", f)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("must be whole milliseconds, got %v", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("is out of range: %v", f)
	}
	return int64(f), nil
}
