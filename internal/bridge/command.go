package bridge

// Command is one of the five operations the bridge understands.
type Command int

const (
	RequestPermission Command = iota + 1
	CreateEvent
	UpdateEvent
	DeleteEvent
	QueryEvents
)

// Canonical wire names.
const (
	NameRequestPermission = "requestPermission"
	NameCreateEvent       = "createEvent"
	NameUpdateEvent       = "updateEvent"
	NameDeleteEvent       = "deleteEvent"
	NameQueryEvents       = "queryEvents"
)

// commandNames maps every accepted wire name, including the names older
// clients of the calendar channel still send, to its Command.
var commandNames = map[string]Command{
	NameRequestPermission: RequestPermission,
	NameCreateEvent:       CreateEvent,
	NameUpdateEvent:       UpdateEvent,
	NameDeleteEvent:       DeleteEvent,
	NameQueryEvents:       QueryEvents,

	"addEvent":  CreateEvent,
	"getEvents": QueryEvents,
}

// LookupCommand resolves a wire name with an exact, case-sensitive match.
func LookupCommand(name string) (Command, bool) {
	c, ok := commandNames[name]
	return c, ok
}

func (c Command) String() string {
	switch c {
	case RequestPermission:
		return NameRequestPermission
	case CreateEvent:
		return NameCreateEvent
	case UpdateEvent:
		return NameUpdateEvent
	case DeleteEvent:
		return NameDeleteEvent
	case QueryEvents:
		return NameQueryEvents
	default:
		return "unknown"
	}
}

// failureCode is the code used when the store call behind c fails.
func (c Command) failureCode() Code {
	switch c {
	case RequestPermission:
		return CodePermissionError
	case CreateEvent, UpdateEvent:
		return CodeSaveError
	case DeleteEvent:
		return CodeDeleteError
	default:
		return CodeQueryError
	}
}
