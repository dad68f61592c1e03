package bridge

// Code is the stable string identifying an error class on the wire.
type Code string

const (
	CodeInvalidArguments   Code = "INVALID_ARGUMENTS"
	CodeEventNotFound      Code = "EVENT_NOT_FOUND"
	CodePermissionError    Code = "PERMISSION_ERROR"
	CodeSaveError          Code = "SAVE_ERROR"
	CodeDeleteError        Code = "DELETE_ERROR"
	CodeQueryError         Code = "QUERY_ERROR"
	CodeMethodNotSupported Code = "METHOD_NOT_SUPPORTED"
)

// Error is the only failure shape a channel ever returns to a caller.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// errMethodNotSupported deliberately carries no message.
func errMethodNotSupported() *Error {
	return &Error{Code: CodeMethodNotSupported}
}

func errEventNotFound() *Error {
	return newError(CodeEventNotFound, "Event not found")
}
