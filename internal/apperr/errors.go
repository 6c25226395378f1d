package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error kinds shared by every feature package. Handlers and the realtime
// dispatcher only ever look at the kind, never at the concrete message.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
)

// Error carries a user-facing message while still matching its kind with errors.Is.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Kind }

func New(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Forbidden(msg string) *Error       { return New(ErrForbidden, msg) }
func InvalidInput(msg string) *Error    { return New(ErrInvalidInput, msg) }
func NotFound(msg string) *Error        { return New(ErrNotFound, msg) }
func Conflict(msg string) *Error        { return New(ErrConflict, msg) }
func Unauthenticated(msg string) *Error { return New(ErrUnauthenticated, msg) }

// Status maps an error to its HTTP status code. Anything outside the
// taxonomy is a 500.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the text that is safe to show to a client.
func Message(err error) string {
	if Status(err) == http.StatusInternalServerError {
		return "Internal Server Error"
	}
	return err.Error()
}

type errorBody struct {
	OK    bool `json:"ok"`
	Error struct {
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
	} `json:"error"`
}

// Write sends the JSON error envelope for err.
func Write(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.StatusCode = Status(err)
	body.Error.Message = Message(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Error.StatusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteJSON sends v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
