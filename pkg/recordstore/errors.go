package recordstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks against *Error values.
var (
	ErrStoreUnreachable       = errors.New("store unreachable")
	ErrStoreMalformedResponse = errors.New("store response malformed")
)

// ErrorKind distinguishes transport failures from bad payloads.
type ErrorKind int

const (
	// KindUnreachable covers network errors, timeouts and non-2xx statuses.
	KindUnreachable ErrorKind = iota + 1
	// KindMalformedResponse covers non-JSON bodies and mistyped fields.
	KindMalformedResponse
)

// Error is returned by every Client operation that fails.
// Callers can use errors.As to extract the structured information:
//
//	var storeErr *recordstore.Error
//	if errors.As(err, &storeErr) && storeErr.StatusCode == 429 { ... }
type Error struct {
	Kind ErrorKind
	// Op is the logical operation: record_message, record_location or query.
	Op string
	// StatusCode is the HTTP status, zero when no response was received.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	kind := "unreachable"
	if e.Kind == KindMalformedResponse {
		kind = "malformed response"
	}
	return fmt.Sprintf("store %s: %s: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrStoreUnreachable:
		return e.Kind == KindUnreachable
	case ErrStoreMalformedResponse:
		return e.Kind == KindMalformedResponse
	}
	return false
}
