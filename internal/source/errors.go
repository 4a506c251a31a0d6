package source

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by clients used before FetchSession
// succeeded. Session entry points turn it into a silent no-op.
var ErrNotConnected = errors.New("not connected")

// AuthError indicates that authentication has failed or expired.
// It is returned by clients when the server rejects the credentials.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "auth error: " + e.Message
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TransportError wraps a network or connectivity failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err (or any error in its chain) is a
// TransportError.
func IsTransportError(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}

// ProtocolMethodError is a per-item failure reported by a server that
// accepted the request, such as notUpdated or notDestroyed.
type ProtocolMethodError struct {
	Method      string
	Kind        string
	ID          string
	Type        string
	Description string
}

func (e *ProtocolMethodError) Error() string {
	typ := e.Type
	if typ == "" {
		typ = "error"
	}
	desc := e.Description
	if desc == "" {
		desc = "unknown"
	}
	if e.Kind == "" {
		return fmt.Sprintf("%s: %s - %s", e.Method, typ, desc)
	}
	return fmt.Sprintf("%s/%s/%s: %s - %s", e.Method, e.Kind, e.ID, typ, desc)
}

// IsProtocolMethodError reports whether err (or any error in its chain)
// is a ProtocolMethodError.
func IsProtocolMethodError(err error) bool {
	var pErr *ProtocolMethodError
	return errors.As(err, &pErr)
}

// StaleCursorError means a delta cannot be computed: there is no prior
// cursor yet, or the server rejected it. Callers fall back to a full
// refetch and do not report it to the user.
type StaleCursorError struct {
	Reason string
}

func (e *StaleCursorError) Error() string {
	return "cursor not reconcilable: " + e.Reason
}

// IsStaleCursor reports whether err (or any error in its chain) is a
// StaleCursorError.
func IsStaleCursor(err error) bool {
	var sErr *StaleCursorError
	return errors.As(err, &sErr)
}
