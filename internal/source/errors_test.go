package source

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorPredicatesFollowWrapChain(t *testing.T) {
	base := errors.New("connection reset")
	tests := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{"auth", fmt.Errorf("fetching session: %w", &AuthError{Message: "401"}), IsAuthError},
		{"transport", fmt.Errorf("paging: %w", &TransportError{Op: "query", Err: base}), IsTransportError},
		{"method", fmt.Errorf("set: %w", &ProtocolMethodError{Method: "Email/set"}), IsProtocolMethodError},
		{"cursor", fmt.Errorf("delta: %w", &StaleCursorError{Reason: "no state"}), IsStaleCursor},
	}

	for _, tt := range tests {
		if !tt.pred(tt.err) {
			t.Errorf("%s: predicate did not match %v", tt.name, tt.err)
		}
		if tt.pred(base) {
			t.Errorf("%s: predicate matched unrelated error", tt.name)
		}
	}
}

func TestTransportErrorUnwraps(t *testing.T) {
	base := errors.New("timeout")
	err := &TransportError{Op: "get", Err: base}
	if !errors.Is(err, base) {
		t.Error("TransportError should unwrap to its cause")
	}
}

func TestProtocolMethodErrorMessage(t *testing.T) {
	err := &ProtocolMethodError{
		Method:      "Email/set",
		Kind:        "notUpdated",
		ID:          "m1",
		Type:        "notFound",
		Description: "no such email",
	}
	want := "Email/set/notUpdated/m1: notFound - no such email"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := &ProtocolMethodError{Method: "Email/query"}
	if bare.Error() != "Email/query: error - unknown" {
		t.Errorf("bare Error() = %q", bare.Error())
	}
}
