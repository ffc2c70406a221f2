package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithAgent("math_agent")

	if GetErrorCode(err) != ErrUpstreamError {
		t.Fatalf("expected code %s, got %s", ErrUpstreamError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
	if err.AgentID != "math_agent" {
		t.Fatalf("expected agent id to be recorded")
	}
}

func TestGetErrorCode_Wrapped(t *testing.T) {
	t.Parallel()

	inner := Errorf(ErrPermissionDenied, "%s may not hand off to %s", "a", "b")
	wrapped := fmt.Errorf("authorize: %w", inner)

	if got := GetErrorCode(wrapped); got != ErrPermissionDenied {
		t.Fatalf("expected %s through wrapping, got %s", ErrPermissionDenied, got)
	}
	if !IsCode(wrapped, ErrPermissionDenied) {
		t.Fatalf("expected IsCode to match")
	}
	if IsCode(nil, ErrPermissionDenied) {
		t.Fatalf("nil error must not match any code")
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}
