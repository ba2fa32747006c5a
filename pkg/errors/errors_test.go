package errors

import (
	"errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "basic error without underlying",
			err:      &Error{Code: ExitCodeGeneral, Message: "test error"},
			expected: "test error",
		},
		{
			name:     "error with underlying",
			err:      &Error{Code: ExitCodeConfig, Message: "config error", Underlying: errors.New("file not found")},
			expected: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &Error{Code: ExitCodeGeneral, Message: "test error", Underlying: underlying}

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestIs(t *testing.T) {
	a := New(ExitCodeProtocol, "protocol violation")
	b := New(ExitCodeProtocol, "different message, same code")
	c := New(ExitCodeHelper, "helper failure")

	if !Is(a, b) {
		t.Error("expected errors with the same code to match")
	}
	if Is(a, c) {
		t.Error("expected errors with different codes not to match")
	}
	if Is(nil, a) || Is(a, nil) {
		t.Error("expected nil operands never to match")
	}
}

func TestHandleReturn(t *testing.T) {
	if code := HandleReturn(nil); code != ExitCodeSuccess {
		t.Errorf("HandleReturn(nil) = %d, want %d", code, ExitCodeSuccess)
	}
	if code := HandleReturn(New(ExitCodeBind, "bind failed")); code != ExitCodeBind {
		t.Errorf("HandleReturn(bind error) = %d, want %d", code, ExitCodeBind)
	}
	if code := HandleReturn(errors.New("plain")); code != ExitCodeGeneral {
		t.Errorf("HandleReturn(plain error) = %d, want %d", code, ExitCodeGeneral)
	}
}
