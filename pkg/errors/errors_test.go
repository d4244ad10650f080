package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err: &Error{
				Type:    ErrAccessDenied,
				Message: "test message",
				Cause:   errors.New("underlying error"),
			},
			want: "access_denied: test message: underlying error",
		},
		{
			name: "error without cause",
			err: &Error{
				Type:    ErrContainerStartFailed,
				Message: "test message",
				Cause:   nil,
			},
			want: "container_start_failed: test message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.want {
				t.Errorf("Error.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &Error{
		Type:    ErrInternal,
		Message: "test message",
		Cause:   cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("Error.Unwrap() = %v, want %v", got, cause)
	}
}

func TestTypePredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
		want bool
	}{
		{"access denied", NewAccessDeniedError("no", nil), IsAccessDenied, true},
		{"wrapped access denied", fmt.Errorf("outer: %w", NewAccessDeniedError("no", nil)), IsAccessDenied, true},
		{"invalid parameters", NewInvalidParametersError("bad", nil), IsInvalidParameters, true},
		{"not supported", NewNotSupportedError("pause", nil), IsNotSupported, true},
		{"illegal state", NewIllegalStateError("pause while stopping", nil), IsIllegalState, true},
		{"not found", NewNotFoundError("proxy", nil), IsNotFound, true},
		{"start failed", NewContainerStartFailedError("boom", nil), IsContainerStartFailed, true},
		{"mismatched type", NewNotFoundError("proxy", nil), IsAccessDenied, false},
		{"plain error", errors.New("plain"), IsNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(tt.err); got != tt.want {
				t.Errorf("predicate = %v, want %v", got, tt.want)
			}
		})
	}
}
