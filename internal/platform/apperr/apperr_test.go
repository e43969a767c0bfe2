package apperr

import (
	"errors"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ErrCodeUnauthorized, "", "test message", http.StatusUnauthorized),
			want: "[AUTH_5001] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ErrCodeInternal, KindInternal, "test message", http.StatusInternalServerError, errors.New("underlying")),
			want: "[INTERNAL_9001] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(ErrCodeInternal, KindInternal, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestAppError_WithDetails(t *testing.T) {
	err := RegistryMismatch("compose hash not allow-listed")
	err.WithDetails("hash", "0xdead").WithDetails("contract", "0xbeef")

	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
	if err.Details["hash"] != "0xdead" {
		t.Errorf("Details[hash] = %v, want 0xdead", err.Details["hash"])
	}
	if err.Kind != KindRegistryMismatch {
		t.Errorf("Kind = %v, want %v", err.Kind, KindRegistryMismatch)
	}
}

func TestGetHTTPStatus(t *testing.T) {
	if got := GetHTTPStatus(TaskNotFound("abc")); got != http.StatusNotFound {
		t.Errorf("GetHTTPStatus() = %d, want %d", got, http.StatusNotFound)
	}
	if got := GetHTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("GetHTTPStatus() = %d, want %d", got, http.StatusInternalServerError)
	}
}

func TestIsAppError(t *testing.T) {
	if !IsAppError(ConfigInvalid("bad")) {
		t.Error("IsAppError() = false, want true")
	}
	if IsAppError(errors.New("plain")) {
		t.Error("IsAppError() = true, want false")
	}
}
