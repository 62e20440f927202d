package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestError_Formatting(t *testing.T) {
	err := NewNotFoundError("entity", "Ada")
	want := `NOT_FOUND: entity "Ada" not found`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestError_FormattingWithCause(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := NewEngineError("write event", cause)
	want := "ENGINE: write event: disk I/O error"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("Unwrap() should expose the cause")
	}
}

func TestCodeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", NewValidationError("missing type"), IsValidation},
		{"not found", NewNotFoundError("event", "ev1"), IsNotFound},
		{"conflict", NewConflictError("entity %q already exists", "Ada"), IsConflict},
		{"busy", &Error{Code: CodeBusy, Message: "begin"}, IsBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("%s check failed for %v", tt.name, tt.err)
			}
			// Wrapping must not hide the code.
			wrapped := fmt.Errorf("outer context: %w", tt.err)
			if !tt.check(wrapped) {
				t.Errorf("%s check failed for wrapped error", tt.name)
			}
		})
	}
}

func TestCodeHelpers_RejectOtherCodes(t *testing.T) {
	err := NewValidationError("bad input")
	if IsNotFound(err) || IsConflict(err) || IsBusy(err) {
		t.Error("validation error matched an unrelated code helper")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
	if got := CodeOf(NewNotFoundError("key", "k")); got != CodeNotFound {
		t.Errorf("CodeOf(not found) = %q, want %q", got, CodeNotFound)
	}
	if got := CodeOf(errors.New("plain")); got != CodeEngine {
		t.Errorf("CodeOf(plain) = %q, want %q", got, CodeEngine)
	}
}

func TestWrapStorage_Nil(t *testing.T) {
	if WrapStorage("op", nil) != nil {
		t.Error("WrapStorage(nil) should return nil")
	}
}

func TestWrapStorage_PassesThroughStructured(t *testing.T) {
	orig := NewNotFoundError("event", "ev1")
	got := WrapStorage("read event", fmt.Errorf("inner: %w", orig))
	if !IsNotFound(got) {
		t.Errorf("WrapStorage should preserve an existing code, got %v", got)
	}
}

func TestWrapStorage_Busy(t *testing.T) {
	err := WrapStorage("begin transaction", sqlite3.Error{Code: sqlite3.ErrBusy})
	if !IsBusy(err) {
		t.Errorf("SQLITE_BUSY should map to BUSY, got %v", err)
	}

	err = WrapStorage("begin transaction", sqlite3.Error{Code: sqlite3.ErrLocked})
	if !IsBusy(err) {
		t.Errorf("SQLITE_LOCKED should map to BUSY, got %v", err)
	}
}

func TestWrapStorage_UniqueConstraint(t *testing.T) {
	err := WrapStorage("write entity", sqlite3.Error{
		Code:         sqlite3.ErrConstraint,
		ExtendedCode: sqlite3.ErrConstraintUnique,
	})
	if !IsConflict(err) {
		t.Errorf("unique violation should map to CONFLICT, got %v", err)
	}
}

func TestWrapStorage_OtherErrorsAreEngine(t *testing.T) {
	err := WrapStorage("write event", errors.New("disk full"))
	if CodeOf(err) != CodeEngine {
		t.Errorf("unclassified error should map to ENGINE, got %v", err)
	}

	err = WrapStorage("write relation", sqlite3.Error{
		Code:         sqlite3.ErrConstraint,
		ExtendedCode: sqlite3.ErrConstraintForeignKey,
	})
	if CodeOf(err) != CodeEngine {
		t.Errorf("FK violation without store context should map to ENGINE, got %v", err)
	}
}
