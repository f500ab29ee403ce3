package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAPIError(t *testing.T) {
	err := NewAPIError(ErrSlotOccupied, "slot taken", "slot-1 holds s-9", "corr-123")

	if err.Code != ErrSlotOccupied {
		t.Errorf("Expected code %s, got %s", ErrSlotOccupied, err.Code)
	}
	if err.CorrelationID != "corr-123" {
		t.Errorf("Expected correlation id corr-123, got %s", err.CorrelationID)
	}
	if time.Since(err.Timestamp) > time.Minute {
		t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
	}
	if err.Error() != "SLOT_OCCUPIED: slot taken" {
		t.Errorf("Unexpected error string %s", err.Error())
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", NewValidationError("ph", "out of range", 15.0), ErrValidation},
		{"validation list", ValidationErrors{NewValidationError("ph", "out of range", 15.0)}, ErrValidation},
		{"type mismatch", &TypeMismatchError{Expected: SampleTypeSperm, Actual: SampleTypeOocyte}, ErrTypeMismatch},
		{"illegal transition", &IllegalTransitionError{From: StatusCollected, To: StatusFrozen}, ErrIllegalTransition},
		{"not a slot", &NotASlotError{LocationID: "g1", Type: LocationGoblet}, ErrNotASlot},
		{"slot occupied", &SlotOccupiedError{SlotID: "s1"}, ErrSlotOccupied},
		{"witness conflict", &WitnessConflictError{UserID: "u1"}, ErrWitnessConflict},
		{"not found", &NotFoundError{Entity: "sample", ID: "x"}, ErrNotFound},
		{"transient", &TransientIOError{Op: "get", Err: errors.New("reset")}, ErrTransientIO},
		{"wrapped", fmt.Errorf("importing: %w", &SlotOccupiedError{SlotID: "s1"}), ErrSlotOccupied},
		{"plain", errors.New("boom"), ErrInternalServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestErrorFromCodeRoundTrip(t *testing.T) {
	originals := []error{
		NewValidationError("cellCount", "must be positive", nil),
		&TypeMismatchError{Expected: SampleTypeEmbryo, Actual: SampleTypeSperm},
		&IllegalTransitionError{SampleID: "s1", Type: SampleTypeSperm, From: StatusCollected, To: StatusFrozen},
		&NotASlotError{LocationID: "t1", Type: LocationTank},
		&SlotOccupiedError{SlotID: "slot-1", OccupantID: "s2"},
		&WitnessConflictError{UserID: "u1"},
		&NotFoundError{Entity: "location", ID: "nope"},
	}

	for _, original := range originals {
		t.Run(ErrorCode(original), func(t *testing.T) {
			rebuilt := ErrorFromCode(ErrorCode(original), original.Error(), ErrorFields(original))
			if rebuilt.Error() != original.Error() {
				t.Errorf("rebuilt error %q, want %q", rebuilt.Error(), original.Error())
			}
			if ErrorCode(rebuilt) != ErrorCode(original) {
				t.Errorf("rebuilt code %s, want %s", ErrorCode(rebuilt), ErrorCode(original))
			}
		})
	}
}

func TestErrorFromCodeUnknown(t *testing.T) {
	err := ErrorFromCode("SOMETHING_ELSE", "odd", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "SOMETHING_ELSE" {
		t.Errorf("unexpected code %s", apiErr.Code)
	}
}

func TestTransientHelpers(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("children: %w", &TransientIOError{Op: "GET /children", Err: cause})

	if !IsTransient(err) {
		t.Error("expected transient error")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be unwrappable")
	}
	if IsNotFound(err) {
		t.Error("transient error must not be reported as not found")
	}
	if !IsNotFound(&NotFoundError{Entity: "sample", ID: "x"}) {
		t.Error("expected not found")
	}
}
