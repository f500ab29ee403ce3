package domain

import (
	"errors"
	"fmt"
	"time"
)

// APIError represents a standardized error response
type APIError struct {
	Code          string            `json:"code"`
	Message       string            `json:"message"`
	Details       string            `json:"details,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code, message, details, correlationID string) *APIError {
	return &APIError{
		Code:          code,
		Message:       message,
		Details:       details,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
}

// Error codes for the failure taxonomy
const (
	ErrValidation        = "VALIDATION_ERROR"
	ErrTypeMismatch      = "TYPE_MISMATCH"
	ErrIllegalTransition = "ILLEGAL_TRANSITION"
	ErrNotASlot          = "NOT_A_SLOT"
	ErrSlotOccupied      = "SLOT_OCCUPIED"
	ErrWitnessConflict   = "WITNESS_CONFLICT"
	ErrNotFound          = "NOT_FOUND"
	ErrTransientIO       = "TRANSIENT_IO"
	ErrInternalServer    = "INTERNAL_SERVER_ERROR"
)

// CodedError is implemented by every error of the taxonomy
type CodedError interface {
	error
	Code() string
}

// ValidationError represents malformed or out-of-range input
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Code() string { return ErrValidation }

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// ValidationErrors aggregates field errors found in one payload
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return v[0].Error()
	}
	return fmt.Sprintf("%d validation errors, first: %s", len(v), v[0].Error())
}

func (v ValidationErrors) Code() string { return ErrValidation }

// TypeMismatchError means a quality payload tag differs from the sample type
type TypeMismatchError struct {
	Expected SampleType
	Actual   SampleType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("quality payload of type %s does not match sample type %s", e.Actual, e.Expected)
}

func (e *TypeMismatchError) Code() string { return ErrTypeMismatch }

// IllegalTransitionError means the requested status is not reachable
type IllegalTransitionError struct {
	SampleID string
	Type     SampleType
	From     SampleStatus
	To       SampleStatus
	Reason   string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("%s sample %s cannot move from %s to %s", e.Type, e.SampleID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IllegalTransitionError) Code() string { return ErrIllegalTransition }

// NotASlotError means an import targeted a non-leaf location
type NotASlotError struct {
	LocationID string
	Type       LocationType
}

func (e *NotASlotError) Error() string {
	return fmt.Sprintf("location %s is a %s, samples can only be imported into a Slot", e.LocationID, e.Type)
}

func (e *NotASlotError) Code() string { return ErrNotASlot }

// SlotOccupiedError means the capacity invariant would be violated
type SlotOccupiedError struct {
	SlotID     string
	OccupantID string
}

func (e *SlotOccupiedError) Error() string {
	if e.OccupantID == "" {
		return fmt.Sprintf("slot %s already holds an active sample", e.SlotID)
	}
	return fmt.Sprintf("slot %s already holds active sample %s", e.SlotID, e.OccupantID)
}

func (e *SlotOccupiedError) Code() string { return ErrSlotOccupied }

// WitnessConflictError means importer and witness are the same person
type WitnessConflictError struct {
	UserID string
}

func (e *WitnessConflictError) Error() string {
	return fmt.Sprintf("user %s cannot witness their own import", e.UserID)
}

func (e *WitnessConflictError) Code() string { return ErrWitnessConflict }

// NotFoundError means an unknown sample, location, ledger, user or patient id
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Code() string { return ErrNotFound }

// TransientIOError wraps a network or backend failure
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Code() string { return ErrTransientIO }

func (e *TransientIOError) Unwrap() error { return e.Err }

// ErrorCode returns the taxonomy code of err, or ErrInternalServer
func ErrorCode(err error) string {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ErrInternalServer
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err may be retried for pure reads
func IsTransient(err error) bool {
	var tio *TransientIOError
	return errors.As(err, &tio)
}

// ErrorFields extracts the identifying fields of a taxonomy error for the wire envelope
func ErrorFields(err error) map[string]string {
	var (
		validation *ValidationError
		mismatch   *TypeMismatchError
		illegal    *IllegalTransitionError
		notSlot    *NotASlotError
		occupied   *SlotOccupiedError
		witness    *WitnessConflictError
		notFound   *NotFoundError
		validList  ValidationErrors
	)
	switch {
	case errors.As(err, &validList) && len(validList) > 0:
		return map[string]string{"field": validList[0].Field, "message": validList[0].Message}
	case errors.As(err, &validation):
		return map[string]string{"field": validation.Field, "message": validation.Message}
	case errors.As(err, &mismatch):
		return map[string]string{"expected": string(mismatch.Expected), "actual": string(mismatch.Actual)}
	case errors.As(err, &illegal):
		return map[string]string{
			"sample_id": illegal.SampleID,
			"type":      string(illegal.Type),
			"from":      string(illegal.From),
			"to":        string(illegal.To),
			"reason":    illegal.Reason,
		}
	case errors.As(err, &notSlot):
		return map[string]string{"location_id": notSlot.LocationID, "type": string(notSlot.Type)}
	case errors.As(err, &occupied):
		return map[string]string{"slot_id": occupied.SlotID, "occupant_id": occupied.OccupantID}
	case errors.As(err, &witness):
		return map[string]string{"user_id": witness.UserID}
	case errors.As(err, &notFound):
		return map[string]string{"entity": notFound.Entity, "id": notFound.ID}
	}
	return nil
}

// ErrorFromCode rebuilds a typed error from a wire envelope
func ErrorFromCode(code, message string, fields map[string]string) error {
	f := func(key string) string { return fields[key] }
	switch code {
	case ErrValidation:
		return &ValidationError{Field: f("field"), Message: f("message")}
	case ErrTypeMismatch:
		return &TypeMismatchError{Expected: SampleType(f("expected")), Actual: SampleType(f("actual"))}
	case ErrIllegalTransition:
		return &IllegalTransitionError{
			SampleID: f("sample_id"),
			Type:     SampleType(f("type")),
			From:     SampleStatus(f("from")),
			To:       SampleStatus(f("to")),
			Reason:   f("reason"),
		}
	case ErrNotASlot:
		return &NotASlotError{LocationID: f("location_id"), Type: LocationType(f("type"))}
	case ErrSlotOccupied:
		return &SlotOccupiedError{SlotID: f("slot_id"), OccupantID: f("occupant_id")}
	case ErrWitnessConflict:
		return &WitnessConflictError{UserID: f("user_id")}
	case ErrNotFound:
		return &NotFoundError{Entity: f("entity"), ID: f("id")}
	case ErrTransientIO:
		return &TransientIOError{Op: "backend", Err: errors.New(message)}
	}
	return NewAPIError(code, message, "", "")
}
