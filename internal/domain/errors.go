package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Concrete errors wrap one of them so callers can switch with errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrCapacity    = errors.New("capacity exceeded")
	ErrState       = errors.New("invalid state")
	ErrPersistence = errors.New("persistence error")
	ErrConflict    = errors.New("conflict")
)

var (
	ErrRoomNotFound  = fmt.Errorf("%w: room not found", ErrNotFound)
	ErrRoomFull      = fmt.Errorf("%w: room is full", ErrCapacity)
	ErrRoomNotActive = fmt.Errorf("%w: room is not active", ErrState)
	ErrNotJoined     = fmt.Errorf("%w: channel has not joined the room", ErrState)
	ErrAlreadyLeft   = fmt.Errorf("%w: membership already ended", ErrState)
	ErrJoinPending   = fmt.Errorf("%w: join already in progress", ErrState)
	ErrNotInRoom     = fmt.Errorf("%w: user not in the room", ErrNotFound)
	ErrCodeConflict  = fmt.Errorf("%w: room code already in use", ErrConflict)
	ErrInvalidCode   = fmt.Errorf("%w: room code must be 6 characters A-Z or 0-9", ErrValidation)
)

// Validationf builds an ErrValidation with a field-specific message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Persistence wraps a store failure so it is reported as ErrPersistence.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// Wire codes carried by error events and HTTP bodies.
const (
	CodeValidation  = "ValidationError"
	CodeNotFound    = "NotFoundError"
	CodeCapacity    = "CapacityError"
	CodeState       = "StateError"
	CodePersistence = "PersistenceError"
	CodeConflict    = "ConflictError"
	CodeInternal    = "InternalError"
)

func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrCapacity):
		return CodeCapacity
	case errors.Is(err, ErrState):
		return CodeState
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}
