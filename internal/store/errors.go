package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid ticket transition")
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
	ErrInvalidInput        = errors.New("invalid input")
)

var (
	ErrServiceNotFound = notFoundError{"service"}
	ErrCounterNotFound = notFoundError{"counter"}
	ErrTicketNotFound  = notFoundError{"ticket"}
	ErrPatientNotFound = notFoundError{"patient"}
)

var (
	ErrServiceInactive   = errors.New("service inactive")
	ErrCounterInactive   = errors.New("counter inactive")
	ErrCounterMismatch   = errors.New("counter mismatch")
	ErrCounterRequired   = errors.New("counter required")
	ErrSequenceExhausted = errors.New("ticket sequence exhausted for today")
	ErrDuplicateMRN      = errors.New("medical record number already in use")
	ErrCounterBusy       = counterBusyError{}
)

type notFoundError struct {
	entity string
}

func (e notFoundError) Error() string { return e.entity + " not found" }

func (e notFoundError) Is(target error) bool { return target == ErrNotFound }

// TransitionError describes a rejected state change. The ticket is left as it was.
type TransitionError struct {
	Action string
	From   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s ticket in status %s", e.Action, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type counterBusyError struct{}

func (counterBusyError) Error() string { return "counter already has an active ticket" }

func (counterBusyError) Is(target error) bool { return target == ErrInvalidTransition }
