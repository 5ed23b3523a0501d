package engine

import (
	"errors"
	"fmt"

	"jobflow/internal/repo"
)

// Guard reasons.
const (
	ReasonNoSuchTransition = "no_such_transition"
	ReasonNoteRequired     = "note_required"
	ReasonPartsRequired    = "parts_required"
)

// ErrConcurrencyConflict is returned when a racing writer moved the job first.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a missing job, status, criterion or person.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == repo.ErrNotFound
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// GuardViolation reports a transition that is illegal or whose guard failed.
type GuardViolation struct {
	Reason string
	From   string
	To     string
	Role   string
}

func (e *GuardViolation) Error() string {
	switch e.Reason {
	case ReasonNoteRequired:
		return fmt.Sprintf("transition %s->%s requires a note", e.From, e.To)
	case ReasonPartsRequired:
		return fmt.Sprintf("transition %s->%s requires parts on the job", e.From, e.To)
	default:
		return fmt.Sprintf("no transition %s->%s for role %s", e.From, e.To, e.Role)
	}
}

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// persistence wraps err unless it is already one of the typed engine errors.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsValidation(err) || IsNotFound(err) || IsGuardViolation(err) || IsConcurrencyConflict(err) || IsPersistence(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) || errors.Is(err, repo.ErrNotFound)
}

func IsGuardViolation(err error) bool {
	var g *GuardViolation
	return errors.As(err, &g)
}

func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

func IsPersistence(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}
