package entity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLedgerUnavailable means the ledger could not be read or written. It
	// carries no information about whether a record exists.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrLedgerMalformed is returned when ledger data fails the parse boundary.
	// It wraps ErrLedgerUnavailable: a row we cannot read is unknown, not absent.
	ErrLedgerMalformed = fmt.Errorf("%w: malformed ledger data", ErrLedgerUnavailable)

	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrIdentityConflict    = errors.New("identity conflict requires human review")
	ErrRepairFailed        = errors.New("repair failed")
	ErrStaleState          = errors.New("state changed since detection")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidDateRange    = errors.New("invalid date range, use YYYY-MM-DD and from <= to")
)

// TransitionError describes a rejected reservation status change.
type TransitionError struct {
	ReservationID string
	From          ReservationStatus
	To            ReservationStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition for reservation %s: %s -> %s", e.ReservationID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// IdentityConflictError lists the identities that claim the same chat id, or
// the pair that cannot be merged automatically.
type IdentityConflictError struct {
	ChatID    string
	Claimants []PatientIdentity
	Reason    string
}

func (e *IdentityConflictError) Error() string {
	ids := make([]string, len(e.Claimants))
	for i, c := range e.Claimants {
		ids[i] = string(c)
	}
	return fmt.Sprintf("identity conflict for chat id %q (%s): %s", e.ChatID, strings.Join(ids, ", "), e.Reason)
}

func (e *IdentityConflictError) Is(target error) bool {
	return target == ErrIdentityConflict
}
