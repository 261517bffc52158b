package entity

import (
	"time"
)

// LedgerStatus is the spreadsheet's status column after normalisation.
// An empty cell is LedgerStatusUnset, never a literal status.
type LedgerStatus string

const (
	LedgerStatusUnset     LedgerStatus = ""
	LedgerStatusPending   LedgerStatus = "pending"
	LedgerStatusCompleted LedgerStatus = "completed"
	LedgerStatusCanceled  LedgerStatus = "canceled"
)

// LedgerRecord is the external ledger's typed view of a reservation, addressed
// by the same reservation id as the relational row. It is only ever built by
// the ledger parse boundary.
type LedgerRecord struct {
	ReservationID string          `json:"reservation_id" validate:"required,max=64"`
	PatientID     PatientIdentity `json:"patient_id,omitempty" validate:"required_without=LineUserID,max=64"`
	LineUserID    string          `json:"line_user_id,omitempty" validate:"max=64"`
	DisplayName   string          `json:"display_name,omitempty"`
	Phone         string          `json:"phone,omitempty" validate:"omitempty,e164"`
	Date          string          `json:"date" validate:"required,datetime=2006-01-02"`
	Time          string          `json:"time" validate:"required,datetime=15:04"`
	Status        LedgerStatus    `json:"status" validate:"oneof='' pending completed canceled"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty"`
}

// IsActive is true unless the ledger says the booking was canceled.
func (l *LedgerRecord) IsActive() bool {
	return l.Status != LedgerStatusCanceled
}

func (l *LedgerRecord) IsCompleted() bool {
	return l.Status == LedgerStatusCompleted
}

// SlotKey identifies the (date, time) bucket the ledger schedules this booking in.
func (l *LedgerRecord) SlotKey() string {
	return l.Date + " " + l.Time
}

// LedgerRecordFromReservation renders a relational row for a ledger upsert.
func LedgerRecordFromReservation(r *Reservation, status LedgerStatus) LedgerRecord {
	return LedgerRecord{
		ReservationID: r.ReservationID,
		PatientID:     r.PatientID,
		Date:          r.ReservedDate,
		Time:          r.ReservedTime,
		Status:        status,
	}
}

// LedgerStatusFor maps a relational status to the ledger vocabulary.
func LedgerStatusFor(s ReservationStatus) LedgerStatus {
	switch s {
	case ReservationStatusCanceled:
		return LedgerStatusCanceled
	case ReservationStatusCompleted:
		return LedgerStatusCompleted
	default:
		return LedgerStatusPending
	}
}
