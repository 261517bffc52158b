package entity

import (
	"time"
)

// ReservationStatus represents the status of a reservation
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusCompleted ReservationStatus = "completed"
	ReservationStatusCanceled  ReservationStatus = "canceled"
)

// legalTransitions lists the only forward moves of the reservation lifecycle.
var legalTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationStatusPending: {ReservationStatusCompleted, ReservationStatusCanceled},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// Staying in the same state is not a transition.
func CanTransition(from, to ReservationStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses from which to is reachable.
func Predecessors(to ReservationStatus) []ReservationStatus {
	var out []ReservationStatus
	for from, nexts := range legalTransitions {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// Reservation is the relational booking row. It is the source of truth for
// capacity enforcement. Version is bumped by every write and used for
// compare-and-swap updates.
type Reservation struct {
	ReservationID string            `gorm:"type:varchar(64);primaryKey" json:"reservation_id"`
	PatientID     PatientIdentity   `gorm:"type:varchar(64);not null;index" json:"patient_id"`
	ReservedDate  string            `gorm:"type:varchar(10);not null;index:idx_reservations_slot,priority:1" json:"date"`
	ReservedTime  string            `gorm:"type:varchar(5);not null;index:idx_reservations_slot,priority:2" json:"time"`
	Status        ReservationStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	Version       int               `gorm:"not null;default:1" json:"version"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Reservation) TableName() string {
	return "reservations"
}

// IsPending checks if reservation is in pending status
func (r *Reservation) IsPending() bool {
	return r.Status == ReservationStatusPending
}

// IsCompleted checks if reservation is completed
func (r *Reservation) IsCompleted() bool {
	return r.Status == ReservationStatusCompleted
}

// IsCanceled checks if reservation is canceled
func (r *Reservation) IsCanceled() bool {
	return r.Status == ReservationStatusCanceled
}

// IsActive is true for every non-canceled reservation.
func (r *Reservation) IsActive() bool {
	return !r.IsCanceled()
}

// SlotKey identifies the (date, time) capacity bucket.
func (r *Reservation) SlotKey() string {
	return r.ReservedDate + " " + r.ReservedTime
}

// Ref captures the state a fix expects to find when it writes.
func (r *Reservation) Ref() ReservationRef {
	return ReservationRef{
		ReservationID: r.ReservationID,
		PatientID:     r.PatientID,
		Date:          r.ReservedDate,
		Time:          r.ReservedTime,
		Status:        r.Status,
		Version:       r.Version,
	}
}

// ReservationRef is a reservation as observed at detection time.
type ReservationRef struct {
	ReservationID string            `json:"reservation_id"`
	PatientID     PatientIdentity   `json:"patient_id"`
	Date          string            `json:"date"`
	Time          string            `json:"time"`
	Status        ReservationStatus `json:"status"`
	Version       int               `json:"version"`
}
