package entity

import (
	"fmt"
	"time"
)

// DiscrepancyKind classifies drift between the relational store and the ledger.
type DiscrepancyKind string

const (
	KindOrphanedIdentity   DiscrepancyKind = "orphaned_identity"
	KindDuplicate          DiscrepancyKind = "duplicate"
	KindGhost              DiscrepancyKind = "ghost"
	KindStaleStatus        DiscrepancyKind = "stale_status"
	KindStaleIntakeLink    DiscrepancyKind = "stale_intake_link"
	KindRescheduled        DiscrepancyKind = "rescheduled"
	KindMissingReservation DiscrepancyKind = "missing_reservation"
	KindLedgerStale        DiscrepancyKind = "ledger_stale"
	KindReorderUnsettled   DiscrepancyKind = "reorder_unsettled"
)

// repairOrder is the order in which the reconciler applies fixes. Identity
// fixes go first because they can change how later records classify.
var repairOrder = []DiscrepancyKind{
	KindOrphanedIdentity,
	KindDuplicate,
	KindGhost,
	KindStaleStatus,
	KindStaleIntakeLink,
	KindRescheduled,
	KindMissingReservation,
	KindLedgerStale,
	KindReorderUnsettled,
}

// AllKinds returns every kind in repair order.
func AllKinds() []DiscrepancyKind {
	out := make([]DiscrepancyKind, len(repairOrder))
	copy(out, repairOrder)
	return out
}

// Priority is the kind's position in repair order.
func (k DiscrepancyKind) Priority() int {
	for i, kind := range repairOrder {
		if kind == k {
			return i
		}
	}
	return len(repairOrder)
}

type FixAction string

const (
	FixRelinkIdentity      FixAction = "relink_identity"
	FixCancelReservations  FixAction = "cancel_reservations"
	FixCompleteReservation FixAction = "complete_reservation"
	FixUnlinkIntake        FixAction = "unlink_intake"
	FixReschedule          FixAction = "reschedule_reservation"
	FixInsertReservation   FixAction = "insert_reservation"
	FixLedgerUpsert        FixAction = "ledger_upsert"
	FixSettleReorder       FixAction = "settle_reorder"
	FixEscalate            FixAction = "escalate"
)

// EntityRef points at one record touched by a discrepancy.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

const (
	RefReservation = "reservation"
	RefLedger      = "ledger"
	RefIntake      = "intake"
	RefPatient     = "patient"
	RefReorder     = "reorder"
	RefOrder       = "order"
)

// IdentityFix asks the identity resolver to link a chat id (and optionally a
// temporary row) to a permanent identity, then move history onto it.
type IdentityFix struct {
	ChatID      string          `json:"chat_id,omitempty"`
	PermanentID PatientIdentity `json:"permanent_id,omitempty"`
	TemporaryID PatientIdentity `json:"temporary_id,omitempty"`
}

type IntakeLinkFix struct {
	IntakeID int64   `json:"intake_id"`
	From     string  `json:"from"`
	To       *string `json:"to"`
}

type RescheduleFix struct {
	Reservation ReservationRef `json:"reservation"`
	Date        string         `json:"date"`
	Time        string         `json:"time"`
}

type InsertFix struct {
	ReservationID string            `json:"reservation_id"`
	PatientID     PatientIdentity   `json:"patient_id"`
	Date          string            `json:"date"`
	Time          string            `json:"time"`
	Status        ReservationStatus `json:"status"`
}

type ReorderFix struct {
	ReorderID int64         `json:"reorder_id"`
	Version   int           `json:"version"`
	From      ReorderStatus `json:"from"`
	To        ReorderStatus `json:"to"`
	OrderID   string        `json:"order_id"`
	PaidAt    *time.Time    `json:"paid_at,omitempty"`
}

// ProposedFix is the minimal correction for a discrepancy. All relational
// parts are applied in one transaction; LedgerWrites run after it commits.
type ProposedFix struct {
	Action       FixAction         `json:"action"`
	Keep         *ReservationRef   `json:"keep,omitempty"`
	Cancel       []ReservationRef  `json:"cancel,omitempty"`
	Complete     []ReservationRef  `json:"complete,omitempty"`
	Reschedule   *RescheduleFix    `json:"reschedule,omitempty"`
	Insert       *InsertFix        `json:"insert,omitempty"`
	Identity     *IdentityFix      `json:"identity,omitempty"`
	Intakes      []IntakeLinkFix   `json:"intakes,omitempty"`
	LedgerWrites []LedgerRecord    `json:"ledger_writes,omitempty"`
	Reorder      *ReorderFix       `json:"reorder,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Candidates   []PatientIdentity `json:"candidates,omitempty"`
}

// NeedsReview is true when no automatic correction exists.
func (f ProposedFix) NeedsReview() bool {
	return f.Action == FixEscalate
}

// Discrepancy is one classified drift with the fix the reconciler would apply.
// Detection never mutates state; it only produces these.
type Discrepancy struct {
	Kind        DiscrepancyKind `json:"kind"`
	PatientID   PatientIdentity `json:"patient_id,omitempty"`
	EntityRefs  []EntityRef     `json:"entity_refs"`
	Detail      string          `json:"detail"`
	ProposedFix ProposedFix     `json:"proposed_fix"`
}

func (d *Discrepancy) String() string {
	return fmt.Sprintf("%s[%s] %s", d.Kind, d.PatientID, d.Detail)
}

// ChangeKind names a correction the patient can see in their booking view.
type ChangeKind string

const (
	ChangeReservationCanceled    ChangeKind = "reservation_canceled"
	ChangeReservationRescheduled ChangeKind = "reservation_rescheduled"
)

// VisibleChange is what the notifier may tell a patient about.
type VisibleChange struct {
	Kind          ChangeKind `json:"kind"`
	ReservationID string     `json:"reservation_id"`
	Date          string     `json:"date"`
	Time          string     `json:"time"`
}

// Key identifies the change for at-most-once delivery.
func (c VisibleChange) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s", c.Kind, c.ReservationID, c.Date, c.Time)
}

// VisibleChanges derives the patient-visible effects of a fix. Identity
// relinks, completions and intake bookkeeping are internal.
func (f ProposedFix) VisibleChanges() []VisibleChange {
	var changes []VisibleChange
	for _, ref := range f.Cancel {
		changes = append(changes, VisibleChange{
			Kind:          ChangeReservationCanceled,
			ReservationID: ref.ReservationID,
			Date:          ref.Date,
			Time:          ref.Time,
		})
	}
	if f.Reschedule != nil {
		changes = append(changes, VisibleChange{
			Kind:          ChangeReservationRescheduled,
			ReservationID: f.Reschedule.Reservation.ReservationID,
			Date:          f.Reschedule.Date,
			Time:          f.Reschedule.Time,
		})
	}
	return changes
}
