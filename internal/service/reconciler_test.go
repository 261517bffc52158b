package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"clinic-reconciler/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_ScenarioA_GhostCanceled(t *testing.T) {
	f := newFixture(t, 2, newFakeLedger(ledgerRow("R1", "P1", "2026-02-05", "13:00", entity.LedgerStatusCanceled)))
	f.seedPatient(t, "P1", "")
	f.seedReservation(t, "R1", "P1", "2026-02-05", "13:00", entity.ReservationStatusPending, f.now.Add(-24*time.Hour))

	found, results := f.run(t, "2026-02-01", "2026-02-28", false)

	require.Len(t, found, 1)
	assert.Equal(t, entity.KindGhost, found[0].Kind)
	require.Len(t, results, 1)
	assert.Equal(t, entity.OutcomeApplied, results[0].Outcome)
	assert.Equal(t, entity.ReservationStatusCanceled, f.reservation(t, "R1").Status)
	assert.Equal(t, int64(1), f.auditCount(t))
}

func TestReconcile_ScenarioD_DryRunWritesNothing(t *testing.T) {
	f := newFixture(t, 2, newFakeLedger(ledgerRow("R1", "P1", "2026-02-05", "13:00", entity.LedgerStatusCanceled)))
	f.seedPatient(t, "P1", "")
	f.seedReservation(t, "R1", "P1", "2026-02-05", "13:00", entity.ReservationStatusPending, f.now.Add(-24*time.Hour))

	found, results := f.run(t, "2026-02-01", "2026-02-28", true)

	require.Len(t, found, 1)
	assert.Equal(t, entity.KindGhost, found[0].Kind)
	assert.Equal(t, entity.OutcomePlanned, results[0].Outcome)
	assert.Zero(t, totalWrites(results))
	assert.Equal(t, entity.ReservationStatusPending, f.reservation(t, "R1").Status)
	assert.Equal(t, int64(0), f.auditCount(t))
	assert.Empty(t, f.ledger.upserts)
}

func TestReconcile_ScenarioB_DuplicateCollapsed(t *testing.T) {
	f := newFixture(t, 2, newFakeLedger(
		ledgerRow("R1", "P1", "2026-02-05", "10:00", entity.LedgerStatusPending),
		ledgerRow("R2", "P1", "2026-02-05", "11:00", entity.LedgerStatusPending),
	))
	f.seedPatient(t, "P1", "U1")
	early := f.now.Add(-24 * time.Hour)
	f.seedReservation(t, "R1", "P1", "2026-02-05", "10:00", entity.ReservationStatusPending, early)
	f.seedReservation(t, "R2", "P1", "2026-02-05", "11:00", entity.ReservationStatusPending, early.Add(3*time.Minute))
	link := "R2"
	require.NoError(t, f.db.Create(&entity.IntakeRecord{PatientID: "P1", LinkedReservationID: &link}).Error)

	found, results := f.run(t, "2026-02-01", "2026-02-28", false)

	require.Len(t, found, 1)
	assert.Equal(t, entity.KindDuplicate, found[0].Kind)
	assert.Equal(t, entity.OutcomeApplied, results[0].Outcome)

	assert.Equal(t, entity.ReservationStatusPending, f.reservation(t, "R1").Status)
	assert.Equal(t, entity.ReservationStatusCanceled, f.reservation(t, "R2").Status)

	var intake entity.IntakeRecord
	require.NoError(t, f.db.Where("patient_id = ?", "P1").First(&intake).Error)
	assert.Equal(t, "R1", intake.LinkedTo())

	assert.Equal(t, entity.LedgerStatusCanceled, f.ledger.get("R2").Status)
	assert.Equal(t, 1, f.pusher.count(), "the canceled duplicate is visible to the patient")
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t, 1, newFakeLedger(
		ledgerRow("R1", "P1", "2026-02-05", "10:00", entity.LedgerStatusPending),
		ledgerRow("R2", "P1", "2026-02-05", "11:00", entity.LedgerStatusPending),
		ledgerRow("R3", "P2", "2026-02-06", "09:00", entity.LedgerStatusCanceled),
		ledgerRow("R5", "P2", "2026-02-08", "09:00", entity.LedgerStatusPending),
	))
	f.seedPatient(t, "P1", "")
	f.seedPatient(t, "P2", "")
	created := f.now.Add(-24 * time.Hour)
	f.seedReservation(t, "R1", "P1", "2026-02-05", "10:00", entity.ReservationStatusPending, created)
	f.seedReservation(t, "R2", "P1", "2026-02-05", "11:00", entity.ReservationStatusPending, created.Add(time.Minute))
	f.seedReservation(t, "R3", "P2", "2026-02-06", "09:00", entity.ReservationStatusPending, created)
	f.seedReservation(t, "R4", "P2", "2026-02-07", "09:00", entity.ReservationStatusCompleted, created)

	found, results := f.run(t, "2026-02-01", "2026-02-28", false)
	require.NotEmpty(t, found)
	assert.Positive(t, totalWrites(results))
	audits := f.auditCount(t)

	// Same discrepancies again: every fix re-reads state and finds nothing to do.
	again, err := f.reconciler.Reconcile(context.Background(), found, ReconcileOptions{RunID: "rerun"})
	require.NoError(t, err)
	assert.Zero(t, totalWrites(again))
	for _, res := range again {
		assert.Equal(t, entity.OutcomeNoop, res.Outcome, res.Discrepancy.String())
	}

	// A fresh detection finds nothing left.
	rescan, results := f.run(t, "2026-02-01", "2026-02-28", false)
	assert.Empty(t, rescan)
	assert.Zero(t, totalWrites(results))
	assert.Equal(t, audits, f.auditCount(t))
}

func TestReconcile_NoDoubleBookingAfterRepair(t *testing.T) {
	f := newFixture(t, 1, newFakeLedger(
		ledgerRow("R1", "P1", "2026-02-05", "10:00", entity.LedgerStatusPending),
		ledgerRow("R2", "P2", "2026-02-05", "10:00", entity.LedgerStatusPending),
		ledgerRow("R3", "P3", "2026-02-05", "10:00", entity.LedgerStatusPending),
	))
	created := f.now.Add(-24 * time.Hour)
	for i, id := range []string{"P1", "P2"} {
		f.seedPatient(t, entity.PatientIdentity(id), "")
		f.seedReservation(t, "R"+id[1:], entity.PatientIdentity(id), "2026-02-05", "10:00", entity.ReservationStatusPending, created.Add(time.Duration(i)*time.Minute))
	}
	f.seedPatient(t, "P3", "")

	f.run(t, "2026-02-01", "2026-02-28", false)

	var active int64
	require.NoError(t, f.db.Model(&entity.Reservation{}).
		Where("reserved_date = ? AND reserved_time = ? AND status != ?", "2026-02-05", "10:00", entity.ReservationStatusCanceled).
		Count(&active).Error)
	assert.Equal(t, int64(1), active)
	assert.Equal(t, entity.ReservationStatusPending, f.reservation(t, "R1").Status)

	var missing int64
	require.NoError(t, f.db.Model(&entity.Reservation{}).Where("reservation_id = ?", "R3").Count(&missing).Error)
	assert.Zero(t, missing, "ledger-only booking in a full slot is escalated, not inserted")
}

func TestReconcile_SlotStaysWithinCapacityWhenPatientDayCollapses(t *testing.T) {
	f := newFixture(t, 1, newFakeLedger(
		ledgerRow("RA", "Q1", "2026-02-05", "13:00", entity.LedgerStatusPending),
		ledgerRow("RB", "P1", "2026-02-05", "13:00", entity.LedgerStatusPending),
		ledgerRow("RC", "P1", "2026-02-05", "15:00", entity.LedgerStatusPending),
	))
	f.seedPatient(t, "Q1", "")
	f.seedPatient(t, "P1", "")
	created := f.now.Add(-24 * time.Hour)
	f.seedReservation(t, "RA", "Q1", "2026-02-05", "13:00", entity.ReservationStatusPending, created)
	f.seedReservation(t, "RB", "P1", "2026-02-05", "13:00", entity.ReservationStatusPending, created.Add(time.Minute))
	f.seedReservation(t, "RC", "P1", "2026-02-05", "15:00", entity.ReservationStatusPending, created.Add(2*time.Minute))

	f.run(t, "2026-02-01", "2026-02-28", false)

	var active int64
	require.NoError(t, f.db.Model(&entity.Reservation{}).
		Where("reserved_date = ? AND reserved_time = ? AND status != ?", "2026-02-05", "13:00", entity.ReservationStatusCanceled).
		Count(&active).Error)
	assert.Equal(t, int64(1), active)
	assert.Equal(t, entity.ReservationStatusPending, f.reservation(t, "RA").Status)
	assert.Equal(t, entity.ReservationStatusCanceled, f.reservation(t, "RB").Status)
	assert.Equal(t, entity.ReservationStatusPending, f.reservation(t, "RC").Status)

	rescan := f.detect(t, "2026-02-01", "2026-02-28")
	assert.Empty(t, rescan)
}

func TestReconcile_StaleStateIsReportedAsFailure(t *testing.T) {
	f := newFixture(t, 2, newFakeLedger(ledgerRow("R1", "P1", "2026-02-05", "13:00", entity.LedgerStatusCanceled)))
	f.seedPatient(t, "P1", "")
	f.seedReservation(t, "R1", "P1", "2026-02-05", "13:00", entity.ReservationStatusPending, f.now.Add(-24*time.Hour))

	found := f.detect(t, "2026-02-01", "2026-02-28")
	require.Len(t, found, 1)

	// The clinic completes the visit between detection and repair.
	require.NoError(t, f.db.Model(&entity.Reservation{}).Where("reservation_id = ?", "R1").
		Update("status", entity.ReservationStatusCompleted).Error)

	results, err := f.reconciler.Reconcile(context.Background(), found, ReconcileOptions{RunID: "race"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, entity.OutcomeFailed, results[0].Outcome)
	assert.Contains(t, results[0].Error, entity.ErrStaleState.Error())
	assert.Equal(t, entity.ReservationStatusCompleted, f.reservation(t, "R1").Status)
}

func TestReconcile_RelinksTemporaryIdentity(t *testing.T) {
	f := newFixture(t, 2, newFakeLedger(ledgerRow("R1", "100", "2026-02-05", "10:00", entity.LedgerStatusPending)))
	f.seedPatient(t, "LINE_U1", "U1")
	f.seedPatient(t, "100", "")
	f.seedReservation(t, "R1", "LINE_U1", "2026-02-05", "10:00", entity.ReservationStatusPending, f.now.Add(-time.Hour))

	found, results := f.run(t, "2026-02-01", "2026-02-28", false)

	require.Len(t, found, 1)
	assert.Equal(t, entity.KindOrphanedIdentity, found[0].Kind)
	assert.Equal(t, entity.OutcomeApplied, results[0].Outcome)

	assert.Equal(t, entity.PatientIdentity("100"), f.reservation(t, "R1").PatientID)
	var perm, temp entity.Patient
	require.NoError(t, f.db.Where("patient_id = ?", "100").First(&perm).Error)
	require.NoError(t, f.db.Where("patient_id = ?", "LINE_U1").First(&temp).Error)
	assert.Equal(t, "U1", perm.ChatID())
	assert.Empty(t, temp.ChatID())
	require.NotNil(t, temp.MergedInto)
	assert.Equal(t, entity.PatientIdentity("100"), *temp.MergedInto)
	assert.Zero(t, f.pusher.count(), "identity relinks are not visible changes")

	rescan, _ := f.run(t, "2026-02-01", "2026-02-28", false)
	assert.Empty(t, rescan)
}

func TestReconcile_IdentityConflictNeedsReview(t *testing.T) {
	f := newFixture(t, 2, newFakeLedger(ledgerRow("R1", "100", "2026-02-05", "10:00", entity.LedgerStatusPending)))
	f.seedPatient(t, "LINE_U1", "U1")
	f.seedPatient(t, "100", "U9")
	f.seedReservation(t, "R1", "LINE_U1", "2026-02-05", "10:00", entity.ReservationStatusPending, f.now.Add(-time.Hour))

	_, dry := f.run(t, "2026-02-01", "2026-02-28", true)
	require.Len(t, dry, 1)
	assert.Equal(t, entity.OutcomeReview, dry[0].Outcome)

	_, results := f.run(t, "2026-02-01", "2026-02-28", false)
	require.Len(t, results, 1)
	assert.Equal(t, entity.OutcomeReview, results[0].Outcome)
	assert.Equal(t, entity.PatientIdentity("LINE_U1"), f.reservation(t, "R1").PatientID)
}

func TestReconcile_LedgerFollowUpFailureKeepsRelationalFix(t *testing.T) {
	ledger := newFakeLedger(
		ledgerRow("R1", "P1", "2026-02-05", "10:00", entity.LedgerStatusPending),
		ledgerRow("R2", "P1", "2026-02-05", "11:00", entity.LedgerStatusPending),
	)
	f := newFixture(t, 2, ledger)
	f.seedPatient(t, "P1", "")
	created := f.now.Add(-time.Hour)
	f.seedReservation(t, "R1", "P1", "2026-02-05", "10:00", entity.ReservationStatusPending, created)
	f.seedReservation(t, "R2", "P1", "2026-02-05", "11:00", entity.ReservationStatusPending, created.Add(time.Minute))
	ledger.writeErr = errors.New("boom")

	_, results := f.run(t, "2026-02-01", "2026-02-28", false)

	require.Len(t, results, 1)
	assert.Equal(t, entity.OutcomeFailed, results[0].Outcome)
	assert.Contains(t, results[0].Error, entity.ErrRepairFailed.Error())
	assert.Equal(t, entity.ReservationStatusCanceled, f.reservation(t, "R2").Status)
}

func TestReconcile_InsertsMissingAndSettlesReorder(t *testing.T) {
	f := newFixture(t, 2, newFakeLedger(ledgerRow("R9", "P1", "2026-02-07", "09:00", entity.LedgerStatusPending)))
	f.seedPatient(t, "P1", "")
	created := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	paid := created.Add(time.Hour)
	require.NoError(t, f.db.Create(&entity.ReorderRequest{PatientID: "P1", ProductCode: "RX-1", Status: entity.ReorderStatusConfirmed, Version: 1, CreatedAt: created}).Error)
	require.NoError(t, f.db.Create(&entity.Order{ID: "O1", PatientID: "P1", ProductCode: "RX-1", PaidAt: &paid}).Error)

	found, results := f.run(t, "2026-02-01", "2026-02-28", false)

	assert.ElementsMatch(t, []entity.DiscrepancyKind{entity.KindMissingReservation, entity.KindReorderUnsettled}, kinds(found))
	for _, res := range results {
		assert.Equal(t, entity.OutcomeApplied, res.Outcome, res.Discrepancy.String())
	}
	inserted := f.reservation(t, "R9")
	assert.Equal(t, entity.ReservationStatusPending, inserted.Status)
	assert.Equal(t, entity.PatientIdentity("P1"), inserted.PatientID)

	var reorder entity.ReorderRequest
	require.NoError(t, f.db.First(&reorder).Error)
	assert.Equal(t, entity.ReorderStatusPaid, reorder.Status)
	require.NotNil(t, reorder.PaidAt)
}

func TestReconcile_CanceledContextSkipsRemaining(t *testing.T) {
	f := newFixture(t, 2, newFakeLedger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	found := []entity.Discrepancy{{Kind: entity.KindGhost, ProposedFix: entity.ProposedFix{Action: entity.FixCancelReservations}}}
	results, err := f.reconciler.Reconcile(ctx, found, ReconcileOptions{RunID: "aborted"})

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.Equal(t, entity.OutcomeSkipped, results[0].Outcome)
}
