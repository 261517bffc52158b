package service

import (
	"testing"
	"time"

	"clinic-reconciler/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var detectNow = time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)

func newDetector(capacity int) DriftDetector {
	return NewDriftDetector(DetectorConfig{SlotCapacity: capacity, GhostGracePeriod: 10 * time.Minute, PhoneRegion: "JP"})
}

func pending(id string, patient entity.PatientIdentity, date, slot string, created time.Time) entity.Reservation {
	return entity.Reservation{
		ReservationID: id,
		PatientID:     patient,
		ReservedDate:  date,
		ReservedTime:  slot,
		Status:        entity.ReservationStatusPending,
		Version:       1,
		CreatedAt:     created,
	}
}

func snapshotOf(patients []entity.Patient, reservations ...entity.Reservation) *entity.Snapshot {
	snap := entity.NewSnapshot("2026-02-01", "2026-02-28")
	snap.AddPatients(patients)
	snap.AddReservations(reservations)
	return snap
}

func ledgerOf(t *testing.T, rows ...entity.LedgerRecord) *entity.LedgerView {
	t.Helper()
	view := entity.NewLedgerView("2026-02-01", "2026-02-28")
	require.NoError(t, view.Add(rows))
	return view
}

func TestDetect_GhostWhenLedgerCanceled(t *testing.T) {
	created := detectNow.Add(-48 * time.Hour)
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}}, pending("R1", "P1", "2026-02-05", "13:00", created))
	ledger := ledgerOf(t, ledgerRow("R1", "P1", "2026-02-05", "13:00", entity.LedgerStatusCanceled))

	found := newDetector(2).Detect(snap, ledger, detectNow)

	require.Len(t, found, 1)
	assert.Equal(t, entity.KindGhost, found[0].Kind)
	assert.Equal(t, entity.FixCancelReservations, found[0].ProposedFix.Action)
	require.Len(t, found[0].ProposedFix.Cancel, 1)
	assert.Equal(t, "R1", found[0].ProposedFix.Cancel[0].ReservationID)
}

func TestDetect_GhostRespectsGracePeriod(t *testing.T) {
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}}, pending("R1", "P1", "2026-02-05", "13:00", detectNow.Add(-time.Minute)))

	found := newDetector(2).Detect(snap, ledgerOf(t), detectNow)

	assert.Empty(t, found)
}

func TestDetect_CompletedIsNeverGhost(t *testing.T) {
	r := pending("R1", "P1", "2026-02-05", "13:00", detectNow.Add(-48*time.Hour))
	r.Status = entity.ReservationStatusCompleted
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}}, r)

	found := newDetector(2).Detect(snap, ledgerOf(t), detectNow)

	require.Len(t, found, 1)
	assert.Equal(t, entity.KindLedgerStale, found[0].Kind)
	require.Len(t, found[0].ProposedFix.LedgerWrites, 1)
	assert.Equal(t, entity.LedgerStatusCompleted, found[0].ProposedFix.LedgerWrites[0].Status)
}

func TestDetect_DuplicateKeepsEarliestAndMovesIntake(t *testing.T) {
	early := detectNow.Add(-24 * time.Hour)
	late := early.Add(3 * time.Minute)
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}},
		pending("R1", "P1", "2026-02-05", "10:00", early),
		pending("R2", "P1", "2026-02-05", "11:00", late),
	)
	link := "R2"
	snap.AddIntakes([]entity.IntakeRecord{{ID: 7, PatientID: "P1", LinkedReservationID: &link}})
	ledger := ledgerOf(t,
		ledgerRow("R1", "P1", "2026-02-05", "10:00", entity.LedgerStatusPending),
		ledgerRow("R2", "P1", "2026-02-05", "11:00", entity.LedgerStatusPending),
	)

	found := newDetector(2).Detect(snap, ledger, detectNow)

	require.Len(t, found, 1)
	d := found[0]
	assert.Equal(t, entity.KindDuplicate, d.Kind)
	require.NotNil(t, d.ProposedFix.Keep)
	assert.Equal(t, "R1", d.ProposedFix.Keep.ReservationID)
	require.Len(t, d.ProposedFix.Cancel, 1)
	assert.Equal(t, "R2", d.ProposedFix.Cancel[0].ReservationID)
	require.Len(t, d.ProposedFix.Intakes, 1)
	require.NotNil(t, d.ProposedFix.Intakes[0].To)
	assert.Equal(t, "R1", *d.ProposedFix.Intakes[0].To)
	require.Len(t, d.ProposedFix.LedgerWrites, 1)
	assert.Equal(t, "R2", d.ProposedFix.LedgerWrites[0].ReservationID)
	assert.Equal(t, entity.LedgerStatusCanceled, d.ProposedFix.LedgerWrites[0].Status)
}

func TestDetect_DuplicateTieBreakPrefersLedgerMatch(t *testing.T) {
	created := detectNow.Add(-24 * time.Hour)
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}},
		pending("R1", "P1", "2026-02-05", "10:00", created),
		pending("R2", "P1", "2026-02-05", "11:00", created),
	)
	ledger := ledgerOf(t, ledgerRow("R2", "P1", "2026-02-05", "11:00", entity.LedgerStatusPending))

	found := newDetector(2).Detect(snap, ledger, detectNow)

	require.Len(t, found, 1)
	require.NotNil(t, found[0].ProposedFix.Keep)
	assert.Equal(t, "R2", found[0].ProposedFix.Keep.ReservationID)
	assert.Equal(t, "R1", found[0].ProposedFix.Cancel[0].ReservationID)
	assert.Empty(t, found[0].ProposedFix.LedgerWrites)
}

func TestDetect_DuplicateWithCompletedLoserEscalates(t *testing.T) {
	created := detectNow.Add(-24 * time.Hour)
	done := pending("R2", "P1", "2026-02-05", "11:00", created.Add(time.Minute))
	done.Status = entity.ReservationStatusCompleted
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}}, pending("R1", "P1", "2026-02-05", "10:00", created), done)
	ledger := ledgerOf(t,
		ledgerRow("R1", "P1", "2026-02-05", "10:00", entity.LedgerStatusPending),
		ledgerRow("R2", "P1", "2026-02-05", "11:00", entity.LedgerStatusCompleted),
	)

	found := newDetector(2).Detect(snap, ledger, detectNow)

	require.Len(t, found, 1)
	assert.Equal(t, entity.KindDuplicate, found[0].Kind)
	assert.True(t, found[0].ProposedFix.NeedsReview())
}

func TestDetect_SlotOverCapacity(t *testing.T) {
	created := detectNow.Add(-24 * time.Hour)
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}, {PatientID: "P2"}},
		pending("R1", "P1", "2026-02-05", "10:00", created),
		pending("R2", "P2", "2026-02-05", "10:00", created.Add(time.Second)),
	)
	ledger := ledgerOf(t,
		ledgerRow("R1", "P1", "2026-02-05", "10:00", entity.LedgerStatusPending),
		ledgerRow("R2", "P2", "2026-02-05", "10:00", entity.LedgerStatusPending),
	)

	assert.Empty(t, newDetector(2).Detect(snap, ledger, detectNow))

	found := newDetector(1).Detect(snap, ledger, detectNow)
	require.Len(t, found, 1)
	assert.Equal(t, entity.KindDuplicate, found[0].Kind)
	assert.Nil(t, found[0].ProposedFix.Keep)
	require.Len(t, found[0].ProposedFix.Cancel, 1)
	assert.Equal(t, "R2", found[0].ProposedFix.Cancel[0].ReservationID)
}

func TestDetect_PatientDayKeeperKeepsItsSeat(t *testing.T) {
	created := detectNow.Add(-24 * time.Hour)
	snap := snapshotOf([]entity.Patient{{PatientID: "Q1"}, {PatientID: "P1"}},
		pending("RA", "Q1", "2026-02-05", "13:00", created),
		pending("RB", "P1", "2026-02-05", "13:00", created.Add(time.Minute)),
		pending("RC", "P1", "2026-02-05", "15:00", created.Add(2*time.Minute)),
	)
	ledger := ledgerOf(t,
		ledgerRow("RA", "Q1", "2026-02-05", "13:00", entity.LedgerStatusPending),
		ledgerRow("RB", "P1", "2026-02-05", "13:00", entity.LedgerStatusPending),
		ledgerRow("RC", "P1", "2026-02-05", "15:00", entity.LedgerStatusPending),
	)

	found := newDetector(1).Detect(snap, ledger, detectNow)

	require.Len(t, found, 1)
	d := found[0]
	assert.Equal(t, entity.KindDuplicate, d.Kind)
	require.NotNil(t, d.ProposedFix.Keep)
	assert.Equal(t, "RC", d.ProposedFix.Keep.ReservationID)
	require.Len(t, d.ProposedFix.Cancel, 1)
	assert.Equal(t, "RB", d.ProposedFix.Cancel[0].ReservationID)
	assertSlotsWithinCapacity(t, snap, found, 1)
}

func TestDetect_SlotOverflowCountsHeldSeatsFirst(t *testing.T) {
	created := detectNow.Add(-24 * time.Hour)
	doneA := pending("RA", "P1", "2026-02-05", "10:00", created.Add(time.Minute))
	doneA.Status = entity.ReservationStatusCompleted
	doneB := pending("RB", "P2", "2026-02-05", "10:00", created.Add(2*time.Minute))
	doneB.Status = entity.ReservationStatusCompleted
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}, {PatientID: "P2"}, {PatientID: "P3"}},
		pending("RC", "P3", "2026-02-05", "10:00", created),
		doneA, doneB,
	)
	ledger := ledgerOf(t,
		ledgerRow("RA", "P1", "2026-02-05", "10:00", entity.LedgerStatusCompleted),
		ledgerRow("RB", "P2", "2026-02-05", "10:00", entity.LedgerStatusCompleted),
		ledgerRow("RC", "P3", "2026-02-05", "10:00", entity.LedgerStatusPending),
	)

	found := newDetector(1).Detect(snap, ledger, detectNow)

	require.Len(t, found, 2)
	var cancel, review *entity.Discrepancy
	for i := range found {
		assert.Equal(t, entity.KindDuplicate, found[i].Kind)
		if found[i].ProposedFix.NeedsReview() {
			review = &found[i]
		} else {
			cancel = &found[i]
		}
	}
	require.NotNil(t, cancel)
	require.Len(t, cancel.ProposedFix.Cancel, 1)
	assert.Equal(t, "RC", cancel.ProposedFix.Cancel[0].ReservationID, "completed visits hold their seats")
	require.NotNil(t, review)
	assert.Equal(t, []entity.EntityRef{{Type: entity.RefReservation, ID: "RB"}}, review.EntityRefs)
}

// assertSlotsWithinCapacity applies the planned cancels to snap and checks
// every slot afterwards.
func assertSlotsWithinCapacity(t *testing.T, snap *entity.Snapshot, found []entity.Discrepancy, capacity int) {
	t.Helper()
	canceled := make(map[string]bool)
	for _, d := range found {
		for _, ref := range d.ProposedFix.Cancel {
			canceled[ref.ReservationID] = true
		}
	}
	active := make(map[string]int)
	for _, r := range snap.Reservations {
		if r.IsActive() && !canceled[r.ReservationID] {
			active[r.SlotKey()]++
		}
	}
	for slot, n := range active {
		assert.LessOrEqual(t, n, capacity, "slot %s over capacity after repair", slot)
	}
}

func TestDetect_StaleStatusFromReviewedIntake(t *testing.T) {
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}}, pending("R1", "P1", "2026-02-05", "10:00", detectNow.Add(-time.Hour)))
	link := "R1"
	snap.AddIntakes([]entity.IntakeRecord{{ID: 1, PatientID: "P1", LinkedReservationID: &link, ReviewStatus: entity.ReviewStatusApproved}})
	// Even with the ledger saying canceled, a signed-off visit is completed, not a ghost.
	ledger := ledgerOf(t, ledgerRow("R1", "P1", "2026-02-05", "10:00", entity.LedgerStatusCanceled))

	found := newDetector(2).Detect(snap, ledger, detectNow)

	require.Len(t, found, 1)
	assert.Equal(t, entity.KindStaleStatus, found[0].Kind)
	require.Len(t, found[0].ProposedFix.Complete, 1)
	assert.Equal(t, "R1", found[0].ProposedFix.Complete[0].ReservationID)
}

func TestDetect_RescheduledFollowsLedger(t *testing.T) {
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}}, pending("R1", "P1", "2026-02-05", "10:00", detectNow.Add(-time.Hour)))
	ledger := ledgerOf(t, ledgerRow("R1", "P1", "2026-02-06", "15:30", entity.LedgerStatusPending))

	found := newDetector(2).Detect(snap, ledger, detectNow)

	require.Len(t, found, 1)
	assert.Equal(t, entity.KindRescheduled, found[0].Kind)
	require.NotNil(t, found[0].ProposedFix.Reschedule)
	assert.Equal(t, "2026-02-06", found[0].ProposedFix.Reschedule.Date)
	assert.Equal(t, "15:30", found[0].ProposedFix.Reschedule.Time)
}

func TestDetect_MissingReservationInsertsOrEscalates(t *testing.T) {
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}, {PatientID: "P2"}},
		pending("R1", "P2", "2026-02-05", "10:00", detectNow.Add(-time.Hour)),
	)
	ledger := ledgerOf(t,
		ledgerRow("R1", "P2", "2026-02-05", "10:00", entity.LedgerStatusPending),
		ledgerRow("R9", "P1", "2026-02-07", "09:00", entity.LedgerStatusUnset),
		ledgerRow("R8", "P1", "2026-02-05", "10:00", entity.LedgerStatusPending),
		ledgerRow("R7", "NOBODY", "2026-02-08", "09:00", entity.LedgerStatusPending),
	)

	found := newDetector(1).Detect(snap, ledger, detectNow)

	byRef := make(map[string]entity.Discrepancy)
	for _, d := range found {
		byRef[d.EntityRefs[0].ID] = d
	}
	require.Len(t, byRef, 3)

	assert.Equal(t, entity.KindMissingReservation, byRef["R9"].Kind)
	require.NotNil(t, byRef["R9"].ProposedFix.Insert)
	assert.Equal(t, entity.ReservationStatusPending, byRef["R9"].ProposedFix.Insert.Status)

	assert.Equal(t, entity.KindMissingReservation, byRef["R8"].Kind)
	assert.True(t, byRef["R8"].ProposedFix.NeedsReview(), "slot 2026-02-05 10:00 is full")

	assert.Equal(t, entity.KindOrphanedIdentity, byRef["R7"].Kind)
	assert.True(t, byRef["R7"].ProposedFix.NeedsReview())
}

func TestDetect_OrphanedTemporaryIdentity(t *testing.T) {
	chat := "U1"
	snap := snapshotOf([]entity.Patient{
		{PatientID: "LINE_U1", LineUserID: &chat},
		{PatientID: "100"},
	}, pending("R1", "LINE_U1", "2026-02-05", "10:00", detectNow.Add(-time.Hour)))
	ledger := ledgerOf(t, ledgerRow("R1", "100", "2026-02-05", "10:00", entity.LedgerStatusPending))

	found := newDetector(2).Detect(snap, ledger, detectNow)

	require.Len(t, found, 1)
	d := found[0]
	assert.Equal(t, entity.KindOrphanedIdentity, d.Kind)
	assert.Equal(t, entity.FixRelinkIdentity, d.ProposedFix.Action)
	require.NotNil(t, d.ProposedFix.Identity)
	assert.Equal(t, "U1", d.ProposedFix.Identity.ChatID)
	assert.Equal(t, entity.PatientIdentity("100"), d.ProposedFix.Identity.PermanentID)
	assert.Equal(t, entity.PatientIdentity("LINE_U1"), d.ProposedFix.Identity.TemporaryID)
}

func TestDetect_TwoPermanentIdentitiesEscalateWithPhoneCandidates(t *testing.T) {
	snap := snapshotOf([]entity.Patient{
		{PatientID: "100", PhoneNumber: "+819012345678"},
		{PatientID: "200"},
		{PatientID: "300", PhoneNumber: "+819012345678"},
	}, pending("R1", "100", "2026-02-05", "10:00", detectNow.Add(-time.Hour)))
	row := ledgerRow("R1", "200", "2026-02-05", "10:00", entity.LedgerStatusPending)
	row.Phone = "+819012345678"
	ledger := ledgerOf(t, row)

	found := newDetector(2).Detect(snap, ledger, detectNow)

	require.Len(t, found, 1)
	assert.Equal(t, entity.KindOrphanedIdentity, found[0].Kind)
	assert.True(t, found[0].ProposedFix.NeedsReview())
	assert.Equal(t, []entity.PatientIdentity{"300"}, found[0].ProposedFix.Candidates)
}

func TestDetect_StaleIntakeLinkToCanceledReservation(t *testing.T) {
	r := pending("R1", "P1", "2026-02-05", "10:00", detectNow.Add(-time.Hour))
	r.Status = entity.ReservationStatusCanceled
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}}, r)
	link := "R1"
	gone := "R404"
	snap.AddIntakes([]entity.IntakeRecord{
		{ID: 1, PatientID: "P1", LinkedReservationID: &link},
		{ID: 2, PatientID: "P1", LinkedReservationID: &gone},
	})

	found := newDetector(2).Detect(snap, ledgerOf(t), detectNow)

	assert.Equal(t, []entity.DiscrepancyKind{entity.KindStaleIntakeLink, entity.KindStaleIntakeLink}, kinds(found))
	for _, d := range found {
		require.Len(t, d.ProposedFix.Intakes, 1)
		assert.Nil(t, d.ProposedFix.Intakes[0].To)
	}
}

func TestDetect_ReorderSettlement(t *testing.T) {
	created := detectNow.Add(-72 * time.Hour)
	paid := created.Add(time.Hour)
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}})
	snap.Reorders = []entity.ReorderRequest{
		{ID: 1, PatientID: "P1", ProductCode: "RX-1", Status: entity.ReorderStatusConfirmed, Version: 1, CreatedAt: created},
		{ID: 2, PatientID: "P1", ProductCode: "RX-2", Status: entity.ReorderStatusPaid, Version: 1, CreatedAt: created},
	}
	snap.Orders = []entity.Order{{ID: "O1", PatientID: "P1", ProductCode: "RX-1", PaidAt: &paid}}

	found := newDetector(2).Detect(snap, ledgerOf(t), detectNow)

	require.Len(t, found, 2)
	var settle, escalate *entity.Discrepancy
	for i := range found {
		if found[i].ProposedFix.NeedsReview() {
			escalate = &found[i]
		} else {
			settle = &found[i]
		}
	}
	require.NotNil(t, settle)
	require.NotNil(t, settle.ProposedFix.Reorder)
	assert.Equal(t, int64(1), settle.ProposedFix.Reorder.ReorderID)
	assert.Equal(t, "O1", settle.ProposedFix.Reorder.OrderID)
	require.NotNil(t, escalate)
	assert.Equal(t, "2", escalate.EntityRefs[0].ID)
}

func TestDetect_OneKindPerRecordAndPriorityOrder(t *testing.T) {
	created := detectNow.Add(-48 * time.Hour)
	chat := "U1"
	snap := snapshotOf([]entity.Patient{{PatientID: "P1"}, {PatientID: "LINE_U1", LineUserID: &chat}, {PatientID: "100"}},
		pending("R1", "P1", "2026-02-05", "10:00", created),
		pending("R2", "P1", "2026-02-05", "11:00", created.Add(time.Minute)),
		pending("R3", "LINE_U1", "2026-02-06", "10:00", created),
		pending("R4", "P1", "2026-02-07", "10:00", created),
	)
	ledger := ledgerOf(t,
		ledgerRow("R1", "P1", "2026-02-05", "10:00", entity.LedgerStatusPending),
		ledgerRow("R2", "P1", "2026-02-05", "11:00", entity.LedgerStatusCanceled),
		ledgerRow("R3", "100", "2026-02-06", "10:00", entity.LedgerStatusCanceled),
	)

	found := newDetector(2).Detect(snap, ledger, detectNow)

	assert.Equal(t, []entity.DiscrepancyKind{entity.KindOrphanedIdentity, entity.KindDuplicate, entity.KindGhost}, kinds(found))
	seen := make(map[string]int)
	for _, d := range found {
		for _, ref := range d.EntityRefs {
			if ref.Type == entity.RefReservation {
				seen[ref.ID]++
			}
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "reservation %s classified more than once", id)
	}
}
