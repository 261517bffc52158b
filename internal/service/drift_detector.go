package service

import (
	"fmt"
	"sort"
	"time"

	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/pkg/phone"
)

type DetectorConfig struct {
	SlotCapacity     int
	GhostGracePeriod time.Duration
	PhoneRegion      string
}

// DriftDetector is the only authority that classifies drift. It reads a
// snapshot and a ledger view and never touches storage.
type DriftDetector interface {
	Detect(snap *entity.Snapshot, ledger *entity.LedgerView, now time.Time) []entity.Discrepancy
}

type driftDetector struct {
	cfg DetectorConfig
}

func NewDriftDetector(cfg DetectorConfig) DriftDetector {
	if cfg.SlotCapacity < 1 {
		cfg.SlotCapacity = 1
	}
	return &driftDetector{cfg: cfg}
}

// detection carries per-run bookkeeping so every record lands in one kind.
type detection struct {
	snap       *entity.Snapshot
	ledger     *entity.LedgerView
	now        time.Time
	consumed   map[string]struct{}
	cancelling map[string]struct{}
	intakes    map[int64]struct{}
	// planned slot and patient-day occupancy from inserts and moves
	slotTaken map[string]int
	dayTaken  map[string]int
	out       []entity.Discrepancy
}

func (d *driftDetector) Detect(snap *entity.Snapshot, ledger *entity.LedgerView, now time.Time) []entity.Discrepancy {
	st := &detection{
		snap:       snap,
		ledger:     ledger,
		now:        now,
		consumed:   make(map[string]struct{}),
		cancelling: make(map[string]struct{}),
		intakes:    make(map[int64]struct{}),
		slotTaken:  make(map[string]int),
		dayTaken:   make(map[string]int),
	}

	d.detectOrphans(st)
	d.detectDuplicates(st)
	d.detectGhosts(st)
	d.detectStaleStatus(st)
	d.detectRescheduled(st)
	d.detectLedgerStale(st)
	d.detectStaleIntakeLinks(st)
	d.detectMissing(st)
	d.detectReorders(st)

	sort.SliceStable(st.out, func(a, b int) bool {
		return st.out[a].Kind.Priority() < st.out[b].Kind.Priority()
	})
	return st.out
}

func (st *detection) isConsumed(id string) bool {
	_, ok := st.consumed[id]
	return ok
}

func (st *detection) consume(ids ...string) {
	for _, id := range ids {
		st.consumed[id] = struct{}{}
	}
}

func (st *detection) emit(d entity.Discrepancy) {
	st.out = append(st.out, d)
}

// ordered returns the snapshot reservations in (date, time, created, id) order.
func (st *detection) ordered() []*entity.Reservation {
	out := make([]*entity.Reservation, 0, len(st.snap.Reservations))
	for i := range st.snap.Reservations {
		out = append(out, &st.snap.Reservations[i])
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].SlotKey() != out[b].SlotKey() {
			return out[a].SlotKey() < out[b].SlotKey()
		}
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ReservationID < out[b].ReservationID
	})
	return out
}

// canonical follows a merged row to the identity it was folded into, and a
// temporary identity to whoever now owns its chat id.
func (st *detection) canonical(id entity.PatientIdentity) entity.PatientIdentity {
	if p, ok := st.snap.Patients[id]; ok && p.IsMerged() {
		return *p.MergedInto
	}
	if id.IsTemporary() {
		if owner, ok := st.snap.ChatOwners[ChatIDFromTemporary(id)]; ok {
			return owner.PatientID
		}
	}
	return id
}

func (st *detection) take(patientID entity.PatientIdentity, date, slot string) {
	st.slotTaken[date+" "+slot]++
	st.dayTaken[string(patientID)+"|"+date]++
}

// ledgerIdentity is the patient a ledger row names, by id first, then chat id.
func (st *detection) ledgerIdentity(rec entity.LedgerRecord) entity.PatientIdentity {
	if !rec.PatientID.IsZero() {
		return rec.PatientID
	}
	if owner, ok := st.snap.ChatOwners[rec.LineUserID]; ok {
		return owner.PatientID
	}
	if rec.LineUserID != "" {
		return entity.TemporaryIdentityFor(rec.LineUserID)
	}
	return ""
}

func (st *detection) activeLedger(id string) (entity.LedgerRecord, bool) {
	rec, ok := st.ledger.Get(id)
	if !ok || !rec.IsActive() {
		return rec, false
	}
	return rec, true
}

func (st *detection) ledgerMatches(r *entity.Reservation) bool {
	rec, ok := st.activeLedger(r.ReservationID)
	return ok && rec.Date == r.ReservedDate && rec.Time == r.ReservedTime
}

// keeperFirst orders duplicate candidates: earliest created wins, then the
// one the ledger currently shows, then the lowest id.
func (st *detection) keeperFirst(rs []*entity.Reservation) {
	sort.SliceStable(rs, func(a, b int) bool {
		if !rs[a].CreatedAt.Equal(rs[b].CreatedAt) {
			return rs[a].CreatedAt.Before(rs[b].CreatedAt)
		}
		ma, mb := st.ledgerMatches(rs[a]), st.ledgerMatches(rs[b])
		if ma != mb {
			return ma
		}
		return rs[a].ReservationID < rs[b].ReservationID
	})
}

func (st *detection) unreviewedIntakesFor(reservationID string) []entity.IntakeRecord {
	var out []entity.IntakeRecord
	for _, i := range st.snap.Intakes {
		if i.LinkedTo() == reservationID && !i.IsReviewed() {
			out = append(out, i)
		}
	}
	return out
}

func (st *detection) reviewedIntakeFor(reservationID string) (entity.IntakeRecord, bool) {
	for _, i := range st.snap.Intakes {
		if i.LinkedTo() == reservationID && i.IsReviewed() {
			return i, true
		}
	}
	return entity.IntakeRecord{}, false
}

func (st *detection) activeInSlot(date, slot string, exclude string) int {
	n := st.slotTaken[date+" "+slot]
	for _, r := range st.snap.Reservations {
		if r.ReservationID == exclude || !r.IsActive() {
			continue
		}
		if _, ok := st.cancelling[r.ReservationID]; ok {
			continue
		}
		if r.ReservedDate == date && r.ReservedTime == slot {
			n++
		}
	}
	return n
}

func (st *detection) activeOnDate(patientID entity.PatientIdentity, date string, exclude string) int {
	n := st.dayTaken[string(patientID)+"|"+date]
	for _, r := range st.snap.Reservations {
		if r.ReservationID == exclude || !r.IsActive() {
			continue
		}
		if _, ok := st.cancelling[r.ReservationID]; ok {
			continue
		}
		if st.canonical(r.PatientID) == patientID && r.ReservedDate == date {
			n++
		}
	}
	return n
}

func reservationRef(id string) entity.EntityRef {
	return entity.EntityRef{Type: entity.RefReservation, ID: id}
}

func ledgerRef(id string) entity.EntityRef {
	return entity.EntityRef{Type: entity.RefLedger, ID: id}
}

func intakeRef(id int64) entity.EntityRef {
	return entity.EntityRef{Type: entity.RefIntake, ID: fmt.Sprint(id)}
}

func strPtr(s string) *string {
	return &s
}

// ---------------------------------------------------------------------------
// OrphanedIdentity
// ---------------------------------------------------------------------------

func (d *driftDetector) detectOrphans(st *detection) {
	type pair struct{ temp, perm entity.PatientIdentity }
	relinks := make(map[pair]int)

	for _, r := range st.ordered() {
		rec, hasRec := st.ledger.Get(r.ReservationID)
		patient, known := st.snap.Patients[r.PatientID]

		var fix *entity.IdentityFix
		var detail string
		escalate := false

		switch {
		case !known:
			detail = fmt.Sprintf("reservation %s names patient %s with no patient row", r.ReservationID, r.PatientID)
			if hasRec {
				li := st.ledgerIdentity(rec)
				if r.PatientID.IsTemporary() && !li.IsTemporary() && !li.IsZero() {
					if p, ok := st.snap.Patients[li]; ok && !p.IsMerged() {
						fix = &entity.IdentityFix{ChatID: ChatIDFromTemporary(r.PatientID), PermanentID: li, TemporaryID: r.PatientID}
					}
				}
			}
			escalate = fix == nil
		case patient.IsMerged():
			detail = fmt.Sprintf("reservation %s still belongs to %s, merged into %s", r.ReservationID, r.PatientID, *patient.MergedInto)
			if r.PatientID.IsTemporary() {
				fix = &entity.IdentityFix{ChatID: ChatIDFromTemporary(r.PatientID), PermanentID: *patient.MergedInto, TemporaryID: r.PatientID}
			} else {
				escalate = true
			}
		case r.PatientID.IsTemporary() && st.canonical(r.PatientID) != r.PatientID:
			owner := st.canonical(r.PatientID)
			detail = fmt.Sprintf("reservation %s still belongs to %s, whose chat id is linked to %s", r.ReservationID, r.PatientID, owner)
			fix = &entity.IdentityFix{ChatID: ChatIDFromTemporary(r.PatientID), PermanentID: owner, TemporaryID: r.PatientID}
		case hasRec:
			li := st.ledgerIdentity(rec)
			if li.IsZero() || li == r.PatientID {
				continue
			}
			detail = fmt.Sprintf("ledger books %s for %s, relational store for %s", r.ReservationID, li, r.PatientID)
			switch {
			case r.PatientID.IsTemporary() && !li.IsTemporary():
				fix = &entity.IdentityFix{ChatID: ChatIDFromTemporary(r.PatientID), PermanentID: li, TemporaryID: r.PatientID}
			case !r.PatientID.IsTemporary() && li.IsTemporary():
				fix = &entity.IdentityFix{ChatID: ChatIDFromTemporary(li), PermanentID: r.PatientID, TemporaryID: li}
			default:
				escalate = true
			}
		default:
			continue
		}

		refs := []entity.EntityRef{reservationRef(r.ReservationID), {Type: entity.RefPatient, ID: string(r.PatientID)}}
		if hasRec {
			refs = append(refs, ledgerRef(r.ReservationID))
		}

		if escalate {
			st.consume(r.ReservationID)
			st.emit(entity.Discrepancy{
				Kind:       entity.KindOrphanedIdentity,
				PatientID:  r.PatientID,
				EntityRefs: refs,
				Detail:     detail,
				ProposedFix: entity.ProposedFix{
					Action:     entity.FixEscalate,
					Reason:     "identity cannot be resolved automatically",
					Candidates: d.phoneCandidates(st, rec, patient),
				},
			})
			continue
		}

		// One relink per identity pair; later reservations ride along.
		key := pair{fix.TemporaryID, fix.PermanentID}
		if idx, ok := relinks[key]; ok {
			st.out[idx].EntityRefs = append(st.out[idx].EntityRefs, reservationRef(r.ReservationID))
			st.appendLedgerIdentityFix(idx, r, rec, hasRec, fix.PermanentID)
			st.consume(r.ReservationID)
			continue
		}
		st.consume(r.ReservationID)
		st.emit(entity.Discrepancy{
			Kind:       entity.KindOrphanedIdentity,
			PatientID:  fix.PermanentID,
			EntityRefs: refs,
			Detail:     detail,
			ProposedFix: entity.ProposedFix{
				Action:   entity.FixRelinkIdentity,
				Identity: fix,
				Reason:   fmt.Sprintf("move %s onto %s", fix.TemporaryID, fix.PermanentID),
			},
		})
		relinks[key] = len(st.out) - 1
		st.appendLedgerIdentityFix(len(st.out)-1, r, rec, hasRec, fix.PermanentID)
	}
}

// appendLedgerIdentityFix rewrites a ledger row that names the retired
// temporary identity.
func (st *detection) appendLedgerIdentityFix(idx int, r *entity.Reservation, rec entity.LedgerRecord, hasRec bool, permanent entity.PatientIdentity) {
	if !hasRec || rec.PatientID.IsZero() || rec.PatientID == permanent {
		return
	}
	updated := rec
	updated.PatientID = permanent
	updated.UpdatedAt = nil
	st.out[idx].ProposedFix.LedgerWrites = append(st.out[idx].ProposedFix.LedgerWrites, updated)
}

func (d *driftDetector) phoneCandidates(st *detection, rec entity.LedgerRecord, patient entity.Patient) []entity.PatientIdentity {
	numbers := []string{rec.Phone, patient.PhoneNumber}
	set := make(map[entity.PatientIdentity]struct{})
	for _, number := range numbers {
		if number == "" {
			continue
		}
		for id, p := range st.snap.Patients {
			if p.IsMerged() || p.PatientID == patient.PatientID {
				continue
			}
			if phone.Equal(number, p.PhoneNumber, d.cfg.PhoneRegion) {
				set[id] = struct{}{}
			}
		}
	}
	out := make([]entity.PatientIdentity, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// ---------------------------------------------------------------------------
// Duplicate
// ---------------------------------------------------------------------------

func (d *driftDetector) detectDuplicates(st *detection) {
	byPatientDay := make(map[string][]*entity.Reservation)
	var keys []string
	for _, r := range st.ordered() {
		if !r.IsActive() || st.isConsumed(r.ReservationID) {
			continue
		}
		key := string(r.PatientID) + "|" + r.ReservedDate
		if _, ok := byPatientDay[key]; !ok {
			keys = append(keys, key)
		}
		byPatientDay[key] = append(byPatientDay[key], r)
	}

	for _, key := range keys {
		group := byPatientDay[key]
		if len(group) < 2 {
			continue
		}
		st.keeperFirst(group)
		d.preferSlotFit(st, group)
		keeper := group[0]
		d.emitDuplicate(st, keeper, group[1:], fmt.Sprintf("%d active reservations for %s on %s", len(group), keeper.PatientID, keeper.ReservedDate))
	}

	// Slot overflow among whatever is left active.
	bySlot := make(map[string][]*entity.Reservation)
	var slots []string
	for _, r := range st.ordered() {
		if !r.IsActive() {
			continue
		}
		if _, ok := st.cancelling[r.ReservationID]; ok {
			continue
		}
		if _, ok := bySlot[r.SlotKey()]; !ok {
			slots = append(slots, r.SlotKey())
		}
		bySlot[r.SlotKey()] = append(bySlot[r.SlotKey()], r)
	}
	for _, slot := range slots {
		occupants := bySlot[slot]
		if len(occupants) <= d.cfg.SlotCapacity {
			continue
		}
		st.keeperFirst(occupants)

		// Records another fix keeps, and completed visits, hold their seats first.
		var held, open []*entity.Reservation
		for _, r := range occupants {
			if st.isConsumed(r.ReservationID) || r.IsCompleted() {
				held = append(held, r)
			} else {
				open = append(open, r)
			}
		}
		detail := fmt.Sprintf("slot %s holds %d active reservations, capacity %d", slot, len(occupants), d.cfg.SlotCapacity)

		room := d.cfg.SlotCapacity - len(held)
		if room < 0 {
			room = 0
		}
		if len(open) > room {
			d.emitDuplicate(st, nil, open[room:], detail)
		}
		if len(held) > d.cfg.SlotCapacity {
			d.escalateSlot(st, held[d.cfg.SlotCapacity:], detail)
		}
	}
}

// preferSlotFit moves the first candidate that keeps its seat to the front, so
// collapsing a patient's day does not keep the one booking its slot will drop.
// group must already be in keeperFirst order.
func (d *driftDetector) preferSlotFit(st *detection, group []*entity.Reservation) {
	for i, r := range group {
		if d.fitsSlot(st, r) {
			if i > 0 {
				copy(group[1:i+1], group[:i])
				group[0] = r
			}
			return
		}
	}
}

// fitsSlot reports whether fewer than SlotCapacity other patients booked r's
// slot ahead of it.
func (d *driftDetector) fitsSlot(st *detection, r *entity.Reservation) bool {
	owner := st.canonical(r.PatientID)
	ahead := 0
	for i := range st.snap.Reservations {
		o := &st.snap.Reservations[i]
		if o.ReservationID == r.ReservationID || !o.IsActive() || o.SlotKey() != r.SlotKey() {
			continue
		}
		if _, ok := st.cancelling[o.ReservationID]; ok {
			continue
		}
		if st.canonical(o.PatientID) == owner {
			continue
		}
		if o.CreatedAt.Before(r.CreatedAt) || (o.CreatedAt.Equal(r.CreatedAt) && o.ReservationID < r.ReservationID) {
			ahead++
		}
	}
	return ahead < d.cfg.SlotCapacity
}

// escalateSlot reports seats over capacity that no automatic cancel may free.
func (d *driftDetector) escalateSlot(st *detection, over []*entity.Reservation, detail string) {
	refs := make([]entity.EntityRef, 0, len(over))
	for _, r := range over {
		refs = append(refs, reservationRef(r.ReservationID))
	}
	st.emit(entity.Discrepancy{
		Kind:       entity.KindDuplicate,
		PatientID:  over[0].PatientID,
		EntityRefs: refs,
		Detail:     detail,
		ProposedFix: entity.ProposedFix{
			Action: entity.FixEscalate,
			Reason: "the slot stays over capacity with reservations other fixes keep",
		},
	})
}

func (d *driftDetector) emitDuplicate(st *detection, keeper *entity.Reservation, losers []*entity.Reservation, detail string) {
	var refs []entity.EntityRef
	var patientID entity.PatientIdentity
	if keeper != nil {
		refs = append(refs, reservationRef(keeper.ReservationID))
		patientID = keeper.PatientID
		st.consume(keeper.ReservationID)
	} else {
		patientID = losers[0].PatientID
	}

	fix := entity.ProposedFix{Action: entity.FixCancelReservations}
	if keeper != nil {
		ref := keeper.Ref()
		fix.Keep = &ref
	}

	completedLoser := false
	loserHadLedger := false
	for _, r := range losers {
		refs = append(refs, reservationRef(r.ReservationID))
		st.consume(r.ReservationID)
		if r.IsCompleted() {
			completedLoser = true
			continue
		}
		fix.Cancel = append(fix.Cancel, r.Ref())
		if rec, ok := st.activeLedger(r.ReservationID); ok {
			loserHadLedger = true
			canceled := rec
			canceled.Status = entity.LedgerStatusCanceled
			canceled.UpdatedAt = nil
			fix.LedgerWrites = append(fix.LedgerWrites, canceled)
		}
	}

	if completedLoser {
		st.emit(entity.Discrepancy{
			Kind:        entity.KindDuplicate,
			PatientID:   patientID,
			EntityRefs:  refs,
			Detail:      detail,
			ProposedFix: entity.ProposedFix{Action: entity.FixEscalate, Reason: "a completed reservation would have to be canceled"},
		})
		return
	}

	for _, r := range losers {
		st.cancelling[r.ReservationID] = struct{}{}
	}

	// Intakes follow the keeper; if it already has one the loser's link is dropped.
	keeperHasIntake := keeper != nil && len(st.unreviewedIntakesFor(keeper.ReservationID)) > 0
	for _, r := range losers {
		for _, intake := range st.unreviewedIntakesFor(r.ReservationID) {
			link := entity.IntakeLinkFix{IntakeID: intake.ID, From: r.ReservationID}
			if keeper != nil && !keeperHasIntake {
				link.To = strPtr(keeper.ReservationID)
				keeperHasIntake = true
			}
			fix.Intakes = append(fix.Intakes, link)
			refs = append(refs, intakeRef(intake.ID))
			st.intakes[intake.ID] = struct{}{}
		}
	}

	// The ledger showed the booking under a losing id; carry it to the keeper.
	if keeper != nil && loserHadLedger {
		if _, ok := st.activeLedger(keeper.ReservationID); !ok {
			fix.LedgerWrites = append(fix.LedgerWrites, d.ledgerRowFor(st, keeper, entity.LedgerStatusFor(keeper.Status)))
		}
	}

	fix.Reason = fmt.Sprintf("cancel %d duplicate reservation(s)", len(fix.Cancel))
	st.emit(entity.Discrepancy{
		Kind:        entity.KindDuplicate,
		PatientID:   patientID,
		EntityRefs:  refs,
		Detail:      detail,
		ProposedFix: fix,
	})
}

// ledgerRowFor renders a reservation for the ledger, keeping whatever the
// ledger already knows about the person.
func (d *driftDetector) ledgerRowFor(st *detection, r *entity.Reservation, status entity.LedgerStatus) entity.LedgerRecord {
	row := entity.LedgerRecordFromReservation(r, status)
	if rec, ok := st.ledger.Get(r.ReservationID); ok {
		row.LineUserID = rec.LineUserID
		row.DisplayName = rec.DisplayName
		row.Phone = rec.Phone
	}
	if p, ok := st.snap.Patients[r.PatientID]; ok {
		if row.LineUserID == "" {
			row.LineUserID = p.ChatID()
		}
		if row.DisplayName == "" {
			row.DisplayName = p.DisplayName
		}
	}
	return row
}

// ---------------------------------------------------------------------------
// Ghost
// ---------------------------------------------------------------------------

func (d *driftDetector) detectGhosts(st *detection) {
	for _, r := range st.ordered() {
		if !r.IsPending() || st.isConsumed(r.ReservationID) {
			continue
		}
		if _, ok := st.activeLedger(r.ReservationID); ok {
			continue
		}
		if st.now.Sub(r.CreatedAt) < d.cfg.GhostGracePeriod {
			continue
		}
		// A signed-off intake means the visit happened; that is StaleStatus.
		if _, ok := st.reviewedIntakeFor(r.ReservationID); ok {
			continue
		}

		detail := fmt.Sprintf("reservation %s is pending but the ledger has no active record", r.ReservationID)
		refs := []entity.EntityRef{reservationRef(r.ReservationID)}
		if rec, ok := st.ledger.Get(r.ReservationID); ok {
			detail = fmt.Sprintf("reservation %s is pending but the ledger marks it %s", r.ReservationID, rec.Status)
			refs = append(refs, ledgerRef(r.ReservationID))
		}

		fix := entity.ProposedFix{
			Action: entity.FixCancelReservations,
			Cancel: []entity.ReservationRef{r.Ref()},
			Reason: "propagate ledger cancellation",
		}
		for _, intake := range st.unreviewedIntakesFor(r.ReservationID) {
			fix.Intakes = append(fix.Intakes, entity.IntakeLinkFix{IntakeID: intake.ID, From: r.ReservationID})
			refs = append(refs, intakeRef(intake.ID))
			st.intakes[intake.ID] = struct{}{}
		}

		st.consume(r.ReservationID)
		st.cancelling[r.ReservationID] = struct{}{}
		st.emit(entity.Discrepancy{
			Kind:        entity.KindGhost,
			PatientID:   r.PatientID,
			EntityRefs:  refs,
			Detail:      detail,
			ProposedFix: fix,
		})
	}
}

// ---------------------------------------------------------------------------
// StaleStatus
// ---------------------------------------------------------------------------

func (d *driftDetector) detectStaleStatus(st *detection) {
	for _, r := range st.ordered() {
		if !r.IsPending() || st.isConsumed(r.ReservationID) {
			continue
		}
		refs := []entity.EntityRef{reservationRef(r.ReservationID)}
		var detail string
		if intake, ok := st.reviewedIntakeFor(r.ReservationID); ok {
			refs = append(refs, intakeRef(intake.ID))
			detail = fmt.Sprintf("intake %d was reviewed (%s) but reservation %s is pending", intake.ID, intake.ReviewStatus, r.ReservationID)
		} else if rec, ok := st.ledger.Get(r.ReservationID); ok && rec.IsCompleted() {
			refs = append(refs, ledgerRef(r.ReservationID))
			detail = fmt.Sprintf("ledger marks %s completed but it is pending", r.ReservationID)
		} else {
			continue
		}

		st.consume(r.ReservationID)
		st.emit(entity.Discrepancy{
			Kind:       entity.KindStaleStatus,
			PatientID:  r.PatientID,
			EntityRefs: refs,
			Detail:     detail,
			ProposedFix: entity.ProposedFix{
				Action:   entity.FixCompleteReservation,
				Complete: []entity.ReservationRef{r.Ref()},
				Reason:   "visit took place",
			},
		})
	}
}

// ---------------------------------------------------------------------------
// Rescheduled
// ---------------------------------------------------------------------------

func (d *driftDetector) detectRescheduled(st *detection) {
	for _, r := range st.ordered() {
		if !r.IsPending() || st.isConsumed(r.ReservationID) {
			continue
		}
		rec, ok := st.activeLedger(r.ReservationID)
		if !ok || (rec.Date == r.ReservedDate && rec.Time == r.ReservedTime) {
			continue
		}

		refs := []entity.EntityRef{reservationRef(r.ReservationID), ledgerRef(r.ReservationID)}
		detail := fmt.Sprintf("ledger moved %s from %s to %s", r.ReservationID, r.SlotKey(), rec.SlotKey())
		st.consume(r.ReservationID)

		fix := entity.ProposedFix{
			Action:     entity.FixReschedule,
			Reschedule: &entity.RescheduleFix{Reservation: r.Ref(), Date: rec.Date, Time: rec.Time},
			Reason:     "follow the ledger's scheduling",
		}
		switch {
		case st.activeInSlot(rec.Date, rec.Time, r.ReservationID) >= d.cfg.SlotCapacity:
			fix = entity.ProposedFix{Action: entity.FixEscalate, Reason: fmt.Sprintf("target slot %s is full", rec.SlotKey())}
		case st.activeOnDate(st.canonical(r.PatientID), rec.Date, r.ReservationID) > 0:
			fix = entity.ProposedFix{Action: entity.FixEscalate, Reason: fmt.Sprintf("patient already holds a reservation on %s", rec.Date)}
		default:
			st.take(st.canonical(r.PatientID), rec.Date, rec.Time)
		}
		st.emit(entity.Discrepancy{
			Kind:        entity.KindRescheduled,
			PatientID:   r.PatientID,
			EntityRefs:  refs,
			Detail:      detail,
			ProposedFix: fix,
		})
	}
}

// ---------------------------------------------------------------------------
// LedgerStale
// ---------------------------------------------------------------------------

func (d *driftDetector) detectLedgerStale(st *detection) {
	for _, r := range st.ordered() {
		if st.isConsumed(r.ReservationID) {
			continue
		}
		rec, hasRec := st.ledger.Get(r.ReservationID)
		refs := []entity.EntityRef{reservationRef(r.ReservationID), ledgerRef(r.ReservationID)}

		switch {
		case r.IsCanceled() && hasRec && rec.IsActive():
			st.consume(r.ReservationID)
			if rec.IsCompleted() {
				st.emit(entity.Discrepancy{
					Kind:        entity.KindLedgerStale,
					PatientID:   r.PatientID,
					EntityRefs:  refs,
					Detail:      fmt.Sprintf("ledger marks %s completed but it was canceled", r.ReservationID),
					ProposedFix: entity.ProposedFix{Action: entity.FixEscalate, Reason: "canceled reservation cannot be completed"},
				})
				continue
			}
			canceled := rec
			canceled.Status = entity.LedgerStatusCanceled
			canceled.UpdatedAt = nil
			st.emit(entity.Discrepancy{
				Kind:       entity.KindLedgerStale,
				PatientID:  r.PatientID,
				EntityRefs: refs,
				Detail:     fmt.Sprintf("reservation %s was canceled but the ledger still shows it", r.ReservationID),
				ProposedFix: entity.ProposedFix{
					Action:       entity.FixLedgerUpsert,
					LedgerWrites: []entity.LedgerRecord{canceled},
					Reason:       "propagate cancellation to the ledger",
				},
			})
		case r.IsCompleted() && (!hasRec || !rec.IsActive() || rec.Date != r.ReservedDate || rec.Time != r.ReservedTime):
			st.consume(r.ReservationID)
			if !hasRec {
				refs = refs[:1]
			}
			st.emit(entity.Discrepancy{
				Kind:       entity.KindLedgerStale,
				PatientID:  r.PatientID,
				EntityRefs: refs,
				Detail:     fmt.Sprintf("reservation %s is completed but the ledger does not show it", r.ReservationID),
				ProposedFix: entity.ProposedFix{
					Action:       entity.FixLedgerUpsert,
					LedgerWrites: []entity.LedgerRecord{d.ledgerRowFor(st, r, entity.LedgerStatusCompleted)},
					Reason:       "record the completed visit in the ledger",
				},
			})
		}
	}
}

// ---------------------------------------------------------------------------
// StaleIntakeLink
// ---------------------------------------------------------------------------

func (d *driftDetector) detectStaleIntakeLinks(st *detection) {
	for _, intake := range st.snap.Intakes {
		linked := intake.LinkedTo()
		if linked == "" || intake.IsReviewed() {
			continue
		}
		if _, handled := st.intakes[intake.ID]; handled {
			continue
		}
		if _, pending := st.cancelling[linked]; pending {
			continue
		}

		r, exists := st.snap.LinkedReservation(linked)
		var detail string
		switch {
		case !exists:
			detail = fmt.Sprintf("intake %d points at reservation %s which does not exist", intake.ID, linked)
		case r.IsCanceled():
			detail = fmt.Sprintf("intake %d points at canceled reservation %s", intake.ID, linked)
		default:
			continue
		}

		st.intakes[intake.ID] = struct{}{}
		st.emit(entity.Discrepancy{
			Kind:       entity.KindStaleIntakeLink,
			PatientID:  intake.PatientID,
			EntityRefs: []entity.EntityRef{intakeRef(intake.ID), reservationRef(linked)},
			Detail:     detail,
			ProposedFix: entity.ProposedFix{
				Action:  entity.FixUnlinkIntake,
				Intakes: []entity.IntakeLinkFix{{IntakeID: intake.ID, From: linked}},
				Reason:  "clear link to a dead reservation",
			},
		})
	}
}

// ---------------------------------------------------------------------------
// MissingReservation
// ---------------------------------------------------------------------------

func (d *driftDetector) detectMissing(st *detection) {
	for _, id := range st.ledger.SortedIDs() {
		if _, ok := st.snap.Reservation(id); ok {
			continue
		}
		rec, _ := st.ledger.Get(id)
		if !rec.IsActive() {
			continue
		}
		refs := []entity.EntityRef{ledgerRef(id)}

		identity := st.ledgerIdentity(rec)
		if _, known := st.snap.Patients[identity]; !known {
			st.emit(entity.Discrepancy{
				Kind:       entity.KindOrphanedIdentity,
				PatientID:  identity,
				EntityRefs: refs,
				Detail:     fmt.Sprintf("ledger record %s names %s with no patient row", id, identity),
				ProposedFix: entity.ProposedFix{
					Action:     entity.FixEscalate,
					Reason:     "ledger identity has no patient",
					Candidates: d.phoneCandidates(st, rec, entity.Patient{}),
				},
			})
			continue
		}
		identity = st.canonical(identity)

		status := entity.ReservationStatusPending
		if rec.IsCompleted() {
			status = entity.ReservationStatusCompleted
		}
		fix := entity.ProposedFix{
			Action: entity.FixInsertReservation,
			Insert: &entity.InsertFix{
				ReservationID: id,
				PatientID:     identity,
				Date:          rec.Date,
				Time:          rec.Time,
				Status:        status,
			},
			Reason: "restore reservation the ledger holds",
		}
		switch {
		case st.activeInSlot(rec.Date, rec.Time, "") >= d.cfg.SlotCapacity:
			fix = entity.ProposedFix{Action: entity.FixEscalate, Reason: fmt.Sprintf("slot %s is full", rec.SlotKey())}
		case st.activeOnDate(identity, rec.Date, "") > 0:
			fix = entity.ProposedFix{Action: entity.FixEscalate, Reason: fmt.Sprintf("patient already holds a reservation on %s", rec.Date)}
		default:
			st.take(identity, rec.Date, rec.Time)
		}

		st.emit(entity.Discrepancy{
			Kind:        entity.KindMissingReservation,
			PatientID:   identity,
			EntityRefs:  refs,
			Detail:      fmt.Sprintf("ledger holds %s at %s with no relational reservation", id, rec.SlotKey()),
			ProposedFix: fix,
		})
	}
}

// ---------------------------------------------------------------------------
// ReorderUnsettled
// ---------------------------------------------------------------------------

func (d *driftDetector) detectReorders(st *detection) {
	used := make(map[string]struct{})
	findOrder := func(req entity.ReorderRequest, requirePaidAfter bool) (entity.Order, bool) {
		for _, o := range st.snap.Orders {
			if _, taken := used[o.ID]; taken {
				continue
			}
			if st.canonical(o.PatientID) != st.canonical(req.PatientID) || o.ProductCode != req.ProductCode || !o.IsSettled() {
				continue
			}
			if requirePaidAfter && o.PaidAt.Before(req.CreatedAt) {
				continue
			}
			used[o.ID] = struct{}{}
			return o, true
		}
		return entity.Order{}, false
	}

	reorders := append([]entity.ReorderRequest(nil), st.snap.Reorders...)
	// Paid requests claim their orders first so a confirmed one cannot steal them.
	sort.SliceStable(reorders, func(a, b int) bool {
		if reorders[a].Status != reorders[b].Status {
			return reorders[a].Status == entity.ReorderStatusPaid
		}
		if !reorders[a].CreatedAt.Equal(reorders[b].CreatedAt) {
			return reorders[a].CreatedAt.Before(reorders[b].CreatedAt)
		}
		return reorders[a].ID < reorders[b].ID
	})

	for _, req := range reorders {
		ref := entity.EntityRef{Type: entity.RefReorder, ID: fmt.Sprint(req.ID)}
		switch req.Status {
		case entity.ReorderStatusPaid:
			if _, ok := findOrder(req, false); ok {
				continue
			}
			st.emit(entity.Discrepancy{
				Kind:        entity.KindReorderUnsettled,
				PatientID:   req.PatientID,
				EntityRefs:  []entity.EntityRef{ref},
				Detail:      fmt.Sprintf("reorder %d is paid but no settled order exists", req.ID),
				ProposedFix: entity.ProposedFix{Action: entity.FixEscalate, Reason: "payment record missing"},
			})
		case entity.ReorderStatusConfirmed:
			order, ok := findOrder(req, true)
			if !ok {
				continue
			}
			paidAt := *order.PaidAt
			st.emit(entity.Discrepancy{
				Kind:       entity.KindReorderUnsettled,
				PatientID:  req.PatientID,
				EntityRefs: []entity.EntityRef{ref, {Type: entity.RefOrder, ID: order.ID}},
				Detail:     fmt.Sprintf("reorder %d is confirmed but order %s was paid", req.ID, order.ID),
				ProposedFix: entity.ProposedFix{
					Action: entity.FixSettleReorder,
					Reorder: &entity.ReorderFix{
						ReorderID: req.ID,
						Version:   req.Version,
						From:      entity.ReorderStatusConfirmed,
						To:        entity.ReorderStatusPaid,
						OrderID:   order.ID,
						PaidAt:    &paidAt,
					},
					Reason: "payment settled",
				},
			})
		}
	}
}
