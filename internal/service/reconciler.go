package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"clinic-reconciler/internal/domain/entity"
	domainRepo "clinic-reconciler/internal/domain/repository"
	"clinic-reconciler/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// errEscalated marks a fix whose preconditions no longer allow an automatic
// correction. The discrepancy is reported for review, not as a failure.
var errEscalated = errors.New("needs review")

type ReconcileOptions struct {
	RunID  string
	DryRun bool
	Notify bool
}

// Reconciler applies proposed fixes. Each discrepancy is one transaction;
// failures are isolated and never retried within a run.
type Reconciler interface {
	// Reconcile returns one result per discrepancy, in repair order. A
	// cancelled ctx stops the batch between discrepancies; the rest are
	// reported as skipped and ctx.Err() is returned.
	Reconcile(ctx context.Context, discrepancies []entity.Discrepancy, opts ReconcileOptions) ([]entity.RepairResult, error)
}

type reconciler struct {
	log             *logrus.Logger
	store           *repository.StateStore
	patientRepo     domainRepo.PatientRepository
	reservationRepo domainRepo.ReservationRepository
	intakeRepo      domainRepo.IntakeRepository
	reorderRepo     domainRepo.ReorderRepository
	resolver        IdentityResolver
	auditService    AuditService
	ledger          domainRepo.LedgerRepository
	cache           CacheInvalidator
	notifier        Notifier
	metrics         *Metrics
	slotCapacity    int
}

func NewReconciler(
	log *logrus.Logger,
	store *repository.StateStore,
	patientRepo domainRepo.PatientRepository,
	reservationRepo domainRepo.ReservationRepository,
	intakeRepo domainRepo.IntakeRepository,
	reorderRepo domainRepo.ReorderRepository,
	resolver IdentityResolver,
	auditService AuditService,
	ledger domainRepo.LedgerRepository,
	cache CacheInvalidator,
	notifier Notifier,
	metrics *Metrics,
	slotCapacity int,
) Reconciler {
	if slotCapacity < 1 {
		slotCapacity = 1
	}
	return &reconciler{
		log:             log,
		store:           store,
		patientRepo:     patientRepo,
		reservationRepo: reservationRepo,
		intakeRepo:      intakeRepo,
		reorderRepo:     reorderRepo,
		resolver:        resolver,
		auditService:    auditService,
		ledger:          ledger,
		cache:           cache,
		notifier:        notifier,
		metrics:         metrics,
		slotCapacity:    slotCapacity,
	}
}

type visibleEffect struct {
	patientID entity.PatientIdentity
	change    entity.VisibleChange
}

// repairEffects collects what a fix actually changed.
type repairEffects struct {
	writes   int
	patients []entity.PatientIdentity
	visible  []visibleEffect
}

func (e *repairEffects) touch(ids ...entity.PatientIdentity) {
	for _, id := range ids {
		if !id.IsZero() {
			e.patients = append(e.patients, id)
		}
	}
}

func (r *reconciler) Reconcile(ctx context.Context, discrepancies []entity.Discrepancy, opts ReconcileOptions) ([]entity.RepairResult, error) {
	ordered := make([]entity.Discrepancy, len(discrepancies))
	copy(ordered, discrepancies)
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].Kind.Priority() < ordered[b].Kind.Priority()
	})

	results := make([]entity.RepairResult, 0, len(ordered))
	for i, d := range ordered {
		if err := ctx.Err(); err != nil {
			for _, rest := range ordered[i:] {
				results = append(results, entity.RepairResult{
					Discrepancy: rest,
					Outcome:     entity.OutcomeSkipped,
					Error:       "run aborted before this fix",
				})
			}
			r.log.Warnf("Reconciliation %s aborted with %d fixes left: %+v", opts.RunID, len(ordered)-i, err)
			return results, err
		}

		res := r.repair(ctx, d, opts)
		r.metrics.RecordRepair(d.Kind, res.Outcome)

		fields := logrus.Fields{
			"run_id":  opts.RunID,
			"kind":    d.Kind,
			"action":  d.ProposedFix.Action,
			"outcome": res.Outcome,
			"writes":  res.Writes,
		}
		if len(d.EntityRefs) > 0 {
			fields["ref"] = d.EntityRefs[0].Type + ":" + d.EntityRefs[0].ID
		}
		entry := r.log.WithFields(fields)
		switch res.Outcome {
		case entity.OutcomeFailed:
			entry.Errorf("Repair failed: %s", res.Error)
		case entity.OutcomeReview:
			entry.Warnf("Repair needs review: %s", res.Error)
		default:
			entry.Info("Repair processed")
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *reconciler) repair(ctx context.Context, d entity.Discrepancy, opts ReconcileOptions) entity.RepairResult {
	result := entity.RepairResult{Discrepancy: d}
	fix := &d.ProposedFix

	if fix.NeedsReview() {
		result.Outcome = entity.OutcomeReview
		result.Error = fix.Reason
		return result
	}
	if opts.DryRun {
		return r.plan(ctx, d)
	}

	// A started transaction always runs to completion.
	txCtx := context.WithoutCancel(ctx)
	effects := &repairEffects{}
	err := r.store.Transaction(txCtx, func(tx *gorm.DB) error {
		return r.applyRelational(txCtx, tx, opts.RunID, d, effects)
	})
	if err != nil {
		switch {
		case IsIdentityConflict(err), errors.Is(err, errEscalated):
			result.Outcome = entity.OutcomeReview
		default:
			result.Outcome = entity.OutcomeFailed
			err = fmt.Errorf("%w: %w", entity.ErrRepairFailed, err)
		}
		result.Error = err.Error()
		return result
	}

	ledgerWrites, ledgerErr := r.syncLedger(txCtx, fix.LedgerWrites)
	effects.writes += ledgerWrites
	effects.touch(ledgerPatients(fix.LedgerWrites, ledgerWrites)...)
	result.Writes = effects.writes

	r.afterCommit(ctx, effects, opts)

	switch {
	case ledgerErr != nil:
		result.Outcome = entity.OutcomeFailed
		result.Error = fmt.Errorf("%w: ledger follow-up: %w", entity.ErrRepairFailed, ledgerErr).Error()
	case effects.writes == 0:
		result.Outcome = entity.OutcomeNoop
	default:
		result.Outcome = entity.OutcomeApplied
	}
	return result
}

// plan evaluates a fix without writing. Identity fixes are resolved read-only
// so a conflict shows up in the dry-run report.
func (r *reconciler) plan(ctx context.Context, d entity.Discrepancy) entity.RepairResult {
	result := entity.RepairResult{Discrepancy: d, Outcome: entity.OutcomePlanned}
	fix := d.ProposedFix
	if fix.Action != entity.FixRelinkIdentity || fix.Identity == nil {
		return result
	}
	_, err := r.resolver.Resolve(ctx, r.store.DB().WithContext(ctx), fix.Identity.ChatID, fix.Identity.PermanentID)
	switch {
	case err == nil:
	case IsIdentityConflict(err), errors.Is(err, entity.ErrPatientNotFound):
		result.Outcome = entity.OutcomeReview
		result.Error = err.Error()
	default:
		result.Outcome = entity.OutcomeFailed
		result.Error = err.Error()
	}
	return result
}

func (r *reconciler) applyRelational(ctx context.Context, tx *gorm.DB, runID string, d entity.Discrepancy, effects *repairEffects) error {
	fix := &d.ProposedFix
	switch fix.Action {
	case entity.FixRelinkIdentity:
		return r.applyRelink(ctx, tx, runID, fix.Identity, effects)
	case entity.FixCancelReservations:
		if fix.Keep != nil {
			keeper, err := r.reservationRepo.FindByID(ctx, tx, fix.Keep.ReservationID)
			if err != nil {
				return err
			}
			if keeper == nil || !keeper.IsActive() {
				return fmt.Errorf("%w: reservation %s to keep is no longer active", entity.ErrStaleState, fix.Keep.ReservationID)
			}
		}
		for _, ref := range fix.Cancel {
			changed, err := r.transition(ctx, tx, runID, ref, entity.ReservationStatusCanceled, entity.AuditActionReservationCancel)
			if err != nil {
				return err
			}
			if changed {
				effects.writes++
				effects.touch(ref.PatientID)
				effects.visible = append(effects.visible, visibleEffect{
					patientID: ref.PatientID,
					change: entity.VisibleChange{
						Kind:          entity.ChangeReservationCanceled,
						ReservationID: ref.ReservationID,
						Date:          ref.Date,
						Time:          ref.Time,
					},
				})
			}
		}
		return r.applyIntakeLinks(ctx, tx, runID, d.PatientID, fix.Intakes, effects)
	case entity.FixCompleteReservation:
		for _, ref := range fix.Complete {
			changed, err := r.transition(ctx, tx, runID, ref, entity.ReservationStatusCompleted, entity.AuditActionReservationComplete)
			if err != nil {
				return err
			}
			if changed {
				effects.writes++
				effects.touch(ref.PatientID)
			}
		}
		return nil
	case entity.FixUnlinkIntake:
		return r.applyIntakeLinks(ctx, tx, runID, d.PatientID, fix.Intakes, effects)
	case entity.FixReschedule:
		return r.applyReschedule(ctx, tx, runID, fix.Reschedule, effects)
	case entity.FixInsertReservation:
		return r.applyInsert(ctx, tx, runID, fix.Insert, effects)
	case entity.FixSettleReorder:
		return r.applySettle(ctx, tx, runID, d.PatientID, fix.Reorder, effects)
	case entity.FixLedgerUpsert:
		return nil
	default:
		return fmt.Errorf("unknown fix action %q", fix.Action)
	}
}

func (r *reconciler) applyRelink(ctx context.Context, tx *gorm.DB, runID string, fix *entity.IdentityFix, effects *repairEffects) error {
	if fix == nil {
		return errors.New("relink fix without identity")
	}
	res, err := r.resolver.Resolve(ctx, tx, fix.ChatID, fix.PermanentID)
	if err != nil {
		if errors.Is(err, entity.ErrPatientNotFound) {
			return fmt.Errorf("%w: %w", errEscalated, err)
		}
		return err
	}
	linked, err := r.resolver.Link(ctx, tx, res, runID)
	if err != nil {
		return err
	}
	effects.writes += linked.Writes()
	if linked.Writes() > 0 {
		effects.touch(res.Canonical, res.Temporary)
	}
	return nil
}

// transition re-reads the reservation and moves it to next only if it is
// still as detected. Reaching next already is a no-op.
func (r *reconciler) transition(ctx context.Context, tx *gorm.DB, runID string, ref entity.ReservationRef, next entity.ReservationStatus, action string) (bool, error) {
	current, err := r.reservationRepo.FindByID(ctx, tx, ref.ReservationID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, fmt.Errorf("%w: %s", entity.ErrReservationNotFound, ref.ReservationID)
	}
	if current.Status == next {
		return false, nil
	}
	if current.Status != ref.Status || current.ReservedDate != ref.Date || current.ReservedTime != ref.Time {
		return false, fmt.Errorf("%w: reservation %s is %s at %s", entity.ErrStaleState, current.ReservationID, current.Status, current.SlotKey())
	}
	if !entity.CanTransition(current.Status, next) {
		return false, &entity.TransitionError{ReservationID: current.ReservationID, From: current.Status, To: next}
	}

	rows, err := r.reservationRepo.UpdateStatus(ctx, tx, current.ReservationID, []entity.ReservationStatus{current.Status}, current.Version, next)
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, fmt.Errorf("%w: reservation %s changed concurrently", entity.ErrStaleState, current.ReservationID)
	}

	if err := r.auditService.LogUpdate(ctx, tx, runID, action, entity.RefReservation, current.ReservationID,
		map[string]interface{}{"status": current.Status, "version": current.Version},
		map[string]interface{}{"status": next}); err != nil {
		return false, err
	}
	return true, nil
}

func (r *reconciler) applyIntakeLinks(ctx context.Context, tx *gorm.DB, runID string, patientID entity.PatientIdentity, links []entity.IntakeLinkFix, effects *repairEffects) error {
	for _, link := range links {
		rows, err := r.intakeRepo.UpdateLink(ctx, tx, link.IntakeID, link.From, link.To)
		if err != nil {
			return err
		}
		if rows == 0 {
			current, err := r.intakeRepo.FindByID(ctx, tx, link.IntakeID)
			if err != nil {
				return err
			}
			if current != nil && current.LinkedTo() == derefString(link.To) {
				continue
			}
			return fmt.Errorf("%w: intake %d no longer links to %s", entity.ErrStaleState, link.IntakeID, link.From)
		}

		if err := r.auditService.LogUpdate(ctx, tx, runID, entity.AuditActionIntakeRelink, entity.RefIntake, fmt.Sprint(link.IntakeID),
			map[string]interface{}{"linked_reservation_id": link.From},
			map[string]interface{}{"linked_reservation_id": link.To}); err != nil {
			return err
		}
		effects.writes++
		effects.touch(patientID)
	}
	return nil
}

func (r *reconciler) applyReschedule(ctx context.Context, tx *gorm.DB, runID string, fix *entity.RescheduleFix, effects *repairEffects) error {
	if fix == nil {
		return errors.New("reschedule fix without target")
	}
	ref := fix.Reservation
	current, err := r.reservationRepo.FindByID(ctx, tx, ref.ReservationID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s", entity.ErrReservationNotFound, ref.ReservationID)
	}
	if current.ReservedDate == fix.Date && current.ReservedTime == fix.Time {
		return nil
	}
	if !current.IsPending() || current.ReservedDate != ref.Date || current.ReservedTime != ref.Time {
		return fmt.Errorf("%w: reservation %s is %s at %s", entity.ErrStaleState, current.ReservationID, current.Status, current.SlotKey())
	}

	if err := r.checkCapacity(ctx, tx, current.PatientID, fix.Date, fix.Time, current.ReservationID); err != nil {
		return err
	}

	rows, err := r.reservationRepo.Reschedule(ctx, tx, current.ReservationID, current.Version, fix.Date, fix.Time)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: reservation %s changed concurrently", entity.ErrStaleState, current.ReservationID)
	}
	if err := r.auditService.LogUpdate(ctx, tx, runID, entity.AuditActionReservationReschedule, entity.RefReservation, current.ReservationID,
		map[string]interface{}{"date": current.ReservedDate, "time": current.ReservedTime},
		map[string]interface{}{"date": fix.Date, "time": fix.Time}); err != nil {
		return err
	}

	effects.writes++
	effects.touch(current.PatientID)
	effects.visible = append(effects.visible, visibleEffect{
		patientID: current.PatientID,
		change: entity.VisibleChange{
			Kind:          entity.ChangeReservationRescheduled,
			ReservationID: current.ReservationID,
			Date:          fix.Date,
			Time:          fix.Time,
		},
	})
	return nil
}

func (r *reconciler) applyInsert(ctx context.Context, tx *gorm.DB, runID string, fix *entity.InsertFix, effects *repairEffects) error {
	if fix == nil {
		return errors.New("insert fix without reservation")
	}
	existing, err := r.reservationRepo.FindByID(ctx, tx, fix.ReservationID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	patient, err := r.patientRepo.FindByID(ctx, tx, fix.PatientID)
	if err != nil {
		return err
	}
	if patient == nil || patient.IsMerged() {
		return fmt.Errorf("%w: %w: %s", errEscalated, entity.ErrPatientNotFound, fix.PatientID)
	}
	if err := r.checkCapacity(ctx, tx, fix.PatientID, fix.Date, fix.Time, ""); err != nil {
		return err
	}

	reservation := &entity.Reservation{
		ReservationID: fix.ReservationID,
		PatientID:     fix.PatientID,
		ReservedDate:  fix.Date,
		ReservedTime:  fix.Time,
		Status:        fix.Status,
		Version:       1,
	}
	rows, err := r.reservationRepo.CreateIfAbsent(ctx, tx, reservation)
	if err != nil {
		return err
	}
	if rows == 0 {
		return nil
	}
	if err := r.auditService.LogCreate(ctx, tx, runID, entity.AuditActionReservationInsert, entity.RefReservation, fix.ReservationID, reservation); err != nil {
		return err
	}
	effects.writes++
	effects.touch(fix.PatientID)
	return nil
}

// checkCapacity re-counts inside the transaction; the snapshot may be stale.
func (r *reconciler) checkCapacity(ctx context.Context, tx *gorm.DB, patientID entity.PatientIdentity, date, slot, excludeID string) error {
	inSlot, err := r.reservationRepo.CountActiveInSlot(ctx, tx, date, slot, excludeID)
	if err != nil {
		return err
	}
	if inSlot >= int64(r.slotCapacity) {
		return fmt.Errorf("%w: slot %s %s is full", errEscalated, date, slot)
	}
	sameDay, err := r.reservationRepo.CountActiveForPatientOnDate(ctx, tx, patientID, date, excludeID)
	if err != nil {
		return err
	}
	if sameDay > 0 {
		return fmt.Errorf("%w: %s already holds a reservation on %s", errEscalated, patientID, date)
	}
	return nil
}

func (r *reconciler) applySettle(ctx context.Context, tx *gorm.DB, runID string, patientID entity.PatientIdentity, fix *entity.ReorderFix, effects *repairEffects) error {
	if fix == nil {
		return errors.New("settle fix without reorder")
	}
	current, err := r.reorderRepo.FindByID(ctx, tx, fix.ReorderID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: reorder %d no longer exists", entity.ErrStaleState, fix.ReorderID)
	}
	if current.Status == fix.To {
		return nil
	}
	if current.Status != fix.From {
		return fmt.Errorf("%w: reorder %d is %s", entity.ErrStaleState, fix.ReorderID, current.Status)
	}

	rows, err := r.reorderRepo.Settle(ctx, tx, current.ID, current.Version, fix.From, fix.To, fix.PaidAt)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: reorder %d changed concurrently", entity.ErrStaleState, fix.ReorderID)
	}
	if err := r.auditService.LogUpdate(ctx, tx, runID, entity.AuditActionReorderSettle, entity.RefReorder, fmt.Sprint(current.ID),
		map[string]interface{}{"status": current.Status},
		map[string]interface{}{"status": fix.To, "order_id": fix.OrderID, "paid_at": fix.PaidAt}); err != nil {
		return err
	}
	effects.writes++
	effects.touch(patientID)
	return nil
}

// syncLedger re-reads the ledger and writes only rows that still differ.
func (r *reconciler) syncLedger(ctx context.Context, writes []entity.LedgerRecord) (int, error) {
	if len(writes) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(writes))
	for _, w := range writes {
		ids = append(ids, w.ReservationID)
	}
	current, err := r.ledger.QueryByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	view := entity.NewLedgerView("", "")
	if err := view.Add(current); err != nil {
		return 0, err
	}

	written := 0
	for _, want := range writes {
		if have, ok := view.Get(want.ReservationID); ok && ledgerSatisfies(have, want) {
			continue
		}
		if err := r.ledger.UpsertRecord(ctx, want); err != nil {
			r.metrics.RecordSideEffectFailure("ledger")
			return written, err
		}
		written++
	}
	return written, nil
}

func ledgerSatisfies(have, want entity.LedgerRecord) bool {
	if have.Status != want.Status {
		return false
	}
	if !want.PatientID.IsZero() && have.PatientID != want.PatientID {
		return false
	}
	if want.Status == entity.LedgerStatusCanceled {
		return true
	}
	return have.Date == want.Date && have.Time == want.Time
}

func ledgerPatients(writes []entity.LedgerRecord, written int) []entity.PatientIdentity {
	if written == 0 {
		return nil
	}
	ids := make([]entity.PatientIdentity, 0, len(writes))
	for _, w := range writes {
		ids = append(ids, w.PatientID)
	}
	return ids
}

func (r *reconciler) afterCommit(ctx context.Context, effects *repairEffects, opts ReconcileOptions) {
	if len(effects.patients) > 0 && r.cache != nil {
		r.cache.Invalidate(ctx, effects.patients...)
	}
	if !opts.Notify || r.notifier == nil {
		return
	}

	db := r.store.DB().WithContext(context.WithoutCancel(ctx))
	for _, v := range effects.visible {
		patient, err := r.recipient(ctx, db, v.patientID)
		if err != nil {
			r.log.Warnf("Failed to load patient %s for notification: %+v", v.patientID, err)
			continue
		}
		if _, err := r.notifier.NotifyIfVisible(ctx, patient, v.change); err != nil {
			r.log.Warnf("Failed to notify %s about %s: %+v", v.patientID, v.change.Key(), err)
		}
	}
}

// recipient follows a merged row to the patient that now owns the chat.
func (r *reconciler) recipient(ctx context.Context, db *gorm.DB, id entity.PatientIdentity) (*entity.Patient, error) {
	patient, err := r.patientRepo.FindByID(ctx, db, id)
	if err != nil || patient == nil || !patient.IsMerged() {
		return patient, err
	}
	return r.patientRepo.FindByID(ctx, db, *patient.MergedInto)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
