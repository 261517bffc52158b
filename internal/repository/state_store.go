package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clinic-reconciler/internal/domain/entity"
	domainRepo "clinic-reconciler/internal/domain/repository"

	"gorm.io/gorm"
)

// openReorderStatuses are the reorder states reconciliation inspects.
var openReorderStatuses = []entity.ReorderStatus{
	entity.ReorderStatusConfirmed,
	entity.ReorderStatusPaid,
}

// StateStore is the typed relational side of reconciliation: consistent
// snapshots for detection and atomic status writes.
type StateStore struct {
	db              *gorm.DB
	location        *time.Location
	patientRepo     domainRepo.PatientRepository
	reservationRepo domainRepo.ReservationRepository
	intakeRepo      domainRepo.IntakeRepository
	reorderRepo     domainRepo.ReorderRepository
	orderRepo       domainRepo.OrderRepository
}

func NewStateStore(
	db *gorm.DB,
	location *time.Location,
	patientRepo domainRepo.PatientRepository,
	reservationRepo domainRepo.ReservationRepository,
	intakeRepo domainRepo.IntakeRepository,
	reorderRepo domainRepo.ReorderRepository,
	orderRepo domainRepo.OrderRepository,
) *StateStore {
	if location == nil {
		location = time.UTC
	}
	return &StateStore{
		db:              db,
		location:        location,
		patientRepo:     patientRepo,
		reservationRepo: reservationRepo,
		intakeRepo:      intakeRepo,
		reorderRepo:     reorderRepo,
		orderRepo:       orderRepo,
	}
}

func (s *StateStore) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn in a read-write transaction.
func (s *StateStore) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// readTransaction runs fn at a single snapshot. Postgres needs REPEATABLE READ
// for that; SQLite transactions are serializable already.
func (s *StateStore) readTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var opts []*sql.TxOptions
	if s.db.Dialector.Name() == "postgres" {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	return s.db.WithContext(ctx).Transaction(fn, opts...)
}

// Snapshot reads every relational record a run over [from, to] compares
// against the ledger.
func (s *StateStore) Snapshot(ctx context.Context, from, to string) (*entity.Snapshot, error) {
	since, until, err := s.createdWindow(from, to)
	if err != nil {
		return nil, err
	}

	snap := entity.NewSnapshot(from, to)
	err = s.readTransaction(ctx, func(tx *gorm.DB) error {
		reservations, err := s.reservationRepo.FindByDateRange(ctx, tx, from, to)
		if err != nil {
			return fmt.Errorf("read reservations: %w", err)
		}
		snap.AddReservations(reservations)

		if err := s.loadRelated(ctx, tx, snap, snap.PatientIDs(), snap.ReservationIDs()); err != nil {
			return err
		}

		reorders, err := s.reorderRepo.FindByStatuses(ctx, tx, openReorderStatuses, since, until)
		if err != nil {
			return fmt.Errorf("read reorders: %w", err)
		}
		snap.Reorders = reorders

		owners := make([]entity.PatientIdentity, 0, len(reorders))
		for _, r := range reorders {
			owners = append(owners, r.PatientID)
		}
		orders, err := s.orderRepo.FindByPatients(ctx, tx, owners)
		if err != nil {
			return fmt.Errorf("read orders: %w", err)
		}
		snap.Orders = orders
		return nil
	})
	if err != nil {
		return nil, err
	}
	snap.TakenAt = time.Now()
	return snap, nil
}

// Supplement loads the relational rows the ledger refers to but the range read
// missed: reservations moved out of range, and identities only the ledger names.
func (s *StateStore) Supplement(ctx context.Context, snap *entity.Snapshot, ledger *entity.LedgerView) error {
	var missingReservations []string
	var missingPatients []entity.PatientIdentity
	var chatIDs []string
	for _, id := range ledger.SortedIDs() {
		rec := ledger.Records[id]
		if _, ok := snap.Reservation(id); !ok {
			missingReservations = append(missingReservations, id)
		}
		if !rec.PatientID.IsZero() {
			if _, ok := snap.Patients[rec.PatientID]; !ok {
				missingPatients = append(missingPatients, rec.PatientID)
			}
		}
		if rec.LineUserID != "" {
			if _, ok := snap.ChatOwners[rec.LineUserID]; !ok {
				chatIDs = append(chatIDs, rec.LineUserID)
			}
		}
	}
	if len(missingReservations) == 0 && len(missingPatients) == 0 && len(chatIDs) == 0 {
		return nil
	}

	return s.readTransaction(ctx, func(tx *gorm.DB) error {
		reservations, err := s.reservationRepo.FindByIDs(ctx, tx, missingReservations)
		if err != nil {
			return fmt.Errorf("read reservations by id: %w", err)
		}
		snap.AddReservations(reservations)

		ids := make([]string, 0, len(reservations))
		for _, r := range reservations {
			ids = append(ids, r.ReservationID)
			missingPatients = append(missingPatients, r.PatientID)
		}
		if err := s.loadRelated(ctx, tx, snap, missingPatients, ids); err != nil {
			return err
		}

		owners, err := s.patientRepo.FindByLineUserIDs(ctx, tx, chatIDs)
		if err != nil {
			return fmt.Errorf("read patients by chat id: %w", err)
		}
		snap.AddPatients(owners)
		return nil
	})
}

func (s *StateStore) loadRelated(ctx context.Context, tx *gorm.DB, snap *entity.Snapshot, patientIDs []entity.PatientIdentity, reservationIDs []string) error {
	patients, err := s.patientRepo.FindByIDs(ctx, tx, patientIDs)
	if err != nil {
		return fmt.Errorf("read patients: %w", err)
	}
	snap.AddPatients(patients)

	// Merged temporary rows point at their canonical identity, load it too.
	var canonical []entity.PatientIdentity
	for _, p := range patients {
		if p.IsMerged() {
			if _, ok := snap.Patients[*p.MergedInto]; !ok {
				canonical = append(canonical, *p.MergedInto)
			}
		}
	}
	if len(canonical) > 0 {
		rows, err := s.patientRepo.FindByIDs(ctx, tx, canonical)
		if err != nil {
			return fmt.Errorf("read canonical patients: %w", err)
		}
		snap.AddPatients(rows)
	}

	intakes, err := s.intakeRepo.FindByPatients(ctx, tx, patientIDs)
	if err != nil {
		return fmt.Errorf("read intakes: %w", err)
	}
	snap.AddIntakes(intakes)

	linked, err := s.intakeRepo.FindByReservationIDs(ctx, tx, reservationIDs)
	if err != nil {
		return fmt.Errorf("read linked intakes: %w", err)
	}
	snap.AddIntakes(linked)

	outside, err := s.reservationRepo.FindByIDs(ctx, tx, snap.UnresolvedLinks())
	if err != nil {
		return fmt.Errorf("read linked reservations: %w", err)
	}
	for _, r := range outside {
		snap.Linked[r.ReservationID] = r
	}
	return nil
}

// GetActiveReservations lists a patient's non-canceled reservations from
// onOrAfter onwards.
func (s *StateStore) GetActiveReservations(ctx context.Context, patientID entity.PatientIdentity, onOrAfter string) ([]entity.Reservation, error) {
	return s.reservationRepo.FindActiveByPatient(ctx, s.db, patientID, onOrAfter)
}

// UpsertReservationStatus moves a reservation to next in one conditional
// UPDATE. Setting the status it already has is a no-op.
func (s *StateStore) UpsertReservationStatus(ctx context.Context, db *gorm.DB, reservationID string, next entity.ReservationStatus) (bool, error) {
	if db == nil {
		db = s.db
	}
	allowed := entity.Predecessors(next)
	if len(allowed) > 0 {
		rows, err := s.reservationRepo.UpdateStatus(ctx, db, reservationID, allowed, 0, next)
		if err != nil {
			return false, err
		}
		if rows > 0 {
			return true, nil
		}
	}

	current, err := s.reservationRepo.FindByID(ctx, db, reservationID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, entity.ErrReservationNotFound
	}
	if current.Status == next {
		return false, nil
	}
	return false, &entity.TransitionError{ReservationID: reservationID, From: current.Status, To: next}
}

// createdWindow converts an inclusive date range into a half-open time window
// in the clinic's timezone.
func (s *StateStore) createdWindow(from, to string) (time.Time, time.Time, error) {
	since, err := time.ParseInLocation("2006-01-02", from, s.location)
	if err != nil {
		return time.Time{}, time.Time{}, entity.ErrInvalidDateRange
	}
	last, err := time.ParseInLocation("2006-01-02", to, s.location)
	if err != nil {
		return time.Time{}, time.Time{}, entity.ErrInvalidDateRange
	}
	if last.Before(since) {
		return time.Time{}, time.Time{}, entity.ErrInvalidDateRange
	}
	return since, last.AddDate(0, 0, 1), nil
}
