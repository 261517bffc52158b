package service

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database alive and shared.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&entity.Patient{},
		&entity.Reservation{},
		&entity.IntakeRecord{},
		&entity.ReorderRequest{},
		&entity.Order{},
		&entity.AuditLog{},
		&entity.ReconciliationRun{},
	))
	return db
}

// fakeLedger is an in-memory LedgerRepository.
type fakeLedger struct {
	mu       sync.Mutex
	records  map[string]entity.LedgerRecord
	upserts  []entity.LedgerRecord
	queryErr error
	writeErr error
}

func newFakeLedger(records ...entity.LedgerRecord) *fakeLedger {
	l := &fakeLedger{records: make(map[string]entity.LedgerRecord)}
	for _, r := range records {
		l.records[r.ReservationID] = r
	}
	return l
}

func (l *fakeLedger) QueryByDateRange(ctx context.Context, from, to string) ([]entity.LedgerRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queryErr != nil {
		return nil, l.queryErr
	}
	var out []entity.LedgerRecord
	for _, r := range l.records {
		if r.Date >= from && r.Date <= to {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ReservationID < out[b].ReservationID })
	return out, nil
}

func (l *fakeLedger) QueryByIDs(ctx context.Context, ids []string) ([]entity.LedgerRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queryErr != nil {
		return nil, l.queryErr
	}
	var out []entity.LedgerRecord
	for _, id := range ids {
		if r, ok := l.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *fakeLedger) UpsertRecord(ctx context.Context, record entity.LedgerRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	l.records[record.ReservationID] = record
	l.upserts = append(l.upserts, record)
	return nil
}

func (l *fakeLedger) get(id string) entity.LedgerRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[id]
}

// fakePusher records pushed messages.
type fakePusher struct {
	mu      sync.Mutex
	enabled bool
	err     error
	sent    []string
}

func (p *fakePusher) Enabled() bool {
	return p.enabled
}

func (p *fakePusher) Push(ctx context.Context, to string, retryKey string, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, to)
	return nil
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fixture struct {
	db         *gorm.DB
	store      *repository.StateStore
	ledger     *fakeLedger
	pusher     *fakePusher
	resolver   IdentityResolver
	detector   DriftDetector
	reconciler Reconciler
	now        time.Time
}

func newFixture(t *testing.T, capacity int, ledger *fakeLedger) *fixture {
	t.Helper()
	db := newTestDB(t)
	log := quietLogger()
	metrics := NewMetrics()

	patientRepo := repository.NewPatientRepository()
	reservationRepo := repository.NewReservationRepository()
	intakeRepo := repository.NewIntakeRepository()
	reorderRepo := repository.NewReorderRepository()
	orderRepo := repository.NewOrderRepository()
	auditService := NewAuditService(db, log, repository.NewAuditLogRepository())

	store := repository.NewStateStore(db, time.UTC, patientRepo, reservationRepo, intakeRepo, reorderRepo, orderRepo)
	resolver := NewIdentityResolver(log, "JP", patientRepo, reservationRepo, intakeRepo, reorderRepo, orderRepo, auditService)
	pusher := &fakePusher{enabled: true}
	_, rdb := newTestRedis(t)
	notifier := NewNotifier(pusher, rdb, time.Hour, log, metrics)

	return &fixture{
		db:       db,
		store:    store,
		ledger:   ledger,
		pusher:   pusher,
		resolver: resolver,
		detector: NewDriftDetector(DetectorConfig{SlotCapacity: capacity, GhostGracePeriod: 10 * time.Minute, PhoneRegion: "JP"}),
		reconciler: NewReconciler(log, store, patientRepo, reservationRepo, intakeRepo, reorderRepo,
			resolver, auditService, ledger, NewCacheInvalidator(nil, log, metrics), notifier, metrics, capacity),
		now: time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) detect(t *testing.T, from, to string) []entity.Discrepancy {
	t.Helper()
	ctx := context.Background()
	snap, err := f.store.Snapshot(ctx, from, to)
	require.NoError(t, err)
	rows, err := f.ledger.QueryByDateRange(ctx, from, to)
	require.NoError(t, err)
	view := entity.NewLedgerView(from, to)
	require.NoError(t, view.Add(rows))
	require.NoError(t, f.store.Supplement(ctx, snap, view))
	return f.detector.Detect(snap, view, f.now)
}

func (f *fixture) run(t *testing.T, from, to string, dryRun bool) ([]entity.Discrepancy, []entity.RepairResult) {
	t.Helper()
	found := f.detect(t, from, to)
	results, err := f.reconciler.Reconcile(context.Background(), found, ReconcileOptions{RunID: "test-run", DryRun: dryRun, Notify: true})
	require.NoError(t, err)
	return found, results
}

func (f *fixture) seedPatient(t *testing.T, id entity.PatientIdentity, chatID string) {
	t.Helper()
	p := &entity.Patient{PatientID: id, DisplayName: string(id)}
	if chatID != "" {
		p.LineUserID = &chatID
	}
	require.NoError(t, f.db.Create(p).Error)
}

func (f *fixture) seedReservation(t *testing.T, id string, patient entity.PatientIdentity, date, slot string, status entity.ReservationStatus, created time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&entity.Reservation{
		ReservationID: id,
		PatientID:     patient,
		ReservedDate:  date,
		ReservedTime:  slot,
		Status:        status,
		Version:       1,
		CreatedAt:     created,
	}).Error)
}

func (f *fixture) reservation(t *testing.T, id string) entity.Reservation {
	t.Helper()
	var r entity.Reservation
	require.NoError(t, f.db.Where("reservation_id = ?", id).First(&r).Error)
	return r
}

func (f *fixture) auditCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&entity.AuditLog{}).Count(&n).Error)
	return n
}

func ledgerRow(id string, patient entity.PatientIdentity, date, slot string, status entity.LedgerStatus) entity.LedgerRecord {
	return entity.LedgerRecord{ReservationID: id, PatientID: patient, Date: date, Time: slot, Status: status}
}

func totalWrites(results []entity.RepairResult) int {
	n := 0
	for _, r := range results {
		n += r.Writes
	}
	return n
}

func kinds(ds []entity.Discrepancy) []entity.DiscrepancyKind {
	out := make([]entity.DiscrepancyKind, len(ds))
	for i, d := range ds {
		out[i] = d.Kind
	}
	return out
}
