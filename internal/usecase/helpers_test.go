package usecase

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/internal/repository"
	"clinic-reconciler/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)

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

type stubLedger struct {
	mu       sync.Mutex
	records  map[string]entity.LedgerRecord
	queryErr error
	writes   int
}

func newStubLedger(records ...entity.LedgerRecord) *stubLedger {
	l := &stubLedger{records: make(map[string]entity.LedgerRecord)}
	for _, r := range records {
		l.records[r.ReservationID] = r
	}
	return l
}

func (l *stubLedger) QueryByDateRange(ctx context.Context, from, to string) ([]entity.LedgerRecord, error) {
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

func (l *stubLedger) QueryByIDs(ctx context.Context, ids []string) ([]entity.LedgerRecord, error) {
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

func (l *stubLedger) UpsertRecord(ctx context.Context, record entity.LedgerRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[record.ReservationID] = record
	l.writes++
	return nil
}

type silentPusher struct{}

func (silentPusher) Enabled() bool { return false }

func (silentPusher) Push(ctx context.Context, to string, retryKey string, text string) error {
	return nil
}

type harness struct {
	db           *gorm.DB
	ledger       *stubLedger
	store        *repository.StateStore
	resolver     service.IdentityResolver
	auditService service.AuditService
	cache        service.CacheInvalidator
	runs         ReconciliationUsecase
	audit        AuditLogUsecase
	locker       *redislock.Client
}

func newHarness(t *testing.T, ledger *stubLedger) *harness {
	t.Helper()
	db := newTestDB(t)
	log := quietLogger()
	metrics := service.NewMetrics()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := redislock.New(rdb)

	patientRepo := repository.NewPatientRepository()
	reservationRepo := repository.NewReservationRepository()
	intakeRepo := repository.NewIntakeRepository()
	reorderRepo := repository.NewReorderRepository()
	orderRepo := repository.NewOrderRepository()
	runRepo := repository.NewReconciliationRunRepository()
	auditService := service.NewAuditService(db, log, repository.NewAuditLogRepository())

	store := repository.NewStateStore(db, time.UTC, patientRepo, reservationRepo, intakeRepo, reorderRepo, orderRepo)
	resolver := service.NewIdentityResolver(log, "JP", patientRepo, reservationRepo, intakeRepo, reorderRepo, orderRepo, auditService)
	cache := service.NewCacheInvalidator(rdb, log, metrics)
	notifier := service.NewNotifier(silentPusher{}, rdb, time.Hour, log, metrics)
	detector := service.NewDriftDetector(service.DetectorConfig{SlotCapacity: 2, GhostGracePeriod: 10 * time.Minute, PhoneRegion: "JP"})
	reconciler := service.NewReconciler(log, store, patientRepo, reservationRepo, intakeRepo, reorderRepo,
		resolver, auditService, ledger, cache, notifier, metrics, 2)

	runs := NewReconciliationUsecase(db, log, store, ledger, runRepo, detector, reconciler, metrics, locker, time.Minute)
	runs.(*reconciliationUsecase).now = func() time.Time { return testNow }

	return &harness{
		db:           db,
		ledger:       ledger,
		store:        store,
		resolver:     resolver,
		auditService: auditService,
		cache:        cache,
		runs:         runs,
		audit:        NewAuditLogUsecase(db, log, runRepo, auditService),
		locker:       locker,
	}
}

func (h *harness) seedPatient(t *testing.T, id entity.PatientIdentity, chatID string) {
	t.Helper()
	p := &entity.Patient{PatientID: id, DisplayName: string(id)}
	if chatID != "" {
		p.LineUserID = &chatID
	}
	require.NoError(t, h.db.Create(p).Error)
}

func (h *harness) seedReservation(t *testing.T, id string, patient entity.PatientIdentity, date, slot string, status entity.ReservationStatus) {
	t.Helper()
	require.NoError(t, h.db.Create(&entity.Reservation{
		ReservationID: id,
		PatientID:     patient,
		ReservedDate:  date,
		ReservedTime:  slot,
		Status:        status,
		Version:       1,
		CreatedAt:     testNow.Add(-24 * time.Hour),
	}).Error)
}

func (h *harness) status(t *testing.T, id string) entity.ReservationStatus {
	t.Helper()
	var r entity.Reservation
	require.NoError(t, h.db.Where("reservation_id = ?", id).First(&r).Error)
	return r.Status
}

func (h *harness) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(model).Count(&n).Error)
	return n
}

func canceledRow(id string, patient entity.PatientIdentity, date, slot string) entity.LedgerRecord {
	return entity.LedgerRecord{ReservationID: id, PatientID: patient, Date: date, Time: slot, Status: entity.LedgerStatusCanceled}
}
