package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinic-reconciler/internal/domain/entity"
	domainRepo "clinic-reconciler/internal/domain/repository"
	"clinic-reconciler/internal/repository"
	"clinic-reconciler/internal/service"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	ErrRunNotFound   = errors.New("reconciliation run not found")
	ErrRunInProgress = errors.New("another reconciliation run holds the lock")
	ErrLockDisabled  = errors.New("exclusive runs need redis to be configured")
)

// Process exit codes for a run.
const (
	ExitOK              = 0
	ExitInternal        = 1
	ExitLedgerFailed    = 2
	ExitReviewRequired  = 3
	ExitRepairFailed    = 4
	runLockKey          = "reconcile:lock"
	ledgerFailedMessage = "ledger fetch failed, no changes made."
	tracerName          = "clinic-reconciler/usecase"
)

type RunRequest struct {
	From      string
	To        string
	DryRun    bool
	Exclusive bool
	Notify    bool
}

type ReconciliationUsecase interface {
	// Run executes one detect + repair pass over [From, To]. The report is
	// returned even when err is not nil, so callers can always print it.
	Run(ctx context.Context, req RunRequest) (*entity.Report, error)
	GetRun(ctx context.Context, id string) (*entity.ReconciliationRun, *entity.Report, error)
	ListRuns(ctx context.Context, limit int) ([]entity.ReconciliationRun, error)
}

type reconciliationUsecase struct {
	db         *gorm.DB
	log        *logrus.Logger
	store      *repository.StateStore
	ledger     domainRepo.LedgerRepository
	runRepo    domainRepo.ReconciliationRunRepository
	detector   service.DriftDetector
	reconciler service.Reconciler
	metrics    *service.Metrics
	locker     *redislock.Client
	lockTTL    time.Duration
	tracer     trace.Tracer
	now        func() time.Time
}

func NewReconciliationUsecase(
	db *gorm.DB,
	log *logrus.Logger,
	store *repository.StateStore,
	ledger domainRepo.LedgerRepository,
	runRepo domainRepo.ReconciliationRunRepository,
	detector service.DriftDetector,
	reconciler service.Reconciler,
	metrics *service.Metrics,
	locker *redislock.Client,
	lockTTL time.Duration,
) ReconciliationUsecase {
	return &reconciliationUsecase{
		db:         db,
		log:        log,
		store:      store,
		ledger:     ledger,
		runRepo:    runRepo,
		detector:   detector,
		reconciler: reconciler,
		metrics:    metrics,
		locker:     locker,
		lockTTL:    lockTTL,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
}

func (u *reconciliationUsecase) Run(ctx context.Context, req RunRequest) (*entity.Report, error) {
	if err := ValidateRange(req.From, req.To); err != nil {
		return nil, err
	}

	ctx, span := u.tracer.Start(ctx, "reconciliation.run", trace.WithAttributes(
		attribute.String("range.from", req.From),
		attribute.String("range.to", req.To),
		attribute.Bool("dry_run", req.DryRun),
	))
	defer span.End()

	report := &entity.Report{
		RunID:     uuid.New().String(),
		From:      req.From,
		To:        req.To,
		DryRun:    req.DryRun,
		Status:    entity.RunStatusRunning,
		StartedAt: u.now(),
		Summary:   entity.Summary{Detected: map[entity.DiscrepancyKind]int{}},
	}
	span.SetAttributes(attribute.String("run.id", report.RunID))
	log := u.log.WithFields(logrus.Fields{"run_id": report.RunID, "from": req.From, "to": req.To, "dry_run": req.DryRun})

	if req.Exclusive {
		lock, err := u.obtainLock(ctx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				log.Warnf("Failed to release run lock: %+v", err)
			}
		}()
	}

	snap, view, err := u.collect(ctx, req.From, req.To)
	if err != nil {
		if errors.Is(err, entity.ErrLedgerUnavailable) {
			report.Status = entity.RunStatusLedgerFailed
			report.Message = ledgerFailedMessage
		} else {
			report.Status = entity.RunStatusError
			report.Message = err.Error()
		}
		log.Warnf("Failed to collect reconciliation state: %+v", err)
		u.finish(span, report)
		return report, err
	}

	discrepancies := u.detector.Detect(snap, view, u.now())
	report.Discrepancies = discrepancies
	for _, d := range discrepancies {
		report.Summary.Detected[d.Kind]++
	}
	u.metrics.RecordDiscrepancies(discrepancies)
	log.Infof("Detected %d discrepancies", len(discrepancies))

	if !req.DryRun {
		u.createRun(ctx, report)
	}

	results, rerr := u.reconciler.Reconcile(ctx, discrepancies, service.ReconcileOptions{
		RunID:  report.RunID,
		DryRun: req.DryRun,
		Notify: req.Notify,
	})
	report.Results = results
	report.Summary.Tally(results)
	report.Status = runStatus(report, rerr)
	report.Message = report.Summary.String()
	if rerr != nil {
		report.Message = fmt.Sprintf("run aborted: %v; %s", rerr, report.Message)
	}

	u.finish(span, report)
	if !req.DryRun {
		u.updateRun(ctx, report)
	}
	log.WithField("status", report.Status).Info(report.Message)
	return report, rerr
}

// collect reads both sides concurrently. Relational rows the range query
// missed but the ledger names are loaded afterwards, and so are ledger rows
// for reservations that moved out of the ledger range.
func (u *reconciliationUsecase) collect(ctx context.Context, from, to string) (*entity.Snapshot, *entity.LedgerView, error) {
	ctx, span := u.tracer.Start(ctx, "reconciliation.collect")
	defer span.End()

	var snap *entity.Snapshot
	var records []entity.LedgerRecord

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = u.store.Snapshot(gctx, from, to)
		if err != nil {
			return fmt.Errorf("read relational snapshot: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		records, err = u.ledger.QueryByDateRange(gctx, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	view := entity.NewLedgerView(from, to)
	if err := view.Add(records); err != nil {
		return nil, nil, err
	}

	var unseen []string
	for _, id := range snap.ReservationIDs() {
		if _, ok := view.Get(id); !ok {
			unseen = append(unseen, id)
		}
	}
	if len(unseen) > 0 {
		extra, err := u.ledger.QueryByIDs(ctx, unseen)
		if err != nil {
			return nil, nil, err
		}
		if err := view.Add(extra); err != nil {
			return nil, nil, err
		}
	}

	if err := u.store.Supplement(ctx, snap, view); err != nil {
		return nil, nil, fmt.Errorf("supplement relational snapshot: %w", err)
	}
	return snap, view, nil
}

func (u *reconciliationUsecase) obtainLock(ctx context.Context) (*redislock.Lock, error) {
	if u.locker == nil {
		return nil, ErrLockDisabled
	}
	lock, err := u.locker.Obtain(ctx, runLockKey, u.lockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtain run lock: %w", err)
	}
	return lock, nil
}

func runStatus(report *entity.Report, reconcileErr error) entity.RunStatus {
	s := report.Summary
	switch {
	case reconcileErr != nil:
		return entity.RunStatusAborted
	case report.DryRun:
		return entity.RunStatusDryRun
	case s.Failed > 0:
		return entity.RunStatusPartiallyFailed
	case s.NeedsReview > 0:
		return entity.RunStatusNeedsReview
	case s.Writes > 0:
		return entity.RunStatusRepaired
	default:
		return entity.RunStatusClean
	}
}

func (u *reconciliationUsecase) finish(span trace.Span, report *entity.Report) {
	report.FinishedAt = u.now()
	u.metrics.RecordRun(report.Status, report.FinishedAt.Sub(report.StartedAt))
	span.SetAttributes(attribute.String("run.status", string(report.Status)))
	switch report.Status {
	case entity.RunStatusLedgerFailed, entity.RunStatusError, entity.RunStatusAborted, entity.RunStatusPartiallyFailed:
		span.SetStatus(codes.Error, report.Message)
	}
}

func (u *reconciliationUsecase) createRun(ctx context.Context, report *entity.Report) {
	run := &entity.ReconciliationRun{
		ID:        report.RunID,
		RangeFrom: report.From,
		RangeTo:   report.To,
		DryRun:    report.DryRun,
		Status:    entity.RunStatusRunning,
		StartedAt: report.StartedAt,
	}
	if err := u.runRepo.Create(ctx, u.db, run); err != nil {
		u.log.Warnf("Failed to create reconciliation run: %+v", err)
	}
}

func (u *reconciliationUsecase) updateRun(ctx context.Context, report *entity.Report) {
	payload, err := json.Marshal(report)
	if err != nil {
		u.log.Warnf("Failed to encode run report: %+v", err)
		return
	}
	summary, err := summaryJSON(report.Summary)
	if err != nil {
		u.log.Warnf("Failed to encode run summary: %+v", err)
		return
	}
	finished := report.FinishedAt
	run := &entity.ReconciliationRun{
		ID:         report.RunID,
		RangeFrom:  report.From,
		RangeTo:    report.To,
		DryRun:     report.DryRun,
		Status:     report.Status,
		Message:    report.Message,
		Summary:    summary,
		Report:     string(payload),
		StartedAt:  report.StartedAt,
		FinishedAt: &finished,
	}
	// The run row outlives a cancelled request.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := u.runRepo.Update(writeCtx, u.db, run); err != nil {
		u.log.Warnf("Failed to update reconciliation run: %+v", err)
	}
}

func summaryJSON(s entity.Summary) (entity.JSON, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out entity.JSON
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (u *reconciliationUsecase) GetRun(ctx context.Context, id string) (*entity.ReconciliationRun, *entity.Report, error) {
	run, err := u.runRepo.FindByID(ctx, u.db, id)
	if err != nil {
		u.log.Warnf("Failed to find reconciliation run: %+v", err)
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, ErrRunNotFound
	}

	var report *entity.Report
	if run.Report != "" {
		report = &entity.Report{}
		if err := json.Unmarshal([]byte(run.Report), report); err != nil {
			u.log.Warnf("Failed to decode stored run report: %+v", err)
			report = nil
		}
	}
	return run, report, nil
}

func (u *reconciliationUsecase) ListRuns(ctx context.Context, limit int) ([]entity.ReconciliationRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	runs, err := u.runRepo.FindRecent(ctx, u.db, limit)
	if err != nil {
		u.log.Warnf("Failed to list reconciliation runs: %+v", err)
		return nil, err
	}
	return runs, nil
}

// ValidateRange checks an inclusive YYYY-MM-DD range.
func ValidateRange(from, to string) error {
	f, err := time.Parse("2006-01-02", from)
	if err != nil {
		return entity.ErrInvalidDateRange
	}
	t, err := time.Parse("2006-01-02", to)
	if err != nil {
		return entity.ErrInvalidDateRange
	}
	if t.Before(f) {
		return entity.ErrInvalidDateRange
	}
	return nil
}

// ExitCode maps a run outcome to the process exit status.
func ExitCode(report *entity.Report, err error) int {
	if errors.Is(err, entity.ErrLedgerUnavailable) {
		return ExitLedgerFailed
	}
	if report == nil {
		if err != nil {
			return ExitInternal
		}
		return ExitOK
	}
	switch report.Status {
	case entity.RunStatusClean, entity.RunStatusRepaired:
		return ExitOK
	case entity.RunStatusDryRun:
		if report.Summary.NeedsReview > 0 {
			return ExitReviewRequired
		}
		return ExitOK
	case entity.RunStatusNeedsReview:
		return ExitReviewRequired
	case entity.RunStatusPartiallyFailed:
		return ExitRepairFailed
	case entity.RunStatusLedgerFailed:
		return ExitLedgerFailed
	default:
		return ExitInternal
	}
}
