package usecase

import (
	"context"

	"clinic-reconciler/internal/converter"
	"clinic-reconciler/internal/delivery/dto"
	"clinic-reconciler/internal/domain/repository"
	"clinic-reconciler/internal/service"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type AuditLogUsecase interface {
	// GetRunAuditTrail lists the audit rows written by one reconciliation run.
	GetRunAuditTrail(ctx context.Context, runID string) (*dto.AuditLogListResponse, error)
	// GetActorAuditTrail lists the audit rows of an operator.
	GetActorAuditTrail(ctx context.Context, actor string) (*dto.AuditLogListResponse, error)
}

type auditLogUsecase struct {
	db           *gorm.DB
	log          *logrus.Logger
	runRepo      repository.ReconciliationRunRepository
	auditService service.AuditService
}

func NewAuditLogUsecase(
	db *gorm.DB,
	log *logrus.Logger,
	runRepo repository.ReconciliationRunRepository,
	auditService service.AuditService,
) AuditLogUsecase {
	return &auditLogUsecase{
		db:           db,
		log:          log,
		runRepo:      runRepo,
		auditService: auditService,
	}
}

func (u *auditLogUsecase) GetRunAuditTrail(ctx context.Context, runID string) (*dto.AuditLogListResponse, error) {
	run, err := u.runRepo.FindByID(ctx, u.db, runID)
	if err != nil {
		u.log.Warnf("Failed to find reconciliation run: %+v", err)
		return nil, err
	}
	if run == nil {
		u.log.Warnf("Failed to find reconciliation run: %+v", "run not found")
		return nil, ErrRunNotFound
	}

	return u.GetActorAuditTrail(ctx, run.ID)
}

func (u *auditLogUsecase) GetActorAuditTrail(ctx context.Context, actor string) (*dto.AuditLogListResponse, error) {
	logs, err := u.auditService.FindByActor(ctx, actor)
	if err != nil {
		u.log.Warnf("Failed to find audit logs: %+v", err)
		return nil, err
	}

	return converter.AuditTrailToResponse(logs), nil
}
