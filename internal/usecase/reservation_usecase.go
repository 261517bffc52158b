package usecase

import (
	"context"
	"time"

	"clinic-reconciler/internal/converter"
	"clinic-reconciler/internal/delivery/dto"
	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/internal/domain/repository"
	storeRepo "clinic-reconciler/internal/repository"
	"clinic-reconciler/internal/service"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ReservationUsecase interface {
	// ListActive returns a patient's non-canceled reservations from onOrAfter
	// (today in clinic time when empty).
	ListActive(ctx context.Context, patientID entity.PatientIdentity, onOrAfter string) (*dto.ReservationListResponse, error)
	// SetStatus applies a manual lifecycle move. Repeating the current status
	// is a no-op; anything else outside the lifecycle is ErrIllegalTransition.
	SetStatus(ctx context.Context, reservationID string, next entity.ReservationStatus, actor string) (*dto.ReservationResponse, error)
}

type reservationUsecase struct {
	db              *gorm.DB
	log             *logrus.Logger
	location        *time.Location
	store           *storeRepo.StateStore
	reservationRepo repository.ReservationRepository
	auditService    service.AuditService
	cache           service.CacheInvalidator
}

func NewReservationUsecase(
	db *gorm.DB,
	log *logrus.Logger,
	location *time.Location,
	store *storeRepo.StateStore,
	reservationRepo repository.ReservationRepository,
	auditService service.AuditService,
	cache service.CacheInvalidator,
) ReservationUsecase {
	if location == nil {
		location = time.UTC
	}
	return &reservationUsecase{
		db:              db,
		log:             log,
		location:        location,
		store:           store,
		reservationRepo: reservationRepo,
		auditService:    auditService,
		cache:           cache,
	}
}

func (u *reservationUsecase) ListActive(ctx context.Context, patientID entity.PatientIdentity, onOrAfter string) (*dto.ReservationListResponse, error) {
	if onOrAfter == "" {
		onOrAfter = time.Now().In(u.location).Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", onOrAfter); err != nil {
		return nil, entity.ErrInvalidDateRange
	}

	rows, err := u.store.GetActiveReservations(ctx, patientID, onOrAfter)
	if err != nil {
		u.log.Warnf("Failed to find active reservations: %+v", err)
		return nil, err
	}
	return converter.ReservationsToListResponse(rows), nil
}

func (u *reservationUsecase) SetStatus(ctx context.Context, reservationID string, next entity.ReservationStatus, actor string) (*dto.ReservationResponse, error) {
	var updated *entity.Reservation
	err := u.store.Transaction(ctx, func(tx *gorm.DB) error {
		before, err := u.reservationRepo.FindByID(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if before == nil {
			return entity.ErrReservationNotFound
		}

		changed, err := u.store.UpsertReservationStatus(ctx, tx, reservationID, next)
		if err != nil {
			return err
		}
		if changed {
			action := entity.AuditActionReservationComplete
			if next == entity.ReservationStatusCanceled {
				action = entity.AuditActionReservationCancel
			}
			if err := u.auditService.LogUpdate(ctx, tx, actor, action, entity.RefReservation, reservationID,
				before.Ref(), next); err != nil {
				return err
			}
		}

		updated, err = u.reservationRepo.FindByID(ctx, tx, reservationID)
		return err
	})
	if err != nil {
		u.log.Warnf("Failed to set reservation status: %+v", err)
		return nil, err
	}

	u.cache.Invalidate(ctx, updated.PatientID)
	return converter.ReservationToResponse(updated), nil
}
