package repository

import (
	"context"

	"clinic-reconciler/internal/domain/entity"

	"gorm.io/gorm"
)

type ReservationRepository interface {
	Create(ctx context.Context, db *gorm.DB, reservation *entity.Reservation) error
	// CreateIfAbsent inserts unless the reservation id already exists.
	CreateIfAbsent(ctx context.Context, db *gorm.DB, reservation *entity.Reservation) (int64, error)
	FindByID(ctx context.Context, db *gorm.DB, id string) (*entity.Reservation, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []string) ([]entity.Reservation, error)
	FindByDateRange(ctx context.Context, db *gorm.DB, from, to string) ([]entity.Reservation, error)
	FindActiveByPatient(ctx context.Context, db *gorm.DB, patientID entity.PatientIdentity, onOrAfter string) ([]entity.Reservation, error)
	CountActiveInSlot(ctx context.Context, db *gorm.DB, date, time string, excludeID string) (int64, error)
	CountActiveForPatientOnDate(ctx context.Context, db *gorm.DB, patientID entity.PatientIdentity, date string, excludeID string) (int64, error)
	// UpdateStatus moves a reservation to next only while it is still in one of
	// the allowed statuses. When version > 0 the version must match as well.
	UpdateStatus(ctx context.Context, db *gorm.DB, id string, allowed []entity.ReservationStatus, version int, next entity.ReservationStatus) (int64, error)
	Reschedule(ctx context.Context, db *gorm.DB, id string, version int, date, time string) (int64, error)
	ReassignPatient(ctx context.Context, db *gorm.DB, from, to entity.PatientIdentity) (int64, error)
}
