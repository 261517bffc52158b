package repository

import (
	"context"
	"time"

	"clinic-reconciler/internal/domain/entity"

	"gorm.io/gorm"
)

type ReorderRepository interface {
	Create(ctx context.Context, db *gorm.DB, reorder *entity.ReorderRequest) error
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*entity.ReorderRequest, error)
	// FindByStatuses returns requests in any of statuses created in [since, until).
	FindByStatuses(ctx context.Context, db *gorm.DB, statuses []entity.ReorderStatus, since, until time.Time) ([]entity.ReorderRequest, error)
	Settle(ctx context.Context, db *gorm.DB, id int64, version int, from, to entity.ReorderStatus, paidAt *time.Time) (int64, error)
	ReassignPatient(ctx context.Context, db *gorm.DB, from, to entity.PatientIdentity) (int64, error)
}

type OrderRepository interface {
	Create(ctx context.Context, db *gorm.DB, order *entity.Order) error
	FindByPatients(ctx context.Context, db *gorm.DB, patientIDs []entity.PatientIdentity) ([]entity.Order, error)
	ReassignPatient(ctx context.Context, db *gorm.DB, from, to entity.PatientIdentity) (int64, error)
}
