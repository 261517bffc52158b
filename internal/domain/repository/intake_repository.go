package repository

import (
	"context"

	"clinic-reconciler/internal/domain/entity"

	"gorm.io/gorm"
)

type IntakeRepository interface {
	Create(ctx context.Context, db *gorm.DB, intake *entity.IntakeRecord) error
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*entity.IntakeRecord, error)
	FindByPatients(ctx context.Context, db *gorm.DB, patientIDs []entity.PatientIdentity) ([]entity.IntakeRecord, error)
	FindByReservationIDs(ctx context.Context, db *gorm.DB, reservationIDs []string) ([]entity.IntakeRecord, error)
	// UpdateLink swaps the linked reservation only if it still equals from.
	UpdateLink(ctx context.Context, db *gorm.DB, id int64, from string, to *string) (int64, error)
	ReassignPatient(ctx context.Context, db *gorm.DB, from, to entity.PatientIdentity) (int64, error)
}
