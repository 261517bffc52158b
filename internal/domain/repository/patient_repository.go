package repository

import (
	"context"

	"clinic-reconciler/internal/domain/entity"

	"gorm.io/gorm"
)

type PatientRepository interface {
	Create(ctx context.Context, db *gorm.DB, patient *entity.Patient) error
	FindByID(ctx context.Context, db *gorm.DB, id entity.PatientIdentity) (*entity.Patient, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []entity.PatientIdentity) ([]entity.Patient, error)
	FindByLineUserIDs(ctx context.Context, db *gorm.DB, chatIDs []string) ([]entity.Patient, error)
	FindByPhone(ctx context.Context, db *gorm.DB, phone string) ([]entity.Patient, error)
	// LinkLineUserID sets the chat id only where it is still NULL.
	LinkLineUserID(ctx context.Context, db *gorm.DB, id entity.PatientIdentity, chatID string) (int64, error)
	// MarkMerged releases the chat id of a temporary row and points it at its
	// canonical identity, only if it is not merged yet.
	MarkMerged(ctx context.Context, db *gorm.DB, temporary, canonical entity.PatientIdentity) (int64, error)
}
