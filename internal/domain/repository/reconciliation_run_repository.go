package repository

import (
	"context"

	"clinic-reconciler/internal/domain/entity"

	"gorm.io/gorm"
)

type ReconciliationRunRepository interface {
	Create(ctx context.Context, db *gorm.DB, run *entity.ReconciliationRun) error
	Update(ctx context.Context, db *gorm.DB, run *entity.ReconciliationRun) error
	FindByID(ctx context.Context, db *gorm.DB, id string) (*entity.ReconciliationRun, error)
	FindRecent(ctx context.Context, db *gorm.DB, limit int) ([]entity.ReconciliationRun, error)
}
