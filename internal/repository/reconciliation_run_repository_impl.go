package repository

import (
	"context"
	"errors"

	"clinic-reconciler/internal/domain/entity"
	domainRepo "clinic-reconciler/internal/domain/repository"

	"gorm.io/gorm"
)

type reconciliationRunRepository struct{}

func NewReconciliationRunRepository() domainRepo.ReconciliationRunRepository {
	return &reconciliationRunRepository{}
}

func (r *reconciliationRunRepository) Create(ctx context.Context, db *gorm.DB, run *entity.ReconciliationRun) error {
	return db.WithContext(ctx).Create(run).Error
}

func (r *reconciliationRunRepository) Update(ctx context.Context, db *gorm.DB, run *entity.ReconciliationRun) error {
	return db.WithContext(ctx).Save(run).Error
}

func (r *reconciliationRunRepository) FindByID(ctx context.Context, db *gorm.DB, id string) (*entity.ReconciliationRun, error) {
	var run entity.ReconciliationRun
	err := db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (r *reconciliationRunRepository) FindRecent(ctx context.Context, db *gorm.DB, limit int) ([]entity.ReconciliationRun, error) {
	var runs []entity.ReconciliationRun
	err := db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}
