package repository

import (
	"context"
	"errors"
	"time"

	"clinic-reconciler/internal/domain/entity"
	domainRepo "clinic-reconciler/internal/domain/repository"

	"gorm.io/gorm"
)

type reorderRepository struct{}

func NewReorderRepository() domainRepo.ReorderRepository {
	return &reorderRepository{}
}

func (r *reorderRepository) Create(ctx context.Context, db *gorm.DB, reorder *entity.ReorderRequest) error {
	return db.WithContext(ctx).Create(reorder).Error
}

func (r *reorderRepository) FindByID(ctx context.Context, db *gorm.DB, id int64) (*entity.ReorderRequest, error) {
	var reorder entity.ReorderRequest
	err := db.WithContext(ctx).Where("id = ?", id).First(&reorder).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &reorder, nil
}

func (r *reorderRepository) FindByStatuses(ctx context.Context, db *gorm.DB, statuses []entity.ReorderStatus, since, until time.Time) ([]entity.ReorderRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var reorders []entity.ReorderRequest
	err := db.WithContext(ctx).
		Where("status IN ? AND created_at >= ? AND created_at < ?", statuses, since, until).
		Order("created_at ASC, id ASC").
		Find(&reorders).Error
	if err != nil {
		return nil, err
	}
	return reorders, nil
}

func (r *reorderRepository) Settle(ctx context.Context, db *gorm.DB, id int64, version int, from, to entity.ReorderStatus, paidAt *time.Time) (int64, error) {
	updates := map[string]interface{}{
		"status":     to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	}
	if paidAt != nil {
		updates["paid_at"] = *paidAt
	}
	result := db.WithContext(ctx).Model(&entity.ReorderRequest{}).
		Where("id = ? AND status = ? AND version = ?", id, from, version).
		Updates(updates)
	return result.RowsAffected, result.Error
}

func (r *reorderRepository) ReassignPatient(ctx context.Context, db *gorm.DB, from, to entity.PatientIdentity) (int64, error) {
	result := db.WithContext(ctx).Model(&entity.ReorderRequest{}).
		Where("patient_id = ?", from).
		Updates(map[string]interface{}{
			"patient_id": to,
			"version":    gorm.Expr("version + 1"),
		})
	return result.RowsAffected, result.Error
}

type orderRepository struct{}

func NewOrderRepository() domainRepo.OrderRepository {
	return &orderRepository{}
}

func (r *orderRepository) Create(ctx context.Context, db *gorm.DB, order *entity.Order) error {
	return db.WithContext(ctx).Create(order).Error
}

func (r *orderRepository) FindByPatients(ctx context.Context, db *gorm.DB, patientIDs []entity.PatientIdentity) ([]entity.Order, error) {
	if len(patientIDs) == 0 {
		return nil, nil
	}
	var orders []entity.Order
	err := db.WithContext(ctx).
		Where("patient_id IN ?", patientIDs).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *orderRepository) ReassignPatient(ctx context.Context, db *gorm.DB, from, to entity.PatientIdentity) (int64, error) {
	result := db.WithContext(ctx).Model(&entity.Order{}).
		Where("patient_id = ?", from).
		Update("patient_id", to)
	return result.RowsAffected, result.Error
}
