package repository

import (
	"context"
	"errors"

	"clinic-reconciler/internal/domain/entity"
	domainRepo "clinic-reconciler/internal/domain/repository"

	"gorm.io/gorm"
)

type intakeRepository struct{}

func NewIntakeRepository() domainRepo.IntakeRepository {
	return &intakeRepository{}
}

func (r *intakeRepository) Create(ctx context.Context, db *gorm.DB, intake *entity.IntakeRecord) error {
	return db.WithContext(ctx).Create(intake).Error
}

func (r *intakeRepository) FindByID(ctx context.Context, db *gorm.DB, id int64) (*entity.IntakeRecord, error) {
	var intake entity.IntakeRecord
	err := db.WithContext(ctx).Where("id = ?", id).First(&intake).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &intake, nil
}

func (r *intakeRepository) FindByPatients(ctx context.Context, db *gorm.DB, patientIDs []entity.PatientIdentity) ([]entity.IntakeRecord, error) {
	if len(patientIDs) == 0 {
		return nil, nil
	}
	var intakes []entity.IntakeRecord
	err := db.WithContext(ctx).
		Where("patient_id IN ?", patientIDs).
		Order("created_at ASC, id ASC").
		Find(&intakes).Error
	if err != nil {
		return nil, err
	}
	return intakes, nil
}

func (r *intakeRepository) FindByReservationIDs(ctx context.Context, db *gorm.DB, reservationIDs []string) ([]entity.IntakeRecord, error) {
	if len(reservationIDs) == 0 {
		return nil, nil
	}
	var intakes []entity.IntakeRecord
	err := db.WithContext(ctx).
		Where("linked_reservation_id IN ?", reservationIDs).
		Order("created_at ASC, id ASC").
		Find(&intakes).Error
	if err != nil {
		return nil, err
	}
	return intakes, nil
}

func (r *intakeRepository) UpdateLink(ctx context.Context, db *gorm.DB, id int64, from string, to *string) (int64, error) {
	query := db.WithContext(ctx).Model(&entity.IntakeRecord{}).Where("id = ?", id)
	if from == "" {
		query = query.Where("linked_reservation_id IS NULL")
	} else {
		query = query.Where("linked_reservation_id = ?", from)
	}
	result := query.Update("linked_reservation_id", to)
	return result.RowsAffected, result.Error
}

func (r *intakeRepository) ReassignPatient(ctx context.Context, db *gorm.DB, from, to entity.PatientIdentity) (int64, error) {
	result := db.WithContext(ctx).Model(&entity.IntakeRecord{}).
		Where("patient_id = ?", from).
		Update("patient_id", to)
	return result.RowsAffected, result.Error
}
