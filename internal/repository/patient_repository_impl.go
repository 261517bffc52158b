package repository

import (
	"context"
	"errors"

	"clinic-reconciler/internal/domain/entity"
	domainRepo "clinic-reconciler/internal/domain/repository"

	"gorm.io/gorm"
)

type patientRepository struct{}

func NewPatientRepository() domainRepo.PatientRepository {
	return &patientRepository{}
}

func (r *patientRepository) Create(ctx context.Context, db *gorm.DB, patient *entity.Patient) error {
	return db.WithContext(ctx).Create(patient).Error
}

func (r *patientRepository) FindByID(ctx context.Context, db *gorm.DB, id entity.PatientIdentity) (*entity.Patient, error) {
	var patient entity.Patient
	err := db.WithContext(ctx).Where("patient_id = ?", id).First(&patient).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &patient, nil
}

func (r *patientRepository) FindByIDs(ctx context.Context, db *gorm.DB, ids []entity.PatientIdentity) ([]entity.Patient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var patients []entity.Patient
	err := db.WithContext(ctx).Where("patient_id IN ?", ids).Order("patient_id").Find(&patients).Error
	if err != nil {
		return nil, err
	}
	return patients, nil
}

func (r *patientRepository) FindByLineUserIDs(ctx context.Context, db *gorm.DB, chatIDs []string) ([]entity.Patient, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	var patients []entity.Patient
	err := db.WithContext(ctx).Where("line_user_id IN ?", chatIDs).Order("patient_id").Find(&patients).Error
	if err != nil {
		return nil, err
	}
	return patients, nil
}

func (r *patientRepository) FindByPhone(ctx context.Context, db *gorm.DB, phone string) ([]entity.Patient, error) {
	if phone == "" {
		return nil, nil
	}
	var patients []entity.Patient
	err := db.WithContext(ctx).
		Where("phone_number = ? AND merged_into IS NULL", phone).
		Order("patient_id").
		Find(&patients).Error
	if err != nil {
		return nil, err
	}
	return patients, nil
}

func (r *patientRepository) LinkLineUserID(ctx context.Context, db *gorm.DB, id entity.PatientIdentity, chatID string) (int64, error) {
	result := db.WithContext(ctx).Model(&entity.Patient{}).
		Where("patient_id = ? AND line_user_id IS NULL", id).
		Update("line_user_id", chatID)
	return result.RowsAffected, result.Error
}

func (r *patientRepository) MarkMerged(ctx context.Context, db *gorm.DB, temporary, canonical entity.PatientIdentity) (int64, error) {
	result := db.WithContext(ctx).Model(&entity.Patient{}).
		Where("patient_id = ? AND merged_into IS NULL", temporary).
		Updates(map[string]interface{}{
			"line_user_id": nil,
			"merged_into":  canonical,
		})
	return result.RowsAffected, result.Error
}
