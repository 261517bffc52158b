package repository

import (
	"context"
	"errors"
	"time"

	"clinic-reconciler/internal/domain/entity"
	domainRepo "clinic-reconciler/internal/domain/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type reservationRepository struct{}

func NewReservationRepository() domainRepo.ReservationRepository {
	return &reservationRepository{}
}

func (r *reservationRepository) Create(ctx context.Context, db *gorm.DB, reservation *entity.Reservation) error {
	return db.WithContext(ctx).Create(reservation).Error
}

func (r *reservationRepository) CreateIfAbsent(ctx context.Context, db *gorm.DB, reservation *entity.Reservation) (int64, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "reservation_id"}}, DoNothing: true}).
		Create(reservation)
	return result.RowsAffected, result.Error
}

func (r *reservationRepository) FindByID(ctx context.Context, db *gorm.DB, id string) (*entity.Reservation, error) {
	var reservation entity.Reservation
	err := db.WithContext(ctx).Where("reservation_id = ?", id).First(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &reservation, nil
}

func (r *reservationRepository) FindByIDs(ctx context.Context, db *gorm.DB, ids []string) ([]entity.Reservation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var reservations []entity.Reservation
	err := db.WithContext(ctx).Where("reservation_id IN ?", ids).Order("reservation_id").Find(&reservations).Error
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

func (r *reservationRepository) FindByDateRange(ctx context.Context, db *gorm.DB, from, to string) ([]entity.Reservation, error) {
	var reservations []entity.Reservation
	err := db.WithContext(ctx).
		Where("reserved_date >= ? AND reserved_date <= ?", from, to).
		Order("reserved_date ASC, reserved_time ASC, created_at ASC, reservation_id ASC").
		Find(&reservations).Error
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

func (r *reservationRepository) FindActiveByPatient(ctx context.Context, db *gorm.DB, patientID entity.PatientIdentity, onOrAfter string) ([]entity.Reservation, error) {
	var reservations []entity.Reservation
	err := db.WithContext(ctx).
		Where("patient_id = ? AND reserved_date >= ? AND status != ?", patientID, onOrAfter, entity.ReservationStatusCanceled).
		Order("reserved_date ASC, reserved_time ASC, created_at ASC").
		Find(&reservations).Error
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

func (r *reservationRepository) CountActiveInSlot(ctx context.Context, db *gorm.DB, date, slot string, excludeID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&entity.Reservation{}).
		Where("reserved_date = ? AND reserved_time = ? AND status != ? AND reservation_id != ?",
			date, slot, entity.ReservationStatusCanceled, excludeID).
		Count(&count).Error
	return count, err
}

func (r *reservationRepository) CountActiveForPatientOnDate(ctx context.Context, db *gorm.DB, patientID entity.PatientIdentity, date string, excludeID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&entity.Reservation{}).
		Where("patient_id = ? AND reserved_date = ? AND status != ? AND reservation_id != ?",
			patientID, date, entity.ReservationStatusCanceled, excludeID).
		Count(&count).Error
	return count, err
}

// UpdateStatus is a single conditional UPDATE. RowsAffected 0 means the row
// was not in an allowed status (or its version moved), never a partial write.
func (r *reservationRepository) UpdateStatus(ctx context.Context, db *gorm.DB, id string, allowed []entity.ReservationStatus, version int, next entity.ReservationStatus) (int64, error) {
	query := db.WithContext(ctx).Model(&entity.Reservation{}).
		Where("reservation_id = ? AND status IN ?", id, allowed)
	if version > 0 {
		query = query.Where("version = ?", version)
	}
	result := query.Updates(map[string]interface{}{
		"status":     next,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	})
	return result.RowsAffected, result.Error
}

func (r *reservationRepository) Reschedule(ctx context.Context, db *gorm.DB, id string, version int, date, slot string) (int64, error) {
	result := db.WithContext(ctx).Model(&entity.Reservation{}).
		Where("reservation_id = ? AND version = ? AND status = ?", id, version, entity.ReservationStatusPending).
		Updates(map[string]interface{}{
			"reserved_date": date,
			"reserved_time": slot,
			"version":       gorm.Expr("version + 1"),
			"updated_at":    time.Now(),
		})
	return result.RowsAffected, result.Error
}

func (r *reservationRepository) ReassignPatient(ctx context.Context, db *gorm.DB, from, to entity.PatientIdentity) (int64, error) {
	result := db.WithContext(ctx).Model(&entity.Reservation{}).
		Where("patient_id = ?", from).
		Updates(map[string]interface{}{
			"patient_id": to,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}
