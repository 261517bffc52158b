package dto

import (
	"time"

	"clinic-reconciler/internal/domain/entity"
)

type SetReservationStatusRequest struct {
	Status entity.ReservationStatus `json:"status" validate:"required,oneof=pending completed canceled"`
}

type ReservationResponse struct {
	ReservationID string                   `json:"reservation_id"`
	PatientID     entity.PatientIdentity   `json:"patient_id"`
	Date          string                   `json:"date"`
	Time          string                   `json:"time"`
	Status        entity.ReservationStatus `json:"status"`
	Version       int                      `json:"version"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

type ReservationListResponse struct {
	Reservations []ReservationResponse `json:"reservations"`
	Total        int                   `json:"total"`
}
