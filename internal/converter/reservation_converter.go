package converter

import (
	"clinic-reconciler/internal/delivery/dto"
	"clinic-reconciler/internal/domain/entity"
)

func ReservationToResponse(r *entity.Reservation) *dto.ReservationResponse {
	if r == nil {
		return nil
	}
	return &dto.ReservationResponse{
		ReservationID: r.ReservationID,
		PatientID:     r.PatientID,
		Date:          r.ReservedDate,
		Time:          r.ReservedTime,
		Status:        r.Status,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func ReservationsToListResponse(rows []entity.Reservation) *dto.ReservationListResponse {
	items := make([]dto.ReservationResponse, len(rows))
	for i := range rows {
		items[i] = *ReservationToResponse(&rows[i])
	}
	return &dto.ReservationListResponse{Reservations: items, Total: len(items)}
}
