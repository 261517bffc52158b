package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"clinic-reconciler/internal/delivery/dto"
	"clinic-reconciler/internal/delivery/http/middleware"
	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/internal/usecase"
	"clinic-reconciler/pkg/response"
	"clinic-reconciler/pkg/validator"

	"github.com/gorilla/mux"
)

type ReservationHandler struct {
	reservationUsecase usecase.ReservationUsecase
	validator          *validator.RequestValidator
}

func NewReservationHandler(reservationUsecase usecase.ReservationUsecase, validator *validator.RequestValidator) *ReservationHandler {
	return &ReservationHandler{
		reservationUsecase: reservationUsecase,
		validator:          validator,
	}
}

func (h *ReservationHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	patientID := entity.PatientIdentity(mux.Vars(r)["patientId"])

	list, err := h.reservationUsecase.ListActive(r.Context(), patientID, r.URL.Query().Get("from"))
	if err != nil {
		if errors.Is(err, entity.ErrInvalidDateRange) {
			response.Fail(w, http.StatusBadRequest, "from must be YYYY-MM-DD", nil)
			return
		}
		response.Fail(w, http.StatusInternalServerError, "Failed to get reservations", nil)
		return
	}

	response.OK(w, "Reservations retrieved successfully", list)
}

func (h *ReservationHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req dto.SetReservationStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Fail(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	if err := h.validator.Validate(&req); err != nil {
		response.Invalid(w, h.validator.Fields(err))
		return
	}

	actor, _ := middleware.GetSubjectFromContext(r.Context())
	reservation, err := h.reservationUsecase.SetStatus(r.Context(), mux.Vars(r)["id"], req.Status, actor)
	if err != nil {
		switch {
		case errors.Is(err, entity.ErrReservationNotFound):
			response.Fail(w, http.StatusNotFound, "Reservation not found", nil)
		case errors.Is(err, entity.ErrIllegalTransition):
			response.Fail(w, http.StatusConflict, err.Error(), nil)
		default:
			response.Fail(w, http.StatusInternalServerError, "Failed to update reservation status", nil)
		}
		return
	}

	response.OK(w, "Reservation status updated successfully", reservation)
}
