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
)

type IdentityHandler struct {
	identityUsecase usecase.IdentityUsecase
	validator       *validator.RequestValidator
}

func NewIdentityHandler(identityUsecase usecase.IdentityUsecase, validator *validator.RequestValidator) *IdentityHandler {
	return &IdentityHandler{
		identityUsecase: identityUsecase,
		validator:       validator,
	}
}

func (h *IdentityHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req dto.ResolveIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Fail(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	if err := h.validator.Validate(&req); err != nil {
		response.Invalid(w, h.validator.Fields(err))
		return
	}

	actor, _ := middleware.GetSubjectFromContext(r.Context())
	res, err := h.identityUsecase.Resolve(r.Context(), usecase.ResolveIdentityRequest{
		ChatID:    req.ChatID,
		PatientID: req.PatientID,
		Phone:     req.Phone,
		Apply:     req.Apply,
		Actor:     actor,
	})
	if err != nil {
		var conflict *entity.IdentityConflictError
		switch {
		case errors.As(err, &conflict):
			response.Fail(w, http.StatusConflict, "Identity conflict requires human review", conflict)
		case errors.Is(err, entity.ErrIdentityConflict):
			response.Fail(w, http.StatusConflict, err.Error(), nil)
		case errors.Is(err, entity.ErrPatientNotFound):
			response.Fail(w, http.StatusNotFound, "Patient not found", nil)
		case errors.Is(err, usecase.ErrIdentityRequired):
			response.Fail(w, http.StatusBadRequest, err.Error(), nil)
		default:
			response.Fail(w, http.StatusInternalServerError, "Failed to resolve identity", nil)
		}
		return
	}

	message := "Identity resolved"
	if req.Apply {
		message = "Identity linked"
	}
	response.OK(w, message, res)
}
