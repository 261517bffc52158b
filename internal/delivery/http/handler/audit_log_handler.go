package handler

import (
	"net/http"

	"clinic-reconciler/internal/delivery/http/middleware"
	"clinic-reconciler/internal/usecase"
	"clinic-reconciler/pkg/response"
)

type AuditLogHandler struct {
	auditLogUsecase usecase.AuditLogUsecase
}

func NewAuditLogHandler(auditLogUsecase usecase.AuditLogUsecase) *AuditLogHandler {
	return &AuditLogHandler{
		auditLogUsecase: auditLogUsecase,
	}
}

// GetAuditLogs lists audit rows by actor, defaulting to the caller.
func (h *AuditLogHandler) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor, _ = middleware.GetSubjectFromContext(r.Context())
	}
	if actor == "" {
		response.Fail(w, http.StatusBadRequest, "actor is required", nil)
		return
	}

	logs, err := h.auditLogUsecase.GetActorAuditTrail(r.Context(), actor)
	if err != nil {
		response.Fail(w, http.StatusInternalServerError, "Failed to get audit logs", nil)
		return
	}

	response.OK(w, "Audit logs retrieved successfully", logs)
}
