package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"clinic-reconciler/internal/converter"
	"clinic-reconciler/internal/delivery/dto"
	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/internal/usecase"
	"clinic-reconciler/pkg/report"
	"clinic-reconciler/pkg/response"
	"clinic-reconciler/pkg/validator"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type ReconciliationHandler struct {
	reconciliationUsecase usecase.ReconciliationUsecase
	auditLogUsecase       usecase.AuditLogUsecase
	validator             *validator.RequestValidator
	log                   *logrus.Logger
	// exclusive takes the run lock for every API-triggered run.
	exclusive bool
}

func NewReconciliationHandler(
	reconciliationUsecase usecase.ReconciliationUsecase,
	auditLogUsecase usecase.AuditLogUsecase,
	validator *validator.RequestValidator,
	log *logrus.Logger,
	exclusive bool,
) *ReconciliationHandler {
	return &ReconciliationHandler{
		reconciliationUsecase: reconciliationUsecase,
		auditLogUsecase:       auditLogUsecase,
		validator:             validator,
		log:                   log,
		exclusive:             exclusive,
	}
}

func (h *ReconciliationHandler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req dto.RunReconciliationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Fail(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	if err := h.validator.Validate(&req); err != nil {
		response.Invalid(w, h.validator.Fields(err))
		return
	}

	result, err := h.reconciliationUsecase.Run(r.Context(), usecase.RunRequest{
		From:      req.From,
		To:        req.To,
		DryRun:    req.DryRun,
		Exclusive: h.exclusive,
		Notify:    req.Notify,
	})
	body := converter.ReportToResponse(result, usecase.ExitCode(result, err))
	if err != nil {
		switch {
		case errors.Is(err, entity.ErrInvalidDateRange):
			response.Fail(w, http.StatusBadRequest, err.Error(), nil)
		case errors.Is(err, usecase.ErrRunInProgress):
			response.Fail(w, http.StatusConflict, "A reconciliation run is already in progress", nil)
		case errors.Is(err, entity.ErrLedgerUnavailable):
			response.RunResult(w, http.StatusServiceUnavailable, "Ledger fetch failed, no changes made", body)
		default:
			h.log.Warnf("Failed to run reconciliation: %+v", err)
			response.Fail(w, http.StatusInternalServerError, "Failed to run reconciliation", nil)
		}
		return
	}

	response.RunResult(w, http.StatusOK, result.Message, body)
}

func (h *ReconciliationHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, stored, err := h.reconciliationUsecase.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, usecase.ErrRunNotFound) {
			response.Fail(w, http.StatusNotFound, "Reconciliation run not found", nil)
			return
		}
		response.Fail(w, http.StatusInternalServerError, "Failed to get reconciliation run", nil)
		return
	}

	if stored == nil {
		response.OK(w, "Reconciliation run retrieved successfully", converter.RunToListItem(run))
		return
	}
	response.OK(w, "Reconciliation run retrieved successfully", converter.ReportToResponse(stored, usecase.ExitCode(stored, nil)))
}

func (h *ReconciliationHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := h.reconciliationUsecase.ListRuns(r.Context(), limit)
	if err != nil {
		response.Fail(w, http.StatusInternalServerError, "Failed to list reconciliation runs", nil)
		return
	}

	list := converter.RunsToListResponse(runs)
	response.Page(w, "Reconciliation runs retrieved successfully", list.Runs, limit, list.Total)
}

// DownloadReport serves the stored report of a run as an xlsx workbook.
func (h *ReconciliationHandler) DownloadReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	_, stored, err := h.reconciliationUsecase.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, usecase.ErrRunNotFound) {
			response.Fail(w, http.StatusNotFound, "Reconciliation run not found", nil)
			return
		}
		response.Fail(w, http.StatusInternalServerError, "Failed to get reconciliation run", nil)
		return
	}
	if stored == nil {
		response.Fail(w, http.StatusNotFound, "Run has no stored report", nil)
		return
	}

	err = response.Attachment(w, report.ContentType, "reconciliation-"+id+".xlsx", func(out io.Writer) error {
		return report.Write(out, stored)
	})
	if err != nil {
		h.log.Warnf("Failed to write report workbook: %+v", err)
	}
}

func (h *ReconciliationHandler) GetRunAuditTrail(w http.ResponseWriter, r *http.Request) {
	logs, err := h.auditLogUsecase.GetRunAuditTrail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, usecase.ErrRunNotFound) {
			response.Fail(w, http.StatusNotFound, "Reconciliation run not found", nil)
			return
		}
		response.Fail(w, http.StatusInternalServerError, "Failed to get audit trail", nil)
		return
	}

	response.OK(w, "Audit trail retrieved successfully", logs)
}
