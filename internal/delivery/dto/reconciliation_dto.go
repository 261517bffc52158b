package dto

import (
	"time"

	"clinic-reconciler/internal/domain/entity"
)

// Request DTOs

type RunReconciliationRequest struct {
	From   string `json:"from" validate:"required,datetime=2006-01-02"`
	To     string `json:"to" validate:"required,datetime=2006-01-02"`
	DryRun bool   `json:"dry_run"`
	Notify bool   `json:"notify"`
}

// Response DTOs

type DiscrepancyResponse struct {
	Kind       entity.DiscrepancyKind   `json:"kind"`
	PatientID  entity.PatientIdentity   `json:"patient_id,omitempty"`
	Refs       []string                 `json:"refs"`
	Detail     string                   `json:"detail"`
	Action     entity.FixAction         `json:"action"`
	Reason     string                   `json:"reason,omitempty"`
	Candidates []entity.PatientIdentity `json:"candidates,omitempty"`
	Outcome    entity.RepairOutcome     `json:"outcome,omitempty"`
	Writes     int                      `json:"writes"`
	Error      string                   `json:"error,omitempty"`
}

type ReconciliationRunResponse struct {
	ID            string                `json:"id"`
	From          string                `json:"from"`
	To            string                `json:"to"`
	DryRun        bool                  `json:"dry_run"`
	Status        entity.RunStatus      `json:"status"`
	Message       string                `json:"message"`
	ExitCode      int                   `json:"exit_code"`
	Summary       entity.Summary        `json:"summary"`
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    time.Time             `json:"finished_at"`
	Discrepancies []DiscrepancyResponse `json:"discrepancies"`
}

type ReconciliationRunListItem struct {
	ID         string           `json:"id"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	Status     entity.RunStatus `json:"status"`
	Message    string           `json:"message"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

type ReconciliationRunListResponse struct {
	Runs  []ReconciliationRunListItem `json:"runs"`
	Total int                         `json:"total"`
}
