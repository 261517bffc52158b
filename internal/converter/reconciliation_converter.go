package converter

import (
	"clinic-reconciler/internal/delivery/dto"
	"clinic-reconciler/internal/domain/entity"
)

// ReportToResponse flattens a run report. Each discrepancy carries the
// outcome the reconciler recorded for it, if any.
func ReportToResponse(report *entity.Report, exitCode int) *dto.ReconciliationRunResponse {
	if report == nil {
		return nil
	}

	items := make([]dto.DiscrepancyResponse, 0, len(report.Results))
	if len(report.Results) > 0 {
		for _, res := range report.Results {
			item := DiscrepancyToResponse(&res.Discrepancy)
			item.Outcome = res.Outcome
			item.Writes = res.Writes
			item.Error = res.Error
			items = append(items, item)
		}
	} else {
		for i := range report.Discrepancies {
			items = append(items, DiscrepancyToResponse(&report.Discrepancies[i]))
		}
	}

	return &dto.ReconciliationRunResponse{
		ID:            report.RunID,
		From:          report.From,
		To:            report.To,
		DryRun:        report.DryRun,
		Status:        report.Status,
		Message:       report.Message,
		ExitCode:      exitCode,
		Summary:       report.Summary,
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
		Discrepancies: items,
	}
}

func DiscrepancyToResponse(d *entity.Discrepancy) dto.DiscrepancyResponse {
	refs := make([]string, len(d.EntityRefs))
	for i, ref := range d.EntityRefs {
		refs[i] = ref.Type + ":" + ref.ID
	}
	return dto.DiscrepancyResponse{
		Kind:       d.Kind,
		PatientID:  d.PatientID,
		Refs:       refs,
		Detail:     d.Detail,
		Action:     d.ProposedFix.Action,
		Reason:     d.ProposedFix.Reason,
		Candidates: d.ProposedFix.Candidates,
	}
}

// RunToListItem is the short form of a run, without its report.
func RunToListItem(run *entity.ReconciliationRun) dto.ReconciliationRunListItem {
	return dto.ReconciliationRunListItem{
		ID:         run.ID,
		From:       run.RangeFrom,
		To:         run.RangeTo,
		Status:     run.Status,
		Message:    run.Message,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

func RunsToListResponse(runs []entity.ReconciliationRun) *dto.ReconciliationRunListResponse {
	items := make([]dto.ReconciliationRunListItem, len(runs))
	for i := range runs {
		items[i] = RunToListItem(&runs[i])
	}
	return &dto.ReconciliationRunListResponse{Runs: items, Total: len(items)}
}
