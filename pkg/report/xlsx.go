// Package report renders reconciliation reports as xlsx workbooks for the
// front desk, who review escalations in a spreadsheet.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"clinic-reconciler/internal/domain/entity"

	"github.com/xuri/excelize/v2"
)

const (
	SummarySheet       = "Summary"
	DiscrepanciesSheet = "Discrepancies"
	ContentType        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var discrepancyHeadings = []string{"Kind", "Patient", "Records", "Detail", "Action", "Outcome", "Writes", "Reason / Error", "Candidates"}

// Build lays a run report out on two sheets.
func Build(r *entity.Report) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return nil, err
	}
	if err := writeSummary(f, r); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(DiscrepanciesSheet); err != nil {
		return nil, err
	}
	if err := writeDiscrepancies(f, r); err != nil {
		return nil, err
	}
	return f, nil
}

// Write streams the workbook to w.
func Write(w io.Writer, r *entity.Report) error {
	f, err := Build(r)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

func SaveAs(path string, r *entity.Report) error {
	f, err := Build(r)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.SaveAs(path)
}

func writeSummary(f *excelize.File, r *entity.Report) error {
	s := r.Summary
	rows := [][]interface{}{
		{"Run", r.RunID},
		{"From", r.From},
		{"To", r.To},
		{"Dry run", r.DryRun},
		{"Status", string(r.Status)},
		{"Message", r.Message},
		{"Started", r.StartedAt.Format("2006-01-02 15:04:05")},
		{"Finished", r.FinishedAt.Format("2006-01-02 15:04:05")},
		{"Ghosts fixed", s.GhostsFixed},
		{"Duplicates collapsed", s.DuplicatesCollapsed},
		{"Statuses completed", s.StatusesCompleted},
		{"Identities relinked", s.IdentitiesRelinked},
		{"Other fixes", s.OtherFixes},
		{"Planned", s.Planned},
		{"No-ops", s.NoOps},
		{"Skipped", s.Skipped},
		{"Failed", s.Failed},
		{"Needs review", s.NeedsReview},
		{"Writes", s.Writes},
	}

	kinds := make([]string, 0, len(s.Detected))
	for k := range s.Detected {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		rows = append(rows, []interface{}{"Detected " + k, s.Detected[entity.DiscrepancyKind(k)]})
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return err
		}
	}
	return f.SetColWidth(SummarySheet, "A", "A", 24)
}

func writeDiscrepancies(f *excelize.File, r *entity.Report) error {
	if err := f.SetSheetRow(DiscrepanciesSheet, "A1", &discrepancyHeadings); err != nil {
		return err
	}

	results := r.Results
	if len(results) == 0 {
		for _, d := range r.Discrepancies {
			results = append(results, entity.RepairResult{Discrepancy: d})
		}
	}

	for i, res := range results {
		d := res.Discrepancy
		refs := make([]string, len(d.EntityRefs))
		for j, ref := range d.EntityRefs {
			refs[j] = ref.Type + ":" + ref.ID
		}
		candidates := make([]string, len(d.ProposedFix.Candidates))
		for j, c := range d.ProposedFix.Candidates {
			candidates[j] = string(c)
		}
		note := res.Error
		if note == "" {
			note = d.ProposedFix.Reason
		}

		row := []interface{}{
			string(d.Kind),
			string(d.PatientID),
			strings.Join(refs, ", "),
			d.Detail,
			string(d.ProposedFix.Action),
			string(res.Outcome),
			res.Writes,
			note,
			strings.Join(candidates, ", "),
		}
		if err := f.SetSheetRow(DiscrepanciesSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return err
		}
	}

	if err := f.SetPanes(DiscrepanciesSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}
	return f.SetColWidth(DiscrepanciesSheet, "C", "D", 40)
}
