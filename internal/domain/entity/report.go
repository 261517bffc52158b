package entity

import (
	"fmt"
	"time"
)

type RepairOutcome string

const (
	OutcomeApplied RepairOutcome = "applied"
	OutcomeNoop    RepairOutcome = "noop"
	OutcomeFailed  RepairOutcome = "failed"
	OutcomeReview  RepairOutcome = "review"
	OutcomePlanned RepairOutcome = "planned"
	OutcomeSkipped RepairOutcome = "skipped"
)

// RepairResult is the reconciler's verdict for one discrepancy.
type RepairResult struct {
	Discrepancy Discrepancy   `json:"discrepancy"`
	Outcome     RepairOutcome `json:"outcome"`
	Writes      int           `json:"writes"`
	Error       string        `json:"error,omitempty"`
}

// Summary is the operator-facing tally of a run.
type Summary struct {
	Detected            map[DiscrepancyKind]int `json:"detected"`
	GhostsFixed         int                     `json:"ghosts_fixed"`
	DuplicatesCollapsed int                     `json:"duplicates_collapsed"`
	StatusesCompleted   int                     `json:"statuses_completed"`
	IdentitiesRelinked  int                     `json:"identities_relinked"`
	OtherFixes          int                     `json:"other_fixes"`
	Planned             int                     `json:"planned"`
	NoOps               int                     `json:"noops"`
	Skipped             int                     `json:"skipped"`
	Failed              int                     `json:"failed"`
	NeedsReview         int                     `json:"needs_review"`
	Conflicts           int                     `json:"conflicts"`
	Writes              int                     `json:"writes"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d ghosts fixed, %d duplicates collapsed, %d conflicts need review",
		s.GhostsFixed, s.DuplicatesCollapsed, s.NeedsReview)
}

// Tally folds results into the summary.
func (s *Summary) Tally(results []RepairResult) {
	for _, res := range results {
		s.Writes += res.Writes
		switch res.Outcome {
		case OutcomeApplied:
			switch res.Discrepancy.Kind {
			case KindGhost:
				s.GhostsFixed++
			case KindDuplicate:
				s.DuplicatesCollapsed++
			case KindStaleStatus:
				s.StatusesCompleted++
			case KindOrphanedIdentity:
				s.IdentitiesRelinked++
			default:
				s.OtherFixes++
			}
		case OutcomePlanned:
			s.Planned++
		case OutcomeNoop:
			s.NoOps++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeFailed:
			s.Failed++
		case OutcomeReview:
			s.NeedsReview++
			if res.Discrepancy.Kind == KindOrphanedIdentity {
				s.Conflicts++
			}
		}
	}
}

type RunStatus string

const (
	RunStatusRunning         RunStatus = "running"
	RunStatusClean           RunStatus = "clean"
	RunStatusRepaired        RunStatus = "repaired"
	RunStatusDryRun          RunStatus = "dry_run"
	RunStatusLedgerFailed    RunStatus = "ledger_unavailable"
	RunStatusNeedsReview     RunStatus = "needs_review"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	RunStatusAborted         RunStatus = "aborted"
	RunStatusError           RunStatus = "error"
)

// Report is the full result of one reconciliation run.
type Report struct {
	RunID         string         `json:"run_id"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	DryRun        bool           `json:"dry_run"`
	Status        RunStatus      `json:"status"`
	Message       string         `json:"message"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Discrepancies []Discrepancy  `json:"discrepancies"`
	Results       []RepairResult `json:"results"`
	Summary       Summary        `json:"summary"`
}
