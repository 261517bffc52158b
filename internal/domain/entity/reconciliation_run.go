package entity

import (
	"time"
)

// ReconciliationRun persists a non-dry run and its report for later lookup.
type ReconciliationRun struct {
	ID         string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	RangeFrom  string     `gorm:"type:varchar(10);not null" json:"range_from"`
	RangeTo    string     `gorm:"type:varchar(10);not null" json:"range_to"`
	DryRun     bool       `gorm:"not null;default:false" json:"dry_run"`
	Status     RunStatus  `gorm:"type:varchar(32);not null;index" json:"status"`
	Message    string     `gorm:"type:text" json:"message"`
	Summary    JSON       `gorm:"type:jsonb" json:"summary,omitempty"`
	Report     string     `gorm:"type:text" json:"-"`
	StartedAt  time.Time  `gorm:"not null;index" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (ReconciliationRun) TableName() string {
	return "reconciliation_runs"
}
