package entity

import (
	"time"
)

type ReviewStatus string

const (
	ReviewStatusUnset    ReviewStatus = ""
	ReviewStatusApproved ReviewStatus = "approved"
	ReviewStatusRejected ReviewStatus = "rejected"
)

// IntakeRecord is a questionnaire submission. Several may exist per patient;
// the newest unreviewed one belongs to the open booking cycle.
type IntakeRecord struct {
	ID                  int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PatientID           PatientIdentity `gorm:"type:varchar(64);not null;index" json:"patient_id"`
	Answers             JSON            `gorm:"type:jsonb" json:"answers,omitempty"`
	LinkedReservationID *string         `gorm:"type:varchar(64);index" json:"linked_reservation_id,omitempty"`
	ReviewStatus        ReviewStatus    `gorm:"type:varchar(16);not null;default:''" json:"review_status"`
	CreatedAt           time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (IntakeRecord) TableName() string {
	return "intake_records"
}

// IsReviewed means a clinician signed off, which implies the visit took place.
func (i *IntakeRecord) IsReviewed() bool {
	return i.ReviewStatus == ReviewStatusApproved || i.ReviewStatus == ReviewStatusRejected
}

// LinkedTo returns the linked reservation id or "".
func (i *IntakeRecord) LinkedTo() string {
	if i.LinkedReservationID == nil {
		return ""
	}
	return *i.LinkedReservationID
}
