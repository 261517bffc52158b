package entity

import (
	"strings"
	"time"
)

// TemporaryIdentityPrefix marks identities minted from a LINE chat before the
// person completed registration.
const TemporaryIdentityPrefix = "LINE_"

// PatientIdentity is either a permanent registration number or a temporary
// chat-derived id.
type PatientIdentity string

func (p PatientIdentity) IsTemporary() bool {
	return strings.HasPrefix(string(p), TemporaryIdentityPrefix)
}

func (p PatientIdentity) IsZero() bool {
	return strings.TrimSpace(string(p)) == ""
}

func (p PatientIdentity) String() string {
	return string(p)
}

// TemporaryIdentityFor derives the temporary identity for a LINE user id.
func TemporaryIdentityFor(chatID string) PatientIdentity {
	return PatientIdentity(TemporaryIdentityPrefix + chatID)
}

// Patient is the canonical person row. A temporary row that has been linked to
// a permanent one keeps its history pointer in MergedInto and releases its chat id.
type Patient struct {
	PatientID   PatientIdentity  `gorm:"type:varchar(64);primaryKey" json:"patient_id"`
	DisplayName string           `gorm:"type:varchar(255)" json:"display_name"`
	LineUserID  *string          `gorm:"type:varchar(64);uniqueIndex" json:"line_user_id,omitempty"`
	PhoneNumber string           `gorm:"type:varchar(20);index" json:"phone_number,omitempty"`
	MergedInto  *PatientIdentity `gorm:"type:varchar(64);index" json:"merged_into,omitempty"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Patient) TableName() string {
	return "patients"
}

// IsMerged reports whether this row was folded into another identity.
func (p *Patient) IsMerged() bool {
	return p.MergedInto != nil && !p.MergedInto.IsZero()
}

// ChatID returns the linked LINE user id or "".
func (p *Patient) ChatID() string {
	if p.LineUserID == nil {
		return ""
	}
	return *p.LineUserID
}
