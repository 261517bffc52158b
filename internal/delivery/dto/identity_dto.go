package dto

import (
	"clinic-reconciler/internal/domain/entity"
)

type ResolveIdentityRequest struct {
	ChatID    string                 `json:"chat_id" validate:"required_without=PatientID,max=64"`
	PatientID entity.PatientIdentity `json:"patient_id" validate:"max=64"`
	Phone     string                 `json:"phone" validate:"max=32"`
	Apply     bool                   `json:"apply"`
}

type ResolveIdentityResponse struct {
	Canonical    entity.PatientIdentity   `json:"canonical"`
	ChatID       string                   `json:"chat_id,omitempty"`
	Temporary    entity.PatientIdentity   `json:"temporary,omitempty"`
	NeedsLink    bool                     `json:"needs_link"`
	Mergeable    bool                     `json:"mergeable"`
	Applied      bool                     `json:"applied"`
	ChatLinked   bool                     `json:"chat_linked"`
	TempMerged   bool                     `json:"temp_merged"`
	RecordsMoved int64                    `json:"records_moved"`
	Candidates   []entity.PatientIdentity `json:"candidates,omitempty"`
}
