package dto

import (
	"time"
)

// AuditLogResponse is one applied correction: which record, its value before
// and after.
type AuditLogResponse struct {
	ID        int64       `json:"id"`
	Actor     string      `json:"actor"`
	Action    string      `json:"action"`
	Entity    string      `json:"entity,omitempty"`
	EntityID  string      `json:"entity_id,omitempty"`
	Before    interface{} `json:"before,omitempty"`
	After     interface{} `json:"after,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type AuditLogListResponse struct {
	Logs    []AuditLogResponse `json:"logs"`
	Total   int                `json:"total"`
	Actions map[string]int     `json:"actions,omitempty"`
}
