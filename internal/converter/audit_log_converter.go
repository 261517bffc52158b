package converter

import (
	"fmt"

	"clinic-reconciler/internal/delivery/dto"
	"clinic-reconciler/internal/domain/entity"
)

// AuditLogToResponse flattens the metadata the audit service writes.
func AuditLogToResponse(log *entity.AuditLog) dto.AuditLogResponse {
	res := dto.AuditLogResponse{
		ID:        log.ID,
		Actor:     log.Actor,
		Action:    log.Action,
		Before:    log.Metadata["old_value"],
		After:     log.Metadata["new_value"],
		CreatedAt: log.CreatedAt,
	}
	if v, ok := log.Metadata["entity"].(string); ok {
		res.Entity = v
	}
	if v, ok := log.Metadata["entity_id"]; ok && v != nil {
		res.EntityID = fmt.Sprint(v)
	}
	return res
}

// AuditTrailToResponse lists a trail oldest first with a count per action.
func AuditTrailToResponse(logs []entity.AuditLog) *dto.AuditLogListResponse {
	out := &dto.AuditLogListResponse{
		Logs:  make([]dto.AuditLogResponse, len(logs)),
		Total: len(logs),
	}
	if len(logs) > 0 {
		out.Actions = make(map[string]int)
	}
	for i := range logs {
		out.Logs[i] = AuditLogToResponse(&logs[i])
		out.Actions[logs[i].Action]++
	}
	return out
}
