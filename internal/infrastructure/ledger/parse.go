package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/pkg/phone"

	"github.com/go-playground/validator/v10"
)

// statusAliases maps every spelling the sheet has been seen to use onto the
// ledger vocabulary. A blank cell is unset, never a status.
var statusAliases = map[string]entity.LedgerStatus{
	"":          entity.LedgerStatusUnset,
	"pending":   entity.LedgerStatusPending,
	"reserved":  entity.LedgerStatusPending,
	"予約":        entity.LedgerStatusPending,
	"予約中":       entity.LedgerStatusPending,
	"completed": entity.LedgerStatusCompleted,
	"complete":  entity.LedgerStatusCompleted,
	"done":      entity.LedgerStatusCompleted,
	"診察済み":      entity.LedgerStatusCompleted,
	"済":         entity.LedgerStatusCompleted,
	"canceled":  entity.LedgerStatusCanceled,
	"cancelled": entity.LedgerStatusCanceled,
	"cancel":    entity.LedgerStatusCanceled,
	"キャンセル":     entity.LedgerStatusCanceled,
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "2006/1/2"}

var timeLayouts = []string{"15:04", "15:04:05"}

// parser turns untyped ledger rows into entity.LedgerRecord. Nothing untyped
// gets past it.
type parser struct {
	location    *time.Location
	phoneRegion string
	validate    *validator.Validate
}

func newParser(location *time.Location, phoneRegion string) *parser {
	return &parser{
		location:    location,
		phoneRegion: phoneRegion,
		validate:    validator.New(),
	}
}

func (p *parser) parseRecords(rows []map[string]any) ([]entity.LedgerRecord, error) {
	records := make([]entity.LedgerRecord, 0, len(rows))
	for i, row := range rows {
		rec, err := p.parseRecord(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", entity.ErrLedgerMalformed, i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *parser) parseRecord(row map[string]any) (entity.LedgerRecord, error) {
	var rec entity.LedgerRecord

	rec.ReservationID = stringField(row, "reservation_id")
	rec.PatientID = entity.PatientIdentity(stringField(row, "patient_id"))
	rec.LineUserID = stringField(row, "line_user_id")
	rec.DisplayName = stringField(row, "display_name")

	date, err := p.normalizeDate(stringField(row, "date"))
	if err != nil {
		return rec, err
	}
	rec.Date = date

	slot, err := p.normalizeTime(stringField(row, "time"))
	if err != nil {
		return rec, err
	}
	rec.Time = slot

	rawStatus := stringField(row, "status")
	status, ok := statusAliases[strings.ToLower(rawStatus)]
	if !ok {
		return rec, fmt.Errorf("unknown status %q", rawStatus)
	}
	rec.Status = status

	// Phone is only ever a matching hint; an unparseable number is dropped
	// rather than failing the row.
	if normalized, err := phone.Normalize(stringField(row, "phone"), p.phoneRegion); err == nil {
		rec.Phone = normalized
	}

	if raw := stringField(row, "updated_at"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return rec, fmt.Errorf("invalid updated_at %q", raw)
		}
		ts = ts.In(p.location)
		rec.UpdatedAt = &ts
	}

	if err := p.validate.Struct(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// normalizeDate accepts a calendar date or an ISO timestamp. Timestamps are
// what the sheet returns for date-formatted cells and are read in clinic time.
func (p *parser) normalizeDate(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("missing date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, p.location); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.In(p.location).Format("2006-01-02"), nil
	}
	return "", fmt.Errorf("invalid date %q", raw)
}

// normalizeTime accepts HH:MM, HH:MM:SS or an ISO timestamp (time-formatted
// cells arrive as a timestamp on 1899-12-30).
func (p *parser) normalizeTime(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("missing time")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("15:04"), nil
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.In(p.location).Format("15:04"), nil
	}
	return "", fmt.Errorf("invalid time %q", raw)
}

// stringField reads a cell as text. Numbers keep their literal form so a
// numeric patient id is never rendered in exponent notation.
func stringField(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
