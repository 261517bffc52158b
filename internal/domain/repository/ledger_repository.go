package repository

import (
	"context"

	"clinic-reconciler/internal/domain/entity"
)

// LedgerRepository is the spreadsheet-of-record. Every error it returns wraps
// entity.ErrLedgerUnavailable; no error ever means "record absent".
type LedgerRepository interface {
	QueryByDateRange(ctx context.Context, from, to string) ([]entity.LedgerRecord, error)
	QueryByIDs(ctx context.Context, ids []string) ([]entity.LedgerRecord, error)
	// UpsertRecord writes the row keyed by its reservation id. Replays are
	// harmless: the ledger never gains a second row for the same id.
	UpsertRecord(ctx context.Context, record entity.LedgerRecord) error
}
