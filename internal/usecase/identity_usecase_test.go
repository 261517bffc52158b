package usecase

import (
	"context"
	"testing"

	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentityUsecase(h *harness) IdentityUsecase {
	return NewIdentityUsecase(h.db, quietLogger(), h.resolver, h.cache)
}

func TestIdentityResolve_PreviewThenApply(t *testing.T) {
	h := newHarness(t, newStubLedger())
	h.seedPatient(t, "LINE_U1", "U1")
	h.seedPatient(t, "100", "")
	h.seedReservation(t, "R1", "LINE_U1", "2026-02-05", "10:00", entity.ReservationStatusPending)
	uc := newIdentityUsecase(h)
	ctx := context.Background()

	preview, err := uc.Resolve(ctx, ResolveIdentityRequest{ChatID: "U1", PatientID: "100"})
	require.NoError(t, err)
	assert.Equal(t, entity.PatientIdentity("100"), preview.Canonical)
	assert.True(t, preview.Mergeable)
	assert.False(t, preview.Applied)
	assert.Zero(t, preview.RecordsMoved)

	var owner entity.Reservation
	require.NoError(t, h.db.Where("reservation_id = ?", "R1").First(&owner).Error)
	assert.Equal(t, entity.PatientIdentity("LINE_U1"), owner.PatientID)

	applied, err := uc.Resolve(ctx, ResolveIdentityRequest{ChatID: "U1", PatientID: "100", Apply: true, Actor: "operator"})
	require.NoError(t, err)
	assert.True(t, applied.ChatLinked)
	assert.True(t, applied.TempMerged)
	assert.Equal(t, int64(1), applied.RecordsMoved)

	require.NoError(t, h.db.Where("reservation_id = ?", "R1").First(&owner).Error)
	assert.Equal(t, entity.PatientIdentity("100"), owner.PatientID)
}

func TestIdentityResolve_ConflictAndValidation(t *testing.T) {
	h := newHarness(t, newStubLedger())
	h.seedPatient(t, "100", "U1")
	h.seedPatient(t, "200", "")
	uc := newIdentityUsecase(h)
	ctx := context.Background()

	_, err := uc.Resolve(ctx, ResolveIdentityRequest{ChatID: "U1", PatientID: "200", Apply: true})
	assert.True(t, service.IsIdentityConflict(err))

	_, err = uc.Resolve(ctx, ResolveIdentityRequest{ChatID: "  "})
	assert.ErrorIs(t, err, ErrIdentityRequired)
}
