package usecase

import (
	"context"
	"testing"
	"time"

	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReservationUsecase(h *harness) ReservationUsecase {
	return NewReservationUsecase(h.db, quietLogger(), time.UTC, h.store,
		repository.NewReservationRepository(), h.auditService, h.cache)
}

func TestSetStatus_LifecycleAndIdempotence(t *testing.T) {
	h := newHarness(t, newStubLedger())
	h.seedPatient(t, "P1", "")
	h.seedReservation(t, "R1", "P1", "2026-02-05", "10:00", entity.ReservationStatusPending)
	uc := newReservationUsecase(h)
	ctx := context.Background()

	res, err := uc.SetStatus(ctx, "R1", entity.ReservationStatusCompleted, "operator")
	require.NoError(t, err)
	assert.Equal(t, entity.ReservationStatusCompleted, res.Status)
	assert.Equal(t, int64(1), h.count(t, &entity.AuditLog{}))

	_, err = uc.SetStatus(ctx, "R1", entity.ReservationStatusCompleted, "operator")
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.count(t, &entity.AuditLog{}))

	_, err = uc.SetStatus(ctx, "R1", entity.ReservationStatusCanceled, "operator")
	assert.ErrorIs(t, err, entity.ErrIllegalTransition)
	assert.Equal(t, entity.ReservationStatusCompleted, h.status(t, "R1"))

	_, err = uc.SetStatus(ctx, "R404", entity.ReservationStatusCanceled, "operator")
	assert.ErrorIs(t, err, entity.ErrReservationNotFound)
}

func TestListActive_SkipsCanceledAndPast(t *testing.T) {
	h := newHarness(t, newStubLedger())
	h.seedPatient(t, "P1", "")
	h.seedReservation(t, "R1", "P1", "2026-02-05", "10:00", entity.ReservationStatusPending)
	h.seedReservation(t, "R2", "P1", "2026-02-06", "10:00", entity.ReservationStatusCanceled)
	h.seedReservation(t, "R3", "P1", "2026-01-20", "10:00", entity.ReservationStatusPending)
	uc := newReservationUsecase(h)

	list, err := uc.ListActive(context.Background(), "P1", "2026-02-01")
	require.NoError(t, err)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "R1", list.Reservations[0].ReservationID)

	_, err = uc.ListActive(context.Background(), "P1", "Feb 1")
	assert.ErrorIs(t, err, entity.ErrInvalidDateRange)
}
