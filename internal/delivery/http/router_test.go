package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clinic-reconciler/config"
	"clinic-reconciler/internal/delivery/dto"
	"clinic-reconciler/internal/delivery/http/handler"
	"clinic-reconciler/internal/delivery/http/middleware"
	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/internal/service"
	"clinic-reconciler/internal/usecase"
	"clinic-reconciler/pkg/jwt"
	"clinic-reconciler/pkg/validator"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuns struct {
	report *entity.Report
	err    error
	last   usecase.RunRequest
}

func (f *fakeRuns) Run(ctx context.Context, req usecase.RunRequest) (*entity.Report, error) {
	f.last = req
	return f.report, f.err
}

func (f *fakeRuns) GetRun(ctx context.Context, id string) (*entity.ReconciliationRun, *entity.Report, error) {
	if f.report == nil || f.report.RunID != id {
		return nil, nil, usecase.ErrRunNotFound
	}
	return &entity.ReconciliationRun{ID: id, Status: f.report.Status}, f.report, nil
}

func (f *fakeRuns) ListRuns(ctx context.Context, limit int) ([]entity.ReconciliationRun, error) {
	return nil, nil
}

type fakeAudit struct{}

func (fakeAudit) GetRunAuditTrail(ctx context.Context, runID string) (*dto.AuditLogListResponse, error) {
	return &dto.AuditLogListResponse{}, nil
}

func (fakeAudit) GetActorAuditTrail(ctx context.Context, actor string) (*dto.AuditLogListResponse, error) {
	return &dto.AuditLogListResponse{Logs: []dto.AuditLogResponse{{Actor: actor}}, Total: 1}, nil
}

type fakeIdentity struct{ err error }

func (f fakeIdentity) Resolve(ctx context.Context, req usecase.ResolveIdentityRequest) (*dto.ResolveIdentityResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dto.ResolveIdentityResponse{Canonical: req.PatientID, Applied: req.Apply}, nil
}

type fakeReservations struct{ err error }

func (f fakeReservations) ListActive(ctx context.Context, patientID entity.PatientIdentity, onOrAfter string) (*dto.ReservationListResponse, error) {
	return &dto.ReservationListResponse{}, f.err
}

func (f fakeReservations) SetStatus(ctx context.Context, id string, next entity.ReservationStatus, actor string) (*dto.ReservationResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dto.ReservationResponse{ReservationID: id, Status: next}, nil
}

type testServer struct {
	handler http.Handler
	jwt     *jwt.JWTService
	runs    *fakeRuns
}

func newTestServer(t *testing.T, runs *fakeRuns, identity fakeIdentity, reservations fakeReservations) *testServer {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	v := validator.New()
	metrics := service.NewMetrics()
	jwtService := jwt.NewJWTService(config.JWTConfig{Secret: "test-secret", AccessExpiry: time.Minute})

	router := NewRouter(
		handler.NewReconciliationHandler(runs, fakeAudit{}, v, log, false),
		handler.NewIdentityHandler(identity, v),
		handler.NewReservationHandler(reservations, v),
		handler.NewAuditLogHandler(fakeAudit{}),
		middleware.NewAuthMiddleware(jwtService, nil, log),
		middleware.NewMetricsMiddleware(metrics),
		metrics,
	)
	return &testServer{handler: router.Setup(), jwt: jwtService, runs: runs}
}

func (s *testServer) do(t *testing.T, method, path, body string, scopes ...jwt.Scope) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if scopes != nil {
		token, _, err := s.jwt.GenerateAccessToken("alice", scopes...)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out))
	return out
}

func TestRouter_HealthAndMetricsArePublic(t *testing.T) {
	s := newTestServer(t, &fakeRuns{}, fakeIdentity{}, fakeReservations{})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/health", "").Code)

	rec := s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRouter_AuthAndScopes(t *testing.T) {
	s := newTestServer(t, &fakeRuns{report: &entity.Report{RunID: "run-1", Status: entity.RunStatusClean}}, fakeIdentity{}, fakeReservations{})
	body := `{"from":"2026-02-01","to":"2026-02-28"}`

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/v1/reconciliations", body).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/reconciliations", body, jwt.ScopeReconcileRead).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/reconciliations", body, jwt.ScopeReconcileRun).Code)

	// A ledger-only token is not an operator token.
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/reconciliations/run-1", "", jwt.ScopeLedgerQuery).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/reconciliations/run-1", "", jwt.ScopeReconcileRead).Code)
}

func TestRouter_RunValidatesAndMapsErrors(t *testing.T) {
	runs := &fakeRuns{}
	s := newTestServer(t, runs, fakeIdentity{}, fakeReservations{})

	rec := s.do(t, http.MethodPost, "/api/v1/reconciliations", `{"from":"Feb 1","to":"2026-02-28"}`, jwt.ScopeReconcileRun)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	runs.report = &entity.Report{RunID: "run-2", Status: entity.RunStatusLedgerFailed, Message: "ledger fetch failed, no changes made."}
	runs.err = fmt.Errorf("%w: timeout", entity.ErrLedgerUnavailable)
	rec = s.do(t, http.MethodPost, "/api/v1/reconciliations", `{"from":"2026-02-01","to":"2026-02-28","dry_run":true}`, jwt.ScopeReconcileRun)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	data := decode(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, float64(usecase.ExitLedgerFailed), data["exit_code"])
	assert.True(t, runs.last.DryRun)

	runs.report, runs.err = nil, usecase.ErrRunInProgress
	rec = s.do(t, http.MethodPost, "/api/v1/reconciliations", `{"from":"2026-02-01","to":"2026-02-28"}`, jwt.ScopeReconcileRun)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRouter_IdentityConflictIs409(t *testing.T) {
	conflict := &entity.IdentityConflictError{ChatID: "U1", Claimants: []entity.PatientIdentity{"100", "200"}, Reason: "two permanent identities"}
	s := newTestServer(t, &fakeRuns{}, fakeIdentity{err: conflict}, fakeReservations{})

	rec := s.do(t, http.MethodPost, "/api/v1/identities/resolve", `{"chat_id":"U1","patient_id":"200","apply":true}`, jwt.ScopeReconcileRun)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRouter_ReservationStatus(t *testing.T) {
	s := newTestServer(t, &fakeRuns{}, fakeIdentity{}, fakeReservations{})

	rec := s.do(t, http.MethodPut, "/api/v1/reservations/R1/status", `{"status":"completed"}`, jwt.ScopeReconcileRun)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/reservations/R1/status", `{"status":"done"}`, jwt.ScopeReconcileRun)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	illegal := newTestServer(t, &fakeRuns{}, fakeIdentity{}, fakeReservations{
		err: &entity.TransitionError{ReservationID: "R1", From: entity.ReservationStatusCompleted, To: entity.ReservationStatusCanceled},
	})
	rec = illegal.do(t, http.MethodPut, "/api/v1/reservations/R1/status", `{"status":"canceled"}`, jwt.ScopeReconcileRun)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRouter_AuditLogsDefaultToCaller(t *testing.T) {
	s := newTestServer(t, &fakeRuns{}, fakeIdentity{}, fakeReservations{})

	rec := s.do(t, http.MethodGet, "/api/v1/audit-logs", "", jwt.ScopeReconcileRead)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]interface{})
	logs := data["logs"].([]interface{})
	assert.Equal(t, "alice", logs[0].(map[string]interface{})["actor"])
}
