package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinic-reconciler/config"
	"clinic-reconciler/internal/domain/entity"
	domainRepo "clinic-reconciler/internal/domain/repository"
	"clinic-reconciler/pkg/jwt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	actionQueryRange = "query_range"
	actionQueryIDs   = "query_ids"
	actionUpsert     = "upsert"

	// maxIDsPerQuery keeps a single Apps Script execution well under its quota.
	maxIDsPerQuery = 200
)

var tracer = otel.Tracer("clinic-reconciler/ledger")

type ClientOptions struct {
	URL         string
	Signer      *jwt.JWTService
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Location    *time.Location
	PhoneRegion string
	Log         *logrus.Logger
}

// Client talks to the spreadsheet-backed ledger web app. Every request is a
// JSON POST carrying the action and a signed token.
type Client struct {
	url        string
	signer     *jwt.JWTService
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	parser     *parser
	schema     *jsonschema.Schema
	log        *logrus.Logger
}

type request struct {
	Action string               `json:"action"`
	From   string               `json:"from,omitempty"`
	To     string               `json:"to,omitempty"`
	IDs    []string             `json:"ids,omitempty"`
	Record *entity.LedgerRecord `json:"record,omitempty"`
	Token  string               `json:"token"`
}

type response struct {
	OK      bool             `json:"ok"`
	Error   string           `json:"error"`
	Records []map[string]any `json:"records"`
}

func NewClient(opts ClientOptions) (*Client, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("ledger url is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("ledger signer is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 3 * time.Second
	}
	location := opts.Location
	if location == nil {
		location = time.UTC
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	schema, err := compileResponseSchema()
	if err != nil {
		return nil, err
	}
	return &Client{
		url:        url,
		signer:     opts.Signer,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		parser:     newParser(location, opts.PhoneRegion),
		schema:     schema,
		log:        log,
	}, nil
}

// NewClientFromConfig wires a client from application configuration.
func NewClientFromConfig(cfg config.LedgerConfig, location *time.Location, phoneRegion string, log *logrus.Logger) (domainRepo.LedgerRepository, error) {
	return NewClient(ClientOptions{
		URL:         cfg.URL,
		Signer:      jwt.NewLedgerSigner(cfg),
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		Location:    location,
		PhoneRegion: phoneRegion,
		Log:         log,
	})
}

func (c *Client) QueryByDateRange(ctx context.Context, from, to string) ([]entity.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, "ledger.QueryByDateRange", trace.WithAttributes(
		attribute.String("ledger.from", from),
		attribute.String("ledger.to", to),
	))
	defer span.End()

	records, err := c.query(ctx, request{Action: actionQueryRange, From: from, To: to})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("ledger.records", len(records)))
	return records, nil
}

func (c *Client) QueryByIDs(ctx context.Context, ids []string) ([]entity.LedgerRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "ledger.QueryByIDs", trace.WithAttributes(attribute.Int("ledger.ids", len(ids))))
	defer span.End()

	var all []entity.LedgerRecord
	for start := 0; start < len(ids); start += maxIDsPerQuery {
		end := start + maxIDsPerQuery
		if end > len(ids) {
			end = len(ids)
		}
		records, err := c.query(ctx, request{Action: actionQueryIDs, IDs: ids[start:end]})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		all = append(all, records...)
	}
	return all, nil
}

// UpsertRecord is sent once. A failed write is surfaced to the caller and
// repeated only by a later run, which re-reads the ledger first.
func (c *Client) UpsertRecord(ctx context.Context, record entity.LedgerRecord) error {
	ctx, span := tracer.Start(ctx, "ledger.UpsertRecord", trace.WithAttributes(
		attribute.String("ledger.reservation_id", record.ReservationID),
		attribute.String("ledger.status", string(record.Status)),
	))
	defer span.End()

	if err := c.parser.validate.Struct(record); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: refusing to write invalid record %s: %v", entity.ErrLedgerMalformed, record.ReservationID, err)
	}

	_, err := c.do(ctx, request{Action: actionUpsert, Record: &record}, jwt.ScopeLedgerWrite, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) query(ctx context.Context, req request) ([]entity.LedgerRecord, error) {
	resp, err := c.do(ctx, req, jwt.ScopeLedgerQuery, c.maxRetries)
	if err != nil {
		return nil, err
	}
	return c.parser.parseRecords(resp.Records)
}

// do sends req, retrying transport errors, 429 and 5xx up to retries times.
// Every failure is reported as ErrLedgerUnavailable.
func (c *Client) do(ctx context.Context, req request, scope jwt.Scope, retries int) (*response, error) {
	token, _, err := c.signer.GenerateAccessToken(req.Action, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: sign request: %v", entity.ErrLedgerUnavailable, err)
	}
	req.Token = token
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", entity.ErrLedgerUnavailable, err)
	}

	for attempt := 0; ; attempt++ {
		resp, retryAfter, err := c.roundTrip(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, errRetryable) || attempt >= retries || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", entity.ErrLedgerUnavailable, req.Action, err)
		}
		delay := c.retryDelay(attempt+1, retryAfter)
		c.log.Warnf("Failed ledger %s (attempt %d), retrying in %v: %+v", req.Action, attempt+1, delay, err)
		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", entity.ErrLedgerUnavailable, req.Action, waitErr)
		}
	}
}

var errRetryable = errors.New("retryable ledger error")

func (c *Client) roundTrip(ctx context.Context, body []byte) (*response, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errRetryable, err)
	}
	respBody, readErr := io.ReadAll(httpResp.Body)
	_ = httpResp.Body.Close()
	if readErr != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", errRetryable, readErr)
	}

	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
		return nil, httpResp.Header.Get("Retry-After"), fmt.Errorf("%w: status=%d", errRetryable, httpResp.StatusCode)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, "", fmt.Errorf("status=%d message=%s", httpResp.StatusCode, truncate(string(respBody), 200))
	}

	if err := validateEnvelope(c.schema, respBody); err != nil {
		return nil, "", fmt.Errorf("%w: %v", entity.ErrLedgerMalformed, err)
	}

	var resp response
	decoder := json.NewDecoder(bytes.NewReader(respBody))
	decoder.UseNumber()
	if err := decoder.Decode(&resp); err != nil {
		return nil, "", fmt.Errorf("%w: %v", entity.ErrLedgerMalformed, err)
	}
	if !resp.OK {
		return nil, "", fmt.Errorf("ledger rejected request: %s", resp.Error)
	}
	return &resp, "", nil
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
