// Package remote is the JSON client for the host application's REST API.
// Every entity type has one collection endpoint supporting list, get,
// create, update and delete, each answering with the canonical record.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vetpulse/vetsync/internal/logging"
	"github.com/vetpulse/vetsync/internal/metrics"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/tenant"
)

// Tenant headers sent with every request.
const (
	HeaderTenant   = "X-Tenant-Id"
	HeaderPractice = "X-Practice-Id"
	HeaderUser     = "X-User-Id"
)

const maxErrorBody = 64 << 10

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds each request; expiry is reported as ErrNetworkFailure.
	Timeout time.Duration
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
	Retry     RetryConfig
}

// Client performs entity requests against the host API.
type Client struct {
	cfg     Config
	base    string
	hc      *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client with optional timeout override.
func NewClient(cfg Config) *Client {
	to := cfg.Timeout
	if to == 0 {
		to = 15 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Client{
		cfg:     cfg,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		hc:      &http.Client{Timeout: to},
		limiter: limiter,
	}
}

func (c *Client) collectionURL(et models.EntityType) string {
	return c.base + "/" + models.EndpointPath(et)
}

func (c *Client) recordURL(et models.EntityType, id string) string {
	return c.collectionURL(et) + "/" + url.PathEscape(id)
}

// List fetches every record of et visible to the tenant.
func (c *Client) List(ctx context.Context, scope tenant.Scope, et models.EntityType) ([]models.RemoteRecord, error) {
	return WithRetry(ctx, c.cfg.Retry, "list", func() ([]models.RemoteRecord, error) {
		body, err := c.do(ctx, scope, "list", http.MethodGet, c.collectionURL(et), nil, nil)
		if err != nil {
			return nil, err
		}
		return decodeList(body)
	})
}

// Get fetches one record. A missing record returns an error matching ErrNotFound.
func (c *Client) Get(ctx context.Context, scope tenant.Scope, et models.EntityType, id string) (*models.RemoteRecord, error) {
	return WithRetry(ctx, c.cfg.Retry, "get", func() (*models.RemoteRecord, error) {
		body, err := c.do(ctx, scope, "get", http.MethodGet, c.recordURL(et, id), nil, nil)
		if err != nil {
			return nil, err
		}
		return DecodeRecord(body)
	})
}

// Create posts a new record. It is never retried since the server assigns the id.
func (c *Client) Create(ctx context.Context, scope tenant.Scope, et models.EntityType, data json.RawMessage) (*models.RemoteRecord, error) {
	body, err := c.do(ctx, scope, "create", http.MethodPost, c.collectionURL(et), data, nil)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(body)
}

// Update patches a record that the caller last saw at baseVersion.
// A stale base answers with an error matching ErrConflict whose APIError
// carries the server's current record when provided. It is never retried: a
// patch applied before the connection dropped would come back as a conflict
// with our own write.
func (c *Client) Update(ctx context.Context, scope tenant.Scope, et models.EntityType, id string, data json.RawMessage, baseVersion int64) (*models.RemoteRecord, error) {
	headers := http.Header{}
	headers.Set("If-Match", strconv.FormatInt(baseVersion, 10))
	body, err := c.do(ctx, scope, "update", http.MethodPatch, c.recordURL(et, id), data, headers)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(body)
}

// Delete removes a record. A missing record returns an error matching ErrNotFound.
func (c *Client) Delete(ctx context.Context, scope tenant.Scope, et models.EntityType, id string) error {
	_, err := WithRetry(ctx, c.cfg.Retry, "delete", func() ([]byte, error) {
		return c.do(ctx, scope, "delete", http.MethodDelete, c.recordURL(et, id), nil, nil)
	})
	return err
}

func (c *Client) do(ctx context.Context, scope tenant.Scope, op, method, target string, payload json.RawMessage, headers http.Header) ([]byte, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limiter: %w", op, err)
		}
		metrics.RecordRateLimitWait(time.Since(waitStart).Seconds())
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set(HeaderTenant, scope.TenantID)
	if scope.PracticeID != "" {
		req.Header.Set(HeaderPractice, scope.PracticeID)
	}
	if scope.UserID != "" {
		req.Header.Set(HeaderUser, scope.UserID)
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		metrics.RecordHTTPRequest(method, "error", time.Since(start).Seconds())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %w: %v", method, target, ErrNetworkFailure, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	metrics.RecordHTTPRequest(method, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", method, target, ErrNetworkFailure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeError(op, resp.StatusCode, body)
		logging.Debug("Remote request rejected", map[string]interface{}{
			"method": method,
			"url":    target,
			"status": resp.StatusCode,
		})
		return nil, apiErr
	}
	return body, nil
}

type errorBody struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Current json.RawMessage `json:"current"`
}

func decodeError(op string, status int, body []byte) *APIError {
	apiErr := &APIError{Op: op, Status: status, Err: classify(status)}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}
	apiErr.Message = eb.Message
	if apiErr.Message == "" {
		apiErr.Message = eb.Error
	}
	if len(eb.Current) > 0 && !bytes.Equal(eb.Current, []byte("null")) {
		if rec, err := DecodeRecord(eb.Current); err == nil {
			apiErr.Current = rec
		}
	}
	return apiErr
}

// DecodeRecord parses a canonical record. The id may be a JSON string or
// number; Data keeps the full object as sent by the server.
func DecodeRecord(raw []byte) (*models.RemoteRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	rec := &models.RemoteRecord{Data: json.RawMessage(raw)}
	switch id := obj["id"].(type) {
	case string:
		rec.ID = id
	case json.Number:
		rec.ID = id.String()
	default:
		return nil, fmt.Errorf("%w: record without id", ErrBadResponse)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: record without id", ErrBadResponse)
	}

	if v, ok := obj["version"].(json.Number); ok {
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: version %s", ErrBadResponse, v)
		}
		rec.Version = n
	}
	if ts, ok := obj["updated_at"].(string); ok {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

func decodeList(raw []byte) ([]models.RemoteRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	var items []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
	} else {
		var env struct {
			Items []json.RawMessage `json:"items"`
			Data  []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
		items = env.Items
		if items == nil {
			items = env.Data
		}
	}

	out := make([]models.RemoteRecord, 0, len(items))
	for _, item := range items {
		rec, err := DecodeRecord(item)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// CurrentRecord extracts the server record carried by a conflict error.
func CurrentRecord(err error) *models.RemoteRecord {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Current
	}
	return nil
}
