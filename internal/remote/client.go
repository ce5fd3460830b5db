// Package remote is the REST boundary to the restaurant backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
	"github.com/restopos/kotsync/internal/uuid"
)

const (
	// DefaultTimeout bounds every call to the server.
	DefaultTimeout = 10 * time.Second

	// DefaultRequestsPerSecond paces outbound calls during large drains.
	DefaultRequestsPerSecond = 20

	maxErrorBody = 512
)

// Singleton objects are returned without an id; they are stored under these.
const (
	DashboardID = "dashboard"
	SettingsID  = "settings"
)

// collectionPaths maps local collections to their list endpoints.
var collectionPaths = map[models.Collection]string{
	models.CollectionOrders:    "/orders",
	models.CollectionMenuItems: "/menu",
	models.CollectionTables:    "/tables",
	models.CollectionDashboard: "/dashboard",
	models.CollectionSettings:  "/business/settings",
}

var singletonIDs = map[models.Collection]string{
	models.CollectionDashboard: DashboardID,
	models.CollectionSettings:  SettingsID,
}

// ResourcePath returns the endpoint for a write to coll. Singleton
// collections are addressed without an id.
func ResourcePath(coll models.Collection, id string) (string, bool) {
	path, ok := collectionPaths[coll]
	if !ok {
		return "", false
	}
	if _, single := singletonIDs[coll]; single || id == "" {
		return path, true
	}
	return path + "/" + url.PathEscape(id), true
}

// Client wraps http.Client with pacing, correlation ids and translation of
// failures into NETWORK_ERROR and SERVER_REJECTED.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRateLimit sets the outbound request rate. A non-positive rps disables
// pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBearerToken sends token in the Authorization header.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), DefaultRequestsPerSecond),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.Do(ctx, http.MethodGet, "/health", nil)
	return err
}

// FetchCollection returns the server's current copy of coll.
func (c *Client) FetchCollection(ctx context.Context, coll models.Collection) ([]models.Record, error) {
	path, ok := collectionPaths[coll]
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("collection %s has no server endpoint", coll))
	}
	body, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if id, single := singletonIDs[coll]; single {
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
		if rec.ID() == "" {
			rec.SetID(id)
		}
		return []models.Record{rec}, nil
	}
	return decodeRecords(body)
}

// FetchTodayBills returns the orders completed today.
func (c *Client) FetchTodayBills(ctx context.Context) ([]models.Record, error) {
	body, err := c.Do(ctx, http.MethodGet, "/orders/today-bills", nil)
	if err != nil {
		return nil, err
	}
	return decodeRecords(body)
}

// CreateOrder posts a new order and returns the server's canonical copy.
func (c *Client) CreateOrder(ctx context.Context, order models.Record) (models.Record, error) {
	body, err := c.Do(ctx, http.MethodPost, "/orders", order)
	if err != nil {
		return nil, err
	}
	return decodeRecord(body)
}

// UpdateOrder replaces the fields in patch on order id.
func (c *Client) UpdateOrder(ctx context.Context, id string, patch models.Record) (models.Record, error) {
	body, err := c.Do(ctx, http.MethodPut, "/orders/"+url.PathEscape(id), patch)
	if err != nil {
		return nil, err
	}
	return decodeRecord(body)
}

// UpdateOrderStatus moves order id to status.
func (c *Client) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) (models.Record, error) {
	path := "/orders/" + url.PathEscape(id) + "/status?status=" + url.QueryEscape(string(status))
	body, err := c.Do(ctx, http.MethodPut, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(body)
}

// DeleteOrder deletes order id.
func (c *Client) DeleteOrder(ctx context.Context, id string) error {
	_, err := c.Do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(id), nil)
	return err
}

// Do sends a request with a JSON body and returns the raw response body.
// A nil body sends no content.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	correlationID := uuid.New()
	fields := map[string]interface{}{
		"method":         method,
		"path":           path,
		"correlation_id": correlationID,
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrNetwork, "request not sent", err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	fields["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		logging.Warn("server request failed", fields)
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "server unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to read response", err)
	}

	fields["status"] = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logging.Warn("server rejected request", fields)
		return nil, apperrors.Wrap(apperrors.ErrServerRejected,
			fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode),
			&StatusError{Code: resp.StatusCode, Body: truncate(data, maxErrorBody)})
	}

	logging.Debug("server request completed", fields)
	return json.RawMessage(data), nil
}

// StatusError carries the status and a prefix of the body of a non-2xx reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// StatusCodeOf returns the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// unwrapData strips a {"data": ...} envelope when the server uses one.
func unwrapData(body json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return trimmed
	}
	if inner, ok := env["data"]; ok && len(env) <= 3 {
		if _, hasID := env[models.FieldID]; !hasID {
			return inner
		}
	}
	return trimmed
}

func decodeRecords(body json.RawMessage) ([]models.Record, error) {
	payload := unwrapData(body)
	if len(payload) == 0 || string(payload) == "null" {
		return []models.Record{}, nil
	}
	var recs []models.Record
	if err := json.Unmarshal(payload, &recs); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrServerRejected, "unexpected response shape", err)
	}
	out := recs[:0]
	for _, r := range recs {
		if r == nil {
			continue
		}
		r.NormalizeID()
		out = append(out, r)
	}
	return out, nil
}

func decodeRecord(body json.RawMessage) (models.Record, error) {
	payload := unwrapData(body)
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}
	var rec models.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrServerRejected, "unexpected response shape", err)
	}
	rec.NormalizeID()
	return rec, nil
}
