package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	// ErrBackendUnavailable wraps transport failures, 5xx answers and an
	// open breaker.
	ErrBackendUnavailable = errors.New("backend: unavailable")
	// ErrSummaryNotReady means the transaction has not been finalized yet.
	ErrSummaryNotReady = errors.New("backend: summary not ready")
)

// ConflictError is returned when the user already has an active session.
type ConflictError struct {
	ActiveTransactionID string
	Message             string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("backend: active transaction %s: %s", e.ActiveTransactionID, e.Message)
}

// StatusError is any other non-2xx answer.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s %s returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// HTTPDoer defines http.Client interface subset.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// BackendConfig configures BackendClient.
type BackendConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// BackendClient calls the user transaction and charge point endpoints of the
// backend command API with the user's bearer token.
type BackendClient struct {
	baseURL string
	token   string
	client  HTTPDoer
	breaker *gobreaker.CircuitBreaker[response]
	logger  *zap.Logger
}

type response struct {
	status int
	body   []byte
}

// NewBackendClient builds client with base URL. doer may be nil.
func NewBackendClient(cfg BackendConfig, doer HTTPDoer, logger *zap.Logger) *BackendClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if doer == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	settings := gobreaker.Settings{
		Name:        "session-backend",
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("backend circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &BackendClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  doer,
		breaker: gobreaker.NewCircuitBreaker[response](settings),
		logger:  logger,
	}
}

// CreateTransactionRequest opens a backend transaction for a connector.
type CreateTransactionRequest struct {
	ChargePointIdentity string `json:"chargePointIdentity"`
	ConnectorID         int    `json:"connectorId"`
	UserID              string `json:"userId,omitempty"`
	WebsocketURL        string `json:"websocketUrl,omitempty"`
}

type Transaction struct {
	TransactionID     string `json:"transactionId"`
	OCPPTransactionID string `json:"ocppTransactionId,omitempty"`
	Status            string `json:"status"`
}

// Summary is the finalized record of one transaction. Optional figures are
// nil when the backend has none.
type Summary struct {
	TransactionID       string     `json:"transactionId"`
	ChargePointIdentity string     `json:"chargePointIdentity,omitempty"`
	ConnectorNumber     *int       `json:"connectorNumber,omitempty"`
	StartTime           time.Time  `json:"startTime"`
	EndTime             *time.Time `json:"endTime,omitempty"`
	DurationSeconds     *int64     `json:"durationSeconds,omitempty"`
	MeterStart          *float64   `json:"meterStart,omitempty"`
	MeterStop           *float64   `json:"meterStop,omitempty"`
	TotalEnergy         *float64   `json:"totalEnergy,omitempty"`
	TotalCost           *float64   `json:"totalCost,omitempty"`
	AppliedRate         *float64   `json:"appliedRate,omitempty"`
	StopReason          string     `json:"stopReason,omitempty"`
}

// ConnectorStatus is the polled view of one connector.
type ConnectorStatus struct {
	Status        string     `json:"status"`
	EnergyKWh     *float64   `json:"energyKWh,omitempty"`
	PowerKW       *float64   `json:"powerKW,omitempty"`
	SocPercent    *float64   `json:"socPercent,omitempty"`
	TransactionID string     `json:"transactionId,omitempty"`
	StartTime     *time.Time `json:"startTime,omitempty"`
}

// CreateTransaction prepares a session. HTTP 409 yields *ConflictError.
func (c *BackendClient) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (Transaction, error) {
	var out Transaction
	resp, err := c.call(ctx, http.MethodPost, "/api/v1/user/transactions", req)
	if err != nil {
		return out, err
	}
	if resp.status == http.StatusConflict {
		var conflict struct {
			ActiveTransactionID string `json:"activeTransactionId"`
			Message             string `json:"message"`
		}
		_ = decodeData(resp.body, &conflict)
		return out, &ConflictError{ActiveTransactionID: conflict.ActiveTransactionID, Message: conflict.Message}
	}
	if err := expectOK(http.MethodPost, "/api/v1/user/transactions", resp); err != nil {
		return out, err
	}
	if err := decodeData(resp.body, &out); err != nil {
		return out, fmt.Errorf("backend: decode transaction: %w", err)
	}
	return out, nil
}

// StopTransaction stops a transaction through the backend rather than the
// realtime channel.
func (c *BackendClient) StopTransaction(ctx context.Context, transactionID string) error {
	path := fmt.Sprintf("/api/v1/user/transactions/%s/stop", url.PathEscape(transactionID))
	resp, err := c.call(ctx, http.MethodPost, path, struct{}{})
	if err != nil {
		return err
	}
	return expectOK(http.MethodPost, path, resp)
}

// Summary fetches the finalized transaction. 404, 425 and a summary without
// an end time yield ErrSummaryNotReady.
func (c *BackendClient) Summary(ctx context.Context, transactionID string) (Summary, error) {
	var out Summary
	path := fmt.Sprintf("/api/v1/user/transactions/%s/summary", url.PathEscape(transactionID))
	resp, err := c.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return out, err
	}
	if resp.status == http.StatusNotFound || resp.status == http.StatusTooEarly {
		return out, ErrSummaryNotReady
	}
	if err := expectOK(http.MethodGet, path, resp); err != nil {
		return out, err
	}
	if err := decodeData(resp.body, &out); err != nil {
		return out, fmt.Errorf("backend: decode summary: %w", err)
	}
	if out.EndTime == nil {
		return out, ErrSummaryNotReady
	}
	if out.TransactionID == "" {
		out.TransactionID = transactionID
	}
	return out, nil
}

// ConnectorStatus polls one connector.
func (c *BackendClient) ConnectorStatus(ctx context.Context, chargePointID string, connectorID int) (ConnectorStatus, error) {
	var out ConnectorStatus
	path := fmt.Sprintf("/api/v1/chargepoints/%s/connectors/%d/status", url.PathEscape(chargePointID), connectorID)
	resp, err := c.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return out, err
	}
	if err := expectOK(http.MethodGet, path, resp); err != nil {
		return out, err
	}
	if err := decodeData(resp.body, &out); err != nil {
		return out, fmt.Errorf("backend: decode connector status: %w", err)
	}
	return out, nil
}

func expectOK(method, path string, resp response) error {
	if resp.status >= http.StatusOK && resp.status < http.StatusMultipleChoices {
		return nil
	}
	body := string(resp.body)
	if len(body) > 256 {
		body = body[:256]
	}
	return &StatusError{Method: method, Path: path, Code: resp.status, Body: body}
}

// decodeData accepts both a bare document and one wrapped as {"data": ...}.
func decodeData(body []byte, out interface{}) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		body = env.Data
	}
	return json.Unmarshal(body, out)
}

func (c *BackendClient) call(ctx context.Context, method, path string, body interface{}) (response, error) {
	resp, err := c.breaker.Execute(func() (response, error) {
		return c.do(ctx, method, path, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return resp, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return resp, err
	}
	return resp, nil
}

func (c *BackendClient) buildURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// do executes one request. 5xx answers are errors so they count against the
// breaker; 4xx answers are returned for the caller to interpret.
func (c *BackendClient) do(ctx context.Context, method, path string, body interface{}) (response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return response{}, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return response{}, fmt.Errorf("backend: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return response{}, fmt.Errorf("%w: %s %s returned %d", ErrBackendUnavailable, method, path, resp.StatusCode)
	}
	c.logger.Debug("backend call", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
	return response{status: resp.StatusCode, body: data}, nil
}
