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

	"chargelink/backend/services/ws-gateway/internal/identity"
)

// ErrRegistryUnavailable wraps failures that never produced a usable answer.
var ErrRegistryUnavailable = errors.New("registry: unavailable")

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RegistryConfig configures RegistryClient.
type RegistryConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	OnStateChange func(name, from, to string)
}

// RegistryClient talks to the charge point registry: it lists identities,
// validates handshakes and receives connection status reports. Every call
// passes through one circuit breaker.
type RegistryClient struct {
	baseURL string
	apiKey  string
	http    HTTPDoer
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *zap.Logger
}

const breakerName = "charge-point-registry"

// NewRegistryClient builds the client. doer may be nil.
func NewRegistryClient(cfg RegistryConfig, doer HTTPDoer, logger *zap.Logger) *RegistryClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if doer == nil {
		doer = &http.Client{Timeout: timeout}
	}

	settings := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("registry circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from.String(), to.String())
			}
		},
	}

	return &RegistryClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    doer,
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		logger:  logger,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type registryEntry struct {
	ChargePointIdentity string `json:"chargePointIdentity"`
	SerialNumber        string `json:"serialNumber"`
	Protocol            string `json:"protocol"`
	IsWhitelisted       *bool  `json:"isWhitelisted"`
	EndpointURL         string `json:"endpointUrl"`
}

type validation struct {
	IsValid bool `json:"isValid"`
}

// Name identifies the registry as an identity source.
func (c *RegistryClient) Name() string {
	return "registry"
}

// ListChargePoints loads every whitelisted identity.
func (c *RegistryClient) ListChargePoints(ctx context.Context) ([]identity.ChargePoint, error) {
	var entries []registryEntry
	if err := c.call(ctx, http.MethodGet, "/chargepoints/ws-gateway/chargepoints", nil, &entries); err != nil {
		return nil, err
	}

	out := make([]identity.ChargePoint, 0, len(entries))
	for _, e := range entries {
		if e.IsWhitelisted != nil && !*e.IsWhitelisted {
			continue
		}
		out = append(out, identity.ChargePoint{
			ChargePointID:   e.ChargePointIdentity,
			SerialNumber:    e.SerialNumber,
			ProtocolVersion: e.Protocol,
			EndpointURL:     e.EndpointURL,
		})
	}
	return out, nil
}

// Validate asks the registry whether chargePointID may connect with the
// given serial and negotiated version. Both the whitelist and version checks
// must pass.
func (c *RegistryClient) Validate(ctx context.Context, chargePointID, serial, version string) (bool, error) {
	var whitelist validation
	body := map[string]string{"serialNumber": serial, "chargePointIdentity": chargePointID}
	if err := c.call(ctx, http.MethodPost, "/chargepoints/validate-whitelist", body, &whitelist); err != nil {
		return false, err
	}
	if !whitelist.IsValid {
		return false, nil
	}

	var versionCheck validation
	path := fmt.Sprintf("/chargepoints/%s/validate-ocpp", url.PathEscape(chargePointID))
	if err := c.call(ctx, http.MethodPost, path, map[string]string{"ocppVersion": version}, &versionCheck); err != nil {
		return false, err
	}
	return versionCheck.IsValid, nil
}

// ReportConnection records whether a station is connected. Failures are
// logged and swallowed.
func (c *RegistryClient) ReportConnection(ctx context.Context, chargePointID string, connected bool) {
	if c.baseURL == "" {
		c.logger.Debug("registry disabled, skipping connection report")
		return
	}
	path := fmt.Sprintf("/chargepoints/%s/connection-status", url.PathEscape(chargePointID))
	if err := c.call(ctx, http.MethodPut, path, map[string]bool{"isConnected": connected}, nil); err != nil {
		c.logger.Warn("connection status report failed",
			zap.String("charge_point_id", chargePointID),
			zap.Bool("connected", connected),
			zap.Error(err),
		)
	}
}

func (c *RegistryClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: no base url", ErrRegistryUnavailable)
	}

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, method, path, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
		}
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("registry: decode %s: %w", path, err)
	}
	if !env.Success {
		return fmt.Errorf("registry: %s %s rejected: %s", method, path, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("registry: decode %s data: %w", path, err)
	}
	return nil
}

func (c *RegistryClient) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("registry: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrRegistryUnavailable, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		// 4xx answers count as breaker successes.
		return []byte(fmt.Sprintf(`{"success":false,"message":%q}`, http.StatusText(resp.StatusCode))), nil
	}
	return data, nil
}
