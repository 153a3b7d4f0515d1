// Package bridge implements transfer.Submitter against the bridge service
// fronting the external messaging system. The bridge owns the session-paired
// channel (one per tenant) and exposes its state over plain HTTP; the concrete
// pairing mechanism never leaks past this package.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/counselsync/transferd/jsonrs"
	"github.com/counselsync/transferd/transfer"
	"github.com/counselsync/transferd/transfer/bridge/circuitbreaker"
)

var errNotPaired = errors.New("session not paired yet")

// Client talks to the bridge service for a single tenant's session.
type Client struct {
	tenantID   string
	baseURL    string
	logger     logger.Logger
	httpClient *http.Client
	breaker    circuitbreaker.CircuitBreaker

	pairingPollInterval config.ValueLoader[time.Duration]
}

// NewFactory returns a transfer.SubmitterFactory producing one client per
// tenant.
func NewFactory(conf *config.Config, log logger.Logger) transfer.SubmitterFactory {
	return func(tenantID string) transfer.Submitter {
		return NewClient(conf, log, tenantID)
	}
}

// NewClient creates a bridge client bound to the given tenant.
func NewClient(conf *config.Config, log logger.Logger, tenantID string) *Client {
	clientLogger := log.Child("bridge").Withn(logger.NewStringField("tenantId", tenantID))
	return &Client{
		tenantID: tenantID,
		baseURL:  conf.GetStringVar("http://localhost:9100", "Bridge.url"),
		logger:   clientLogger,
		httpClient: &http.Client{
			Timeout: conf.GetDurationVar(30, time.Second, "Bridge.httpTimeout"),
		},
		breaker: circuitbreaker.New("bridge-"+tenantID,
			circuitbreaker.WithConsecutiveFailures(conf.GetIntVar(3, 1, "Bridge.breakerConsecutiveFailures")),
			circuitbreaker.WithOpenTimeout(conf.GetDurationVar(30, time.Second, "Bridge.breakerOpenTimeout")),
			circuitbreaker.WithLogger(clientLogger),
		),
		pairingPollInterval: conf.GetReloadableDurationVar(2, time.Second, "Bridge.pairingPollInterval"),
	}
}

// RequiresPairing reports whether the tenant's session still needs pairing.
func (c *Client) RequiresPairing(ctx context.Context) (bool, error) {
	paired, err := c.sessionPaired(ctx)
	if err != nil {
		return false, err
	}
	return !paired, nil
}

// AwaitPairing asks the bridge to begin the pairing flow and polls the session
// state until it is paired or the context is done. The QR code itself is
// presented to the operator by the bridge, out of band.
func (c *Client) AwaitPairing(ctx context.Context) error {
	if err := c.startPairing(ctx); err != nil {
		return err
	}
	operation := func() error {
		paired, err := c.sessionPaired(ctx)
		if err != nil {
			c.logger.Debugn("session state lookup failed while pairing", logger.NewErrorField(err))
			return err
		}
		if !paired {
			return errNotPaired
		}
		return nil
	}
	return backoff.Retry(operation,
		backoff.WithContext(backoff.NewConstantBackOff(c.pairingPollInterval.Load()), ctx))
}

// Submit delivers one record over the paired session.
func (c *Client) Submit(ctx context.Context, itemID string) error {
	if c.breaker.IsOpen() {
		return fmt.Errorf("circuit open: %w", transfer.ErrChannelLost)
	}

	payload, err := jsonrs.Marshal(map[string]string{"recordId": itemID})
	if err != nil {
		return fmt.Errorf("marshalling submit request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.sessionURL("/records"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.Failure()
		return fmt.Errorf("submitting record: %w", err)
	}
	defer func() { httputil.CloseResponse(resp) }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 32*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.breaker.Success()
		return nil
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("session gone: %w", transfer.ErrChannelLost)
	case resp.StatusCode >= 500:
		c.breaker.Failure()
		return fmt.Errorf("bridge unavailable: status %d", resp.StatusCode)
	default:
		c.breaker.Success() // the channel is fine, this record got rejected
		if reason := gjson.GetBytes(body, "error").String(); reason != "" {
			return fmt.Errorf("record rejected: %s", reason)
		}
		return fmt.Errorf("record rejected: status %d", resp.StatusCode)
	}
}

func (c *Client) startPairing(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL("/pair"), nil)
	if err != nil {
		return fmt.Errorf("creating pairing request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("starting pairing: %w", err)
	}
	defer func() { httputil.CloseResponse(resp) }()
	// 409 means a pairing flow is already in progress, which is just as good
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("starting pairing: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) sessionPaired(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(""), nil)
	if err != nil {
		return false, fmt.Errorf("creating session state request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetching session state: %w", err)
	}
	defer func() { httputil.CloseResponse(resp) }()

	switch resp.StatusCode {
	case http.StatusOK:
		var state struct {
			Paired bool `json:"paired"`
		}
		if err := jsonrs.NewDecoder(resp.Body).Decode(&state); err != nil {
			return false, fmt.Errorf("decoding session state: %w", err)
		}
		return state.Paired, nil
	case http.StatusNotFound:
		return false, nil // no session yet, pairing required
	default:
		return false, fmt.Errorf("fetching session state: status %d", resp.StatusCode)
	}
}

func (c *Client) sessionURL(suffix string) string {
	return c.baseURL + "/v1/sessions/" + url.PathEscape(c.tenantID) + suffix
}
