// Package evcc polls an EVCC instance's charging-session state and,
// when EVCC is configured as an external battery controller, pushes
// Base Control's resolved mode back to it.
package evcc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/eosconnect/eoscoordinator/internal/model"
	"github.com/eosconnect/eoscoordinator/internal/retry"
)

// sessionState is the cached (session, found) pair Session falls back
// to once its retry budget is exhausted.
type sessionState struct {
	session model.EVCCSession
	found   bool
}

// Client polls EVCC's /api/state endpoint and posts loadpoint/battery
// mode commands back to it.
type Client struct {
	httpClient *http.Client
	baseURL    string

	attempts int
	backoff  time.Duration
	logger   *log.Logger
	cache    retry.StaleCache[sessionState]
}

// New creates a Client against an EVCC base URL (e.g. http://evcc.local:7070).
// attempts/backoff configure the retry policy (attempts <= 0 uses
// retry.DefaultAttempts); logger may be nil.
func New(baseURL string, timeout time.Duration, attempts int, backoff time.Duration, logger *log.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		attempts:   attempts,
		backoff:    backoff,
		logger:     logger,
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

type stateResponse struct {
	Result struct {
		Loadpoints []struct {
			Charging bool   `json:"charging"`
			Mode     string `json:"mode"`
		} `json:"loadpoints"`
	} `json:"result"`
}

// Session fetches the first loadpoint's charging session snapshot,
// retried per the adapter retry policy. EVCC's single-site assumption
// (spec Non-goal: multi-site coordination) means loadpoint 0 is the
// only one consulted. Once the retry budget is exhausted it returns
// the last successfully fetched session (or a zero session, if none
// has ever succeeded) alongside the final error.
func (c *Client) Session(ctx context.Context) (model.EVCCSession, bool, error) {
	var result sessionState
	err := retry.Do(ctx, c.attempts, c.backoff, c.logf, "evcc: fetch session", func(ctx context.Context) error {
		r, ferr := c.sessionOnce(ctx)
		if ferr != nil {
			return ferr
		}
		result = r
		return nil
	})
	if err != nil {
		if cached, ok := c.cache.Get(); ok {
			return cached.session, cached.found, fmt.Errorf("evcc: retries exhausted, using last known session: %w", err)
		}
		return result.session, result.found, err
	}
	c.cache.Set(result)
	return result.session, result.found, nil
}

func (c *Client) sessionOnce(ctx context.Context) (sessionState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/state", nil)
	if err != nil {
		return sessionState{}, fmt.Errorf("evcc: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sessionState{}, fmt.Errorf("evcc: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return sessionState{}, fmt.Errorf("evcc: status %d", resp.StatusCode)
	}

	var parsed stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return sessionState{}, fmt.Errorf("evcc: decode response: %w", err)
	}
	if len(parsed.Result.Loadpoints) == 0 {
		return sessionState{}, nil
	}

	lp := parsed.Result.Loadpoints[0]
	session := model.EVCCSession{ChargingMode: model.EVCCChargingMode(lp.Mode)}
	switch {
	case lp.Charging:
		session.ChargingState = model.EVCCCharging
	default:
		session.ChargingState = model.EVCCIdle
	}
	return sessionState{session: session, found: lp.Charging}, nil
}

// SetExternalBatteryMode pushes the resolved Base Control mode to
// EVCC's external-battery-control endpoint, used when EVCC (rather
// than this coordinator) drives the inverter directly. Retried per the
// adapter retry policy; this is a write, so there is no stale value to
// fall back to — exhaustion just returns the final error.
func (c *Client) SetExternalBatteryMode(ctx context.Context, mode model.ExternalBatteryMode) error {
	return retry.Do(ctx, c.attempts, c.backoff, c.logf, "evcc: set battery mode", func(ctx context.Context) error {
		return c.setExternalBatteryModeOnce(ctx, mode)
	})
}

func (c *Client) setExternalBatteryModeOnce(ctx context.Context, mode model.ExternalBatteryMode) error {
	body, _ := json.Marshal(map[string]string{"mode": string(mode)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/batterymode", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("evcc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("evcc: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("evcc: status %d setting battery mode", resp.StatusCode)
	}
	return nil
}
