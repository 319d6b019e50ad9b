// Package battery polls a battery's state-of-charge from a home
// automation item and derives the usable-capacity and dynamic
// max-charge-power figures the solver request needs, calling back
// when the SoC crosses a configured safety threshold.
package battery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/eosconnect/eoscoordinator/internal/retry"
)

// StateReader fetches one numeric item/entity's current value,
// generalized over OpenHAB's /rest/items/<name>/state and Home
// Assistant's /api/states/<entity_id> (both return a bare or
// JSON-wrapped scalar, normalized by the caller-supplied Parse func).
type StateReader struct {
	httpClient *http.Client
	url        string
	authHeader string
	parse      func([]byte) (float64, error)

	attempts int
	backoff  time.Duration
	logger   *log.Logger
	cache    retry.StaleCache[float64]
}

// NewOpenHABStateReader builds a StateReader against an OpenHAB item.
// attempts/backoff configure the retry policy (attempts <= 0 uses
// retry.DefaultAttempts); logger may be nil.
func NewOpenHABStateReader(baseURL, itemName string, timeout time.Duration, attempts int, backoff time.Duration, logger *log.Logger) *StateReader {
	return &StateReader{
		httpClient: &http.Client{Timeout: timeout},
		url:        fmt.Sprintf("%s/rest/items/%s/state", baseURL, itemName),
		parse: func(b []byte) (float64, error) {
			return strconv.ParseFloat(string(trim(b)), 64)
		},
		attempts: attempts,
		backoff:  backoff,
		logger:   logger,
	}
}

// NewHomeAssistantStateReader builds a StateReader against a Home
// Assistant entity, authenticating with a long-lived access token.
// attempts/backoff configure the retry policy (attempts <= 0 uses
// retry.DefaultAttempts); logger may be nil.
func NewHomeAssistantStateReader(baseURL, entityID, token string, timeout time.Duration, attempts int, backoff time.Duration, logger *log.Logger) *StateReader {
	return &StateReader{
		httpClient: &http.Client{Timeout: timeout},
		url:        fmt.Sprintf("%s/api/states/%s", baseURL, entityID),
		authHeader: "Bearer " + token,
		parse:      parseHAState,
		attempts:   attempts,
		backoff:    backoff,
		logger:     logger,
	}
}

func (r *StateReader) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

func trim(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == '"' || b[start] == ' ' || b[start] == '\n') {
		start++
	}
	for end > start && (b[end-1] == '"' || b[end-1] == ' ' || b[end-1] == '\n') {
		end--
	}
	return b[start:end]
}

func parseHAState(b []byte) (float64, error) {
	var payload struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(b, &payload); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(payload.State, 64)
}

// Read fetches the current value, retried per the adapter retry
// policy. Once that budget is exhausted it returns the last
// successfully read value (or 0, if it has never succeeded) alongside
// the final error.
func (r *StateReader) Read(ctx context.Context) (float64, error) {
	var result float64
	err := retry.Do(ctx, r.attempts, r.backoff, r.logf, "battery: read state", func(ctx context.Context) error {
		v, ferr := r.readOnce(ctx)
		if ferr != nil {
			return ferr
		}
		result = v
		return nil
	})
	if err != nil {
		if cached, ok := r.cache.Get(); ok {
			return cached, fmt.Errorf("battery: retries exhausted, using last known state: %w", err)
		}
		return result, err
	}
	r.cache.Set(result)
	return result, nil
}

func (r *StateReader) readOnce(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return 0, fmt.Errorf("battery: build request: %w", err)
	}
	if r.authHeader != "" {
		req.Header.Set("Authorization", r.authHeader)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("battery: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("battery: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("battery: read body: %w", err)
	}
	return r.parse(body)
}

// Params describes one battery's static characteristics, used to
// derive the dynamic figures below.
type Params struct {
	CapacityWh     float64
	MinSocPct      float64
	MaxSocPct      float64
	MaxChargeRateW float64
	DischargeEff   float64
}

// Derived is the per-poll snapshot fed into the solver's BatteryBlock
// and Base Control's clamp logic.
type Derived struct {
	SocPct            float64
	UsableCapacityWh  float64
	MaxChargePowerDynW float64
}

// Derive computes the usable capacity down to MinSocPct (scaled by the
// discharge efficiency, so it reflects energy actually deliverable at
// the inverter terminals) and a charge-rate taper as the battery
// approaches full, matching the inverters' own CC/CV-style roll-off
// (linear over the top 10%).
func Derive(socPct float64, p Params) Derived {
	dischargeEff := p.DischargeEff
	if dischargeEff <= 0 {
		dischargeEff = 1
	}
	usable := (socPct - p.MinSocPct) / 100 * p.CapacityWh * dischargeEff
	if usable < 0 {
		usable = 0
	}

	maxW := p.MaxChargeRateW
	taperStart := p.MaxSocPct - 10
	if socPct > taperStart && p.MaxSocPct > taperStart {
		fraction := (p.MaxSocPct - socPct) / (p.MaxSocPct - taperStart)
		if fraction < 0 {
			fraction = 0
		}
		maxW = p.MaxChargeRateW * fraction
	}

	return Derived{SocPct: socPct, UsableCapacityWh: usable, MaxChargePowerDynW: maxW}
}

// ThresholdWatcher calls OnCross once each time the polled SoC crosses
// a configured safety threshold, in either direction, so callers can
// log a single alert instead of one per poll while the value hovers.
// The first observation also calls OnCross, reporting which side of
// the threshold the SoC starts on.
type ThresholdWatcher struct {
	mu        sync.Mutex
	threshold float64
	above     bool
	hasPrior  bool
	OnCross   func(socPct float64, nowAbove bool)
}

// NewThresholdWatcher creates a watcher for one threshold percentage.
func NewThresholdWatcher(threshold float64, onCross func(float64, bool)) *ThresholdWatcher {
	return &ThresholdWatcher{threshold: threshold, OnCross: onCross}
}

// Observe feeds one poll's SoC reading.
func (w *ThresholdWatcher) Observe(socPct float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	nowAbove := socPct >= w.threshold
	if w.hasPrior && nowAbove == w.above {
		return
	}
	w.hasPrior = true
	w.above = nowAbove
	if w.OnCross != nil {
		w.OnCross(socPct, nowAbove)
	}
}
