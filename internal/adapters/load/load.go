// Package load implements loadprofile.HistorySource against OpenHAB's
// persistence REST API and Home Assistant's history API, the two
// backends the original coordinator integrated with.
package load

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eosconnect/eoscoordinator/internal/model"
	"github.com/eosconnect/eoscoordinator/internal/retry"
)

// OpenHABSource reads item history from OpenHAB's /rest/persistence/items endpoint.
type OpenHABSource struct {
	httpClient *http.Client
	baseURL    string

	attempts int
	backoff  time.Duration
	logger   *log.Logger

	mu    sync.Mutex
	cache map[string][]model.LoadHistorySample
}

// NewOpenHABSource creates a source against an OpenHAB instance.
// attempts/backoff configure the retry policy (attempts <= 0 uses
// retry.DefaultAttempts); logger may be nil.
func NewOpenHABSource(baseURL string, timeout time.Duration, attempts int, backoff time.Duration, logger *log.Logger) *OpenHABSource {
	return &OpenHABSource{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		attempts:   attempts,
		backoff:    backoff,
		logger:     logger,
		cache:      make(map[string][]model.LoadHistorySample),
	}
}

func (s *OpenHABSource) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

type openHABHistory struct {
	Data []struct {
		Time  int64  `json:"time"`
		State string `json:"state"`
	} `json:"data"`
}

// Samples implements loadprofile.HistorySource. Retried per the
// adapter retry policy; once that budget is exhausted it returns the
// item's last successfully fetched samples (or none, if it has never
// succeeded) alongside the final error.
func (s *OpenHABSource) Samples(ctx context.Context, itemName string, start, end time.Time) ([]model.LoadHistorySample, error) {
	var result []model.LoadHistorySample
	err := retry.Do(ctx, s.attempts, s.backoff, s.logf, fmt.Sprintf("openhab: fetch history %s", itemName), func(ctx context.Context) error {
		r, ferr := s.fetchOnce(ctx, itemName, start, end)
		if ferr != nil {
			return ferr
		}
		result = r
		return nil
	})
	if err != nil {
		s.mu.Lock()
		cached, ok := s.cache[itemName]
		s.mu.Unlock()
		if ok {
			return cached, fmt.Errorf("openhab: retries exhausted for %q, using last known samples: %w", itemName, err)
		}
		return nil, err
	}
	s.mu.Lock()
	s.cache[itemName] = result
	s.mu.Unlock()
	return result, nil
}

func (s *OpenHABSource) fetchOnce(ctx context.Context, itemName string, start, end time.Time) ([]model.LoadHistorySample, error) {
	u := fmt.Sprintf("%s/rest/persistence/items/%s?starttime=%s&endtime=%s",
		s.baseURL, url.PathEscape(itemName), start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("openhab: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openhab: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openhab: status %d for item %q", resp.StatusCode, itemName)
	}

	var hist openHABHistory
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		return nil, fmt.Errorf("openhab: decode response: %w", err)
	}

	samples := make([]model.LoadHistorySample, 0, len(hist.Data))
	for _, d := range hist.Data {
		v, err := strconv.ParseFloat(d.State, 64)
		if err != nil {
			continue
		}
		samples = append(samples, model.LoadHistorySample{
			State:     v,
			Timestamp: time.UnixMilli(d.Time),
		})
	}
	return samples, nil
}

// DeepLink implements loadprofile.HistorySource.
func (s *OpenHABSource) DeepLink(itemName string, start, end time.Time) string {
	return fmt.Sprintf("%s/basicui/app?sitemap=_default#%s", s.baseURL, itemName)
}

// HomeAssistantSource reads entity history from Home Assistant's
// /api/history/period endpoint.
type HomeAssistantSource struct {
	httpClient *http.Client
	baseURL    string
	token      string

	attempts int
	backoff  time.Duration
	logger   *log.Logger

	mu    sync.Mutex
	cache map[string][]model.LoadHistorySample
}

// NewHomeAssistantSource creates a source against a Home Assistant
// instance, authenticating with a long-lived access token.
// attempts/backoff configure the retry policy (attempts <= 0 uses
// retry.DefaultAttempts); logger may be nil.
func NewHomeAssistantSource(baseURL, token string, timeout time.Duration, attempts int, backoff time.Duration, logger *log.Logger) *HomeAssistantSource {
	return &HomeAssistantSource{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
		attempts:   attempts,
		backoff:    backoff,
		logger:     logger,
		cache:      make(map[string][]model.LoadHistorySample),
	}
}

func (s *HomeAssistantSource) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

type haHistoryEntry struct {
	State       string `json:"state"`
	LastChanged string `json:"last_changed"`
}

// Samples implements loadprofile.HistorySource. Retried per the
// adapter retry policy; once that budget is exhausted it returns the
// entity's last successfully fetched samples (or none, if it has never
// succeeded) alongside the final error.
func (s *HomeAssistantSource) Samples(ctx context.Context, entityID string, start, end time.Time) ([]model.LoadHistorySample, error) {
	var result []model.LoadHistorySample
	err := retry.Do(ctx, s.attempts, s.backoff, s.logf, fmt.Sprintf("homeassistant: fetch history %s", entityID), func(ctx context.Context) error {
		r, ferr := s.fetchOnce(ctx, entityID, start, end)
		if ferr != nil {
			return ferr
		}
		result = r
		return nil
	})
	if err != nil {
		s.mu.Lock()
		cached, ok := s.cache[entityID]
		s.mu.Unlock()
		if ok {
			return cached, fmt.Errorf("homeassistant: retries exhausted for %q, using last known samples: %w", entityID, err)
		}
		return nil, err
	}
	s.mu.Lock()
	s.cache[entityID] = result
	s.mu.Unlock()
	return result, nil
}

func (s *HomeAssistantSource) fetchOnce(ctx context.Context, entityID string, start, end time.Time) ([]model.LoadHistorySample, error) {
	u := fmt.Sprintf("%s/api/history/period/%s?filter_entity_id=%s&end_time=%s",
		s.baseURL, start.UTC().Format(time.RFC3339), url.QueryEscape(entityID), end.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("homeassistant: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("homeassistant: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("homeassistant: status %d for entity %q", resp.StatusCode, entityID)
	}

	var series [][]haHistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return nil, fmt.Errorf("homeassistant: decode response: %w", err)
	}
	if len(series) == 0 {
		return nil, nil
	}

	samples := make([]model.LoadHistorySample, 0, len(series[0]))
	for _, e := range series[0] {
		v, err := strconv.ParseFloat(e.State, 64)
		if err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, e.LastChanged)
		if err != nil {
			continue
		}
		samples = append(samples, model.LoadHistorySample{State: v, Timestamp: ts})
	}
	return samples, nil
}

// DeepLink implements loadprofile.HistorySource.
func (s *HomeAssistantSource) DeepLink(entityID string, start, end time.Time) string {
	return fmt.Sprintf("%s/history?entity_id=%s", s.baseURL, entityID)
}
