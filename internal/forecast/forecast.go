// Package forecast assembles the 48-hour PV and temperature slots fed
// into an optimization request. The per-hour slot shape is adapted
// from mpc.TimeSlot; the dynamic-programming optimizer that used to
// consume it is not ported here; the external solver owns that
// decision now (see SPEC_FULL.md's scheduler component).
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/eosconnect/eoscoordinator/internal/config"
	"github.com/eosconnect/eoscoordinator/internal/model"
	"github.com/eosconnect/eoscoordinator/internal/retry"
)

// Slot is one hour of forecast input, grounded on mpc.TimeSlot but
// trimmed to the fields the solver request actually carries.
type Slot struct {
	Hour          int
	Timestamp     time.Time
	PVPowerW      float64
	TemperatureC  float64
}

// PVClient fetches a PV power forecast from an Akkudoktor-compatible
// endpoint (https://api.akkudoktor.net/forecast), one series per
// configured plant. Transport shape (http.Client with User-Agent,
// buildURL, status/body error wrapping) is grounded on
// meteo.Client.getForecast.
type PVClient struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string

	attempts int
	backoff  time.Duration
	logger   *log.Logger

	mu    sync.Mutex
	cache map[string][]akkudoktorValue
}

// NewPVClient creates a PVClient. userAgent is sent on every request,
// matching the Akkudoktor service's courtesy-identification policy.
// attempts/backoff configure the retry policy (attempts <= 0 uses
// retry.DefaultAttempts); logger may be nil.
func NewPVClient(userAgent string, attempts int, backoff time.Duration, logger *log.Logger) *PVClient {
	return &PVClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://api.akkudoktor.net/forecast",
		userAgent:  userAgent,
		attempts:   attempts,
		backoff:    backoff,
		logger:     logger,
		cache:      make(map[string][]akkudoktorValue),
	}
}

func (c *PVClient) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// plantCacheKey identifies a plant for the stale-fallback cache by its
// coordinates, since config.PVPlant carries no separate identifier.
func plantCacheKey(plant config.PVPlant) string {
	return fmt.Sprintf("%g,%g", plant.Latitude, plant.Longitude)
}

// SetBaseURL overrides the endpoint, for testing.
func (c *PVClient) SetBaseURL(u string) { c.baseURL = u }

type akkudoktorResponse struct {
	Values [][]akkudoktorValue `json:"values"`
}

type akkudoktorValue struct {
	DateTime    string  `json:"datetime"`
	PowerW      float64 `json:"power"`
	Temperature float64 `json:"temperature"`
}

// FetchPlant retrieves the hourly forecast for one PV plant, retried
// per the adapter retry policy. Once that budget is exhausted it
// returns the plant's last successfully fetched values (or nil if none
// has ever succeeded) alongside the final error.
func (c *PVClient) FetchPlant(ctx context.Context, plant config.PVPlant) ([]akkudoktorValue, error) {
	key := plantCacheKey(plant)
	var result []akkudoktorValue
	err := retry.Do(ctx, c.attempts, c.backoff, c.logf, fmt.Sprintf("forecast: fetch plant %s", key), func(ctx context.Context) error {
		r, ferr := c.fetchOnce(ctx, plant)
		if ferr != nil {
			return ferr
		}
		result = r
		return nil
	})
	if err != nil {
		c.mu.Lock()
		cached, ok := c.cache[key]
		c.mu.Unlock()
		if ok {
			return cached, fmt.Errorf("forecast: retries exhausted for plant %s, using last known values: %w", key, err)
		}
		return nil, err
	}
	c.mu.Lock()
	c.cache[key] = result
	c.mu.Unlock()
	return result, nil
}

func (c *PVClient) fetchOnce(ctx context.Context, plant config.PVPlant) ([]akkudoktorValue, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("forecast: parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("lat", formatFloat(plant.Latitude))
	q.Set("lon", formatFloat(plant.Longitude))
	q.Set("power", formatFloat(plant.PeakPowerW))
	q.Set("azimuth", formatFloat(plant.AzimuthDeg))
	q.Set("tilt", formatFloat(plant.TiltDeg))
	q.Set("inverterPower", formatFloat(plant.InverterPowerW))
	if plant.HorizonCsv != "" {
		q.Set("horizont", plant.HorizonCsv)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("forecast: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forecast: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forecast: status %d from akkudoktor", resp.StatusCode)
	}

	var parsed akkudoktorResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("forecast: decode response: %w", err)
	}
	if len(parsed.Values) == 0 {
		return nil, fmt.Errorf("forecast: empty values array")
	}
	return parsed.Values[0], nil
}

// BuildPVAndTemperature sums every configured plant's hourly power
// into a single 48-entry PV forecast and averages temperature across
// plants, applying efficiency and clamping to each inverter's rated
// power.
func BuildPVAndTemperature(ctx context.Context, client *PVClient, plants []config.PVPlant, now time.Time, loc *time.Location) (pv [model.PlanHours]float64, temp [model.PlanHours]float64, err error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	var tempSum [model.PlanHours]float64
	var tempCount [model.PlanHours]int

	for _, plant := range plants {
		// FetchPlant already retried internally; a non-nil ferr here
		// with non-empty values means it fell back to that plant's
		// stale cache, which is still worth folding in rather than
		// dropping the plant's contribution entirely.
		values, ferr := client.FetchPlant(ctx, plant)
		if ferr != nil {
			err = ferr
		}
		if len(values) == 0 {
			continue
		}

		byHour := indexByHour(values, loc)
		for h := 0; h < model.PlanHours; h++ {
			ts := midnight.Add(time.Duration(h) * time.Hour)
			v, ok := byHour[ts.Unix()]
			if !ok {
				continue
			}
			power := v.PowerW * plant.InverterEfficiency
			if power > plant.InverterPowerW && plant.InverterPowerW > 0 {
				power = plant.InverterPowerW
			}
			if power < 0 {
				power = 0
			}
			pv[h] += power
			tempSum[h] += v.Temperature
			tempCount[h]++
		}
	}

	for h := 0; h < model.PlanHours; h++ {
		if tempCount[h] > 0 {
			temp[h] = tempSum[h] / float64(tempCount[h])
		}
	}

	if err != nil && pv == ([model.PlanHours]float64{}) {
		return pv, temp, err
	}
	return pv, temp, nil
}

// SunInfo is the informational solar-angle/sunrise/sunset enrichment
// served on /json/sun.json, grounded on scheduler.mpc's
// suncalc.GetTimes/GetPosition usage (mpc.go's solar-angle-factor
// calculation and server.go's SunInfo response field).
type SunInfo struct {
	SolarAltitudeDeg float64   `json:"solar_altitude_deg"`
	SolarAzimuthDeg  float64   `json:"solar_azimuth_deg"`
	Sunrise          time.Time `json:"sunrise"`
	Sunset           time.Time `json:"sunset"`
}

// CurrentSunInfo computes the sun's position and today's sunrise/
// sunset for the first configured PV plant's coordinates, for display
// only (it does not feed into the solver request).
func CurrentSunInfo(now time.Time, lat, lon float64) SunInfo {
	times := suncalc.GetTimes(now, lat, lon)
	pos := suncalc.GetPosition(now, lat, lon)
	return SunInfo{
		SolarAltitudeDeg: pos.Altitude * 180 / math.Pi,
		SolarAzimuthDeg:  pos.Azimuth * 180 / math.Pi,
		Sunrise:          times["sunrise"].Value,
		Sunset:           times["sunset"].Value,
	}
}

func indexByHour(values []akkudoktorValue, loc *time.Location) map[int64]akkudoktorValue {
	m := make(map[int64]akkudoktorValue, len(values))
	for _, v := range values {
		t, perr := time.ParseInLocation(time.RFC3339, v.DateTime, loc)
		if perr != nil {
			continue
		}
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
		m[t.Unix()] = v
	}
	return m
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}

// PlantSlots fetches one plant's forecast and flattens it into a
// time-ordered slice, for the debug-dump surface (httpapi's
// /json/forecast_slots.json) rather than the solver request itself,
// which only needs the summed/averaged BuildPVAndTemperature view.
func PlantSlots(ctx context.Context, client *PVClient, plant config.PVPlant, loc *time.Location) ([]Slot, error) {
	values, err := client.FetchPlant(ctx, plant)
	if loc == nil {
		loc = time.UTC
	}
	if len(values) == 0 {
		return nil, err
	}
	return slotsSortedByTime(values, loc), err
}

// slotsSortedByTime exists for callers that want the flattened,
// time-ordered view of a plant's raw response (e.g. debug dumps).
func slotsSortedByTime(values []akkudoktorValue, loc *time.Location) []Slot {
	slots := make([]Slot, 0, len(values))
	for _, v := range values {
		t, err := time.ParseInLocation(time.RFC3339, v.DateTime, loc)
		if err != nil {
			continue
		}
		slots = append(slots, Slot{Hour: t.Hour(), Timestamp: t, PVPowerW: v.PowerW, TemperatureC: v.Temperature})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Timestamp.Before(slots[j].Timestamp) })
	return slots
}
