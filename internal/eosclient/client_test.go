package eosclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosconnect/eoscoordinator/internal/model"
)

func fullPlanResponse(ac, dc float64, da bool) []byte {
	acArr := make([]float64, model.PlanHours)
	dcArr := make([]float64, model.PlanHours)
	daArr := make([]bool, model.PlanHours)
	for i := range acArr {
		acArr[i], dcArr[i], daArr[i] = ac, dc, da
	}
	body, _ := json.Marshal(map[string]any{
		"ac_charge":         acArr,
		"dc_charge":         dcArr,
		"discharge_allowed": daArr,
	})
	return body
}

func TestOptimize_P1_FullPlanValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/optimize", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("start_hour"))
		w.Header().Set("Content-Type", "application/json")
		w.Write(fullPlanResponse(1000, 500, true))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, 5)
	plan, err := c.Optimize(context.Background(), model.OptimizationRequest{}, 5)
	require.NoError(t, err)
	require.Len(t, plan.Entries, model.PlanHours)
	for _, e := range plan.Entries {
		assert.False(t, e.Error)
		assert.GreaterOrEqual(t, e.ACChargeDemandW, 0.0)
		assert.GreaterOrEqual(t, e.DCChargeDemandW, 0.0)
	}
}

func TestOptimize_InjectsDeviceIDsOnceVersionRecent(t *testing.T) {
	var bodies []model.OptimizationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req model.OptimizationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		bodies = append(bodies, req)
		w.Header().Set("Content-Type", "application/json")
		w.Write(fullPlanResponse(1000, 500, true))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, 5)
	c.SetDeviceIDs("dev-1", "batt-1")

	// The solver's release cutover date is long past "now" in any real
	// test run, so even the pre-negotiation guess says "recent" — both
	// calls should carry the configured IDs.
	_, err := c.Optimize(context.Background(), model.OptimizationRequest{}, 5)
	require.NoError(t, err)
	_, err = c.Optimize(context.Background(), model.OptimizationRequest{}, 5)
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	for _, body := range bodies {
		assert.Equal(t, "dev-1", body.Battery.DeviceID)
		assert.Equal(t, "dev-1", body.Inverter.DeviceID)
		assert.Equal(t, "batt-1", body.Inverter.BatteryID)
	}
}

func TestOptimize_NoDeviceIDsInjectedWhenUnset(t *testing.T) {
	var body model.OptimizationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.Write(fullPlanResponse(1000, 500, true))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, 5)
	_, err := c.Optimize(context.Background(), model.OptimizationRequest{}, 5)
	require.NoError(t, err)
	_, err = c.Optimize(context.Background(), model.OptimizationRequest{}, 5)
	require.NoError(t, err)

	assert.Empty(t, body.Battery.DeviceID)
	assert.Empty(t, body.Inverter.DeviceID)
	assert.Empty(t, body.Inverter.BatteryID)
}

func TestOptimize_MalformedEntriesMarkedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ac_charge":[1000,1000],"dc_charge":[500,-1],"discharge_allowed":[true,true]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, 5)
	plan, err := c.Optimize(context.Background(), model.OptimizationRequest{}, 0)
	require.NoError(t, err)
	assert.False(t, plan.Entries[0].Error)
	assert.True(t, plan.Entries[1].Error, "negative dc_charge must mark error")
	assert.True(t, plan.Entries[2].Error, "missing entries must mark error")
}

func TestOptimize_TimeoutKeepsPreviousPlan(t *testing.T) {
	// S4 — Solver timeout: previous plan retained, cycle skipped.
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write(fullPlanResponse(1000, 0, false))
			return
		}
		time.Sleep(50 * time.Millisecond)
		w.Write(fullPlanResponse(0, 0, true))
	}))
	defer srv.Close()

	c := New(srv.URL, 200*time.Millisecond, 5)
	_, err := c.Optimize(context.Background(), model.OptimizationRequest{}, 0)
	require.NoError(t, err)
	firstPlan := c.LastPlan()
	require.NotNil(t, firstPlan)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer cancel()
	_, err = c.Optimize(ctx, model.OptimizationRequest{}, 0)
	require.Error(t, err)

	assert.Same(t, firstPlan, c.LastPlan(), "a failed call must not overwrite the prior plan")
}

func TestAverageRuntime_RollingWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(fullPlanResponse(0, 0, true))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, 2)
	for i := 0; i < 3; i++ {
		_, err := c.Optimize(context.Background(), model.OptimizationRequest{}, 0)
		require.NoError(t, err)
	}
	assert.Len(t, c.runtimeSamples, 2, "window must cap at runtimeWindow")
}

func TestGetLastControlData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(fullPlanResponse(1234, 0, true))
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 14, 30, 0, 0, time.UTC)
	c := New(srv.URL, 5*time.Second, 5)
	_, err := c.Optimize(context.Background(), model.OptimizationRequest{}, now.Hour())
	require.NoError(t, err)

	current, next, ok := c.GetLastControlData(now)
	require.True(t, ok)
	assert.Equal(t, 1234.0, current.ACChargeDemandW)
	assert.Equal(t, 1234.0, next.ACChargeDemandW)
}

func TestGetLastControlData_NoPlan(t *testing.T) {
	c := New("http://unused", 5*time.Second, 5)
	_, _, ok := c.GetLastControlData(time.Now())
	assert.False(t, ok)
}

func TestCalculateNextRunTime_P6(t *testing.T) {
	base := 15 * time.Minute
	now := time.Date(2026, 1, 1, 10, 3, 0, 0, time.UTC)

	for _, avg := range []time.Duration{0, 1 * time.Minute, base / 2} {
		next := CalculateNextRunTime(now, avg, base)
		assert.True(t, next.After(now), "next run must be strictly after now (avg=%s)", avg)
		assert.True(t, !next.After(now.Add(2*base)), "next run must be within 2x base interval (avg=%s)", avg)
	}
}

func TestCalculateNextRunTime_PushesOutWhenTooClose(t *testing.T) {
	base := 10 * time.Minute
	now := time.Date(2026, 1, 1, 10, 9, 55, 0, time.UTC) // 5s before the 10:10 boundary
	next := CalculateNextRunTime(now, 4*time.Minute, base)
	assert.True(t, next.Sub(now) > 10*time.Second)
}
