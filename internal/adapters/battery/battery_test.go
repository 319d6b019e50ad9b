package battery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenHABStateReader_Read(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"62.5"`))
	}))
	defer srv.Close()

	reader := NewOpenHABStateReader(srv.URL, "BatterySoC", time.Second, 1, time.Millisecond, nil)
	v, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 62.5, v)
}

func TestHomeAssistantStateReader_Read(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"state":"71"}`))
	}))
	defer srv.Close()

	reader := NewHomeAssistantStateReader(srv.URL, "sensor.battery_soc", "tok", time.Second, 1, time.Millisecond, nil)
	v, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 71.0, v)
}

func TestOpenHABStateReader_FallsBackToStaleCacheAfterExhaustion(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`"62.5"`))
	}))
	defer srv.Close()

	reader := NewOpenHABStateReader(srv.URL, "BatterySoC", time.Second, 2, time.Millisecond, nil)

	first, err := reader.Read(context.Background())
	require.NoError(t, err)

	healthy = false
	second, err := reader.Read(context.Background())
	assert.Error(t, err, "must still report the failure")
	assert.Equal(t, first, second, "must fall back to the last known-good reading rather than returning 0")
}

func TestDerive_UsableCapacityAndTaper(t *testing.T) {
	p := Params{CapacityWh: 10000, MinSocPct: 10, MaxSocPct: 95, MaxChargeRateW: 5000, DischargeEff: 0.95}

	mid := Derive(60, p)
	assert.InDelta(t, 4750, mid.UsableCapacityWh, 0.01) // (60-10)/100*10000*0.95
	assert.Equal(t, 5000.0, mid.MaxChargePowerDynW, "no taper below MaxSocPct-10")

	near := Derive(90, p)
	assert.InDelta(t, 7600, near.UsableCapacityWh, 0.01) // (90-10)/100*10000*0.95
	assert.Less(t, near.MaxChargePowerDynW, 5000.0, "must taper within 10% of max SoC")

	full := Derive(95, p)
	assert.InDelta(t, 8075, full.UsableCapacityWh, 0.01)
	assert.Equal(t, 0.0, full.MaxChargePowerDynW)
}

func TestDerive_ClampsNegativeUsable(t *testing.T) {
	p := Params{CapacityWh: 10000, MinSocPct: 20, MaxSocPct: 95, MaxChargeRateW: 5000, DischargeEff: 0.95}
	below := Derive(5, p)
	assert.Equal(t, 0.0, below.UsableCapacityWh)
}

func TestDerive_DefaultsDischargeEffToOne(t *testing.T) {
	p := Params{CapacityWh: 10000, MinSocPct: 10, MaxSocPct: 95, MaxChargeRateW: 5000}
	d := Derive(60, p)
	assert.InDelta(t, 5000, d.UsableCapacityWh, 0.01) // (60-10)/100*10000, eff=1
}

func TestThresholdWatcher_FiresOnceOnCross(t *testing.T) {
	var crossings []bool
	w := NewThresholdWatcher(95, func(soc float64, above bool) { crossings = append(crossings, above) })

	w.Observe(90)
	w.Observe(92)
	w.Observe(96)
	w.Observe(97)
	w.Observe(94)

	require.Len(t, crossings, 3, "initial observation + two transitions, not repeated hovering")
	assert.False(t, crossings[0])
	assert.True(t, crossings[1])
	assert.False(t, crossings[2])
}
