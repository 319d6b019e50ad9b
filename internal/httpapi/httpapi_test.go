package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosconnect/eoscoordinator/internal/adapters/battery"
	"github.com/eosconnect/eoscoordinator/internal/adapters/inverter"
	"github.com/eosconnect/eoscoordinator/internal/basecontrol"
	"github.com/eosconnect/eoscoordinator/internal/config"
	"github.com/eosconnect/eoscoordinator/internal/eosclient"
	"github.com/eosconnect/eoscoordinator/internal/forecast"
	"github.com/eosconnect/eoscoordinator/internal/logbuf"
	"github.com/eosconnect/eoscoordinator/internal/model"
)

type fakeCoordinator struct {
	override model.Override
	sched    model.SchedulerState
	result   basecontrol.Result
	hasResult bool
	battery  battery.Derived
	evcc     model.EVCCSession
	evccOK   bool
	inv      inverter.Data
}

func (f *fakeCoordinator) Override() model.Override                 { return f.override }
func (f *fakeCoordinator) SetOverride(o model.Override)              { f.override = o }
func (f *fakeCoordinator) SchedulerState() model.SchedulerState      { return f.sched }
func (f *fakeCoordinator) LastControlResult() (basecontrol.Result, bool) {
	return f.result, f.hasResult
}
func (f *fakeCoordinator) BatterySnapshot() battery.Derived          { return f.battery }
func (f *fakeCoordinator) EvccSnapshot() (model.EVCCSession, bool)   { return f.evcc, f.evccOK }
func (f *fakeCoordinator) InverterSnapshot() inverter.Data           { return f.inv }

func testServer(coord Coordinator) *Server {
	cfg := config.DefaultConfig()
	cfg.BatteryMaxChargePowerW = 5000
	return New(cfg, coord, eosclient.New("http://solver.invalid", time.Second, 5), nil, logbuf.New(), log.New(io.Discard, "", 0))
}

func TestHandleCurrentControls_ReflectsCoordinatorState(t *testing.T) {
	coord := &fakeCoordinator{
		result: basecontrol.Result{
			OverallState:     model.StateDischargeAllowed,
			TargetACChargeW:  0,
			TargetDCChargeW:  3000,
			DischargeAllowed: true,
		},
		hasResult: true,
		override:  model.Override{Active: false},
		battery:   battery.Derived{SocPct: 60, UsableCapacityWh: 4750, MaxChargePowerDynW: 5000},
	}
	s := testServer(coord)

	req := httptest.NewRequest(http.MethodGet, "/json/current_controls.json", nil)
	w := httptest.NewRecorder()
	s.handleCurrentControls(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body currentControls
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "DISCHARGE_ALLOWED", body.CurrentStates.InverterMode)
	assert.Equal(t, 2, body.CurrentStates.InverterModeNum)
	assert.Equal(t, 5000.0, body.Battery.MaxGridChargeRateW)
	assert.Equal(t, "1", body.APIVersion)
}

func TestHandleModeOverride_ValidRequest(t *testing.T) {
	coord := &fakeCoordinator{}
	s := testServer(coord)

	body := `{"mode":0,"duration":"01:30","grid_charge_power":2.5}`
	req := httptest.NewRequest(http.MethodPost, "/controls/mode_override", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.handleModeOverride(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, coord.override.Active)
	assert.Equal(t, model.StateChargeFromGrid, coord.override.Mode)
	assert.Equal(t, 2500.0, coord.override.GridChargePowerW)
}

func TestHandleModeOverride_RejectsModeOutOfRange(t *testing.T) {
	s := testServer(&fakeCoordinator{})
	body := `{"mode":5,"duration":"01:00","grid_charge_power":2}`
	req := httptest.NewRequest(http.MethodPost, "/controls/mode_override", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.handleModeOverride(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleModeOverride_RejectsDurationOverTwelveHours(t *testing.T) {
	s := testServer(&fakeCoordinator{})
	body := `{"mode":0,"duration":"13:00","grid_charge_power":2}`
	req := httptest.NewRequest(http.MethodPost, "/controls/mode_override", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.handleModeOverride(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleModeOverride_RejectsZeroDuration(t *testing.T) {
	s := testServer(&fakeCoordinator{})
	body := `{"mode":0,"duration":"00:00","grid_charge_power":2}`
	req := httptest.NewRequest(http.MethodPost, "/controls/mode_override", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.handleModeOverride(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleModeOverride_RejectsChargePowerOutOfRange(t *testing.T) {
	s := testServer(&fakeCoordinator{})
	for _, power := range []float64{0.1, 10} {
		body := `{"mode":0,"duration":"01:00","grid_charge_power":` + jsonFloat(power) + `}`
		req := httptest.NewRequest(http.MethodPost, "/controls/mode_override", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		s.handleModeOverride(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "power=%v", power)
	}
}

func jsonFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestHandleModeOverride_RejectsMalformedBody(t *testing.T) {
	s := testServer(&fakeCoordinator{})
	req := httptest.NewRequest(http.MethodPost, "/controls/mode_override", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	s.handleModeOverride(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleModeOverride_RejectsWrongMethod(t *testing.T) {
	s := testServer(&fakeCoordinator{})
	req := httptest.NewRequest(http.MethodGet, "/controls/mode_override", nil)
	w := httptest.NewRecorder()
	s.handleModeOverride(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestParseHHMM(t *testing.T) {
	d, err := parseHHMM("01:30")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = parseHHMM("garbage")
	assert.Error(t, err)

	_, err = parseHHMM("01")
	assert.Error(t, err)
}

func TestHandleLogs_FiltersByLevel(t *testing.T) {
	buf := logbuf.New()
	buf.Append("eos", logbuf.LevelInfo, "info one")
	buf.Append("eos", logbuf.LevelWarning, "warn one")
	buf.Append("eos", logbuf.LevelError, "error one")

	cfg := config.DefaultConfig()
	s := New(cfg, &fakeCoordinator{}, nil, nil, buf, log.New(io.Discard, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/logs?level=warning", nil)
	w := httptest.NewRecorder()
	s.handleLogs(w, req)

	var records []logbuf.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, logbuf.LevelWarning, records[0].Level)
}

func TestHandleLogAlerts_OnlyWarningAndAbove(t *testing.T) {
	buf := logbuf.New()
	buf.Append("eos", logbuf.LevelInfo, "info one")
	buf.Append("eos", logbuf.LevelCritical, "critical one")

	cfg := config.DefaultConfig()
	s := New(cfg, &fakeCoordinator{}, nil, nil, buf, log.New(io.Discard, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/logs/alerts", nil)
	w := httptest.NewRecorder()
	s.handleLogAlerts(w, req)

	var records []logbuf.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, logbuf.LevelCritical, records[0].Level)
}

func TestHandleLogsClear_TruncatesBuffer(t *testing.T) {
	buf := logbuf.New()
	buf.Append("eos", logbuf.LevelInfo, "one")
	cfg := config.DefaultConfig()
	s := New(cfg, &fakeCoordinator{}, nil, nil, buf, log.New(io.Discard, "", 0))

	req := httptest.NewRequest(http.MethodPost, "/logs/clear", nil)
	w := httptest.NewRecorder()
	s.handleLogsClear(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, buf.Stats().AllCount)
}

func TestHandleOptimizeRequestResponse_EmptyBeforeFirstCall(t *testing.T) {
	eos := eosclient.New("http://solver.invalid", time.Second, 5)
	cfg := config.DefaultConfig()
	s := New(cfg, &fakeCoordinator{}, eos, nil, logbuf.New(), log.New(io.Discard, "", 0))

	w := httptest.NewRecorder()
	s.handleOptimizeRequest(w, httptest.NewRequest(http.MethodGet, "/json/optimize_request.json", nil))
	assert.Equal(t, "{}\n", w.Body.String())

	w2 := httptest.NewRecorder()
	s.handleOptimizeResponse(w2, httptest.NewRequest(http.MethodGet, "/json/optimize_response.json", nil))
	assert.Equal(t, "{}", w2.Body.String())
}

func TestHandleSunInfo_ReportsSunriseBeforeSunset(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PVPlants = []config.PVPlant{{Latitude: 48.1351, Longitude: 11.5820}}
	s := New(cfg, &fakeCoordinator{}, nil, nil, logbuf.New(), log.New(io.Discard, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/json/sun.json", nil)
	w := httptest.NewRecorder()
	s.handleSunInfo(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var info struct {
		Sunrise time.Time `json:"sunrise"`
		Sunset  time.Time `json:"sunset"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.True(t, info.Sunrise.Before(info.Sunset))
}

func TestHandleSunInfo_EmptyWithNoConfiguredPlants(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PVPlants = nil
	s := New(cfg, &fakeCoordinator{}, nil, nil, logbuf.New(), log.New(io.Discard, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/json/sun.json", nil)
	w := httptest.NewRecorder()
	s.handleSunInfo(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "{}\n", w.Body.String())
}

func TestHandleForecastSlots_ReturnsTimeOrderedSlots(t *testing.T) {
	loc := time.UTC
	midnight := time.Date(2026, 7, 31, 0, 0, 0, 0, loc)

	values := ""
	for h := 0; h < 48; h++ {
		ts := midnight.Add(time.Duration(h) * time.Hour)
		if h > 0 {
			values += ","
		}
		values += `{"datetime":"` + ts.Format(time.RFC3339) + `","power":500,"temperature":18.5}`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"values":[[` + values + `]]}`))
	}))
	defer srv.Close()

	pv := forecast.NewPVClient("eoscoordinator-test/1.0", 1, time.Millisecond, nil)
	pv.SetBaseURL(srv.URL)

	cfg := config.DefaultConfig()
	cfg.PVPlants = []config.PVPlant{{Latitude: 52.5, Longitude: 13.4}}
	s := New(cfg, &fakeCoordinator{}, nil, pv, logbuf.New(), log.New(io.Discard, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/json/forecast_slots.json", nil)
	w := httptest.NewRecorder()
	s.handleForecastSlots(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var slots []forecast.Slot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slots))
	require.Len(t, slots, 48)
	for i := 1; i < len(slots); i++ {
		assert.True(t, slots[i].Timestamp.After(slots[i-1].Timestamp), "slots must be time-ordered")
	}
}

func TestHandleForecastSlots_EmptyWithNoConfiguredPlants(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PVPlants = nil
	pv := forecast.NewPVClient("eoscoordinator-test/1.0", 1, time.Millisecond, nil)
	s := New(cfg, &fakeCoordinator{}, nil, pv, logbuf.New(), log.New(io.Discard, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/json/forecast_slots.json", nil)
	w := httptest.NewRecorder()
	s.handleForecastSlots(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestHandleForecastSlots_EmptyWithNoPVClient(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PVPlants = []config.PVPlant{{Latitude: 52.5, Longitude: 13.4}}
	s := New(cfg, &fakeCoordinator{}, nil, nil, logbuf.New(), log.New(io.Discard, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/json/forecast_slots.json", nil)
	w := httptest.NewRecorder()
	s.handleForecastSlots(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestBindWithFallback_FallsBackOnBusyPort(t *testing.T) {
	first, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer first.Close()
	port := first.Addr().(*net.TCPAddr).Port

	ln, bound, err := bindWithFallback(port, 3)
	require.NoError(t, err)
	defer ln.Close()
	assert.NotEqual(t, port, bound)
	assert.Greater(t, bound, port)
}
