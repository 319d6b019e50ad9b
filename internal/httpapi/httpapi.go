// Package httpapi is the coordinator's own web server: JSON status
// endpoints, the mode-override POST, log retrieval, and a WebSocket
// push of the same live snapshot current_controls.json exposes. HTTP
// server shape (mux + http.Server with explicit timeouts, Start/Stop
// lifecycle, graceful Shutdown) is grounded on scheduler.WebServer;
// the WebSocket broadcast loop is grounded on
// scheduler.WebServer.handleBroadcasts/broadcastStatus, adapted from a
// miner-health push to a control-state push.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eosconnect/eoscoordinator/internal/adapters/battery"
	"github.com/eosconnect/eoscoordinator/internal/adapters/inverter"
	"github.com/eosconnect/eoscoordinator/internal/basecontrol"
	"github.com/eosconnect/eoscoordinator/internal/config"
	"github.com/eosconnect/eoscoordinator/internal/eosclient"
	"github.com/eosconnect/eoscoordinator/internal/forecast"
	"github.com/eosconnect/eoscoordinator/internal/logbuf"
	"github.com/eosconnect/eoscoordinator/internal/model"
)

// APIVersion is the current_controls.json schema version reported to
// UI clients so they can detect a breaking field change.
const APIVersion = "1"

// Coordinator is the subset of scheduler.Coordinator the HTTP surface
// reads and writes; kept narrow so this package doesn't import
// scheduler (which would create an import cycle once scheduler wires
// httpapi's Server into its own lifecycle from cmd/eosconnect).
type Coordinator interface {
	Override() model.Override
	SetOverride(model.Override)
	SchedulerState() model.SchedulerState
	LastControlResult() (basecontrol.Result, bool)
	BatterySnapshot() battery.Derived
	EvccSnapshot() (model.EVCCSession, bool)
	InverterSnapshot() inverter.Data
}

// Server is the coordinator's HTTP surface.
type Server struct {
	cfg         *config.Config
	logger      *log.Logger
	coordinator Coordinator
	eos         *eosclient.Client
	pv          *forecast.PVClient
	logs        *logbuf.Buffer

	mux        *http.ServeMux
	httpServer *http.Server

	upgrader websocket.Upgrader
	wsMu     sync.Mutex
	wsConns  map[*websocket.Conn]struct{}

	boundPort int
}

// New builds a Server. Call ListenAndServe to bind and start serving.
func New(cfg *config.Config, coordinator Coordinator, eos *eosclient.Client, pv *forecast.PVClient, logs *logbuf.Buffer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		coordinator: coordinator,
		eos:         eos,
		pv:          pv,
		logs:        logs,
		mux:         http.NewServeMux(),
		wsConns:     make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/json/optimize_request.json", s.handleOptimizeRequest)
	s.mux.HandleFunc("/json/optimize_response.json", s.handleOptimizeResponse)
	s.mux.HandleFunc("/json/current_controls.json", s.handleCurrentControls)
	s.mux.HandleFunc("/controls/mode_override", s.handleModeOverride)
	s.mux.HandleFunc("/logs", s.handleLogs)
	s.mux.HandleFunc("/logs/alerts", s.handleLogAlerts)
	s.mux.HandleFunc("/logs/clear", s.handleLogsClear)
	s.mux.HandleFunc("/logs/alerts/clear", s.handleLogAlertsClear)
	s.mux.HandleFunc("/logs/stats", s.handleLogStats)
	s.mux.HandleFunc("/json/sun.json", s.handleSunInfo)
	s.mux.HandleFunc("/json/forecast_slots.json", s.handleForecastSlots)
	s.mux.HandleFunc("/api/ws", s.handleWebSocket)
	s.mux.HandleFunc("/", s.handleIndex)
}

// handleIndex serves the UI entry point. The UI's own HTML/asset
// content is out of scope (spec.md §1); this placeholder exists only
// so "/" returns something other than 404 when no static bundle is
// configured.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "eos-connect-go coordinator running. See /json/current_controls.json")
}

func (s *Server) handleOptimizeRequest(w http.ResponseWriter, r *http.Request) {
	if s.eos == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	req, _ := s.eos.LastRequestResponse()
	if req == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleOptimizeResponse(w http.ResponseWriter, r *http.Request) {
	if s.eos == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	_, raw := s.eos.LastRequestResponse()
	w.Header().Set("Content-Type", "application/json")
	if len(raw) == 0 {
		w.Write([]byte("{}"))
		return
	}
	w.Write(raw)
}

// currentStates mirrors spec.md §6's current_controls.json schema.
type currentStates struct {
	ACChargeDemandW  float64   `json:"ac_charge_demand"`
	DCChargeDemandW  float64   `json:"dc_charge_demand"`
	DischargeAllowed bool      `json:"discharge_allowed"`
	InverterMode     string    `json:"inverter_mode"`
	InverterModeNum  int       `json:"inverter_mode_num"`
	OverrideActive   bool      `json:"override_active"`
	OverrideEndTime  time.Time `json:"override_end_time"`
}

type evccStatus struct {
	ChargingState model.EVCCChargingState `json:"charging_state"`
	ChargingMode  model.EVCCChargingMode  `json:"charging_mode"`
}

type batteryStatus struct {
	SocPct            float64 `json:"soc"`
	UsableCapacityWh  float64 `json:"usable_capacity"`
	MaxChargePowerDynW float64 `json:"max_charge_power_dyn"`
	MaxGridChargeRateW float64 `json:"max_grid_charge_rate"`
}

type schedulerStatus struct {
	RequestState         model.RequestState `json:"request_state"`
	LastRequestTimestamp time.Time          `json:"last_request_timestamp"`
	LastResponseTimestamp time.Time         `json:"last_response_timestamp"`
	NextRun              time.Time          `json:"next_run"`
}

// currentControls is the full current_controls.json document.
type currentControls struct {
	CurrentStates currentStates   `json:"current_states"`
	Evcc          evccStatus      `json:"evcc"`
	Battery       batteryStatus   `json:"battery"`
	State         schedulerStatus `json:"state"`
	Timestamp     time.Time       `json:"timestamp"`
	APIVersion    string          `json:"api_version"`
}

func (s *Server) snapshot() currentControls {
	res, _ := s.coordinator.LastControlResult()
	override := s.coordinator.Override()
	sched := s.coordinator.SchedulerState()
	batterySnap := s.coordinator.BatterySnapshot()
	evccSession, _ := s.coordinator.EvccSnapshot()

	return currentControls{
		CurrentStates: currentStates{
			ACChargeDemandW:  res.TargetACChargeW,
			DCChargeDemandW:  res.TargetDCChargeW,
			DischargeAllowed: res.DischargeAllowed,
			InverterMode:     res.OverallState.String(),
			InverterModeNum:  int(res.OverallState),
			OverrideActive:   override.Active,
			OverrideEndTime:  override.EndTime,
		},
		Evcc: evccStatus{
			ChargingState: evccSession.ChargingState,
			ChargingMode:  evccSession.ChargingMode,
		},
		Battery: batteryStatus{
			SocPct:             batterySnap.SocPct,
			UsableCapacityWh:   batterySnap.UsableCapacityWh,
			MaxChargePowerDynW: batterySnap.MaxChargePowerDynW,
			MaxGridChargeRateW: s.cfg.BatteryMaxChargePowerW,
		},
		State: schedulerStatus{
			RequestState:          sched.RequestState,
			LastRequestTimestamp:  sched.LastRequestTs,
			LastResponseTimestamp: sched.LastResponseTs,
			NextRun:               sched.NextRunTs,
		},
		Timestamp:  time.Now(),
		APIVersion: APIVersion,
	}
}

func (s *Server) handleCurrentControls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// overridePostBody is the POST /controls/mode_override request shape.
type overridePostBody struct {
	Mode            int     `json:"mode"`
	Duration        string  `json:"duration"`
	GridChargePower float64 `json:"grid_charge_power"`
}

func (s *Server) handleModeOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body overridePostBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return
	}

	if body.Mode < -2 || body.Mode > 2 {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("mode must be between -2 and 2, got %d", body.Mode))
		return
	}

	duration, err := parseHHMM(body.Duration)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if duration <= 0 || duration > 12*time.Hour {
		writeErr(w, http.StatusBadRequest, "duration must be greater than 0 and at most 12:00")
		return
	}

	maxGridChargeKW := s.cfg.BatteryMaxChargePowerW / 1000
	if body.GridChargePower < 0.5 || body.GridChargePower > maxGridChargeKW {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("grid_charge_power must be between 0.5 and %.3f kW", maxGridChargeKW))
		return
	}

	now := time.Now()
	s.coordinator.SetOverride(model.Override{
		Active:           true,
		Mode:             model.OverallState(body.Mode),
		EndTime:          now.Add(duration),
		GridChargePowerW: body.GridChargePower * 1000,
	})

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// parseHHMM parses an "HH:MM" duration string (spec.md §6's override
// request shape), rejecting negative or malformed values.
func parseHHMM(s string) (time.Duration, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("duration must be in HH:MM form, got %q", s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("invalid duration hours: %q", s)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes >= 60 {
		return 0, fmt.Errorf("invalid duration minutes: %q", s)
	}
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	level := logbuf.Level(r.URL.Query().Get("level"))
	limit := parseIntOr(r.URL.Query().Get("limit"), 0)
	since := parseTimeOr(r.URL.Query().Get("since"))
	writeJSON(w, http.StatusOK, s.logs.Snapshot(level, since, limit))
}

func (s *Server) handleLogAlerts(w http.ResponseWriter, r *http.Request) {
	limit := parseIntOr(r.URL.Query().Get("limit"), 0)
	since := parseTimeOr(r.URL.Query().Get("since"))
	writeJSON(w, http.StatusOK, s.logs.Alerts(since, limit))
}

func (s *Server) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.logs.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleLogAlertsClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.logs.ClearAlerts()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logs.Stats())
}

// handleWebSocket upgrades to a WebSocket and registers the
// connection for the periodic broadcast loop started by
// ListenAndServe. Grounded on scheduler.WebServer.wsHandler.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("WARN: httpapi: websocket upgrade failed: %v", err)
		return
	}
	s.wsMu.Lock()
	s.wsConns[conn] = struct{}{}
	s.wsMu.Unlock()

	// Drain and discard inbound frames so the connection's read
	// deadline doesn't trip; the protocol here is server-push only.
	go func() {
		defer s.removeConn(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeConn(conn *websocket.Conn) {
	s.wsMu.Lock()
	delete(s.wsConns, conn)
	s.wsMu.Unlock()
	conn.Close()
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.snapshot())
			if err != nil {
				continue
			}
			s.wsMu.Lock()
			for conn := range s.wsConns {
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					delete(s.wsConns, conn)
					conn.Close()
				}
			}
			s.wsMu.Unlock()
		}
	}
}

// ListenAndServe binds the configured port, falling back to up to
// HTTPPortFallbackMax adjacent ports on EADDRINUSE (spec.md §6's port
// selection policy), then serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, port, err := bindWithFallback(s.cfg.HTTPPort, s.cfg.HTTPPortFallbackMax)
	if err != nil {
		return fmt.Errorf("httpapi: failed to bind any port from %d..%d: %w", s.cfg.HTTPPort, s.cfg.HTTPPort+s.cfg.HTTPPortFallbackMax, err)
	}
	s.boundPort = port
	s.logger.Printf("httpapi: listening on port %d", port)

	s.httpServer = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.broadcastLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Port returns the port actually bound (which may differ from the
// configured one after a fallback), valid only after ListenAndServe
// has successfully bound.
func (s *Server) Port() int { return s.boundPort }

func bindWithFallback(port, maxFallback int) (net.Listener, int, error) {
	var lastErr error
	for p := port; p <= port+maxFallback; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err == nil {
			return ln, p, nil
		}
		lastErr = err
	}
	return nil, 0, lastErr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseTimeOr(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// solarInfo exposes forecast.CurrentSunInfo for handleSunInfo without
// current_controls.json needing to depend on it for every request.
func solarInfo(now time.Time, lat, lon float64) forecast.SunInfo {
	return forecast.CurrentSunInfo(now, lat, lon)
}

// handleSunInfo reports the sun's current position plus today's
// sunrise/sunset for the first configured PV plant, informational
// only (it plays no part in the solver request or control resolution).
func (s *Server) handleSunInfo(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.PVPlants) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	plant := s.cfg.PVPlants[0]
	now := time.Now().In(s.cfg.Location())
	writeJSON(w, http.StatusOK, solarInfo(now, plant.Latitude, plant.Longitude))
}

// handleForecastSlots dumps the first configured PV plant's raw,
// time-ordered forecast slots for debugging; the solver request itself
// only ever sees forecast.BuildPVAndTemperature's summed/averaged view.
func (s *Server) handleForecastSlots(w http.ResponseWriter, r *http.Request) {
	if s.pv == nil || len(s.cfg.PVPlants) == 0 {
		writeJSON(w, http.StatusOK, []forecast.Slot{})
		return
	}
	slots, err := forecast.PlantSlots(r.Context(), s.pv, s.cfg.PVPlants[0], s.cfg.Location())
	if err != nil && len(slots) == 0 {
		writeErr(w, http.StatusBadGateway, "ERROR: httpapi: forecast slots unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, slots)
}
