// Package config loads and validates the coordinator's configuration.
// Parsing of arbitrary external config formats is out of scope (per
// spec); this is the module's own flat JSON document, in the shape the
// teacher's scheduler.Config used.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// PVPlant describes one physical PV array fed into the PV forecast
// adapter's per-plant Akkudoktor query.
type PVPlant struct {
	Latitude           float64 `json:"latitude"`
	Longitude          float64 `json:"longitude"`
	AzimuthDeg         float64 `json:"azimuth_deg"`
	TiltDeg            float64 `json:"tilt_deg"`
	PeakPowerW         float64 `json:"peak_power_w"`
	InverterPowerW     float64 `json:"inverter_power_w"`
	InverterEfficiency float64 `json:"inverter_efficiency"`
	HorizonCsv         string  `json:"horizon_csv,omitempty"`
}

// Config is the coordinator's full runtime configuration.
type Config struct {
	// EOS solver
	EosBaseURL        string        `json:"eos_base_url"`
	EosTimeout        time.Duration `json:"eos_timeout"`
	RefreshInterval   time.Duration `json:"refresh_interval"`
	RuntimeAvgWindow  int           `json:"runtime_avg_window"`
	EosDeviceID       string        `json:"eos_device_id"`
	EosBatteryID      string        `json:"eos_battery_id"`
	Timezone          string        `json:"timezone"`

	// Price source
	PriceSource    string `json:"price_source"` // "tibber" | "entsoe"
	TibberToken    string `json:"tibber_token"`
	FeedinPriceEurPerWh float64 `json:"feedin_price_eur_per_wh"`
	EntsoeSecurityToken string `json:"entsoe_security_token"`
	EntsoeUrlFormat     string `json:"entsoe_url_format"`

	// PV forecast
	PVPlants  []PVPlant `json:"pv_plants"`
	UserAgent string    `json:"user_agent"`

	// Load history
	LoadHistoryBackend   string `json:"load_history_backend"` // "openhab" | "homeassistant"
	LoadHistoryBaseURL   string `json:"load_history_base_url"`
	LoadHistoryToken     string `json:"load_history_token"`
	MainLoadItem         string `json:"main_load_item"`
	ControllableLoadItems []string `json:"controllable_load_items"`
	LegacyEvSubtraction  bool    `json:"legacy_ev_subtraction"`
	LegacyHighThresholdWh float64 `json:"legacy_high_threshold_wh"`
	LegacyLowThresholdWh  float64 `json:"legacy_low_threshold_wh"`

	// Battery
	BatterySocItem    string  `json:"battery_soc_item"`
	BatteryCapacityWh float64 `json:"battery_capacity_wh"`
	BatteryMinSocPct  float64 `json:"battery_min_soc_pct"`
	BatteryMaxSocPct  float64 `json:"battery_max_soc_pct"`
	BatteryChargeEff    float64 `json:"battery_charge_eff"`
	BatteryDischargeEff float64 `json:"battery_discharge_eff"`
	BatteryMaxChargePowerW float64 `json:"battery_max_charge_power_w"`
	BatteryTaperStartPct   float64 `json:"battery_taper_start_pct"`

	// EVCC
	EvccBaseURL            string        `json:"evcc_base_url"`
	EvccPollInterval       time.Duration `json:"evcc_poll_interval"`
	EvccExternalController bool          `json:"evcc_external_controller"`

	// Inverter
	InverterKind    string        `json:"inverter_kind"` // "fronius_gen24" | "fronius_gen24_legacy" | "evcc_external" | "noop"
	InverterAddress string        `json:"inverter_address"`
	InverterTimeout time.Duration `json:"inverter_timeout"`
	MaxInverterPowerWh float64    `json:"max_inverter_power_wh"`

	// Loops
	ControlLoopInterval time.Duration `json:"control_loop_interval"`
	DataLoopInterval    time.Duration `json:"data_loop_interval"`
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	AdapterRetryAttempts int          `json:"adapter_retry_attempts"`
	AdapterRetryBackoff  time.Duration `json:"adapter_retry_backoff"`

	// MQTT
	MqttBrokerURL    string `json:"mqtt_broker_url"`
	MqttClientID     string `json:"mqtt_client_id"`
	MqttUsername     string `json:"mqtt_username"`
	MqttPassword     string `json:"mqtt_password"`
	MqttTopicPrefix  string `json:"mqtt_topic_prefix"`
	MqttDiscoveryPrefix string `json:"mqtt_discovery_prefix"`
	MqttDiscoveryEnabled bool `json:"mqtt_discovery_enabled"`

	// HTTP surface
	HTTPPort           int `json:"http_port"`
	HTTPPortFallbackMax int `json:"http_port_fallback_max"`

	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	DryRun bool `json:"dry_run"`
}

// DefaultConfig returns a configuration with sensible defaults,
// matching the teacher's DefaultConfig shape (flat struct literal with
// every duration/threshold spelled out).
func DefaultConfig() *Config {
	return &Config{
		EosBaseURL:       "http://localhost:8503",
		EosTimeout:       120 * time.Second,
		RefreshInterval:  3 * time.Minute,
		RuntimeAvgWindow: 5,
		Timezone:         "Europe/Berlin",

		PriceSource:         "tibber",
		FeedinPriceEurPerWh: 0.00008,
		EntsoeUrlFormat:     "https://web-api.tp.entsoe.eu/api?documentType=A44&out_Domain=10Y1001A1001A82H&in_Domain=10Y1001A1001A82H&periodStart=%s&periodEnd=%s&securityToken=%s",

		UserAgent: "eos-connect-go/1.0 (you@example.com)",

		LoadHistoryBackend:    "openhab",
		LegacyEvSubtraction:   false,
		LegacyHighThresholdWh: 10800,
		LegacyLowThresholdWh:  9200,

		BatteryCapacityWh:      10000,
		BatteryMinSocPct:       5,
		BatteryMaxSocPct:       95,
		BatteryChargeEff:       0.95,
		BatteryDischargeEff:    0.95,
		BatteryMaxChargePowerW: 5000,
		BatteryTaperStartPct:   90,

		EvccPollInterval: 10 * time.Second,

		InverterKind:       "noop",
		InverterTimeout:    10 * time.Second,
		MaxInverterPowerWh: 10000,

		ControlLoopInterval:  1 * time.Second,
		DataLoopInterval:     15 * time.Second,
		HeartbeatInterval:    5 * time.Minute,
		AdapterRetryAttempts: 3,
		AdapterRetryBackoff:  5 * time.Second,

		MqttClientID:        "eos-connect-go",
		MqttTopicPrefix:     "eos_connect",
		MqttDiscoveryPrefix: "homeassistant",

		HTTPPort:            8080,
		HTTPPortFallbackMax: 10,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads a JSON config document from a file.
func Load(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader reads a JSON config document, applying it on top of
// DefaultConfig and validating the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := json.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// Validate checks invariants the rest of the coordinator relies on.
func (c *Config) Validate() error {
	if c.EosBaseURL == "" {
		return fmt.Errorf("eos_base_url cannot be empty")
	}
	if c.EosTimeout <= 0 {
		return fmt.Errorf("eos_timeout must be greater than 0, got: %s", c.EosTimeout)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be greater than 0, got: %s", c.RefreshInterval)
	}
	if c.RuntimeAvgWindow <= 0 {
		return fmt.Errorf("runtime_avg_window must be greater than 0, got: %d", c.RuntimeAvgWindow)
	}
	if c.Timezone == "" {
		return fmt.Errorf("timezone cannot be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	switch c.PriceSource {
	case "tibber", "entsoe":
	default:
		return fmt.Errorf("invalid price_source: %s, must be one of: tibber, entsoe", c.PriceSource)
	}

	if c.BatteryMinSocPct < 0 || c.BatteryMinSocPct > 100 {
		return fmt.Errorf("battery_min_soc_pct must be between 0 and 100, got: %f", c.BatteryMinSocPct)
	}
	if c.BatteryMaxSocPct < 0 || c.BatteryMaxSocPct > 100 {
		return fmt.Errorf("battery_max_soc_pct must be between 0 and 100, got: %f", c.BatteryMaxSocPct)
	}
	if c.BatteryMinSocPct > c.BatteryMaxSocPct {
		return fmt.Errorf("battery_min_soc_pct (%f) cannot be greater than battery_max_soc_pct (%f)", c.BatteryMinSocPct, c.BatteryMaxSocPct)
	}
	if c.BatteryChargeEff <= 0 || c.BatteryChargeEff > 1 {
		return fmt.Errorf("battery_charge_eff must be between 0 (exclusive) and 1, got: %f", c.BatteryChargeEff)
	}
	if c.BatteryDischargeEff <= 0 || c.BatteryDischargeEff > 1 {
		return fmt.Errorf("battery_discharge_eff must be between 0 (exclusive) and 1, got: %f", c.BatteryDischargeEff)
	}

	switch c.InverterKind {
	case "fronius_gen24", "fronius_gen24_legacy", "evcc_external", "noop":
	default:
		return fmt.Errorf("invalid inverter_kind: %s", c.InverterKind)
	}

	if c.ControlLoopInterval <= 0 {
		return fmt.Errorf("control_loop_interval must be greater than 0, got: %s", c.ControlLoopInterval)
	}
	if c.DataLoopInterval <= 0 {
		return fmt.Errorf("data_loop_interval must be greater than 0, got: %s", c.DataLoopInterval)
	}
	if c.AdapterRetryAttempts <= 0 {
		return fmt.Errorf("adapter_retry_attempts must be greater than 0, got: %d", c.AdapterRetryAttempts)
	}

	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 0 and 65535, got: %d", c.HTTPPort)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s, must be one of: debug, info, warn, error", c.LogLevel)
	}
	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log_format: %s, must be one of: text, json", c.LogFormat)
	}

	for i, plant := range c.PVPlants {
		if plant.Latitude < -90 || plant.Latitude > 90 {
			return fmt.Errorf("pv_plants[%d].latitude must be between -90 and 90, got: %f", i, plant.Latitude)
		}
		if plant.Longitude < -180 || plant.Longitude > 180 {
			return fmt.Errorf("pv_plants[%d].longitude must be between -180 and 180, got: %f", i, plant.Longitude)
		}
	}

	return nil
}

// String renders the config as indented JSON for startup logging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MarshalJSON renders every time.Duration field as its string form
// (e.g. "3m0s") instead of a bare nanosecond count, matching the
// teacher's scheduler.Config MarshalJSON. The duration fields are
// declared directly on the anonymous struct (not via a further
// embedded type) so they shadow the promoted *Alias fields of the
// same JSON name at depth 0 instead of conflicting with them at depth 1.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		EosTimeout          string `json:"eos_timeout"`
		RefreshInterval     string `json:"refresh_interval"`
		EvccPollInterval    string `json:"evcc_poll_interval"`
		InverterTimeout     string `json:"inverter_timeout"`
		ControlLoopInterval string `json:"control_loop_interval"`
		DataLoopInterval    string `json:"data_loop_interval"`
		HeartbeatInterval   string `json:"heartbeat_interval"`
		AdapterRetryBackoff string `json:"adapter_retry_backoff"`
	}{
		Alias:               (*Alias)(c),
		EosTimeout:          c.EosTimeout.String(),
		RefreshInterval:     c.RefreshInterval.String(),
		EvccPollInterval:    c.EvccPollInterval.String(),
		InverterTimeout:     c.InverterTimeout.String(),
		ControlLoopInterval: c.ControlLoopInterval.String(),
		DataLoopInterval:    c.DataLoopInterval.String(),
		HeartbeatInterval:   c.HeartbeatInterval.String(),
		AdapterRetryBackoff: c.AdapterRetryBackoff.String(),
	})
}

// UnmarshalJSON accepts time.Duration fields either as Go duration
// strings ("3m", "500ms") or, left empty, leaves the field at
// whatever DefaultConfig already set (LoadFromReader decodes on top
// of the defaults), matching the teacher's scheduler.Config
// UnmarshalJSON.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		EosTimeout          string `json:"eos_timeout"`
		RefreshInterval     string `json:"refresh_interval"`
		EvccPollInterval    string `json:"evcc_poll_interval"`
		InverterTimeout     string `json:"inverter_timeout"`
		ControlLoopInterval string `json:"control_loop_interval"`
		DataLoopInterval    string `json:"data_loop_interval"`
		HeartbeatInterval   string `json:"heartbeat_interval"`
		AdapterRetryBackoff string `json:"adapter_retry_backoff"`
	}{Alias: (*Alias)(c)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	fields := []struct {
		raw string
		dst *time.Duration
		name string
	}{
		{aux.EosTimeout, &c.EosTimeout, "eos_timeout"},
		{aux.RefreshInterval, &c.RefreshInterval, "refresh_interval"},
		{aux.EvccPollInterval, &c.EvccPollInterval, "evcc_poll_interval"},
		{aux.InverterTimeout, &c.InverterTimeout, "inverter_timeout"},
		{aux.ControlLoopInterval, &c.ControlLoopInterval, "control_loop_interval"},
		{aux.DataLoopInterval, &c.DataLoopInterval, "data_loop_interval"},
		{aux.HeartbeatInterval, &c.HeartbeatInterval, "heartbeat_interval"},
		{aux.AdapterRetryBackoff, &c.AdapterRetryBackoff, "adapter_retry_backoff"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}
