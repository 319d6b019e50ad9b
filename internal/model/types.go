// Package model holds the data types shared by every component of the
// coordinator: the hour-indexed control plan, the overall-state
// enumeration, user overrides, and the solver request/response shapes.
package model

import "time"

// PlanHours is the fixed length of every hour-indexed forecast or plan:
// today plus tomorrow.
const PlanHours = 48

// ControlTuple is one hour's worth of solver output.
type ControlTuple struct {
	Hour            int     `json:"hour"`
	ACChargeDemandW float64 `json:"ac_charge_demand_w"`
	DCChargeDemandW float64 `json:"dc_charge_demand_w"`
	DischargeAllowed bool   `json:"discharge_allowed"`
	Error           bool    `json:"error"`
}

// Valid reports whether the tuple's power fields satisfy the
// non-negativity invariant and the tuple isn't already flagged invalid.
func (t ControlTuple) Valid() bool {
	if t.Error {
		return false
	}
	return t.ACChargeDemandW >= 0 && t.DCChargeDemandW >= 0
}

// OverallState is the single enumerated output of Base Control.
type OverallState int

const (
	StateAuto                    OverallState = -2
	StateStartup                 OverallState = -1
	StateChargeFromGrid          OverallState = 0
	StateAvoidDischarge          OverallState = 1
	StateDischargeAllowed        OverallState = 2
	StateAvoidDischargeEvccFast  OverallState = 3
	StateDischargeAllowedEvccPV  OverallState = 4
	StateDischargeAllowedEvccMin OverallState = 5
)

func (s OverallState) String() string {
	switch s {
	case StateAuto:
		return "AUTO"
	case StateStartup:
		return "STARTUP"
	case StateChargeFromGrid:
		return "CHARGE_FROM_GRID"
	case StateAvoidDischarge:
		return "AVOID_DISCHARGE"
	case StateDischargeAllowed:
		return "DISCHARGE_ALLOWED"
	case StateAvoidDischargeEvccFast:
		return "AVOID_DISCHARGE_EVCC_FAST"
	case StateDischargeAllowedEvccPV:
		return "DISCHARGE_ALLOWED_EVCC_PV"
	case StateDischargeAllowedEvccMin:
		return "DISCHARGE_ALLOWED_EVCC_MIN_PV"
	default:
		return "UNKNOWN"
	}
}

// Override is a timed, user-provided forcing of the overall state that
// bypasses the solver plan.
type Override struct {
	Active           bool         `json:"active"`
	Mode             OverallState `json:"mode"`
	EndTime          time.Time    `json:"end_time"`
	GridChargePowerW float64      `json:"grid_charge_power_w"`
}

// Expired reports whether the override has run out or been turned off.
func (o Override) Expired(now time.Time) bool {
	if !o.Active {
		return true
	}
	return !now.Before(o.EndTime)
}

// EMSBlock is the forecast portion of the solver request.
type EMSBlock struct {
	PVForecastWh         [PlanHours]float64 `json:"pv_forecast_wh"`
	PriceEurPerWh        [PlanHours]float64 `json:"price_eur_per_wh"`
	FeedinPriceEurPerWh  [PlanHours]float64 `json:"feedin_price_eur_per_wh"`
	LoadProfileWh        [PlanHours]float64 `json:"load_profile_wh"`
	BatteryWearCostEurPerWh float64         `json:"battery_wear_cost_eur_per_wh"`
}

// BatteryBlock describes the storage system to the solver.
type BatteryBlock struct {
	CapacityWh     float64 `json:"capacity_wh"`
	ChargeEff      float64 `json:"charge_eff"`
	DischargeEff   float64 `json:"discharge_eff"`
	MaxChargeW     float64 `json:"max_charge_w"`
	InitialSocPct  float64 `json:"initial_soc_pct"`
	MinSocPct      float64 `json:"min_soc_pct"`
	MaxSocPct      float64 `json:"max_soc_pct"`
	DeviceID       string  `json:"device_id,omitempty"`
}

// InverterBlock describes the inverter's capacity to the solver.
type InverterBlock struct {
	MaxPowerWh float64 `json:"max_power_wh"`
	DeviceID   string  `json:"device_id,omitempty"`
	BatteryID  string  `json:"battery_id,omitempty"`
}

// EVBlock describes an optional EV charging session to the solver.
type EVBlock struct {
	CapacityWh    float64 `json:"capacity_wh"`
	MaxChargeW    float64 `json:"max_charge_w"`
	InitialSocPct float64 `json:"initial_soc_pct"`
	TargetSocPct  float64 `json:"target_soc_pct"`
	DeviceID      string  `json:"device_id,omitempty"`
}

// DeferrableLoadBlock describes an optional deferrable appliance load.
type DeferrableLoadBlock struct {
	EnergyWh    float64 `json:"energy_wh"`
	MaxPowerW   float64 `json:"max_power_w"`
	EarliestHour int    `json:"earliest_hour"`
	LatestHour   int    `json:"latest_hour"`
	DeviceID     string `json:"device_id,omitempty"`
}

// OptimizationRequest is the body POSTed to the solver.
type OptimizationRequest struct {
	EMS                 EMSBlock              `json:"ems"`
	Battery              BatteryBlock          `json:"battery"`
	Inverter             InverterBlock         `json:"inverter"`
	EV                   *EVBlock              `json:"ev,omitempty"`
	DeferrableLoad       *DeferrableLoadBlock  `json:"deferrable_load,omitempty"`
	TemperatureForecast  [PlanHours]float64    `json:"temperature_forecast"`
	StartSolution        map[string]any        `json:"start_solution,omitempty"`
}

// RequestState is the solver round-trip phase.
type RequestState string

const (
	RequestIdle     RequestState = "idle"
	RequestSent     RequestState = "sent"
	RequestReceived RequestState = "received"
)

// SchedulerState is the optimization loop's publicly observable status.
type SchedulerState struct {
	LastRequestTs   time.Time    `json:"last_request_ts"`
	LastResponseTs  time.Time    `json:"last_response_ts"`
	NextRunTs       time.Time    `json:"next_run_ts"`
	RequestState    RequestState `json:"request_state"`
	LastAvgRuntimeS float64      `json:"last_avg_runtime_s"`
}

// EVCCChargingState is the EVCC charging session's lifecycle state.
type EVCCChargingState string

const (
	EVCCIdle     EVCCChargingState = "idle"
	EVCCCharging EVCCChargingState = "charging"
	EVCCComplete EVCCChargingState = "complete"
)

// EVCCChargingMode is the EVCC charging strategy.
type EVCCChargingMode string

const (
	EVCCModeOff    EVCCChargingMode = "off"
	EVCCModeNow    EVCCChargingMode = "now"
	EVCCModePV     EVCCChargingMode = "pv"
	EVCCModeMinPV  EVCCChargingMode = "min+pv"
)

// EVCCSession is the latest observed EVCC charging session snapshot.
type EVCCSession struct {
	ChargingState EVCCChargingState `json:"charging_state"`
	ChargingMode  EVCCChargingMode  `json:"charging_mode"`
}

// LoadHistorySample is one timestamped reading from a persistence API.
type LoadHistorySample struct {
	State     float64
	Timestamp time.Time
}

// ExternalBatteryMode is the command EVCC accepts when configured as
// external battery controller.
type ExternalBatteryMode string

const (
	ExternalBatteryForceCharge     ExternalBatteryMode = "force_charge"
	ExternalBatteryAvoidDischarge  ExternalBatteryMode = "avoid_discharge"
	ExternalBatteryDischargeAllowed ExternalBatteryMode = "discharge_allowed"
)
