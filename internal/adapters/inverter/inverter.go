// Package inverter defines the capability set every inverter backend
// exposes to the control loop, plus implementations for Fronius Gen24
// (Modbus-TCP, via goburrow/modbus), an EVCC-driven external battery,
// and a dry-run/show-only backend.
package inverter

import "context"

// Data is one poll's worth of inverter/battery telemetry, published
// on the data loop and exposed on the HTTP status surface.
type Data struct {
	BatterySocPct      float64
	BatteryPowerW      float64 // positive = charging
	PVPowerW           float64
	GridPowerW         float64 // positive = importing
	AvailableChargeW   float64
	AvailableDischargeW float64
}

// Controller is the capability set Base Control drives. Every backend
// implements all six methods; a backend lacking real hardware support
// for one (e.g. NoopShowOnly) simply no-ops and logs.
type Controller interface {
	SetModeForceCharge(ctx context.Context, powerW float64) error
	SetModeAvoidDischarge(ctx context.Context) error
	SetModeAllowDischarge(ctx context.Context) error
	SetMaxPVChargeRate(ctx context.Context, powerW float64) error
	FetchData(ctx context.Context) (Data, error)
	Shutdown(ctx context.Context) error
}
