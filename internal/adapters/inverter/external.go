package inverter

import (
	"context"
	"log"

	"github.com/eosconnect/eoscoordinator/internal/adapters/evcc"
	"github.com/eosconnect/eoscoordinator/internal/model"
)

// EvccExternalBattery delegates battery control to EVCC, for sites
// where EVCC (not this coordinator) owns the inverter's Modbus/REST
// connection directly. Telemetry is unavailable through this path;
// FetchData returns a zero Data and lets the data loop skip publish.
type EvccExternalBattery struct {
	client *evcc.Client
	logger *log.Logger
}

// NewEvccExternalBattery wraps an evcc.Client as a Controller.
func NewEvccExternalBattery(client *evcc.Client, logger *log.Logger) *EvccExternalBattery {
	if logger == nil {
		logger = log.Default()
	}
	return &EvccExternalBattery{client: client, logger: logger}
}

// SetModeForceCharge implements Controller.
func (e *EvccExternalBattery) SetModeForceCharge(ctx context.Context, powerW float64) error {
	return e.client.SetExternalBatteryMode(ctx, model.ExternalBatteryForceCharge)
}

// SetModeAvoidDischarge implements Controller.
func (e *EvccExternalBattery) SetModeAvoidDischarge(ctx context.Context) error {
	return e.client.SetExternalBatteryMode(ctx, model.ExternalBatteryAvoidDischarge)
}

// SetModeAllowDischarge implements Controller.
func (e *EvccExternalBattery) SetModeAllowDischarge(ctx context.Context) error {
	return e.client.SetExternalBatteryMode(ctx, model.ExternalBatteryDischargeAllowed)
}

// SetMaxPVChargeRate implements Controller. EVCC's external-battery
// API has no PV-charge-rate knob, so this is a documented no-op.
func (e *EvccExternalBattery) SetMaxPVChargeRate(ctx context.Context, powerW float64) error {
	e.logger.Printf("inverter: evcc external battery backend has no PV charge-rate control, ignoring %.0fW request", powerW)
	return nil
}

// FetchData implements Controller.
func (e *EvccExternalBattery) FetchData(ctx context.Context) (Data, error) {
	return Data{}, nil
}

// Shutdown implements Controller; EVCC owns the underlying connection.
func (e *EvccExternalBattery) Shutdown(ctx context.Context) error { return nil }

// NoopShowOnly is a dry-run backend that logs every command instead
// of writing to hardware, for the coordinator's show-only/DryRun mode.
type NoopShowOnly struct {
	logger *log.Logger
}

// NewNoopShowOnly creates a show-only Controller.
func NewNoopShowOnly(logger *log.Logger) *NoopShowOnly {
	if logger == nil {
		logger = log.Default()
	}
	return &NoopShowOnly{logger: logger}
}

// SetModeForceCharge implements Controller.
func (n *NoopShowOnly) SetModeForceCharge(ctx context.Context, powerW float64) error {
	n.logger.Printf("inverter(dry-run): force charge at %.0fW", powerW)
	return nil
}

// SetModeAvoidDischarge implements Controller.
func (n *NoopShowOnly) SetModeAvoidDischarge(ctx context.Context) error {
	n.logger.Printf("inverter(dry-run): avoid discharge")
	return nil
}

// SetModeAllowDischarge implements Controller.
func (n *NoopShowOnly) SetModeAllowDischarge(ctx context.Context) error {
	n.logger.Printf("inverter(dry-run): discharge allowed")
	return nil
}

// SetMaxPVChargeRate implements Controller.
func (n *NoopShowOnly) SetMaxPVChargeRate(ctx context.Context, powerW float64) error {
	n.logger.Printf("inverter(dry-run): max PV charge rate %.0fW", powerW)
	return nil
}

// FetchData implements Controller, returning a deterministic idle snapshot.
func (n *NoopShowOnly) FetchData(ctx context.Context) (Data, error) {
	return Data{BatterySocPct: 50}, nil
}

// Shutdown implements Controller.
func (n *NoopShowOnly) Shutdown(ctx context.Context) error { return nil }
