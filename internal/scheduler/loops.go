package scheduler

import (
	"context"
	"time"

	"github.com/eosconnect/eoscoordinator/internal/adapters/battery"
	"github.com/eosconnect/eoscoordinator/internal/basecontrol"
	"github.com/eosconnect/eoscoordinator/internal/eosclient"
	"github.com/eosconnect/eoscoordinator/internal/forecast"
	"github.com/eosconnect/eoscoordinator/internal/model"
)

// runOptimization assembles one OptimizationRequest, calls the
// solver, and updates the publicly observable scheduler state. A
// failed call (timeout, malformed response) leaves the previous plan,
// the last response timestamp and the next-run time untouched; the
// request state ("sent") and last request timestamp are set before the
// call and so record the failed attempt.
func (c *Coordinator) runOptimization(ctx context.Context) {
	now := time.Now().In(c.deps.Location)

	c.mu.Lock()
	c.schedulerState.RequestState = model.RequestSent
	c.schedulerState.LastRequestTs = now
	c.mu.Unlock()

	req, err := c.buildRequest(ctx, now)
	if err != nil {
		c.deps.Logger.Printf("scheduler: failed to assemble optimization request: %v", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.deps.Config.EosTimeout)
	defer cancel()

	_, err = c.deps.EosClient.Optimize(reqCtx, req, now.Hour())
	if err != nil {
		c.deps.Logger.Printf("ERROR: scheduler: solver call failed, retaining previous plan: %v", err)
		return
	}

	avgRuntime := c.deps.EosClient.AverageRuntime()
	next := nextOptimizationRunTime(now, avgRuntime, c.deps.Config.RefreshInterval)

	c.mu.Lock()
	c.schedulerState.RequestState = model.RequestReceived
	c.schedulerState.LastResponseTs = time.Now().In(c.deps.Location)
	c.schedulerState.NextRunTs = next
	c.schedulerState.LastAvgRuntimeS = avgRuntime.Seconds()
	state := c.schedulerState
	c.mu.Unlock()

	c.deps.Events.OnOptimizationComplete(state)
}

// buildRequest fetches every forecast input and assembles the solver body.
func (c *Coordinator) buildRequest(ctx context.Context, now time.Time) (model.OptimizationRequest, error) {
	var req model.OptimizationRequest

	if c.deps.PriceSource != nil {
		prices, err := c.deps.PriceSource.Prices(ctx, now, c.deps.Location)
		if err != nil {
			c.deps.Logger.Printf("WARN: scheduler: price fetch retries exhausted, using adapter's stale-or-empty series: %v", err)
		}
		req.EMS.PriceEurPerWh = prices
	}
	for i := range req.EMS.FeedinPriceEurPerWh {
		req.EMS.FeedinPriceEurPerWh[i] = c.deps.Config.FeedinPriceEurPerWh
	}

	if c.deps.LoadBuilder != nil {
		req.EMS.LoadProfileWh = c.deps.LoadBuilder.Build(ctx, now)
	}

	if c.deps.PVClient != nil {
		pv, temp, err := forecast.BuildPVAndTemperature(ctx, c.deps.PVClient, c.deps.Config.PVPlants, now, c.deps.Location)
		if err != nil {
			c.deps.Logger.Printf("WARN: scheduler: PV forecast fetch retries exhausted for one or more plants, using each plant's stale-or-empty series: %v", err)
		}
		req.EMS.PVForecastWh = pv
		req.TemperatureForecast = temp
	}

	req.Battery = model.BatteryBlock{
		CapacityWh:    c.deps.Config.BatteryCapacityWh,
		ChargeEff:     c.deps.Config.BatteryChargeEff,
		DischargeEff:  c.deps.Config.BatteryDischargeEff,
		MaxChargeW:    c.deps.Config.BatteryMaxChargePowerW,
		MinSocPct:     c.deps.Config.BatteryMinSocPct,
		MaxSocPct:     c.deps.Config.BatteryMaxSocPct,
		InitialSocPct: c.currentBatterySoc(),
	}

	req.Inverter = model.InverterBlock{MaxPowerWh: c.deps.Config.MaxInverterPowerWh}

	return req, nil
}

func (c *Coordinator) currentBatterySoc() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastBatteryDerived.SocPct
}

// nextOptimizationRunTime is the scheduler-local wrapper the loop
// calls; it simply forwards to eosclient.CalculateNextRunTime.
func nextOptimizationRunTime(now time.Time, avgRuntime, base time.Duration) time.Time {
	return eosclient.CalculateNextRunTime(now, avgRuntime, base)
}

// runControl ticks Base Control once: reads the current hour's plan
// tuple, the battery/EVCC/override snapshot, resolves the overall
// state, and writes it to the inverter only if it changed.
func (c *Coordinator) runControl(ctx context.Context) {
	now := time.Now().In(c.deps.Location)

	current, _, hasPlan := c.deps.EosClient.GetLastControlData(now)

	c.mu.RLock()
	override := c.override
	evccActive := c.lastEvccActive
	evccSession := c.lastEvccSess
	derived := c.lastBatteryDerived
	c.mu.RUnlock()

	if override.Expired(now) && override.Active {
		override.Active = false
		c.SetOverride(override)
	}

	res := c.deps.BaseControl.Resolve(basecontrol.Inputs{
		Tuple:              current,
		HasPlan:            hasPlan,
		BatterySocPct:      derived.SocPct,
		MaxSocPct:          c.deps.Config.BatteryMaxSocPct,
		MaxChargePowerDynW: derived.MaxChargePowerDynW,
		EvccSession:        evccSession,
		EvccActive:         evccActive,
		Override:           override,
		Now:                now,
	})

	c.mu.Lock()
	c.lastControlResult = res
	c.hasControlResult = true
	c.mu.Unlock()

	if res.ChangedRecently && c.deps.Inverter != nil {
		c.applyControl(ctx, res)
	}

	c.deps.Events.OnControlResolved(res)
}

func (c *Coordinator) applyControl(ctx context.Context, res basecontrol.Result) {
	var err error
	switch {
	case res.TargetACChargeW > 0 || res.TargetDCChargeW > 0:
		power := res.TargetACChargeW
		if res.TargetDCChargeW > power {
			power = res.TargetDCChargeW
		}
		err = c.deps.Inverter.SetModeForceCharge(ctx, power)
	case !res.DischargeAllowed:
		err = c.deps.Inverter.SetModeAvoidDischarge(ctx)
	default:
		err = c.deps.Inverter.SetModeAllowDischarge(ctx)
	}
	if err != nil {
		c.deps.Logger.Printf("ERROR: scheduler: failed to write inverter state %s: %v", res.OverallState, err)
	}

	if c.deps.EvccClient != nil && c.deps.Config.EvccExternalController {
		mode := externalBatteryModeFor(res)
		if setErr := c.deps.EvccClient.SetExternalBatteryMode(ctx, mode); setErr != nil {
			c.deps.Logger.Printf("ERROR: scheduler: failed to push external battery mode to evcc: %v", setErr)
		}
	}
}

func externalBatteryModeFor(res basecontrol.Result) model.ExternalBatteryMode {
	switch {
	case res.TargetACChargeW > 0 || res.TargetDCChargeW > 0:
		return model.ExternalBatteryForceCharge
	case !res.DischargeAllowed:
		return model.ExternalBatteryAvoidDischarge
	default:
		return model.ExternalBatteryDischargeAllowed
	}
}

// runData polls inverter telemetry, the battery SoC and the EVCC
// session, updating the derived capacity/charge-rate figures Base
// Control reads. The battery and EVCC adapters already retry internally
// and fall back to their own stale-or-empty value on exhaustion, so an
// error from them is logged and the returned value is still applied;
// an inverter poll error is logged and that poll's telemetry dropped.
func (c *Coordinator) runData(ctx context.Context) {
	if c.deps.Inverter != nil {
		data, err := c.deps.Inverter.FetchData(ctx)
		if err != nil {
			c.deps.Logger.Printf("WARN: scheduler: inverter data poll failed: %v", err)
		} else {
			c.mu.Lock()
			c.lastInverterData = data
			c.mu.Unlock()
			c.deps.Events.OnInverterData(data)
		}
	}

	if c.deps.BatteryReader != nil {
		soc, err := c.deps.BatteryReader.Read(ctx)
		if err != nil {
			c.deps.Logger.Printf("WARN: scheduler: battery SoC poll retries exhausted, using adapter's last known reading: %v", err)
		}
		derived := battery.Derive(soc, c.deps.BatteryParams)
		c.mu.Lock()
		c.lastBatteryDerived = derived
		c.mu.Unlock()
		if c.deps.LowSocWatcher != nil {
			c.deps.LowSocWatcher.Observe(soc)
		}
		if c.deps.HighSocWatcher != nil {
			c.deps.HighSocWatcher.Observe(soc)
		}
	}

	if c.deps.EvccClient != nil {
		session, active, err := c.deps.EvccClient.Session(ctx)
		if err != nil {
			c.deps.Logger.Printf("WARN: scheduler: evcc poll retries exhausted, using adapter's last known session: %v", err)
		}
		c.mu.Lock()
		c.lastEvccSess = session
		c.lastEvccActive = active
		c.mu.Unlock()
	}
}
