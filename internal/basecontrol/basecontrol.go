// Package basecontrol implements the state machine that fuses the
// solver's per-hour control tuple with a user override, the EVCC
// charging session, and the battery's state of charge into a single
// OverallState. All mutation goes through Resolve, invoked either from
// the scheduler's control-loop tick or from a callback dispatcher; both
// paths are expected to serialize through the same mutex, mirroring the
// single-mutex ownership the teacher's MinerScheduler uses for its
// shared fields.
package basecontrol

import (
	"sync"
	"time"

	"github.com/eosconnect/eoscoordinator/internal/model"
)

// Inputs bundles everything Resolve needs for one tick.
type Inputs struct {
	Tuple          model.ControlTuple
	HasPlan        bool
	BatterySocPct  float64
	MaxSocPct      float64
	MaxChargePowerDynW float64
	EvccSession    model.EVCCSession
	EvccActive     bool
	Override       model.Override
	Now            time.Time
}

// Result is Resolve's output: the fused state plus derived targets.
type Result struct {
	OverallState     model.OverallState
	TargetACChargeW  float64
	TargetDCChargeW  float64
	DischargeAllowed bool
	ChangedRecently  bool
	ClampedForSoc    bool
}

// Controller owns the last-resolved state for edge detection.
type Controller struct {
	mu              sync.Mutex
	lastState       model.OverallState
	hasLastState    bool
	lastHeartbeat   time.Time
	heartbeatPeriod time.Duration
	onWarn          func(format string, args ...any)
}

// New creates a Controller. onWarn may be nil; when set it's invoked
// for the SoC safety-clamp log line.
func New(heartbeatPeriod time.Duration, onWarn func(format string, args ...any)) *Controller {
	return &Controller{heartbeatPeriod: heartbeatPeriod, onWarn: onWarn}
}

// Resolve runs the fixed-order resolution rules and returns the fused
// state plus the changed-recently/heartbeat edge signal.
func (c *Controller) Resolve(in Inputs) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	tuple := in.Tuple
	clamped := false
	if in.BatterySocPct >= in.MaxSocPct && tuple.ACChargeDemandW > 0 {
		tuple.ACChargeDemandW = 0
		clamped = true
		if c.onWarn != nil {
			c.onWarn("SoC safety clamp: soc=%.1f%% >= max=%.1f%%, forcing ac_charge_demand_w=0", in.BatterySocPct, in.MaxSocPct)
		}
	}

	state := resolveState(tuple, in)

	targetAC := tuple.ACChargeDemandW
	targetDC := tuple.DCChargeDemandW
	if state == model.StateChargeFromGrid && in.Override.Active && in.Override.Mode == model.StateChargeFromGrid {
		targetAC = in.Override.GridChargePowerW
	}
	if targetAC > in.MaxChargePowerDynW {
		targetAC = in.MaxChargePowerDynW
	}
	if targetDC > in.MaxChargePowerDynW {
		targetDC = in.MaxChargePowerDynW
	}

	changed := false
	if !c.hasLastState || c.lastState != state {
		changed = true
		c.hasLastState = true
		c.lastState = state
		c.lastHeartbeat = in.Now
	} else if in.Now.Sub(c.lastHeartbeat) >= c.heartbeatPeriod {
		changed = true
		c.lastHeartbeat = in.Now
	}

	return Result{
		OverallState:     state,
		TargetACChargeW:  targetAC,
		TargetDCChargeW:  targetDC,
		DischargeAllowed: dischargeAllowedFor(state, tuple),
		ChangedRecently:  changed,
		ClampedForSoc:    clamped,
	}
}

func resolveState(tuple model.ControlTuple, in Inputs) model.OverallState {
	if in.Override.Active && in.Override.Mode != model.StateAuto {
		return in.Override.Mode
	}
	if !in.HasPlan {
		return model.StateStartup
	}
	if in.EvccActive && in.EvccSession.ChargingState == model.EVCCCharging {
		switch in.EvccSession.ChargingMode {
		case model.EVCCModeNow:
			return model.StateAvoidDischargeEvccFast
		case model.EVCCModePV:
			return model.StateDischargeAllowedEvccPV
		case model.EVCCModeMinPV:
			return model.StateDischargeAllowedEvccMin
		}
	}
	if tuple.ACChargeDemandW > 0 {
		return model.StateChargeFromGrid
	}
	if !tuple.DischargeAllowed {
		return model.StateAvoidDischarge
	}
	return model.StateDischargeAllowed
}

func dischargeAllowedFor(state model.OverallState, tuple model.ControlTuple) bool {
	switch state {
	case model.StateDischargeAllowed, model.StateDischargeAllowedEvccPV, model.StateDischargeAllowedEvccMin:
		return true
	case model.StateChargeFromGrid, model.StateAvoidDischarge, model.StateAvoidDischargeEvccFast, model.StateStartup:
		return false
	default:
		return tuple.DischargeAllowed
	}
}

// LastState returns the last resolved overall state, for telemetry.
func (c *Controller) LastState() (model.OverallState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastState, c.hasLastState
}
