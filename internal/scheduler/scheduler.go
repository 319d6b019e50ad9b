// Package scheduler runs the coordinator's three cooperating loops:
// the Optimization Loop (adaptive cadence, calls the solver), the
// Control Loop (1s tick, resolves Base Control and writes the
// inverter), and the Data Loop (periodic inverter telemetry poll).
// The periodic-task shape (initial delay aligned to the interval
// boundary, ticker loop, context/stop-channel cancellation, WaitGroup
// join) is grounded on scheduler.PeriodicTask and
// MinerScheduler.Start/getInitialDelay.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/eosconnect/eoscoordinator/internal/adapters/battery"
	"github.com/eosconnect/eoscoordinator/internal/adapters/evcc"
	"github.com/eosconnect/eoscoordinator/internal/adapters/inverter"
	"github.com/eosconnect/eoscoordinator/internal/adapters/price"
	"github.com/eosconnect/eoscoordinator/internal/basecontrol"
	"github.com/eosconnect/eoscoordinator/internal/config"
	"github.com/eosconnect/eoscoordinator/internal/eosclient"
	"github.com/eosconnect/eoscoordinator/internal/forecast"
	"github.com/eosconnect/eoscoordinator/internal/loadprofile"
	"github.com/eosconnect/eoscoordinator/internal/model"
)

// periodicTask runs runFunc once after initialDelay, then every
// interval, until ctx is cancelled or stopChan closes.
type periodicTask struct {
	name         string
	initialDelay time.Duration
	interval     time.Duration
	runFunc      func(context.Context)
}

func (pt *periodicTask) run(ctx context.Context, stopChan <-chan struct{}, logger *log.Logger) {
	if pt.initialDelay > 0 {
		select {
		case <-time.After(pt.initialDelay):
			pt.runFunc(ctx)
		case <-ctx.Done():
			logger.Printf("[%s] stopped during initial delay: %v", pt.name, ctx.Err())
			return
		case <-stopChan:
			logger.Printf("[%s] stopped during initial delay", pt.name)
			return
		}
	} else {
		pt.runFunc(ctx)
	}

	ticker := time.NewTicker(pt.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pt.runFunc(ctx)
		case <-ctx.Done():
			logger.Printf("[%s] stopped: %v", pt.name, ctx.Err())
			return
		case <-stopChan:
			logger.Printf("[%s] stopped", pt.name)
			return
		}
	}
}

// getInitialDelay returns the wait until the next multiple of
// delayInterval past the top of the hour, so every loop's ticks land
// on predictable wall-clock boundaries.
func getInitialDelay(now time.Time, delayInterval time.Duration) time.Duration {
	if delayInterval <= 0 {
		return 0
	}
	top := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	delay := now.Sub(top)
	for delay > 0 {
		delay -= delayInterval
	}
	return -delay
}

// Events lets the HTTP and MQTT front ends observe coordinator
// activity without the Coordinator needing to know either exists.
type Events interface {
	OnControlResolved(res basecontrol.Result)
	OnInverterData(data inverter.Data)
	OnOptimizationComplete(state model.SchedulerState)
}

// NoopEvents discards every callback, used when no front end is wired.
type NoopEvents struct{}

func (NoopEvents) OnControlResolved(basecontrol.Result)         {}
func (NoopEvents) OnInverterData(inverter.Data)                 {}
func (NoopEvents) OnOptimizationComplete(model.SchedulerState)   {}

// FanOut dispatches every event to each wrapped Events in order,
// letting the MQTT bridge and the HTTP surface's state cache both
// observe the same coordinator activity without either knowing the
// other exists (the CoordinatorEvents constructor-injection shape
// from the design notes, generalized to N listeners instead of one).
type FanOut []Events

func (f FanOut) OnControlResolved(res basecontrol.Result) {
	for _, e := range f {
		e.OnControlResolved(res)
	}
}

func (f FanOut) OnInverterData(data inverter.Data) {
	for _, e := range f {
		e.OnInverterData(data)
	}
}

func (f FanOut) OnOptimizationComplete(state model.SchedulerState) {
	for _, e := range f {
		e.OnOptimizationComplete(state)
	}
}

// Deps collects every component the Coordinator drives. Fields left
// nil degrade gracefully (no EVCC configured, no price source besides
// the configured one, etc.) rather than panicking.
type Deps struct {
	Config        *config.Config
	EosClient     *eosclient.Client
	Inverter      inverter.Controller
	EvccClient    *evcc.Client
	BatteryReader *battery.StateReader
	BatteryParams battery.Params
	// LowSocWatcher and HighSocWatcher, if set, are fed each poll's SoC
	// reading in runData; their OnCross callbacks should already be
	// wired (typically to log an alert).
	LowSocWatcher  *battery.ThresholdWatcher
	HighSocWatcher *battery.ThresholdWatcher
	PriceSource   price.Source
	PVClient      *forecast.PVClient
	LoadBuilder   *loadprofile.Builder
	BaseControl   *basecontrol.Controller
	Logger        *log.Logger
	Location      *time.Location
	Events        Events
}

// Coordinator owns the mutable cross-loop state (current override,
// last solver request state, last EVCC session, last inverter poll)
// and runs the three loops.
type Coordinator struct {
	deps Deps

	mu             sync.RWMutex
	override       model.Override
	schedulerState model.SchedulerState
	lastEvccActive bool
	lastEvccSess   model.EVCCSession
	lastInverterData inverter.Data
	lastBatteryDerived battery.Derived
	lastControlResult basecontrol.Result
	hasControlResult  bool

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New creates a Coordinator. Call Start to begin running its loops.
func New(deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Events == nil {
		deps.Events = NoopEvents{}
	}
	return &Coordinator{deps: deps, stopChan: make(chan struct{})}
}

// SetEvents replaces the event listener after construction, letting
// main wire in an MQTT publisher (which itself needs the Coordinator
// as its OverrideSetter) without a circular construction order.
func (c *Coordinator) SetEvents(e Events) {
	if e == nil {
		e = NoopEvents{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps.Events = e
}

// SetOverride installs (or clears, via Active=false) a user override.
func (c *Coordinator) SetOverride(o model.Override) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.override = o
}

// Override returns the current override.
func (c *Coordinator) Override() model.Override {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.override
}

// SchedulerState returns the optimization loop's publicly observable status.
func (c *Coordinator) SchedulerState() model.SchedulerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schedulerState
}

// LastControlResult returns the most recent Base Control resolution,
// for the HTTP surface's current_controls.json. ok is false before
// the control loop has ticked even once.
func (c *Coordinator) LastControlResult() (res basecontrol.Result, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastControlResult, c.hasControlResult
}

// BatterySnapshot returns the most recent derived battery figures.
func (c *Coordinator) BatterySnapshot() battery.Derived {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastBatteryDerived
}

// EvccSnapshot returns the most recent EVCC session snapshot and
// whether an EVCC source is even configured/has ever reported.
func (c *Coordinator) EvccSnapshot() (model.EVCCSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEvccSess, c.lastEvccActive
}

// InverterSnapshot returns the most recent inverter telemetry poll.
func (c *Coordinator) InverterSnapshot() inverter.Data {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastInverterData
}

// Start launches the three loops and blocks until they all stop
// (either ctx is cancelled or Stop is called).
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	now := time.Now().In(c.deps.Location)
	optDelay := getInitialDelay(now, c.deps.Config.RefreshInterval)
	dataDelay := getInitialDelay(now, c.deps.Config.DataLoopInterval)

	tasks := []periodicTask{
		{
			name:         "OptimizationLoop",
			initialDelay: optDelay,
			interval:     c.deps.Config.RefreshInterval,
			runFunc:      c.runOptimization,
		},
		{
			name:         "ControlLoop",
			initialDelay: 0,
			interval:     c.deps.Config.ControlLoopInterval,
			runFunc:      c.runControl,
		},
		{
			name:         "DataLoop",
			initialDelay: dataDelay,
			interval:     c.deps.Config.DataLoopInterval,
			runFunc:      c.runData,
		},
	}

	for i := range tasks {
		task := tasks[i]
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			task.run(ctx, c.stopChan, c.deps.Logger)
		}()
	}

	c.wg.Wait()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

// Stop signals every loop to exit and waits (bounded by the caller's
// own timeout, if any) for them to join.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}
	c.mu.Unlock()
	c.wg.Wait()
}
