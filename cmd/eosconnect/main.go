// Command eosconnect is the energy coordinator's entry point: it loads
// configuration, wires every adapter, and runs the scheduler, MQTT
// bridge, and HTTP surface together until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/eosconnect/eoscoordinator/internal/adapters/battery"
	"github.com/eosconnect/eoscoordinator/internal/adapters/evcc"
	"github.com/eosconnect/eoscoordinator/internal/adapters/inverter"
	"github.com/eosconnect/eoscoordinator/internal/adapters/load"
	"github.com/eosconnect/eoscoordinator/internal/adapters/price"
	"github.com/eosconnect/eoscoordinator/internal/basecontrol"
	"github.com/eosconnect/eoscoordinator/internal/config"
	"github.com/eosconnect/eoscoordinator/internal/eosclient"
	"github.com/eosconnect/eoscoordinator/internal/forecast"
	"github.com/eosconnect/eoscoordinator/internal/httpapi"
	"github.com/eosconnect/eoscoordinator/internal/loadprofile"
	"github.com/eosconnect/eoscoordinator/internal/logbuf"
	"github.com/eosconnect/eoscoordinator/internal/mqtt"
	"github.com/eosconnect/eoscoordinator/internal/scheduler"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		envFile    = flag.String("env", ".env", "Optional .env file with secrets (tokens, URLs)")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("no .env file loaded from %s (%v), continuing with existing environment\n", *envFile, err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}
	applyEnvSecrets(cfg)

	logs := logbuf.New()
	logWriter := io.MultiWriter(os.Stdout, logbuf.NewWriter(logs, "eosconnect", logbuf.LevelInfo))
	logger := log.New(logWriter, "[EOSCONNECT] ", log.LstdFlags)

	logger.Printf("starting eos-connect-go coordinator\n%s", cfg.String())
	if cfg.DryRun {
		logger.Printf("running in DRY-RUN mode: inverter and evcc writes are simulated only")
	}

	loc := cfg.Location()

	deps := buildDeps(cfg, logger, loc)
	coordinator := scheduler.New(deps)

	var publisher *mqtt.Publisher
	if cfg.MqttBrokerURL != "" {
		publisher = mqtt.New(cfg, logger, coordinator)
		if err := publisher.Connect(); err != nil {
			logger.Printf("WARN: mqtt: initial connect failed, will retry in background: %v", err)
		}
		coordinator.SetEvents(scheduler.FanOut{publisher})
	}

	server := httpapi.New(cfg, coordinator, deps.EosClient, deps.PVClient, logs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := coordinator.Start(ctx); err != nil {
			logger.Printf("ERROR: scheduler stopped with error: %v", err)
		}
	}()

	// httpServerErr carries a bind failure (every fallback port
	// exhausted) out of the goroutine so it can escalate to a fatal
	// exit rather than just a log line; a clean shutdown (ctx
	// cancelled) sends nil.
	httpServerErr := make(chan error, 1)
	go func() {
		httpServerErr <- server.ListenAndServe(ctx)
	}()

	logger.Printf("coordinator started on port %d. Press Ctrl+C to stop...", cfg.HTTPPort)

	select {
	case <-sigChan:
		logger.Printf("shutdown signal received, stopping coordinator...")
	case err := <-httpServerErr:
		if err != nil {
			logger.Printf("CRIT: http server failed to start, exiting: %v", err)
			cancel()
			coordinator.Stop()
			if publisher != nil {
				publisher.Close()
			}
			os.Exit(1)
		}
	}

	cancel()
	coordinator.Stop()
	if publisher != nil {
		publisher.Close()
	}

	logger.Printf("coordinator stopped successfully")
}

// applyEnvSecrets overlays secrets that operators keep out of the
// checked-in JSON config (API tokens, credentialed URLs) from the
// process environment, populated either directly or via godotenv.Load.
func applyEnvSecrets(cfg *config.Config) {
	if v := os.Getenv("EOS_TIBBER_TOKEN"); v != "" {
		cfg.TibberToken = v
	}
	if v := os.Getenv("EOS_ENTSOE_SECURITY_TOKEN"); v != "" {
		cfg.EntsoeSecurityToken = v
	}
	if v := os.Getenv("EOS_EVCC_BASE_URL"); v != "" {
		cfg.EvccBaseURL = v
	}
	if v := os.Getenv("EOS_LOAD_HISTORY_TOKEN"); v != "" {
		cfg.LoadHistoryToken = v
	}
	if v := os.Getenv("EOS_MQTT_PASSWORD"); v != "" {
		cfg.MqttPassword = v
	}
}

// buildDeps constructs every adapter named in the configuration and
// assembles the scheduler.Deps the Coordinator is driven by.
func buildDeps(cfg *config.Config, logger *log.Logger, loc *time.Location) scheduler.Deps {
	eosClient := eosclient.New(cfg.EosBaseURL, cfg.EosTimeout, cfg.RuntimeAvgWindow)
	eosClient.SetDeviceIDs(cfg.EosDeviceID, cfg.EosBatteryID)

	attempts, backoff := cfg.AdapterRetryAttempts, cfg.AdapterRetryBackoff

	var priceSource price.Source
	switch cfg.PriceSource {
	case "tibber":
		priceSource = price.NewTibberClient(cfg.TibberToken, cfg.EosTimeout, attempts, backoff, logger)
	case "entsoe":
		priceSource = price.NewEntsoeClient(cfg.EntsoeSecurityToken, cfg.EntsoeUrlFormat, cfg.EosTimeout, attempts, backoff, logger)
	default:
		logger.Printf("WARN: unknown price_source %q, solver requests will carry a zeroed price series", cfg.PriceSource)
	}

	pvClient := forecast.NewPVClient(cfg.UserAgent, attempts, backoff, logger)

	var historySource loadprofile.HistorySource
	switch cfg.LoadHistoryBackend {
	case "openhab":
		historySource = load.NewOpenHABSource(cfg.LoadHistoryBaseURL, cfg.EosTimeout, attempts, backoff, logger)
	case "homeassistant":
		historySource = load.NewHomeAssistantSource(cfg.LoadHistoryBaseURL, cfg.LoadHistoryToken, cfg.EosTimeout, attempts, backoff, logger)
	default:
		logger.Printf("WARN: unknown load_history_backend %q, falling back to the synthetic load profile", cfg.LoadHistoryBackend)
	}

	var loadBuilder *loadprofile.Builder
	if historySource != nil {
		loadBuilder = loadprofile.New(historySource, loadprofile.Options{
			MainLoadSensor:        cfg.MainLoadItem,
			ControllableSensors:   cfg.ControllableLoadItems,
			Location:              loc,
			Logger:                logger,
			LegacyEvSubtraction:   cfg.LegacyEvSubtraction,
			LegacyHighThresholdWh: cfg.LegacyHighThresholdWh,
			LegacyLowThresholdWh:  cfg.LegacyLowThresholdWh,
		})
	}

	var batteryReader *battery.StateReader
	switch cfg.LoadHistoryBackend {
	case "homeassistant":
		batteryReader = battery.NewHomeAssistantStateReader(cfg.LoadHistoryBaseURL, cfg.BatterySocItem, cfg.LoadHistoryToken, cfg.EosTimeout, attempts, backoff, logger)
	default:
		batteryReader = battery.NewOpenHABStateReader(cfg.LoadHistoryBaseURL, cfg.BatterySocItem, cfg.EosTimeout, attempts, backoff, logger)
	}

	batteryParams := battery.Params{
		CapacityWh:     cfg.BatteryCapacityWh,
		MinSocPct:      cfg.BatteryMinSocPct,
		MaxSocPct:      cfg.BatteryMaxSocPct,
		MaxChargeRateW: cfg.BatteryMaxChargePowerW,
		DischargeEff:   cfg.BatteryDischargeEff,
	}

	// The low watcher fires when SoC drops to the configured floor (an
	// operating-range warning); the high watcher fires at the ceiling
	// (where BaseControl should already be clamping charge). Both just
	// log; the battery SoC telemetry itself already reaches the HTTP
	// and MQTT surfaces every data-loop tick.
	lowSocWatcher := battery.NewThresholdWatcher(cfg.BatteryMinSocPct, func(socPct float64, above bool) {
		if !above {
			logger.Printf("WARN: battery: SoC %.1f%% at or below configured minimum %.1f%%", socPct, cfg.BatteryMinSocPct)
		}
	})
	highSocWatcher := battery.NewThresholdWatcher(cfg.BatteryMaxSocPct, func(socPct float64, above bool) {
		if above {
			logger.Printf("WARN: battery: SoC %.1f%% at or above configured maximum %.1f%%", socPct, cfg.BatteryMaxSocPct)
		}
	})

	var evccClient *evcc.Client
	if cfg.EvccBaseURL != "" {
		evccClient = evcc.New(cfg.EvccBaseURL, cfg.EvccPollInterval, attempts, backoff, logger)
	}

	inverterController := buildInverter(cfg, logger, evccClient)

	baseControl := basecontrol.New(cfg.HeartbeatInterval, func(format string, args ...any) {
		logger.Printf(format, args...)
	})

	return scheduler.Deps{
		Config:         cfg,
		EosClient:      eosClient,
		Inverter:       inverterController,
		EvccClient:     evccClient,
		BatteryReader:  batteryReader,
		BatteryParams:  batteryParams,
		LowSocWatcher:  lowSocWatcher,
		HighSocWatcher: highSocWatcher,
		PriceSource:    priceSource,
		PVClient:       pvClient,
		LoadBuilder:    loadBuilder,
		BaseControl:    baseControl,
		Logger:         logger,
		Location:       loc,
		Events:         scheduler.NoopEvents{},
	}
}

// buildInverter selects the inverter backend per cfg.InverterKind. A
// dry-run config always gets the NoopShowOnly backend regardless of
// inverter_kind, so simulated runs never touch real hardware.
func buildInverter(cfg *config.Config, logger *log.Logger, evccClient *evcc.Client) inverter.Controller {
	if cfg.DryRun {
		return inverter.NewNoopShowOnly(logger)
	}

	switch cfg.InverterKind {
	case "fronius_gen24":
		ctrl, err := inverter.NewFroniusGen24(cfg.InverterAddress, 1, cfg.InverterTimeout)
		if err != nil {
			logger.Printf("ERROR: inverter: failed to open Fronius Gen24 Modbus connection, falling back to show-only: %v", err)
			return inverter.NewNoopShowOnly(logger)
		}
		return ctrl
	case "fronius_gen24_legacy":
		return inverter.NewFroniusGen24Legacy(cfg.InverterAddress, cfg.InverterTimeout)
	case "evcc_external":
		return inverter.NewEvccExternalBattery(evccClient, logger)
	default:
		return inverter.NewNoopShowOnly(logger)
	}
}

func showHelp() {
	fmt.Println("eosconnect - home energy coordinator driving an external optimization solver")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Fetches day-ahead prices, PV and load forecasts, and battery/EVCC state;")
	fmt.Println("  submits them to an external optimizer; and applies the resulting hourly")
	fmt.Println("  plan to the inverter through a fast local control loop. Exposes the same")
	fmt.Println("  state over HTTP, WebSocket, and MQTT.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  eosconnect [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  eosconnect")
	fmt.Println("  eosconnect --config=/etc/eosconnect/config.json")
	fmt.Println("  eosconnect --env=/etc/eosconnect/secrets.env")
}
