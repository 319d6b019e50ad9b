// Package mqtt publishes coordinator state to an MQTT broker and
// accepts override commands over a command topic. The publish-while-
// possibly-disconnected queueing and the MQTTMessage{Topic,Payload,
// QoS,Retain} shape are grounded on the pack's mqtt_sender.go
// (mqttSenderWorker / MQTTMessage), adapted from github.com/ryansname/
// powerctl onto github.com/eclipse/paho.mqtt.golang.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/eosconnect/eoscoordinator/internal/adapters/inverter"
	"github.com/eosconnect/eoscoordinator/internal/basecontrol"
	"github.com/eosconnect/eoscoordinator/internal/config"
	"github.com/eosconnect/eoscoordinator/internal/model"
)

// message is one outbound publish, queued so a slow or momentarily
// disconnected broker connection never blocks a coordinator loop.
type message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// OverrideSetter is the subset of scheduler.Coordinator the command
// handler needs; kept narrow so this package doesn't import scheduler.
type OverrideSetter interface {
	SetOverride(model.Override)
}

// Publisher connects to the broker, publishes on change, announces
// Home Assistant auto-discovery entities, and subscribes to the
// command topic that feeds overrides back into the coordinator.
type Publisher struct {
	cfg    *config.Config
	logger *log.Logger
	client paho.Client

	outgoing chan message
	done     chan struct{}

	lastJSON      map[string]string
	onConnectFuncs []func(paho.Client)
}

// topics under the configured prefix.
func (p *Publisher) topic(suffix string) string {
	return p.cfg.MqttTopicPrefix + "/" + suffix
}

func (p *Publisher) willTopic() string { return p.topic("status") }

// New builds a Publisher and its paho client/options, wiring the LWT
// (retained "offline" on the status topic) and a connect handler that
// republishes "online" plus discovery configs once the session is up.
func New(cfg *config.Config, logger *log.Logger, overrides OverrideSetter) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	p := &Publisher{
		cfg:      cfg,
		logger:   logger,
		outgoing: make(chan message, 256),
		done:     make(chan struct{}),
		lastJSON: make(map[string]string),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.MqttBrokerURL)
	opts.SetClientID(cfg.MqttClientID)
	if cfg.MqttUsername != "" {
		opts.SetUsername(cfg.MqttUsername)
		opts.SetPassword(cfg.MqttPassword)
	}
	opts.SetWill(p.willTopic(), "offline", 1, true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(c paho.Client, err error) {
		logger.Printf("WARN: mqtt: connection lost: %v", err)
	})

	p.addOnConnect(func(c paho.Client) {
		logger.Printf("mqtt: connected to %s", cfg.MqttBrokerURL)
		c.Publish(p.willTopic(), 1, true, "online")
		if cfg.MqttDiscoveryEnabled {
			p.publishDiscovery()
		}
	})
	p.subscribeCommands(overrides)

	opts.SetOnConnectHandler(func(c paho.Client) {
		for _, fn := range p.onConnectFuncs {
			fn(c)
		}
	})

	p.client = paho.NewClient(opts)
	return p
}

// addOnConnect registers a callback run (in registration order) every
// time the client establishes or re-establishes a session, so the
// "online" LWT republish, discovery announce, and command
// resubscribe all survive an auto-reconnect.
func (p *Publisher) addOnConnect(fn func(paho.Client)) {
	p.onConnectFuncs = append(p.onConnectFuncs, fn)
}

// Connect opens the broker connection and starts the publish worker.
// The worker goroutine is grounded on mqttSenderWorker's drain-the-
// channel-or-stop select loop.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt: connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}
	go p.worker()
	return nil
}

// Close publishes the offline LWT value explicitly, stops the worker,
// and disconnects.
func (p *Publisher) Close() {
	close(p.done)
	if p.client.IsConnected() {
		tok := p.client.Publish(p.willTopic(), 1, true, "offline")
		tok.WaitTimeout(2 * time.Second)
		p.client.Disconnect(250)
	}
}

func (p *Publisher) worker() {
	for {
		select {
		case m := <-p.outgoing:
			if !p.client.IsConnected() {
				continue
			}
			tok := p.client.Publish(m.Topic, m.QoS, m.Retain, m.Payload)
			if tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
				p.logger.Printf("WARN: mqtt: publish to %s failed: %v", m.Topic, tok.Error())
			}
		case <-p.done:
			return
		}
	}
}

// enqueue drops the oldest-first if the channel is full rather than
// blocking a coordinator loop on a stalled broker.
func (p *Publisher) enqueue(topic string, payload []byte, retain bool) {
	select {
	case p.outgoing <- message{Topic: topic, Payload: payload, QoS: 0, Retain: retain}:
	default:
		select {
		case <-p.outgoing:
		default:
		}
		select {
		case p.outgoing <- message{Topic: topic, Payload: payload, QoS: 0, Retain: retain}:
		default:
		}
	}
}

// publishIfChanged compares against the last value sent for key and
// only enqueues a publish when it differs, so a 1s control tick
// doesn't spam the broker with an unchanged state every second.
func (p *Publisher) publishIfChanged(key, topic, value string, retain bool) {
	if p.lastJSON[key] == value {
		return
	}
	p.lastJSON[key] = value
	p.enqueue(topic, []byte(value), retain)
}

// PublishControl is called from the control loop's OnControlResolved
// event with the resolved Base Control output.
func (p *Publisher) PublishControl(res basecontrol.Result) {
	p.publishIfChanged("overall_state", p.topic("state/overall_state"), res.OverallState.String(), true)
	p.publishIfChanged("discharge_allowed", p.topic("state/discharge_allowed"), boolStr(res.DischargeAllowed), true)
	p.publishIfChanged("target_ac_charge_w", p.topic("state/target_ac_charge_w"), floatStr(res.TargetACChargeW), true)
	p.publishIfChanged("target_dc_charge_w", p.topic("state/target_dc_charge_w"), floatStr(res.TargetDCChargeW), true)
	p.publishIfChanged("clamped_for_soc", p.topic("state/clamped_for_soc"), boolStr(res.ClampedForSoc), true)
}

// PublishInverterData is called from the data loop's OnInverterData event.
func (p *Publisher) PublishInverterData(d inverter.Data) {
	p.publishIfChanged("pv_power_w", p.topic("telemetry/pv_power_w"), floatStr(d.PVPowerW), false)
	p.publishIfChanged("grid_power_w", p.topic("telemetry/grid_power_w"), floatStr(d.GridPowerW), false)
	p.publishIfChanged("battery_power_w", p.topic("telemetry/battery_power_w"), floatStr(d.BatteryPowerW), false)
	p.publishIfChanged("battery_soc_pct", p.topic("telemetry/battery_soc_pct"), floatStr(d.BatterySocPct), false)
}

// PublishSchedulerState is called from the optimization loop's
// OnOptimizationComplete event.
func (p *Publisher) PublishSchedulerState(s model.SchedulerState) {
	b, err := json.Marshal(s)
	if err != nil {
		p.logger.Printf("ERROR: mqtt: marshal scheduler state: %v", err)
		return
	}
	p.publishIfChanged("scheduler_state", p.topic("state/scheduler"), string(b), true)
}

// OnControlResolved implements scheduler.Events, so a Publisher can be
// wired directly into scheduler.Deps.Events (alone, or fanned out
// alongside another Events implementation via scheduler.FanOut).
func (p *Publisher) OnControlResolved(res basecontrol.Result) { p.PublishControl(res) }

// OnInverterData implements scheduler.Events.
func (p *Publisher) OnInverterData(d inverter.Data) { p.PublishInverterData(d) }

// OnOptimizationComplete implements scheduler.Events.
func (p *Publisher) OnOptimizationComplete(s model.SchedulerState) { p.PublishSchedulerState(s) }

func boolStr(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func floatStr(f float64) string {
	return fmt.Sprintf("%.2f", f)
}
