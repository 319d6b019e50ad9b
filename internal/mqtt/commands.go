package mqtt

import (
	"encoding/json"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/eosconnect/eoscoordinator/internal/model"
)

// overrideCommand is the payload accepted on the command topic,
// compositing the three override knobs into one message rather than
// three separate topics.
type overrideCommand struct {
	Mode             int     `json:"mode"`               // model.OverallState, or -1/-2 to clear/disable
	DurationMinutes  int     `json:"duration_minutes"`   // capped at 720 (12:00)
	GridChargePowerW float64 `json:"grid_charge_power_w"`
}

const maxOverrideDuration = 12 * time.Hour

// subscribeCommands wires the command-topic handler before Connect so
// the subscription is already registered in the connect callback.
func (p *Publisher) subscribeCommands(overrides OverrideSetter) {
	if overrides == nil {
		return
	}
	topic := p.topic("command/override")

	handler := func(_ paho.Client, msg paho.Message) {
		p.handleOverrideMessage(msg.Payload(), overrides)
	}

	// Re-subscribing is safe and idempotent; doing it in the connect
	// handler keeps the subscription alive across auto-reconnects.
	p.addOnConnect(func(c paho.Client) {
		if tok := c.Subscribe(topic, 1, handler); tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
			p.logger.Printf("ERROR: mqtt: subscribe to %s failed: %v", topic, tok.Error())
		}
	})
}

func (p *Publisher) handleOverrideMessage(payload []byte, overrides OverrideSetter) {
	var cmd overrideCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		p.logger.Printf("WARN: mqtt: malformed override command: %v", err)
		return
	}

	if cmd.Mode < 0 {
		overrides.SetOverride(model.Override{Active: false})
		return
	}

	duration := time.Duration(cmd.DurationMinutes) * time.Minute
	if duration <= 0 || duration > maxOverrideDuration {
		duration = maxOverrideDuration
	}

	overrides.SetOverride(model.Override{
		Active:           true,
		Mode:             model.OverallState(cmd.Mode),
		EndTime:          time.Now().Add(duration),
		GridChargePowerW: cmd.GridChargePowerW,
	})
}
