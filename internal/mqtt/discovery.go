package mqtt

import "encoding/json"

// discoveryConfig mirrors Home Assistant's MQTT sensor discovery
// schema, grounded on the pack's createBatteryEntity Config struct
// (device_class/state_topic/value_template/unique_id/device block).
type discoveryConfig struct {
	Name              string `json:"name,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateTopic        string `json:"state_topic"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	ValueTemplate     string `json:"value_template,omitempty"`
	UniqueID          string `json:"unique_id"`
	ExpireAfter       uint   `json:"expire_after,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	Device            struct {
		Identifiers []string `json:"identifiers"`
		Name        string   `json:"name"`
		Manufacturer string  `json:"manufacturer,omitempty"`
		Model       string   `json:"model,omitempty"`
	} `json:"device"`
}

type discoveryEntity struct {
	component string // "sensor" or "binary_sensor"
	objectID  string
	name      string
	deviceClass string
	stateTopic  string
	unit        string
	valueTmpl   string
	stateClass  string
}

func (p *Publisher) deviceID() string {
	return "eos_connect"
}

func (p *Publisher) entities() []discoveryEntity {
	return []discoveryEntity{
		{component: "sensor", objectID: "overall_state", name: "Overall State", stateTopic: p.topic("state/overall_state")},
		{component: "binary_sensor", objectID: "discharge_allowed", name: "Discharge Allowed", deviceClass: "power", stateTopic: p.topic("state/discharge_allowed")},
		{component: "sensor", objectID: "target_ac_charge_w", name: "Target AC Charge", deviceClass: "power", unit: "W", stateClass: "measurement", stateTopic: p.topic("state/target_ac_charge_w")},
		{component: "sensor", objectID: "target_dc_charge_w", name: "Target DC Charge", deviceClass: "power", unit: "W", stateClass: "measurement", stateTopic: p.topic("state/target_dc_charge_w")},
		{component: "sensor", objectID: "pv_power_w", name: "PV Power", deviceClass: "power", unit: "W", stateClass: "measurement", stateTopic: p.topic("telemetry/pv_power_w")},
		{component: "sensor", objectID: "grid_power_w", name: "Grid Power", deviceClass: "power", unit: "W", stateClass: "measurement", stateTopic: p.topic("telemetry/grid_power_w")},
		{component: "sensor", objectID: "battery_power_w", name: "Battery Power", deviceClass: "power", unit: "W", stateClass: "measurement", stateTopic: p.topic("telemetry/battery_power_w")},
		{component: "sensor", objectID: "battery_soc_pct", name: "Battery SoC", unit: "%", stateClass: "measurement", stateTopic: p.topic("telemetry/battery_soc_pct")},
	}
}

// publishDiscovery announces every entity's config topic, retained so
// Home Assistant rediscovers them across its own restarts without the
// coordinator having to republish.
func (p *Publisher) publishDiscovery() {
	devID := p.deviceID()
	for _, e := range p.entities() {
		cfg := discoveryConfig{
			Name:              e.name,
			DeviceClass:       e.deviceClass,
			StateTopic:        e.stateTopic,
			UnitOfMeasurement: e.unit,
			ValueTemplate:     e.valueTmpl,
			UniqueID:          devID + "_" + e.objectID,
			ExpireAfter:       30 * 60,
			StateClass:        e.stateClass,
		}
		cfg.Device.Identifiers = []string{devID}
		cfg.Device.Name = "EOS Connect Coordinator"
		cfg.Device.Manufacturer = "eos-connect"

		payload, err := json.Marshal(cfg)
		if err != nil {
			p.logger.Printf("ERROR: mqtt: marshal discovery config for %s: %v", e.objectID, err)
			continue
		}

		configTopic := p.cfg.MqttDiscoveryPrefix + "/" + e.component + "/" + devID + "/" + e.objectID + "/config"
		p.enqueue(configTopic, payload, true)
	}
}
