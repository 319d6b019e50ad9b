package inverter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FroniusGen24Legacy drives older Gen24 firmware that predates the
// SunSpec storage-control registers, falling back to the Solar API's
// battery control JSON endpoint instead of Modbus writes.
type FroniusGen24Legacy struct {
	httpClient *http.Client
	baseURL    string
}

// NewFroniusGen24Legacy creates a client against the Fronius Solar API.
func NewFroniusGen24Legacy(baseURL string, timeout time.Duration) *FroniusGen24Legacy {
	return &FroniusGen24Legacy{httpClient: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

func (f *FroniusGen24Legacy) postControl(ctx context.Context, payload map[string]any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/config/batteries", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fronius gen24 legacy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fronius gen24 legacy: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fronius gen24 legacy: status %d", resp.StatusCode)
	}
	return nil
}

// SetModeForceCharge implements Controller.
func (f *FroniusGen24Legacy) SetModeForceCharge(ctx context.Context, powerW float64) error {
	return f.postControl(ctx, map[string]any{"mode": "force_charge", "power_w": powerW})
}

// SetModeAvoidDischarge implements Controller.
func (f *FroniusGen24Legacy) SetModeAvoidDischarge(ctx context.Context) error {
	return f.postControl(ctx, map[string]any{"mode": "avoid_discharge"})
}

// SetModeAllowDischarge implements Controller.
func (f *FroniusGen24Legacy) SetModeAllowDischarge(ctx context.Context) error {
	return f.postControl(ctx, map[string]any{"mode": "discharge_allowed"})
}

// SetMaxPVChargeRate implements Controller.
func (f *FroniusGen24Legacy) SetMaxPVChargeRate(ctx context.Context, powerW float64) error {
	return f.postControl(ctx, map[string]any{"pv_charge_limit_w": powerW})
}

// FetchData implements Controller, reading the Solar API's power-flow
// realtime endpoint.
func (f *FroniusGen24Legacy) FetchData(ctx context.Context) (Data, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/solar_api/v1/GetPowerFlowRealtimeData.fcgi", nil)
	if err != nil {
		return Data{}, fmt.Errorf("fronius gen24 legacy: build request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Data{}, fmt.Errorf("fronius gen24 legacy: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Data{}, fmt.Errorf("fronius gen24 legacy: status %d", resp.StatusCode)
	}

	var parsed struct {
		Body struct {
			Data struct {
				Site struct {
					PPV   float64 `json:"P_PV"`
					PGrid float64 `json:"P_Grid"`
					PAkku float64 `json:"P_Akku"`
					SoC   float64 `json:"BatteryStandby,omitempty"`
				} `json:"Site"`
			} `json:"Data"`
		} `json:"Body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Data{}, fmt.Errorf("fronius gen24 legacy: decode response: %w", err)
	}

	site := parsed.Body.Data.Site
	return Data{
		PVPowerW:      site.PPV,
		GridPowerW:    site.PGrid,
		BatteryPowerW: -site.PAkku, // Solar API reports discharge as positive Akku power, charging as negative
	}, nil
}

// Shutdown implements Controller; the legacy HTTP backend holds no
// persistent connection to close.
func (f *FroniusGen24Legacy) Shutdown(ctx context.Context) error { return nil }
