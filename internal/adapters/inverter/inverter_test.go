package inverter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopShowOnly_ImplementsController(t *testing.T) {
	var _ Controller = (*NoopShowOnly)(nil)

	n := NewNoopShowOnly(nil)
	ctx := context.Background()

	require.NoError(t, n.SetModeForceCharge(ctx, 2500))
	require.NoError(t, n.SetModeAvoidDischarge(ctx))
	require.NoError(t, n.SetModeAllowDischarge(ctx))
	require.NoError(t, n.SetMaxPVChargeRate(ctx, 1000))

	data, err := n.FetchData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50.0, data.BatterySocPct)

	require.NoError(t, n.Shutdown(ctx))
}

func TestU16Clamp(t *testing.T) {
	assert.Equal(t, uint16(0), u16Clamp(-5))
	assert.Equal(t, uint16(65535), u16Clamp(70000))
	assert.Equal(t, uint16(2500), u16Clamp(2500))
}
