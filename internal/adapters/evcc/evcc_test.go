package evcc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosconnect/eoscoordinator/internal/model"
)

func TestSession_Charging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"loadpoints":[{"charging":true,"mode":"min+pv"}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, 1, time.Millisecond, nil)
	session, active, err := c.Session(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, model.EVCCCharging, session.ChargingState)
	assert.Equal(t, model.EVCCModeMinPV, session.ChargingMode)
}

func TestSession_NoLoadpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"loadpoints":[]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, 1, time.Millisecond, nil)
	_, active, err := c.Session(context.Background())
	require.NoError(t, err)
	assert.False(t, active)
}

func TestSession_FallsBackToStaleCacheAfterExhaustion(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"result":{"loadpoints":[{"charging":true,"mode":"min+pv"}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, 2, time.Millisecond, nil)

	first, firstActive, err := c.Session(context.Background())
	require.NoError(t, err)

	healthy = false
	second, secondActive, err := c.Session(context.Background())
	assert.Error(t, err, "must still report the failure")
	assert.Equal(t, first, second, "must fall back to the last known-good session rather than zeroing it")
	assert.Equal(t, firstActive, secondActive)
}

func TestSetExternalBatteryMode(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, 1, time.Millisecond, nil)
	err := c.SetExternalBatteryMode(context.Background(), model.ExternalBatteryAvoidDischarge)
	require.NoError(t, err)
	assert.Contains(t, gotBody, "avoid_discharge")
}
