package price

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTibberClient_Prices(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, loc)
	midnight := time.Date(2026, 7, 31, 0, 0, 0, 0, loc)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": {"viewer": {"homes": [{"currentSubscription": {"priceInfo": {
				"today": [{"total": 0.30, "startsAt": "` + midnight.Format(time.RFC3339) + `"}],
				"tomorrow": []
			}}}]}}
		}`))
	}))
	defer srv.Close()

	c := NewTibberClient("tok123", 5*time.Second, 1, time.Millisecond, nil)
	c.SetBaseURL(srv.URL)

	prices, err := c.Prices(context.Background(), now, loc)
	require.NoError(t, err)
	assert.InDelta(t, 0.0003, prices[0], 1e-9, "0.30 EUR/kWh must convert to EUR/Wh")
}

func TestTibberClient_GraphQLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"invalid token"}]}`))
	}))
	defer srv.Close()

	c := NewTibberClient("bad", 5*time.Second, 1, time.Millisecond, nil)
	c.SetBaseURL(srv.URL)
	_, err := c.Prices(context.Background(), time.Now(), time.UTC)
	assert.Error(t, err)
}

const sampleEntsoeXML = `<?xml version="1.0" encoding="UTF-8"?>
<Publication_MarketDocument xmlns="urn:iec62325.351:tc57wg16:451-3:publicationdocument:7:0">
  <period.timeInterval><start>2026-07-31T00:00Z</start><end>2026-08-01T00:00Z</end></period.timeInterval>
  <TimeSeries>
    <Period>
      <timeInterval><start>2026-07-31T00:00Z</start><end>2026-08-01T00:00Z</end></timeInterval>
      <resolution>PT60M</resolution>
      <Point><position>1</position><price.amount>120.5</price.amount></Point>
      <Point><position>2</position><price.amount>100.0</price.amount></Point>
    </Period>
  </TimeSeries>
</Publication_MarketDocument>`

func TestEntsoeClient_Prices(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 5, 0, 0, 0, loc)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(sampleEntsoeXML))
	}))
	defer srv.Close()

	c := NewEntsoeClient("sec-token", srv.URL+"?start=%s&end=%s&token=%s", 5*time.Second, 1, time.Millisecond, nil)
	prices, err := c.Prices(context.Background(), now, loc)
	require.NoError(t, err)
	assert.InDelta(t, 0.0001205, prices[0], 1e-9, "120.5 EUR/MWh must convert to EUR/Wh")
	assert.InDelta(t, 0.0001000, prices[1], 1e-9)
}

func TestTibberClient_RetriesThenSucceeds(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, loc)
	midnight := time.Date(2026, 7, 31, 0, 0, 0, 0, loc)

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": {"viewer": {"homes": [{"currentSubscription": {"priceInfo": {
				"today": [{"total": 0.30, "startsAt": "` + midnight.Format(time.RFC3339) + `"}],
				"tomorrow": []
			}}}]}}
		}`))
	}))
	defer srv.Close()

	c := NewTibberClient("tok123", 5*time.Second, 3, time.Millisecond, nil)
	c.SetBaseURL(srv.URL)

	prices, err := c.Prices(context.Background(), now, loc)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "must retry once before succeeding")
	assert.InDelta(t, 0.0003, prices[0], 1e-9)
}

func TestTibberClient_FallsBackToStaleCacheAfterExhaustion(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, loc)
	midnight := time.Date(2026, 7, 31, 0, 0, 0, 0, loc)

	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": {"viewer": {"homes": [{"currentSubscription": {"priceInfo": {
				"today": [{"total": 0.30, "startsAt": "` + midnight.Format(time.RFC3339) + `"}],
				"tomorrow": []
			}}}]}}
		}`))
	}))
	defer srv.Close()

	c := NewTibberClient("tok123", 5*time.Second, 2, time.Millisecond, nil)
	c.SetBaseURL(srv.URL)

	first, err := c.Prices(context.Background(), now, loc)
	require.NoError(t, err)

	healthy = false
	second, err := c.Prices(context.Background(), now, loc)
	require.Error(t, err, "must still report the failure")
	assert.Equal(t, first, second, "must fall back to the last known-good series rather than zeroing it")
}

func TestParseISO8601Duration(t *testing.T) {
	d, err := parseISO8601Duration("PT15M")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	d, err = parseISO8601Duration("PT60M")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	_, err = parseISO8601Duration("garbage")
	assert.Error(t, err)
}
