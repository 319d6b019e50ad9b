package loadprofile

import (
	"context"
	"fmt"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosconnect/eoscoordinator/internal/model"
)

// fakeSource returns canned samples keyed by sensor ID and bucket start
// hour, letting tests control exactly what each hour bucket sees.
type fakeSource struct {
	bySensor map[string]map[time.Time][]model.LoadHistorySample
}

func newFakeSource() *fakeSource {
	return &fakeSource{bySensor: map[string]map[time.Time][]model.LoadHistorySample{}}
}

func (f *fakeSource) set(sensor string, bucketStart time.Time, samples []model.LoadHistorySample) {
	if f.bySensor[sensor] == nil {
		f.bySensor[sensor] = map[time.Time][]model.LoadHistorySample{}
	}
	f.bySensor[sensor][bucketStart] = samples
}

func (f *fakeSource) Samples(_ context.Context, sensorID string, start, _ time.Time) ([]model.LoadHistorySample, error) {
	buckets, ok := f.bySensor[sensorID]
	if !ok {
		return nil, nil
	}
	return buckets[start], nil
}

func (f *fakeSource) DeepLink(sensorID string, start, end time.Time) string {
	return fmt.Sprintf("debug://%s?from=%s&to=%s", sensorID, start, end)
}

func TestBuild_P3_LengthAndNonNegative(t *testing.T) {
	src := newFakeSource()
	loc := time.UTC
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, loc)
	midnight := time.Date(2026, 7, 31, 0, 0, 0, 0, loc)

	for offset := -14; offset <= -1; offset++ {
		day := midnight.AddDate(0, 0, offset)
		for h := 0; h < 24; h++ {
			bucket := day.Add(time.Duration(h) * time.Hour)
			src.set("main", bucket, []model.LoadHistorySample{{State: 500, Timestamp: bucket}})
		}
	}

	b := New(src, Options{MainLoadSensor: "main", Location: loc, Logger: log.Default()})
	profile := b.Build(context.Background(), now)

	assert.Len(t, profile, model.PlanHours)
	for _, v := range profile {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestBuild_ControllableSubtraction(t *testing.T) {
	src := newFakeSource()
	loc := time.UTC
	midnight := time.Date(2026, 7, 31, 0, 0, 0, 0, loc)
	bucket := midnight.AddDate(0, 0, -7)

	src.set("main", bucket, []model.LoadHistorySample{{State: 1000, Timestamp: bucket}})
	src.set("ev", bucket, []model.LoadHistorySample{{State: 300, Timestamp: bucket}})

	b := New(src, Options{MainLoadSensor: "main", ControllableSensors: []string{"ev"}, Location: loc})
	day := b.dayProfile(context.Background(), bucket)
	require.Len(t, day, 24)
	assert.InDelta(t, 700, day[0], 0.001)
}

func TestBuild_NegativeSubtractionUsesAbsoluteMain(t *testing.T) {
	src := newFakeSource()
	loc := time.UTC
	midnight := time.Date(2026, 7, 31, 0, 0, 0, 0, loc)
	bucket := midnight.AddDate(0, 0, -7)

	src.set("main", bucket, []model.LoadHistorySample{{State: 100, Timestamp: bucket}})
	src.set("ev", bucket, []model.LoadHistorySample{{State: 900, Timestamp: bucket}})

	b := New(src, Options{MainLoadSensor: "main", ControllableSensors: []string{"ev"}, Location: loc})
	day := b.dayProfile(context.Background(), bucket)
	assert.Equal(t, 100.0, day[0], "difference negative => use absolute main value, not the subtraction")
}

func TestBuild_S6_FallbackToYesterdayDoubled(t *testing.T) {
	src := newFakeSource()
	loc := time.UTC
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, loc)
	midnight := time.Date(2026, 7, 31, 0, 0, 0, 0, loc)

	yesterday := midnight.AddDate(0, 0, -1)
	for h := 0; h < 24; h++ {
		bucket := yesterday.Add(time.Duration(h) * time.Hour)
		src.set("main", bucket, []model.LoadHistorySample{{State: 222, Timestamp: bucket}})
	}

	b := New(src, Options{MainLoadSensor: "main", Location: loc, Logger: log.Default()})
	profile := b.Build(context.Background(), now)

	for i := 0; i < 48; i++ {
		assert.InDelta(t, 222, profile[i], 0.001, "index %d", i)
	}
}

func TestBuild_SyntheticDefaultWhenFullyEmpty(t *testing.T) {
	src := newFakeSource()
	b := New(src, Options{MainLoadSensor: "main", Location: time.UTC, Logger: log.Default()})
	profile := b.Build(context.Background(), time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, SyntheticDefault, profile)
}

func TestTrapezoidalAverage_HoldsUntilNextSample(t *testing.T) {
	src := newFakeSource()
	loc := time.UTC
	bucket := time.Date(2026, 7, 31, 10, 0, 0, 0, loc)

	src.set("main", bucket, []model.LoadHistorySample{
		{State: 1000, Timestamp: bucket},
		{State: 2000, Timestamp: bucket.Add(45 * time.Minute)},
	})

	b := New(src, Options{MainLoadSensor: "main", Location: loc})
	avg, err := b.bucketAverage(context.Background(), "main", bucket, bucket.Add(time.Hour))
	require.NoError(t, err)
	// 45 min @ 1000 + 15 min @ 2000, averaged over 60 min.
	expected := (1000.0*45 + 2000.0*15) / 60
	assert.InDelta(t, expected, avg, 0.01)
}

func TestLegacyEvSubtraction(t *testing.T) {
	assert.Equal(t, 2000.0, applyLegacyEvSubtraction(12800, 10800, 9200))
	assert.Equal(t, 800.0, applyLegacyEvSubtraction(10000, 10800, 9200))
	assert.Equal(t, 5000.0, applyLegacyEvSubtraction(5000, 10800, 9200))
}
