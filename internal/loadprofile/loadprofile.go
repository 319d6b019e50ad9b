// Package loadprofile builds the 48-hour household load forecast fed
// into the optimization request: it aggregates historical sensor
// samples into hourly buckets via a time-weighted trapezoidal average,
// subtracts controllable loads from the main meter, and averages
// matching weekdays from one and two weeks back. The sample
// accumulation shape is grounded on the teacher's PVSamples
// (scheduler/pv.go), generalized from a flat poll-interval multiply
// into time weighting over irregular sample timestamps (each value is
// held until the next sample).
package loadprofile

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/eosconnect/eoscoordinator/internal/model"
)

// HistorySource fetches raw samples for one sensor between [start,end).
type HistorySource interface {
	Samples(ctx context.Context, sensorID string, start, end time.Time) ([]model.LoadHistorySample, error)
	// DeepLink returns a debug URL pointing at the sensor in the
	// source system's UI, for warning log context.
	DeepLink(sensorID string, start, end time.Time) string
}

// Options configures one Builder instance.
type Options struct {
	MainLoadSensor        string
	ControllableSensors    []string
	Location               *time.Location
	Logger                 *log.Logger
	LegacyEvSubtraction    bool // OpenHAB-only workaround, §4.4 step 5
	LegacyHighThresholdWh  float64
	LegacyLowThresholdWh   float64
}

// SyntheticDefault is the built-in 48-constant-hour fallback used when
// no historical data is available at all.
var SyntheticDefault = func() [model.PlanHours]float64 {
	var p [model.PlanHours]float64
	for i := range p {
		p[i] = 300 // Wh/h, a conservative flat household baseline
	}
	return p
}()

// Builder produces the 48-hour load forecast.
type Builder struct {
	source HistorySource
	opts   Options
}

// New creates a Builder reading from source with the given options.
func New(source HistorySource, opts Options) *Builder {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Builder{source: source, opts: opts}
}

// Build returns the 48-hour forecast starting at today's midnight in
// the configured location.
func (b *Builder) Build(ctx context.Context, now time.Time) [model.PlanHours]float64 {
	now = now.In(b.opts.Location)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, b.opts.Location)

	dMinus7 := b.dayProfile(ctx, midnight.AddDate(0, 0, -7))
	dMinus14 := b.dayProfile(ctx, midnight.AddDate(0, 0, -14))
	dMinus6 := b.dayProfile(ctx, midnight.AddDate(0, 0, -6))
	dMinus13 := b.dayProfile(ctx, midnight.AddDate(0, 0, -13))

	var result [model.PlanHours]float64
	for i := 0; i < 24; i++ {
		result[i] = combine(dMinus7, dMinus14, i)
	}
	for i := 24; i < 48; i++ {
		result[i] = combine(dMinus6, dMinus13, i-24)
	}

	if isEmptyOrZero(result[:]) {
		yesterday := b.dayProfile(ctx, midnight.AddDate(0, 0, -1))
		if !isEmptyOrZero(yesterday) {
			b.opts.Logger.Printf("WARN: load profile: all historical windows empty, falling back to yesterday doubled")
			for i := 0; i < 24; i++ {
				result[i] = yesterday[i]
				result[i+24] = yesterday[i]
			}
		} else {
			b.opts.Logger.Printf("WARN: load profile: no historical data available, using synthetic default profile")
			result = SyntheticDefault
		}
	}

	return result
}

// combine implements the D-7/D-14 (or D-6/D-13) averaging rule: average
// the two weeks if the two-week-back day has a full 24 values, else
// fall back to the one-week-back day alone.
func combine(recent, older []float64, i int) float64 {
	if i >= len(recent) {
		return 0
	}
	if len(older) >= 24 {
		return (recent[i] + older[i]) / 2
	}
	return recent[i]
}

func isEmptyOrZero(p []float64) bool {
	for _, v := range p {
		if v != 0 {
			return false
		}
	}
	return true
}

// dayProfile returns the 24 hourly Wh/h buckets for [start, start+24h).
// A fetch error for the main sensor degrades that bucket to 0; a fetch
// error for a controllable sensor leaves that sensor out of the
// bucket's subtraction. Both are logged and aggregation continues.
func (b *Builder) dayProfile(ctx context.Context, start time.Time) []float64 {
	profile := make([]float64, 0, 24)
	for h := 0; h < 24; h++ {
		bucketStart := start.Add(time.Duration(h) * time.Hour)
		bucketEnd := bucketStart.Add(time.Hour)

		mainAvg, err := b.bucketAverage(ctx, b.opts.MainLoadSensor, bucketStart, bucketEnd)
		if err != nil {
			b.opts.Logger.Printf("WARN: load profile: failed to aggregate main sensor %q for %s: %v (%s)",
				b.opts.MainLoadSensor, bucketStart.Format(time.RFC3339), err, b.source.DeepLink(b.opts.MainLoadSensor, bucketStart, bucketEnd))
			profile = append(profile, 0)
			continue
		}

		var controllableSum float64
		for _, sensor := range b.opts.ControllableSensors {
			avg, err := b.bucketAverage(ctx, sensor, bucketStart, bucketEnd)
			if err != nil {
				b.opts.Logger.Printf("WARN: load profile: failed to aggregate controllable sensor %q for %s: %v (%s)",
					sensor, bucketStart.Format(time.RFC3339), err, b.source.DeepLink(sensor, bucketStart, bucketEnd))
				continue
			}
			controllableSum += avg
		}

		value := mainAvg - controllableSum
		if value < 0 {
			b.opts.Logger.Printf("load profile: controllable subtraction went negative for bucket %s, using main value", bucketStart.Format(time.RFC3339))
			value = mainAvg
			if value < 0 {
				value = -value
			}
		}

		if b.opts.LegacyEvSubtraction {
			value = applyLegacyEvSubtraction(value, b.opts.LegacyHighThresholdWh, b.opts.LegacyLowThresholdWh)
		}

		profile = append(profile, value)
	}
	return profile
}

// applyLegacyEvSubtraction implements the OpenHAB-only workaround for
// sites with no dedicated EV-charging sensor: thresholds are
// configurable per spec's open question 3, not hard-coded.
func applyLegacyEvSubtraction(wh, highThreshold, lowThreshold float64) float64 {
	switch {
	case wh > highThreshold:
		return wh - highThreshold
	case wh > lowThreshold:
		return wh - lowThreshold
	default:
		return wh
	}
}

// bucketAverage computes the time-weighted trapezoidal average of one
// sensor's samples across [start,end): each sample's value is held
// constant until the next sample's timestamp; if the covered duration
// is short of the full hour, the last sample's value is extended to
// the bucket boundary.
func (b *Builder) bucketAverage(ctx context.Context, sensorID string, start, end time.Time) (float64, error) {
	if sensorID == "" {
		return 0, nil
	}
	samples, err := b.source.Samples(ctx, sensorID, start, end)
	if err != nil {
		return 0, fmt.Errorf("fetch samples: %w", err)
	}
	if len(samples) == 0 {
		return 0, fmt.Errorf("no samples in bucket")
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })

	var integral float64
	var covered time.Duration
	cursor := start
	for i, s := range samples {
		segEnd := end
		if i+1 < len(samples) {
			segEnd = samples[i+1].Timestamp
		}
		if segEnd.After(end) {
			segEnd = end
		}
		if segEnd.Before(cursor) {
			continue
		}
		dur := segEnd.Sub(cursor)
		if dur < 0 {
			dur = 0
		}
		integral += s.State * dur.Seconds()
		covered += dur
		cursor = segEnd
	}

	totalWindow := end.Sub(start)
	if covered < totalWindow {
		// Hold the last sample's value until the bucket boundary.
		last := samples[len(samples)-1]
		remaining := totalWindow - covered
		integral += last.State * remaining.Seconds()
		covered = totalWindow
	}

	if covered.Seconds() == 0 {
		return 0, fmt.Errorf("zero covered duration")
	}
	return integral / covered.Seconds(), nil
}
