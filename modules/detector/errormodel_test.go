package detector

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bucket0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func modelConfig() Config {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("detector", flag.NewFlagSet("", flag.PanicOnError))
	return cfg
}

// seedBucket feeds total observations with the given error count, spread
// evenly across one bucket starting at start. Returns any signals.
func seedBucket(m *ErrorRateModel, start time.Time, total, errors int) []Signal {
	var signals []Signal
	step := m.cfg.BucketDuration / time.Duration(total+1)
	for i := 0; i < total; i++ {
		signals = append(signals, m.Observe(start.Add(time.Duration(i)*step), i < errors)...)
	}
	return signals
}

func TestSteadyStateEmitsNoSignals(t *testing.T) {
	m := NewErrorRateModel(modelConfig())

	// 20 buckets at a constant 10% error rate with plenty of volume
	var signals []Signal
	for i := 0; i < 20; i++ {
		signals = append(signals, seedBucket(m, bucket0.Add(time.Duration(i)*time.Minute), 30, 3)...)
	}
	// close the last bucket
	signals = append(signals, m.Observe(bucket0.Add(21*time.Minute), false)...)

	require.Empty(t, signals)
}

func TestBaselineSpikeFiresZScore(t *testing.T) {
	m := NewErrorRateModel(modelConfig())

	// 10 closed buckets around a 10% rate with a little spread so the
	// baseline std-dev clears sigma_min
	var signals []Signal
	for i := 0; i < 10; i++ {
		errors := 2 // 2/25 = 8%
		if i%2 == 1 {
			errors = 3 // 3/25 = 12%
		}
		signals = append(signals, seedBucket(m, bucket0.Add(time.Duration(i)*time.Minute), 25, errors)...)
	}
	require.Empty(t, signals, "no signals while seeding the baseline")

	// spike bucket: 8 errors out of 10
	spikeStart := bucket0.Add(10 * time.Minute)
	signals = seedBucket(m, spikeStart, 10, 8)
	require.Empty(t, signals, "open spike bucket lacks volume for a partial signal")

	// the next observation closes the spike bucket
	signals = m.Observe(spikeStart.Add(time.Minute), false)

	var z *Signal
	for i := range signals {
		if signals[i].Reason == ReasonZScore {
			require.Nil(t, z, "z-score fired more than once for one bucket")
			z = &signals[i]
		}
	}
	require.NotNil(t, z)
	assert.GreaterOrEqual(t, z.Severity, SignalHigh)
	assert.Contains(t, z.Message, "z-score")
	assert.InDelta(t, 0.8, z.Rate, 1e-9)
	assert.False(t, z.Partial)
	assert.Equal(t, spikeStart, z.BucketStart)
}

func TestRateOfChangeFromCold(t *testing.T) {
	cfg := modelConfig()
	// disable the z-score path entirely
	cfg.SigmaMin = 10
	cfg.DeltaMin = 1.0
	m := NewErrorRateModel(cfg)

	// 5 buckets at 10%, too little volume to fire while seeding
	for i := 0; i < 5; i++ {
		require.Empty(t, seedBucket(m, bucket0.Add(time.Duration(i)*time.Minute), 10, 1))
	}

	spikeStart := bucket0.Add(5 * time.Minute)
	seedBucket(m, spikeStart, 10, 8)
	signals := m.Observe(spikeStart.Add(time.Minute), false)

	require.Len(t, signals, 1)
	assert.Equal(t, ReasonRateChange, signals[0].Reason)
	assert.Equal(t, SignalCritical, signals[0].Severity)
	assert.Contains(t, signals[0].Message, "rate")
}

func TestRateOfChangeZeroAverageIsCritical(t *testing.T) {
	cfg := modelConfig()
	cfg.SigmaMin = 10
	cfg.DeltaMin = 1.0
	m := NewErrorRateModel(cfg)

	// 5 clean buckets: recent average is exactly zero
	for i := 0; i < 5; i++ {
		seedBucket(m, bucket0.Add(time.Duration(i)*time.Minute), 30, 0)
	}

	spikeStart := bucket0.Add(5 * time.Minute)
	seedBucket(m, spikeStart, 10, 8)
	signals := m.Observe(spikeStart.Add(time.Minute), false)

	require.Len(t, signals, 1)
	assert.Equal(t, ReasonRateChange, signals[0].Reason)
	assert.Equal(t, SignalCritical, signals[0].Severity)
	assert.Contains(t, signals[0].Message, "zero recent average")
}

func TestPartialSignalsLatchPerBucket(t *testing.T) {
	cfg := modelConfig()
	cfg.Cooldown = 0
	m := NewErrorRateModel(cfg)

	// clean baseline: both rings fill with zero rates
	for i := 0; i < 6; i++ {
		seedBucket(m, bucket0.Add(time.Duration(i)*time.Minute), 30, 0)
	}

	// one very bad open bucket with enough volume for partial signals
	var signals []Signal
	signals = append(signals, seedBucket(m, bucket0.Add(6*time.Minute), 40, 30)...)

	byReason := map[string]int{}
	for _, s := range signals {
		byReason[s.Reason]++
		assert.True(t, s.Partial)
	}
	// each reason fires at most once within a single bucket
	for reason, n := range byReason {
		assert.Equal(t, 1, n, "reason %s fired %d times in one bucket", reason, n)
	}
	require.NotEmpty(t, byReason)
}

func TestCooldownSuppressesRepeatSignals(t *testing.T) {
	cfg := modelConfig()
	cfg.SigmaMin = 10
	cfg.DeltaMin = 1.0
	m := NewErrorRateModel(cfg)

	for i := 0; i < 5; i++ {
		seedBucket(m, bucket0.Add(time.Duration(i)*time.Minute), 10, 1)
	}

	// two consecutive spike buckets; the second closes one minute after
	// the first fired, inside the 2m cooldown
	first := bucket0.Add(5 * time.Minute)
	seedBucket(m, first, 10, 8)
	second := first.Add(time.Minute)
	signals := seedBucket(m, second, 10, 8) // first Observe closes the first bucket
	require.Len(t, signals, 1)

	signals = m.Observe(second.Add(time.Minute), false) // closes the second bucket
	require.Empty(t, signals, "cooldown should suppress the repeat signal")
}

func TestLongGapResetsState(t *testing.T) {
	m := NewErrorRateModel(modelConfig())

	for i := 0; i < 10; i++ {
		seedBucket(m, bucket0.Add(time.Duration(i)*time.Minute), 25, 2)
	}

	// jump far past baseline+recent capacity: state resets, so a spike
	// right after cannot z-score against the stale baseline
	farStart := bucket0.Add(200 * time.Minute)
	seedBucket(m, farStart, 10, 8)
	signals := m.Observe(farStart.Add(time.Minute), false)
	require.Empty(t, signals)

	require.Equal(t, 1, m.baseline.Len(), "only the post-reset bucket is in the baseline")
}

func TestEmptyInterveningBucketsPushZeroRates(t *testing.T) {
	m := NewErrorRateModel(modelConfig())

	seedBucket(m, bucket0, 25, 2)
	// next observation is 4 buckets later; 1 closing + 3 empty buckets
	// roll into the rings
	m.Observe(bucket0.Add(4*time.Minute), false)

	require.Equal(t, 4, m.baseline.Len())
	require.InDelta(t, 0.08/4, m.baseline.Mean(), 1e-9)
}
