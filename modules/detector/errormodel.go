package detector

import (
	"fmt"
	"time"

	"github.com/lumenobs/lumen/pkg/ringbuf"
)

// Signal reasons. Each reason latches independently per bucket and keeps
// its own cooldown stamp.
const (
	ReasonZScore     = "z-score"
	ReasonRateChange = "rate-change"
)

// Signal is one anomaly indication raised by the error-rate model.
type Signal struct {
	Reason      string
	Severity    SignalSeverity
	Message     string
	Rate        float64
	BucketStart time.Time
	Partial     bool
}

// SignalSeverity mirrors alert severities without importing the alert
// model into the statistics layer.
type SignalSeverity int

const (
	SignalMedium SignalSeverity = iota + 2
	SignalHigh
	SignalCritical
)

// ErrorRateModel tracks one service's bucketed error ratio against a
// rolling baseline and a short recent window. Not safe for concurrent
// use; the detector serializes access per service.
type ErrorRateModel struct {
	cfg Config

	bucketStart time.Time
	errorCount  int64
	totalCount  int64

	baseline *ringbuf.Ring
	recent   *ringbuf.Ring

	lastFire map[string]time.Time
	latched  map[string]bool
}

func NewErrorRateModel(cfg Config) *ErrorRateModel {
	return &ErrorRateModel{
		cfg:      cfg,
		baseline: ringbuf.New(cfg.BaselineBuckets),
		recent:   ringbuf.New(cfg.RecentBuckets),
		lastFire: make(map[string]time.Time),
		latched:  make(map[string]bool),
	}
}

// Observe feeds one log into the model. Bucket boundaries crossed since
// the last observation are closed out first: each closing bucket is
// evaluated once as final and its rate pushed into both rings. A gap
// wider than the two windows combined resets all state.
func (m *ErrorRateModel) Observe(ts time.Time, isError bool) []Signal {
	b := m.cfg.BucketDuration
	aligned := ts.Truncate(b)

	if m.bucketStart.IsZero() {
		m.bucketStart = aligned
	}

	var signals []Signal

	if aligned.After(m.bucketStart) {
		gap := int(aligned.Sub(m.bucketStart) / b)
		if gap > m.cfg.BaselineBuckets+m.cfg.RecentBuckets {
			m.reset(aligned)
		} else {
			for m.bucketStart.Before(aligned) {
				signals = append(signals, m.closeBucket(ts)...)
			}
		}
	}

	m.totalCount++
	if isError {
		m.errorCount++
	}

	rate := float64(m.errorCount) / float64(m.totalCount)
	signals = append(signals, m.evaluate(rate, false, ts)...)
	return signals
}

// closeBucket finalizes the open bucket: evaluates it once as closed,
// pushes its rate into the rings, and opens the next bucket.
func (m *ErrorRateModel) closeBucket(now time.Time) []Signal {
	var rate float64
	if m.totalCount > 0 {
		rate = float64(m.errorCount) / float64(m.totalCount)
	}

	signals := m.evaluate(rate, true, now)

	m.baseline.Push(rate)
	m.recent.Push(rate)
	m.bucketStart = m.bucketStart.Add(m.cfg.BucketDuration)
	m.errorCount = 0
	m.totalCount = 0
	for reason := range m.latched {
		delete(m.latched, reason)
	}
	return signals
}

func (m *ErrorRateModel) reset(bucketStart time.Time) {
	m.baseline.Reset()
	m.recent.Reset()
	m.bucketStart = bucketStart
	m.errorCount = 0
	m.totalCount = 0
	for reason := range m.latched {
		delete(m.latched, reason)
	}
}

// evaluate runs both signal rules against the bucket's current rate.
// closed marks an evaluation happening as the bucket is finalized; the
// error-count floor only applies then, since a partial bucket with few
// errors may still be early in its window.
func (m *ErrorRateModel) evaluate(rate float64, closed bool, now time.Time) []Signal {
	enoughVolume := m.totalCount >= m.cfg.MinTotal ||
		(closed && m.errorCount >= m.cfg.MinErrorCount)
	if !enoughVolume || rate < m.cfg.MinErrorRate {
		return nil
	}

	var signals []Signal
	if s, ok := m.zScoreSignal(rate, closed, now); ok {
		signals = append(signals, s)
	}
	if s, ok := m.rateChangeSignal(rate, closed, now); ok {
		signals = append(signals, s)
	}
	return signals
}

func (m *ErrorRateModel) armed(reason string, now time.Time) bool {
	if m.latched[reason] {
		return false
	}
	if last, ok := m.lastFire[reason]; ok && now.Sub(last) < m.cfg.Cooldown {
		return false
	}
	return true
}

func (m *ErrorRateModel) fire(s Signal, now time.Time) Signal {
	m.latched[s.Reason] = true
	m.lastFire[s.Reason] = now
	s.BucketStart = m.bucketStart
	return s
}

func (m *ErrorRateModel) zScoreSignal(rate float64, closed bool, now time.Time) (Signal, bool) {
	if !m.armed(ReasonZScore, now) {
		return Signal{}, false
	}
	if m.baseline.Len() < m.cfg.MinBaselineFill {
		return Signal{}, false
	}

	mean := m.baseline.Mean()
	sigma := m.baseline.StdDev()
	delta := rate - mean
	if delta <= 0 {
		return Signal{}, false
	}

	if sigma >= m.cfg.SigmaMin {
		z := delta / sigma
		if z < m.cfg.ZScoreThreshold {
			return Signal{}, false
		}
		var sev SignalSeverity
		switch {
		case z >= 6:
			sev = SignalCritical
		case z >= 4:
			sev = SignalHigh
		default:
			sev = SignalMedium
		}
		return m.fire(Signal{
			Reason:   ReasonZScore,
			Severity: sev,
			Rate:     rate,
			Partial:  !closed,
			Message: fmt.Sprintf("error rate %.1f%% is %.1f%% above baseline (z-score=%.1f)",
				rate*100, delta*100, z),
		}, now), true
	}

	// Baseline too flat for a meaningful z-score: fall back to the
	// absolute lift over the mean.
	if delta < m.cfg.DeltaMin {
		return Signal{}, false
	}
	var sev SignalSeverity
	switch {
	case delta >= 0.15:
		sev = SignalCritical
	case delta >= 0.07:
		sev = SignalHigh
	default:
		sev = SignalMedium
	}
	return m.fire(Signal{
		Reason:   ReasonZScore,
		Severity: sev,
		Rate:     rate,
		Partial:  !closed,
		Message: fmt.Sprintf("error rate %.1f%% exceeds flat baseline %.1f%% by %.1f points",
			rate*100, mean*100, delta*100),
	}, now), true
}

func (m *ErrorRateModel) rateChangeSignal(rate float64, closed bool, now time.Time) (Signal, bool) {
	if !m.armed(ReasonRateChange, now) {
		return Signal{}, false
	}
	if !m.recent.Full() {
		return Signal{}, false
	}

	avg := m.recent.Mean()
	if avg == 0 {
		// Any qualifying rate against a zero recent average is an
		// unbounded relative jump.
		return m.fire(Signal{
			Reason:   ReasonRateChange,
			Severity: SignalCritical,
			Rate:     rate,
			Partial:  !closed,
			Message:  fmt.Sprintf("error rate jumped to %.1f%% from a zero recent average", rate*100),
		}, now), true
	}

	ratio := rate/avg - 1
	if ratio < m.cfg.RateChangeThreshold {
		return Signal{}, false
	}
	var sev SignalSeverity
	switch {
	case ratio >= 2.0:
		sev = SignalCritical
	case ratio >= 1.0:
		sev = SignalHigh
	default:
		sev = SignalMedium
	}
	return m.fire(Signal{
		Reason:   ReasonRateChange,
		Severity: sev,
		Rate:     rate,
		Partial:  !closed,
		Message: fmt.Sprintf("error rate %.1f%% is %.0f%% above the recent average %.1f%%",
			rate*100, ratio*100, avg*100),
	}, now), true
}
