package hoaauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts completed password logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected credential checks.
	MetricLoginFailure
	// MetricLoginLockout counts attempts rejected while locked plus lock transitions.
	MetricLoginLockout
	// MetricRefreshSuccess counts completed rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts rejected rotations other than reuse.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts chain burns triggered by token reuse.
	MetricRefreshReuseDetected
	// MetricValidateSuccess counts access tokens that validated cleanly.
	MetricValidateSuccess
	// MetricValidateRejected counts access tokens rejected for any reason.
	MetricValidateRejected
	// MetricAuthorizeDenied counts policy denials on validated tokens.
	MetricAuthorizeDenied
	// MetricMfaChallengeIssued counts issued second-factor challenges.
	MetricMfaChallengeIssued
	// MetricMfaSuccess counts verified challenges.
	MetricMfaSuccess
	// MetricMfaFailure counts wrong codes with attempts remaining.
	MetricMfaFailure
	// MetricMfaExhausted counts challenges that ran out of attempts.
	MetricMfaExhausted
	// MetricExternalLoginSuccess counts completed federated logins.
	MetricExternalLoginSuccess
	// MetricExternalLinkCreated counts first-seen external identities linked.
	MetricExternalLinkCreated
	// MetricExternalLinkConflict counts email-collision conflicts.
	MetricExternalLinkConflict
	// MetricLogout counts single-device logouts.
	MetricLogout
	// MetricLogoutAll counts logout-all epoch bumps.
	MetricLogoutAll
	// MetricEpochBump counts all epoch bumps, whatever the trigger.
	MetricEpochBump
	// MetricChainRevoked counts refresh chains revoked outside of reuse detection.
	MetricChainRevoked
	// MetricKeySigningUnavailable counts issuance failures due to the keyring.
	MetricKeySigningUnavailable
	// MetricValidateLatency is the validate-path latency histogram.
	MetricValidateLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is the engine's lock-free counter set. All methods are safe from
// unbounded concurrency; a nil receiver is a no-op.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter and histogram.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to the counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a validate-path latency sample.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || id != MetricValidateLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter; histograms are included when latency
// sampling is enabled.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
		}
		s.Histograms[MetricValidateLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
