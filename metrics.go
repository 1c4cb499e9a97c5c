package authcore

import "sync/atomic"

// MetricID identifies one engine counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts successful authentications.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected credential attempts.
	MetricLoginFailure
	// MetricLoginRateLimited counts logins refused by the limiter.
	MetricLoginRateLimited
	// MetricValidateSuccess counts accepted bearer validations.
	MetricValidateSuccess
	// MetricValidateFailure counts rejected bearer validations.
	MetricValidateFailure
	// MetricBindingMismatch counts token or session binding failures.
	MetricBindingMismatch
	// MetricSessionCreated counts new sessions.
	MetricSessionCreated
	// MetricSessionEvicted counts sessions revoked by the per-principal cap.
	MetricSessionEvicted
	// MetricSessionRevoked counts all other session revocations.
	MetricSessionRevoked
	// MetricLogout counts single-session logouts.
	MetricLogout
	// MetricLogoutAll counts all-session logouts.
	MetricLogoutAll
	// MetricAnomalyDetected counts anomaly revocations.
	MetricAnomalyDetected
	// MetricRateLimitHit counts exhausted window budgets across policies.
	MetricRateLimitHit
	// MetricTempBlock counts temporary escalation blocks.
	MetricTempBlock
	// MetricPermBlock counts permanent escalation blocks.
	MetricPermBlock
	// MetricPasswordChangeSuccess counts completed password changes.
	MetricPasswordChangeSuccess
	// MetricPasswordResetRequest counts reset requests (including the
	// enumeration-safe misses).
	MetricPasswordResetRequest
	// MetricPasswordResetRedeemed counts successful reset redemptions.
	MetricPasswordResetRedeemed
	// MetricPasswordResetRejected counts failed reset redemptions.
	MetricPasswordResetRejected
	// MetricEmailVerificationRequest counts verification requests.
	MetricEmailVerificationRequest
	// MetricEmailVerified counts successful verifications.
	MetricEmailVerified
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds in-process atomic counters. A nil or disabled Metrics
// accepts writes and reads as zero, so call sites never branch.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// NewMetrics allocates counters per cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Enabled reports whether counters are being recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to a counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter at once.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}

	s := MetricsSnapshot{Counters: make(map[MetricID]uint64, int(metricIDCount))}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return s
}
