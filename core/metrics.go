package core

import "sync/atomic"

// MetricID names a lifecycle counter.
type MetricID uint8

const (
	MetricTokenCreated MetricID = iota
	MetricTokenClaimed
	MetricTokenConsumed
	MetricTokenCancelled
	MetricTokenExpired
	MetricClaimRaceLost
	MetricSecretCollision
	MetricRateLimited
	MetricStorageFailure
	MetricTokensCleaned
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricTokenCreated:    "token_created",
	MetricTokenClaimed:    "token_claimed",
	MetricTokenConsumed:   "token_consumed",
	MetricTokenCancelled:  "token_cancelled",
	MetricTokenExpired:    "token_expired",
	MetricClaimRaceLost:   "claim_race_lost",
	MetricSecretCollision: "secret_collision",
	MetricRateLimited:     "rate_limited",
	MetricStorageFailure:  "storage_failure",
	MetricTokensCleaned:   "tokens_cleaned",
}

func (id MetricID) String() string {
	if id < metricIDCount {
		return metricNames[id]
	}
	return "unknown"
}

// Metrics is a fixed set of lock-free counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	counters [metricIDCount]atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Inc(id MetricID) { m.Add(id, 1) }

func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || id >= metricIDCount {
		return
	}
	m.counters[id].Add(n)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot returns every counter keyed by name.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, int(metricIDCount))
	for id := MetricID(0); id < metricIDCount; id++ {
		out[id.String()] = m.Value(id)
	}
	return out
}
