// Package metrics collects engine-wide load statistics.
package metrics

import (
	"sync"
	"time"
)

// Cache tiers tracked by Metrics.
const (
	TierMemory   = "memory"
	TierResult   = "result"
	TierDownload = "download"
)

// Latency kinds tracked by Metrics.
const (
	LatencyExecute = "execute"
	LatencyFetch   = "fetch"
	LatencyDecode  = "decode"
)

// maxLatencySamples bounds each latency window; on overflow the older half is
// dropped.
const maxLatencySamples = 10000

type tierCounters struct {
	hits   int64
	misses int64
}

// Metrics records what the engine did: requests served per tier, work done on
// misses, and how long it took.
type Metrics struct {
	mu sync.RWMutex

	requests  int64
	successes int64
	failures  int64
	coalesced int64

	tiers map[string]*tierCounters

	fetches      int64
	bytesFetched int64
	decodes      int64
	downsamples  int64

	errorsByCode map[string]int64

	latencies map[string][]time.Duration

	startTime     time.Time
	lastErrorTime time.Time
}

// New creates an empty Metrics.
func New() *Metrics {
	m := &Metrics{}
	m.reset(time.Now())
	return m
}

func (m *Metrics) reset(now time.Time) {
	m.requests, m.successes, m.failures, m.coalesced = 0, 0, 0, 0
	m.fetches, m.bytesFetched, m.decodes, m.downsamples = 0, 0, 0, 0
	m.tiers = map[string]*tierCounters{
		TierMemory:   {},
		TierResult:   {},
		TierDownload: {},
	}
	m.errorsByCode = make(map[string]int64)
	m.latencies = map[string][]time.Duration{
		LatencyExecute: make([]time.Duration, 0, 1000),
		LatencyFetch:   make([]time.Duration, 0, 1000),
		LatencyDecode:  make([]time.Duration, 0, 1000),
	}
	m.startTime = now
	m.lastErrorTime = time.Time{}
}

// RecordRequest records the outcome of one Execute call. shared reports that
// the call joined an execution started by another caller.
func (m *Metrics) RecordRequest(shared bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	if shared {
		m.coalesced++
	}
	if err != nil {
		m.failures++
		return
	}
	m.successes++
}

// RecordHit records a cache hit on tier.
func (m *Metrics) RecordHit(tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tier(tier).hits++
}

// RecordMiss records a cache miss on tier.
func (m *Metrics) RecordMiss(tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tier(tier).misses++
}

func (m *Metrics) tier(name string) *tierCounters {
	t, ok := m.tiers[name]
	if !ok {
		t = &tierCounters{}
		m.tiers[name] = t
	}
	return t
}

// RecordFetch records a completed fetch of n bytes. n is negative when the
// size is unknown.
func (m *Metrics) RecordFetch(n int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++
	if n > 0 {
		m.bytesFetched += n
	}
	m.addLatency(LatencyFetch, duration)
}

// RecordDecode records a completed decode.
func (m *Metrics) RecordDecode(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decodes++
	m.addLatency(LatencyDecode, duration)
}

// RecordDownsample records a decode retried at a smaller size.
func (m *Metrics) RecordDownsample() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downsamples++
}

// RecordError records a failed request by error code.
func (m *Metrics) RecordError(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errorsByCode[code]++
	m.lastErrorTime = time.Now()
}

// RecordLatency records the duration of a whole request.
func (m *Metrics) RecordLatency(kind string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLatency(kind, duration)
}

func (m *Metrics) addLatency(kind string, d time.Duration) {
	samples := append(m.latencies[kind], d)
	if len(samples) > maxLatencySamples {
		samples = samples[len(samples)-maxLatencySamples/2:]
	}
	m.latencies[kind] = samples
}

// TierSnapshot is the hit/miss view of one cache tier.
type TierSnapshot struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Snapshot is a point-in-time view of the metrics.
type Snapshot struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Coalesced int64 `json:"coalesced"`

	Tiers map[string]TierSnapshot `json:"tiers"`

	Fetches      int64 `json:"fetches"`
	BytesFetched int64 `json:"bytes_fetched"`
	Decodes      int64 `json:"decodes"`
	Downsamples  int64 `json:"downsamples"`

	ErrorsByCode map[string]int64 `json:"errors_by_code"`

	AverageExecuteLatency time.Duration `json:"avg_execute_latency_ns"`
	AverageFetchLatency   time.Duration `json:"avg_fetch_latency_ns"`
	AverageDecodeLatency  time.Duration `json:"avg_decode_latency_ns"`

	Uptime             time.Duration `json:"uptime"`
	TimeSinceLastError time.Duration `json:"time_since_last_error"`
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tiers := make(map[string]TierSnapshot, len(m.tiers))
	for name, t := range m.tiers {
		var rate float64
		if total := t.hits + t.misses; total > 0 {
			rate = float64(t.hits) / float64(total)
		}
		tiers[name] = TierSnapshot{Hits: t.hits, Misses: t.misses, HitRate: rate}
	}
	errs := make(map[string]int64, len(m.errorsByCode))
	for code, n := range m.errorsByCode {
		errs[code] = n
	}
	var sinceError time.Duration
	if !m.lastErrorTime.IsZero() {
		sinceError = time.Since(m.lastErrorTime)
	}

	return Snapshot{
		Requests:  m.requests,
		Successes: m.successes,
		Failures:  m.failures,
		Coalesced: m.coalesced,

		Tiers: tiers,

		Fetches:      m.fetches,
		BytesFetched: m.bytesFetched,
		Decodes:      m.decodes,
		Downsamples:  m.downsamples,

		ErrorsByCode: errs,

		AverageExecuteLatency: average(m.latencies[LatencyExecute]),
		AverageFetchLatency:   average(m.latencies[LatencyFetch]),
		AverageDecodeLatency:  average(m.latencies[LatencyDecode]),

		Uptime:             time.Since(m.startTime),
		TimeSinceLastError: sinceError,
	}
}

func average(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples))
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset(time.Now())
}
