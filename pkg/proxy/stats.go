package proxy

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const statsBucketSize = 5 * time.Minute
const statsRetention = 24 * time.Hour

// StreamOutcome describes one finished relay. Nothing identifying the caller
// or the conversation is recorded.
type StreamOutcome struct {
	Timestamp    time.Time
	Provider     string
	Model        string
	Mode         string
	Transport    string
	Chunks       int
	Failed       bool
	Abandoned    bool
	FirstChunkMS int64
	LatencyMS    int64
}

type StatsBucket struct {
	StartAt         time.Time `json:"start_at"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	Requests        int       `json:"requests"`
	Failures        int       `json:"failures"`
	Abandoned       int       `json:"abandoned"`
	Chunks          int       `json:"chunks"`
	LatencyMSSum    int64     `json:"latency_ms_sum"`
	FirstChunkMSSum int64     `json:"first_chunk_ms_sum"`
}

type StatsSummary struct {
	PeriodSeconds        int64          `json:"period_seconds"`
	Requests             int            `json:"requests"`
	Failures             int            `json:"failures"`
	Abandoned            int            `json:"abandoned"`
	Chunks               int            `json:"chunks"`
	AvgLatencyMS         float64        `json:"avg_latency_ms"`
	AvgFirstChunkMS      float64        `json:"avg_first_chunk_ms"`
	RequestsPerProvider  map[string]int `json:"requests_per_provider"`
	RequestsPerModel     map[string]int `json:"requests_per_model"`
	RequestsPerMode      map[string]int `json:"requests_per_mode"`
	RequestsPerTransport map[string]int `json:"requests_per_transport"`
	Buckets              []StatsBucket  `json:"buckets,omitempty"`
}

// StatsStore aggregates stream outcomes into 5 minute buckets in memory.
type StatsStore struct {
	mu         sync.RWMutex
	buckets    map[string]*StatsBucket
	modes      map[string]map[string]int
	transports map[string]map[string]int
	maxKeep    int
}

func NewStatsStore(maxKeep int) *StatsStore {
	if maxKeep <= 0 {
		maxKeep = 10000
	}
	return &StatsStore{
		buckets:    map[string]*StatsBucket{},
		modes:      map[string]map[string]int{},
		transports: map[string]map[string]int{},
		maxKeep:    maxKeep,
	}
}

func (s *StatsStore) Add(evt StreamOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	start := ts.UTC().Truncate(statsBucketSize)
	providerName := strings.ToLower(strings.TrimSpace(evt.Provider))
	model := strings.TrimSpace(evt.Model)
	key := bucketKey(start, providerName, model)
	b, ok := s.buckets[key]
	if !ok {
		b = &StatsBucket{StartAt: start, Provider: providerName, Model: model}
		s.buckets[key] = b
	}
	b.Requests++
	if evt.Failed {
		b.Failures++
	}
	if evt.Abandoned {
		b.Abandoned++
	}
	b.Chunks += evt.Chunks
	b.LatencyMSSum += evt.LatencyMS
	b.FirstChunkMSSum += evt.FirstChunkMS
	countInto(s.modes, key, evt.Mode)
	countInto(s.transports, key, evt.Transport)
	s.pruneLocked()
}

func countInto(m map[string]map[string]int, key, label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	inner, ok := m[key]
	if !ok {
		inner = map[string]int{}
		m[key] = inner
	}
	inner[label]++
}

func (s *StatsStore) Summary(period time.Duration) StatsSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-period)
	summary := StatsSummary{
		PeriodSeconds:        int64(period.Seconds()),
		RequestsPerProvider:  map[string]int{},
		RequestsPerModel:     map[string]int{},
		RequestsPerMode:      map[string]int{},
		RequestsPerTransport: map[string]int{},
	}
	var (
		latencySum    int64
		firstChunkSum int64
	)
	for key, b := range s.buckets {
		if b.StartAt.Add(statsBucketSize).Before(cutoff) {
			continue
		}
		summary.Requests += b.Requests
		summary.Failures += b.Failures
		summary.Abandoned += b.Abandoned
		summary.Chunks += b.Chunks
		latencySum += b.LatencyMSSum
		firstChunkSum += b.FirstChunkMSSum
		summary.RequestsPerProvider[b.Provider] += b.Requests
		if b.Model != "" {
			summary.RequestsPerModel[b.Model] += b.Requests
		}
		for mode, n := range s.modes[key] {
			summary.RequestsPerMode[mode] += n
		}
		for transport, n := range s.transports[key] {
			summary.RequestsPerTransport[transport] += n
		}
		summary.Buckets = append(summary.Buckets, *b)
	}
	sort.Slice(summary.Buckets, func(i, j int) bool {
		a, b := summary.Buckets[i], summary.Buckets[j]
		if !a.StartAt.Equal(b.StartAt) {
			return a.StartAt.Before(b.StartAt)
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Model < b.Model
	})
	if summary.Requests > 0 {
		summary.AvgLatencyMS = float64(latencySum) / float64(summary.Requests)
		summary.AvgFirstChunkMS = float64(firstChunkSum) / float64(summary.Requests)
	}
	return summary
}

func bucketKey(start time.Time, providerName, model string) string {
	return start.Format(time.RFC3339) + "|" + providerName + "|" + model
}

func (s *StatsStore) pruneLocked() {
	if len(s.buckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-statsRetention)
	for k, b := range s.buckets {
		if b.StartAt.Before(cutoff) {
			s.dropLocked(k)
		}
	}
	if len(s.buckets) <= s.maxKeep {
		return
	}
	type kv struct {
		key string
		at  time.Time
	}
	items := make([]kv, 0, len(s.buckets))
	for k, b := range s.buckets {
		items = append(items, kv{key: k, at: b.StartAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].at.Before(items[j].at) })
	drop := len(items) - s.maxKeep
	for i := 0; i < drop; i++ {
		s.dropLocked(items[i].key)
	}
}

func (s *StatsStore) dropLocked(key string) {
	delete(s.buckets, key)
	delete(s.modes, key)
	delete(s.transports, key)
}
