package proxy

import (
	"testing"
	"time"
)

func TestStatsStoreAggregatesInto5MinuteBuckets(t *testing.T) {
	s := NewStatsStore(100)
	base := time.Now().UTC().Truncate(statsBucketSize).Add(10 * time.Second)
	s.Add(StreamOutcome{
		Timestamp:    base,
		Provider:     "OpenAI",
		Model:        "gpt-x",
		Mode:         modePassword,
		Transport:    transportSSE,
		Chunks:       4,
		FirstChunkMS: 100,
		LatencyMS:    500,
	})
	s.Add(StreamOutcome{
		Timestamp:    base.Add(2 * time.Minute),
		Provider:     "openai",
		Model:        "gpt-x",
		Mode:         modeBYOK,
		Transport:    transportWebSocket,
		Chunks:       2,
		Failed:       true,
		FirstChunkMS: 300,
		LatencyMS:    250,
	})

	summary := s.Summary(time.Hour)
	if summary.Requests != 2 || summary.Failures != 1 || summary.Chunks != 6 {
		t.Fatalf("unexpected totals: %+v", summary)
	}
	if len(summary.Buckets) != 1 {
		t.Fatalf("expected one bucket, got %d", len(summary.Buckets))
	}
	if got := summary.RequestsPerProvider["openai"]; got != 2 {
		t.Fatalf("expected provider count 2, got %d", got)
	}
	if summary.RequestsPerMode[modePassword] != 1 || summary.RequestsPerMode[modeBYOK] != 1 {
		t.Fatalf("unexpected mode counts: %+v", summary.RequestsPerMode)
	}
	if summary.RequestsPerTransport[transportWebSocket] != 1 {
		t.Fatalf("unexpected transport counts: %+v", summary.RequestsPerTransport)
	}
	if summary.AvgLatencyMS != 375 || summary.AvgFirstChunkMS != 200 {
		t.Fatalf("unexpected averages: latency=%v first=%v", summary.AvgLatencyMS, summary.AvgFirstChunkMS)
	}
}

func TestStatsStorePrunesOldAndExcessBuckets(t *testing.T) {
	s := NewStatsStore(2)
	now := time.Now()
	s.Add(StreamOutcome{Timestamp: now.Add(-48 * time.Hour), Provider: "old"})
	for i := 0; i < 3; i++ {
		s.Add(StreamOutcome{Timestamp: now.Add(time.Duration(-i) * statsBucketSize), Provider: "p"})
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.buckets) != 2 {
		t.Fatalf("expected 2 buckets after pruning, got %d", len(s.buckets))
	}
	for _, b := range s.buckets {
		if b.Provider == "old" {
			t.Fatal("expected expired bucket to be pruned")
		}
	}
}
