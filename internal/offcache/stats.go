package offcache

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// statsCollector counts responses per outcome and keeps a DDSketch of
// response body sizes.
type statsCollector struct {
	mu         sync.Mutex
	outcomes   map[Outcome]uint64
	totalBytes uint64
	sizes      *ddsketch.DDSketch
}

func newStatsCollector() *statsCollector {
	sizes, _ := ddsketch.NewDefaultDDSketch(0.01)
	return &statsCollector{outcomes: map[Outcome]uint64{}, sizes: sizes}
}

func (s *statsCollector) Observe(outcome Outcome, respBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome]++
	n := max(respBytes, 0)
	s.totalBytes += uint64(n)
	_ = s.sizes.Add(float64(n))
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	P50RespBytes   uint64
	P99RespBytes   uint64
	Outcomes       map[Outcome]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := statsSnapshot{Outcomes: make(map[Outcome]uint64, len(s.outcomes))}
	for k, v := range s.outcomes {
		snap.Outcomes[k] = v
	}
	count := s.sizes.GetCount()
	if count == 0 {
		return snap
	}
	snap.TotalResponses = uint64(count)
	snap.TotalRespBytes = s.totalBytes
	snap.AvgRespBytes = snap.TotalRespBytes / snap.TotalResponses
	if v, err := s.sizes.GetMinValue(); err == nil {
		snap.MinRespBytes = uint64(math.Round(v))
	}
	if v, err := s.sizes.GetMaxValue(); err == nil {
		snap.MaxRespBytes = uint64(math.Round(v))
	}
	if v, err := s.sizes.GetValueAtQuantile(0.50); err == nil {
		snap.P50RespBytes = uint64(math.Round(v))
	}
	if v, err := s.sizes.GetValueAtQuantile(0.99); err == nil {
		snap.P99RespBytes = uint64(math.Round(v))
	}
	return snap
}

// formatOutcomes renders "hit=3 miss=1" in a stable order.
func formatOutcomes(m map[Outcome]uint64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[Outcome(k)]))
	}
	return strings.Join(parts, " ")
}

// latencyTracker keeps a DDSketch of durations per operation.
type latencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

func newLatencyTracker(relativeAccuracy float64) *latencyTracker {
	return &latencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

func (lt *latencyTracker) Record(operation string, d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		if err != nil {
			return
		}
		lt.sketches[operation] = sketch
	}
	// milliseconds
	_ = sketch.Add(float64(d.Microseconds()) / 1000.0)
}

type latencyStats struct {
	Operation string
	Count     int64
	P50       float64
	P99       float64
	Max       float64
}

func (s latencyStats) String() string {
	return fmt.Sprintf("%s n=%d p50=%.2fms p99=%.2fms max=%.2fms", s.Operation, s.Count, s.P50, s.P99, s.Max)
}

// Snapshot returns stats for every operation, sorted by name.
func (lt *latencyTracker) Snapshot() []latencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	out := make([]latencyStats, 0, len(lt.sketches))
	for op, sketch := range lt.sketches {
		st := latencyStats{Operation: op, Count: int64(sketch.GetCount())}
		if st.Count > 0 {
			st.P50, _ = sketch.GetValueAtQuantile(0.50)
			st.P99, _ = sketch.GetValueAtQuantile(0.99)
			st.Max, _ = sketch.GetMaxValue()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}
