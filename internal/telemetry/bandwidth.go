// Package telemetry accumulates per-request bandwidth descriptors, the
// gateway event log and the Prometheus collectors behind the admin surface.
package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"
)

const ringSize = 200

// RequestSample is one completed gateway request.
type RequestSample struct {
	At       time.Time     `json:"ts"`
	Duration time.Duration `json:"-"`
	BytesIn  int64         `json:"bytesIn"`
	BytesOut int64         `json:"bytesOut"`
	Status   int           `json:"status"`
}

// Bandwidth keeps the last ringSize request samples plus cumulative totals
// and a live concurrency gauge.
type Bandwidth struct {
	mu      sync.Mutex
	samples [ringSize]RequestSample
	next    int
	filled  bool

	totalRequests int64
	totalErrors   int64
	totalBytesIn  int64
	totalBytesOut int64
	concurrent    int
}

// NewBandwidth creates an empty tracker.
func NewBandwidth() *Bandwidth {
	return &Bandwidth{}
}

// Begin marks a request in flight. Pair with End.
func (b *Bandwidth) Begin() {
	b.mu.Lock()
	b.concurrent++
	b.mu.Unlock()
}

// End records a completed request and releases its concurrency slot.
func (b *Bandwidth) End(s RequestSample) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.concurrent > 0 {
		b.concurrent--
	}
	b.samples[b.next] = s
	b.next++
	if b.next == ringSize {
		b.next = 0
		b.filled = true
	}
	b.totalRequests++
	b.totalBytesIn += s.BytesIn
	b.totalBytesOut += s.BytesOut
	if s.Status >= 400 {
		b.totalErrors++
	}
}

// Concurrent reports requests currently in flight.
func (b *Bandwidth) Concurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.concurrent
}

// Report is the derived view over the last 60 seconds.
type Report struct {
	WindowSeconds   int     `json:"windowSeconds"`
	Requests        int     `json:"requests"`
	RequestsPerMin  float64 `json:"requestsPerMinute"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	MaxLatencyMs    float64 `json:"maxLatencyMs"`
	P95LatencyMs    float64 `json:"p95LatencyMs"`
	BytesInPerSec   float64 `json:"bytesInPerSec"`
	BytesOutPerSec  float64 `json:"bytesOutPerSec"`
	ErrorRate       float64 `json:"errorRatePercent"`
	Concurrent      int     `json:"concurrent"`
	SmoothnessScore int     `json:"smoothnessScore"`
	SmoothnessLabel string  `json:"smoothness"`

	TotalRequests int64 `json:"totalRequests"`
	TotalErrors   int64 `json:"totalErrors"`
	TotalBytesIn  int64 `json:"totalBytesIn"`
	TotalBytesOut int64 `json:"totalBytesOut"`
}

// Snapshot computes the rolling metrics from the samples inside the last
// 60 seconds before now.
func (b *Bandwidth) Snapshot(now time.Time) Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-60 * time.Second)
	n := b.next
	if b.filled {
		n = ringSize
	}
	var window []RequestSample
	for i := 0; i < n; i++ {
		if s := b.samples[i]; s.At.After(cutoff) {
			window = append(window, s)
		}
	}

	rep := Report{
		WindowSeconds: 60,
		Requests:      len(window),
		Concurrent:    b.concurrent,
		TotalRequests: b.totalRequests,
		TotalErrors:   b.totalErrors,
		TotalBytesIn:  b.totalBytesIn,
		TotalBytesOut: b.totalBytesOut,
	}

	if len(window) > 0 {
		var sumMs, maxMs float64
		var bytesIn, bytesOut int64
		errs := 0
		lat := make([]float64, 0, len(window))
		for _, s := range window {
			ms := float64(s.Duration) / float64(time.Millisecond)
			lat = append(lat, ms)
			sumMs += ms
			if ms > maxMs {
				maxMs = ms
			}
			bytesIn += s.BytesIn
			bytesOut += s.BytesOut
			if s.Status >= 400 {
				errs++
			}
		}
		sort.Float64s(lat)
		rep.RequestsPerMin = float64(len(window))
		rep.AvgLatencyMs = sumMs / float64(len(window))
		rep.MaxLatencyMs = maxMs
		rep.P95LatencyMs = percentile(lat, 95)
		rep.BytesInPerSec = float64(bytesIn) / 60
		rep.BytesOutPerSec = float64(bytesOut) / 60
		rep.ErrorRate = float64(errs) / float64(len(window)) * 100
	}

	rep.SmoothnessScore = smoothness(rep.AvgLatencyMs, rep.ErrorRate, b.concurrent)
	rep.SmoothnessLabel = smoothnessLabel(rep.SmoothnessScore)
	return rep
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// smoothness is the composite 0-100 health indicator:
// 0.4*latency + 0.3*errors + 0.3*concurrency, each sub-score clamped.
func smoothness(avgLatencyMs, errorRate float64, concurrent int) int {
	latencyScore := clamp(100 - avgLatencyMs/5000*100)
	errorScore := clamp(100 - errorRate*5)
	concurrencyScore := clamp(100 - float64(concurrent)/50*100)
	return int(math.Round(clamp(0.4*latencyScore + 0.3*errorScore + 0.3*concurrencyScore)))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func smoothnessLabel(score int) string {
	switch {
	case score >= 70:
		return "smooth"
	case score >= 40:
		return "moderate"
	default:
		return "congested"
	}
}
