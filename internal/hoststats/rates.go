package hoststats

import (
	"math"
	"sync"
	"time"
)

// rateSampler turns monotonically increasing counter pairs into per-second
// rates by remembering the previous sample per key.
type rateSampler struct {
	mu   sync.Mutex
	prev map[string]counterSample
}

type counterSample struct {
	at   time.Time
	a, b uint64
}

func newRateSampler() *rateSampler {
	return &rateSampler{prev: make(map[string]counterSample)}
}

// rate returns the per-second change of a and b since the last sample for
// key. The first sample, a counter reset or a zero interval yield zero.
func (s *rateSampler) rate(key string, at time.Time, a, b uint64) (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.prev[key]
	s.prev[key] = counterSample{at: at, a: a, b: b}
	if !ok {
		return 0, 0
	}
	secs := at.Sub(last.at).Seconds()
	if secs <= 0 {
		return 0, 0
	}
	return delta(last.a, a, secs), delta(last.b, b, secs)
}

func delta(prev, cur uint64, secs float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / secs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
