package p2p

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// BandwidthMeter accumulates bytes served and time spent per peer during a
// download.
type BandwidthMeter struct {
	mu      sync.Mutex
	samples map[string]*bandwidthSample
}

type bandwidthSample struct {
	bytes   int64
	elapsed time.Duration
	count   int
}

func NewBandwidthMeter() *BandwidthMeter {
	return &BandwidthMeter{samples: make(map[string]*bandwidthSample)}
}

// Record adds one served block to peer's totals.
func (m *BandwidthMeter) Record(peer string, bytes int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.samples[peer]
	if !ok {
		s = &bandwidthSample{}
		m.samples[peer] = s
	}
	s.bytes += bytes
	s.elapsed += elapsed
	s.count++
}

// Rate returns peer's throughput in bytes per second.
func (m *BandwidthMeter) Rate(peer string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.samples[peer]
	if !ok {
		return 0
	}
	return s.rate()
}

func (s *bandwidthSample) rate() float64 {
	secs := s.elapsed.Seconds()
	if secs <= 0 {
		secs = 1e-3
	}
	return float64(s.bytes) / secs
}

// Slow returns the peers, among those with at least minSamples served
// blocks, whose throughput is below ratio times the median throughput.
// Nothing is reported until at least three peers have enough samples.
func (m *BandwidthMeter) Slow(ratio float64, minSamples int) []string {
	if ratio <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := make([]string, 0, len(m.samples))
	rates := make([]float64, 0, len(m.samples))
	for peer, s := range m.samples {
		if s.count < minSamples {
			continue
		}
		peers = append(peers, peer)
		rates = append(rates, s.rate())
	}
	if len(rates) < 3 {
		return nil
	}
	sorted := append([]float64(nil), rates...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	var slow []string
	for i, r := range rates {
		if r < ratio*median {
			slow = append(slow, peers[i])
		}
	}
	sort.Strings(slow)
	return slow
}

// Forget drops peer's samples.
func (m *BandwidthMeter) Forget(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.samples, peer)
}
