// Package detector computes cross-network arbitrage opportunities from the
// latest price observations.
package detector

import (
	"math"
	"sync"

	"github.com/arbfeed/arbfeed/internal/domain"
)

// defaultHistorySize is how many price ticks per pair the volatility window
// retains when no size is configured.
const defaultHistorySize = 100

// History maintains a bounded window of recent prices per pair and exposes
// the volatility statistic the detector's confidence score relies on. It is
// safe for concurrent use: the price loop records while the arbitrage loop
// reads.
type History struct {
	mu    sync.RWMutex
	size  int
	ticks map[domain.Pair][]float64
}

// NewHistory creates a History retaining up to size ticks per pair.
func NewHistory(size int) *History {
	if size < 2 {
		size = defaultHistorySize
	}
	return &History{
		size:  size,
		ticks: make(map[domain.Pair][]float64),
	}
}

// Record appends a price tick for the given pair, discarding the oldest tick
// once the window is full.
func (h *History) Record(pair domain.Pair, price float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ticks := append(h.ticks[pair], price)
	if len(ticks) > h.size {
		ticks = ticks[len(ticks)-h.size:]
	}
	h.ticks[pair] = ticks
}

// Len returns the number of retained ticks for the pair.
func (h *History) Len(pair domain.Pair) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ticks[pair])
}

// Volatility returns the population standard deviation of simple returns over
// the retained ticks for the pair. With fewer than two ticks there are no
// returns, so volatility is 0.
func (h *History) Volatility(pair domain.Pair) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ticks := h.ticks[pair]
	if len(ticks) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(ticks)-1)
	for i := 1; i < len(ticks); i++ {
		prev := ticks[i-1]
		if prev == 0 {
			continue
		}
		returns = append(returns, (ticks[i]-prev)/prev)
	}
	if len(returns) == 0 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}
