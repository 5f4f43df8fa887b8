package agent

import "sync"

// Usage is the token accounting from one agent call.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	CostUSD             float64
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + other.InputTokens,
		OutputTokens:        u.OutputTokens + other.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens + other.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens + other.CacheCreationTokens,
		CostUSD:             u.CostUSD + other.CostUSD,
	}
}

// TokenTracker accumulates usage per iteration and for the whole run.
// Safe for concurrent use: verification fans agent calls out across
// goroutines.
type TokenTracker struct {
	mu        sync.Mutex
	iteration Usage
	total     Usage
}

// Record adds one call's usage to both accumulators.
func (t *TokenTracker) Record(u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iteration = t.iteration.Add(u)
	t.total = t.total.Add(u)
}

// ResetIteration zeroes the per-iteration accumulator.
func (t *TokenTracker) ResetIteration() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iteration = Usage{}
}

// Iteration returns usage since the last ResetIteration.
func (t *TokenTracker) Iteration() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iteration
}

// Total returns usage for the whole run.
func (t *TokenTracker) Total() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
