package provider

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Settings is the adapter-independent part of a provider's configuration.
type Settings struct {
	ID          string
	DisplayName string
	APIKey      string
	BaseURL     string
	Model       string

	Capabilities []string

	// MaxRequestsPerMin caps outbound calls (0 = unlimited).
	MaxRequestsPerMin int

	// PricePer1KTokens converts token counts to cost for bookkeeping.
	PricePer1KTokens float64
}

// base carries the bookkeeping shared by all adapters: identity, usage
// counters, and the outbound request limiter.
type base struct {
	st Settings

	limiter *rate.Limiter

	mu    sync.Mutex
	usage UsageStats
}

func newBase(st Settings) base {
	var lim *rate.Limiter
	if st.MaxRequestsPerMin > 0 {
		// Refill at rpm/60 per second; allow a small burst so a fallback
		// retry does not immediately stall.
		lim = rate.NewLimiter(rate.Limit(float64(st.MaxRequestsPerMin)/60.0), 2)
	}
	return base{st: st, limiter: lim}
}

func (b *base) ID() string { return b.st.ID }

func (b *base) Name() string {
	if b.st.DisplayName != "" {
		return b.st.DisplayName
	}
	return b.st.ID
}

func (b *base) Capabilities() []string { return b.st.Capabilities }

// await blocks until the request limiter admits one call (or ctx expires).
func (b *base) await(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

func (b *base) model(override string) string {
	if override != "" {
		return override
	}
	return b.st.Model
}

func (b *base) costOf(tokens int) float64 {
	return float64(tokens) / 1000.0 * b.st.PricePer1KTokens
}

func (b *base) recordSuccess(tokens int, cost float64) {
	b.mu.Lock()
	b.usage.Requests++
	b.usage.Tokens += int64(tokens)
	b.usage.Cost += cost
	b.mu.Unlock()
}

func (b *base) recordFailure() {
	b.mu.Lock()
	b.usage.Requests++
	b.usage.Failures++
	b.mu.Unlock()
}

func (b *base) Usage() UsageStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage
}
