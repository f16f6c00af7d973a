package embedder

import (
	"context"
	"time"
)

// rateLimiter paces requests at a fixed rate per minute. Each OllamaEmbedder
// owns one, shared across every batch that embedder processes; separate
// embedder instances (e.g. one per ingestion profile) do not share a limiter.
// golang.org/x/time/rate is not part of the stack
// any example repo pulls in, so this is a small hand-rolled ticker instead
// (see DESIGN.md).
type rateLimiter struct {
	interval time.Duration
	tokens   chan struct{}
	done     chan struct{}
}

// newRateLimiter builds a limiter allowing perMin requests per minute. A
// non-positive perMin disables limiting entirely.
func newRateLimiter(perMin int) *rateLimiter {
	if perMin <= 0 {
		return nil
	}

	rl := &rateLimiter{
		interval: time.Minute / time.Duration(perMin),
		tokens:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	rl.tokens <- struct{}{}

	go rl.refill()
	return rl
}

func (rl *rateLimiter) refill() {
	ticker := time.NewTicker(rl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		case <-rl.done:
			return
		}
	}
}

// wait blocks until a token is available or ctx is cancelled. A nil receiver
// is a no-op, so callers needn't special-case disabled limiting.
func (rl *rateLimiter) wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rl *rateLimiter) stop() {
	if rl == nil {
		return
	}
	close(rl.done)
}
