package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when the limiter is configured to reject rather
// than wait and a window is exhausted.
var ErrRateLimited = errors.New("embedding rate limit exceeded")

// WaitFunc is invoked once per wait chunk with the remaining wait in seconds,
// so callers can surface rate-limit heartbeats through the progress tracker.
type WaitFunc func(remainingSeconds float64)

// RateLimiterConfig holds admission control settings for provider calls.
type RateLimiterConfig struct {
	RequestsPerMinute int
	TokensPerMinute   int
	MaxConcurrent     int
	// RejectOnLimit makes Acquire fail with ErrRateLimited instead of waiting.
	RejectOnLimit bool
}

// DefaultRateLimiterConfig returns the default admission limits.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 3000,
		TokensPerMinute:   200000,
		MaxConcurrent:     2,
	}
}

type windowEntry struct {
	at     time.Time
	tokens int
}

// RateLimiter admits provider calls against two sliding one-minute windows,
// one counting requests and one counting estimated tokens, plus a concurrency
// semaphore. Waits are cooperative: the limiter sleeps in chunks of at most
// five seconds and reports progress through the caller's WaitFunc.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu      sync.Mutex
	entries []windowEntry

	sem chan struct{}

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 3000
	}
	if cfg.TokensPerMinute <= 0 {
		cfg.TokensPerMinute = 200000
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	return &RateLimiter{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConcurrent),
		now: time.Now,
	}
}

// Acquire blocks until both windows admit a call of estimatedTokens, then
// takes a concurrency slot. The returned release function must be called when
// the provider call finishes.
func (rl *RateLimiter) Acquire(ctx context.Context, estimatedTokens int, onWait WaitFunc) (func(), error) {
	const waitChunk = 5 * time.Second

	for {
		wait := rl.tryAdmit(estimatedTokens)
		if wait <= 0 {
			break
		}

		if rl.cfg.RejectOnLimit {
			return nil, fmt.Errorf("%w: retry in %.0fs", ErrRateLimited, wait.Seconds())
		}

		if onWait != nil {
			onWait(wait.Seconds())
		}

		sleep := wait
		if sleep > waitChunk {
			sleep = waitChunk
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rl.sem <- struct{}{}:
	}

	release := func() { <-rl.sem }
	return release, nil
}

// tryAdmit records the call if both windows have room, returning zero.
// Otherwise it returns how long until the oldest blocking entry expires.
func (rl *RateLimiter) tryAdmit(estimatedTokens int) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.prune(now)

	requests := len(rl.entries)
	tokens := 0
	for _, e := range rl.entries {
		tokens += e.tokens
	}

	if requests < rl.cfg.RequestsPerMinute && tokens+estimatedTokens <= rl.cfg.TokensPerMinute {
		rl.entries = append(rl.entries, windowEntry{at: now, tokens: estimatedTokens})
		return 0
	}

	if len(rl.entries) == 0 {
		// A single call larger than the whole token budget. Admit it rather
		// than wait forever.
		rl.entries = append(rl.entries, windowEntry{at: now, tokens: estimatedTokens})
		return 0
	}

	oldest := rl.entries[0].at
	wait := time.Minute - now.Sub(oldest)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// prune drops entries older than one minute. Caller holds the lock.
func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	keep := rl.entries[:0]
	for _, e := range rl.entries {
		if e.at.After(cutoff) {
			keep = append(keep, e)
		}
	}
	rl.entries = keep
}

// EstimateTokens approximates the token cost of texts as word count times 1.3.
func EstimateTokens(texts []string) int {
	words := 0
	for _, t := range texts {
		inWord := false
		for _, r := range t {
			if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
				inWord = false
			} else if !inWord {
				inWord = true
				words++
			}
		}
	}
	return int(float64(words) * 1.3)
}
