// Package ratelimit implements the per-user token bucket described in
// spec §3.1 (RateLimitBucket) on top of the Bus KV compare-and-set
// primitive, the same CAS loop shape Task Store uses for Claim.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

// Config is the rate-limiter's capacity and refill rate (spec §6.3).
type Config struct {
	Capacity      float64
	RefillPerSec  float64
}

type bucketState struct {
	Tokens      float64   `json:"tokens"`
	LastRefill  time.Time `json:"last_refill"`
}

// Limiter is a KV-backed token bucket limiter.
type Limiter struct {
	kv    bus.KV
	cfg   Config
	nowFn func() time.Time
}

// New builds a Limiter over the given KV namespace.
func New(kv bus.KV, cfg Config) *Limiter {
	return &Limiter{kv: kv, cfg: cfg, nowFn: time.Now}
}

func key(userID string) string { return "rl:" + userID }

// Acquire attempts to take n tokens for userID. It returns ok=true if the
// tokens were available, or ok=false and the duration until at least one
// token would be available otherwise (spec §8 boundary behavior: a
// drained bucket rejects the immediate next event and admits one after
// ceil(1/refill_per_sec) seconds).
func (l *Limiter) Acquire(ctx context.Context, userID string, n float64) (ok bool, retryAfter time.Duration, err error) {
	for {
		raw, found, err := l.kv.Get(ctx, key(userID))
		if err != nil {
			return false, 0, fmt.Errorf("get bucket: %w", err)
		}

		now := l.nowFn()
		var state bucketState
		if !found {
			state = bucketState{Tokens: l.cfg.Capacity, LastRefill: now}
		} else if err := json.Unmarshal(raw, &state); err != nil {
			state = bucketState{Tokens: l.cfg.Capacity, LastRefill: now}
		}

		elapsed := now.Sub(state.LastRefill).Seconds()
		if elapsed > 0 {
			state.Tokens += elapsed * l.cfg.RefillPerSec
			if state.Tokens > l.cfg.Capacity {
				state.Tokens = l.cfg.Capacity
			}
			state.LastRefill = now
		}

		if state.Tokens < n {
			deficit := n - state.Tokens
			wait := time.Duration(deficit/l.cfg.RefillPerSec*float64(time.Second)) + 1
			return false, wait, nil
		}

		newState := state
		newState.Tokens -= n
		newRaw, err := json.Marshal(newState)
		if err != nil {
			return false, 0, fmt.Errorf("marshal bucket: %w", err)
		}

		var oldRaw []byte
		if found {
			oldRaw = raw
		}
		swapped, err := l.kv.CompareAndSet(ctx, key(userID), oldRaw, newRaw)
		if err != nil {
			return false, 0, fmt.Errorf("cas bucket: %w", err)
		}
		if swapped {
			return true, 0, nil
		}
		// Lost the race to a concurrent Acquire for the same user; retry
		// with the freshly-read state.
	}
}
