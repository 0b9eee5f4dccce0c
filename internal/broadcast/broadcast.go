// Package broadcast is the Broadcast Engine (4.L): fans a single payload
// out to many groups through a bounded worker pool, with per-send jitter,
// retry on transient faults, and a process-wide rate-limit backoff.
package broadcast

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/relaywave/wacore/internal/errs"
	"github.com/relaywave/wacore/internal/metrics"
	"github.com/relaywave/wacore/internal/send"
)

// Sender is the narrow slice of the Send Facility the broadcast engine
// needs, named so tests can substitute a fake instead of a live whatsmeow
// client.
type Sender interface {
	SendAndStore(ctx context.Context, chatID, text string, opts send.Options) (string, error)
}

// Mode is a named concurrency/pacing preset.
type Mode string

const (
	ModeDefault Mode = "default"
	ModeFast    Mode = "fast"
	ModeSafe    Mode = "safe"
)

// ModeProfile bundles one mode's tuning knobs.
type ModeProfile struct {
	Concurrency  int
	JitterMax    time.Duration
	MaxRetries   int
	BaseBackoff  time.Duration
	RateLimitRPS float64
}

func DefaultProfiles() map[Mode]ModeProfile {
	return map[Mode]ModeProfile{
		ModeDefault: {Concurrency: 4, JitterMax: 400 * time.Millisecond, MaxRetries: 3, BaseBackoff: 500 * time.Millisecond, RateLimitRPS: 5},
		ModeFast:    {Concurrency: 10, JitterMax: 100 * time.Millisecond, MaxRetries: 1, BaseBackoff: 250 * time.Millisecond, RateLimitRPS: 15},
		ModeSafe:    {Concurrency: 2, JitterMax: 1500 * time.Millisecond, MaxRetries: 5, BaseBackoff: 1 * time.Second, RateLimitRPS: 2},
	}
}

// Report summarizes the outcome of one broadcast call.
type Report struct {
	Total        int
	Succeeded    int
	Failed       int
	RateLimitHit int
	FailedSample []string // bounded sample of failed group ids, for operator visibility
}

const failedSampleCap = 20

// Engine owns the send facility and per-mode profiles.
type Engine struct {
	sender   Sender
	log      zerolog.Logger
	metrics  *metrics.Registry
	profiles map[Mode]ModeProfile

	// rateLimitedUntil is the process-wide backoff window (unix nanos): a
	// rate-limit hit in any worker extends it, and every worker waits it
	// out before sending.
	rateLimitedUntil atomic.Int64
}

func New(sender Sender, log zerolog.Logger, m *metrics.Registry) *Engine {
	return &Engine{sender: sender, log: log, metrics: m, profiles: DefaultProfiles()}
}

// ProgressFunc is invoked periodically during a broadcast; completed is
// the running count of finished sends (success or failure) out of total.
type ProgressFunc func(completed, total int)

// Broadcast fans payload out to groupIDs under the given mode. An empty
// groupIDs returns a zero Report immediately without starting a pool.
func (e *Engine) Broadcast(ctx context.Context, groupIDs []string, payload string, mode Mode, progress ProgressFunc) Report {
	if len(groupIDs) == 0 {
		return Report{}
	}
	profile, ok := e.profiles[mode]
	if !ok {
		profile = e.profiles[ModeDefault]
	}

	limiter := rate.NewLimiter(rate.Limit(profile.RateLimitRPS), 1)
	pool := pond.New(profile.Concurrency, len(groupIDs))
	defer pool.StopAndWait()

	var (
		succeeded, failed, rateLimitHits int
		completed                        int
		failedSample                     []string
	)
	resultCh := make(chan sendResult, len(groupIDs))

	for _, gid := range groupIDs {
		gid := gid
		pool.Submit(func() {
			resultCh <- e.sendOne(ctx, gid, payload, mode, profile, limiter)
		})
	}

	for i := 0; i < len(groupIDs); i++ {
		r := <-resultCh
		completed++
		if r.err != nil {
			failed++
			if len(failedSample) < failedSampleCap {
				failedSample = append(failedSample, r.groupID)
			}
			e.metrics.BroadcastSends.WithLabelValues("failed").Inc()
		} else {
			succeeded++
			e.metrics.BroadcastSends.WithLabelValues("succeeded").Inc()
		}
		if r.rateLimited {
			rateLimitHits++
			e.metrics.BroadcastRateLimit.Inc()
		}
		if progress != nil {
			progress(completed, len(groupIDs))
		}
	}

	return Report{
		Total:        len(groupIDs),
		Succeeded:    succeeded,
		Failed:       failed,
		RateLimitHit: rateLimitHits,
		FailedSample: failedSample,
	}
}

type sendResult struct {
	groupID     string
	err         error
	rateLimited bool
}

func (e *Engine) sendOne(ctx context.Context, groupID, payload string, mode Mode, profile ModeProfile, limiter *rate.Limiter) sendResult {
	if profile.JitterMax > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(profile.JitterMax))))
	}

	rateLimited := false
	var lastErr error
	start := time.Now()
	for attempt := 0; attempt <= profile.MaxRetries; attempt++ {
		e.waitRateLimitWindow(ctx)
		if err := limiter.Wait(ctx); err != nil {
			return sendResult{groupID: groupID, err: err}
		}
		_, err := e.sender.SendAndStore(ctx, groupID, payload, send.Options{})
		if err == nil {
			e.metrics.BroadcastLatency.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
			return sendResult{groupID: groupID, rateLimited: rateLimited}
		}
		lastErr = err
		if ce, ok := err.(*errs.CoreError); ok && ce.Kind == errs.KindTransientSDK {
			rateLimited = true
			// Extend the shared window so every concurrent worker backs
			// off, not just the one that hit the limit.
			e.extendRateLimitWindow(profile.BaseBackoff * time.Duration(1<<uint(attempt)))
			continue
		}
		break
	}
	return sendResult{groupID: groupID, err: fmt.Errorf("broadcast send to %s: %w", groupID, lastErr), rateLimited: rateLimited}
}

// waitRateLimitWindow blocks until the shared backoff window has elapsed,
// re-checking in case another worker extends it while this one sleeps.
func (e *Engine) waitRateLimitWindow(ctx context.Context) {
	for {
		until := e.rateLimitedUntil.Load()
		if until == 0 {
			return
		}
		wait := time.Until(time.Unix(0, until))
		if wait <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// extendRateLimitWindow pushes the shared window out to now+d, never
// shrinking a later deadline another worker already set.
func (e *Engine) extendRateLimitWindow(d time.Duration) {
	deadline := time.Now().Add(d).UnixNano()
	for {
		cur := e.rateLimitedUntil.Load()
		if cur >= deadline {
			return
		}
		if e.rateLimitedUntil.CompareAndSwap(cur, deadline) {
			return
		}
	}
}
