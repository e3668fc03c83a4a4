// Package persona generates each persona's traffic pattern over an active
// worker connection (spec.md §4.C.2), pacing writes through a shared
// token-bucket limiter so a connection's profile never exceeds its target
// rate regardless of how fast the event loop can write.
package persona

import (
	"context"
	"math/rand"
	"time"

	"github.com/loopqueue/bufferbloat-server/internal/ratelimit"
	"github.com/loopqueue/bufferbloat-server/internal/types"
)

// Sink is the write side a Generator paces frames onto; wsconn.Conn
// satisfies it by queueing a binary frame of the given size for send.
type Sink interface {
	SendPayload(ctx context.Context, n int) error
}

// Generator drives one connection's persona traffic pattern until ctx is
// cancelled (phase end, drain, or connection close).
type Generator struct {
	persona types.Persona
	spec    types.PersonaSpec
	sink    Sink
	bucket  *ratelimit.Bucket
}

// NewGenerator builds a Generator for persona, pacing at the persona's
// down-target bps converted to a byte-token-bucket (the traffic direction
// that dominates each profile per spec.md §4.C.2 and §6's persona table).
func NewGenerator(p types.Persona, sink Sink) *Generator {
	spec := types.PersonaTable[p]
	bytesPerSecond := spec.DownloadTargetBps / 8
	return &Generator{
		persona: p,
		spec:    spec,
		sink:    sink,
		bucket:  ratelimit.NewBucket(bytesPerSecond, int(bytesPerSecond)),
	}
}

// Run blocks, generating frames per the persona's profile kind, until ctx
// is done.
func (g *Generator) Run(ctx context.Context) error {
	switch g.spec.DownloadProfile {
	case types.ProfileConstantRate:
		return g.runConstantRate(ctx)
	case types.ProfileBursty:
		return g.runBursty(ctx)
	case types.ProfileContinuousFill:
		return g.runContinuousFill(ctx)
	default:
		return g.runConstantRate(ctx)
	}
}

// runConstantRate covers gaming (~60 B frames every 15-25 ms) and
// video-call (1 KB frames at ~300/s): small frames on a fixed interval.
// For gaming and other personas (256 B frames) the interval is drawn once
// from 15-25 ms when the generator starts.
func (g *Generator) runConstantRate(ctx context.Context) error {
	frameSize, interval := g.constantRateShape()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.sink.SendPayload(ctx, frameSize); err != nil {
				return err
			}
		}
	}
}

func (g *Generator) constantRateShape() (frameSize int, interval time.Duration) {
	switch g.persona {
	case types.PersonaGaming:
		return 60, jitteredInterval(15, 25)
	case types.PersonaVideoCall:
		return 1024, time.Second / 300
	default:
		return 256, jitteredInterval(15, 25)
	}
}

// runBursty covers streaming: 1 s of full-rate download, then 4 s idle.
func (g *Generator) runBursty(ctx context.Context) error {
	const burstFrame = 64 * 1024
	for {
		burstDeadline := time.Now().Add(time.Second)
		for time.Now().Before(burstDeadline) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if !g.bucket.TakeN(float64(burstFrame)) {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if err := g.sink.SendPayload(ctx, burstFrame); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(4 * time.Second):
		}
	}
}

// runContinuousFill covers bulk: saturate the downlink continuously,
// pacing only by the shared bucket (no inter-frame sleep).
func (g *Generator) runContinuousFill(ctx context.Context) error {
	const fillFrame = 64 * 1024
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !g.bucket.TakeN(float64(fillFrame)) {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		if err := g.sink.SendPayload(ctx, fillFrame); err != nil {
			return err
		}
	}
}

// SetTargetRate replaces the generator's pacing bucket. The bulk persona's
// table rate is 0, so its continuous-fill generator sends nothing until
// this is called; cmd/worker does not call it, and the household
// orchestrator's speed-probe rate is not delivered to worker processes.
func (g *Generator) SetTargetRate(bytesPerSecond float64) {
	g.bucket = ratelimit.NewBucket(bytesPerSecond, int(bytesPerSecond))
}

func jitteredInterval(minMs, maxMs int) time.Duration {
	span := maxMs - minMs
	if span <= 0 {
		return time.Duration(minMs) * time.Millisecond
	}
	return time.Duration(minMs+rand.Intn(span)) * time.Millisecond
}
