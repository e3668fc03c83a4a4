package persona

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loopqueue/bufferbloat-server/internal/types"
)

type recordingSink struct {
	calls atomic.Int64
	bytes atomic.Int64
}

func (r *recordingSink) SendPayload(ctx context.Context, n int) error {
	r.calls.Add(1)
	r.bytes.Add(int64(n))
	return nil
}

func TestConstantRateGeneratorSendsFrames(t *testing.T) {
	sink := &recordingSink{}
	g := NewGenerator(types.PersonaGaming, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	g.Run(ctx)

	if sink.calls.Load() == 0 {
		t.Fatal("expected at least one frame sent within the deadline")
	}
}

func TestContinuousFillGeneratorRespectsBucket(t *testing.T) {
	sink := &recordingSink{}
	g := NewGenerator(types.PersonaBulk, sink)
	g.SetTargetRate(64 * 1024) // 64 KiB/s cap

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	g.Run(ctx)

	if sink.bytes.Load() > 3*64*1024 {
		t.Fatalf("expected fill to respect the ~64KiB/s cap over 100ms, sent %d bytes", sink.bytes.Load())
	}
}

func TestSetTargetRateRebuildsBucket(t *testing.T) {
	sink := &recordingSink{}
	g := NewGenerator(types.PersonaBulk, sink)
	before := g.bucket
	g.SetTargetRate(1e6)
	if g.bucket == before {
		t.Fatal("expected SetTargetRate to install a new bucket")
	}
}
