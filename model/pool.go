package model

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/taskmesh/taskmesh/core"
)

// connPool bounds concurrent calls against one model and optionally smooths
// them through a rate limiter. Acquisition blocks until a slot frees or the
// caller's context ends.
type connPool struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

func newConnPool(maxConcurrent int, perSecond float64, burst int) *connPool {
	p := &connPool{sem: make(chan struct{}, maxConcurrent)}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return p
}

// acquire blocks for a pool slot, then for the rate limiter. Both waits
// respect ctx.
func (p *connPool) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return core.WrapError(core.KindCancelled, ctx.Err(), "cancelled waiting for model connection")
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			<-p.sem
			return core.WrapError(core.KindCancelled, err, "cancelled waiting for model rate limit")
		}
	}
	return nil
}

func (p *connPool) release() { <-p.sem }

// inUse reports the occupied slots, for introspection and tests.
func (p *connPool) inUse() int { return len(p.sem) }
