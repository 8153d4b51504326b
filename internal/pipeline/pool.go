package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vectorflow/internal/logging"
)

const defaultPollInterval = 5 * time.Second

// Pool runs several engines against one ledger.
type Pool struct {
	engines []*Engine
	deps    Deps
	poll    time.Duration
}

// NewPool builds size engines named engine-1..engine-N. Engines wake when
// the ledger signals new work and otherwise poll every poll interval.
func NewPool(size int, poll time.Duration, deps Deps) *Pool {
	if size < 1 {
		size = 1
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	p := &Pool{deps: deps, poll: poll}
	for i := 1; i <= size; i++ {
		p.engines = append(p.engines, NewEngine(fmt.Sprintf("engine-%d", i), deps))
	}
	return p
}

// Run blocks until ctx ends and every engine has returned. Jobs in flight at
// shutdown are cancelled at their next checkpoint.
func (p *Pool) Run(ctx context.Context) {
	logger := logging.NewComponentLogger(p.deps.Logger, "pool")
	logger.Info("pipeline pool started",
		logging.Int("engines", len(p.engines)),
		logging.Duration("poll_interval", p.poll),
	)
	var wg sync.WaitGroup
	for _, engine := range p.engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			p.loop(ctx, e)
		}(engine)
	}
	wg.Wait()
	logger.Info("pipeline pool stopped")
}

func (p *Pool) loop(ctx context.Context, e *Engine) {
	timer := time.NewTimer(p.poll)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if e.Step(ctx) {
			summary := p.deps.Ledger.Summary()
			p.deps.Metrics.ObserveQueue(summary.Depths, summary.Running)
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.poll)
		select {
		case <-ctx.Done():
			return
		case <-p.deps.Ledger.Wake():
		case <-timer.C:
		}
	}
}

// Statuses reports every engine's current activity.
func (p *Pool) Statuses() []Status {
	out := make([]Status, 0, len(p.engines))
	for _, e := range p.engines {
		out = append(out, e.Status())
	}
	return out
}

// Size returns the number of engines.
func (p *Pool) Size() int { return len(p.engines) }
