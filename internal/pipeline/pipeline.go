// Package pipeline assigns closed tabs to sessions in the background.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Jay-Karia/wherewasi-sub000/internal/applog"
	"github.com/Jay-Karia/wherewasi-sub000/internal/metrics"
	"github.com/Jay-Karia/wherewasi-sub000/internal/scoring"
	"github.com/Jay-Karia/wherewasi-sub000/internal/sessionstore"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// Store is the part of the session store the pipeline writes to.
type Store interface {
	Assign(ctx context.Context, rec types.ClosedTabRecord, choose sessionstore.Chooser) (sessionstore.Result, error)
	PushOverflow(ctx context.Context, rec types.ClosedTabRecord) error
}

// Decider chooses a session for a closed tab. *scoring.Engine implements it.
type Decider interface {
	Decide(ctx context.Context, tab types.ClosedTabRecord, sessions []types.Session) scoring.Decision
}

// Assigned describes one successful assignment.
type Assigned struct {
	Record types.ClosedTabRecord
	Result sessionstore.Result
	Reason scoring.Reason
}

// Options configures a Pipeline.
type Options struct {
	Workers   int
	QueueSize int
	// DrainTimeout bounds the work done on queued records after shutdown.
	DrainTimeout time.Duration
	Metrics      *metrics.Metrics
	// OnAssigned is called after every successful assignment, from the
	// worker goroutine.
	OnAssigned func(Assigned)
}

// Pipeline decouples the tracker from assignment: Submit never blocks.
type Pipeline struct {
	store   Store
	decider Decider
	opts    Options

	queue chan types.ClosedTabRecord

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	spill   sync.WaitGroup
}

var errStopped = errors.New("pipeline stopped")

// New creates a Pipeline. Call Run to start the workers.
func New(store Store, decider Decider, opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	return &Pipeline{
		store:   store,
		decider: decider,
		opts:    opts,
		queue:   make(chan types.ClosedTabRecord, opts.QueueSize),
		done:    make(chan struct{}),
	}
}

// Submit hands rec to the workers. It never blocks: when the queue is full
// the record waits in its own goroutine. Records submitted after shutdown go
// straight to the overflow queue.
func (p *Pipeline) Submit(rec types.ClosedTabRecord) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.overflow(context.Background(), rec, errStopped)
		return
	}
	select {
	case p.queue <- rec:
		p.mu.Unlock()
		return
	default:
	}
	p.spill.Add(1)
	p.mu.Unlock()

	applog.Warn("pipeline.queue.full", "tab", rec.ID)
	go func() {
		defer p.spill.Done()
		select {
		case p.queue <- rec:
		case <-p.done:
			p.overflow(context.Background(), rec, errStopped)
		}
	}()
}

// Run starts the workers and blocks until ctx is cancelled. Records still
// queued at that point are assigned before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	var workers sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			// A record already taken off the queue is finished even if ctx
			// is cancelled meanwhile.
			work := context.WithoutCancel(ctx)
			for ctx.Err() == nil {
				select {
				case <-ctx.Done():
				case rec := <-p.queue:
					p.process(work, rec)
				}
			}
		}()
	}
	workers.Wait()

	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.done)
	}
	p.mu.Unlock()
	p.spill.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), p.opts.DrainTimeout)
	defer cancel()
	n := 0
	for {
		select {
		case rec := <-p.queue:
			p.process(drainCtx, rec)
			n++
		default:
			if n > 0 {
				applog.Info("pipeline.drained", "records", n)
			}
			return nil
		}
	}
}

func (p *Pipeline) process(ctx context.Context, rec types.ClosedTabRecord) {
	var decision scoring.Decision
	res, err := p.store.Assign(ctx, rec, func(ctx context.Context, rec types.ClosedTabRecord, sessions []types.Session) *types.Session {
		decision = p.decider.Decide(ctx, rec, sessions)
		return decision.Session
	})
	if err != nil {
		p.overflow(ctx, rec, err)
		return
	}

	outcome := metrics.OutcomeAssigned
	if res.Created {
		outcome = metrics.OutcomeCreated
	}
	p.opts.Metrics.ClosedTab(outcome)
	p.opts.Metrics.Decision(string(decision.Reason))
	applog.Info("assign."+outcome, "tab", rec.ID, "session", res.Session.ID, "reason", string(decision.Reason), "candidates", decision.Candidates)

	if p.opts.OnAssigned != nil {
		p.opts.OnAssigned(Assigned{Record: rec, Result: res, Reason: decision.Reason})
	}
}

func (p *Pipeline) overflow(ctx context.Context, rec types.ClosedTabRecord, cause error) {
	applog.Error("assign.failed", cause, "tab", rec.ID, "url", rec.URL)
	p.opts.Metrics.ClosedTab(metrics.OutcomeOverflow)
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := p.store.PushOverflow(ctx, rec); err != nil {
		applog.Error("overflow.push", err, "tab", rec.ID)
	}
}
