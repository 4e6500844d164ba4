package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/pulse/pool"

	"goa.design/agentd/runtime/telemetry"
)

// DefaultSweepInterval is the default period between sweeps.
const DefaultSweepInterval = 30 * time.Second

type (
	// Recoverer marks orphaned sessions errored.
	// *orchestrator.Orchestrator implements it.
	Recoverer interface {
		Recover(ctx context.Context, sessionID string) (bool, error)
	}

	// LeaseChecker reports whether a session lease is held.
	// *lease.Registry implements it.
	LeaseChecker interface {
		IsActive(ctx context.Context, sessionID string) (bool, error)
	}

	// ReaperOptions configures a Reaper.
	ReaperOptions struct {
		Index     *Index
		Recoverer Recoverer
		Leases    LeaseChecker
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
	}

	// Reaper sweeps the in-flight index.
	Reaper struct {
		index     *Index
		recoverer Recoverer
		leases    LeaseChecker
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	// SweepResult summarizes a sweep.
	SweepResult struct {
		Recovered int
		Pruned    int
		Failed    int
	}
)

// NewReaper returns a Reaper.
func NewReaper(opts ReaperOptions) (*Reaper, error) {
	switch {
	case opts.Index == nil:
		return nil, errors.New("index is required")
	case opts.Recoverer == nil:
		return nil, errors.New("recoverer is required")
	case opts.Leases == nil:
		return nil, errors.New("lease checker is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Reaper{
		index:     opts.Index,
		recoverer: opts.Recoverer,
		leases:    opts.Leases,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Sweep recovers orphaned indexed sessions and prunes stale entries.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	for _, id := range r.index.Sessions() {
		if ctx.Err() != nil {
			return res
		}
		recovered, err := r.recoverer.Recover(ctx, id)
		if err != nil {
			res.Failed++
			r.logger.Warn(ctx, "failed to recover session", "session_id", id, "err", err)
			continue
		}
		if !recovered {
			active, err := r.leases.IsActive(ctx, id)
			if err != nil {
				res.Failed++
				r.logger.Warn(ctx, "failed to check session lease", "session_id", id, "err", err)
				continue
			}
			if active {
				continue
			}
		}
		if err := r.index.Remove(ctx, id); err != nil {
			res.Failed++
			r.logger.Warn(ctx, "failed to prune in-flight entry", "session_id", id, "err", err)
			continue
		}
		if recovered {
			res.Recovered++
			r.metrics.IncCounter(telemetry.MetricSessionsRecovered, 1)
		} else {
			res.Pruned++
		}
	}
	if res.Recovered > 0 || res.Failed > 0 {
		r.logger.Info(ctx, "recovery sweep", "recovered", res.Recovered, "pruned", res.Pruned, "failed", res.Failed)
	}
	return res
}

// Run sweeps on every tick until ctx is cancelled or ticks is closed.
func (r *Reaper) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			r.Sweep(ctx)
		}
	}
}

// RunDistributed sweeps on the ticks of a pool ticker shared by all nodes
// of node's pool, so that one node sweeps per interval.
func (r *Reaper) RunDistributed(ctx context.Context, node *pool.Node, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker, err := node.NewTicker(ctx, "agentd:reaper", interval)
	if err != nil {
		return fmt.Errorf("create reaper ticker: %w", err)
	}
	defer ticker.Stop()
	r.Run(ctx, ticker.C)
	return nil
}
