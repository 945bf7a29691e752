package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackops/stackctl/internal/inventory"
)

// ComponentResult is the probe outcome for one component.
type ComponentResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// Report is the ephemeral outcome of one aggregation pass. Components are
// listed in the inventory's topological order regardless of probe timing.
type Report struct {
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentResult `json:"components"`
	Healthy    bool              `json:"healthy"`
}

// Unhealthy returns the names of components that did not report healthy.
func (r *Report) Unhealthy() []string {
	var out []string
	for _, c := range r.Components {
		if c.Status != StatusHealthy {
			out = append(out, c.Name)
		}
	}
	return out
}

// Config holds aggregator tuning knobs.
type Config struct {
	// MaxConcurrentProbes bounds the probe worker pool. Probes for distinct
	// components run concurrently but never unbounded.
	MaxConcurrentProbes int
	// RecheckInterval is the pause between passes inside WaitUntilHealthy.
	RecheckInterval time.Duration
}

// DefaultConfig returns aggregator defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentProbes: 8,
		RecheckInterval:     2 * time.Second,
	}
}

// Aggregator runs probers concurrently across a whole inventory.
type Aggregator struct {
	prober *Prober
	config Config
	logger zerolog.Logger
}

// NewAggregator creates an Aggregator around the given prober.
func NewAggregator(prober *Prober, config Config, logger zerolog.Logger) *Aggregator {
	if config.MaxConcurrentProbes <= 0 {
		config.MaxConcurrentProbes = DefaultConfig().MaxConcurrentProbes
	}
	if config.RecheckInterval <= 0 {
		config.RecheckInterval = DefaultConfig().RecheckInterval
	}
	return &Aggregator{
		prober: prober,
		config: config,
		logger: logger.With().Str("component", "health_aggregator").Logger(),
	}
}

// Check probes every component once, concurrently, and returns the
// stack-wide report.
func (a *Aggregator) Check(ctx context.Context, inv *inventory.Inventory) *Report {
	components := inv.TopologicalOrder()
	report := &Report{
		CheckedAt:  time.Now(),
		Components: make([]ComponentResult, len(components)),
	}

	sem := make(chan struct{}, a.config.MaxConcurrentProbes)
	var wg sync.WaitGroup

	for i, comp := range components {
		wg.Add(1)
		go func(i int, comp inventory.Component) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			status, detail := a.prober.probe(ctx, comp)
			report.Components[i] = ComponentResult{
				Name:    comp.Name,
				Status:  status,
				Detail:  detail,
				Latency: time.Since(start),
			}
		}(i, comp)
	}
	wg.Wait()

	report.Healthy = true
	for _, c := range report.Components {
		if c.Status != StatusHealthy {
			report.Healthy = false
			break
		}
	}

	a.logger.Debug().
		Bool("healthy", report.Healthy).
		Int("components", len(report.Components)).
		Msg("health check pass completed")

	return report
}

// WaitUntilHealthy repeatedly checks the stack until every component
// reports healthy or the deadline elapses, returning the last report either
// way. The deadline is mandatory and always honored.
func (a *Aggregator) WaitUntilHealthy(ctx context.Context, inv *inventory.Inventory, deadline time.Duration) *Report {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	a.logger.Info().
		Dur("deadline", deadline).
		Dur("interval", a.config.RecheckInterval).
		Msg("waiting for stack to become healthy")

	report := a.Check(waitCtx, inv)
	for !report.Healthy {
		select {
		case <-waitCtx.Done():
			a.logger.Warn().
				Strs("unhealthy", report.Unhealthy()).
				Msg("deadline elapsed before stack became healthy")
			return report
		case <-time.After(a.config.RecheckInterval):
		}
		report = a.Check(waitCtx, inv)
	}

	a.logger.Info().Msg("stack is healthy")
	return report
}
