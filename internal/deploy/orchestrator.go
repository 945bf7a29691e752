// Package deploy sequences a zero-downtime-oriented rollout: optional
// backup, drain window, coordinated stop, optional image refresh,
// dependency-ordered start, and a final health verification.
package deploy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stackops/stackctl/internal/backup"
	"github.com/stackops/stackctl/internal/health"
	"github.com/stackops/stackctl/internal/inventory"
	"github.com/stackops/stackctl/internal/runtime"
)

// Phase names the steps of a deploy run, in execution order.
type Phase string

const (
	PhaseBackingUp Phase = "backing_up"
	PhaseDraining  Phase = "draining"
	PhaseStopping  Phase = "stopping"
	PhasePulling   Phase = "pulling"
	PhaseStarting  Phase = "starting"
	PhaseVerifying Phase = "verifying"
)

// Outcome is the single pass/fail verdict of a deploy run.
type Outcome string

const (
	// OutcomeSucceeded means every component came back healthy in time.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeDegradedSucceeded means the rollout completed but some unit
	// of work failed or some component never reported healthy.
	OutcomeDegradedSucceeded Outcome = "degraded_succeeded"
	// OutcomeFailed means the run aborted before completing the rollout.
	OutcomeFailed Outcome = "failed"
)

// Options configures one deploy run.
type Options struct {
	// SkipBackup skips the pre-deploy backup.
	SkipBackup bool
	// PullImages refreshes component images between stop and start.
	PullImages bool
	// DrainSeconds is the grace period before stopping, letting in-flight
	// queued data flush. Best effort: the controller has no visibility
	// into the wrapped services' internal queue depth.
	DrainSeconds int
	// Profile restricts the rollout to components carrying the profile.
	Profile string
	// StopTimeout bounds each graceful stop before a forced stop.
	StopTimeout time.Duration
	// HealthDeadline bounds the final verification pass.
	HealthDeadline time.Duration
	// Backup carries the backup options when SkipBackup is false.
	Backup backup.Options
}

// DefaultOptions returns deploy defaults.
func DefaultOptions() Options {
	return Options{
		DrainSeconds:   10,
		StopTimeout:    30 * time.Second,
		HealthDeadline: 2 * time.Minute,
	}
}

// ComponentOutcome records one stop/pull/start attempt.
type ComponentOutcome struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Forced bool   `json:"forced,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result is the record of one deploy run.
type Result struct {
	RunID          uuid.UUID          `json:"run_id"`
	Outcome        Outcome            `json:"outcome"`
	BackupRan      bool               `json:"backup_ran"`
	BackupManifest *backup.Manifest   `json:"backup_manifest,omitempty"`
	DrainSeconds   int                `json:"drain_seconds"`
	Stops          []ComponentOutcome `json:"stops,omitempty"`
	Pulls          []ComponentOutcome `json:"pulls,omitempty"`
	Starts         []ComponentOutcome `json:"starts,omitempty"`
	Health         *health.Report     `json:"health,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    time.Time          `json:"completed_at"`
}

// FailedComponents lists components that failed any phase or never became
// healthy.
func (r *Result) FailedComponents() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, group := range [][]ComponentOutcome{r.Stops, r.Pulls, r.Starts} {
		for _, c := range group {
			if !c.OK {
				add(c.Name)
			}
		}
	}
	if r.Health != nil {
		for _, name := range r.Health.Unhealthy() {
			add(name)
		}
	}
	return out
}

// Orchestrator runs deploys.
type Orchestrator struct {
	inv     *inventory.Inventory
	backups *backup.Orchestrator
	manager runtime.Manager
	checker *health.Aggregator
	logger  zerolog.Logger
}

// NewOrchestrator creates a deploy orchestrator.
func NewOrchestrator(inv *inventory.Inventory, backups *backup.Orchestrator, manager runtime.Manager, checker *health.Aggregator, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		inv:     inv,
		backups: backups,
		manager: manager,
		checker: checker,
		logger:  logger.With().Str("component", "deploy").Logger(),
	}
}

// Run executes the deploy state machine. Verification always runs and the
// run never reports plain success while any component is unhealthy. The
// returned error is non-nil only when the run aborted outright.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultOptions().StopTimeout
	}
	if opts.HealthDeadline <= 0 {
		opts.HealthDeadline = DefaultOptions().HealthDeadline
	}
	if opts.DrainSeconds < 0 {
		opts.DrainSeconds = 0
	}

	result := &Result{
		RunID:        uuid.New(),
		DrainSeconds: opts.DrainSeconds,
		StartedAt:    time.Now(),
	}

	components := o.selectComponents(opts.Profile)
	o.logger.Info().
		Int("components", len(components)).
		Str("profile", opts.Profile).
		Bool("skip_backup", opts.SkipBackup).
		Bool("pull_images", opts.PullImages).
		Msg("starting deploy")

	degraded := false

	if !opts.SkipBackup {
		o.logger.Info().Msg("phase: backing up")
		manifest, _, err := o.backups.Run(ctx, opts.Backup)
		if err != nil {
			result.Outcome = OutcomeFailed
			result.CompletedAt = time.Now()
			return result, err
		}
		result.BackupRan = true
		result.BackupManifest = manifest
		if !manifest.OverallSuccess {
			degraded = true
		}
	}

	if opts.DrainSeconds > 0 {
		o.logger.Info().Int("seconds", opts.DrainSeconds).Msg("phase: draining")
		if err := o.drain(ctx, time.Duration(opts.DrainSeconds)*time.Second); err != nil {
			result.Outcome = OutcomeFailed
			result.CompletedAt = time.Now()
			return result, err
		}
	}

	o.logger.Info().Msg("phase: stopping")
	result.Stops, degraded = o.stopAll(ctx, components, opts.StopTimeout, degraded)

	if opts.PullImages {
		o.logger.Info().Msg("phase: pulling images")
		for _, comp := range components {
			outcome := ComponentOutcome{Name: comp.Name, OK: true}
			if err := o.manager.Pull(ctx, comp.Name); err != nil {
				o.logger.Error().Err(err).Str("target", comp.Name).Msg("image pull failed")
				outcome.OK = false
				outcome.Error = err.Error()
				degraded = true
			}
			result.Pulls = append(result.Pulls, outcome)
		}
	}

	o.logger.Info().Msg("phase: starting")
	for _, comp := range components {
		outcome := ComponentOutcome{Name: comp.Name, OK: true}
		if err := o.manager.Start(ctx, comp.Name); err != nil {
			o.logger.Error().Err(err).Str("target", comp.Name).Msg("start failed")
			outcome.OK = false
			outcome.Error = err.Error()
			degraded = true
		}
		result.Starts = append(result.Starts, outcome)
	}

	o.logger.Info().Msg("phase: verifying")
	result.Health = o.checker.WaitUntilHealthy(ctx, o.inv, opts.HealthDeadline)
	if !result.Health.Healthy {
		degraded = true
	}

	if degraded {
		result.Outcome = OutcomeDegradedSucceeded
		o.logger.Warn().
			Strs("failed_components", result.FailedComponents()).
			Msg("deploy completed degraded")
	} else {
		result.Outcome = OutcomeSucceeded
		o.logger.Info().Msg("deploy succeeded")
	}

	result.CompletedAt = time.Now()
	return result, nil
}

// selectComponents returns the profile's components dependency-first.
func (o *Orchestrator) selectComponents(profile string) []inventory.Component {
	var out []inventory.Component
	for _, comp := range o.inv.TopologicalOrder() {
		if comp.HasProfile(profile) {
			out = append(out, comp)
		}
	}
	return out
}

// drain is a deliberate timed suspension, interruptible by cancellation.
func (o *Orchestrator) drain(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// stopAll stops components dependents-first, escalating each graceful stop
// failure to a forced stop; the controller never force-kills first.
func (o *Orchestrator) stopAll(ctx context.Context, components []inventory.Component, timeout time.Duration, degraded bool) ([]ComponentOutcome, bool) {
	outcomes := make([]ComponentOutcome, 0, len(components))
	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]
		outcome := ComponentOutcome{Name: comp.Name, OK: true}
		if err := o.manager.Stop(ctx, comp.Name, timeout); err != nil {
			o.logger.Warn().Err(err).Str("target", comp.Name).Msg("graceful stop failed, forcing")
			outcome.Forced = true
			if ferr := o.manager.ForceStop(ctx, comp.Name); ferr != nil {
				outcome.OK = false
				outcome.Error = ferr.Error()
				degraded = true
			}
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, degraded
}
