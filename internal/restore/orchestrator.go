// Package restore validates a backup manifest against the live inventory
// and replaces volume contents from the archived snapshots, cycling the
// affected components around the restore.
package restore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stackops/stackctl/internal/archive"
	"github.com/stackops/stackctl/internal/backup"
	"github.com/stackops/stackctl/internal/health"
	"github.com/stackops/stackctl/internal/inventory"
)

// ErrAborted is returned when the operator declines the confirmation prompt.
var ErrAborted = errors.New("restore aborted by operator")

// Phase names the steps of a restore run, in execution order.
type Phase string

const (
	PhaseValidating Phase = "validating"
	PhaseConfirming Phase = "confirming"
	PhaseStopping   Phase = "stopping"
	PhaseRestoring  Phase = "restoring"
	PhaseStarting   Phase = "starting"
	PhaseVerifying  Phase = "verifying"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// Options configures one restore run.
type Options struct {
	// ManifestPath is a backup directory or a manifest file inside one.
	ManifestPath string
	// DryRun stops after validation and reports what would be restored.
	DryRun bool
	// Force skips the confirmation prompt.
	Force bool
	// VolumeFilter restricts the restore to the named volumes.
	VolumeFilter []string
	// StopTimeout bounds each component's graceful stop.
	StopTimeout time.Duration
	// HealthDeadline bounds the post-restart health verification.
	HealthDeadline time.Duration
}

// VolumeOutcome records what happened to one volume.
type VolumeOutcome struct {
	Name     string `json:"name"`
	Restored bool   `json:"restored"`
	Error    string `json:"error,omitempty"`
}

// ComponentOutcome records a stop or start attempt for one component.
type ComponentOutcome struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Result is the outcome of one restore run.
type Result struct {
	RunID    uuid.UUID          `json:"run_id"`
	Phase    Phase              `json:"phase"`
	DryRun   bool               `json:"dry_run"`
	Planned  []string           `json:"planned,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
	Volumes  []VolumeOutcome    `json:"volumes,omitempty"`
	Stopped  []ComponentOutcome `json:"stopped,omitempty"`
	Started  []ComponentOutcome `json:"started,omitempty"`
	Health   *health.Report     `json:"health,omitempty"`
	Degraded bool               `json:"degraded"`
	Success  bool               `json:"success"`
}

// Manager is the slice of the runtime manager a restore needs.
type Manager interface {
	Stop(ctx context.Context, component string, timeout time.Duration) error
	ForceStop(ctx context.Context, component string) error
	Start(ctx context.Context, component string) error
}

// ConfirmFunc asks the operator to approve a destructive restore.
type ConfirmFunc func(prompt string) bool

// Orchestrator runs restores.
type Orchestrator struct {
	inv      *inventory.Inventory
	archiver *archive.Archiver
	manager  Manager
	checker  *health.Aggregator
	confirm  ConfirmFunc
	logger   zerolog.Logger
}

// NewOrchestrator creates a restore orchestrator. confirm may be nil when
// every caller passes Force.
func NewOrchestrator(inv *inventory.Inventory, archiver *archive.Archiver, manager Manager, checker *health.Aggregator, confirm ConfirmFunc, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		inv:      inv,
		archiver: archiver,
		manager:  manager,
		checker:  checker,
		confirm:  confirm,
		logger:   logger.With().Str("component", "restore").Logger(),
	}
}

// Run executes the restore state machine:
// validating -> confirming -> stopping -> restoring -> starting -> verifying.
// Validation failures abort before any state change. Once volumes are being
// restored, a single failure degrades the result but the remaining volumes
// are still restored and components are always restarted, so the stack is
// never left fully down.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{RunID: uuid.New(), Phase: PhaseValidating, DryRun: opts.DryRun}

	_, plan, err := o.validate(opts, result)
	if err != nil {
		result.Phase = PhaseFailed
		return result, err
	}

	if opts.DryRun {
		o.logger.Info().Strs("volumes", result.Planned).Msg("dry run: nothing restored")
		result.Phase = PhaseDone
		result.Success = true
		return result, nil
	}

	if !opts.Force {
		result.Phase = PhaseConfirming
		prompt := fmt.Sprintf("Restore %d volume(s) from %s? This destroys current data.",
			len(plan), opts.ManifestPath)
		if o.confirm == nil || !o.confirm(prompt) {
			result.Phase = PhaseFailed
			return result, ErrAborted
		}
	}

	affected := o.affectedComponents(plan)

	result.Phase = PhaseStopping
	result.Stopped = o.stopComponents(ctx, affected, opts.StopTimeout)

	result.Phase = PhaseRestoring
	backupDir := backupDirOf(opts.ManifestPath)
	for _, rec := range plan {
		outcome := VolumeOutcome{Name: rec.Name}
		vol, _, ok := o.inv.Volume(rec.Name)
		if !ok {
			outcome.Error = "volume not present in live inventory"
		} else {
			archivePath := filepath.Join(backupDir, rec.Name+".tar.gz")
			if err := o.archiver.Restore(ctx, vol, archivePath, rec.Checksum); err != nil {
				o.logger.Error().Err(err).Str("volume", rec.Name).Msg("volume restore failed")
				outcome.Error = err.Error()
			} else {
				outcome.Restored = true
			}
		}
		if !outcome.Restored {
			result.Degraded = true
		}
		result.Volumes = append(result.Volumes, outcome)
	}

	// Restart even after restore failures so the stack is not left down.
	result.Phase = PhaseStarting
	result.Started = o.startComponents(ctx, affected)

	result.Phase = PhaseVerifying
	deadline := opts.HealthDeadline
	if deadline <= 0 {
		deadline = 2 * time.Minute
	}
	result.Health = o.checker.WaitUntilHealthy(ctx, o.inv, deadline)
	if !result.Health.Healthy {
		// Reported, never rolled back: operators re-run or intervene.
		result.Degraded = true
	}

	for _, s := range result.Stopped {
		if !s.OK {
			result.Degraded = true
		}
	}
	for _, s := range result.Started {
		if !s.OK {
			result.Degraded = true
		}
	}

	result.Phase = PhaseDone
	result.Success = !result.Degraded

	o.logger.Info().
		Bool("success", result.Success).
		Bool("degraded", result.Degraded).
		Int("volumes", len(result.Volumes)).
		Msg("restore completed")

	return result, nil
}

// validate loads the manifest and computes the restore plan. With an empty
// filter, every volume in the manifest must still exist in the live
// inventory; unknown volumes become warnings, not silent skips.
func (o *Orchestrator) validate(opts Options, result *Result) (*backup.Manifest, []backup.VolumeRecord, error) {
	manifest, err := backup.LoadManifest(opts.ManifestPath)
	if err != nil {
		return nil, nil, err
	}

	wanted := make(map[string]bool, len(opts.VolumeFilter))
	for _, name := range opts.VolumeFilter {
		wanted[name] = true
		if _, ok := manifest.Volume(name); !ok {
			return nil, nil, fmt.Errorf("volume %s not present in manifest %s", name, opts.ManifestPath)
		}
	}

	var plan []backup.VolumeRecord
	for _, rec := range manifest.Volumes {
		if len(wanted) > 0 && !wanted[rec.Name] {
			continue
		}
		if !rec.Success {
			result.Warnings = append(result.Warnings, fmt.Sprintf("volume %s was not archived successfully and will be skipped", rec.Name))
			continue
		}
		if _, ok := o.inv.VolumeOwner(rec.Name); !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("volume %s from manifest does not exist in the live inventory", rec.Name))
			continue
		}
		plan = append(plan, rec)
	}

	if len(plan) == 0 {
		return nil, nil, fmt.Errorf("nothing to restore from %s", opts.ManifestPath)
	}

	for _, rec := range plan {
		result.Planned = append(result.Planned, rec.Name)
	}
	return manifest, plan, nil
}

// affectedComponents returns the owners of the planned volumes in
// topological order.
func (o *Orchestrator) affectedComponents(plan []backup.VolumeRecord) []inventory.Component {
	affected := make(map[string]bool)
	for _, rec := range plan {
		if owner, ok := o.inv.VolumeOwner(rec.Name); ok {
			affected[owner.Name] = true
		}
	}

	var out []inventory.Component
	for _, comp := range o.inv.TopologicalOrder() {
		if affected[comp.Name] {
			out = append(out, comp)
		}
	}
	return out
}

// stopComponents stops the affected components dependents-first.
func (o *Orchestrator) stopComponents(ctx context.Context, comps []inventory.Component, timeout time.Duration) []ComponentOutcome {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	outcomes := make([]ComponentOutcome, 0, len(comps))
	for i := len(comps) - 1; i >= 0; i-- {
		comp := comps[i]
		outcome := ComponentOutcome{Name: comp.Name, OK: true}
		if err := o.manager.Stop(ctx, comp.Name, timeout); err != nil {
			o.logger.Error().Err(err).Str("target", comp.Name).Msg("graceful stop failed")
			if ferr := o.manager.ForceStop(ctx, comp.Name); ferr != nil {
				outcome.OK = false
				outcome.Error = ferr.Error()
			}
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// startComponents starts the affected components dependencies-first.
func (o *Orchestrator) startComponents(ctx context.Context, comps []inventory.Component) []ComponentOutcome {
	outcomes := make([]ComponentOutcome, 0, len(comps))
	for _, comp := range comps {
		outcome := ComponentOutcome{Name: comp.Name, OK: true}
		if err := o.manager.Start(ctx, comp.Name); err != nil {
			o.logger.Error().Err(err).Str("target", comp.Name).Msg("start failed")
			outcome.OK = false
			outcome.Error = err.Error()
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// backupDirOf maps a manifest path (directory or file) to the directory
// holding the volume archives.
func backupDirOf(manifestPath string) string {
	if filepath.Ext(manifestPath) == ".json" {
		return filepath.Dir(manifestPath)
	}
	return manifestPath
}
