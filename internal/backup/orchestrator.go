package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackops/stackctl/internal/archive"
	"github.com/stackops/stackctl/internal/inventory"
)

// ConfigArchiveName is the opaque configuration capture inside a backup
// directory.
const ConfigArchiveName = "configs.tar.gz"

// Options configures one backup run. DestinationDir is always explicit;
// there is no process-wide current-backup state.
type Options struct {
	DestinationDir string
	RetentionDays  int
	// Workers bounds concurrent volume archiving. Clamped to [1,4] so
	// archive jobs cannot starve disk bandwidth.
	Workers int
}

// Orchestrator runs whole-stack backups.
type Orchestrator struct {
	inv      *inventory.Inventory
	archiver *archive.Archiver
	logger   zerolog.Logger
}

// NewOrchestrator creates a backup orchestrator for the given inventory.
func NewOrchestrator(inv *inventory.Inventory, archiver *archive.Archiver, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		inv:      inv,
		archiver: archiver,
		logger:   logger.With().Str("component", "backup").Logger(),
	}
}

// BackupDirName returns the timestamp-derived directory name for a run.
func BackupDirName(stackName string, ts time.Time) string {
	return fmt.Sprintf("%s_%s", stackName, ts.Format("20060102_150405"))
}

// Run snapshots every volume in the inventory and captures declared config
// inputs, then writes the manifest. A single volume failure never aborts
// the run: it is recorded and the remaining volumes still get archived.
// The returned error is non-nil only for failures that prevent the run
// from producing a manifest at all.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Manifest, string, error) {
	timestamp := time.Now()
	backupDir := filepath.Join(opts.DestinationDir, BackupDirName(o.inv.StackName, timestamp))

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create backup directory: %w", err)
	}

	o.logger.Info().
		Str("stack", o.inv.StackName).
		Str("dir", backupDir).
		Msg("starting stack backup")

	manifest := &Manifest{
		Version:   ManifestVersion,
		StackName: o.inv.StackName,
		Timestamp: timestamp,
	}

	manifest.Volumes = o.snapshotVolumes(ctx, backupDir, opts.Workers)
	manifest.Configs, manifest.ConfigChecksum = o.captureConfigs(ctx, backupDir)

	manifest.OverallSuccess = true
	for _, v := range manifest.Volumes {
		if !v.Success {
			manifest.OverallSuccess = false
		}
	}
	for _, c := range manifest.Configs {
		if !c.Success {
			manifest.OverallSuccess = false
		}
	}

	if err := WriteManifest(manifest, backupDir); err != nil {
		manifest.OverallSuccess = false
		return manifest, backupDir, err
	}

	succeeded, failed := manifest.Counts()
	o.logger.Info().
		Bool("overall_success", manifest.OverallSuccess).
		Int("volumes_ok", succeeded).
		Int("volumes_failed", failed).
		Msg("stack backup completed")

	if opts.RetentionDays > 0 {
		if _, err := Prune(opts.DestinationDir, opts.RetentionDays, o.logger); err != nil {
			o.logger.Error().Err(err).Msg("retention pruning failed")
		}
	}

	return manifest, backupDir, nil
}

// snapshotVolumes archives every volume with bounded parallelism, keeping
// results in deterministic topological owner order.
func (o *Orchestrator) snapshotVolumes(ctx context.Context, backupDir string, workers int) []VolumeRecord {
	if workers < 1 {
		workers = 2
	}
	if workers > 4 {
		workers = 4
	}

	type job struct {
		idx   int
		vol   inventory.Volume
		owner string
	}

	var jobs []job
	for _, comp := range o.inv.TopologicalOrder() {
		for _, vol := range comp.Volumes {
			jobs = append(jobs, job{idx: len(jobs), vol: vol, owner: comp.Name})
		}
	}

	records := make([]VolumeRecord, len(jobs))
	jobCh := make(chan job)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				rec := VolumeRecord{Name: j.vol.Name, Component: j.owner}
				ar, err := o.archiver.Snapshot(ctx, j.vol, backupDir)
				if err != nil {
					o.logger.Error().Err(err).Str("volume", j.vol.Name).Msg("volume snapshot failed")
					rec.Error = err.Error()
				} else {
					rec.Success = true
					rec.Checksum = ar.Checksum
					rec.Bytes = ar.Bytes
				}
				records[j.idx] = rec
			}
		}()
	}

	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)
	wg.Wait()

	return records
}

// captureConfigs archives the declared configuration inputs as one opaque
// tarball. Per-input failures are recorded without failing the others.
func (o *Orchestrator) captureConfigs(ctx context.Context, backupDir string) ([]ConfigRecord, string) {
	if len(o.inv.Configs) == 0 {
		return nil, ""
	}

	destPath := filepath.Join(backupDir, ConfigArchiveName)
	rec, failed, err := o.archiver.SnapshotPaths(ctx, o.inv.Configs, destPath)

	records := make([]ConfigRecord, 0, len(o.inv.Configs))
	for _, in := range o.inv.Configs {
		cr := ConfigRecord{Name: in.Name, Success: true}
		if err != nil {
			cr.Success = false
			cr.Error = err.Error()
		} else if ferr, ok := failed[in.Name]; ok {
			cr.Success = false
			cr.Error = ferr.Error()
		}
		records = append(records, cr)
	}

	checksum := ""
	if err == nil && rec != nil {
		checksum = rec.Checksum
	} else if err != nil {
		o.logger.Error().Err(err).Msg("config capture failed")
	}

	return records, checksum
}
