package restore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackops/stackctl/internal/archive"
	"github.com/stackops/stackctl/internal/backup"
	"github.com/stackops/stackctl/internal/health"
	"github.com/stackops/stackctl/internal/inventory"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

type pathDriver struct{}

func (pathDriver) Resolve(ctx context.Context, vol inventory.Volume) (string, error) {
	if _, err := os.Stat(vol.Source); err != nil {
		return "", fmt.Errorf("%w: %s: %v", archive.ErrVolumeUnresolved, vol.Name, err)
	}
	return vol.Source, nil
}

// fakeManager records lifecycle calls in order.
type fakeManager struct {
	mu      sync.Mutex
	calls   []string
	stopErr map[string]error
}

func (m *fakeManager) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *fakeManager) Stop(ctx context.Context, component string, timeout time.Duration) error {
	m.record("stop:" + component)
	if err, ok := m.stopErr[component]; ok {
		return err
	}
	return nil
}

func (m *fakeManager) ForceStop(ctx context.Context, component string) error {
	m.record("force-stop:" + component)
	return nil
}

func (m *fakeManager) Start(ctx context.Context, component string) error {
	m.record("start:" + component)
	return nil
}

// fixture wires a two-component stack (app depends on db), takes a real
// backup of it, and returns everything a restore test needs.
type fixture struct {
	inv       *inventory.Inventory
	archiver  *archive.Archiver
	manager   *fakeManager
	checker   *health.Aggregator
	backupDir string
	dbDir     string
	appDir    string
}

func newFixture(t *testing.T, healthURL string) *fixture {
	t.Helper()

	dbDir := t.TempDir()
	appDir := t.TempDir()
	writeFile(t, filepath.Join(dbDir, "db.dat"), "db original")
	writeFile(t, filepath.Join(appDir, "app.dat"), "app original")

	doc := fmt.Sprintf(`
stack_name: shop
components:
  - name: db
    health_check: {url: %s, timeout: 500ms}
    volumes:
      - {name: db-data, source: %s}
  - name: app
    health_check: {url: %s, timeout: 500ms}
    depends_on: [db]
    volumes:
      - {name: app-data, source: %s}
`, healthURL, dbDir, healthURL, appDir)

	inv, err := inventory.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	archiver := archive.NewArchiver(pathDriver{}, testLogger())
	manifest, backupDir, err := backup.NewOrchestrator(inv, archiver, testLogger()).
		Run(context.Background(), backup.Options{DestinationDir: t.TempDir()})
	if err != nil {
		t.Fatalf("backup Run() error = %v", err)
	}
	if !manifest.OverallSuccess {
		t.Fatalf("fixture backup not fully successful: %+v", manifest)
	}

	checker := health.NewAggregator(health.NewProber(testLogger()),
		health.Config{MaxConcurrentProbes: 4, RecheckInterval: 50 * time.Millisecond}, testLogger())

	return &fixture{
		inv:       inv,
		archiver:  archiver,
		manager:   &fakeManager{},
		checker:   checker,
		backupDir: backupDir,
		dbDir:     dbDir,
		appDir:    appDir,
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fixture) orchestrator(confirm ConfirmFunc) *Orchestrator {
	return NewOrchestrator(f.inv, f.archiver, f.manager, f.checker, confirm, testLogger())
}

func TestRunDryRun(t *testing.T) {
	f := newFixture(t, healthyServer(t).URL)

	// Mutate live data; a dry run must not touch it.
	writeFile(t, filepath.Join(f.dbDir, "db.dat"), "db mutated")

	result, err := f.orchestrator(nil).Run(context.Background(), Options{
		ManifestPath: f.backupDir,
		DryRun:       true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !result.Success || result.Phase != PhaseDone {
		t.Errorf("result = phase %s success %v", result.Phase, result.Success)
	}
	if len(result.Planned) != 2 {
		t.Errorf("Planned = %v, want both volumes", result.Planned)
	}
	if len(f.manager.calls) != 0 {
		t.Errorf("dry run issued lifecycle calls: %v", f.manager.calls)
	}
	if got := readFile(t, filepath.Join(f.dbDir, "db.dat")); got != "db mutated" {
		t.Errorf("dry run modified volume data: %q", got)
	}
}

func TestRunRestoresAndCyclesComponents(t *testing.T) {
	f := newFixture(t, healthyServer(t).URL)

	writeFile(t, filepath.Join(f.dbDir, "db.dat"), "db corrupted")
	writeFile(t, filepath.Join(f.appDir, "app.dat"), "app corrupted")

	result, err := f.orchestrator(nil).Run(context.Background(), Options{
		ManifestPath:   f.backupDir,
		Force:          true,
		HealthDeadline: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !result.Success || result.Degraded {
		t.Fatalf("result = %+v, want clean success", result)
	}
	if got := readFile(t, filepath.Join(f.dbDir, "db.dat")); got != "db original" {
		t.Errorf("db.dat = %q, want restored content", got)
	}
	if got := readFile(t, filepath.Join(f.appDir, "app.dat")); got != "app original" {
		t.Errorf("app.dat = %q, want restored content", got)
	}

	// Dependents stop first, dependencies start first.
	want := []string{"stop:app", "stop:db", "start:db", "start:app"}
	if len(f.manager.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", f.manager.calls, want)
	}
	for i := range want {
		if f.manager.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", f.manager.calls, want)
		}
	}
}

func TestRunVolumeFilter(t *testing.T) {
	f := newFixture(t, healthyServer(t).URL)

	writeFile(t, filepath.Join(f.dbDir, "db.dat"), "db corrupted")
	writeFile(t, filepath.Join(f.appDir, "app.dat"), "app live edit")

	result, err := f.orchestrator(nil).Run(context.Background(), Options{
		ManifestPath:   f.backupDir,
		Force:          true,
		VolumeFilter:   []string{"db-data"},
		HealthDeadline: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(result.Volumes) != 1 || result.Volumes[0].Name != "db-data" {
		t.Fatalf("Volumes = %+v, want just db-data", result.Volumes)
	}
	if got := readFile(t, filepath.Join(f.dbDir, "db.dat")); got != "db original" {
		t.Errorf("db.dat = %q, want restored", got)
	}
	if got := readFile(t, filepath.Join(f.appDir, "app.dat")); got != "app live edit" {
		t.Errorf("app.dat = %q, filtered-out volume was touched", got)
	}

	// Only the owning component cycles.
	for _, call := range f.manager.calls {
		if call == "stop:app" || call == "start:app" {
			t.Errorf("app cycled for a db-only restore: %v", f.manager.calls)
		}
	}
}

func TestRunUnknownFilterVolume(t *testing.T) {
	f := newFixture(t, healthyServer(t).URL)

	result, err := f.orchestrator(nil).Run(context.Background(), Options{
		ManifestPath: f.backupDir,
		Force:        true,
		VolumeFilter: []string{"ghost-data"},
	})
	if err == nil {
		t.Fatal("Run() with unknown filter volume succeeded")
	}
	if result.Phase != PhaseFailed {
		t.Errorf("Phase = %s, want failed", result.Phase)
	}
	if len(f.manager.calls) != 0 {
		t.Errorf("lifecycle calls issued for a failed validation: %v", f.manager.calls)
	}
}

func TestRunConfirmDeclined(t *testing.T) {
	f := newFixture(t, healthyServer(t).URL)

	declined := func(prompt string) bool { return false }
	_, err := f.orchestrator(declined).Run(context.Background(), Options{
		ManifestPath: f.backupDir,
	})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run() error = %v, want ErrAborted", err)
	}
	if len(f.manager.calls) != 0 {
		t.Errorf("lifecycle calls issued after declined confirmation: %v", f.manager.calls)
	}
}

func TestRunWarnsAndSkipsBadRecords(t *testing.T) {
	f := newFixture(t, healthyServer(t).URL)

	// Rewrite the manifest: mark app-data as a failed snapshot and add a
	// volume the live inventory has never heard of.
	manifest, err := backup.LoadManifest(f.backupDir)
	if err != nil {
		t.Fatal(err)
	}
	for i := range manifest.Volumes {
		if manifest.Volumes[i].Name == "app-data" {
			manifest.Volumes[i].Success = false
			manifest.Volumes[i].Error = "disk full"
		}
	}
	manifest.Volumes = append(manifest.Volumes, backup.VolumeRecord{Name: "retired-data", Success: true})
	if err := backup.WriteManifest(manifest, f.backupDir); err != nil {
		t.Fatal(err)
	}

	result, err := f.orchestrator(nil).Run(context.Background(), Options{
		ManifestPath: f.backupDir,
		DryRun:       true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(result.Planned) != 1 || result.Planned[0] != "db-data" {
		t.Errorf("Planned = %v, want just db-data", result.Planned)
	}
	if len(result.Warnings) != 2 {
		t.Errorf("Warnings = %v, want one per skipped record", result.Warnings)
	}
}

func TestRunDegradedStillRestarts(t *testing.T) {
	f := newFixture(t, healthyServer(t).URL)

	// Corrupt the archive for db-data so its restore fails verification.
	writeFile(t, filepath.Join(f.backupDir, "db-data.tar.gz"), "not a tarball")

	result, err := f.orchestrator(nil).Run(context.Background(), Options{
		ManifestPath:   f.backupDir,
		Force:          true,
		HealthDeadline: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !result.Degraded || result.Success {
		t.Errorf("result = %+v, want degraded", result)
	}

	var dbOutcome *VolumeOutcome
	for i := range result.Volumes {
		if result.Volumes[i].Name == "db-data" {
			dbOutcome = &result.Volumes[i]
		}
	}
	if dbOutcome == nil || dbOutcome.Restored {
		t.Fatalf("db-data outcome = %+v, want failed", dbOutcome)
	}

	// Components restarted regardless of the failed volume.
	started := 0
	for _, call := range f.manager.calls {
		if call == "start:db" || call == "start:app" {
			started++
		}
	}
	if started != 2 {
		t.Errorf("calls = %v, want both components started", f.manager.calls)
	}
}

func TestRunUnhealthyAfterRestoreIsDegraded(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	f := newFixture(t, down.URL)

	result, err := f.orchestrator(nil).Run(context.Background(), Options{
		ManifestPath:   f.backupDir,
		Force:          true,
		HealthDeadline: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !result.Degraded || result.Success {
		t.Errorf("result = %+v, want degraded after failed verification", result)
	}
	if result.Health == nil || result.Health.Healthy {
		t.Error("health report missing or claims healthy")
	}
}
