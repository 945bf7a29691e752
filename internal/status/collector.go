// Package status reports host resources relevant to stack operations,
// in particular free space at the backup destination.
package status

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStatus contains a point-in-time snapshot of host resources.
type HostStatus struct {
	CollectedAt      time.Time `json:"collected_at"`
	CPUUsage         float64   `json:"cpu_usage"`
	MemoryUsage      float64   `json:"memory_usage"`
	RootDiskUsage    float64   `json:"root_disk_usage"`
	BackupDir        string    `json:"backup_dir,omitempty"`
	BackupFreeBytes  int64     `json:"backup_free_bytes"`
	BackupTotalBytes int64     `json:"backup_total_bytes"`
	BackupDirExists  bool      `json:"backup_dir_exists"`
}

// Collector gathers host status.
type Collector struct {
	backupDir string
}

// NewCollector creates a Collector. backupDir may be empty.
func NewCollector(backupDir string) *Collector {
	return &Collector{backupDir: backupDir}
}

// Collect gathers host resources. Individual probe failures leave their
// fields zero rather than failing the whole snapshot.
func (c *Collector) Collect(ctx context.Context) *HostStatus {
	s := &HostStatus{
		CollectedAt: time.Now().UTC(),
		BackupDir:   c.backupDir,
	}

	// CPU usage averaged over 1 second.
	if pct, err := cpu.PercentWithContext(ctx, time.Second, false); err == nil && len(pct) > 0 {
		s.CPUUsage = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryUsage = vm.UsedPercent
	}

	rootPath := "/"
	if runtime.GOOS == "windows" {
		rootPath = "C:\\"
	}
	if du, err := disk.UsageWithContext(ctx, rootPath); err == nil {
		s.RootDiskUsage = du.UsedPercent
	}

	if c.backupDir != "" {
		if _, err := os.Stat(c.backupDir); err == nil {
			s.BackupDirExists = true
			if du, err := disk.UsageWithContext(ctx, c.backupDir); err == nil {
				s.BackupFreeBytes = int64(du.Free)
				s.BackupTotalBytes = int64(du.Total)
			}
		}
	}

	return s
}
