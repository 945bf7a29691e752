// Package backup orchestrates whole-stack backups: a snapshot of every
// owned volume plus an opaque capture of declared configuration inputs,
// recorded in an immutable manifest.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestVersion is written into new manifests. Readers stay lenient so
// manifests from older controller versions keep parsing.
const ManifestVersion = "1"

// ManifestFilename is the manifest's name inside a backup directory.
const ManifestFilename = "manifest.json"

// ErrManifestUnreadable is returned when a manifest cannot be parsed.
var ErrManifestUnreadable = errors.New("backup manifest unreadable")

// VolumeRecord describes one archived volume.
type VolumeRecord struct {
	Name      string `json:"name"`
	Component string `json:"component,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ConfigRecord describes one captured configuration input.
type ConfigRecord struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Manifest is the persisted record of one backup run. It is written once
// when the run finishes and never mutated; a partially failed backup is
// recorded as such.
type Manifest struct {
	Version        string         `json:"version,omitempty"`
	StackName      string         `json:"stack_name,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Volumes        []VolumeRecord `json:"volumes"`
	Configs        []ConfigRecord `json:"configs,omitempty"`
	ConfigChecksum string         `json:"config_checksum,omitempty"`
	OverallSuccess bool           `json:"overall_success"`
}

// VolumeNames returns the names of all volumes the manifest records,
// successful or not.
func (m *Manifest) VolumeNames() []string {
	names := make([]string, 0, len(m.Volumes))
	for _, v := range m.Volumes {
		names = append(names, v.Name)
	}
	return names
}

// Volume returns the record for the named volume.
func (m *Manifest) Volume(name string) (VolumeRecord, bool) {
	for _, v := range m.Volumes {
		if v.Name == name {
			return v, true
		}
	}
	return VolumeRecord{}, false
}

// Counts returns how many volume records succeeded and failed.
func (m *Manifest) Counts() (succeeded, failed int) {
	for _, v := range m.Volumes {
		if v.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// WriteManifest persists the manifest into dir via a temp-file rename.
func WriteManifest(m *Manifest, dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp := filepath.Join(dir, ManifestFilename+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ManifestFilename)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest from a backup directory or a direct path
// to a manifest file. Unknown fields are ignored and missing optional
// fields tolerated, keeping older manifests readable.
func LoadManifest(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreadable, err)
	}
	if info.IsDir() {
		path = filepath.Join(path, ManifestFilename)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreadable, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreadable, err)
	}
	if m.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: missing timestamp", ErrManifestUnreadable)
	}
	return &m, nil
}
