// Package archive snapshots and restores single volumes as compressed
// tarballs with content checksums.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackops/stackctl/internal/inventory"
)

// Errors returned by archive operations. Archive and restore failures are
// per-volume and recoverable at the orchestrator level.
var (
	ErrVolumeUnresolved = errors.New("volume source cannot be resolved")
	ErrArchiveFailed    = errors.New("archive write failed")
	ErrArchiveMissing   = errors.New("archive file missing")
	ErrArchiveCorrupt   = errors.New("archive checksum mismatch")
	ErrRestoreFailed    = errors.New("volume restore failed")
)

// Record describes a completed snapshot: where it landed, its checksum over
// the compressed bytes, and its size.
type Record struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Bytes    int64  `json:"bytes"`
}

// Archiver snapshots and restores volumes through a Driver.
type Archiver struct {
	driver Driver
	logger zerolog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(driver Driver, logger zerolog.Logger) *Archiver {
	return &Archiver{
		driver: driver,
		logger: logger.With().Str("component", "archiver").Logger(),
	}
}

// Snapshot writes the volume's current contents to
// destDir/<volume-name>.tar.gz. The archive is written to a .partial file
// first and renamed only on success, so an interrupted snapshot is never
// mistaken for a complete one.
func (a *Archiver) Snapshot(ctx context.Context, vol inventory.Volume, destDir string) (*Record, error) {
	sourceDir, err := a.driver.Resolve(ctx, vol)
	if err != nil {
		return nil, err
	}

	finalPath := filepath.Join(destDir, vol.Name+".tar.gz")
	a.logger.Info().Str("volume", vol.Name).Str("source", sourceDir).Str("dest", finalPath).Msg("snapshotting volume")

	rec, err := a.writeArchive(ctx, finalPath, func(tw *tar.Writer) error {
		return addTree(ctx, tw, sourceDir, "")
	})
	if err != nil {
		return nil, err
	}
	rec.Name = vol.Name

	a.logger.Info().
		Str("volume", vol.Name).
		Int64("bytes", rec.Bytes).
		Str("checksum", rec.Checksum).
		Msg("volume snapshot completed")

	return rec, nil
}

// SnapshotPaths archives several named host paths into a single tarball,
// each under a top-level directory matching its name. Used for the opaque
// configuration capture during backups. Paths that cannot be read are
// reported in failed without aborting the rest.
func (a *Archiver) SnapshotPaths(ctx context.Context, inputs []inventory.ConfigInput, destPath string) (*Record, map[string]error, error) {
	failed := make(map[string]error)

	rec, err := a.writeArchive(ctx, destPath, func(tw *tar.Writer) error {
		for _, in := range inputs {
			if err := addTree(ctx, tw, in.Path, in.Name); err != nil {
				a.logger.Warn().Err(err).Str("config", in.Name).Msg("failed to capture config input")
				failed[in.Name] = err
			}
		}
		return nil
	})
	if err != nil {
		return nil, failed, err
	}
	rec.Name = filepath.Base(destPath)

	return rec, failed, nil
}

// writeArchive streams a gzip tarball to path via a .partial file, hashing
// the compressed bytes as they are written.
func (a *Archiver) writeArchive(ctx context.Context, path string, fill func(*tar.Writer) error) (*Record, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}

	partial := path + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}

	hash := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(f, hash))
	tw := tar.NewWriter(gz)

	fail := func(cause error) (*Record, error) {
		tw.Close()
		gz.Close()
		f.Close()
		os.Remove(partial)
		return nil, fmt.Errorf("%w: %v", ErrArchiveFailed, cause)
	}

	if err := fill(tw); err != nil {
		return fail(err)
	}
	if err := tw.Close(); err != nil {
		return fail(err)
	}
	if err := gz.Close(); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}

	info, err := os.Stat(partial)
	if err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}
	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}

	return &Record{
		Path:     path,
		Checksum: fmt.Sprintf("%x", hash.Sum(nil)),
		Bytes:    info.Size(),
	}, nil
}

// Restore destructively replaces the volume's contents with the archive
// contents. When a checksum is recorded the archive is verified before
// anything is touched. Extraction goes to a temporary sibling directory
// which is atomically swapped in; if the rename crosses filesystems the
// restore falls back to replace-in-place, a known gap on such drivers.
func (a *Archiver) Restore(ctx context.Context, vol inventory.Volume, archivePath, wantChecksum string) error {
	if _, err := os.Stat(archivePath); err != nil {
		return fmt.Errorf("%w: %s", ErrArchiveMissing, archivePath)
	}

	if wantChecksum != "" {
		got, err := Checksum(archivePath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
		}
		if got != wantChecksum {
			return fmt.Errorf("%w: %s: got %s, want %s", ErrArchiveCorrupt, archivePath, got, wantChecksum)
		}
	}

	targetDir, err := a.driver.Resolve(ctx, vol)
	if err != nil {
		return err
	}

	a.logger.Info().Str("volume", vol.Name).Str("archive", archivePath).Str("target", targetDir).Msg("restoring volume")

	stagingDir, err := os.MkdirTemp(filepath.Dir(targetDir), "."+filepath.Base(targetDir)+".restore-")
	if err != nil {
		return fmt.Errorf("%w: create staging directory: %v", ErrRestoreFailed, err)
	}
	defer os.RemoveAll(stagingDir)

	if err := extractArchive(ctx, archivePath, stagingDir); err != nil {
		return err
	}

	if err := swapDirs(stagingDir, targetDir); err != nil {
		a.logger.Warn().Err(err).Str("volume", vol.Name).Msg("atomic swap unavailable, replacing contents in place")
		if err := replaceInPlace(stagingDir, targetDir); err != nil {
			return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
		}
	}

	a.logger.Info().Str("volume", vol.Name).Msg("volume restore completed")
	return nil
}

// Checksum returns the hex SHA-256 of a file's contents.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// addTree writes the tree rooted at sourceDir into tw, with entry names
// prefixed by prefix.
func addTree(ctx context.Context, tw *tar.Writer, sourceDir, prefix string) error {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return addFile(tw, sourceDir, filepath.Join(prefix, filepath.Base(sourceDir)), info)
	}

	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(filepath.Join(prefix, rel))

		switch {
		case info.IsDir():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			clearVolatileTimes(hdr)
			return tw.WriteHeader(hdr)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = name
			clearVolatileTimes(hdr)
			return tw.WriteHeader(hdr)
		case info.Mode().IsRegular():
			return addFile(tw, path, name, info)
		default:
			// Sockets, devices and the like are not durable data.
			return nil
		}
	})
}

// clearVolatileTimes drops access and change times from a header so that
// archiving an unchanged tree twice yields byte-identical output.
func clearVolatileTimes(hdr *tar.Header) {
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}
}

func addFile(tw *tar.Writer, path, name string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)
	clearVolatileTimes(hdr)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// extractArchive unpacks a gzip tarball into destDir, rejecting entries
// that would escape it.
func extractArchive(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrArchiveCorrupt, archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrRestoreFailed, ctx.Err())
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrArchiveCorrupt, archivePath, err)
		}

		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("%w: unsafe entry name %q", ErrArchiveCorrupt, hdr.Name)
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&os.ModePerm); err != nil {
				return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&os.ModePerm)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
			}
		default:
			// Skip entry types we never write.
		}
	}
}

// swapDirs replaces target with staged via renames so a crash mid-restore
// leaves either the old tree or the new one, never a mix.
func swapDirs(staged, target string) error {
	old := target + ".pre-restore"
	if err := os.RemoveAll(old); err != nil {
		return err
	}
	if err := os.Rename(target, old); err != nil {
		return err
	}
	if err := os.Rename(staged, target); err != nil {
		// Put the original back; the restore failed cleanly.
		if rerr := os.Rename(old, target); rerr != nil {
			return fmt.Errorf("swap failed and rollback failed: %v (rollback: %v)", err, rerr)
		}
		return err
	}
	return os.RemoveAll(old)
}

// replaceInPlace empties target and moves staged contents into it. Used
// when the staging directory cannot be renamed over the target.
func replaceInPlace(staged, target string) error {
	entries, err := os.ReadDir(target)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(target, e.Name())); err != nil {
			return err
		}
	}

	stagedEntries, err := os.ReadDir(staged)
	if err != nil {
		return err
	}
	for _, e := range stagedEntries {
		src := filepath.Join(staged, e.Name())
		dst := filepath.Join(target, e.Name())
		if err := os.Rename(src, dst); err != nil {
			// Cross-device: fall back to a copy for this entry.
			if cerr := copyTree(src, dst); cerr != nil {
				return cerr
			}
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode()&os.ModePerm)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode()&os.ModePerm)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		}
	})
}
