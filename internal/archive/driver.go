package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stackops/stackctl/internal/inventory"
)

// dockerPrefix marks a volume source resolved through the Docker volume
// driver rather than a plain host path.
const dockerPrefix = "docker://"

// Driver resolves a volume's opaque source handle to a host directory.
type Driver interface {
	// Resolve returns the host directory backing the volume.
	Resolve(ctx context.Context, vol inventory.Volume) (string, error)
}

// HostDriver resolves volume sources that are plain host directory paths,
// and "docker://" sources by asking the Docker daemon for the volume's
// mountpoint. Explicit source declarations replace the prefix guessing the
// older restore tooling used to do.
type HostDriver struct {
	dockerBinary string
	logger       zerolog.Logger
}

// NewHostDriver creates the default volume driver.
func NewHostDriver(logger zerolog.Logger) *HostDriver {
	return &HostDriver{
		dockerBinary: "docker",
		logger:       logger.With().Str("component", "volume_driver").Logger(),
	}
}

// Resolve implements Driver.
func (d *HostDriver) Resolve(ctx context.Context, vol inventory.Volume) (string, error) {
	if strings.HasPrefix(vol.Source, dockerPrefix) {
		return d.resolveDockerVolume(ctx, strings.TrimPrefix(vol.Source, dockerPrefix))
	}

	info, err := os.Stat(vol.Source)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrVolumeUnresolved, vol.Name, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s: source %s is not a directory", ErrVolumeUnresolved, vol.Name, vol.Source)
	}
	return vol.Source, nil
}

func (d *HostDriver) resolveDockerVolume(ctx context.Context, volumeName string) (string, error) {
	d.logger.Debug().Str("volume", volumeName).Msg("resolving docker volume mountpoint")

	cmd := exec.CommandContext(ctx, d.dockerBinary, "volume", "inspect", "--format", "{{json .Mountpoint}}", volumeName)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: inspect docker volume %s: %v", ErrVolumeUnresolved, volumeName, err)
	}

	var mountpoint string
	if err := json.Unmarshal(output, &mountpoint); err != nil {
		return "", fmt.Errorf("%w: parse mountpoint for %s: %v", ErrVolumeUnresolved, volumeName, err)
	}
	if mountpoint == "" {
		return "", fmt.Errorf("%w: docker volume %s has no mountpoint", ErrVolumeUnresolved, volumeName)
	}

	return mountpoint, nil
}
