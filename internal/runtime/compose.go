package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ComposeManager implements Manager on top of the docker compose CLI.
// Component names must match compose service names.
type ComposeManager struct {
	composePath  string
	dockerBinary string
	logger       zerolog.Logger
}

// NewComposeManager creates a ComposeManager for the given compose file.
func NewComposeManager(composePath string, logger zerolog.Logger) *ComposeManager {
	return &ComposeManager{
		composePath:  composePath,
		dockerBinary: "docker",
		logger:       logger.With().Str("component", "compose_manager").Logger(),
	}
}

// Stop implements Manager. The timeout is passed to compose, which sends
// SIGTERM and waits before escalating; the command itself is bounded a
// little beyond that so a wedged daemon cannot hang the run.
func (m *ComposeManager) Stop(ctx context.Context, component string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	m.logger.Info().Str("service", component).Int("timeout_seconds", secs).Msg("stopping service")
	return m.compose(cmdCtx, "stop", "-t", strconv.Itoa(secs), component)
}

// ForceStop implements Manager.
func (m *ComposeManager) ForceStop(ctx context.Context, component string) error {
	m.logger.Warn().Str("service", component).Msg("force-stopping service")
	return m.compose(ctx, "kill", component)
}

// Start implements Manager. --no-deps keeps compose from re-resolving the
// dependency graph; ordering is the orchestrator's job.
func (m *ComposeManager) Start(ctx context.Context, component string) error {
	m.logger.Info().Str("service", component).Msg("starting service")
	return m.compose(ctx, "up", "-d", "--no-deps", component)
}

// Pull implements Manager.
func (m *ComposeManager) Pull(ctx context.Context, component string) error {
	m.logger.Info().Str("service", component).Msg("pulling service image")
	return m.compose(ctx, "pull", component)
}

func (m *ComposeManager) compose(ctx context.Context, args ...string) error {
	full := append([]string{"compose", "-f", m.composePath}, args...)
	cmd := exec.CommandContext(ctx, m.dockerBinary, full...)
	cmd.Dir = filepath.Dir(m.composePath)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker compose %s: %w: %s", args[0], err, string(output))
	}
	return nil
}
