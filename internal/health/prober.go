// Package health probes component health endpoints and aggregates the
// results into stack-wide reports.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackops/stackctl/internal/inventory"
)

// Status is the tri-state outcome of a single probe.
type Status string

const (
	// StatusHealthy indicates the endpoint answered with the expected status.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates a connection failure or unexpected status.
	StatusUnhealthy Status = "unhealthy"
	// StatusTimeout indicates the probe did not complete within its deadline.
	StatusTimeout Status = "timeout"
)

// Prober performs single bounded health checks against component endpoints.
type Prober struct {
	client *http.Client
	logger zerolog.Logger
}

// NewProber creates a Prober. The client carries no global timeout; each
// probe is bounded by the component's own health check timeout.
func NewProber(logger zerolog.Logger) *Prober {
	return &Prober{
		client: &http.Client{},
		logger: logger.With().Str("component", "prober").Logger(),
	}
}

// Probe performs exactly one HTTP GET against the component's health
// endpoint. Expected failure conditions (refused connections, wrong status,
// timeouts) are returned as status values, never as errors.
func (p *Prober) Probe(ctx context.Context, comp inventory.Component) Status {
	status, _ := p.probe(ctx, comp)
	return status
}

func (p *Prober) probe(ctx context.Context, comp inventory.Component) (Status, string) {
	hc := comp.HealthCheck
	probeCtx, cancel := context.WithTimeout(ctx, hc.Timeout.Std())
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, hc.URL, nil)
	if err != nil {
		// A malformed URL is rejected at inventory load; reaching this
		// means the descriptor was mutated, which is a config bug.
		return StatusUnhealthy, fmt.Sprintf("build request: %v", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			p.logger.Debug().Str("target", comp.Name).Dur("after", time.Since(start)).Msg("probe timed out")
			return StatusTimeout, fmt.Sprintf("no response within %s", hc.Timeout)
		}
		p.logger.Debug().Err(err).Str("target", comp.Name).Msg("probe failed")
		return StatusUnhealthy, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode != hc.ExpectStatus {
		return StatusUnhealthy, fmt.Sprintf("got status %d, want %d", resp.StatusCode, hc.ExpectStatus)
	}

	return StatusHealthy, ""
}
