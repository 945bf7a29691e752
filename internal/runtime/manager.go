// Package runtime drives component lifecycle through an external container
// manager. The orchestrators depend only on the Manager interface; the
// controller never implements container orchestration itself.
package runtime

import (
	"context"
	"time"
)

// Manager starts, stops and refreshes components.
type Manager interface {
	// Stop issues a graceful stop bounded by timeout.
	Stop(ctx context.Context, component string, timeout time.Duration) error
	// ForceStop kills the component. Only used after a graceful Stop failed.
	ForceStop(ctx context.Context, component string) error
	// Start brings the component up.
	Start(ctx context.Context, component string) error
	// Pull refreshes the component's image.
	Pull(ctx context.Context, component string) error
}
