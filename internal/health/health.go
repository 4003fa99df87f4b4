// Package health provides health check implementations for external dependencies.
package health

import "context"

// Checker verifies that one external dependency is reachable.
type Checker interface {
	HealthCheck(ctx context.Context) error
}
