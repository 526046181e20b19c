package registry

import (
	"errors"
	"fmt"
)

// ErrShuttingDown is returned by Acquire once shutdown has begun. Callers
// should surface a service-unavailable response and must not retry here.
var ErrShuttingDown = errors.New("registry: shutting down")

// ConnectionError reports a failed connection attempt for a tenant. It is
// returned to every caller waiting on the attempt and is never cached: the
// next Acquire for the tenant retries from scratch.
type ConnectionError struct {
	TenantID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting tenant %s: %v", e.TenantID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
