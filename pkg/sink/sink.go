// Package sink implements the write side of the audit pipeline: a required
// synchronous primary store write, best-effort buffered mirrors to the
// streaming backend, and the composite that coordinates them.
package sink

import (
	"context"

	"github.com/houyuxi012/auditplane/pkg/record"
)

// Sink accepts audit records. Implementations report failure through the
// returned error and must never corrupt shared state when they fail; whether
// a failure matters to the caller is the implementation's contract (primary:
// yes, mirror: never).
type Sink interface {
	Emit(ctx context.Context, rec *record.Record) error
	Close(ctx context.Context) error
}
