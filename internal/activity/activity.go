package activity

import (
	"context"
	"time"
)

// Entry is one audit record. Pointer fields are nullable in storage.
type Entry struct {
	ActorID     *int64
	ActorRole   *string
	Action      string
	TargetType  *string
	TargetID    *int64
	Description *string
	OccurredAt  time.Time
}

// Log records audit events. Implementations may fail; callers must treat a
// failed Record as non-fatal and never let it affect the primary operation.
type Log interface {
	Record(ctx context.Context, entry Entry) error
}

// Noop discards every entry.
type Noop struct{}

func (Noop) Record(ctx context.Context, entry Entry) error { return nil }

func Int64Ptr(v int64) *int64    { return &v }
func StringPtr(v string) *string { return &v }
