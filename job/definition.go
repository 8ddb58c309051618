package job

import "context"

// Definition is a typed job definition. T is the payload type and must be
// plain serializable data — it crosses a process boundary in broker mode.
type Definition[T any] struct {
	// Type is the job type name, unique within its queue's catalog.
	Type string

	// Handler processes the job payload. Handlers must tolerate
	// at-least-once delivery: after a crash mid-processing the same
	// logical event may run again, so effects should be naturally
	// idempotent (upserts, existence checks) wherever possible.
	Handler func(ctx context.Context, payload T) error
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](typeName string, handler func(ctx context.Context, payload T) error) *Definition[T] {
	return &Definition[T]{
		Type:    typeName,
		Handler: handler,
	}
}
