package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// ConnectionIDKey carries the milter connection identifier so that log
	// lines emitted deep inside providers and actions can be correlated.
	ConnectionIDKey = ContextKey("connection_id")

	// StageKey carries the protocol stage name being evaluated.
	StageKey = ContextKey("stage")
)
