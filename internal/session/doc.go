// Package session defines the lifecycle contract shared by every connector
// family.
//
// A session moves through these states:
//
//	idle -> connecting|restoring -> [challenge ->] [authenticated ->] ready
//
// Any non-idle state may fall to error, and a reset always returns to idle.
// Only the browser family uses challenge and authenticated; bot sessions go
// straight from connecting to ready.
//
// Machine is embedded by connectors. Each Transition is published to the
// owning tenant as a "state" event through a Sink. Operations that need a
// live session call RequireReady and fail with ErrNotReady without side
// effects.
//
// Registry owns at most one connector per tenant for a family and is the only
// way connectors are created or destroyed.
package session
