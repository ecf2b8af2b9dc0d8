// Package hub assembles the process: store, real-time events, both connector
// registries, the shared bot router, metrics and the HTTP API. Run restores
// persisted sessions, serves until the context ends, then closes every session
// while keeping their records so the next start can restore them.
package hub
