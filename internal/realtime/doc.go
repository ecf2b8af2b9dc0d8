// Package realtime delivers live, tenant-scoped events to connected clients.
//
// Hub is an in-memory publish/subscribe keyed by tenant id. Publish never
// blocks and never reaches another tenant's subscribers. Delivery is
// at-most-once: a tenant with no subscribers misses the event, and a
// subscriber whose buffer is full has the event dropped.
//
// Handler upgrades an authenticated HTTP request to a websocket and writes
// each Event as a JSON frame:
//
//	{"event": "state", "payload": {"platform": "telegram", "state": "ready"}, "time": "..."}
package realtime
