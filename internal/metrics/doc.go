// Package metrics exposes Prometheus metrics for switchboard: message
// counts per platform and direction, swallowed poll errors, skipped bulk
// fetch items, dropped live events, and a scrape-time gauge of session
// states per connector family.
package metrics
