// Package dedupe drops platform updates that are delivered more than once
// within a time window, such as a shared bot update replayed after a poll
// retry.
package dedupe
