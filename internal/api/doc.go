// Package api exposes a read-only HTTP view of a running batch: progress from
// the state store, the latest evidence per subject and Prometheus metrics.
package api
