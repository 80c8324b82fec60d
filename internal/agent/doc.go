// Package agent runs the per-subject audit loop: gather evidence, ask the
// decision policy what to do next, investigate when it asks for more, and stop
// with a raw verdict or an abort reason. Every loop is bounded by an iteration
// cap, a collection-round budget and an optional cost ceiling.
package agent
