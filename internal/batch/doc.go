// Package batch drives many audit runs under a concurrency limit. Progress is
// persisted after every subject so an interrupted batch resumes where it
// stopped; shutdown is cooperative with a bounded grace period.
package batch
