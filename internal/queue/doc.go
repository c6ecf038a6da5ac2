// Package queue defines the persistent generation task queue: the task,
// event, and worker-lease domain types, the storage interfaces implemented
// by the embedded store, and the client-side wait helper used by callers
// that enqueue work and block for the outcome.
package queue
