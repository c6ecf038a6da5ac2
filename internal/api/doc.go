// Package api contains the HTTP handlers for the task queue service:
// enqueue, task lookup, listing, stats, worker lease inspection, and the
// server-sent-events stream consumed by the web UI.
package api
