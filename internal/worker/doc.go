// Package worker implements the background generation worker: a single
// cooperative scheduling loop that holds the worker lease, claims tasks
// from the image and video lanes up to per-lane concurrency caps, and
// dispatches them to the generation executor.
package worker
