// Package generation defines the boundary between the task queue and the
// external media-generation services. It abstracts the details of provider
// integration (Gemini image models, Veo video models), allowing the worker
// to dispatch claimed tasks without coupling to specific external services.
package generation
