// Package gemini implements the generation.Executor interface using
// Google's Gemini API: image tasks go to a Gemini image model, video tasks
// to a Veo model via the long-running operations API. Provider calls are
// retried with exponential backoff for transient failures.
package gemini
