// Package task implements the background enrichment pipeline: the per-batch
// job queue, the retry/backoff policy, the bounded worker pool running the
// per-item enrichment stages, and the batch controller that owns
// checkpoint/resume state and aggregate counters.
package task
