// Package store defines the narrow durable-storage interfaces consumed by
// the enrichment pipeline, plus the shared error taxonomy and transaction
// helpers. The pipeline never talks to a database directly; it depends on
// these interfaces and treats every call as durable and atomic.
package store
