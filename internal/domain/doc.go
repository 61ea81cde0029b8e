// Package domain defines the core business entities of the enrichment
// pipeline: work items, batches, quota budgets, and the error
// classification shared by every component.
package domain
