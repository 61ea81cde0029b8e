// Package events defines the progress event stream emitted by the
// enrichment pipeline and an in-process broadcaster that fans events out to
// subscribers.
//
// Delivery is fire-and-forget at-least-once: the event stream is a
// convenience for observing clients, not the durable record. If nobody is
// subscribed to a batch, its events are dropped; consumers must be
// idempotent with respect to duplicate completion events. A distributed
// deployment can implement the same Publish/Subscribe contract over a
// message bus without changing the pipeline.
package events
