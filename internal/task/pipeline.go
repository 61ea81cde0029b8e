package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/reel-api/internal/domain"
	"github.com/phrazzld/reel-api/internal/quota"
	"github.com/phrazzld/reel-api/internal/store"
)

// MetadataFetcher is the adapter for the external metadata service.
type MetadataFetcher interface {
	// Fetch retrieves metadata for the referenced content. Errors are
	// classified via domain.ClassifiedError.
	Fetch(ctx context.Context, externalRef string) (*domain.VideoMetadata, error)
}

// Extractor is the adapter for the external AI-extraction service.
type Extractor interface {
	// Extract produces the structured enrichment payload for the item's
	// metadata, constrained by the caller-supplied schema. Errors are
	// classified via domain.ClassifiedError.
	Extract(
		ctx context.Context,
		meta *domain.VideoMetadata,
		schema json.RawMessage,
	) (json.RawMessage, error)
}

// QuotaReserver is the slice of the quota tracker the pipeline needs.
// Implemented by *quota.Tracker.
type QuotaReserver interface {
	TryReserve(service string, units int) bool
	Release(service string, units int)
}

// outcomeKind discriminates how a pipeline run ended.
type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomePaused
	outcomeInterrupted
)

// outcome is the result of running one item through the pipeline. The
// worker reports it to the controller, which owns all batch bookkeeping.
type outcome struct {
	kind    outcomeKind
	class   domain.ErrorClass
	reason  string
	summary string
}

// pipeline executes the per-item enrichment stages: reserve metadata quota,
// fetch metadata, persist the partial result, reserve extraction quota,
// extract, persist the final result. Each adapter call runs under the retry
// policy.
type pipeline struct {
	items     store.ItemStore
	quota     QuotaReserver
	metadata  MetadataFetcher
	extractor Extractor
	policy    Policy
	logger    *slog.Logger

	// interrupt ends backoff waits early during shutdown. Adapter calls in
	// flight are never cut short; only the waits between attempts are.
	interrupt <-chan struct{}

	// sleep waits out a backoff delay, returning early on cancellation or
	// interrupt. Overridable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newPipeline(
	items store.ItemStore,
	reserver QuotaReserver,
	metadata MetadataFetcher,
	extractor Extractor,
	policy Policy,
	interrupt <-chan struct{},
	logger *slog.Logger,
) *pipeline {
	p := &pipeline{
		items:     items,
		quota:     reserver,
		metadata:  metadata,
		extractor: extractor,
		policy:    policy,
		interrupt: interrupt,
		logger:    logger.With("component", "pipeline"),
	}
	p.sleep = p.sleepContext
	return p
}

// run executes the enrichment stages for one item. The item must already be
// marked processing. Adapter panics are contained here and converted into a
// failure for this item only.
func (p *pipeline) run(
	ctx context.Context,
	item *domain.WorkItem,
	schema json.RawMessage,
) (out outcome) {
	log := p.logger.With("item_id", item.ID, "batch_id", item.BatchID, "external_ref", item.ExternalRef)

	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in item pipeline", "panic", r)
			out = outcome{
				kind:   outcomeFailed,
				class:  domain.ErrorClassInvalid,
				reason: fmt.Sprintf("internal pipeline failure: %v", r),
			}
		}
	}()

	// Metadata stage. Skipped when a previous run already persisted the
	// partial result, so a resume never spends metadata quota twice.
	if item.Metadata == nil {
		var meta *domain.VideoMetadata
		if failed := p.stage(ctx, log, item, quota.ServiceMetadata, func(ctx context.Context) error {
			var err error
			meta, err = p.metadata.Fetch(ctx, item.ExternalRef)
			return err
		}); failed != nil {
			return *failed
		}

		if err := p.items.SavePartialResult(ctx, item.ID, meta); err != nil {
			log.Error("failed to persist partial result", "error", err)
			return outcome{
				kind:   outcomeFailed,
				class:  domain.ErrorClassTransient,
				reason: fmt.Sprintf("persisting metadata: %v", err),
			}
		}
		item.Metadata = meta
	}

	// Extraction stage.
	var result json.RawMessage
	if failed := p.stage(ctx, log, item, quota.ServiceExtraction, func(ctx context.Context) error {
		var err error
		result, err = p.extractor.Extract(ctx, item.Metadata, schema)
		return err
	}); failed != nil {
		return *failed
	}

	if err := p.items.SaveResult(ctx, item.ID, item.Attempt, result); err != nil {
		log.Error("failed to persist final result", "error", err)
		return outcome{
			kind:   outcomeFailed,
			class:  domain.ErrorClassTransient,
			reason: fmt.Sprintf("persisting result: %v", err),
		}
	}

	return outcome{kind: outcomeCompleted, summary: item.Metadata.Title}
}

// stage runs one quota-consuming adapter call under the retry policy.
// Returns nil on success, or the terminal outcome for the item. Every
// invocation reserves one quota unit first; a refused reservation pauses
// the batch rather than failing the item.
//
// Each stage is its own retryable unit: the policy sees a per-stage attempt
// count, and the item records the highest count any stage reached, so the
// persisted attempt number reflects the worst stage without one stage's
// retries eating another's budget.
func (p *pipeline) stage(
	ctx context.Context,
	log *slog.Logger,
	item *domain.WorkItem,
	service string,
	call func(ctx context.Context) error,
) *outcome {
	attempt := 0
	record := func() {
		if attempt > item.Attempt {
			item.Attempt = attempt
		}
	}

	for {
		if !p.quota.TryReserve(service, 1) {
			log.Info("quota refused, pausing batch", "service", service)
			return &outcome{
				kind:   outcomePaused,
				class:  domain.ErrorClassQuotaExceeded,
				reason: fmt.Sprintf("quota exhausted for %s service", service),
			}
		}

		attempt++
		err := call(ctx)
		if err == nil {
			record()
			return nil
		}

		class := domain.ClassOf(err)
		if class == domain.ErrorClassQuotaExceeded {
			// The service itself refused on quota. The call did no work, so
			// the reserved unit goes back and the attempt does not count
			// against the item's retry budget.
			p.quota.Release(service, 1)
			attempt--
		}
		record()

		decision := p.policy.Decide(attempt, class)
		log.Warn("stage attempt failed",
			"service", service,
			"attempt", attempt,
			"error_class", class,
			"action", decision.Action,
			"error", err)

		switch decision.Action {
		case ActionPauseBatch:
			return &outcome{
				kind:   outcomePaused,
				class:  domain.ErrorClassQuotaExceeded,
				reason: err.Error(),
			}

		case ActionGiveUp:
			return &outcome{
				kind:   outcomeFailed,
				class:  class,
				reason: err.Error(),
			}

		case ActionRetry:
			if sleepErr := p.sleep(ctx, decision.Delay); sleepErr != nil {
				// Shutdown during backoff: hand the item back untouched
				// instead of burning its remaining attempts.
				return &outcome{
					kind:   outcomeInterrupted,
					reason: sleepErr.Error(),
				}
			}
		}
	}
}

// sleepContext waits for d or until ctx is cancelled or the pool shuts
// down.
func (p *pipeline) sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.interrupt:
		return context.Canceled
	case <-timer.C:
		return nil
	}
}
