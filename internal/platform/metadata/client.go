// Package metadata provides the HTTP client for the external video
// metadata service. Responses and failures are translated into the error
// classes the retry policy dispatches on.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/phrazzld/reel-api/internal/domain"
	"github.com/phrazzld/reel-api/internal/platform/logger"
	"github.com/phrazzld/reel-api/internal/task"
)

// DefaultTimeout bounds a single metadata request. A hung upstream must not
// pin a worker indefinitely.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// Client fetches video metadata over HTTP. It implements task.MetadataFetcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a metadata client for the given service base URL.
// A zero timeout falls back to DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// videoResponse is the service's wire format for a video lookup.
type videoResponse struct {
	Title           string `json:"title"`
	Author          string `json:"author"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Fetch retrieves metadata for the referenced video. Errors carry a
// domain.ClassifiedError: 404 means the video is gone for good, 403 and 429
// mean the service refused on quota, server errors and network failures are
// transient, and an unparseable body is invalid.
func (c *Client) Fetch(ctx context.Context, externalRef string) (*domain.VideoMetadata, error) {
	log := logger.FromContext(ctx)

	endpoint := fmt.Sprintf("%s/videos/%s", c.baseURL, url.PathEscape(externalRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.NewInvalidError(fmt.Errorf("building metadata request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are worth another attempt.
		log.Warn("metadata request failed", "external_ref", externalRef, "error", err)
		return nil, domain.NewTransientError(fmt.Errorf("metadata request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("reading metadata response: %w", err))
	}

	if err := classifyStatus(resp.StatusCode, externalRef); err != nil {
		log.Warn("metadata service returned error status",
			"external_ref", externalRef,
			"status", resp.StatusCode)
		return nil, err
	}

	var payload videoResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.NewInvalidError(fmt.Errorf("decoding metadata response: %w", err))
	}
	if payload.Title == "" {
		return nil, domain.NewInvalidError(
			fmt.Errorf("metadata response for %s has no title", externalRef))
	}

	return &domain.VideoMetadata{
		Title:           payload.Title,
		Author:          payload.Author,
		DurationSeconds: payload.DurationSeconds,
	}, nil
}

func classifyStatus(status int, externalRef string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return domain.NewNotFoundError(fmt.Errorf("video %s not found", externalRef))
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return domain.NewQuotaExceededError(
			fmt.Errorf("metadata service refused request for %s: status %d", externalRef, status))
	case status >= 500:
		return domain.NewTransientError(
			fmt.Errorf("metadata service error for %s: status %d", externalRef, status))
	default:
		return domain.NewInvalidError(
			fmt.Errorf("unexpected metadata status for %s: %d", externalRef, status))
	}
}

// Interface compliance check.
var _ task.MetadataFetcher = (*Client)(nil)
