// Package gemini implements the AI-extraction adapter on Google's Gemini
// API. The extractor turns fetched video metadata into a structured
// enrichment payload constrained by the batch's response schema.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/reel-api/internal/domain"
	"github.com/phrazzld/reel-api/internal/task"
	"google.golang.org/genai"
)

// ErrInvalidConfig indicates the extractor was constructed with unusable
// configuration.
var ErrInvalidConfig = errors.New("invalid extractor configuration")

// Extractor implements task.Extractor using the Gemini API.
type Extractor struct {
	logger *slog.Logger
	client *genai.Client
	model  string
}

// NewExtractor creates an Extractor for the given API key and model.
func NewExtractor(
	ctx context.Context,
	logger *slog.Logger,
	apiKey string,
	model string,
) (*Extractor, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}

	return &Extractor{
		logger: logger.With("component", "gemini_extractor"),
		client: client,
		model:  model,
	}, nil
}

// Extract produces the structured enrichment payload for the given metadata.
// The model is asked for JSON only; when the batch carries a response schema
// it is passed through so the API enforces the shape server-side.
//
// Retries are the caller's job. Extract classifies each failure and returns
// it once: API quota refusals map to quota-exceeded, server errors to
// transient, and unusable responses to invalid.
func (e *Extractor) Extract(
	ctx context.Context,
	meta *domain.VideoMetadata,
	schema json.RawMessage,
) (json.RawMessage, error) {
	if meta == nil {
		return nil, domain.NewInvalidError(errors.New("metadata cannot be nil"))
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	if len(schema) > 0 {
		var responseSchema genai.Schema
		if err := json.Unmarshal(schema, &responseSchema); err != nil {
			return nil, domain.NewInvalidError(fmt.Errorf("parsing response schema: %w", err))
		}
		config.ResponseSchema = &responseSchema
	}

	prompt := buildPrompt(meta)
	e.logger.Debug("calling gemini",
		"model", e.model,
		"title", meta.Title,
		"schema_present", len(schema) > 0)

	resp, err := e.client.Models.GenerateContent(ctx, e.model, genai.Text(prompt), config)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	text := resp.Text()
	if text == "" {
		return nil, domain.NewInvalidError(errors.New("gemini returned an empty response"))
	}

	payload := json.RawMessage(strings.TrimSpace(text))
	if !json.Valid(payload) {
		return nil, domain.NewInvalidError(
			fmt.Errorf("gemini response is not valid JSON: %.80s", text))
	}

	return payload, nil
}

// buildPrompt renders the extraction request for one video.
func buildPrompt(meta *domain.VideoMetadata) string {
	var b strings.Builder
	b.WriteString("Analyze the following video and produce a structured JSON summary.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", meta.Title)
	if meta.Author != "" {
		fmt.Fprintf(&b, "Author: %s\n", meta.Author)
	}
	if meta.DurationSeconds > 0 {
		fmt.Fprintf(&b, "Duration: %d seconds\n", meta.DurationSeconds)
	}
	b.WriteString("\nRespond with JSON only, no surrounding prose.")
	return b.String()
}

// classifyAPIError maps a Gemini API failure to an error class the retry
// policy can dispatch on.
func classifyAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return domain.NewQuotaExceededError(fmt.Errorf("gemini quota refused: %w", err))
		case apiErr.Code == http.StatusBadRequest:
			return domain.NewInvalidError(fmt.Errorf("gemini rejected request: %w", err))
		case apiErr.Code >= 500:
			return domain.NewTransientError(fmt.Errorf("gemini server error: %w", err))
		}
	}

	// Network failures, timeouts and anything unrecognized get another
	// attempt.
	return domain.NewTransientError(fmt.Errorf("gemini call failed: %w", err))
}

// Interface compliance check.
var _ task.Extractor = (*Extractor)(nil)
