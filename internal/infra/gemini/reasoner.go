// Package gemini implements the reasoning service on Google Gemini.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/genai"

	"github.com/dvloznov/merchant-categorizer/internal/categorizer"
)

// DefaultModelName is the default Gemini model used for merchant reasoning.
const DefaultModelName = "gemini-2.5-flash"

// Config configures a Reasoner.
type Config struct {
	// APIKey selects the Gemini API backend. When empty the client falls back
	// to the environment (GOOGLE_API_KEY or Vertex AI application credentials).
	APIKey      string
	Model       string
	Temperature float32
}

// Reasoner is the concrete implementation of categorizer.ReasoningService
// that uses Gemini.
type Reasoner struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewReasoner creates a Gemini client.
func NewReasoner(ctx context.Context, cfg Config) (*Reasoner, error) {
	cc := &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	}
	if cfg.APIKey != "" {
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("NewReasoner: create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModelName
	}
	return &Reasoner{client: client, model: model, temperature: cfg.Temperature}, nil
}

// Complete implements categorizer.ReasoningService.
func (r *Reasoner) Complete(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}
	resp, err := r.client.Models.GenerateContent(ctx, r.model, contents, r.generateConfig())
	if err != nil {
		return "", fmt.Errorf("Complete: generate content: %w", classifyError(err))
	}

	rawText := resp.Text()
	if rawText == "" {
		return "", fmt.Errorf("Complete: empty response from model: %w", categorizer.ErrReasoningParse)
	}
	return rawText, nil
}

// generateConfig asks for a JSON response so the strict parser sees a bare
// object.
func (r *Reasoner) generateConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(r.temperature),
		ResponseMIMEType: "application/json",
	}
}

// classifyError marks rate limits, server errors and network timeouts as
// transient so the resolver retries them.
func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %v", categorizer.ErrTransient, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", categorizer.ErrTransient, err)
	}
	return err
}

var _ categorizer.ReasoningService = (*Reasoner)(nil)
