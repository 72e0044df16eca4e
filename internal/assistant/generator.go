// Package assistant produces support-chat replies from a generative text service.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Generator turns a textual context into a reply.
type Generator interface {
	Generate(ctx context.Context, contextText string) (string, error)
}

// ErrEmptyReply is returned when the service answers without any text.
var ErrEmptyReply = errors.New("assistant: empty reply")

// replyPaths are the response fields tried in order.
var replyPaths = []string{
	"candidates.0.content.parts.0.text",
	"choices.0.message.content",
	"reply",
	"text",
}

// HTTPGenerator calls a JSON text-generation endpoint.
type HTTPGenerator struct {
	url        string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// HTTPConfig configures an HTTPGenerator.
type HTTPConfig struct {
	URL    string
	APIKey string
	// Rate is requests per second; zero disables throttling.
	Rate       float64
	Burst      int
	HTTPClient *http.Client
}

// NewHTTPGenerator creates a generator for cfg.URL.
func NewHTTPGenerator(cfg HTTPConfig) (*HTTPGenerator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	g := &HTTPGenerator{url: cfg.URL, apiKey: cfg.APIKey, httpClient: httpClient}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return g, nil
}

// Generate implements Generator. It waits for the throttle before calling out.
func (g *HTTPGenerator) Generate(ctx context.Context, contextText string) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("assistant throttle: %w", err)
		}
	}

	payload, err := json.Marshal(map[string]any{
		"contents": []any{
			map[string]any{"parts": []any{map[string]any{"text": contextText}}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return "", fmt.Errorf("assistant error: status %d: %s", resp.StatusCode, msg)
	}

	for _, path := range replyPaths {
		if text := strings.TrimSpace(gjson.GetBytes(body, path).String()); text != "" {
			return text, nil
		}
	}
	return "", ErrEmptyReply
}
