// Package llm generates and refines scanner templates through a local
// Ollama-compatible model server.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

// Options configures the model client
type Options struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	// Temperature stays low so template generation is near-deterministic.
	Temperature float64
	Seed        int
}

// Client talks to the /api/generate endpoint of an Ollama-compatible server
type Client struct {
	opts   Options
	client *http.Client
	logger *logrus.Logger
}

// NewClient creates a model client
func NewClient(opts Options, logger *logrus.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:11434"
	}
	if opts.Model == "" {
		opts.Model = "llama3.2"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 180 * time.Second
	}
	if opts.Temperature <= 0 || opts.Temperature > 0.2 {
		opts.Temperature = 0.2
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}
}

// IsAvailable reports whether the model server answers at all
func (c *Client) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.opts.BaseURL, "/")+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	Seed        int     `json:"seed,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete sends a prompt and returns the model's raw completion
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	payload := generateRequest{
		Model:  c.opts.Model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: c.opts.Temperature,
			Seed:        c.opts.Seed,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err, "marshal generate request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.opts.BaseURL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err, "build generate request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", errs.Wrap(errs.KindCancelled, ctx.Err(), "model call cancelled")
		}
		return "", errs.Wrap(errs.KindLLMUnavailable, err, "model server unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.Wrap(errs.KindLLMUnavailable, err, "read model response")
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 300 {
			msg = msg[:300] + "..."
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", errs.New(errs.KindLLMUnavailable, "model server returned %d: %s", resp.StatusCode, msg)
		}
		return "", errs.New(errs.KindInvalidOutput, "model server rejected request with %d: %s", resp.StatusCode, msg)
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", errs.Wrap(errs.KindInvalidOutput, err, "parse model response")
	}
	c.logger.WithFields(logrus.Fields{
		"model":        c.opts.Model,
		"prompt_chars": len(prompt),
		"reply_chars":  len(out.Response),
		"duration":     time.Since(start).Round(time.Millisecond).String(),
	}).Debug("Model completion finished")
	return strings.TrimSpace(out.Response), nil
}
