// Package inference talks to the local inference backend: streamed chat
// completions, embeddings, and model enumeration. The wire shape follows
// an Ollama-style NDJSON API (one JSON object per line on the streaming
// routes, a terminal object with done=true).
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/vulcanhelix/reasonarena/internal/apperr"
	"github.com/vulcanhelix/reasonarena/internal/models"
)

// Message is one entry in a chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client streams chat completions, embeds text, and lists models against
// the configured backend.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	embeddingModel string
	retry          RetryConfig
}

// RetryConfig bounds the single retry attempted before any delta has been
// observed. Narrower than a general-purpose retry policy: retrying after a
// delta has already reached the caller would duplicate tokens, so it never
// happens regardless of these settings.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultRetryConfig is one retry of a backend_unreachable failure, bounded
// by a short exponential backoff with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   1,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// New builds a Client against baseURL (e.g. http://localhost:11434), using
// embeddingModel for Embed calls.
func New(baseURL, embeddingModel string, requestTimeout time.Duration) *Client {
	return &Client{
		baseURL:        baseURL,
		embeddingModel: embeddingModel,
		retry:          DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

type chatRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options chatOptions   `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type chatChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// StreamChat returns a channel of text deltas for one model reply. The
// channel is closed after the final delta or on error; the caller must
// drain it fully or cancel ctx to avoid leaking the producing goroutine.
// A send error terminates the stream; the error is recoverable via Err
// once the channel closes.
type StreamResult struct {
	Deltas <-chan string
	Err    func() error
}

// StreamChat streams a chat completion. deadline, if non-zero, bounds the
// whole call via context.WithTimeout on top of ctx.
func (c *Client) StreamChat(ctx context.Context, model string, messages []Message, temperature float64, deadline time.Duration) StreamResult {
	out := make(chan string)
	var callErr error

	cancel := context.CancelFunc(func() {})
	if deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, deadline)
	}

	prompt := flattenMessages(messages)
	go func() {
		defer close(out)
		defer cancel()
		callErr = c.runChat(ctx, model, prompt, temperature, out)
	}()

	return StreamResult{Deltas: out, Err: func() error { return callErr }}
}

func (c *Client) runChat(ctx context.Context, model, prompt string, temperature float64, out chan<- string) error {
	deltaSeen := false

	attempt := func() error {
		resp, err := c.doChatRequest(ctx, model, prompt, temperature)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return apperr.New(apperr.Backend, "model_missing")
		}
		if resp.StatusCode != http.StatusOK {
			return apperr.New(apperr.Backend, fmt.Sprintf("backend_error: status %d", resp.StatusCode))
		}

		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk chatChunk
			if err := decoder.Decode(&chunk); err != nil {
				if err == io.EOF {
					return nil
				}
				return apperr.Wrap(apperr.Backend, "backend_error", err)
			}

			if chunk.Response != "" {
				select {
				case out <- chunk.Response:
					deltaSeen = true
				case <-ctx.Done():
					return classifyCtxErr(ctx)
				}
			}

			if chunk.Done {
				return nil
			}
		}
	}

	var lastErr error
	for i := 0; i <= c.retry.MaxRetries; i++ {
		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		if deltaSeen {
			return lastErr
		}
		if !isRetryable(err) || i == c.retry.MaxRetries {
			return lastErr
		}
		if sleepErr := c.backoffSleep(ctx, i); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}

func (c *Client) doChatRequest(ctx context.Context, model, prompt string, temperature float64) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  true,
		Options: chatOptions{Temperature: temperature},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, classifyCtxErr(ctx)
		}
		return nil, apperr.Wrap(apperr.Backend, "backend_unreachable", err)
	}
	return resp, nil
}

func classifyCtxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return apperr.New(apperr.Timeout, "timeout")
	}
	return apperr.New(apperr.Cancelled, "cancelled")
}

// isRetryable reports whether a failed attempt is worth retrying. Only
// backend_unreachable (a connection-level failure) is retried.
// model_missing and backend_error share its apperr.Backend Kind but are
// never worth a retry, so the check keys off the message rather than the
// Kind alone; a timeout carries apperr.Timeout and fails the Kind check.
func isRetryable(err error) bool {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Kind == apperr.Backend && ae.Message == "backend_unreachable"
}

func (c *Client) backoffSleep(ctx context.Context, attempt int) error {
	delay := c.retry.InitialDelay * time.Duration(math.Pow(c.retry.Multiplier, float64(attempt)))
	if delay > c.retry.MaxDelay {
		delay = c.retry.MaxDelay
	}
	delay = addJitter(delay, c.retry.JitterFactor)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return classifyCtxErr(ctx)
	}
}

func addJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	jitter := float64(d) * factor * (rand.Float64()*2 - 1)
	result := float64(d) + jitter
	if result < 0 {
		return 0
	}
	return time.Duration(result)
}

func flattenMessages(messages []Message) string {
	var buf bytes.Buffer
	for _, m := range messages {
		buf.WriteString(m.Role)
		buf.WriteString(": ")
		buf.WriteString(m.Content)
		buf.WriteString("\n")
	}
	return buf.String()
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns a fixed-dimension embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.embeddingModel, Input: text})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode embed request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, classifyCtxErr(ctx)
		}
		return nil, apperr.Wrap(apperr.Backend, "backend_unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.New(apperr.Backend, "model_missing")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.Backend, fmt.Sprintf("backend_error: status %d", resp.StatusCode))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.Backend, "backend_error", err)
	}
	return out.Embedding, nil
}

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

// ListModels enumerates models the backend currently has available.
func (c *Client) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "build list-models request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, classifyCtxErr(ctx)
		}
		return nil, apperr.Wrap(apperr.Backend, "backend_unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.Backend, fmt.Sprintf("backend_error: status %d", resp.StatusCode))
	}

	var out tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.Backend, "backend_error", err)
	}

	result := make([]models.ModelInfo, 0, len(out.Models))
	for _, m := range out.Models {
		result = append(result, models.ModelInfo{
			Name:       m.Name,
			SizeBytes:  m.Size,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return result, nil
}

// HealthCheck probes the backend the same way ListModels does, without
// parsing the body.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "build health-check request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Backend, "backend_unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperr.New(apperr.Backend, fmt.Sprintf("backend_error: status %d", resp.StatusCode))
	}
	return nil
}
