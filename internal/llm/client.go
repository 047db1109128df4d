// Package llm is the client for the local LLM server used for structured
// field extraction. The server speaks the Ollama HTTP protocol.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/desertmls/harvester/internal/errs"
	"github.com/desertmls/harvester/internal/metrics"
)

// maxContentChars bounds the content included in an extraction prompt.
const maxContentChars = 4000

// FieldSpec describes one field of an extraction schema.
type FieldSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Schema maps field names to their specs.
type Schema map[string]FieldSpec

// Options tunes the client. Metrics may be nil.
type Options struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	Metrics    *metrics.Registry
}

// Client talks to the local LLM server. A small connection cap and a
// request pacer keep the local server from being overloaded.
type Client struct {
	baseURL    string
	model      string
	maxRetries int
	httpc      *http.Client
	breaker    *gobreaker.CircuitBreaker
	pacer      *rate.Limiter
	mets       *metrics.Registry

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client for the configured server and model.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 2
	}

	st := gobreaker.Settings{Name: "llm"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		maxRetries: maxRetries,
		httpc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        5,
				MaxConnsPerHost:     5,
				MaxIdleConnsPerHost: 5,
			},
		},
		breaker: gobreaker.NewCircuitBreaker(st),
		pacer:   rate.NewLimiter(rate.Limit(5), 5),
		mets:    opts.Metrics,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Health checks server liveness and that the configured model is loaded.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err = c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	for _, m := range tags.Models {
		if m.Name == c.model {
			return true
		}
	}
	log.Warn().Str("model", c.model).Msg("configured model not present on LLM server")
	return false
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Options generateOptions `json:"options"`
	Stream  bool            `json:"stream"`
}

type generateOptions struct {
	NumPredict  int      `json:"num_predict"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop"`
}

type generateResponse struct {
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count,omitempty"`
}

// Complete runs one non-streaming generation. Transient failures retry
// with exponential backoff (base 1s, factor 2).
func (c *Client) Complete(ctx context.Context, prompt, system string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		System: system,
		Options: generateOptions{
			NumPredict:  maxTokens,
			Temperature: 0.1,
			TopP:        0.9,
			Stop:        []string{"</output>", "\n\n---"},
		},
		Stream: false,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode generate request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Second * time.Duration(1<<(attempt-1))
			if err := c.sleep(ctx, delay); err != nil {
				return "", err
			}
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return "", err
		}

		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.generateOnce(ctx, payload)
		})
		if err == nil {
			c.countCall("ok")
			return out.(string), nil
		}
		c.countCall("error")
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			break
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("llm completion attempt failed")
	}
	return "", errs.Wrap(errs.KindLLMUnavailable, "completion failed", lastErr)
}

func (c *Client) countCall(result string) {
	if c.mets != nil {
		c.mets.LLMCalls.WithLabelValues(result).Inc()
	}
}

func (c *Client) generateOnce(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("generate returned status %d", resp.StatusCode)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if strings.TrimSpace(gen.Response) == "" {
		return "", fmt.Errorf("empty completion")
	}
	return gen.Response, nil
}

// Extract asks the model for structured fields and parses its reply.
// Returns nil (with no error) when the reply cannot be parsed even after
// one in-place retry.
func (c *Client) Extract(ctx context.Context, content string, schema Schema, contentType string) (map[string]interface{}, error) {
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}
	system := buildSystemPrompt(schema, contentType)
	prompt := fmt.Sprintf("Extract the property fields from the following %s:\n\n%s\n\nRespond with <output>{...}</output> only.", contentType, content)

	for attempt := 0; attempt < 2; attempt++ {
		reply, err := c.Complete(ctx, prompt, system, 1024)
		if err != nil {
			return nil, err
		}
		if fields := ParseStructured(reply); fields != nil {
			return fields, nil
		}
		log.Warn().Int("attempt", attempt+1).Msg("llm reply was not parseable JSON")
	}
	return nil, nil
}

// buildSystemPrompt renders the schema into extraction instructions.
// Fields are sorted so prompts are deterministic for the cache.
func buildSystemPrompt(schema Schema, contentType string) string {
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("You extract real-estate listing fields from raw ")
	b.WriteString(contentType)
	b.WriteString(". Return a single JSON object wrapped in <output></output> tags. ")
	b.WriteString("Omit any field you cannot find; never invent values.\nFields:\n")
	for _, name := range names {
		spec := schema[name]
		fmt.Fprintf(&b, "- %s (%s): %s\n", name, spec.Type, spec.Description)
	}
	return b.String()
}

// ParseStructured pulls the JSON object out of a model reply: first the
// <output>...</output> block if present, otherwise the first balanced
// top-level brace pair.
func ParseStructured(reply string) map[string]interface{} {
	candidate := reply
	if start := strings.Index(reply, "<output>"); start >= 0 {
		candidate = reply[start+len("<output>"):]
		if end := strings.Index(candidate, "</output>"); end >= 0 {
			candidate = candidate[:end]
		}
	}

	jsonText := balancedBraces(candidate)
	if jsonText == "" {
		return nil
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(jsonText), &out); err != nil {
		return nil
	}
	return out
}

// balancedBraces returns the first balanced { ... } substring, respecting
// strings and escapes.
func balancedBraces(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
