package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the local development address of the agent service.
	DefaultBaseURL = "http://localhost:4111"
	// DefaultStreamPath is the streaming endpoint, relative to the base URL.
	DefaultStreamPath = "/chat/{agentId}"

	maxErrorBody   = 512
	maxSSELineSize = 1 << 20
)

// Client is the HTTP client for the remote agent service.
type Client struct {
	baseURL    *url.URL
	streamPath string
	http       *http.Client
	stream     *http.Client
	streamTTL  time.Duration
	logger     *slog.Logger
}

// ClientConfig holds configuration for the HTTP client.
type ClientConfig struct {
	BaseURL        string
	StreamPath     string
	RequestTimeout time.Duration
	StreamTimeout  time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		StreamPath:     DefaultStreamPath,
		RequestTimeout: 60 * time.Second,
		StreamTimeout:  120 * time.Second,
	}
}

// NewClient creates a client for the agent service at cfg.BaseURL.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultClientConfig()
	if cfg.StreamPath == "" {
		cfg.StreamPath = defaults.StreamPath
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaults.StreamTimeout
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse agent service url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("agent service url %q must be http or https", cfg.BaseURL)
	}

	return &Client{
		baseURL:    base,
		streamPath: cfg.StreamPath,
		http:       &http.Client{Timeout: cfg.RequestTimeout},
		// Streams are bounded by a context deadline instead of a client
		// timeout so long replies are not cut mid-body.
		stream:    &http.Client{},
		streamTTL: cfg.StreamTimeout,
		logger:    logger,
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// History fetches the stored messages of threadID for agentID.
func (c *Client) History(ctx context.Context, agentID, threadID string) ([]UIMessage, error) {
	u := c.endpoint(
		"/api/memory/threads/"+url.PathEscape(threadID)+"/messages",
		url.Values{"agentId": {agentID}},
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	defer closeBody(resp.Body, c.logger)

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var body historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("parsing history response: %w", err)
	}
	return body.UIMessages, nil
}

// Generate submits req to agentID and returns the complete reply.
func (c *Client) Generate(ctx context.Context, agentID string, req GenerateRequest) (*GenerateResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding generate request: %w", err)
	}

	u := c.endpoint("/api/agents/"+url.PathEscape(agentID)+"/generate", nil)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Generating reply",
		"agent_id", agentID,
		"thread_id", req.Memory.ThreadID,
		"message_count", len(req.Messages),
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generate request failed: %w", err)
	}
	defer closeBody(resp.Body, c.logger)

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing generate response: %w", err)
	}
	return &out, nil
}

// Stream submits req to agentID and yields chunks of the streamed reply.
// An error chunk from the server ends the sequence with ErrStream.
func (c *Client) Stream(ctx context.Context, agentID string, req StreamRequest) iter.Seq2[*StreamChunk, error] {
	return func(yield func(*StreamChunk, error) bool) {
		payload, err := json.Marshal(req)
		if err != nil {
			yield(nil, fmt.Errorf("encoding stream request: %w", err))
			return
		}

		ctx, cancel := context.WithTimeout(ctx, c.streamTTL)
		defer cancel()

		path := strings.ReplaceAll(c.streamPath, "{agentId}", url.PathEscape(agentID))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(payload))
		if err != nil {
			yield(nil, fmt.Errorf("creating stream request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.stream.Do(httpReq)
		if err != nil {
			yield(nil, fmt.Errorf("stream request failed: %w", err))
			return
		}
		defer closeBody(resp.Body, c.logger)

		if err := checkStatus(resp); err != nil {
			yield(nil, err)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				// Comments, event names, ids and blank separators.
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}

			var chunk StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				c.logger.Warn("skipping malformed stream chunk", "agent_id", agentID, "error", err)
				continue
			}
			if chunk.Type == ChunkError {
				msg := chunk.ErrorText
				if msg == "" {
					yield(nil, ErrStream)
					return
				}
				yield(nil, fmt.Errorf("%w: %s", ErrStream, msg))
				return
			}
			if !yield(&chunk, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			yield(nil, fmt.Errorf("reading stream: %w", err))
		}
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func closeBody(body io.Closer, logger *slog.Logger) {
	if err := body.Close(); err != nil {
		logger.Debug("failed to close response body", "error", err)
	}
}
