// Package agent is the client for the remote agent service: history
// retrieval, one-shot generation and streamed generation.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/agentchat/internal/domain"
)

// UIMessage is a message as the remote service returns it in history and
// accepts it in streaming requests. Content is either a JSON string or a
// structured value; Parts carries the structured form.
type UIMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Parts   []UIPart        `json:"parts,omitempty"`
}

// UIPart is one structured content part.
type UIPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// historyResponse is the body of GET /api/memory/threads/{threadId}/messages.
type historyResponse struct {
	UIMessages []UIMessage `json:"uiMessages"`
}

// InputMessage is a plain message in a generation request.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the body of POST /api/agents/{agentId}/generate.
type GenerateRequest struct {
	Messages    []InputMessage         `json:"messages"`
	Memory      domain.SessionIdentity `json:"memory"`
	MaxSteps    int                    `json:"maxSteps"`
	Temperature float64                `json:"temperature"`
}

// GenerateResponse is the reply to a generation request.
type GenerateResponse struct {
	Text string `json:"text"`
}

// StreamRequest is the body of a streaming generation request.
type StreamRequest struct {
	Messages   []UIMessage `json:"messages"`
	ThreadID   string      `json:"threadId"`
	ResourceID string      `json:"resourceId"`
	Trigger    string      `json:"trigger"`
	MessageID  string      `json:"messageId,omitempty"`
}

// TriggerSubmit is the trigger sent with a new user message.
const TriggerSubmit = "submit-message"

// Stream chunk types delivered by the streaming endpoint.
const (
	ChunkStart     = "start"
	ChunkTextStart = "text-start"
	ChunkTextDelta = "text-delta"
	ChunkTextEnd   = "text-end"
	ChunkFinish    = "finish"
	ChunkError     = "error"
)

// StreamChunk is one incrementally delivered part of a streamed reply.
type StreamChunk struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Delta     string `json:"delta,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

// GenerationParams are the fixed parameters sent with every generation.
type GenerationParams struct {
	MaxSteps    int
	Temperature float64
}

// DefaultGenerationParams returns the parameters used when none are configured.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		MaxSteps:    5,
		Temperature: 0.7,
	}
}

var (
	// ErrStatus marks a non-2xx reply from the remote service.
	ErrStatus = errors.New("unexpected status from agent service")
	// ErrStream marks an error chunk delivered inside a stream.
	ErrStream = errors.New("agent stream error")
)

// StatusError carries the status code and a bounded excerpt of the body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %d", ErrStatus, e.StatusCode)
	}
	return fmt.Sprintf("%s: %d: %s", ErrStatus, e.StatusCode, e.Body)
}

// Unwrap lets errors.Is match ErrStatus.
func (e *StatusError) Unwrap() error {
	return ErrStatus
}
