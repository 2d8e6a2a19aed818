package agent

import (
	"context"
	"iter"
)

// Backend defines the remote agent service used by the chat controller.
// This interface is implemented by the HTTP client.
type Backend interface {
	// History returns the stored messages of a thread for an agent.
	History(ctx context.Context, agentID, threadID string) ([]UIMessage, error)

	// Generate submits a message and waits for the whole reply.
	Generate(ctx context.Context, agentID string, req GenerateRequest) (*GenerateResponse, error)

	// Stream submits a message and yields reply chunks as they arrive.
	Stream(ctx context.Context, agentID string, req StreamRequest) iter.Seq2[*StreamChunk, error]
}

// Ensure Client implements Backend.
var _ Backend = (*Client)(nil)
