// Package llm defines the client interface the call engine uses for every
// language-model call: the full answer generator, the two-stage classifier,
// and nothing else.
package llm

import (
	"context"

	"github.com/callwise/callwise/pkg/core/types"
)

// Client is the interface for making LLM requests.
type Client interface {
	// CreateMessage sends a completion request and blocks for the result.
	CreateMessage(ctx context.Context, req *types.MessageRequest) (*types.MessageResponse, error)
}
