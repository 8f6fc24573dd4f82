package reasoner

import (
	"context"

	"github.com/cardlens/cardlens/pkg/claude"
)

// mockClaude returns canned responses for reasoning calls.
type mockClaude struct {
	response string
	err      error
	calls    int
	lastReq  claude.MessageRequest
}

func (m *mockClaude) CreateMessage(ctx context.Context, req claude.MessageRequest) (*claude.MessageResponse, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &claude.MessageResponse{
		Content: []claude.ContentBlock{{Type: "text", Text: m.response}},
		Usage:   claude.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}, nil
}
