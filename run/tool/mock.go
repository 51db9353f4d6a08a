package tool

import (
	"context"
	"sync"
)

// MockTool is a test implementation of Tool.
//
// It returns a configured response sequence, records every invocation, and
// can inject errors, which covers the usual workflow-test needs without
// real tool logic. Safe for concurrent use.
type MockTool struct {
	// ToolName is the identifier returned by Name(). Must be set.
	ToolName string

	// Pure marks the mock deterministic; deterministic mocks participate
	// in the registry's idempotence cache like real tools do.
	Pure bool

	// Responses is the sequence of outputs to return, one per call. When
	// consumed, the last response repeats.
	Responses []map[string]any

	// Err, if set, is returned by Call instead of a response.
	Err error

	// Calls records every invocation, successful or not.
	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records a single invocation of Call.
type MockToolCall struct {
	Input map[string]any
}

// Name implements Tool.
func (m *MockTool) Name() string { return m.ToolName }

// Deterministic implements Tool.
func (m *MockTool) Deterministic() bool { return m.Pure }

// Call implements Tool. It records the call, then returns the next
// configured response or the configured error.
func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and response cursor so the mock can be
// reused across test cases.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns how many times Call has run.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
