package expert

import (
	"context"
	"sync"
)

// MockAnalyst is a test implementation of Analyst. It returns a
// configured sequence of findings, records every request, and can inject
// errors. Safe for concurrent use.
type MockAnalyst struct {
	// Findings is the sequence of answers to return, one per call. When
	// consumed, the last finding repeats.
	Findings []Finding

	// Err, if set, is returned by Analyze instead of a finding.
	Err error

	// Requests records every invocation.
	Requests []Request

	mu    sync.Mutex
	index int
}

// Name implements Analyst.
func (m *MockAnalyst) Name() string { return "mock" }

// Analyze implements Analyst. Streams the answer through OnToken when
// set, mirroring how real adapters behave.
func (m *MockAnalyst) Analyze(ctx context.Context, req Request) (Finding, error) {
	if ctx.Err() != nil {
		return Finding{}, ctx.Err()
	}

	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		m.mu.Unlock()
		return Finding{}, m.Err
	}
	if len(m.Findings) == 0 {
		m.mu.Unlock()
		return Finding{}, nil
	}
	idx := m.index
	if idx >= len(m.Findings) {
		idx = len(m.Findings) - 1
	} else {
		m.index++
	}
	f := m.Findings[idx]
	m.mu.Unlock()

	if req.OnToken != nil && f.Text != "" {
		req.OnToken(f.Text)
	}
	return f, nil
}

// CallCount returns how many times Analyze has run.
func (m *MockAnalyst) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
