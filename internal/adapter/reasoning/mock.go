package reasoning

import (
	"context"
	"sync"

	"dealbroker/internal/domain"
	"dealbroker/internal/infra/config"
)

var _ domain.ReasoningBackend = (*MockBackend)(nil)

// MockBackend is a scripted ReasoningBackend for local development and tests.
// It returns canned responses per agent role, falling back to a generic
// response when no script is registered. Safe for concurrent use.
type MockBackend struct {
	name  string
	model string

	mu      sync.Mutex
	scripts map[domain.AgentRole][]scriptEntry
	calls   int
}

type scriptEntry struct {
	text string
	err  error
}

// NewMockBackend creates a mock backend from config.
func NewMockBackend(cfg config.BackendConfig) *MockBackend {
	model := cfg.Model
	if model == "" {
		model = "mock-1"
	}
	return &MockBackend{
		name:    cfg.Name,
		model:   model,
		scripts: make(map[domain.AgentRole][]scriptEntry),
	}
}

// Script appends a canned response for the given role. Responses are consumed
// in FIFO order; the last one is repeated once the queue drains.
func (m *MockBackend) Script(role domain.AgentRole, text string) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[role] = append(m.scripts[role], scriptEntry{text: text})
	return m
}

// ScriptError appends a canned failure for the given role.
func (m *MockBackend) ScriptError(role domain.AgentRole, err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[role] = append(m.scripts[role], scriptEntry{err: err})
	return m
}

// Calls reports how many completions have been requested.
func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete implements domain.ReasoningBackend.
func (m *MockBackend) Complete(ctx context.Context, req domain.ReasoningRequest) (*domain.ReasoningResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls++
	queue := m.scripts[req.Role]
	var entry scriptEntry
	switch {
	case len(queue) > 1:
		entry = queue[0]
		m.scripts[req.Role] = queue[1:]
	case len(queue) == 1:
		entry = queue[0]
	default:
		entry = scriptEntry{text: `{}`}
	}
	m.mu.Unlock()

	if entry.err != nil {
		return nil, entry.err
	}

	return &domain.ReasoningResponse{
		Text:         entry.text,
		Model:        m.model,
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(entry.text) / 4,
	}, nil
}

// Name implements domain.ReasoningBackend.
func (m *MockBackend) Name() string { return m.name }
