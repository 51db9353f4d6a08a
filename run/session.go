package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skeinworks/skein/run/emit"
	"github.com/skeinworks/skein/run/state"
	"github.com/skeinworks/skein/run/store"
)

// Sessions is the external control surface for runs: create, start,
// resume, cancel, inspect. One Sessions instance serves any number of
// concurrent sessions over a shared engine.
type Sessions struct {
	engine *Engine

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewSessions wraps an engine with session lifecycle management.
func NewSessions(e *Engine) *Sessions {
	return &Sessions{
		engine: e,
		active: make(map[string]context.CancelFunc),
	}
}

// Create allocates a session, persists its initial checkpoint, and
// returns the session ID. The session is StatusReady until Start.
func (s *Sessions) Create(ctx context.Context, userID string) (string, error) {
	sessionID := uuid.NewString()
	st := state.New(sessionID)
	if userID != "" {
		st.Meta[state.MetaUserID] = userID
	}

	raw, err := encodePayload(payload{State: st})
	if err != nil {
		return "", err
	}
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("encode initial state: %w", err)
	}
	cp := store.Checkpoint{
		SessionID:      sessionID,
		Step:           0,
		PrevStep:       -1,
		Status:         string(StatusReady),
		Payload:        raw,
		IdempotencyKey: idempotencyKey(sessionID, 0, nil, stateJSON),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.engine.store.Save(ctx, cp); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sessionID, nil
}

// Start begins executing a ready session. The seed update typically
// carries the opening user message and task. Start blocks until the run
// completes, suspends, or fails.
func (s *Sessions) Start(ctx context.Context, sessionID string, seed state.Update) (*state.RunState, Status, error) {
	cp, err := s.engine.store.LoadLatest(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, StatusFailed, fmt.Errorf("unknown session: %s", sessionID)
	}
	if err != nil {
		return nil, StatusFailed, err
	}
	if Status(cp.Status) != StatusReady {
		return nil, Status(cp.Status), &Error{
			Code:    CodeInvalidResumeState,
			Message: fmt.Sprintf("session %s is %s, not ready", sessionID, cp.Status),
		}
	}

	p, err := decodePayload(cp)
	if err != nil {
		return nil, StatusFailed, err
	}
	st, err := state.Apply(s.engine.cfg.schema, p.State, seed)
	if err != nil {
		return nil, StatusFailed, err
	}

	runCtx, err := s.register(ctx, sessionID)
	if err != nil {
		return nil, StatusFailed, err
	}
	defer s.unregister(sessionID)

	// The seed is external input; it travels in the first checkpoint so
	// replay can reproduce the opening step.
	var recorded *state.Update
	if !seed.IsZero() {
		in := seed
		recorded = &in
	}
	return s.engine.start(runCtx, sessionID, st, recorded)
}

// Resume continues a suspended session with the given external input.
// Blocks like Start.
func (s *Sessions) Resume(ctx context.Context, sessionID string, input state.Update) (*state.RunState, Status, error) {
	runCtx, err := s.register(ctx, sessionID)
	if err != nil {
		return nil, StatusFailed, err
	}
	defer s.unregister(sessionID)
	return s.engine.Resume(runCtx, sessionID, input)
}

// Cancel stops a session's active run. The run commits a cancellation
// checkpoint and its stream ends with a terminal run_failed event.
// Cancelling a session with no active run is an error.
func (s *Sessions) Cancel(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.active[sessionID]
	if !ok {
		return fmt.Errorf("session %s has no active run", sessionID)
	}
	cancel()
	return nil
}

func (s *Sessions) register(ctx context.Context, sessionID string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.active[sessionID]; dup {
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, sessionID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.active[sessionID] = cancel
	return runCtx, nil
}

func (s *Sessions) unregister(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[sessionID]; ok {
		cancel()
		delete(s.active, sessionID)
	}
}

// Status reports a session's lifecycle state and latest step.
func (s *Sessions) Status(ctx context.Context, sessionID string) (Status, int, error) {
	cp, err := s.engine.store.LoadLatest(ctx, sessionID)
	if err != nil {
		return "", 0, err
	}
	return Status(cp.Status), cp.Step, nil
}

// State returns the run state recorded at a session's latest checkpoint.
func (s *Sessions) State(ctx context.Context, sessionID string) (*state.RunState, error) {
	cp, err := s.engine.store.LoadLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	p, err := decodePayload(cp)
	if err != nil {
		return nil, err
	}
	return p.State, nil
}

// Checkpoints lists a session's checkpointed steps in ascending order.
func (s *Sessions) Checkpoints(ctx context.Context, sessionID string) ([]int, error) {
	return s.engine.store.List(ctx, sessionID)
}

// Subscribe attaches to a session's event stream. Channels nil means all
// channels; fromSeq 0 means from now, 1 replays from the beginning.
func (s *Sessions) Subscribe(ctx context.Context, sessionID string, channels []emit.Channel, fromSeq uint64) (*emit.Subscription, error) {
	return s.engine.events.Subscribe(ctx, sessionID, channels, fromSeq)
}
