package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skeinworks/skein/run/emit"
	"github.com/skeinworks/skein/run/state"
	"github.com/skeinworks/skein/run/store"
)

// Verify checks the integrity of a session's checkpoint chain: every step
// must link to its predecessor and carry the idempotency key recomputed
// from its own contents. A mismatch means the chain was corrupted or
// written by divergent executions and reports ErrReplayMismatch.
func (e *Engine) Verify(ctx context.Context, sessionID string) error {
	steps, err := e.store.List(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return store.ErrNotFound
	}

	// The chain root links to the step before the first checkpoint: -1 for
	// sessions created through Sessions.Create, 0 for bare Engine.Start.
	prev := steps[0] - 1
	for _, step := range steps {
		cp, err := e.store.Load(ctx, sessionID, step)
		if err != nil {
			return err
		}
		if cp.PrevStep != prev {
			return fmt.Errorf("%w: step %d links to %d, expected %d",
				ErrReplayMismatch, step, cp.PrevStep, prev)
		}

		p, err := decodePayload(cp)
		if err != nil {
			return err
		}
		stateJSON, err := json.Marshal(p.State)
		if err != nil {
			return fmt.Errorf("encode state at step %d: %w", step, err)
		}
		want := idempotencyKey(sessionID, step, p.Frontier, stateJSON)
		if cp.IdempotencyKey != want {
			return fmt.Errorf("%w: step %d idempotency key diverged", ErrReplayMismatch, step)
		}
		prev = step
	}
	return nil
}

// Replay re-drives a session from its first checkpoint and compares each
// re-derived state against the stored chain, reporting ErrReplayMismatch
// on the first divergence. Deltas are merged in each checkpoint's
// recorded merge order rather than live completion order, so concurrent
// branches reproduce the exact state the original run committed.
//
// Re-driven nodes execute for real against a shadow engine whose events
// go nowhere and whose metrics are disabled; no checkpoint is written.
// External inputs (session seed, resume responses) are re-applied from
// the chain's recorded inputs. Reproduction holds for nodes that are
// deterministic given their snapshot; recorded tool results serve
// deterministic tool calls from the cache, but a node calling a live
// collaborator that answers differently is a real divergence and is
// reported as one. Failed and cancelled checkpoints re-anchor the
// baseline instead of being re-driven, since their steps ended mid-merge.
func (e *Engine) Replay(ctx context.Context, sessionID string) error {
	steps, err := e.store.List(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return store.ErrNotFound
	}

	cfg := e.cfg
	cfg.metrics = nil
	shadow := &Engine{
		graph:    e.graph,
		store:    e.store,
		events:   emit.NewMux(),
		tools:    e.tools,
		cfg:      cfg,
		overlays: make(map[string]map[string]*Graph),
	}
	defer shadow.dropOverlays(sessionID)

	prevCp, err := e.store.Load(ctx, sessionID, steps[0])
	if err != nil {
		return err
	}
	prev, err := decodePayload(prevCp)
	if err != nil {
		return err
	}

	for _, step := range steps[1:] {
		cp, err := e.store.Load(ctx, sessionID, step)
		if err != nil {
			return err
		}
		p, err := decodePayload(cp)
		if err != nil {
			return err
		}

		// Re-drive only contiguous, cleanly committed steps. A gap (the
		// extra step a cancellation commits) or a failed checkpoint
		// re-anchors the baseline; chain integrity there is Verify's job.
		redrivable := step == prevCp.Step+1
		switch Status(cp.Status) {
		case StatusRunning, StatusSuspended, StatusCompleted:
		default:
			redrivable = false
		}
		if !redrivable {
			prevCp, prev = cp, p
			continue
		}

		st := prev.State
		if p.Input != nil {
			st, err = state.Apply(shadow.cfg.schema, st, *p.Input)
			if err != nil {
				return fmt.Errorf("replay step %d: apply recorded input: %w", step, err)
			}
		}

		rl := &runLoop{
			e:         shadow,
			sessionID: sessionID,
			st:        st,
			f:         newFrontier(prev.Frontier),
			joins:     cloneJoins(prev.Joins),
			step:      prevCp.Step,
			prevStep:  prevCp.Step,
		}
		switch Status(prevCp.Status) {
		case StatusReady:
			if st.Task != nil {
				st.Task.Status = state.TaskInProgress
			}
			if err := rl.enqueueTarget(nil, shadow.graph.Start(), "", 0); err != nil {
				return err
			}
		case StatusSuspended:
			if prev.Suspension == nil {
				return fmt.Errorf("%w: step %d suspended without a suspension record", ErrReplayMismatch, prevCp.Step)
			}
			if st.Task != nil {
				st.Task.Status = state.TaskInProgress
			}
			if err := rl.routeFrom(prev.Suspension.Namespace, prev.Suspension.NodeID, st); err != nil {
				return err
			}
		}

		if err := rl.redrive(ctx, p.MergeOrder); err != nil {
			return err
		}

		want, err := canonicalState(p.State)
		if err != nil {
			return err
		}
		got, err := canonicalState(rl.st)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("%w: state diverged at step %d", ErrReplayMismatch, step)
		}
		prevCp, prev = cp, p
	}
	return nil
}

// redrive executes one step's frozen frontier and folds the results in
// the recorded merge order.
func (rl *runLoop) redrive(ctx context.Context, recorded []string) error {
	batch := rl.f.drain()
	rl.step++
	if len(batch) == 0 {
		rl.terminal = true
	}

	results, err := rl.e.executeBatch(ctx, rl, batch)
	if err != nil {
		return err
	}
	if len(results) != len(recorded) {
		return fmt.Errorf("%w: step %d produced %d completions, chain recorded %d",
			ErrReplayMismatch, rl.step, len(results), len(recorded))
	}

	byKey := make(map[string][]execResult, len(results))
	for _, r := range results {
		k := r.item.key()
		byKey[k] = append(byKey[k], r)
	}
	for _, key := range recorded {
		rs := byKey[key]
		if len(rs) == 0 {
			return fmt.Errorf("%w: recorded merge order names %s, which did not run", ErrReplayMismatch, key)
		}
		r := rs[0]
		byKey[key] = rs[1:]
		if r.err != nil {
			return fmt.Errorf("%w: node %s failed during replay: %v", ErrReplayMismatch, key, r.err)
		}
		if err := rl.merge(r); err != nil {
			return err
		}
		if err := rl.route(r); err != nil {
			return err
		}
	}

	// Mirror the live loop's task bookkeeping so states compare equal.
	switch {
	case rl.suspended != nil:
		if rl.st.Task != nil {
			rl.st.Task.Status = state.TaskAwaitingInput
		}
	case rl.terminal:
		if rl.st.Task != nil {
			rl.st.Task.Status = state.TaskCompleted
		}
	}
	return nil
}

func cloneJoins(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// canonicalState strips wall-clock fields (action timestamps, tool
// durations) before marshaling, so a live state and its re-derivation
// compare on content.
func canonicalState(s *state.RunState) ([]byte, error) {
	c, err := s.Clone()
	if err != nil {
		return nil, err
	}
	for i := range c.Actions {
		c.Actions[i].At = time.Time{}
	}
	for i := range c.ToolResults {
		c.ToolResults[i].Duration = 0
	}
	return json.Marshal(c)
}

// StateAt returns the run state as of a specific checkpointed step.
func (e *Engine) StateAt(ctx context.Context, sessionID string, step int) (*state.RunState, error) {
	cp, err := e.store.Load(ctx, sessionID, step)
	if err != nil {
		return nil, err
	}
	p, err := decodePayload(cp)
	if err != nil {
		return nil, err
	}
	return p.State, nil
}

// StateAtLabel returns the run state at a labeled save point.
func (e *Engine) StateAtLabel(ctx context.Context, sessionID, label string) (*state.RunState, error) {
	cp, err := e.store.LoadLabel(ctx, sessionID, label)
	if err != nil {
		return nil, err
	}
	p, err := decodePayload(cp)
	if err != nil {
		return nil, err
	}
	return p.State, nil
}

// CheckpointReplay reconstructs state-channel events from the checkpoint
// log, serving stream subscriptions that start before the mux's in-memory
// history. Wire it into the mux with emit.WithReplaySource.
//
// Reconstruction is approximate by design: per-step node completions are
// re-derived from each checkpoint's recorded merge order, with sequence
// numbers interpolated up to the checkpoint's anchored Seq. Token and
// custom events are not persisted and cannot be replayed.
type CheckpointReplay struct {
	store store.Store
}

// NewCheckpointReplay creates a replay source over a checkpoint store.
func NewCheckpointReplay(st store.Store) *CheckpointReplay {
	return &CheckpointReplay{store: st}
}

// ReplayEvents implements emit.ReplaySource.
func (r *CheckpointReplay) ReplayEvents(ctx context.Context, sessionID string, fromSeq uint64) ([]emit.Event, error) {
	steps, err := r.store.List(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []emit.Event
	prevSeq := uint64(0)
	for _, step := range steps {
		cp, err := r.store.Load(ctx, sessionID, step)
		if err != nil {
			return nil, err
		}
		p, err := decodePayload(cp)
		if err != nil {
			return nil, err
		}

		// The checkpoint anchors the last sequence assigned during its
		// step; completions are spread over the preceding numbers.
		seq := prevSeq
		for _, nodeKey := range p.MergeOrder {
			seq++
			if seq < fromSeq || seq > p.Seq {
				continue
			}
			out = append(out, emit.Event{
				SessionID: sessionID,
				Seq:       seq,
				Channel:   emit.ChannelState,
				Step:      step,
				NodeID:    nodeKey,
				Msg:       emit.MsgNodeCompleted,
			})
		}
		prevSeq = p.Seq
	}
	return out, nil
}
