package run

import (
	"context"
	"testing"

	"github.com/skeinworks/skein/run/emit"
	"github.com/skeinworks/skein/run/state"
)

func newTestSessions(t *testing.T, g *Graph, opts ...Option) (*Sessions, *Engine) {
	t.Helper()
	e, _, _ := newTestEngine(t, g, opts...)
	return NewSessions(e), e
}

func TestSessions_Lifecycle(t *testing.T) {
	g, err := NewBuilder("wf").
		AddNode("draft", say("drafted", Follow())).
		AddNode("gate", HumanNode(nil)).
		AddNode("publish", say("published", Stop())).
		StartAt("draft").
		Connect("draft", "gate", nil).
		Connect("gate", "publish", nil).
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	s, e := newTestSessions(t, g)
	ctx := context.Background()

	sessionID, err := s.Create(ctx, "user-7")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	status, step, err := s.Status(ctx, sessionID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != StatusReady || step != 0 {
		t.Errorf("expected ready at step 0, got %q at %d", status, step)
	}

	st, err := s.State(ctx, sessionID)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if st.Meta[state.MetaUserID] != "user-7" {
		t.Errorf("expected user meta recorded, got %v", st.Meta)
	}

	// Start with a seed message; the run suspends at the gate.
	_, runStatus, err := s.Start(ctx, sessionID, state.Update{
		Messages: []state.Message{{Role: "user", Content: "please draft"}},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if runStatus != StatusSuspended {
		t.Fatalf("expected suspended, got %q", runStatus)
	}

	// A ready-only operation: starting again is invalid.
	_, _, err = s.Start(ctx, sessionID, state.Update{})
	if CodeOf(err) != CodeInvalidResumeState {
		t.Errorf("expected INVALID_RESUME_STATE on double start, got %v", err)
	}

	final, runStatus, err := s.Resume(ctx, sessionID, state.Update{
		Messages: []state.Message{{Role: "user", Content: "approved"}},
	})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if runStatus != StatusCompleted {
		t.Fatalf("expected completed, got %q", runStatus)
	}
	if got := messages(final); got[len(got)-1] != "published" {
		t.Errorf("unexpected final messages: %v", got)
	}

	steps, err := s.Checkpoints(ctx, sessionID)
	if err != nil {
		t.Fatalf("Checkpoints failed: %v", err)
	}
	if len(steps) < 3 || steps[0] != 0 {
		t.Errorf("expected chain rooted at step 0, got %v", steps)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i] != steps[i-1]+1 {
			t.Errorf("expected contiguous steps, got %v", steps)
			break
		}
	}

	// The completed chain verifies end to end.
	if err := e.Verify(ctx, sessionID); err != nil {
		t.Errorf("Verify failed on a clean chain: %v", err)
	}
}

func TestSessions_StartUnknownSession(t *testing.T) {
	g, _ := NewBuilder("wf").AddNode("a", say("a", Stop())).StartAt("a").Compile()
	s, _ := newTestSessions(t, g)

	_, _, err := s.Start(context.Background(), "ghost", state.Update{})
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestSessions_CancelWithoutActiveRun(t *testing.T) {
	g, _ := NewBuilder("wf").AddNode("a", say("a", Stop())).StartAt("a").Compile()
	s, _ := newTestSessions(t, g)

	if err := s.Cancel("idle-session"); err == nil {
		t.Fatal("expected error when cancelling an idle session")
	}
}

func TestSessions_CancelActiveRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocker := NodeFunc(func(ctx context.Context, _ *state.RunState, _ *RunContext) NodeResult {
		close(started)
		select {
		case <-ctx.Done():
			return NodeResult{Err: ctx.Err()}
		case <-release:
			return NodeResult{Route: Stop()}
		}
	})
	g, err := NewBuilder("wf").AddNode("wait", blocker).StartAt("wait").Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	s, _ := newTestSessions(t, g, WithDefaultNodeTimeout(0))
	ctx := context.Background()

	sessionID, err := s.Create(ctx, "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	done := make(chan error, 1)
	var status Status
	go func() {
		var runErr error
		_, status, runErr = s.Start(ctx, sessionID, state.Update{})
		done <- runErr
	}()

	<-started
	if err := s.Cancel(sessionID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	runErr := <-done
	close(release)

	if status != StatusCancelled {
		t.Errorf("expected cancelled, got %q", status)
	}
	if CodeOf(runErr) != CodeCancelled {
		t.Errorf("expected CANCELLED, got %v", runErr)
	}
}

func TestSessions_Subscribe(t *testing.T) {
	g, _ := NewBuilder("wf").AddNode("a", say("a", Stop())).StartAt("a").Compile()
	s, _ := newTestSessions(t, g)
	ctx := context.Background()

	sessionID, err := s.Create(ctx, "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, _, err := s.Start(ctx, sessionID, state.Update{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sub, err := s.Subscribe(ctx, sessionID, []emit.Channel{emit.ChannelState}, 1)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	var msgs []string
	for ev := range sub.Events() {
		msgs = append(msgs, ev.Msg)
	}
	if len(msgs) == 0 || msgs[len(msgs)-1] != emit.MsgRunCompleted {
		t.Errorf("expected replayed stream ending in run_completed, got %v", msgs)
	}
}
