package emit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestMux_SequenceNumbers(t *testing.T) {
	m := NewMux()

	for i := 1; i <= 5; i++ {
		seq := m.Publish(Event{SessionID: "s1", Channel: ChannelState, Msg: "node_completed"})
		if seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, seq)
		}
	}

	// Sequences are per session.
	if seq := m.Publish(Event{SessionID: "s2", Channel: ChannelState, Msg: "node_completed"}); seq != 1 {
		t.Errorf("expected independent session to start at 1, got %d", seq)
	}
	if m.LastSeq("s1") != 5 {
		t.Errorf("expected LastSeq 5, got %d", m.LastSeq("s1"))
	}
}

func TestMux_SubscribeFromNow(t *testing.T) {
	m := NewMux()
	m.Publish(Event{SessionID: "s1", Channel: ChannelState, Msg: "old"})

	sub, err := m.Subscribe(context.Background(), "s1", nil, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	m.Publish(Event{SessionID: "s1", Channel: ChannelState, Msg: "new"})

	ev := <-sub.Events()
	if ev.Msg != "new" {
		t.Errorf("expected only post-subscribe events, got %q", ev.Msg)
	}
	if ev.Seq != 2 {
		t.Errorf("expected seq 2, got %d", ev.Seq)
	}
}

func TestMux_SubscribeReplaysHistory(t *testing.T) {
	m := NewMux()
	for i := 0; i < 3; i++ {
		m.Publish(Event{SessionID: "s1", Channel: ChannelState, Msg: fmt.Sprintf("ev-%d", i)})
	}

	sub, err := m.Subscribe(context.Background(), "s1", nil, 2)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	first := <-sub.Events()
	if first.Seq != 2 || first.Msg != "ev-1" {
		t.Errorf("expected replay to start at seq 2, got seq %d msg %q", first.Seq, first.Msg)
	}
	second := <-sub.Events()
	if second.Seq != 3 {
		t.Errorf("expected seq 3, got %d", second.Seq)
	}
}

func TestMux_ChannelFilter(t *testing.T) {
	m := NewMux()
	sub, err := m.Subscribe(context.Background(), "s1", []Channel{ChannelToken}, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	m.Publish(Event{SessionID: "s1", Channel: ChannelState, Msg: "node_completed"})
	m.Publish(Event{SessionID: "s1", Channel: ChannelToken, Msg: "token"})

	ev := <-sub.Events()
	if ev.Channel != ChannelToken {
		t.Errorf("expected only token channel events, got %q", ev.Channel)
	}
}

func TestMux_TerminalClosesStream(t *testing.T) {
	m := NewMux()
	sub, err := m.Subscribe(context.Background(), "s1", nil, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	m.Publish(Event{SessionID: "s1", Channel: ChannelState, Msg: "run_completed", Terminal: true})

	var got []Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || !got[0].Terminal {
		t.Fatalf("expected one terminal event then close, got %v", got)
	}
	if sub.Err() != nil {
		t.Errorf("expected clean termination, got %v", sub.Err())
	}

	// The stream is closed; further publishes are dropped.
	if seq := m.Publish(Event{SessionID: "s1", Channel: ChannelState, Msg: "late"}); seq != 1 {
		t.Errorf("expected publish after terminal to return last seq 1, got %d", seq)
	}
}

func TestMux_SlowSubscriberIsDropped(t *testing.T) {
	m := NewMux(WithSubscriberBuffer(2))
	sub, err := m.Subscribe(context.Background(), "s1", nil, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Never read; overflow the buffer.
	for i := 0; i < 5; i++ {
		m.Publish(Event{SessionID: "s1", Channel: ChannelState, Msg: "ev"})
	}

	for range sub.Events() {
	}
	if !errors.Is(sub.Err(), ErrSlowSubscriber) {
		t.Errorf("expected ErrSlowSubscriber, got %v", sub.Err())
	}
}

func TestMux_HistoryFilter(t *testing.T) {
	m := NewMux()
	m.Publish(Event{SessionID: "s1", Channel: ChannelState, NodeID: "a", Msg: "node_completed"})
	m.Publish(Event{SessionID: "s1", Channel: ChannelDebug, NodeID: "a", Msg: "checkpoint_saved"})
	m.Publish(Event{SessionID: "s1", Channel: ChannelState, NodeID: "b", Msg: "node_completed"})

	all := m.History("s1", HistoryFilter{})
	if len(all) != 3 {
		t.Errorf("expected 3 events, got %d", len(all))
	}
	stateOnly := m.History("s1", HistoryFilter{Channel: ChannelState})
	if len(stateOnly) != 2 {
		t.Errorf("expected 2 state events, got %d", len(stateOnly))
	}
	nodeA := m.History("s1", HistoryFilter{Channel: ChannelState, NodeID: "a"})
	if len(nodeA) != 1 {
		t.Errorf("expected 1 event for node a, got %d", len(nodeA))
	}
}

func TestMux_HistoryEviction(t *testing.T) {
	m := NewMux(WithHistory(2))
	for i := 0; i < 4; i++ {
		m.Publish(Event{SessionID: "s1", Channel: ChannelState, Msg: "ev"})
	}

	h := m.History("s1", HistoryFilter{})
	if len(h) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(h))
	}
	if h[0].Seq != 3 || h[1].Seq != 4 {
		t.Errorf("expected newest events retained, got seqs %d %d", h[0].Seq, h[1].Seq)
	}

	// Requesting an evicted sequence with no replay source fails.
	if _, err := m.Subscribe(context.Background(), "s1", nil, 1); !errors.Is(err, ErrSequenceTruncated) {
		t.Errorf("expected ErrSequenceTruncated, got %v", err)
	}
}

type stubReplay struct {
	events []Event
}

func (s *stubReplay) ReplayEvents(_ context.Context, sessionID string, fromSeq uint64) ([]Event, error) {
	var out []Event
	for _, ev := range s.events {
		if ev.SessionID == sessionID && ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestMux_ReplaySourceBackfill(t *testing.T) {
	src := &stubReplay{events: []Event{
		{SessionID: "s1", Seq: 1, Channel: ChannelState, Msg: "node_completed"},
		{SessionID: "s1", Seq: 2, Channel: ChannelState, Msg: "node_completed"},
	}}
	m := NewMux(WithHistory(2), WithReplaySource(src))

	// Evict the first two events from the in-memory buffer.
	for i := 0; i < 4; i++ {
		m.Publish(Event{SessionID: "s1", Channel: ChannelState, Msg: "live"})
	}

	sub, err := m.Subscribe(context.Background(), "s1", nil, 1)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	var seqs []uint64
	for i := 0; i < 4; i++ {
		ev := <-sub.Events()
		seqs = append(seqs, ev.Seq)
	}
	for i, want := range []uint64{1, 2, 3, 4} {
		if seqs[i] != want {
			t.Fatalf("expected contiguous seqs 1..4, got %v", seqs)
		}
	}
}

func TestMux_ConcurrentPublishOrdering(t *testing.T) {
	m := NewMux(WithHistory(4096))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m.Publish(Event{SessionID: "s1", Channel: ChannelState, Msg: "ev"})
			}
		}()
	}
	wg.Wait()

	h := m.History("s1", HistoryFilter{})
	if len(h) != 400 {
		t.Fatalf("expected 400 events, got %d", len(h))
	}
	for i, ev := range h {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("sequence gap at index %d: got %d", i, ev.Seq)
		}
	}
}
