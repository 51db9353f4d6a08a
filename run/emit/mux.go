package emit

import (
	"context"
	"errors"
	"sync"
)

// ErrSlowSubscriber is reported by Subscription.Err after a subscription is
// closed because its buffer overflowed. The consumer missed events and
// should resubscribe from its last observed sequence number.
var ErrSlowSubscriber = errors.New("subscriber too slow: buffer overflow")

// ErrSequenceTruncated is returned by Subscribe when the requested starting
// sequence predates the in-memory buffer and no replay source is
// configured to reconstruct older events.
var ErrSequenceTruncated = errors.New("requested sequence no longer buffered")

// ReplaySource reconstructs state-channel events older than the Mux's
// in-memory buffer, typically by re-reading the checkpoint log.
type ReplaySource interface {
	ReplayEvents(ctx context.Context, sessionID string, fromSeq uint64) ([]Event, error)
}

// Mux is the event stream multiplexer. It assigns per-session sequence
// numbers, retains a bounded history for late subscribers, fans events out
// to live subscriptions, and forwards every event to the configured sinks.
//
// Ordering: Publish holds the session's ordering lock while assigning the
// sequence number and appending to subscriber buffers, so subscribers
// observe events in exactly the published order.
type Mux struct {
	mu         sync.Mutex
	seqs       map[string]uint64
	history    map[string][]Event
	subs       map[string][]*Subscription
	closed     map[string]bool
	sinks      []Emitter
	source     ReplaySource
	historyCap int
	subBuffer  int
}

// MuxOption configures a Mux.
type MuxOption func(*Mux)

// WithSinks attaches terminal sinks that receive every published event.
func WithSinks(sinks ...Emitter) MuxOption {
	return func(m *Mux) { m.sinks = append(m.sinks, sinks...) }
}

// WithHistory sets how many events per session are retained for
// replay-from-sequence. Default 1024.
func WithHistory(n int) MuxOption {
	return func(m *Mux) { m.historyCap = n }
}

// WithSubscriberBuffer sets the per-subscription channel depth. A
// subscription whose buffer overflows is closed with ErrSlowSubscriber.
// Default 256.
func WithSubscriberBuffer(n int) MuxOption {
	return func(m *Mux) { m.subBuffer = n }
}

// WithReplaySource attaches a source used to serve Subscribe requests that
// start before the retained history.
func WithReplaySource(src ReplaySource) MuxOption {
	return func(m *Mux) { m.source = src }
}

// NewMux creates an event multiplexer.
func NewMux(opts ...MuxOption) *Mux {
	m := &Mux{
		seqs:       make(map[string]uint64),
		history:    make(map[string][]Event),
		subs:       make(map[string][]*Subscription),
		closed:     make(map[string]bool),
		historyCap: 1024,
		subBuffer:  256,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish assigns the next sequence number for the event's session and
// delivers the event to history, subscribers, and sinks. It returns the
// assigned sequence number.
//
// Publishing to a session that already emitted a terminal event is a no-op
// returning the last sequence; the stream is closed.
func (m *Mux) Publish(ev Event) uint64 {
	m.mu.Lock()
	if m.closed[ev.SessionID] {
		seq := m.seqs[ev.SessionID]
		m.mu.Unlock()
		return seq
	}

	m.seqs[ev.SessionID]++
	ev.Seq = m.seqs[ev.SessionID]

	h := append(m.history[ev.SessionID], ev)
	if len(h) > m.historyCap {
		h = h[len(h)-m.historyCap:]
	}
	m.history[ev.SessionID] = h

	var live []*Subscription
	for _, sub := range m.subs[ev.SessionID] {
		if sub.deliver(ev) {
			live = append(live, sub)
		}
	}
	if ev.Terminal {
		m.closed[ev.SessionID] = true
		for _, sub := range live {
			sub.finish(nil)
		}
		live = nil
	}
	m.subs[ev.SessionID] = live
	m.mu.Unlock()

	for _, sink := range m.sinks {
		sink.Emit(ev)
	}
	return ev.Seq
}

// Subscribe returns a subscription delivering the session's events on the
// requested channels, starting at fromSeq (pass 0 for "from now", 1 to
// replay from the beginning). Buffered history newer than fromSeq is
// delivered first; events older than the buffer are reconstructed through
// the replay source when one is configured.
//
// The returned subscription terminates when the session emits a terminal
// event, when the consumer calls Close, or when the consumer falls too far
// behind (Err reports ErrSlowSubscriber in that case).
func (m *Mux) Subscribe(ctx context.Context, sessionID string, channels []Channel, fromSeq uint64) (*Subscription, error) {
	wanted := make(map[Channel]bool, len(channels))
	for _, c := range channels {
		wanted[c] = true
	}

	var backfill []Event
	if fromSeq > 0 {
		m.mu.Lock()
		h := m.history[sessionID]
		oldest := uint64(0)
		if len(h) > 0 {
			oldest = h[0].Seq
		}
		m.mu.Unlock()

		if oldest == 0 || fromSeq < oldest {
			if m.source == nil && fromSeq < oldest {
				return nil, ErrSequenceTruncated
			}
			if m.source != nil {
				replayed, err := m.source.ReplayEvents(ctx, sessionID, fromSeq)
				if err != nil {
					return nil, err
				}
				for _, ev := range replayed {
					if (oldest == 0 || ev.Seq < oldest) && (len(wanted) == 0 || wanted[ev.Channel]) {
						backfill = append(backfill, ev)
					}
				}
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &Subscription{
		ch:       make(chan Event, m.subBuffer+len(backfill)+len(m.history[sessionID])),
		channels: wanted,
	}
	for _, ev := range backfill {
		sub.ch <- ev
	}
	terminalSeen := false
	if fromSeq > 0 {
		for _, ev := range m.history[sessionID] {
			if ev.Seq >= fromSeq && sub.wants(ev.Channel) {
				sub.ch <- ev
				if ev.Terminal {
					terminalSeen = true
				}
			}
		}
	}
	if m.closed[sessionID] || terminalSeen {
		sub.finish(nil)
		return sub, nil
	}

	m.subs[sessionID] = append(m.subs[sessionID], sub)
	return sub, nil
}

// History returns a copy of the retained events for a session, optionally
// filtered. Useful for tests and post-run inspection.
func (m *Mux) History(sessionID string, filter HistoryFilter) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, ev := range m.history[sessionID] {
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// LastSeq returns the highest sequence number assigned for a session.
func (m *Mux) LastSeq(sessionID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqs[sessionID]
}

// HistoryFilter selects events from History. Zero-value fields match
// everything; set fields combine with AND.
type HistoryFilter struct {
	Channel Channel
	NodeID  string
	Msg     string
}

func (f HistoryFilter) matches(ev Event) bool {
	if f.Channel != "" && ev.Channel != f.Channel {
		return false
	}
	if f.NodeID != "" && ev.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && ev.Msg != f.Msg {
		return false
	}
	return true
}

// Subscription is one consumer's view of a session stream.
type Subscription struct {
	mu       sync.Mutex
	ch       chan Event
	channels map[Channel]bool
	closed   bool
	err      error
}

func (s *Subscription) wants(c Channel) bool {
	return len(s.channels) == 0 || s.channels[c]
}

// deliver appends an event to the subscription buffer. It returns false
// when the subscription is no longer live (closed by the consumer or
// overflowed) and should be dropped from the fan-out list.
func (s *Subscription) deliver(ev Event) bool {
	if !s.wants(ev.Channel) {
		return !s.isClosed()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.closed = true
		s.err = ErrSlowSubscriber
		close(s.ch)
		return false
	}
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Events returns the subscription's event channel. The channel is closed
// when the stream terminates; check Err afterwards.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Err reports why the subscription ended. Nil for normal termination.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. Safe to call multiple times.
func (s *Subscription) Close() { s.finish(nil) }
