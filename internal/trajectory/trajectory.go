// Package trajectory implements the append-only, totally-ordered event log
// of a single orchestrator run. It is grounded on the teacher's categorized
// file logger (internal/logging) for the sink's write discipline and on its
// usage tracker (internal/usage) for the aggregation idiom, generalized
// here to an in-memory log with JSON/graph export instead of a cost ledger.
package trajectory

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rlmkernel/internal/logging"
)

// Kind enumerates the event kinds named in the data model.
type Kind string

const (
	KindStart          Kind = "start"
	KindAnalyze         Kind = "analyze"
	KindDecompose       Kind = "decompose"
	KindRecurseStart    Kind = "recurse-start"
	KindRecurseEnd      Kind = "recurse-end"
	KindSynthesize      Kind = "synthesize"
	KindInterpreterExec Kind = "interpreter-exec"
	KindInterpreterRes  Kind = "interpreter-result"
	KindModelCall       Kind = "model-call"
	KindBatchCall       Kind = "batch-call"
	KindFallbackStart   Kind = "fallback-start"
	KindFinal           Kind = "final"
	KindError           Kind = "error"
	KindMemoryWrite     Kind = "memory-write"
	KindCostReport      Kind = "cost-report"
	KindCancelled       Kind = "cancelled"
)

// Event is a single totally-ordered trajectory record.
type Event struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Depth     int            `json:"depth"`
	Timestamp time.Time      `json:"timestamp"`
	Content   map[string]any `json:"content,omitempty"`
	ParentSeq *int64         `json:"parent_seq,omitempty"`
}

// Sink is the shared, mutex-serialized append target for one run. seq
// assignment is atomic: the orchestrator and every collaborator it passes
// this sink to append through the same lock.
type Sink struct {
	mu          sync.Mutex
	id          string
	nextSeq     int64
	events      []Event
	subscribers map[int]chan Event
	nextSubID   int
}

// NewSink creates an empty trajectory identified by a fresh id, used as the
// "trajectory id for postmortem" in failed-run error payloads.
func NewSink() *Sink {
	return &Sink{id: uuid.NewString(), subscribers: make(map[int]chan Event)}
}

// ID returns the trajectory's stable identifier.
func (s *Sink) ID() string { return s.id }

// Append assigns the next seq and records the event, pushing it to any
// live subscribers. Never blocks on a slow subscriber: subscriber channels
// are buffered, and a subscriber whose channel is full does not receive
// this event; the run is not stalled.
func (s *Sink) Append(kind Kind, depth int, content map[string]any, parentSeq *int64) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := Event{
		Seq:       s.nextSeq,
		ID:        uuid.NewString(),
		Kind:      kind,
		Depth:     depth,
		Timestamp: time.Now(),
		Content:   content,
		ParentSeq: parentSeq,
	}
	s.nextSeq++
	s.events = append(s.events, ev)

	logging.Get(logging.CategoryTrajectory).Debug("seq=%d kind=%s depth=%d", ev.Seq, ev.Kind, ev.Depth)

	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe registers a push listener. The returned cancel func must be
// called to release the channel.
func (s *Sink) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Event, 64)
	s.subscribers[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
	return ch, cancel
}

// Range polls events with seq in [sinceSeq, untilSeq). untilSeq <= 0 means
// "through the current end".
func (s *Sink) Range(sinceSeq, untilSeq int64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.Seq < sinceSeq {
			continue
		}
		if untilSeq > 0 && ev.Seq >= untilSeq {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Len returns the number of recorded events.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Export renders the full trajectory as a stable JSON array. Export of an
// unchanged trajectory is byte-identical across calls.
func (s *Sink) Export() ([]byte, error) {
	s.mu.Lock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.Unlock()

	return json.Marshal(events)
}

// GraphNode is one node in the directed-graph export: an event plus the
// seqs of events that causally follow from it via parent_seq linkage.
type GraphNode struct {
	Event    Event   `json:"event"`
	Children []int64 `json:"children"`
}

// ExportGraph renders the trajectory as a directed graph keyed by seq,
// suitable for an external visualization exporter (named as an out-of-scope
// collaborator) to consume.
func (s *Sink) ExportGraph() map[int64]*GraphNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make(map[int64]*GraphNode, len(s.events))
	for _, ev := range s.events {
		nodes[ev.Seq] = &GraphNode{Event: ev}
	}
	for _, ev := range s.events {
		if ev.ParentSeq != nil {
			if parent, ok := nodes[*ev.ParentSeq]; ok {
				parent.Children = append(parent.Children, ev.Seq)
			}
		}
	}
	return nodes
}

// Import parses a previously exported JSON array back into a fresh Sink.
// Import followed by Export reproduces the original bytes.
func Import(data []byte) (*Sink, error) {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("import trajectory: %w", err)
	}
	s := NewSink()
	s.events = events
	if len(events) > 0 {
		s.nextSeq = events[len(events)-1].Seq + 1
	}
	return s, nil
}

// ValidateRecursePairing checks the invariant that every recurse-start at
// depth d has a matching later recurse-end at depth d. It is exposed for
// tests and for fallback diagnostics, not enforced inline on Append (the
// orchestrator is responsible for emitting matched pairs).
func (s *Sink) ValidateRecursePairing() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var openDepths []int
	for _, ev := range s.events {
		switch ev.Kind {
		case KindRecurseStart:
			openDepths = append(openDepths, ev.Depth)
		case KindRecurseEnd:
			found := -1
			for i := len(openDepths) - 1; i >= 0; i-- {
				if openDepths[i] == ev.Depth {
					found = i
					break
				}
			}
			if found == -1 {
				return fmt.Errorf("recurse-end at depth %d with no matching recurse-start", ev.Depth)
			}
			openDepths = append(openDepths[:found], openDepths[found+1:]...)
		}
	}
	if len(openDepths) > 0 {
		return fmt.Errorf("unmatched recurse-start at depths %v", openDepths)
	}
	return nil
}
