package run

import (
	"container/heap"
	"crypto/sha256"
	"encoding/binary"
	"strings"
)

// WorkItem is one schedulable node execution in the frontier. It carries
// full provenance (namespace path, parent, edge index) so the frontier
// order is deterministic and the item survives serialization into a
// checkpoint unchanged.
type WorkItem struct {
	// Step is the step in which the item was scheduled to run.
	Step int `json:"step"`

	// OrderKey is the deterministic sort key derived from the item's
	// provenance. Items are merged and dispatched in OrderKey order.
	OrderKey uint64 `json:"order_key"`

	// Namespace is the sub-graph path enclosing the node, outermost first.
	Namespace []string `json:"namespace,omitempty"`

	// NodeID is the node to execute, named within its namespace's graph.
	NodeID string `json:"node_id"`

	// ParentNodeID is the node whose routing produced this item.
	ParentNodeID string `json:"parent,omitempty"`

	// EdgeIndex is the index of the edge taken from the parent.
	EdgeIndex int `json:"edge_index"`
}

// key is the item's namespace-qualified node identifier.
func (w WorkItem) key() string {
	if len(w.Namespace) == 0 {
		return w.NodeID
	}
	return strings.Join(w.Namespace, "/") + "/" + w.NodeID
}

// orderKey hashes an item's provenance into a stable uint64 priority.
// SHA-256 over namespace path, parent node, and the edge index as a
// 4-byte big-endian integer; the first 8 hash bytes are the key. Runtime
// goroutine scheduling never influences it, which is what makes replays
// order-identical.
func orderKey(namespace []string, parentNodeID string, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(strings.Join(namespace, "/")))
	h.Write([]byte{0})
	h.Write([]byte(parentNodeID))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(edgeIndex))
	h.Write(idx[:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

// workHeap is a min-heap of WorkItems by OrderKey, breaking ties on the
// namespace-qualified node key so equal hashes still order totally.
type workHeap []WorkItem

func (h workHeap) Len() int { return len(h) }

func (h workHeap) Less(i, j int) bool {
	if h[i].OrderKey != h[j].OrderKey {
		return h[i].OrderKey < h[j].OrderKey
	}
	return h[i].key() < h[j].key()
}

func (h workHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *workHeap) Push(x any) { *h = append(*h, x.(WorkItem)) }

func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// frontier is the pending work queue for one run. The engine drains the
// whole frontier at the top of each step, executes the batch
// concurrently, and pushes the successors for the next step. Only the
// run's step loop touches it, so no locking is needed.
type frontier struct {
	h workHeap
}

func newFrontier(items []WorkItem) *frontier {
	f := &frontier{h: append(workHeap(nil), items...)}
	heap.Init(&f.h)
	return f
}

func (f *frontier) push(item WorkItem) {
	heap.Push(&f.h, item)
}

// drain removes and returns every queued item in OrderKey order.
func (f *frontier) drain() []WorkItem {
	out := make([]WorkItem, 0, len(f.h))
	for f.h.Len() > 0 {
		out = append(out, heap.Pop(&f.h).(WorkItem))
	}
	return out
}

// snapshot returns the queued items in OrderKey order without draining,
// for serialization into a checkpoint.
func (f *frontier) snapshot() []WorkItem {
	cp := newFrontier(f.h)
	return cp.drain()
}

func (f *frontier) len() int { return f.h.Len() }
