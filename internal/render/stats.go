package render

import (
	"sort"
	"sync"
	"time"
)

// NodeTiming aggregates the time spent in one node for a frame.
type NodeTiming struct {
	Node  string        `json:"node"`
	Total time.Duration `json:"total"`
	Calls int           `json:"calls"`
}

// Stats collects timing for one frame. All views of the frame share it.
type Stats struct {
	// InDepth is set when per-node profiling was requested; otherwise only
	// the frame wall time is meaningful.
	InDepth bool

	mu      sync.Mutex
	started time.Time
	wall    time.Duration
	nodes   map[string]*NodeTiming
}

// NewStats starts the frame clock.
func NewStats(inDepth bool) *Stats {
	return &Stats{
		InDepth: inDepth,
		started: time.Now(),
		nodes:   make(map[string]*NodeTiming),
	}
}

// AddNodeTime records d spent in node.
func (s *Stats) AddNodeTime(node string, d time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nt, ok := s.nodes[node]
	if !ok {
		nt = &NodeTiming{Node: node}
		s.nodes[node] = nt
	}
	nt.Total += d
	nt.Calls++
}

// Finish stops the frame clock.
func (s *Stats) Finish() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.wall = time.Since(s.started)
	s.mu.Unlock()
}

// WallTime is the frame duration recorded by Finish.
func (s *Stats) WallTime() time.Duration {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wall
}

// Nodes returns the node timings, slowest first.
func (s *Stats) Nodes() []NodeTiming {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]NodeTiming, 0, len(s.nodes))
	for _, nt := range s.nodes {
		out = append(out, *nt)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Total == out[j].Total {
			return out[i].Node < out[j].Node
		}
		return out[i].Total > out[j].Total
	})
	return out
}
