package cache

import (
	"sync"

	"github.com/multiplayar/worldsync/pkg/core"
)

// Candidate pairs a 2D screen point with the local world point it was hit-tested to.
type Candidate struct {
	Screen core.Position2D
	World  core.Position3D
}

// CandidateMap associates screen points with world points for one anchor
// negotiation round. Screen points are keyed at wire precision so that a
// point echoed by the server resolves to the candidate it was formatted from.
type CandidateMap struct {
	mu     sync.RWMutex
	order  []string
	points map[string]Candidate
}

// NewCandidateMap creates an empty CandidateMap
func NewCandidateMap() *CandidateMap {
	return &CandidateMap{
		points: make(map[string]Candidate),
	}
}

// Add stores a candidate. A screen point already present in this round is
// left unchanged and false is returned.
func (c *CandidateMap) Add(screen core.Position2D, world core.Position3D) bool {
	key := screen.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.points[key]; ok {
		return false
	}
	c.points[key] = Candidate{Screen: screen, World: world}
	c.order = append(c.order, key)
	return true
}

// Resolve returns the world point for a screen point.
func (c *CandidateMap) Resolve(screen core.Position2D) (core.Position3D, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cand, ok := c.points[screen.Key()]
	return cand.World, ok
}

// Screens returns the screen points in insertion order.
func (c *CandidateMap) Screens() []core.Position2D {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.Position2D, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.points[key].Screen)
	}
	return out
}

// Len returns the number of candidates.
func (c *CandidateMap) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Reset clears all candidates to start a new round
func (c *CandidateMap) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points = make(map[string]Candidate)
	c.order = nil
}
