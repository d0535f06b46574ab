package cache

import (
	"sync"

	"github.com/multiplayar/worldsync/pkg/core"
)

// ObjectIndex maps local handles to server ids and back. Both directions are
// updated under one lock so they always stay mutual inverses.
type ObjectIndex struct {
	mu       sync.RWMutex
	byHandle map[core.Handle]string
	byServer map[string]core.Handle
}

// NewObjectIndex creates an empty ObjectIndex
func NewObjectIndex() *ObjectIndex {
	return &ObjectIndex{
		byHandle: make(map[core.Handle]string),
		byServer: make(map[string]core.Handle),
	}
}

// Register binds serverID to h. The first binding wins: if h already has an
// id, or serverID already belongs to any handle, nothing changes and false
// is returned.
func (c *ObjectIndex) Register(h core.Handle, serverID string) bool {
	if serverID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byHandle[h]; ok {
		return false
	}
	if _, ok := c.byServer[serverID]; ok {
		return false
	}
	c.byHandle[h] = serverID
	c.byServer[serverID] = h
	return true
}

// ServerID returns the id bound to h, or "" while unconfirmed.
func (c *ObjectIndex) ServerID(h core.Handle) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byHandle[h]
}

// Handle returns the local handle bound to serverID.
func (c *ObjectIndex) Handle(serverID string) (core.Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.byServer[serverID]
	return h, ok
}

// Len returns the number of bound pairs.
func (c *ObjectIndex) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byServer)
}
