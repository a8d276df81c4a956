package devserver

import (
	"maps"
	"slices"
	"sync"
)

// Groups maps channel group names to their member channels.
type Groups struct {
	mu     sync.RWMutex
	groups map[string]map[string]struct{}
}

// NewGroups creates Groups seeded with initial, which may be nil.
func NewGroups(initial map[string][]string) *Groups {
	g := &Groups{groups: make(map[string]map[string]struct{})}
	for name, channels := range initial {
		g.Add(name, channels...)
	}
	return g
}

// Add adds channels to group, creating it if needed.
func (g *Groups) Add(group string, channels ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	members := g.groups[group]
	if members == nil {
		members = make(map[string]struct{})
		g.groups[group] = members
	}
	for _, ch := range channels {
		if ch != "" {
			members[ch] = struct{}{}
		}
	}
}

// Remove removes channels from group. Removing no channels deletes the group.
func (g *Groups) Remove(group string, channels ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(channels) == 0 {
		delete(g.groups, group)
		return
	}
	for _, ch := range channels {
		delete(g.groups[group], ch)
	}
}

// Channels returns the sorted members of group.
func (g *Groups) Channels(group string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Sorted(maps.Keys(g.groups[group]))
}

// Exists reports whether group has been created.
func (g *Groups) Exists(group string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.groups[group]
	return ok
}
