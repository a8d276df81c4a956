// Package registry holds the set of channels and channel groups a client is
// subscribed to, together with their presence flags, bound listeners and
// presence state.
//
// The registry is the single source of truth for the entity list of the next
// long-poll: EffectiveEntities is read each time a request is built. It is
// safe for concurrent use and never performs I/O while holding its lock.
package registry

import (
	"errors"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/listener"
)

var (
	// ErrEmptyName is returned when a channel or group name is empty
	ErrEmptyName = errors.New("channel or group name cannot be empty")
	// ErrNotSubscribed is returned when an operation targets an unknown entity
	ErrNotSubscribed = errors.New("entity is not subscribed")
	// ErrStateConflict is returned when a channel and a group of the same
	// name would both carry presence state
	ErrStateConflict = errors.New("a channel and a channel group with the same name cannot both carry state")
)

// Key identifies an entity. Channels and groups live in separate namespaces.
type Key struct {
	Name    string
	IsGroup bool
}

// Entry is the registry's record for one channel or channel group.
type Entry struct {
	Name    string
	IsGroup bool

	// Subscribed is false while a leave for the entity is pending
	Subscribed bool

	// Connected is true once a long-poll including the entity succeeded
	Connected bool

	// Disconnected is true after the entity's connection was stopped
	Disconnected bool

	// WithPresence adds the entity's presence shadow to the long-poll
	WithPresence bool

	// Listeners are bound to this entity only
	Listeners []listener.Listener

	// State is the presence state announced for this entity
	State map[string]any
}

// Registry is the in-memory subscription registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
	order   []Key // insertion order of entries
	global  []listener.Listener
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[Key]*Entry),
	}
}

// Add subscribes to an entity. It reports whether the effective entity list
// changed; re-subscribing an already subscribed entity only binds new
// listeners and reports false unless presence was newly enabled.
func (r *Registry) Add(name string, isGroup, withPresence bool, listeners []listener.Listener) (bool, error) {
	if name == "" {
		return false, ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key{Name: name, IsGroup: isGroup}
	entry, exists := r.entries[key]
	if !exists {
		entry = &Entry{Name: name, IsGroup: isGroup}
		r.entries[key] = entry
		r.order = append(r.order, key)
	}

	changed := !entry.Subscribed || (withPresence && !entry.WithPresence)
	if !entry.Subscribed {
		entry.Subscribed = true
		entry.Connected = false
		entry.Disconnected = false
		entry.WithPresence = false
	}
	if withPresence {
		entry.WithPresence = true
	}
	for _, l := range listeners {
		entry.Listeners = appendListener(entry.Listeners, l)
	}

	return changed, nil
}

// MarkUnsubscribed flags an entity as leaving. The entity no longer appears in
// EffectiveEntities but keeps its listeners until removed. It reports whether
// the entity was subscribed.
func (r *Registry) MarkUnsubscribed(name string, isGroup bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[Key{Name: name, IsGroup: isGroup}]
	if !ok || !entry.Subscribed {
		return false
	}
	entry.Subscribed = false
	entry.Connected = false
	entry.State = nil
	return true
}

// DisablePresence stops receiving the presence shadow of an entity while
// keeping the entity itself. It reports whether anything changed.
func (r *Registry) DisablePresence(name string, isGroup bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[Key{Name: envelope.BaseChannel(name), IsGroup: isGroup}]
	if !ok || !entry.Subscribed || !entry.WithPresence {
		return false
	}
	entry.WithPresence = false
	return true
}

// Remove deletes an entity regardless of its state.
func (r *Registry) Remove(name string, isGroup bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(Key{Name: name, IsGroup: isGroup})
}

// RemoveIfUnsubscribed deletes an entity only if it is still marked as
// leaving. A re-subscribe that raced with the leave keeps the entity.
func (r *Registry) RemoveIfUnsubscribed(name string, isGroup bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key{Name: name, IsGroup: isGroup}
	entry, ok := r.entries[key]
	if !ok || entry.Subscribed {
		return false
	}
	return r.removeLocked(key)
}

func (r *Registry) removeLocked(key Key) bool {
	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	r.order = slices.DeleteFunc(r.order, func(k Key) bool { return k == key })
	return true
}

// Get returns a snapshot of an entity.
func (r *Registry) Get(name string, isGroup bool) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[Key{Name: name, IsGroup: isGroup}]
	if !ok {
		return Entry{}, false
	}
	return entry.snapshot(), true
}

func (e *Entry) snapshot() Entry {
	cp := *e
	cp.Listeners = slices.Clone(e.Listeners)
	cp.State = maps.Clone(e.State)
	return cp
}

// IsSubscribed reports whether an entity is currently subscribed.
func (r *Registry) IsSubscribed(name string, isGroup bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[Key{Name: name, IsGroup: isGroup}]
	return ok && entry.Subscribed
}

// EffectiveEntities returns the channels and groups of all subscribed
// entities in subscription order. With includePresence each presence-enabled
// entity is followed by its shadow.
func (r *Registry) EffectiveEntities(includePresence bool) (channels, groups []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range r.order {
		entry := r.entries[key]
		if !entry.Subscribed {
			continue
		}
		names := []string{entry.Name}
		if includePresence && entry.WithPresence {
			names = append(names, envelope.PresenceChannel(entry.Name))
		}
		if entry.IsGroup {
			groups = append(groups, names...)
		} else {
			channels = append(channels, names...)
		}
	}
	return channels, groups
}

// Sole returns the only subscribed entity, used to route legacy replies that
// carry no channel names.
func (r *Registry) Sole() (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found Key
	count := 0
	for _, key := range r.order {
		if r.entries[key].Subscribed {
			found = key
			count++
		}
	}
	return found, count == 1
}

// SetState replaces the presence state of a subscribed entity. A nil state
// clears it. State is announced keyed by bare name, so it is refused when
// the same name in the other namespace already carries some.
func (r *Registry) SetState(name string, isGroup bool, state map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[Key{Name: name, IsGroup: isGroup}]
	if !ok || !entry.Subscribed {
		return ErrNotSubscribed
	}
	if len(state) > 0 {
		if other, ok := r.entries[Key{Name: name, IsGroup: !isGroup}]; ok && other.Subscribed && len(other.State) > 0 {
			return ErrStateConflict
		}
	}
	entry.State = maps.Clone(state)
	return nil
}

// States returns the presence state of every subscribed entity that has one,
// keyed by entity name. SetState keeps a name from carrying state in both
// namespaces.
func (r *Registry) States() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]map[string]any)
	for _, key := range r.order {
		entry := r.entries[key]
		if entry.Subscribed && len(entry.State) > 0 {
			states[entry.Name] = maps.Clone(entry.State)
		}
	}
	return states
}

// Deny prunes entities the server refused. A denied presence shadow only
// disables presence on its entity. It returns the keys that were removed.
func (r *Registry) Deny(channels, groups []string) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Key
	deny := func(name string, isGroup bool) {
		key := Key{Name: envelope.BaseChannel(name), IsGroup: isGroup}
		entry, ok := r.entries[key]
		if !ok {
			return
		}
		if envelope.IsPresenceChannel(name) {
			entry.WithPresence = false
			return
		}
		if r.removeLocked(key) {
			removed = append(removed, key)
		}
	}
	for _, name := range channels {
		deny(name, false)
	}
	for _, name := range groups {
		deny(name, true)
	}
	return removed
}

// MarkConnected flags every subscribed entity as connected.
func (r *Registry) MarkConnected() {
	r.setConnected(true)
}

// MarkDisconnected flags every subscribed entity as disconnected.
func (r *Registry) MarkDisconnected() {
	r.setConnected(false)
}

func (r *Registry) setConnected(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.entries {
		if !entry.Subscribed {
			continue
		}
		entry.Connected = connected
		entry.Disconnected = !connected
	}
}

// AddListener registers a listener that receives all traffic.
func (r *Registry) AddListener(l listener.Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.global = appendListener(r.global, l)
}

// RemoveListener unregisters a listener everywhere it is bound.
func (r *Registry) RemoveListener(l listener.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	drop := func(candidate listener.Listener) bool { return sameListener(candidate, l) }
	r.global = slices.DeleteFunc(r.global, drop)
	for _, entry := range r.entries {
		entry.Listeners = slices.DeleteFunc(entry.Listeners, drop)
	}
}

// ListenersFor returns the listeners bound to the named entities, followed
// by the global listeners when includeGlobal is set. Presence suffixes are
// ignored. Each listener appears once.
func (r *Registry) ListenersFor(channels, groups []string, includeGlobal bool) []listener.Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []listener.Listener
	collect := func(name string, isGroup bool) {
		if entry, ok := r.entries[Key{Name: envelope.BaseChannel(name), IsGroup: isGroup}]; ok {
			for _, l := range entry.Listeners {
				out = appendListener(out, l)
			}
		}
	}
	for _, name := range channels {
		collect(name, false)
	}
	for _, name := range groups {
		collect(name, true)
	}
	if includeGlobal {
		for _, l := range r.global {
			out = appendListener(out, l)
		}
	}
	return out
}

// AllListeners returns every bound and global listener once.
func (r *Registry) AllListeners() []listener.Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []listener.Listener
	for _, key := range r.order {
		for _, l := range r.entries[key].Listeners {
			out = appendListener(out, l)
		}
	}
	for _, l := range r.global {
		out = appendListener(out, l)
	}
	return out
}

// Route resolves the listeners for a delivered message. subscription is the
// server-side match (a group or wildcard) and wins over channel when it names
// a subscribed entity. It reports false when no entity matched.
func (r *Registry) Route(channel, subscription string) ([]listener.Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entry *Entry
	if subscription != "" {
		base := envelope.BaseChannel(subscription)
		entry = r.subscribedLocked(Key{Name: base, IsGroup: true})
		if entry == nil {
			entry = r.subscribedLocked(Key{Name: base})
		}
	}
	if entry == nil && channel != "" {
		entry = r.subscribedLocked(Key{Name: envelope.BaseChannel(channel)})
	}

	var out []listener.Listener
	if entry != nil {
		for _, l := range entry.Listeners {
			out = appendListener(out, l)
		}
	}
	for _, l := range r.global {
		out = appendListener(out, l)
	}
	return out, entry != nil
}

func (r *Registry) subscribedLocked(key Key) *Entry {
	if entry, ok := r.entries[key]; ok && entry.Subscribed {
		return entry
	}
	return nil
}

// Len returns the number of entries, including entities pending a leave.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

func appendListener(list []listener.Listener, l listener.Listener) []listener.Listener {
	if l == nil {
		return list
	}
	for _, existing := range list {
		if sameListener(existing, l) {
			return list
		}
	}
	return append(list, l)
}

// sameListener compares listeners without panicking on non-comparable
// dynamic types, which are never considered equal.
func sameListener(a, b listener.Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
