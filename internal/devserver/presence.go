package devserver

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/listener"
)

// DefaultPresenceTimeout applies when a client announces no heartbeat
const DefaultPresenceTimeout = 300 * time.Second

type member struct {
	lastSeen time.Time
	timeout  time.Duration
	state    json.RawMessage
}

// Presence tracks which UUIDs are present on which channels and publishes
// join, leave, timeout and state-change events to the presence shadow
// channels of the log.
type Presence struct {
	mu       sync.Mutex
	channels map[string]map[string]*member
	log      *Log
	now      func() time.Time
	onEvent  func(action string)
}

// NewPresence creates a Presence publishing to log. onEvent may be nil.
func NewPresence(log *Log, onEvent func(action string)) *Presence {
	return &Presence{
		channels: make(map[string]map[string]*member),
		log:      log,
		now:      time.Now,
		onEvent:  onEvent,
	}
}

// Touch marks uuid present on channel. The first touch announces a join; a
// changed non-empty state announces a state-change.
func (p *Presence) Touch(channel, uuid string, timeout time.Duration, state json.RawMessage) {
	if timeout <= 0 {
		timeout = DefaultPresenceTimeout
	}

	p.mu.Lock()
	members := p.channels[channel]
	if members == nil {
		members = make(map[string]*member)
		p.channels[channel] = members
	}
	m, present := members[uuid]
	if !present {
		m = &member{}
		members[uuid] = m
	}
	m.lastSeen = p.now()
	m.timeout = timeout

	var actions []string
	if !present {
		actions = append(actions, listener.ActionJoin)
	}
	if len(state) > 0 && string(state) != string(m.state) {
		m.state = slices.Clone(state)
		if present {
			actions = append(actions, listener.ActionStateChange)
		}
	}
	occupancy := len(members)
	current := m.state
	p.mu.Unlock()

	for _, action := range actions {
		p.announce(channel, uuid, action, occupancy, current)
	}
}

// Leave removes uuid from channel and announces it.
func (p *Presence) Leave(channel, uuid string) {
	p.mu.Lock()
	members := p.channels[channel]
	if _, ok := members[uuid]; !ok {
		p.mu.Unlock()
		return
	}
	delete(members, uuid)
	occupancy := len(members)
	if occupancy == 0 {
		delete(p.channels, channel)
	}
	p.mu.Unlock()

	p.announce(channel, uuid, listener.ActionLeave, occupancy, nil)
}

// Sweep removes members whose heartbeat expired and announces timeouts. It
// returns the number of members removed.
func (p *Presence) Sweep() int {
	now := p.now()

	type expiry struct {
		channel, uuid string
		occupancy     int
	}
	var expired []expiry

	p.mu.Lock()
	for _, channel := range slices.Sorted(maps.Keys(p.channels)) {
		members := p.channels[channel]
		for _, uuid := range slices.Sorted(maps.Keys(members)) {
			if now.Sub(members[uuid].lastSeen) > members[uuid].timeout {
				delete(members, uuid)
				expired = append(expired, expiry{channel, uuid, len(members)})
			}
		}
		if len(members) == 0 {
			delete(p.channels, channel)
		}
	}
	p.mu.Unlock()

	for _, e := range expired {
		p.announce(e.channel, e.uuid, listener.ActionTimeout, e.occupancy, nil)
	}
	return len(expired)
}

// Occupants returns the UUIDs present on channel, sorted.
func (p *Presence) Occupants(channel string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(maps.Keys(p.channels[channel]))
}

// State returns the state uuid announced on channel.
func (p *Presence) State(channel, uuid string) json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.channels[channel][uuid]; ok {
		return slices.Clone(m.state)
	}
	return nil
}

func (p *Presence) announce(channel, uuid, action string, occupancy int, state json.RawMessage) {
	payload, err := json.Marshal(listener.PresenceEvent{
		Action:    action,
		UUID:      uuid,
		Timestamp: p.now().Unix(),
		Occupancy: occupancy,
		State:     state,
	})
	if err != nil {
		return
	}
	p.log.Append(Record{
		Channel:   envelope.PresenceChannel(channel),
		Payload:   payload,
		Publisher: uuid,
	})
	if p.onEvent != nil {
		p.onEvent(action)
	}
}
