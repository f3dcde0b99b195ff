package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Delivery is one event handed to a registered connection.
type Delivery struct {
	Event   string
	Payload []byte
}

// Memory tracks membership with forward and reverse indexes and hands
// broadcasts to per-connection callbacks. It serves tests and single-process
// deployments where the websocket gateway lives in the same binary.
type Memory struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]bool // room -> set of connIDs
	conns     map[string]map[string]bool // connID -> set of rooms
	receivers map[string]func(Delivery)
}

func NewMemory() *Memory {
	return &Memory{
		rooms:     make(map[string]map[string]bool),
		conns:     make(map[string]map[string]bool),
		receivers: make(map[string]func(Delivery)),
	}
}

// Register attaches a delivery callback for a connection. Without one the
// connection still counts as a member; its deliveries are dropped.
func (m *Memory) Register(connID string, recv func(Delivery)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receivers[connID] = recv
}

func (m *Memory) Unregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.receivers, connID)
}

func (m *Memory) Join(connID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]bool)
	}
	m.rooms[room][connID] = true
	if m.conns[connID] == nil {
		m.conns[connID] = make(map[string]bool)
	}
	m.conns[connID][room] = true
}

func (m *Memory) Leave(connID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(connID, room)
}

func (m *Memory) leaveLocked(connID, room string) {
	if members, ok := m.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
	if rooms, ok := m.conns[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(m.conns, connID)
		}
	}
}

func (m *Memory) LeaveAll(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected []string
	for room := range m.conns[connID] {
		affected = append(affected, room)
	}
	for _, room := range affected {
		m.leaveLocked(connID, room)
	}
	return affected
}

func (m *Memory) InRoom(connID, room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[room][connID]
}

func (m *Memory) Members(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.rooms[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

func (m *Memory) Broadcast(_ context.Context, room, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	m.mu.RLock()
	var receivers []func(Delivery)
	for connID := range m.rooms[room] {
		if recv, ok := m.receivers[connID]; ok {
			receivers = append(receivers, recv)
		}
	}
	m.mu.RUnlock()

	for _, recv := range receivers {
		recv(Delivery{Event: event, Payload: data})
	}
	return nil
}
