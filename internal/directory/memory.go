package directory

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process directory. With autoCreate set, any identity is accepted and
// created on first SetOnline.
type Memory struct {
	mu         sync.RWMutex
	online     map[string]bool
	autoCreate bool
}

// NewMemory seeds a directory with known users, all offline.
func NewMemory(autoCreate bool, users ...string) *Memory {
	m := &Memory{
		online:     make(map[string]bool, len(users)),
		autoCreate: autoCreate,
	}
	for _, u := range users {
		m.online[u] = false
	}
	return m
}

// AddUser registers a new offline user.
func (m *Memory) AddUser(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.online[identity]; ok {
		return ErrAlreadyExists
	}
	m.online[identity] = false
	return nil
}

func (m *Memory) Exists(_ context.Context, identity string) (bool, error) {
	if m.autoCreate {
		return identity != "", nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.online[identity]
	return ok, nil
}

func (m *Memory) SetOnline(_ context.Context, identity string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.online[identity]; !ok && !m.autoCreate {
		return ErrUnknownUser
	}
	m.online[identity] = online
	return nil
}

func (m *Memory) FindOnlineExcept(_ context.Context, identity string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.online))
	for id, online := range m.online {
		if online && id != identity {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
