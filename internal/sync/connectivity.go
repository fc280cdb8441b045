package sync

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sunnychaun9/offline-crud-apps/internal/logger"
)

// ConnectivityMonitor holds the boolean network state pushed in by the
// platform. Notifications are edge-triggered: only actual transitions reach
// the subscribers.
type ConnectivityMonitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

func NewConnectivityMonitor(initial bool) *ConnectivityMonitor {
	return &ConnectivityMonitor{
		online: initial,
		subs:   make(map[int]func(bool)),
	}
}

func (m *ConnectivityMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the new state. Repeated same-state calls notify nobody.
func (m *ConnectivityMonitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	logger.Log.Info("Connectivity changed", zap.Bool("online", online))

	// Callbacks run outside the lock so they may call back into the monitor.
	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers a transition callback and returns its unsubscribe.
func (m *ConnectivityMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
