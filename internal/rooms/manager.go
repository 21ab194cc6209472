package rooms

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultIdleTimeout is how long a room may go without messages before eviction.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultSweepInterval is how often idle rooms are collected.
	DefaultSweepInterval = 10 * time.Minute
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Manager owns the rooms of this process, one per board id.
type Manager struct {
	mu            sync.Mutex
	rooms         map[string]*Room
	idleTimeout   time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewManager constructs an empty Manager.
func NewManager(cfg ManagerConfig) *Manager {
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rooms:         make(map[string]*Room),
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		clock:         clock,
		logger:        logger,
	}
}

// GetOrCreate returns the room for boardID, creating it with an empty
// document and awareness table on first use.
func (m *Manager) GetOrCreate(boardID string) *Room {
	boardID = strings.TrimSpace(boardID)
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[boardID]; ok {
		room.Touch(now)
		return room
	}
	room := newRoom(boardID, now)
	m.rooms[boardID] = room
	m.logger.Debug("room created", zap.String("board_id", boardID))
	return room
}

// Lookup returns the room for boardID without creating it.
func (m *Manager) Lookup(boardID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[strings.TrimSpace(boardID)]
	return room, ok
}

// Touch records activity on boardID if its room exists.
func (m *Manager) Touch(boardID string) {
	if room, ok := m.Lookup(boardID); ok {
		room.Touch(m.clock())
	}
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Sweep evicts rooms idle for longer than the idle timeout and returns their
// board ids in sorted order. Rooms that still have attached peers are kept,
// otherwise those peers would keep editing a document nobody else can reach.
func (m *Manager) Sweep(now time.Time) []string {
	cutoff := now.Add(-m.idleTimeout)
	evicted := make([]string, 0)

	m.mu.Lock()
	for boardID, room := range m.rooms {
		room.mu.Lock()
		idle := room.lastActivity.Before(cutoff)
		attached := len(room.peers)
		if idle && attached == 0 {
			room.evicted = true
			delete(m.rooms, boardID)
			evicted = append(evicted, boardID)
		}
		room.mu.Unlock()
		if idle && attached > 0 {
			m.logger.Warn("idle room kept because peers are attached",
				zap.String("board_id", boardID),
				zap.Int("peers", attached))
		}
	}
	m.mu.Unlock()

	sort.Strings(evicted)
	return evicted
}

// Run sweeps on the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := m.Sweep(m.clock())
			if len(evicted) > 0 {
				m.logger.Info("idle rooms evicted",
					zap.Strings("board_ids", evicted),
					zap.Int("remaining", m.Count()))
			}
		}
	}
}
