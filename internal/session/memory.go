package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepSchedule runs the expiry sweeper once a minute. Reads already
// filter expired entries, so the sweeper only reclaims memory.
const sweepSchedule = "@every 1m"

// MemoryStore is the default in-memory data-context store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	cron    *cron.Cron
	logger  *slog.Logger
}

type memoryEntry struct {
	dc        DataContext
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store and starts its sweeper.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		cron:    cron.New(),
		logger:  logger,
	}
	_, _ = s.cron.AddFunc(sweepSchedule, s.sweep)
	s.cron.Start()
	return s
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*DataContext, error) {
	s.mu.RLock()
	entry, ok := s.entries[sessionID]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrNotFound
	}
	cp := entry.dc
	cp.Columns = append([]string(nil), entry.dc.Columns...)
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, dc *DataContext, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cp := *dc
	cp.Columns = append([]string(nil), dc.Columns...)

	s.mu.Lock()
	s.entries[dc.SessionID] = memoryEntry{dc: cp, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()
	return nil
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.cron.Stop()
	return nil
}

func (s *MemoryStore) Driver() string { return "memory" }

// sweep removes expired entries.
func (s *MemoryStore) sweep() {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	for id, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("swept expired data contexts", slog.Int("removed", removed))
	}
}
