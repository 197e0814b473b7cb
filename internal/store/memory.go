package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grovetools/daas/internal/session"
	"github.com/sirupsen/logrus"
)

// MemoryStore is an in-process Store. Records are kept serialized so every
// Load is a fresh decode, as with FileStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Dir]map[string][]byte
	locks   map[string][]byte
	logger  *logrus.Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *logrus.Entry) *MemoryStore {
	return &MemoryStore{
		records: map[Dir]map[string][]byte{
			DirActive:    {},
			DirCompleted: {},
		},
		locks:  make(map[string][]byte),
		logger: logger,
	}
}

// PutRaw stores raw bytes under id, bypassing encoding. Used to seed
// malformed records.
func (m *MemoryStore) PutRaw(id string, dir Dir, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dir(dir)[id] = append([]byte(nil), data...)
}

func (m *MemoryStore) dir(dir Dir) map[string][]byte {
	records, ok := m.records[dir]
	if !ok {
		records = make(map[string][]byte)
		m.records[dir] = records
	}
	return records
}

func (m *MemoryStore) Load(ctx context.Context, dir Dir) ([]*session.Session, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.dir(dir)))
	snapshot := make(map[string][]byte, len(m.dir(dir)))
	for id, data := range m.dir(dir) {
		ids = append(ids, id)
		snapshot[id] = data
	}
	m.mu.Unlock()

	sort.Strings(ids)
	var sessions []*session.Session
	for _, id := range ids {
		s, err := session.Decode(snapshot[id])
		if err != nil {
			m.logger.WithError(err).WithField("id", id).Warn("Skipping malformed session record")
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string, dir Dir) (*session.Session, error) {
	m.mu.Lock()
	data, ok := m.dir(dir)[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %s in %s: %w", id, dir, ErrNotFound)
	}
	return session.Decode(data)
}

func (m *MemoryStore) Write(ctx context.Context, s *session.Session, dir Dir) error {
	data, err := session.Encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dir(dir)[s.SessionID] = data
	return nil
}

func (m *MemoryStore) Create(ctx context.Context, s *session.Session, dir Dir) error {
	data, err := session.Encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.dir(dir)[s.SessionID]; exists {
		return fmt.Errorf("session %s in %s: %w", s.SessionID, dir, ErrAlreadyExists)
	}
	m.dir(dir)[s.SessionID] = data
	return nil
}

func (m *MemoryStore) Move(ctx context.Context, id string, from, to Dir) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.dir(from)[id]
	if !ok {
		return fmt.Errorf("session %s in %s: %w", id, from, ErrNotFound)
	}
	if _, exists := m.dir(to)[id]; exists {
		return fmt.Errorf("session %s in %s: %w", id, to, ErrAlreadyExists)
	}
	m.dir(to)[id] = data
	delete(m.dir(from), id)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string, dir Dir) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dir(dir)[id]; !ok {
		return fmt.Errorf("session %s in %s: %w", id, dir, ErrNotFound)
	}
	delete(m.dir(dir), id)
	return nil
}

func (m *MemoryStore) CreateLockArtifact(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.locks[name]; exists {
		return fmt.Errorf("lock %s: %w", name, ErrAlreadyExists)
	}
	m.locks[name] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) ReadLockArtifact(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.locks[name]
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", name, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) RemoveLockArtifact(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, name)
	return nil
}

// HasLockArtifact reports whether a lock artifact is present.
func (m *MemoryStore) HasLockArtifact(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[name]
	return ok
}
