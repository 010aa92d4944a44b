package spool

import (
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	kind      Kind
	createdAt time.Time
}

// MemorySpool is the fallback backend used when DiskSpool initialization
// fails (unwritable root, missing permission). It satisfies the same
// Adapter contract entirely in memory; nothing survives a process restart.
type MemorySpool struct {
	mu       sync.Mutex
	byID     map[string]*memoryEntry
	order    []string
	totalLen int64
}

// NewMemorySpool creates an empty, ready-to-use MemorySpool.
func NewMemorySpool() *MemorySpool {
	return &MemorySpool{byID: make(map[string]*memoryEntry)}
}

func (s *MemorySpool) Write(id string, data []byte, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byID[id]; ok {
		s.totalLen -= int64(len(prev.data))
		s.removeFromOrderLocked(id)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.byID[id] = &memoryEntry{data: buf, kind: kind, createdAt: time.Now()}
	s.order = append(s.order, id)
	s.totalLen += int64(len(buf))
	return nil
}

func (s *MemorySpool) Read(id string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byID[id]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(entry.data))
	copy(out, entry.data)
	return out, true, nil
}

func (s *MemorySpool) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	s.removeFromOrderLocked(id)
	s.totalLen -= int64(len(entry.data))
	return nil
}

func (s *MemorySpool) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(func(Kind) bool { return true })
}

func (s *MemorySpool) ListKind(kind Kind) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(func(k Kind) bool { return k == kind })
}

func (s *MemorySpool) snapshotLocked(match func(Kind) bool) []Entry {
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		entry := s.byID[id]
		if !match(entry.kind) {
			continue
		}
		out = append(out, Entry{ID: id, Kind: entry.kind, Size: int64(len(entry.data)), CreatedAt: entry.createdAt})
	}
	return out
}

func (s *MemorySpool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLen
}

func (s *MemorySpool) EvictToFit(quota int64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []Entry
	for s.totalLen > quota && len(s.order) > 0 {
		id := s.order[0]
		entry := s.byID[id]
		evicted = append(evicted, Entry{ID: id, Kind: entry.kind, Size: int64(len(entry.data)), CreatedAt: entry.createdAt})
		s.totalLen -= int64(len(entry.data))
		delete(s.byID, id)
		s.order = s.order[1:]
	}
	return evicted
}

func (s *MemorySpool) removeFromOrderLocked(id string) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
