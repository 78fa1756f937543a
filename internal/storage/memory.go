package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"herald/internal/notification"
)

// memoryStore keeps everything in maps guarded by one mutex. Values are
// cloned on the way in and out so callers never share memory with the store.
type memoryStore struct {
	mu       sync.Mutex
	records  map[string]*notification.Record
	byKey    map[notification.Key]string
	messages map[string]*notification.OutboundMessage
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		records:  map[string]*notification.Record{},
		byKey:    map[notification.Key]string{},
		messages: map[string]*notification.OutboundMessage{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) CreateRecord(_ context.Context, r *notification.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return ErrConflict
	}
	k := r.Key()
	if _, ok := s.byKey[k]; ok {
		return ErrConflict
	}
	s.records[r.ID] = r.Clone()
	s.byKey[k] = r.ID
	return nil
}

func (s *memoryStore) GetRecord(_ context.Context, id string) (*notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *memoryStore) FindRecord(_ context.Context, key notification.Key) (*notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.records[id].Clone(), nil
}

func (s *memoryStore) UpdateRecord(_ context.Context, r *notification.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State.Terminal() {
		return ErrConflict
	}
	next := r.Clone()
	// Identity is immutable.
	next.Recipient, next.RelatedEntity, next.Kind, next.OccurrenceKey = cur.Recipient, cur.RelatedEntity, cur.Kind, cur.OccurrenceKey
	next.CreatedAt = cur.CreatedAt
	s.records[r.ID] = next
	return nil
}

func (s *memoryStore) ListRecords(_ context.Context, f RecordFilter) ([]*notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*notification.Record, 0)
	for _, r := range s.records {
		if f.match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return limitSlice(out, f.Limit), nil
}

func (s *memoryStore) DueRetries(_ context.Context, now time.Time, limit int) ([]*notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*notification.Record, 0)
	for _, r := range s.records {
		if r.State == notification.StateRetryScheduled && !r.NextRetryAt.After(now) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].NextRetryAt.Before(out[j].NextRetryAt)
		}
		return out[i].ID < out[j].ID
	})
	return limitSlice(out, limit), nil
}

func (s *memoryStore) StalePending(_ context.Context, cutoff time.Time, limit int) ([]*notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*notification.Record, 0)
	for _, r := range s.records {
		if r.State == notification.StatePending && r.UpdatedAt.Before(cutoff) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return limitSlice(out, limit), nil
}

func (s *memoryStore) DeleteTerminalRecords(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.records {
		if r.State.Terminal() && r.UpdatedAt.Before(before) {
			delete(s.records, id)
			delete(s.byKey, r.Key())
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) InsertMessage(_ context.Context, m *notification.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return ErrConflict
	}
	s.messages[m.ID] = m.Clone()
	return nil
}

func (s *memoryStore) GetMessage(_ context.Context, id string) (*notification.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *memoryStore) DueMessages(_ context.Context, now time.Time, limit int) ([]*notification.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*notification.OutboundMessage, 0)
	for _, m := range s.messages {
		if m.State == notification.MessagePending && !m.ScheduledFor.After(now) {
			out = append(out, m.Clone())
		}
	}
	SortQueue(out)
	return limitSlice(out, limit), nil
}

func (s *memoryStore) UpdateMessage(_ context.Context, m *notification.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.messages[m.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State.Terminal() {
		return ErrConflict
	}
	next := m.Clone()
	next.CreatedAt = cur.CreatedAt
	s.messages[m.ID] = next
	return nil
}

func (s *memoryStore) ListMessages(_ context.Context, f MessageFilter) ([]*notification.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*notification.OutboundMessage, 0)
	for _, m := range s.messages {
		if f.match(m) {
			out = append(out, m.Clone())
		}
	}
	SortQueue(out)
	return limitSlice(out, f.Limit), nil
}

func (s *memoryStore) DeleteTerminalMessages(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.messages {
		if m.State.Terminal() && m.UpdatedAt.Before(before) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

// SortQueue orders messages the way the queue drains them: priority desc,
// then created_at asc, then id.
func SortQueue(ms []*notification.OutboundMessage) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Priority != ms[j].Priority {
			return ms[i].Priority > ms[j].Priority
		}
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}

func limitSlice[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
