package jobstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// InMemoryStore is a size-limited AttemptStore. It orders like the SQLite store; when full
// it forgets the oldest submissions first.
type InMemoryStore struct {
	mu         sync.Mutex
	maxRecords int
	records    map[recordKey]AttemptRecord
}

type recordKey struct {
	session string
	kind    string
	attempt uint64
}

var _ AttemptStore = &InMemoryStore{}

func NewInMemoryStore(maxRecords int) *InMemoryStore {
	if maxRecords <= 0 {
		maxRecords = 5000
	}
	return &InMemoryStore{maxRecords: maxRecords, records: map[recordKey]AttemptRecord{}}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Upsert(_ context.Context, record AttemptRecord) error {
	record = normalizeRecord(record)
	if record.Kind == "" || record.Attempt == 0 {
		return errors.New("in-memory job store: kind and attempt are required")
	}
	k := recordKey{session: record.SessionID, kind: record.Kind, attempt: record.Attempt}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[k]; ok {
		record = mergeRecord(prev, record)
	}
	s.records[k] = record
	if len(s.records) > s.maxRecords {
		s.evictLocked(len(s.records) - s.maxRecords)
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID, kind string, attempt uint64) (AttemptRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordKey{session: strings.TrimSpace(sessionID), kind: strings.TrimSpace(kind), attempt: attempt}]
	return r, ok, nil
}

func (s *InMemoryStore) List(_ context.Context, kind string, limit int) ([]AttemptRecord, error) {
	kind = strings.TrimSpace(kind)
	limit = normalizeLimit(limit)

	s.mu.Lock()
	out := make([]AttemptRecord, 0, len(s.records))
	for _, r := range s.records {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) evictLocked(n int) {
	all := make([]AttemptRecord, 0, len(s.records))
	for _, r := range s.records {
		all = append(all, r)
	}
	sortNewestFirst(all)
	for _, r := range all[len(all)-n:] {
		delete(s.records, recordKey{session: r.SessionID, kind: r.Kind, attempt: r.Attempt})
	}
}

func sortNewestFirst(rs []AttemptRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].SubmittedAtMs != rs[j].SubmittedAtMs {
			return rs[i].SubmittedAtMs > rs[j].SubmittedAtMs
		}
		return rs[i].Attempt > rs[j].Attempt
	})
}
