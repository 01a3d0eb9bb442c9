package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/values"
)

// memReceiptRepo is an in-memory ReceiptRepository with the same
// uniqueness guarantees as the Postgres schema.
type memReceiptRepo struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*audit.Receipt
	byKey    map[string]*audit.Receipt
	byShard  map[string][]*audit.Receipt
	failNext bool
}

func newMemReceiptRepo() *memReceiptRepo {
	return &memReceiptRepo{
		byID:    make(map[uuid.UUID]*audit.Receipt),
		byKey:   make(map[string]*audit.Receipt),
		byShard: make(map[string][]*audit.Receipt),
	}
}

func (m *memReceiptRepo) Insert(_ context.Context, r *audit.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext {
		m.failNext = false
		return fmt.Errorf("injected insert failure")
	}
	if _, ok := m.byKey[r.IdempotencyKey]; ok {
		return fmt.Errorf("duplicate idempotency key %s", r.IdempotencyKey)
	}
	for _, existing := range m.byShard[r.Shard] {
		if existing.SequenceNumber.Uint64() == r.SequenceNumber.Uint64() {
			return fmt.Errorf("duplicate sequence %d in shard %s", r.SequenceNumber.Uint64(), r.Shard)
		}
	}

	m.byID[r.ID] = r
	m.byKey[r.IdempotencyKey] = r
	m.byShard[r.Shard] = append(m.byShard[r.Shard], r)
	return nil
}

func (m *memReceiptRepo) GetByID(_ context.Context, id uuid.UUID) (*audit.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id], nil
}

func (m *memReceiptRepo) GetByIdempotencyKey(_ context.Context, key string) (*audit.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byKey[key], nil
}

func (m *memReceiptRepo) Tail(_ context.Context, shard string) (*audit.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tail *audit.Receipt
	for _, r := range m.byShard[shard] {
		if tail == nil || r.SequenceNumber.Uint64() > tail.SequenceNumber.Uint64() {
			tail = r
		}
	}
	return tail, nil
}

func (m *memReceiptRepo) ListRange(_ context.Context, shard string, from, to values.SequenceNumber) ([]*audit.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*audit.Receipt
	for _, r := range m.byShard[shard] {
		seq := r.SequenceNumber.Uint64()
		if seq >= from.Uint64() && seq <= to.Uint64() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber.Uint64() < out[j].SequenceNumber.Uint64()
	})
	return out, nil
}

func (m *memReceiptRepo) ListUnanchored(_ context.Context, shard string, afterSeq uint64, limit int) ([]*audit.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*audit.Receipt
	for _, r := range m.byShard[shard] {
		if r.SequenceNumber.Uint64() > afterSeq {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber.Uint64() < out[j].SequenceNumber.Uint64()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memAnchorRepo struct {
	mu      sync.Mutex
	anchors []*audit.Anchor
}

func newMemAnchorRepo() *memAnchorRepo {
	return &memAnchorRepo{}
}

func (m *memAnchorRepo) Insert(_ context.Context, a *audit.Anchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchors = append(m.anchors, a)
	return nil
}

func (m *memAnchorRepo) Latest(_ context.Context, shard string) (*audit.Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *audit.Anchor
	for _, a := range m.anchors {
		if a.Shard != shard {
			continue
		}
		if latest == nil || a.LastSequence.Uint64() > latest.LastSequence.Uint64() {
			latest = a
		}
	}
	return latest, nil
}

func (m *memAnchorRepo) GetByID(_ context.Context, id uuid.UUID) (*audit.Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.anchors {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memAnchorRepo) FindCovering(_ context.Context, shard string, seq uint64) (*audit.Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.anchors {
		if a.Shard == shard && seq >= a.FirstSequence.Uint64() && seq <= a.LastSequence.Uint64() {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memAnchorRepo) count(shard string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.anchors {
		if a.Shard == shard {
			n++
		}
	}
	return n
}

// fakeSink records committed roots
type fakeSink struct {
	mu    sync.Mutex
	roots []values.HashValue
	fail  bool
}

func (s *fakeSink) Commit(_ context.Context, shard string, root values.HashValue) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", fmt.Errorf("sink unavailable")
	}
	s.roots = append(s.roots, root)
	return fmt.Sprintf("ref-%s-%d", shard, len(s.roots)), nil
}
