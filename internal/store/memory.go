package store

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bit2swaz/sosmesh/internal/protocol"
)

// memCapacity bounds the fallback ledger; old ids are evicted LRU-first once
// the mesh has seen this many distinct messages in a session.
const memCapacity = 4096

// MemLedger is the degraded-mode ledger used when sqlite is unavailable.
// Dedup still works for the life of the process; durability is what is lost.
type MemLedger struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Record]
}

func NewMemory() *MemLedger {
	cache, _ := lru.New[string, *Record](memCapacity)
	return &MemLedger{cache: cache}
}

func (m *MemLedger) Insert(msg protocol.Message, receivedAt time.Time) (bool, error) {
	raw, err := msg.Encode()
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.Contains(msg.MsgID) {
		return false, nil
	}
	m.cache.Add(msg.MsgID, &Record{
		MsgID:      msg.MsgID,
		Raw:        string(raw),
		Type:       msg.Type,
		Priority:   msg.Priority,
		ReceivedAt: receivedAt,
	})
	return true, nil
}

func (m *MemLedger) Exists(msgID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Contains(msgID), nil
}

func (m *MemLedger) MarkDelivered(msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.cache.Peek(msgID); ok {
		rec.Delivered = true
	}
	return nil
}

func (m *MemLedger) IncrementForwardCount(msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.cache.Peek(msgID); ok {
		rec.ForwardedCount++
	}
	return nil
}

func (m *MemLedger) DeleteExpired(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, id := range m.cache.Keys() {
		rec, ok := m.cache.Peek(id)
		if ok && rec.ReceivedAt.Before(cutoff) {
			m.cache.Remove(id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemLedger) Recent(limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]Record, 0, m.cache.Len())
	for _, id := range m.cache.Keys() {
		if rec, ok := m.cache.Peek(id); ok {
			recs = append(recs, *rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].ReceivedAt.After(recs[j].ReceivedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *MemLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
	return nil
}
