package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/types"
)

// MemoryStore 内存实体存储
//
// 记录以编码后的字节保存，Get 每次返回独立副本。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	events  map[string]map[uint64][]byte

	reads  atomic.Int64
	writes atomic.Int64
	misses atomic.Int64
}

var (
	_ interfaces.EntityStore  = (*MemoryStore)(nil)
	_ interfaces.EntityLister = (*MemoryStore)(nil)
	_ interfaces.EventLog     = (*MemoryStore)(nil)
)

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]byte),
		events:  make(map[string]map[uint64][]byte),
	}
}

// Get 读取实体记录
func (s *MemoryStore) Get(_ context.Context, entityID string) (*types.EntityRecord, error) {
	if entityID == "" {
		return nil, types.ErrEmptyEntityID
	}
	s.reads.Add(1)

	s.mu.RLock()
	data, ok := s.records[entityID]
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		return nil, types.ErrNotFound
	}
	return types.UnmarshalRecord(data)
}

// Put 写入实体记录
func (s *MemoryStore) Put(_ context.Context, entityID string, record *types.EntityRecord) error {
	if entityID == "" {
		return types.ErrEmptyEntityID
	}
	data, err := types.MarshalRecord(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.records[entityID] = data
	s.mu.Unlock()

	s.writes.Add(1)
	return nil
}

// List 列出所有实体 ID（有序）
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids, nil
}

// AppendEvent 追加本地事件帧
func (s *MemoryStore) AppendEvent(_ context.Context, entityID string, seq uint64, frame []byte) error {
	if entityID == "" {
		return types.ErrEmptyEntityID
	}
	if strings.IndexByte(entityID, 0) >= 0 {
		return fmt.Errorf("%w: entity ID contains NUL", ErrInvalidKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.events[entityID]
	if !ok {
		log = make(map[uint64][]byte)
		s.events[entityID] = log
	}
	log[seq] = append([]byte(nil), frame...)
	return nil
}

// ScanEvents 遍历摘要范围内缺失的事件帧
//
// 先在读锁内取出匹配的帧，回调在锁外执行。
func (s *MemoryStore) ScanEvents(ctx context.Context, d types.Digest, fn func(entityID string, seq uint64, frame []byte) error) error {
	type entry struct {
		entityID string
		seq      uint64
		frame    []byte
	}

	s.mu.RLock()
	var out []entry
	for entityID, log := range s.events {
		if !d.Covers(entityID) {
			continue
		}
		since := d.Since(entityID)
		for seq, frame := range log {
			if seq > since {
				out = append(out, entry{entityID: entityID, seq: seq, frame: frame})
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].entityID != out[j].entityID {
			return out[i].entityID < out[j].entityID
		}
		return out[i].seq < out[j].seq
	})
	for _, e := range out {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.entityID, e.seq, e.frame); err != nil {
			return err
		}
	}
	return nil
}

// Stats 返回读写统计
func (s *MemoryStore) Stats() Stats {
	return Stats{
		Reads:  s.reads.Load(),
		Writes: s.writes.Load(),
		Misses: s.misses.Load(),
	}
}

// Close 无操作
func (s *MemoryStore) Close() error {
	return nil
}
