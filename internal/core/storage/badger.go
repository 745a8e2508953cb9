package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/types"
)

// 键前缀
var (
	// entityPrefix 实体记录
	entityPrefix = []byte("e/")

	// logPrefix 本地事件日志：l/<entity>\x00<seq big-endian>
	logPrefix = []byte("l/")
)

// BadgerOptions BadgerDB 存储选项
type BadgerOptions struct {
	// Path 数据库目录，InMemory 时忽略
	Path string

	// InMemory 纯内存模式（测试使用）
	InMemory bool

	// SyncWrites 每次写入同步落盘
	SyncWrites bool

	// ReadOnly 只读打开（inspect 命令使用）
	ReadOnly bool

	// GCInterval 值日志 GC 周期，0 表示不启动
	GCInterval time.Duration

	// GCDiscardRatio 值日志 GC 丢弃比例
	GCDiscardRatio float64
}

// BadgerStore 基于 BadgerDB 的实体存储
type BadgerStore struct {
	db     *badger.DB
	opts   BadgerOptions
	closed atomic.Bool

	stats struct {
		reads  atomic.Int64
		writes atomic.Int64
		misses atomic.Int64
	}

	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
}

// 确保实现接口
var (
	_ interfaces.EntityStore  = (*BadgerStore)(nil)
	_ interfaces.EntityLister = (*BadgerStore)(nil)
	_ interfaces.EventLog     = (*BadgerStore)(nil)
)

// OpenBadger 打开 BadgerDB 实体存储
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, ErrInvalidConfig
	}
	if opts.GCDiscardRatio <= 0 || opts.GCDiscardRatio >= 1 {
		opts.GCDiscardRatio = 0.5
	}

	bopts := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithReadOnly(opts.ReadOnly).
		WithLogger(badgerLogger{})
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &BadgerStore{db: db, opts: opts}
	if opts.GCInterval > 0 && !opts.InMemory && !opts.ReadOnly {
		s.startGC()
	}
	logger.Debug("实体存储已打开", "path", opts.Path, "inMemory", opts.InMemory)
	return s, nil
}

// Get 读取实体记录
func (s *BadgerStore) Get(_ context.Context, entityID string) (*types.EntityRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if entityID == "" {
		return nil, types.ErrEmptyEntityID
	}
	s.stats.reads.Add(1)

	var rec *types.EntityRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(entityID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				s.stats.misses.Add(1)
				return types.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			r, err := types.UnmarshalRecord(val)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCorrupted, entityID, err)
			}
			rec = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put 写入实体记录
func (s *BadgerStore) Put(_ context.Context, entityID string, record *types.EntityRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if entityID == "" {
		return types.ErrEmptyEntityID
	}

	data, err := types.MarshalRecord(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", entityID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entityKey(entityID), data)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", entityID, err)
	}
	s.stats.writes.Add(1)
	return nil
}

// List 列出所有实体 ID（键序）
func (s *BadgerStore) List(_ context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = entityPrefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(entityPrefix):]))
		}
		return nil
	})
	return ids, err
}

// ============================================================================
//                              事件日志
// ============================================================================

// AppendEvent 追加本地事件帧
func (s *BadgerStore) AppendEvent(_ context.Context, entityID string, seq uint64, frame []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	key, err := logKey(entityID, seq)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, frame)
	})
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", entityID, seq, err)
	}
	return nil
}

// ScanEvents 遍历摘要范围内缺失的事件帧
func (s *BadgerStore) ScanEvents(ctx context.Context, d types.Digest, fn func(entityID string, seq uint64, frame []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = logPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), logPrefix...), d.After...)
		for it.Seek(seek); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			entityID, seq, ok := parseLogKey(item.Key())
			if !ok {
				continue
			}
			if !d.Covers(entityID) {
				if d.Through != "" && entityID > d.Through {
					return nil
				}
				continue
			}
			if seq <= d.Since(entityID) {
				continue
			}

			frame, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read event %s/%d: %w", entityID, seq, err)
			}
			if err := fn(entityID, seq, frame); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats 返回读写统计
func (s *BadgerStore) Stats() Stats {
	return Stats{
		Reads:  s.stats.reads.Load(),
		Writes: s.stats.writes.Load(),
		Misses: s.stats.misses.Load(),
	}
}

// Close 关闭存储
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.gcCancel != nil {
		s.gcCancel()
		s.gcWg.Wait()
	}
	return s.db.Close()
}

// startGC 启动值日志垃圾回收后台任务
func (s *BadgerStore) startGC() {
	ctx, cancel := context.WithCancel(context.Background())
	s.gcCancel = cancel

	s.gcWg.Add(1)
	go func() {
		defer s.gcWg.Done()

		ticker := time.NewTicker(s.opts.GCInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// 运行 GC 直到没有更多可回收的空间
				for s.db.RunValueLogGC(s.opts.GCDiscardRatio) == nil {
				}
			}
		}
	}()
}

func entityKey(entityID string) []byte {
	key := make([]byte, 0, len(entityPrefix)+len(entityID))
	key = append(key, entityPrefix...)
	return append(key, entityID...)
}

func logKey(entityID string, seq uint64) ([]byte, error) {
	if entityID == "" {
		return nil, types.ErrEmptyEntityID
	}
	if strings.IndexByte(entityID, 0) >= 0 {
		return nil, fmt.Errorf("%w: entity ID contains NUL", ErrInvalidKey)
	}
	key := make([]byte, 0, len(logPrefix)+len(entityID)+9)
	key = append(key, logPrefix...)
	key = append(key, entityID...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, seq), nil
}

func parseLogKey(key []byte) (string, uint64, bool) {
	rest := key[len(logPrefix):]
	i := bytes.IndexByte(rest, 0)
	if i < 0 || len(rest)-i-1 != 8 {
		return "", 0, false
	}
	return string(rest[:i]), binary.BigEndian.Uint64(rest[i+1:]), true
}

// ============================================================================
//                              日志适配
// ============================================================================

// badgerLogger 将 badger.Logger 适配到组件日志
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(string, ...interface{}) {}
