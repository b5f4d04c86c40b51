package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb 键布局：
//
//	g:<generation>              -> gob(generationMeta)，代际存在标记
//	e:<generation>\x00<GET url> -> gob(storedSnapshot)
const (
	metaPrefix  = "g:"
	entryPrefix = "e:"
)

// NewLevelDBBackend 在 path 下打开（或创建）leveldb，所有代际共享同一个库。
func NewLevelDBBackend(path string) (Backend, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelDBBackend{db: db}, nil
}

// NewMemoryBackend 返回基于内存存储的 leveldb，进程退出即丢失，适合测试。
func NewMemoryBackend() (Backend, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory leveldb: %w", err)
	}
	return &levelDBBackend{db: db}, nil
}

// levelDBBackend 用一把读写锁把“删除代际”与“写入快照”串行化：
// 写入持读锁并确认代际标记仍在，删除持写锁，避免回收后的代际被迟到的写入复活。
type levelDBBackend struct {
	db *leveldb.DB

	mu     sync.RWMutex
	closed bool
}

type levelDBGeneration struct {
	backend *levelDBBackend
	name    string
}

func (b *levelDBBackend) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrStoreClosed
	}

	marker := []byte(metaPrefix + name)
	exists, err := b.db.Has(marker, nil)
	if err != nil {
		return nil, mapLevelDBErr(err)
	}
	if !exists {
		meta, err := encodeGob(generationMeta{Name: name, CreatedAt: time.Now().UTC()})
		if err != nil {
			return nil, err
		}
		if err := b.db.Put(marker, meta, nil); err != nil {
			return nil, mapLevelDBErr(err)
		}
	}
	return &levelDBGeneration{backend: b, name: name}, nil
}

func (b *levelDBBackend) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, ErrStoreClosed
	}
	ok, err := b.db.Has([]byte(metaPrefix+name), nil)
	return ok, mapLevelDBErr(err)
}

func (b *levelDBBackend) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrStoreClosed
	}

	marker := []byte(metaPrefix + name)
	exists, err := b.db.Has(marker, nil)
	if err != nil {
		return false, mapLevelDBErr(err)
	}

	batch := new(leveldb.Batch)
	it := b.db.NewIterator(util.BytesPrefix(generationEntryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, mapLevelDBErr(err)
	}
	batch.Delete(marker)

	if err := b.db.Write(batch, nil); err != nil {
		return false, mapLevelDBErr(err)
	}
	return exists, nil
}

func (b *levelDBBackend) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}

	it := b.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(it.Key()[len(metaPrefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, mapLevelDBErr(err)
	}
	sort.Strings(names)
	return names, nil
}

func (b *levelDBBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (g *levelDBGeneration) Name() string {
	return g.name
}

func (g *levelDBGeneration) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := g.backend
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}

	raw, err := b.db.Get(g.entryKey(key), nil)
	if err != nil {
		return nil, mapLevelDBErr(err)
	}
	_, snap, err := decodeSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, nil
}

func (g *levelDBGeneration) Put(ctx context.Context, key Key, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := key.validate(); err != nil {
		return err
	}
	if snap == nil {
		return errors.New("nil snapshot")
	}
	raw, err := encodeSnapshot(key, snap)
	if err != nil {
		return err
	}

	b := g.backend
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	alive, err := b.db.Has([]byte(metaPrefix+g.name), nil)
	if err != nil {
		return mapLevelDBErr(err)
	}
	if !alive {
		return fmt.Errorf("%w: %s", ErrGenerationGone, g.name)
	}
	return mapLevelDBErr(b.db.Put(g.entryKey(key), raw, nil))
}

func (g *levelDBGeneration) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := g.backend
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return mapLevelDBErr(b.db.Delete(g.entryKey(key), nil))
}

func (g *levelDBGeneration) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := g.backend
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}

	prefix := generationEntryPrefix(g.name)
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []Key
	for it.Next() {
		key, err := ParseKey(string(it.Key()[len(prefix):]))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	if err := it.Error(); err != nil {
		return nil, mapLevelDBErr(err)
	}
	return keys, nil
}

func (g *levelDBGeneration) entryKey(key Key) []byte {
	return append(generationEntryPrefix(g.name), key.String()...)
}

func generationEntryPrefix(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

func mapLevelDBErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return ErrStoreClosed
	default:
		return err
	}
}
