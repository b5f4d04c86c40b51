package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// 磁盘布局：
//
//	<basePath>/<generation>/.generation             # 代际标记（gob generationMeta）
//	<basePath>/<generation>/<hh>/<sha1(key)>.snap   # 快照正文
const (
	generationMarker = ".generation"
	snapshotExt      = ".snap"
)

// NewFSBackend 以 basePath 为根目录构建磁盘代际存储，整站复用一份实例。
func NewFSBackend(basePath string) (Backend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		genLocks: make(map[string]*generationLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一快照并发写入，通过 genLocks 让代际删除与写入互斥。
// 两类锁都按引用计数回收，无人持有时从 map 中移除。
type fileStore struct {
	basePath string

	mu       sync.Mutex
	locks    map[string]*entryLock
	genLocks map[string]*generationLock
	closed   bool
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type generationLock struct {
	mu   sync.RWMutex
	refs int
}

type fileGeneration struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	unlock := s.lockGeneration(name, false)
	defer unlock()

	dir := filepath.Join(s.basePath, name)
	marker := filepath.Join(dir, generationMarker)
	if _, err := os.Stat(marker); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		meta, err := encodeGob(generationMeta{Name: name, CreatedAt: time.Now().UTC()})
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(ctx, marker, meta); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return &fileGeneration{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if validateName(name) != nil {
		return false, nil
	}
	return markerExists(filepath.Join(s.basePath, name))
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}

	unlock := s.lockGeneration(name, false)
	defer unlock()

	dir := filepath.Join(s.basePath, name)
	existed, err := markerExists(dir)
	if err != nil {
		return false, err
	}
	// 先删标记：即使后续 RemoveAll 失败，该代际也不再被枚举或写入。
	if err := os.Remove(filepath.Join(dir, generationMarker)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return existed, err
	}
	return existed, nil
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ok, err := markerExists(filepath.Join(s.basePath, entry.Name()))
		if err != nil {
			return nil, err
		}
		if ok {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (g *fileGeneration) Name() string {
	return g.name
}

func (g *fileGeneration) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := g.store.check(ctx); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(g.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	storedKey, snap, err := decodeSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	if storedKey != key {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (g *fileGeneration) Put(ctx context.Context, key Key, snap *Snapshot) error {
	if err := g.store.check(ctx); err != nil {
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

	unlockGen := g.store.lockGeneration(g.name, true)
	defer unlockGen()

	alive, err := markerExists(g.dir)
	if err != nil {
		return err
	}
	if !alive {
		return fmt.Errorf("%w: %s", ErrGenerationGone, g.name)
	}

	unlock := g.store.lockEntry(g.name, key)
	defer unlock()

	return writeFileAtomic(ctx, g.entryPath(key), raw)
}

func (g *fileGeneration) Remove(ctx context.Context, key Key) error {
	if err := g.store.check(ctx); err != nil {
		return err
	}
	unlock := g.store.lockEntry(g.name, key)
	defer unlock()

	if err := os.Remove(g.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (g *fileGeneration) Keys(ctx context.Context) ([]Key, error) {
	if err := g.store.check(ctx); err != nil {
		return nil, err
	}

	var keys []Key
	err := filepath.WalkDir(g.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, snapshotExt) {
			return nil
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		key, _, err := decodeSnapshot(raw)
		if err != nil {
			return nil
		}
		keys = append(keys, key)
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (g *fileGeneration) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(g.dir, name[:2], name+snapshotExt)
}

func (s *fileStore) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// lockGeneration 获取代际锁：写入快照时共享，创建与删除代际时独占。
func (s *fileStore) lockGeneration(name string, shared bool) func() {
	s.mu.Lock()
	lock := s.genLocks[name]
	if lock == nil {
		lock = &generationLock{}
		s.genLocks[name] = lock
	}
	lock.refs++
	s.mu.Unlock()

	if shared {
		lock.mu.RLock()
	} else {
		lock.mu.Lock()
	}
	return func() {
		if shared {
			lock.mu.RUnlock()
		} else {
			lock.mu.Unlock()
		}
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.genLocks, name)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) lockEntry(generation string, key Key) func() {
	lockKey := generation + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func markerExists(dir string) (bool, error) {
	info, err := os.Stat(filepath.Join(dir, generationMarker))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// writeFileAtomic 通过临时文件 + rename 保证读者只会看到完整的文件。
func writeFileAtomic(ctx context.Context, filePath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
