package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type backendFactory struct {
	name string
	open func(t *testing.T) Backend
}

func backendFactories() []backendFactory {
	return []backendFactory{
		{name: "leveldb-memory", open: newMemoryBackend},
		{name: "fs", open: newFSBackend},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, backend Backend)) {
	t.Helper()
	for _, f := range backendFactories() {
		f := f
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.open(t))
		})
	}
}

func TestGenerationPutAndMatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		gen, err := backend.Open(ctx, "app-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}

		key := mustKey(t, "https://app.local/assets/app.js")
		snap := testSnapshot(200, "console.log(1)")
		if err := gen.Put(ctx, key, snap); err != nil {
			t.Fatalf("put error: %v", err)
		}

		got, err := gen.Match(ctx, key)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(got.Body) != "console.log(1)" {
			t.Fatalf("unexpected body %q", got.Body)
		}
		if got.Status != 200 {
			t.Fatalf("unexpected status %d", got.Status)
		}
		if got.Header.Get("Content-Type") != "application/javascript" {
			t.Fatalf("header lost: %v", got.Header)
		}
	})
}

func TestGenerationMatchMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		gen, err := backend.Open(context.Background(), "app-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		_, err = gen.Match(context.Background(), mustKey(t, "https://app.local/missing"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestGenerationRejectsNonGET(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		gen, err := backend.Open(context.Background(), "app-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		u, _ := url.Parse("https://app.local/api")
		err = gen.Put(context.Background(), NewKey(http.MethodPost, u), testSnapshot(200, "x"))
		if !errors.Is(err, ErrUnsupportedMethod) {
			t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
		}
	})
}

func TestGenerationsAreIsolated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		v1, _ := backend.Open(ctx, "app-v1")
		v10, _ := backend.Open(ctx, "app-v10")
		key := mustKey(t, "https://app.local/index.html")

		if err := v1.Put(ctx, key, testSnapshot(200, "v1")); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if _, err := v10.Match(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected v10 to be empty, got %v", err)
		}

		keys, err := v10.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("expected no keys in v10, got %v", keys)
		}
	})
}

func TestBackendDeleteRemovesGenerationAndEntries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		gen, _ := backend.Open(ctx, "app-v1")
		key := mustKey(t, "https://app.local/")
		if err := gen.Put(ctx, key, testSnapshot(200, "root")); err != nil {
			t.Fatalf("put error: %v", err)
		}

		existed, err := backend.Delete(ctx, "app-v1")
		if err != nil || !existed {
			t.Fatalf("delete = %v, %v", existed, err)
		}
		if ok, _ := backend.Has(ctx, "app-v1"); ok {
			t.Fatalf("generation should be gone")
		}

		// 重新打开得到的是一个全新的空代际。
		reopened, err := backend.Open(ctx, "app-v1")
		if err != nil {
			t.Fatalf("reopen error: %v", err)
		}
		if _, err := reopened.Match(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected entries to be deleted, got %v", err)
		}

		existed, err = backend.Delete(ctx, "never-created")
		if err != nil || existed {
			t.Fatalf("delete missing = %v, %v", existed, err)
		}
	})
}

func TestPutIntoDeletedGenerationFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		gen, _ := backend.Open(ctx, "app-v1")
		if _, err := backend.Delete(ctx, "app-v1"); err != nil {
			t.Fatalf("delete error: %v", err)
		}

		err := gen.Put(ctx, mustKey(t, "https://app.local/late"), testSnapshot(200, "late"))
		if !errors.Is(err, ErrGenerationGone) {
			t.Fatalf("expected ErrGenerationGone, got %v", err)
		}
		if ok, _ := backend.Has(ctx, "app-v1"); ok {
			t.Fatalf("late write must not resurrect the generation")
		}
	})
}

func TestBackendNamesSorted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		for _, name := range []string{"b-2", "a-1", "other"} {
			if _, err := backend.Open(ctx, name); err != nil {
				t.Fatalf("open %s: %v", name, err)
			}
		}
		names, err := backend.Names(ctx)
		if err != nil {
			t.Fatalf("names error: %v", err)
		}
		if strings.Join(names, ",") != "a-1,b-2,other" {
			t.Fatalf("unexpected names %v", names)
		}
	})
}

func TestGenerationKeysAndRemove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		gen, _ := backend.Open(ctx, "app-v1")
		a := mustKey(t, "https://app.local/a")
		b := mustKey(t, "https://app.local/b")
		_ = gen.Put(ctx, a, testSnapshot(200, "a"))
		_ = gen.Put(ctx, b, testSnapshot(200, "b"))

		if err := gen.Remove(ctx, a); err != nil {
			t.Fatalf("remove error: %v", err)
		}
		if err := gen.Remove(ctx, a); err != nil {
			t.Fatalf("second remove should be a no-op, got %v", err)
		}

		keys, err := gen.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 1 || keys[0] != b {
			t.Fatalf("unexpected keys %v", keys)
		}
	})
}

func TestBackendClosed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		gen, _ := backend.Open(ctx, "app-v1")
		if err := backend.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
		if err := gen.Put(ctx, mustKey(t, "https://app.local/x"), testSnapshot(200, "x")); !errors.Is(err, ErrStoreClosed) {
			t.Fatalf("expected ErrStoreClosed, got %v", err)
		}
		if _, err := backend.Names(ctx); !errors.Is(err, ErrStoreClosed) {
			t.Fatalf("expected ErrStoreClosed, got %v", err)
		}
	})
}

func TestConcurrentPutsDistinctKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		gen, _ := backend.Open(ctx, "app-v1")

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := mustKey(t, "https://app.local/asset/"+string(rune('a'+i)))
				if err := gen.Put(ctx, key, testSnapshot(200, "x")); err != nil {
					t.Errorf("put %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		keys, err := gen.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 16 {
			t.Fatalf("expected 16 keys, got %d", len(keys))
		}
	})
}

func TestOpenRejectsInvalidNames(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		for _, name := range []string{"", "..", "a/b", "a\\b"} {
			if _, err := backend.Open(context.Background(), name); !errors.Is(err, ErrInvalidName) {
				t.Fatalf("name %q: expected ErrInvalidName, got %v", name, err)
			}
		}
	})
}

func TestFSBackendIgnoresDirectoriesWithoutMarker(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFSBackend(dir)
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "stray"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	names, err := backend.Names(context.Background())
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected stray dir to be ignored, got %v", names)
	}
}

func TestLevelDBBackendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := mustKey(t, "https://app.local/index.html")

	backend, err := NewLevelDBBackend(dir)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	gen, _ := backend.Open(ctx, "app-v1")
	if err := gen.Put(ctx, key, testSnapshot(200, "persisted")); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	backend, err = NewLevelDBBackend(dir)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	gen, _ = backend.Open(ctx, "app-v1")
	got, err := gen.Match(ctx, key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(got.Body) != "persisted" {
		t.Fatalf("unexpected body %q", got.Body)
	}
}

func TestNamespaceFiltersForeignGenerations(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend(t)
	ns, err := NewNamespace(backend, "moniezi-cache")
	if err != nil {
		t.Fatalf("namespace error: %v", err)
	}

	for _, name := range []string{"moniezi-cache-v1", "moniezi-cache-v2", "other-app-v1", "moniezi-cachex"} {
		if _, err := backend.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}

	owned, err := ns.Owned(ctx)
	if err != nil {
		t.Fatalf("owned error: %v", err)
	}
	if strings.Join(owned, ",") != "moniezi-cache-v1,moniezi-cache-v2" {
		t.Fatalf("unexpected owned generations %v", owned)
	}

	if _, err := ns.Delete(ctx, "other-app-v1"); !errors.Is(err, ErrForeignGeneration) {
		t.Fatalf("expected ErrForeignGeneration, got %v", err)
	}
	if _, err := ns.Open(ctx, "other-app-v1"); !errors.Is(err, ErrForeignGeneration) {
		t.Fatalf("expected ErrForeignGeneration, got %v", err)
	}
	if got := ns.GenerationName("v3"); got != "moniezi-cache-v3" {
		t.Fatalf("unexpected generation name %s", got)
	}
}

func TestWriterPolicies(t *testing.T) {
	ctx := context.Background()
	gen, _ := newMemoryBackend(t).Open(ctx, "app-v1")
	key := mustKey(t, "https://app.local/page")

	okOnly := NewWriter(gen, StoreOKOnly)
	stored, err := okOnly.Store(ctx, key, testSnapshot(404, "missing"))
	if err != nil || stored {
		t.Fatalf("ok-only writer should skip 404: stored=%v err=%v", stored, err)
	}

	anyStatus := NewWriter(gen, StoreAnyStatus)
	stored, err = anyStatus.Store(ctx, key, testSnapshot(404, "missing"))
	if err != nil || !stored {
		t.Fatalf("any-status writer should store 404: stored=%v err=%v", stored, err)
	}

	if _, err := (Writer{}).Store(ctx, key, testSnapshot(200, "x")); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestWriterKeepsPrivateResponsesOut(t *testing.T) {
	ctx := context.Background()
	gen, _ := newMemoryBackend(t).Open(ctx, "app-v1")

	cases := []struct {
		name         string
		policy       StorePolicy
		cacheControl string
		want         bool
	}{
		{"ok-only public", StoreOKOnly, "public, max-age=60", true},
		{"ok-only private", StoreOKOnly, "private, max-age=60", false},
		{"ok-only no-store", StoreOKOnly, "No-Store", false},
		{"any-status private", StoreAnyStatus, "private", false},
		{"precache ignores directives", StorePrecache, "no-store", true},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := testSnapshot(200, "body")
			snap.Header.Set("Cache-Control", tc.cacheControl)
			stored, err := NewWriter(gen, tc.policy).Store(ctx, mustKey(t, fmt.Sprintf("https://app.local/case-%d", i)), snap)
			if err != nil || stored != tc.want {
				t.Fatalf("stored=%v err=%v, want %v", stored, err, tc.want)
			}
		})
	}
}

func TestWriterStripsCookies(t *testing.T) {
	ctx := context.Background()
	gen, _ := newMemoryBackend(t).Open(ctx, "app-v1")
	key := mustKey(t, "https://app.local/api/me.json")

	snap := testSnapshot(200, "alice data")
	snap.Header.Add("Set-Cookie", "session=alice-secret")
	writer := NewWriter(gen, StoreOKOnly)
	if stored, err := writer.Store(ctx, key, snap); err != nil || !stored {
		t.Fatalf("store failed: stored=%v err=%v", stored, err)
	}
	if snap.Header.Get("Set-Cookie") == "" {
		t.Fatalf("caller snapshot must not be modified")
	}

	got, err := gen.Match(ctx, key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if got.Header.Get("Set-Cookie") != "" {
		t.Fatalf("stored snapshot kept Set-Cookie: %v", got.Header)
	}
	if writer.Policy() != StoreOKOnly || !writer.Enabled() {
		t.Fatalf("unexpected writer state")
	}
}

func TestSnapshotFromResponse(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://app.local/app.css", nil)
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/css"}, "Content-Length": {"4"}},
		Body:       io.NopCloser(strings.NewReader("body")),
		Request:    req,
	}
	snap, err := NewSnapshot(resp)
	if err != nil {
		t.Fatalf("snapshot error: %v", err)
	}
	if snap.URL != "https://app.local/app.css" || string(snap.Body) != "body" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Header.Get("Content-Length") != "" {
		t.Fatalf("content-length should be dropped")
	}

	clone := snap.Clone()
	clone.Body[0] = 'X'
	clone.Header.Set("Content-Type", "text/plain")
	if string(snap.Body) != "body" || snap.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("clone shares state with original")
	}
}

func TestNewKeyDropsFragment(t *testing.T) {
	key, err := GetKey("https://app.local/index.html#top")
	if err != nil {
		t.Fatalf("key error: %v", err)
	}
	if key.String() != "GET https://app.local/index.html" {
		t.Fatalf("unexpected key %s", key)
	}
	parsed, err := ParseKey(key.String())
	if err != nil || parsed != key {
		t.Fatalf("parse key mismatch: %v %v", parsed, err)
	}
	if _, err := GetKey("/relative"); err == nil {
		t.Fatalf("expected relative url to be rejected")
	}
}

func newMemoryBackend(t *testing.T) Backend {
	t.Helper()
	backend, err := NewMemoryBackend()
	if err != nil {
		t.Fatalf("failed to create memory backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func newFSBackend(t *testing.T) Backend {
	t.Helper()
	backend, err := NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create fs backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func mustKey(t *testing.T, rawURL string) Key {
	t.Helper()
	key, err := GetKey(rawURL)
	if err != nil {
		t.Fatalf("key error: %v", err)
	}
	return key
}

func testSnapshot(status int, body string) *Snapshot {
	return &Snapshot{
		URL:      "",
		Status:   status,
		Header:   http.Header{"Content-Type": {"application/javascript"}},
		Body:     []byte(body),
		StoredAt: time.Now().UTC(),
	}
}

func TestFSBackendReleasesLocks(t *testing.T) {
	ctx := context.Background()
	backend := newFSBackend(t)
	store := backend.(*fileStore)

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("app-v%d", i)
		gen, err := backend.Open(ctx, name)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		if err := gen.Put(ctx, mustKey(t, "https://app.local/app.js"), testSnapshot(200, "js")); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
		if _, err := backend.Delete(ctx, name); err != nil {
			t.Fatalf("delete %s: %v", name, err)
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.genLocks) != 0 || len(store.locks) != 0 {
		t.Fatalf("locks leaked: generations=%d entries=%d", len(store.genLocks), len(store.locks))
	}
}
