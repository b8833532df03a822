package persistent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/queryweave/queryweave/contentstore"
)

func newTestCache(t *testing.T) (*Cache, *contentstore.MemoryBackend) {
	t.Helper()
	backend := contentstore.NewMemory()
	c, err := New(filepath.Join(t.TempDir(), "index.db"), backend)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, backend
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, backend := newTestCache(t)

	h1, err := c.Put(ctx, []byte("chunk text"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	h2, err := c.Put(ctx, []byte("chunk text"))
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("identical content produced different hashes: %s vs %s", h1, h2)
	}
	if backend.Len() != 1 {
		t.Fatalf("identical content stored %d times", backend.Len())
	}
	n, err := c.RefCount(ctx, h1)
	if err != nil || n != 2 {
		t.Fatalf("expected refcount 2, got %d (%v)", n, err)
	}
}

func TestDistinctContentDistinctHash(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	h1, _ := c.Put(ctx, []byte("one"))
	h2, _ := c.Put(ctx, []byte("two"))
	if h1 == h2 {
		t.Fatalf("distinct content must produce distinct hashes")
	}
}

func TestGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	h, _ := c.Put(ctx, []byte("embedding bytes"))
	got, err := c.Get(ctx, h)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "embedding bytes" {
		t.Fatalf("got %q", got)
	}
	if _, err := c.Get(ctx, "0000"); !errors.Is(err, contentstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseAndSweep(t *testing.T) {
	ctx := context.Background()
	c, backend := newTestCache(t)

	h, _ := c.Put(ctx, []byte("payload"))
	h, _ = c.Put(ctx, []byte("payload")) // refcount 2

	if err := c.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Still referenced: sweep must not delete it.
	if n, _ := c.Sweep(ctx); n != 0 {
		t.Fatalf("sweep removed a referenced object")
	}
	if err := c.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	n, err := c.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one object swept, got %d (%v)", n, err)
	}
	if backend.Len() != 0 {
		t.Fatalf("payload survived sweep")
	}
	if _, err := c.Get(ctx, h); !errors.Is(err, contentstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after sweep, got %v", err)
	}
}

func TestConcurrentPutsShareStorage(t *testing.T) {
	ctx := context.Background()
	c, backend := newTestCache(t)

	const n = 16
	hashes := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Put(ctx, []byte("same bytes"))
			if err != nil {
				t.Errorf("put: %v", err)
				return
			}
			hashes[i] = h
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if hashes[i] != hashes[0] {
			t.Fatalf("hash mismatch across concurrent puts")
		}
	}
	if backend.Len() != 1 {
		t.Fatalf("concurrent identical puts stored %d payloads", backend.Len())
	}
	rc, _ := c.RefCount(ctx, hashes[0])
	if rc != n {
		t.Fatalf("expected refcount %d, got %d", n, rc)
	}
}

func TestGetOrComputeDedupesConcurrentWork(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	var calls atomic.Int64
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("vector"), nil
	}

	const n = 12
	results := make([][]byte, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			out, _, err := c.GetOrCompute(ctx, "embedding", []byte("the same text"), compute)
			if err != nil {
				t.Errorf("get or compute: %v", err)
				return
			}
			results[i] = out
		}(i)
	}
	close(start)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one computation, got %d", got)
	}
	for i := range results {
		if string(results[i]) != "vector" {
			t.Fatalf("inconsistent result at %d: %q", i, results[i])
		}
	}

	// A later call reuses the stored derivation without recomputing.
	_, cached, err := c.GetOrCompute(ctx, "embedding", []byte("the same text"), compute)
	if err != nil {
		t.Fatalf("cached derivation: %v", err)
	}
	if !cached {
		t.Fatalf("expected cached result")
	}
	if calls.Load() != 1 {
		t.Fatalf("derivation was recomputed")
	}
}

func TestGetOrComputePropagatesErrors(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	wantErr := errors.New("upstream down")
	_, _, err := c.GetOrCompute(ctx, "embedding", []byte("text"), func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected compute error, got %v", err)
	}
	var cerr *ComputeError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ComputeError, got %T", err)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	c.Put(ctx, []byte("aaaa"))
	c.Put(ctx, []byte("bbbbbb"))
	s, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.Objects != 2 || s.TotalSize != 10 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}
