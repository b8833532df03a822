package persistent

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/queryweave/queryweave/common/logger"
	"github.com/queryweave/queryweave/contentstore"
)

// Cache is the content-addressed tier. Identity is the sha256 of the payload
// bytes: callers never assign hashes, so identical content always lands on
// the same object and a changed input always produces a new one. The hash
// index and reference counts live in sqlite; payload bytes live in the
// pluggable backend.
type Cache struct {
	db      *sql.DB
	backend contentstore.Backend

	// inflight serializes the compute-and-insert path per hash; reads are
	// not serialized.
	mu       sync.Mutex
	inflight map[string]*hashLock
	flight   singleflight.Group
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

const schema = `
CREATE TABLE IF NOT EXISTS objects (
	hash       TEXT PRIMARY KEY,
	size       INTEGER NOT NULL,
	refcount   INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS derivations (
	input_hash  TEXT NOT NULL,
	namespace   TEXT NOT NULL,
	object_hash TEXT NOT NULL REFERENCES objects(hash),
	created_at  TEXT NOT NULL,
	PRIMARY KEY (input_hash, namespace)
);
`

// New opens (or creates) the sqlite hash index at indexPath and wraps the
// given payload backend.
func New(indexPath string, backend contentstore.Backend) (*Cache, error) {
	db, err := sql.Open("sqlite", indexPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index db: %w", err)
	}
	return &Cache{
		db:       db,
		backend:  backend,
		inflight: make(map[string]*hashLock),
	}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// HashPayload computes the hex-encoded content address of a payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (c *Cache) lockFor(hash string) func() {
	c.mu.Lock()
	l, ok := c.inflight[hash]
	if !ok {
		l = &hashLock{}
		c.inflight[hash] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.inflight, hash)
		}
		c.mu.Unlock()
	}
}

// Put stores a payload and returns its content hash. Identical payloads are
// stored once: repeat puts only increment the reference count.
func (c *Cache) Put(ctx context.Context, payload []byte) (string, error) {
	hash := HashPayload(payload)
	unlock := c.lockFor(hash)
	defer unlock()

	var exists int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE hash = ?`, hash).Scan(&exists)
	switch {
	case err == nil:
		if _, err := c.db.ExecContext(ctx, `UPDATE objects SET refcount = refcount + 1 WHERE hash = ?`, hash); err != nil {
			return "", fmt.Errorf("bump refcount: %w", err)
		}
		return hash, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", fmt.Errorf("lookup object: %w", err)
	}

	if err := c.backend.Put(ctx, hash, payload); err != nil {
		return "", fmt.Errorf("store payload: %w", err)
	}
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO objects (hash, size, refcount, created_at) VALUES (?, ?, 1, ?)`,
		hash, len(payload), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return "", fmt.Errorf("index object: %w", err)
	}
	return hash, nil
}

// Get returns the payload for a hash, or contentstore.ErrNotFound.
func (c *Cache) Get(ctx context.Context, hash string) ([]byte, error) {
	var exists int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE hash = ?`, hash).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contentstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup object: %w", err)
	}
	return c.backend.Get(ctx, hash)
}

// Release decrements a hash's reference count. Physical deletion is
// deferred to Sweep; a zero refcount only marks the object collectable.
func (c *Cache) Release(ctx context.Context, hash string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE objects SET refcount = refcount - 1 WHERE hash = ? AND refcount > 0`, hash)
	if err != nil {
		return fmt.Errorf("release object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contentstore.ErrNotFound
	}
	return nil
}

// RefCount reports the current reference count for a hash.
func (c *Cache) RefCount(ctx context.Context, hash string) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT refcount FROM objects WHERE hash = ?`, hash).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, contentstore.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup refcount: %w", err)
	}
	return n, nil
}

// ComputeError wraps a failure of the caller's compute function so it
// can be told apart from a cache infrastructure failure.
type ComputeError struct {
	Err error
}

func (e *ComputeError) Error() string { return "compute: " + e.Err.Error() }
func (e *ComputeError) Unwrap() error { return e.Err }

type flightResult struct {
	payload []byte
	cached  bool
}

// GetOrCompute returns the artifact derived from input in the given
// namespace, computing it at most once across concurrent callers: racing
// requests for the same content share a single compute call and all observe
// the same bytes. The computed payload is stored content-addressed and the
// input-to-object mapping is remembered. The second return reports whether
// the payload came from the cache without invoking compute.
func (c *Cache) GetOrCompute(ctx context.Context, namespace string, input []byte, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	inputHash := deriveKey(namespace, input)
	v, err, _ := c.flight.Do(inputHash, func() (any, error) {
		var objectHash string
		err := c.db.QueryRowContext(ctx,
			`SELECT object_hash FROM derivations WHERE input_hash = ? AND namespace = ?`,
			inputHash, namespace).Scan(&objectHash)
		if err == nil {
			payload, err := c.Get(ctx, objectHash)
			if err == nil {
				return flightResult{payload: payload, cached: true}, nil
			}
			logger.Warnf("persistent: derivation %s points at unreadable object %s: %v", inputHash, objectHash, err)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lookup derivation: %w", err)
		}

		payload, err := compute(ctx)
		if err != nil {
			return nil, &ComputeError{Err: err}
		}
		hash, err := c.Put(ctx, payload)
		if err != nil {
			return nil, err
		}
		if _, err := c.db.ExecContext(ctx,
			`INSERT INTO derivations (input_hash, namespace, object_hash, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(input_hash, namespace) DO UPDATE SET object_hash = excluded.object_hash`,
			inputHash, namespace, hash, time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			return nil, fmt.Errorf("record derivation: %w", err)
		}
		return flightResult{payload: payload}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(flightResult)
	return res.payload, res.cached, nil
}

// Sweep physically deletes objects whose reference count reached zero,
// along with their derivation records. Returns the number removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT hash FROM objects WHERE refcount <= 0`)
	if err != nil {
		return 0, fmt.Errorf("list collectable: %w", err)
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return 0, err
		}
		hashes = append(hashes, h)
	}
	rows.Close()

	removed := 0
	for _, h := range hashes {
		if err := c.backend.Delete(ctx, h); err != nil {
			logger.Warnf("persistent: sweep could not delete payload %s: %v", h, err)
			continue
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM derivations WHERE object_hash = ?`, h); err != nil {
			return removed, fmt.Errorf("drop derivations: %w", err)
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM objects WHERE hash = ?`, h); err != nil {
			return removed, fmt.Errorf("drop object: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Stats reports object count and total payload size.
type Stats struct {
	Objects   int64 `json:"objects"`
	TotalSize int64 `json:"total_size"`
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM objects`).Scan(&s.Objects, &s.TotalSize)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return s, nil
}

func deriveKey(namespace string, input []byte) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}
