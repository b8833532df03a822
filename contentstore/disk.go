package contentstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DiskBackend stores payloads as files under root, fanned out by the first
// two hash characters to keep directories small.
type DiskBackend struct {
	root string
}

func NewDisk(root string) (*DiskBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	return &DiskBackend{root: root}, nil
}

func (d *DiskBackend) path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(d.root, hash)
	}
	return filepath.Join(d.root, hash[:2], hash)
}

func (d *DiskBackend) Put(_ context.Context, hash string, payload []byte) error {
	p := d.path(hash)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create fanout dir: %w", err)
	}
	// Write-then-rename so readers never observe a partial object.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write content: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit content: %w", err)
	}
	return nil
}

func (d *DiskBackend) Get(_ context.Context, hash string) ([]byte, error) {
	payload, err := os.ReadFile(d.path(hash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return payload, nil
}

func (d *DiskBackend) Delete(_ context.Context, hash string) error {
	err := os.Remove(d.path(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete content: %w", err)
	}
	return nil
}
