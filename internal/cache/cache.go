// Package cache derives content-addressed keys and moves cached paths
// in and out of a key/value backend. The cache is best-effort: a miss
// or a backend failure never fails a run.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/conveyorci/conveyor/internal/workflow"
)

// Backend is the external content-addressed store.
type Backend interface {
	// Get returns the blob for key, or ok=false when absent.
	Get(key string) (blob []byte, ok bool, err error)
	// Put stores the blob under key. Last write wins.
	Put(key string, blob []byte) error
}

// Resolver computes cache keys relative to a repository root and
// performs restore/save against a backend.
type Resolver struct {
	Root    string
	Backend Backend
}

// New constructs a Resolver.
func New(root string, backend Backend) *Resolver {
	return &Resolver{Root: root, Backend: backend}
}

// Key hashes the declared inputs of a cache step: the key prefix, the
// target platform, and the content of every key file. Identical inputs
// always produce identical keys, so entries are reusable across runs.
func (r *Resolver) Key(step *workflow.CacheStep, platform string) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "prefix=%s\n", step.KeyPrefix)
	fmt.Fprintf(h, "platform=%s\n", platform)
	for _, rel := range step.KeyFiles {
		full := rel
		if !filepath.IsAbs(full) {
			full = filepath.Join(r.Root, rel)
		}
		f, err := os.Open(full)
		if err != nil {
			return "", fmt.Errorf("cache key file %q: %w", rel, err)
		}
		fmt.Fprintf(h, "file=%s\n", rel)
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hash key file %q: %w", rel, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Restore fetches the blob for key and unpacks it at the step path.
// A miss returns ok=false with no error; backend failures are returned
// so the caller can degrade them to a miss.
func (r *Resolver) Restore(key, path string) (bool, error) {
	blob, ok, err := r.Backend.Get(key)
	if err != nil {
		return false, fmt.Errorf("cache get %q: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	dest := path
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(r.Root, path)
	}
	if err := unpack(blob, dest); err != nil {
		return false, fmt.Errorf("unpack cache %q into %q: %w", key, path, err)
	}
	return true, nil
}

// Save archives the step path and stores it under key.
func (r *Resolver) Save(key, path string) error {
	src := path
	if !filepath.IsAbs(src) {
		src = filepath.Join(r.Root, path)
	}
	blob, err := pack(src)
	if err != nil {
		return fmt.Errorf("pack %q: %w", path, err)
	}
	if err := r.Backend.Put(key, blob); err != nil {
		return fmt.Errorf("cache put %q: %w", key, err)
	}
	return nil
}

// FS is a filesystem backend storing one file per key under Dir.
type FS struct {
	Dir string
}

// NewFS constructs a filesystem backend rooted at dir.
func NewFS(dir string) *FS {
	return &FS{Dir: dir}
}

func (f *FS) entry(key string) string {
	return filepath.Join(f.Dir, key+".blob")
}

func (f *FS) Get(key string) ([]byte, bool, error) {
	blob, err := os.ReadFile(f.entry(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return blob, true, nil
}

func (f *FS) Put(key string, blob []byte) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	tmp := f.entry(key) + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.entry(key))
}

// Memory is an in-process backend, useful for tests and dry runs.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemory constructs an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.blobs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, blob...), true, nil
}

func (m *Memory) Put(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte{}, blob...)
	return nil
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
