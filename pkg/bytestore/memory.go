package bytestore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"strata/pkg/dberrors"
)

// Memory keeps every object in process memory. It backs tests and the
// bench tool, and doubles as the reference Store semantics.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Open(ctx context.Context, path string) (ReadFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("bytestore: open %s: %w", path, dberrors.ErrNotFound)
	}
	return &memReadFile{data: b}, nil
}

func (m *Memory) ReadAll(ctx context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("bytestore: read %s: %w", path, dberrors.ErrNotFound)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (m *Memory) Size(ctx context.Context, path string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[path]
	if !ok {
		return 0, fmt.Errorf("bytestore: stat %s: %w", path, dberrors.ErrNotFound)
	}
	return int64(len(b)), nil
}

func (m *Memory) OpenAppend(ctx context.Context, path string) (AppendFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; !ok {
		m.objects[path] = nil
	}
	return &memAppendFile{store: m, path: path, off: int64(len(m.objects[path]))}, nil
}

func (m *Memory) Rename(ctx context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[from]
	if !ok {
		return fmt.Errorf("bytestore: rename %s: %w", from, dberrors.ErrNotFound)
	}
	m.objects[to] = b
	delete(m.objects, from)
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; !ok {
		return fmt.Errorf("bytestore: delete %s: %w", path, dberrors.ErrNotFound)
	}
	delete(m.objects, path)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for p := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

type memReadFile struct {
	data []byte
}

func (r *memReadFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *memReadFile) Size() int64  { return int64(len(r.data)) }
func (r *memReadFile) Close() error { return nil }

type memAppendFile struct {
	store *Memory
	path  string
	buf   []byte
	off   int64
}

func (a *memAppendFile) Write(p []byte) (int, error) {
	a.buf = append(a.buf, p...)
	a.off += int64(len(p))
	return len(p), nil
}

// Sync publishes buffered bytes, mirroring the durability point of the
// local store.
func (a *memAppendFile) Sync() error {
	if len(a.buf) == 0 {
		return nil
	}
	a.store.mu.Lock()
	a.store.objects[a.path] = append(a.store.objects[a.path], a.buf...)
	a.store.mu.Unlock()
	a.buf = a.buf[:0]
	return nil
}

func (a *memAppendFile) Close() error { return a.Sync() }

func (a *memAppendFile) Offset() int64 { return a.off }
