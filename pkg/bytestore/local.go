package bytestore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"strata/pkg/dberrors"
)

// Local stores objects as files under a root directory.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("bytestore: create root: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) abs(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

func mapErr(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("bytestore: %s %s: %w", op, path, dberrors.ErrNotFound)
	}
	return fmt.Errorf("bytestore: %s %s: %w", op, path, err)
}

func (l *Local) Open(ctx context.Context, path string) (ReadFile, error) {
	f, err := os.Open(l.abs(path))
	if err != nil {
		return nil, mapErr("open", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapErr("stat", path, err)
	}
	return &localReadFile{f: f, size: st.Size()}, nil
}

func (l *Local) ReadAll(ctx context.Context, path string) ([]byte, error) {
	b, err := os.ReadFile(l.abs(path))
	if err != nil {
		return nil, mapErr("read", path, err)
	}
	return b, nil
}

func (l *Local) Size(ctx context.Context, path string) (int64, error) {
	st, err := os.Stat(l.abs(path))
	if err != nil {
		return 0, mapErr("stat", path, err)
	}
	return st.Size(), nil
}

func (l *Local) OpenAppend(ctx context.Context, path string) (AppendFile, error) {
	abs := l.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, mapErr("mkdir", path, err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, mapErr("append", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapErr("stat", path, err)
	}
	return &localAppendFile{f: f, w: bufio.NewWriterSize(f, 1<<16), off: st.Size()}, nil
}

func (l *Local) Rename(ctx context.Context, from, to string) error {
	absTo := l.abs(to)
	if err := os.MkdirAll(filepath.Dir(absTo), 0o755); err != nil {
		return mapErr("mkdir", to, err)
	}
	if err := os.Rename(l.abs(from), absTo); err != nil {
		return mapErr("rename", from, err)
	}
	return l.syncDir(filepath.Dir(absTo))
}

func (l *Local) Delete(ctx context.Context, path string) error {
	if err := os.Remove(l.abs(path)); err != nil {
		return mapErr("delete", path, err)
	}
	return nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		if name := filepath.ToSlash(rel); strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bytestore: list %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

// syncDir makes a rename durable.
func (l *Local) syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("bytestore: sync dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("bytestore: sync dir: %w", err)
	}
	return nil
}

type localReadFile struct {
	f    *os.File
	size int64
}

func (r *localReadFile) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r *localReadFile) Size() int64                             { return r.size }
func (r *localReadFile) Close() error                            { return r.f.Close() }

type localAppendFile struct {
	f   *os.File
	w   *bufio.Writer
	off int64
}

func (a *localAppendFile) Write(p []byte) (int, error) {
	n, err := a.w.Write(p)
	a.off += int64(n)
	return n, err
}

func (a *localAppendFile) Sync() error {
	if err := a.w.Flush(); err != nil {
		return err
	}
	return a.f.Sync()
}

func (a *localAppendFile) Close() error {
	if err := a.w.Flush(); err != nil {
		a.f.Close()
		return err
	}
	return a.f.Close()
}

func (a *localAppendFile) Offset() int64 { return a.off }
