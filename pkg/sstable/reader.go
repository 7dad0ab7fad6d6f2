package sstable

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"strata/pkg/bloom"
	"strata/pkg/bytestore"
	"strata/pkg/cache"
	"strata/pkg/compression"
	"strata/pkg/dberrors"
	"strata/pkg/types"
)

// ReaderOptions wire a reader into the shared block cache and the metrics
// of its owner. All fields are optional.
type ReaderOptions struct {
	Cache *cache.Cache

	// OnBlockRead observes every physical block fetch with its stored size.
	OnBlockRead func(bytes int)
	OnCacheHit  func()
	OnCacheMiss func()
}

// Reader serves point and range reads from one immutable file. The footer,
// filter, stats and index are decoded once at open; data blocks are
// fetched on demand through the shared cache.
//
// Readers are safe for concurrent use.
type Reader struct {
	f      bytestore.ReadFile
	id     types.FileID
	opts   ReaderOptions
	filter []byte
	stats  Stats
	index  []blockMeta
}

// OpenReader opens path and decodes its metadata. id must be the file id
// the path was published under; it keys the block cache.
func OpenReader(ctx context.Context, store bytestore.Store, path string, id types.FileID, opts ReaderOptions) (*Reader, error) {
	f, err := store.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	r, err := newReader(f, id, opts)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open table %s: %w", path, err)
	}
	return r, nil
}

func newReader(f bytestore.ReadFile, id types.FileID, opts ReaderOptions) (*Reader, error) {
	size := f.Size()
	if size < footerLen {
		return nil, fmt.Errorf("%w: table is %d bytes", dberrors.ErrCorruption, size)
	}
	var ftrBuf [footerLen]byte
	if _, err := f.ReadAt(ftrBuf[:], size-footerLen); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	ftr, err := decodeFooter(ftrBuf[:])
	if err != nil {
		return nil, err
	}

	r := &Reader{f: f, id: id, opts: opts}
	if r.filter, err = readBlockAt(f, ftr.filter); err != nil {
		return nil, fmt.Errorf("filter block: %w", err)
	}
	statsPayload, err := readBlockAt(f, ftr.stats)
	if err != nil {
		return nil, fmt.Errorf("stats block: %w", err)
	}
	if r.stats, err = decodeStats(statsPayload); err != nil {
		return nil, err
	}
	indexPayload, err := readBlockAt(f, ftr.index)
	if err != nil {
		return nil, fmt.Errorf("index block: %w", err)
	}
	if r.index, err = decodeIndex(indexPayload); err != nil {
		return nil, err
	}
	r.stats.Size = size
	r.stats.Blocks = len(r.index)
	return r, nil
}

func (r *Reader) ID() types.FileID { return r.id }

// Stats returns the file aggregates decoded at open.
func (r *Reader) Stats() Stats { return r.stats }

func (r *Reader) Close() error { return r.f.Close() }

// Get returns the newest version of key visible at snap. The returned row
// aliases shared block storage; callers that retain it past the next
// engine operation must copy. A tombstone version is returned as-is so the
// caller can stop searching older layers.
func (r *Reader) Get(key types.Key, snap types.Seq) (types.Row, bool, error) {
	if !bloom.MayContain(r.filter, key) {
		return types.Row{}, false, nil
	}
	// Blocks are cut between distinct keys, so every version of key lives
	// in the first block whose last key is >= key.
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].lastKey, key) >= 0
	})
	if i == len(r.index) {
		return types.Row{}, false, nil
	}
	block, err := r.readBlock(i)
	if err != nil {
		return types.Row{}, false, err
	}
	for off := 0; off < len(block); {
		row, n, err := decodeEntry(block[off:])
		if err != nil {
			return types.Row{}, false, err
		}
		off += n
		switch c := bytes.Compare(row.Key, key); {
		case c < 0:
			continue
		case c > 0:
			return types.Row{}, false, nil
		}
		if row.Seq <= snap {
			return row, true, nil
		}
	}
	return types.Row{}, false, nil
}

// readBlock returns the decoded payload of data block i, consulting the
// shared cache first. Returned blocks are never recycled, so rows decoded
// from them stay valid while referenced.
func (r *Reader) readBlock(i int) ([]byte, error) {
	handle := r.index[i].handle
	var key cache.Key
	if r.opts.Cache != nil {
		key = cache.Key{File: r.id, Offset: handle.offset}
		if block, ok := r.opts.Cache.Get(key); ok {
			if r.opts.OnCacheHit != nil {
				r.opts.OnCacheHit()
			}
			return block, nil
		}
		if r.opts.OnCacheMiss != nil {
			r.opts.OnCacheMiss()
		}
	}
	block, err := readBlockAt(r.f, handle)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", i, err)
	}
	if r.opts.OnBlockRead != nil {
		r.opts.OnBlockRead(int(handle.length) + blockTrailerLen)
	}
	if r.opts.Cache != nil {
		r.opts.Cache.Put(key, block)
	}
	return block, nil
}

// readBlockAt fetches one stored block, verifies its checksum and undoes
// its codec. The result is freshly allocated or aliases a fresh read
// buffer, never shared scratch.
func readBlockAt(f bytestore.ReadFile, h blockHandle) ([]byte, error) {
	buf := make([]byte, int(h.length)+blockTrailerLen)
	if _, err := f.ReadAt(buf, int64(h.offset)); err != nil {
		return nil, err
	}
	stored, trailer := buf[:h.length], buf[h.length:]
	if got, want := crc32.Checksum(stored, castagnoli), binary.LittleEndian.Uint32(trailer[1:]); got != want {
		return nil, fmt.Errorf("%w: block at %d checksum %#x, want %#x", dberrors.ErrCorruption, h.offset, got, want)
	}
	return compression.Codec(trailer[0]).Decompress(nil, stored)
}
