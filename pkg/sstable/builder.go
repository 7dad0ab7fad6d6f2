package sstable

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"strata/pkg/bloom"
	"strata/pkg/bytestore"
	"strata/pkg/compression"
	"strata/pkg/dberrors"
	"strata/pkg/types"
)

// BuilderOptions tune one file build. Zero values pick the defaults.
type BuilderOptions struct {
	// BlockBytes is the uncompressed payload size at which a data block is
	// cut. Blocks are only cut between distinct keys, so a key with many
	// live versions can exceed it.
	BlockBytes int

	// BloomBitsPerKey sizes the filter block. Ten bits give roughly a one
	// percent false positive rate.
	BloomBitsPerKey int

	Compression compression.Codec
}

func (o *BuilderOptions) defaults() {
	if o.BlockBytes <= 0 {
		o.BlockBytes = 16 << 10
	}
	if o.BloomBitsPerKey <= 0 {
		o.BloomBitsPerKey = 10
	}
}

// Builder streams row versions in engine order into a new immutable file.
// The file is written under a temporary name and renamed into place by
// Finish, so a crashed build never leaves a readable file behind.
//
// Builders are not safe for concurrent use.
type Builder struct {
	store   bytestore.Store
	path    string
	tmpPath string
	f       bytestore.AppendFile
	opts    BuilderOptions

	block      []byte
	blockMinTs types.TimestampMs
	blockMaxTs types.TimestampMs
	blockRows  int

	index  []blockMeta
	filter *bloom.Builder
	stats  Stats

	lastKey []byte
	lastSeq types.Seq
	offset  uint64
	cmpBuf  []byte
	done    bool
}

// NewBuilder opens path+".tmp" for writing, replacing any leftover from an
// earlier crashed build.
func NewBuilder(ctx context.Context, store bytestore.Store, path string, opts BuilderOptions) (*Builder, error) {
	opts.defaults()
	tmp := path + ".tmp"
	if err := store.Delete(ctx, tmp); err != nil && !errors.Is(err, dberrors.ErrNotFound) {
		return nil, fmt.Errorf("clear stale build %s: %w", tmp, err)
	}
	f, err := store.OpenAppend(ctx, tmp)
	if err != nil {
		return nil, fmt.Errorf("open build %s: %w", tmp, err)
	}
	return &Builder{
		store:   store,
		path:    path,
		tmpPath: tmp,
		f:       f,
		opts:    opts,
		filter:  bloom.NewBuilder(opts.BloomBitsPerKey),
	}, nil
}

// Add appends one row version. Rows must arrive in engine order: keys
// ascending, and within a key sequence numbers strictly descending.
func (b *Builder) Add(r *types.Row) error {
	if b.done {
		return fmt.Errorf("%w: builder finished", dberrors.ErrInvalidArgument)
	}

	newKey := b.stats.Rows == 0
	if !newKey {
		switch c := bytes.Compare(r.Key, b.lastKey); {
		case c < 0:
			return fmt.Errorf("%w: key %q after %q", dberrors.ErrInvalidArgument, r.Key, b.lastKey)
		case c == 0:
			if r.Seq >= b.lastSeq {
				return fmt.Errorf("%w: seq %d after %d for key %q", dberrors.ErrInvalidArgument, r.Seq, b.lastSeq, r.Key)
			}
		default:
			newKey = true
		}
	}

	if newKey {
		if len(b.block) >= b.opts.BlockBytes {
			if err := b.cutBlock(); err != nil {
				return err
			}
		}
		b.filter.Add(r.Key)
	}

	if b.blockRows == 0 {
		b.blockMinTs, b.blockMaxTs = r.Timestamp, r.Timestamp
	} else {
		if r.Timestamp < b.blockMinTs {
			b.blockMinTs = r.Timestamp
		}
		if r.Timestamp > b.blockMaxTs {
			b.blockMaxTs = r.Timestamp
		}
	}
	b.block = appendEntry(b.block, r)
	b.blockRows++

	if b.stats.Rows == 0 {
		b.stats.MinKey = append(types.Key(nil), r.Key...)
		b.stats.MinSeq, b.stats.MaxSeq = r.Seq, r.Seq
		b.stats.MinTs, b.stats.MaxTs = r.Timestamp, r.Timestamp
	} else {
		if r.Seq < b.stats.MinSeq {
			b.stats.MinSeq = r.Seq
		}
		if r.Seq > b.stats.MaxSeq {
			b.stats.MaxSeq = r.Seq
		}
		if r.Timestamp < b.stats.MinTs {
			b.stats.MinTs = r.Timestamp
		}
		if r.Timestamp > b.stats.MaxTs {
			b.stats.MaxTs = r.Timestamp
		}
	}
	b.stats.Rows++
	if r.Tombstone {
		b.stats.Tombstones++
	}
	b.lastKey = append(b.lastKey[:0], r.Key...)
	b.lastSeq = r.Seq
	return nil
}

// Rows reports the versions added so far.
func (b *Builder) Rows() int64 { return b.stats.Rows }

// EstimatedSize reports the bytes written plus the open block, before
// compression of the latter.
func (b *Builder) EstimatedSize() int64 {
	return int64(b.offset) + int64(len(b.block))
}

// cutBlock compresses and writes the open data block and indexes it.
func (b *Builder) cutBlock() error {
	if b.blockRows == 0 {
		return nil
	}
	handle, err := b.writeBlock(b.block, b.opts.Compression)
	if err != nil {
		return err
	}
	b.index = append(b.index, blockMeta{
		lastKey: append(types.Key(nil), b.lastKey...),
		handle:  handle,
		minTs:   b.blockMinTs,
		maxTs:   b.blockMaxTs,
	})
	b.block = b.block[:0]
	b.blockRows = 0
	return nil
}

// writeBlock stores payload with its codec byte and checksum trailer. A
// block that does not shrink under compression is stored raw; the codec
// byte keeps each block self-describing either way.
func (b *Builder) writeBlock(payload []byte, c compression.Codec) (blockHandle, error) {
	stored := payload
	if c != compression.None {
		compressed, err := c.Compress(b.cmpBuf, payload)
		if err != nil {
			return blockHandle{}, err
		}
		if len(compressed) < len(payload) {
			stored = compressed
			b.cmpBuf = compressed
		} else {
			c = compression.None
		}
	}

	var trailer [blockTrailerLen]byte
	trailer[0] = byte(c)
	binary.LittleEndian.PutUint32(trailer[1:], crc32.Checksum(stored, castagnoli))

	if _, err := b.f.Write(stored); err != nil {
		return blockHandle{}, fmt.Errorf("%w: write block: %v", dberrors.ErrDurability, err)
	}
	if _, err := b.f.Write(trailer[:]); err != nil {
		return blockHandle{}, fmt.Errorf("%w: write block trailer: %v", dberrors.ErrDurability, err)
	}

	handle := blockHandle{offset: b.offset, length: uint32(len(stored))}
	b.offset += uint64(len(stored)) + blockTrailerLen
	return handle, nil
}

// Finish writes the filter, stats and index blocks and the footer, syncs,
// and renames the file into place. It returns the file stats for the
// manifest record.
func (b *Builder) Finish(ctx context.Context) (Stats, error) {
	if b.done {
		return Stats{}, fmt.Errorf("%w: builder finished", dberrors.ErrInvalidArgument)
	}
	b.done = true
	if b.stats.Rows == 0 {
		b.abort(ctx)
		return Stats{}, fmt.Errorf("%w: empty table file", dberrors.ErrInvalidArgument)
	}
	if err := b.cutBlock(); err != nil {
		b.abort(ctx)
		return Stats{}, err
	}
	b.stats.MaxKey = append(types.Key(nil), b.lastKey...)
	b.stats.Blocks = len(b.index)

	var ftr footer
	var err error
	// Meta blocks are small and read once per open; they are stored raw.
	if ftr.filter, err = b.writeBlock(b.filter.Finish(), compression.None); err != nil {
		b.abort(ctx)
		return Stats{}, err
	}
	if ftr.stats, err = b.writeBlock(appendStats(nil, &b.stats), compression.None); err != nil {
		b.abort(ctx)
		return Stats{}, err
	}
	if ftr.index, err = b.writeBlock(appendIndex(nil, b.index), compression.None); err != nil {
		b.abort(ctx)
		return Stats{}, err
	}
	if _, err := b.f.Write(ftr.encode(nil)); err != nil {
		b.abort(ctx)
		return Stats{}, fmt.Errorf("%w: write footer: %v", dberrors.ErrDurability, err)
	}
	b.offset += footerLen

	if err := b.f.Sync(); err != nil {
		b.abort(ctx)
		return Stats{}, fmt.Errorf("%w: sync %s: %v", dberrors.ErrDurability, b.tmpPath, err)
	}
	if err := b.f.Close(); err != nil {
		return Stats{}, fmt.Errorf("%w: close %s: %v", dberrors.ErrDurability, b.tmpPath, err)
	}
	if err := b.store.Rename(ctx, b.tmpPath, b.path); err != nil {
		return Stats{}, fmt.Errorf("%w: publish %s: %v", dberrors.ErrDurability, b.path, err)
	}
	b.stats.Size = int64(b.offset)
	return b.stats, nil
}

// Abort discards the partial file. Safe to call after a failed Finish.
func (b *Builder) Abort(ctx context.Context) {
	if b.done {
		return
	}
	b.done = true
	b.abort(ctx)
}

func (b *Builder) abort(ctx context.Context) {
	b.f.Close()
	b.store.Delete(ctx, b.tmpPath)
}
