// Package sstable reads and writes the immutable sorted data files of the
// engine. A file is self-describing and footer-anchored:
//
//	[data block 0]
//	...
//	[data block N-1]
//	[filter block]
//	[stats block]
//	[index block]
//	[footer]
//
// Every block is stored as its (optionally compressed) payload followed by
// a five byte trailer: one codec byte and a Castagnoli CRC over the stored
// payload. Data blocks hold row versions in engine order and are cut only
// between distinct keys, so all versions of one key live in one block. The
// index block carries, per data block, the last key plus the block handle
// and its timestamp bounds; the stats block aggregates the whole file; the
// filter block is a bloom filter over distinct keys.
package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"strata/pkg/codec"
	"strata/pkg/dberrors"
	"strata/pkg/types"
)

const (
	blockTrailerLen = 5
	footerLen       = 48

	formatVersion = 1
	tableMagic    = uint64(0x5354524154414231) // "STRATAB1"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// blockHandle addresses a stored block payload, excluding its trailer.
type blockHandle struct {
	offset uint64
	length uint32
}

// footer sits at the absolute end of the file.
type footer struct {
	filter blockHandle
	stats  blockHandle
	index  blockHandle
}

func (f *footer) encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, f.filter.offset)
	dst = binary.LittleEndian.AppendUint32(dst, f.filter.length)
	dst = binary.LittleEndian.AppendUint64(dst, f.stats.offset)
	dst = binary.LittleEndian.AppendUint32(dst, f.stats.length)
	dst = binary.LittleEndian.AppendUint64(dst, f.index.offset)
	dst = binary.LittleEndian.AppendUint32(dst, f.index.length)
	dst = binary.LittleEndian.AppendUint32(dst, formatVersion)
	return binary.LittleEndian.AppendUint64(dst, tableMagic)
}

func decodeFooter(src []byte) (footer, error) {
	var f footer
	if len(src) != footerLen {
		return f, fmt.Errorf("%w: footer is %d bytes", dberrors.ErrCorruption, len(src))
	}
	if magic := binary.LittleEndian.Uint64(src[40:48]); magic != tableMagic {
		return f, fmt.Errorf("%w: bad table magic %#x", dberrors.ErrCorruption, magic)
	}
	if v := binary.LittleEndian.Uint32(src[36:40]); v != formatVersion {
		return f, fmt.Errorf("%w: unsupported table format %d", dberrors.ErrCorruption, v)
	}
	f.filter = blockHandle{binary.LittleEndian.Uint64(src[0:8]), binary.LittleEndian.Uint32(src[8:12])}
	f.stats = blockHandle{binary.LittleEndian.Uint64(src[12:20]), binary.LittleEndian.Uint32(src[20:24])}
	f.index = blockHandle{binary.LittleEndian.Uint64(src[24:32]), binary.LittleEndian.Uint32(src[32:36])}
	return f, nil
}

// blockMeta is one index entry describing a data block and its bounds.
type blockMeta struct {
	lastKey types.Key
	handle  blockHandle
	minTs   types.TimestampMs
	maxTs   types.TimestampMs
}

func appendIndex(dst []byte, blocks []blockMeta) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(blocks)))
	for _, b := range blocks {
		dst = binary.AppendUvarint(dst, uint64(len(b.lastKey)))
		dst = append(dst, b.lastKey...)
		dst = binary.AppendUvarint(dst, b.handle.offset)
		dst = binary.AppendUvarint(dst, uint64(b.handle.length))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(b.minTs))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(b.maxTs))
	}
	return dst
}

func decodeIndex(src []byte) ([]blockMeta, error) {
	count, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad index header", dberrors.ErrCorruption)
	}
	src = src[n:]
	blocks := make([]blockMeta, 0, count)
	for i := uint64(0); i < count; i++ {
		keyLen, n := binary.Uvarint(src)
		if n <= 0 || keyLen > uint64(len(src)-n) {
			return nil, fmt.Errorf("%w: bad index key length", dberrors.ErrCorruption)
		}
		src = src[n:]
		key := append(types.Key(nil), src[:keyLen]...)
		src = src[keyLen:]

		off, n := binary.Uvarint(src)
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad index offset", dberrors.ErrCorruption)
		}
		src = src[n:]
		length, n := binary.Uvarint(src)
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad index length", dberrors.ErrCorruption)
		}
		src = src[n:]
		if len(src) < 16 {
			return nil, fmt.Errorf("%w: short index entry", dberrors.ErrCorruption)
		}
		minTs := types.TimestampMs(binary.LittleEndian.Uint64(src[0:8]))
		maxTs := types.TimestampMs(binary.LittleEndian.Uint64(src[8:16]))
		src = src[16:]

		blocks = append(blocks, blockMeta{
			lastKey: key,
			handle:  blockHandle{offset: off, length: uint32(length)},
			minTs:   minTs,
			maxTs:   maxTs,
		})
	}
	if len(src) != 0 {
		return nil, fmt.Errorf("%w: %d trailing index bytes", dberrors.ErrCorruption, len(src))
	}
	return blocks, nil
}

// Stats aggregates one whole file. They feed manifest records and let the
// read path prune files without opening them.
type Stats struct {
	MinKey     types.Key
	MaxKey     types.Key
	MinSeq     types.Seq
	MaxSeq     types.Seq
	MinTs      types.TimestampMs
	MaxTs      types.TimestampMs
	Rows       int64
	Tombstones int64
	Blocks     int
	Size       int64
}

func appendStats(dst []byte, s *Stats) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s.MinKey)))
	dst = append(dst, s.MinKey...)
	dst = binary.AppendUvarint(dst, uint64(len(s.MaxKey)))
	dst = append(dst, s.MaxKey...)
	dst = binary.AppendUvarint(dst, uint64(s.MinSeq))
	dst = binary.AppendUvarint(dst, uint64(s.MaxSeq))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(s.MinTs))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(s.MaxTs))
	dst = binary.AppendUvarint(dst, uint64(s.Rows))
	return binary.AppendUvarint(dst, uint64(s.Tombstones))
}

func decodeStats(src []byte) (Stats, error) {
	var s Stats
	bad := func(what string) (Stats, error) {
		return s, fmt.Errorf("%w: bad stats %s", dberrors.ErrCorruption, what)
	}

	keyLen, n := binary.Uvarint(src)
	if n <= 0 || keyLen > uint64(len(src)-n) {
		return bad("min key")
	}
	src = src[n:]
	s.MinKey = append(types.Key(nil), src[:keyLen]...)
	src = src[keyLen:]

	keyLen, n = binary.Uvarint(src)
	if n <= 0 || keyLen > uint64(len(src)-n) {
		return bad("max key")
	}
	src = src[n:]
	s.MaxKey = append(types.Key(nil), src[:keyLen]...)
	src = src[keyLen:]

	minSeq, n := binary.Uvarint(src)
	if n <= 0 {
		return bad("min seq")
	}
	src = src[n:]
	maxSeq, n := binary.Uvarint(src)
	if n <= 0 {
		return bad("max seq")
	}
	src = src[n:]
	s.MinSeq, s.MaxSeq = types.Seq(minSeq), types.Seq(maxSeq)

	if len(src) < 16 {
		return bad("timestamps")
	}
	s.MinTs = types.TimestampMs(binary.LittleEndian.Uint64(src[0:8]))
	s.MaxTs = types.TimestampMs(binary.LittleEndian.Uint64(src[8:16]))
	src = src[16:]

	rows, n := binary.Uvarint(src)
	if n <= 0 {
		return bad("row count")
	}
	src = src[n:]
	tombs, n := binary.Uvarint(src)
	if n <= 0 || len(src) != n {
		return bad("tombstone count")
	}
	s.Rows, s.Tombstones = int64(rows), int64(tombs)
	return s, nil
}

// appendEntry lays out one row version inside a data block.
func appendEntry(dst []byte, r *types.Row) []byte {
	dst = binary.AppendUvarint(dst, uint64(r.Seq))
	return codec.AppendRow(dst, r)
}

// decodeEntry reads one row version and reports the bytes consumed. The
// row aliases src.
func decodeEntry(src []byte) (types.Row, int, error) {
	seq, n := binary.Uvarint(src)
	if n <= 0 {
		return types.Row{}, 0, fmt.Errorf("%w: bad entry sequence", dberrors.ErrCorruption)
	}
	r, m, err := codec.DecodeRow(src[n:])
	if err != nil {
		return types.Row{}, 0, err
	}
	r.Seq = types.Seq(seq)
	return r, n + m, nil
}
