package codec

import (
	"encoding/binary"
	"fmt"

	"strata/pkg/dberrors"
	"strata/pkg/types"
)

const flagTombstone = byte(1 << 0)

// AppendRow appends the wire form of one row, without its sequence number.
// Sequence numbers are implied by row position within a batch frame: row i
// carries base+i.
//
//	flags   u8
//	ts      i64 little-endian
//	keyLen  uvarint
//	key     keyLen bytes
//	valLen  uvarint
//	value   valLen bytes
func AppendRow(dst []byte, r *types.Row) []byte {
	var flags byte
	if r.Tombstone {
		flags |= flagTombstone
	}
	dst = append(dst, flags)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(r.Timestamp))
	dst = binary.AppendUvarint(dst, uint64(len(r.Key)))
	dst = append(dst, r.Key...)
	dst = binary.AppendUvarint(dst, uint64(len(r.Value)))
	return append(dst, r.Value...)
}

// DecodeRow reads one row from src and reports the bytes consumed. The
// returned row aliases src; callers that retain it must copy.
func DecodeRow(src []byte) (types.Row, int, error) {
	var r types.Row
	if len(src) < 9 {
		return r, 0, fmt.Errorf("%w: short row header", dberrors.ErrCorruption)
	}
	flags := src[0]
	r.Tombstone = flags&flagTombstone != 0
	r.Timestamp = types.TimestampMs(binary.LittleEndian.Uint64(src[1:9]))
	n := 9

	keyLen, m := binary.Uvarint(src[n:])
	if m <= 0 || keyLen > uint64(len(src)-n-m) {
		return r, 0, fmt.Errorf("%w: bad row key length", dberrors.ErrCorruption)
	}
	n += m
	r.Key = src[n : n+int(keyLen)]
	n += int(keyLen)

	valLen, m := binary.Uvarint(src[n:])
	if m <= 0 || valLen > uint64(len(src)-n-m) {
		return r, 0, fmt.Errorf("%w: bad row value length", dberrors.ErrCorruption)
	}
	n += m
	if valLen > 0 {
		r.Value = src[n : n+int(valLen)]
	}
	n += int(valLen)
	return r, n, nil
}

// AppendRows appends the wire form of a whole batch payload.
func AppendRows(dst []byte, rows []types.Row) []byte {
	for i := range rows {
		dst = AppendRow(dst, &rows[i])
	}
	return dst
}

// DecodeRows decodes count rows, assigning sequence numbers base..base+count-1.
func DecodeRows(src []byte, base types.Seq, count int) ([]types.Row, error) {
	rows := make([]types.Row, 0, count)
	for i := 0; i < count; i++ {
		r, n, err := DecodeRow(src)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		r.Seq = base + types.Seq(i)
		rows = append(rows, r)
		src = src[n:]
	}
	if len(src) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after batch payload", dberrors.ErrCorruption, len(src))
	}
	return rows, nil
}
