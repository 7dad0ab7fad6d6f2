// Package wal implements the per-table write-ahead log. One frame holds one
// write batch; rows of a frame take consecutive sequence numbers, so log
// order and sequence order are the same total order.
package wal

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"go.uber.org/zap"

	"strata/pkg/bytestore"
	"strata/pkg/clock"
	"strata/pkg/codec"
	"strata/pkg/dberrors"
	"strata/pkg/types"
)

// Frame layout, little-endian:
//
//	baseSeq    u64
//	rowCount   u32
//	payloadLen u32
//	payload    payloadLen bytes (codec row wire form)
//	crc        u32, Castagnoli over header+payload
const (
	frameHeaderSize = 16
	frameCRCSize    = 4

	// maxPayload bounds a single frame so a corrupt length field cannot ask
	// replay for an absurd allocation.
	maxPayload = 1 << 30
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type Options struct {
	// SegmentBytes rotates the active segment once it grows past this size.
	SegmentBytes int64
	Logger       *zap.Logger
}

func (o *Options) defaults() {
	if o.SegmentBytes <= 0 {
		o.SegmentBytes = 64 << 20
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type segment struct {
	firstSeq types.Seq
	path     string
}

// TailReport describes a corrupt final-segment tail dropped during Open.
// Everything before the tail replayed cleanly and stays durable.
type TailReport struct {
	Segment      string
	ValidBytes   int64
	DroppedBytes int64
	Frames       int
}

// WAL appends synchronously: Append returns only after the frame is synced
// through the byte store. A single mutex orders sequence allocation and log
// writes identically.
type WAL struct {
	store bytestore.Store
	dir   string
	seq   *clock.Sequence
	opts  Options
	log   *zap.Logger

	mu       sync.Mutex
	segments []segment
	active   bytestore.AppendFile
	lastSeq  types.Seq
	buf      []byte
	closed   bool
}

// Open scans the log directory, repairs a corrupt final-segment tail, and
// advances seq past everything found. Corruption anywhere but the final
// tail is fatal.
func Open(ctx context.Context, store bytestore.Store, dir string, seq *clock.Sequence, opts Options) (*WAL, *TailReport, error) {
	opts.defaults()
	w := &WAL{
		store: store,
		dir:   dir,
		seq:   seq,
		opts:  opts,
		log:   opts.Logger.With(zap.String("wal", dir)),
	}

	paths, err := store.List(ctx, dir+"/")
	if err != nil {
		return nil, nil, fmt.Errorf("wal: list segments: %w", err)
	}
	for _, p := range paths {
		first, ok := parseSegmentPath(p)
		if !ok {
			continue
		}
		w.segments = append(w.segments, segment{firstSeq: first, path: p})
	}
	sort.Slice(w.segments, func(i, j int) bool { return w.segments[i].firstSeq < w.segments[j].firstSeq })

	report, err := w.scan(ctx)
	if err != nil {
		return nil, nil, err
	}
	seq.Advance(w.lastSeq)
	return w, report, nil
}

// scan validates every segment, records the highest sequence seen, and
// rewrites the final segment without its corrupt tail if one is found.
func (w *WAL) scan(ctx context.Context) (*TailReport, error) {
	var report *TailReport
	for i, seg := range w.segments {
		data, err := w.store.ReadAll(ctx, seg.path)
		if err != nil {
			return nil, fmt.Errorf("wal: read segment %s: %w", seg.path, err)
		}
		validEnd, frames, last, scanErr := scanFrames(data)
		if last > w.lastSeq {
			w.lastSeq = last
		}
		if scanErr == nil {
			continue
		}
		if i != len(w.segments)-1 {
			return nil, fmt.Errorf("wal: segment %s offset %d: %w", seg.path, validEnd, dberrors.ErrCorruption)
		}
		report = &TailReport{
			Segment:      seg.path,
			ValidBytes:   validEnd,
			DroppedBytes: int64(len(data)) - validEnd,
			Frames:       frames,
		}
		if err := w.rewriteTail(ctx, seg.path, data[:validEnd]); err != nil {
			return nil, err
		}
		w.log.Warn("dropped corrupt wal tail",
			zap.String("segment", seg.path),
			zap.Int64("valid_bytes", report.ValidBytes),
			zap.Int64("dropped_bytes", report.DroppedBytes))
	}
	return report, nil
}

// rewriteTail replaces a segment with its valid prefix via temp-and-rename,
// so a crash mid-repair leaves either the old or the repaired object.
func (w *WAL) rewriteTail(ctx context.Context, path string, valid []byte) error {
	tmp := path + ".repair"
	_ = w.store.Delete(ctx, tmp) // leftover from an interrupted repair
	f, err := w.store.OpenAppend(ctx, tmp)
	if err != nil {
		return fmt.Errorf("wal: repair %s: %w", path, err)
	}
	if _, err := f.Write(valid); err != nil {
		f.Close()
		return fmt.Errorf("wal: repair %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("wal: repair %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wal: repair %s: %w", path, err)
	}
	if err := w.store.Rename(ctx, tmp, path); err != nil {
		return fmt.Errorf("wal: repair %s: %w", path, err)
	}
	return nil
}

// Append assigns rows consecutive sequence numbers starting at the returned
// base, writes one frame, and syncs it. Rows are updated in place with
// their numbers.
func (w *WAL) Append(ctx context.Context, rows []types.Row) (types.Seq, error) {
	if len(rows) == 0 {
		return 0, fmt.Errorf("wal: empty batch: %w", dberrors.ErrInvalidArgument)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, dberrors.ErrClosed
	}

	base := w.seq.NextN(len(rows))
	for i := range rows {
		rows[i].Seq = base + types.Seq(i)
	}

	w.buf = w.buf[:0]
	w.buf = append(w.buf, make([]byte, frameHeaderSize)...)
	w.buf = codec.AppendRows(w.buf, rows)
	payloadLen := len(w.buf) - frameHeaderSize
	if payloadLen > maxPayload {
		return 0, fmt.Errorf("wal: frame payload %d bytes: %w", payloadLen, dberrors.ErrInvalidArgument)
	}
	binary.LittleEndian.PutUint64(w.buf[0:8], uint64(base))
	binary.LittleEndian.PutUint32(w.buf[8:12], uint32(len(rows)))
	binary.LittleEndian.PutUint32(w.buf[12:16], uint32(payloadLen))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, crc32.Checksum(w.buf, castagnoli))

	if err := w.ensureActive(ctx, base, int64(len(w.buf))); err != nil {
		return 0, fmt.Errorf("%w: %v", dberrors.ErrDurability, err)
	}
	if _, err := w.active.Write(w.buf); err != nil {
		return 0, fmt.Errorf("%w: wal write: %v", dberrors.ErrDurability, err)
	}
	if err := w.active.Sync(); err != nil {
		return 0, fmt.Errorf("%w: wal sync: %v", dberrors.ErrDurability, err)
	}
	w.lastSeq = base + types.Seq(len(rows)) - 1
	return base, nil
}

// ensureActive opens the first segment lazily and rotates full ones. New
// segments are named by the first sequence they will contain.
func (w *WAL) ensureActive(ctx context.Context, base types.Seq, frameLen int64) error {
	if w.active != nil && w.active.Offset()+frameLen > w.opts.SegmentBytes && w.active.Offset() > 0 {
		if err := w.active.Close(); err != nil {
			return fmt.Errorf("close segment: %w", err)
		}
		w.active = nil
	}
	if w.active != nil {
		return nil
	}

	// Reuse the final on-disk segment unless it is already full.
	if len(w.segments) > 0 {
		last := w.segments[len(w.segments)-1]
		sz, err := w.store.Size(ctx, last.path)
		if err != nil {
			return fmt.Errorf("stat segment: %w", err)
		}
		if sz+frameLen <= w.opts.SegmentBytes || sz == 0 {
			f, err := w.store.OpenAppend(ctx, last.path)
			if err != nil {
				return fmt.Errorf("open segment: %w", err)
			}
			w.active = f
			return nil
		}
	}

	seg := segment{firstSeq: base, path: segmentPath(w.dir, base)}
	f, err := w.store.OpenAppend(ctx, seg.path)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	w.segments = append(w.segments, seg)
	w.active = f
	return nil
}

// Replay streams every frame whose last row is at or past from, oldest
// first. Frames already fully covered by from are skipped whole; partially
// covered frames are delivered intact and deduplicated downstream by
// sequence number.
func (w *WAL) Replay(ctx context.Context, from types.Seq, fn func(rows []types.Row) error) error {
	w.mu.Lock()
	segs := append([]segment(nil), w.segments...)
	w.mu.Unlock()

	for _, seg := range segs {
		data, err := w.store.ReadAll(ctx, seg.path)
		if err != nil {
			return fmt.Errorf("wal: read segment %s: %w", seg.path, err)
		}
		off := int64(0)
		for off < int64(len(data)) {
			base, rows, n, err := decodeFrame(data[off:])
			if err != nil {
				return fmt.Errorf("wal: segment %s offset %d: %w", seg.path, off, err)
			}
			off += n
			if base+types.Seq(len(rows))-1 < from {
				continue
			}
			if err := fn(rows); err != nil {
				return err
			}
		}
	}
	return nil
}

// TruncateThrough deletes segments wholly covered by seq. The active
// segment always stays.
func (w *WAL) TruncateThrough(ctx context.Context, seq types.Seq) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.segments) >= 2 && w.segments[1].firstSeq <= seq+1 {
		victim := w.segments[0]
		if err := w.store.Delete(ctx, victim.path); err != nil {
			return fmt.Errorf("wal: truncate %s: %w", victim.path, err)
		}
		w.segments = w.segments[1:]
		w.log.Info("dropped wal segment", zap.String("segment", victim.path), zap.Uint64("through", uint64(seq)))
	}
	return nil
}

// LastSeq reports the highest sequence number durable in the log.
func (w *WAL) LastSeq() types.Seq {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.active != nil {
		if err := w.active.Close(); err != nil {
			return fmt.Errorf("wal: close: %w", err)
		}
		w.active = nil
	}
	return nil
}

// scanFrames walks data and returns the offset past the last valid frame,
// the count of valid frames, and the highest sequence seen. A non-nil error
// means the remainder is garbage.
func scanFrames(data []byte) (validEnd int64, frames int, last types.Seq, err error) {
	off := int64(0)
	for off < int64(len(data)) {
		base, rows, n, derr := decodeFrame(data[off:])
		if derr != nil {
			return off, frames, last, derr
		}
		off += n
		frames++
		if end := base + types.Seq(len(rows)) - 1; end > last {
			last = end
		}
	}
	return off, frames, last, nil
}

func decodeFrame(data []byte) (types.Seq, []types.Row, int64, error) {
	if len(data) < frameHeaderSize+frameCRCSize {
		return 0, nil, 0, fmt.Errorf("%w: short frame", dberrors.ErrCorruption)
	}
	base := types.Seq(binary.LittleEndian.Uint64(data[0:8]))
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	payloadLen := int(binary.LittleEndian.Uint32(data[12:16]))
	// The smallest possible row wire form is 11 bytes, which bounds count
	// against a corrupt header demanding a huge allocation.
	if payloadLen > maxPayload || count == 0 || count*11 > payloadLen {
		return 0, nil, 0, fmt.Errorf("%w: bad frame header", dberrors.ErrCorruption)
	}
	total := frameHeaderSize + payloadLen + frameCRCSize
	if len(data) < total {
		return 0, nil, 0, fmt.Errorf("%w: truncated frame", dberrors.ErrCorruption)
	}
	body := data[:frameHeaderSize+payloadLen]
	want := binary.LittleEndian.Uint32(data[frameHeaderSize+payloadLen : total])
	if crc32.Checksum(body, castagnoli) != want {
		return 0, nil, 0, fmt.Errorf("%w: frame checksum mismatch", dberrors.ErrCorruption)
	}
	rows, err := codec.DecodeRows(body[frameHeaderSize:], base, count)
	if err != nil {
		return 0, nil, 0, err
	}
	return base, rows, int64(total), nil
}

func segmentPath(dir string, first types.Seq) string {
	return fmt.Sprintf("%s/%020d.seg", dir, uint64(first))
}

func parseSegmentPath(p string) (types.Seq, bool) {
	if len(p) < 24 || p[len(p)-4:] != ".seg" {
		return 0, false
	}
	digits := p[len(p)-24 : len(p)-4]
	var v uint64
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return types.Seq(v), true
}
