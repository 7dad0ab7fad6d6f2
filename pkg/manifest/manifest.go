// Package manifest keeps the durable record of which data files and which
// WAL position make up one table. Every state change appends a framed,
// checksummed JSON record to a numbered log object; a CURRENT pointer
// object names the authoritative log. Logs are periodically superseded by
// a rewrite that opens the next numbered log with one flattened snapshot
// record, bounding replay length.
//
// Files named by the current version are never deleted before the edit
// removing them is durable and every reader holding that version is gone.
package manifest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"strata/pkg/dberrors"
	"strata/pkg/types"
)

const (
	currentName  = "CURRENT"
	recordHeader = 8 // u32 payload length, u32 Castagnoli CRC
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileMeta describes one immutable data file, mirroring the stats block of
// the file itself so pruning decisions never require opening it.
type FileMeta struct {
	ID         types.FileID      `json:"id"`
	Level      types.Level       `json:"level"`
	Size       int64             `json:"size"`
	MinKey     types.Key         `json:"min_key"`
	MaxKey     types.Key         `json:"max_key"`
	MinSeq     types.Seq         `json:"min_seq"`
	MaxSeq     types.Seq         `json:"max_seq"`
	MinTs      types.TimestampMs `json:"min_ts"`
	MaxTs      types.TimestampMs `json:"max_ts"`
	Rows       int64             `json:"rows"`
	Tombstones int64             `json:"tombstones"`
}

// Edit is one atomic state change. A compaction commits all of its adds
// and removes as a single edit; either everything applies or nothing does.
type Edit struct {
	Added   []FileMeta     `json:"added,omitempty"`
	Removed []types.FileID `json:"removed,omitempty"`

	// Checkpoint advances the WAL replay floor: every row with seq <= the
	// checkpoint is covered by files in the manifest.
	Checkpoint *types.Seq `json:"checkpoint,omitempty"`

	// NextFileID burns an id block: ids below it are considered granted
	// and are never handed out again, even after a crash.
	NextFileID *types.FileID `json:"next_file_id,omitempty"`
}

// snapshot is the flattened current state opening a rewritten log. It
// supersedes everything before it.
type snapshot struct {
	Files      []FileMeta   `json:"files"`
	Checkpoint types.Seq    `json:"checkpoint"`
	NextFileID types.FileID `json:"next_file_id"`
}

// record is the tagged union stored per frame; exactly one field is set.
type record struct {
	Edit     *Edit     `json:"edit,omitempty"`
	Snapshot *snapshot `json:"snapshot,omitempty"`
}

// appendRecord frames rec onto dst: length, checksum, JSON payload.
func appendRecord(dst []byte, rec *record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return dst, fmt.Errorf("manifest: encode record: %w", err)
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.LittleEndian.AppendUint32(dst, crc32.Checksum(payload, castagnoli))
	return append(dst, payload...), nil
}

// replayState accumulates the effect of a log replay.
type replayState struct {
	files      map[types.FileID]FileMeta
	checkpoint types.Seq
	nextFileID types.FileID
	maxFileID  types.FileID
	records    int
}

func newReplayState() *replayState {
	return &replayState{files: make(map[types.FileID]FileMeta)}
}

func (st *replayState) apply(rec *record) error {
	switch {
	case rec.Snapshot != nil:
		st.files = make(map[types.FileID]FileMeta, len(rec.Snapshot.Files))
		for _, m := range rec.Snapshot.Files {
			st.files[m.ID] = m
			if m.ID > st.maxFileID {
				st.maxFileID = m.ID
			}
		}
		st.checkpoint = rec.Snapshot.Checkpoint
		st.nextFileID = rec.Snapshot.NextFileID
		return nil
	case rec.Edit != nil:
		e := rec.Edit
		for _, m := range e.Added {
			if _, dup := st.files[m.ID]; dup {
				return fmt.Errorf("%w: manifest adds file %d twice", dberrors.ErrCorruption, m.ID)
			}
			st.files[m.ID] = m
			if m.ID > st.maxFileID {
				st.maxFileID = m.ID
			}
		}
		for _, id := range e.Removed {
			if _, ok := st.files[id]; !ok {
				return fmt.Errorf("%w: manifest removes unknown file %d", dberrors.ErrCorruption, id)
			}
			delete(st.files, id)
		}
		if e.Checkpoint != nil {
			st.checkpoint = *e.Checkpoint
		}
		if e.NextFileID != nil && *e.NextFileID > st.nextFileID {
			st.nextFileID = *e.NextFileID
		}
		return nil
	default:
		return fmt.Errorf("%w: empty manifest record", dberrors.ErrCorruption)
	}
}

// readLog replays one log object into st. A final record cut off by a torn
// append is tolerated and reported as the count of dropped bytes; a bad
// record with durable records after it is corruption.
func readLog(data []byte, st *replayState) (torn int, err error) {
	off := 0
	for off < len(data) {
		rest := len(data) - off
		if rest < recordHeader {
			return rest, nil
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		want := binary.LittleEndian.Uint32(data[off+4:])
		if rest-recordHeader < n {
			return rest, nil
		}
		payload := data[off+recordHeader : off+recordHeader+n]
		if crc32.Checksum(payload, castagnoli) != want {
			if off+recordHeader+n == len(data) {
				return rest, nil
			}
			return 0, fmt.Errorf("%w: manifest record at %d checksum mismatch", dberrors.ErrCorruption, off)
		}
		var rec record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return 0, fmt.Errorf("%w: manifest record at %d: %v", dberrors.ErrCorruption, off, err)
		}
		if err := st.apply(&rec); err != nil {
			return 0, err
		}
		st.records++
		off += recordHeader + n
	}
	return 0, nil
}

func logName(num uint64) string {
	return fmt.Sprintf("MANIFEST-%06d", num)
}

func parseLogName(name string) (uint64, bool) {
	digits, ok := strings.CutPrefix(name, "MANIFEST-")
	if !ok {
		return 0, false
	}
	num, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return num, true
}
