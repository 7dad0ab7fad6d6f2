package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"strata/pkg/bytestore"
	"strata/pkg/dberrors"
	"strata/pkg/types"
)

type Options struct {
	// RewriteEvery bounds replay length: once a log holds this many
	// records it is superseded by a snapshot-prefixed successor.
	RewriteEvery int

	// IDGrantBlock is how many file ids one durable grant covers.
	IDGrantBlock types.FileID

	// OnObsolete runs once per removed file after the removing edit is
	// durable and the last version referencing the file is released. It is
	// called without internal locks held.
	OnObsolete func(FileMeta)

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.RewriteEvery <= 0 {
		o.RewriteEvery = 1024
	}
	if o.IDGrantBlock <= 0 {
		o.IDGrantBlock = 64
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// fileState tracks how many versions still reference a file. A zombie has
// been removed from the current version and is deleted once refs drain.
type fileState struct {
	meta   FileMeta
	refs   int
	zombie bool
}

// Set owns a table's manifest: the durable log and the in-memory version
// state published to readers. Edits are serialized by one mutex; reads of
// the current version are lock-free.
type Set struct {
	store bytestore.Store
	dir   string
	opts  Options
	log   *zap.Logger

	current atomic.Pointer[Version]

	mu         sync.Mutex
	files      map[types.FileID]*fileState
	active     bytestore.AppendFile
	activeName string
	records    int
	nextLogNum uint64
	nextID     types.FileID
	ceiling    types.FileID
	checkpoint types.Seq
	buf        []byte
	failed     bool
	closed     bool
}

// Open replays the log named by CURRENT, or starts a fresh manifest when
// none exists. A torn final record is dropped with a warning and the log
// is immediately rewritten so later appends land on a clean tail.
func Open(ctx context.Context, store bytestore.Store, dir string, opts Options) (*Set, error) {
	opts.defaults()
	s := &Set{
		store: store,
		dir:   dir,
		opts:  opts,
		log:   opts.Logger.With(zap.String("manifest", dir)),
		files: make(map[types.FileID]*fileState),
	}

	st := newReplayState()
	torn := 0
	cur, err := store.ReadAll(ctx, s.path(currentName))
	fresh := errors.Is(err, dberrors.ErrNotFound)
	switch {
	case fresh:
		s.nextLogNum = 1
	case err != nil:
		return nil, fmt.Errorf("manifest: read CURRENT: %w", err)
	default:
		name := strings.TrimSpace(string(cur))
		num, ok := parseLogName(name)
		if !ok {
			return nil, fmt.Errorf("%w: CURRENT names %q", dberrors.ErrCorruption, name)
		}
		data, err := store.ReadAll(ctx, s.path(name))
		if err != nil {
			return nil, fmt.Errorf("manifest: read %s: %w", name, err)
		}
		if torn, err = readLog(data, st); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", name, err)
		}
		if torn > 0 {
			s.log.Warn("dropped torn manifest tail",
				zap.String("log", name),
				zap.Int("dropped_bytes", torn))
		}
		s.activeName = name
		s.nextLogNum = num + 1
		s.records = st.records
	}

	s.checkpoint = st.checkpoint
	s.nextID = st.nextFileID
	if next := st.maxFileID + 1; next > s.nextID {
		s.nextID = next
	}
	// Force a fresh durable grant before the first allocation.
	s.ceiling = s.nextID

	for id, meta := range st.files {
		s.files[id] = &fileState{meta: meta}
	}
	s.current.Store(s.buildVersionLocked())

	if fresh || torn > 0 || s.records >= s.opts.RewriteEvery {
		if err := s.rewriteLocked(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	if s.active, err = store.OpenAppend(ctx, s.path(s.activeName)); err != nil {
		return nil, fmt.Errorf("manifest: reopen %s: %w", s.activeName, err)
	}
	return s, nil
}

// Current returns the live version with a reference held. Callers must
// Unref it when done.
func (s *Set) Current() *Version {
	for {
		v := s.current.Load()
		if v.tryRef() {
			return v
		}
	}
}

// Checkpoint reports the durable WAL replay floor.
func (s *Set) Checkpoint() types.Seq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// Apply makes one edit durable and publishes the resulting version. On a
// log write failure the set refuses further edits: the in-memory state no
// longer provably matches the log tail.
func (s *Set) Apply(ctx context.Context, edit Edit) error {
	s.mu.Lock()
	obsolete, err := s.applyLocked(ctx, &edit)
	s.mu.Unlock()
	s.notifyObsolete(obsolete)
	return err
}

func (s *Set) applyLocked(ctx context.Context, edit *Edit) ([]FileMeta, error) {
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	for _, m := range edit.Added {
		if _, dup := s.files[m.ID]; dup {
			return nil, fmt.Errorf("%w: file %d already present", dberrors.ErrInvalidArgument, m.ID)
		}
	}
	for _, id := range edit.Removed {
		fs, ok := s.files[id]
		if !ok || fs.zombie {
			return nil, fmt.Errorf("%w: file %d not live", dberrors.ErrInvalidArgument, id)
		}
	}

	if err := s.appendLocked(&record{Edit: edit}); err != nil {
		return nil, err
	}

	for _, m := range edit.Added {
		s.files[m.ID] = &fileState{meta: m}
	}
	for _, id := range edit.Removed {
		s.files[id].zombie = true
	}
	if edit.Checkpoint != nil {
		s.checkpoint = *edit.Checkpoint
	}
	if edit.NextFileID != nil && *edit.NextFileID > s.ceiling {
		s.ceiling = *edit.NextFileID
		if s.ceiling > s.nextID {
			s.nextID = s.ceiling
		}
	}

	obsolete := s.installVersionLocked()
	if s.records >= s.opts.RewriteEvery {
		if err := s.rewriteLocked(ctx); err != nil {
			// The appended log stays authoritative; retry on a later edit.
			s.log.Warn("manifest rewrite failed", zap.Error(err))
		}
	}
	return obsolete, nil
}

// AllocFileID grants one file id, persisting a block grant whenever the
// previous grant is exhausted. Ids never repeat across restarts.
func (s *Set) AllocFileID(ctx context.Context) (types.FileID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return 0, err
	}
	if s.nextID >= s.ceiling {
		grant := s.nextID + s.opts.IDGrantBlock
		if err := s.appendLocked(&record{Edit: &Edit{NextFileID: &grant}}); err != nil {
			return 0, err
		}
		s.ceiling = grant
	}
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.active != nil {
		if err := s.active.Close(); err != nil {
			return fmt.Errorf("manifest: close log: %w", err)
		}
		s.active = nil
	}
	return nil
}

func (s *Set) usableLocked() error {
	if s.closed {
		return dberrors.ErrClosed
	}
	if s.failed {
		return fmt.Errorf("%w: manifest log failed, refusing further edits", dberrors.ErrDurability)
	}
	return nil
}

// appendLocked frames rec onto the active log and syncs it.
func (s *Set) appendLocked(rec *record) error {
	framed, err := appendRecord(s.buf[:0], rec)
	if err != nil {
		return err
	}
	s.buf = framed
	if _, err := s.active.Write(framed); err != nil {
		s.failed = true
		return fmt.Errorf("%w: manifest append: %v", dberrors.ErrDurability, err)
	}
	if err := s.active.Sync(); err != nil {
		s.failed = true
		return fmt.Errorf("%w: manifest sync: %v", dberrors.ErrDurability, err)
	}
	s.records++
	return nil
}

// buildVersionLocked assembles a version from the live files, holding one
// reference per file.
func (s *Set) buildVersionLocked() *Version {
	maxLevel := types.Level(0)
	for _, fs := range s.files {
		if !fs.zombie && fs.meta.Level > maxLevel {
			maxLevel = fs.meta.Level
		}
	}
	levels := make([][]FileMeta, maxLevel+1)
	for _, fs := range s.files {
		if fs.zombie {
			continue
		}
		fs.refs++
		levels[fs.meta.Level] = append(levels[fs.meta.Level], fs.meta)
	}
	// Level 0 newest first; deeper levels ordered by key for binary search.
	sort.Slice(levels[0], func(i, j int) bool {
		a, b := levels[0][i], levels[0][j]
		if a.MaxSeq != b.MaxSeq {
			return a.MaxSeq > b.MaxSeq
		}
		return a.ID > b.ID
	})
	for l := 1; l < len(levels); l++ {
		sort.Slice(levels[l], func(i, j int) bool {
			return bytes.Compare(levels[l][i].MinKey, levels[l][j].MinKey) < 0
		})
	}
	v := &Version{set: s, levels: levels, checkpoint: s.checkpoint}
	v.refs.Store(1)
	return v
}

// installVersionLocked publishes a fresh version and releases the set's
// reference on the old one, returning files whose refs drained.
func (s *Set) installVersionLocked() []FileMeta {
	old := s.current.Swap(s.buildVersionLocked())
	if old.refs.Add(-1) != 0 {
		return nil
	}
	return s.dropVersionFilesLocked(old)
}

// dropVersionFilesLocked drops one file reference per file of a fully
// released version and collects drained zombies for deletion.
func (s *Set) dropVersionFilesLocked(v *Version) []FileMeta {
	var obsolete []FileMeta
	for _, level := range v.levels {
		for _, m := range level {
			fs := s.files[m.ID]
			fs.refs--
			if fs.zombie && fs.refs == 0 {
				delete(s.files, m.ID)
				obsolete = append(obsolete, fs.meta)
			}
		}
	}
	return obsolete
}

func (s *Set) notifyObsolete(obsolete []FileMeta) {
	if s.opts.OnObsolete == nil {
		return
	}
	for _, m := range obsolete {
		s.opts.OnObsolete(m)
	}
}

// rewriteLocked starts the next numbered log with one snapshot record and
// swaps CURRENT to it. Failure leaves the previous log authoritative.
func (s *Set) rewriteLocked(ctx context.Context) error {
	name := logName(s.nextLogNum)
	f, err := s.store.OpenAppend(ctx, s.path(name))
	if err != nil {
		return fmt.Errorf("manifest: create %s: %w", name, err)
	}
	snap := &snapshot{
		Checkpoint: s.checkpoint,
		NextFileID: s.ceiling,
		Files:      make([]FileMeta, 0, len(s.files)),
	}
	for _, fs := range s.files {
		if !fs.zombie {
			snap.Files = append(snap.Files, fs.meta)
		}
	}
	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].ID < snap.Files[j].ID })

	abort := func(err error) error {
		f.Close()
		if derr := s.store.Delete(ctx, s.path(name)); derr != nil {
			s.log.Warn("orphaned manifest log", zap.String("log", name), zap.Error(derr))
		}
		return err
	}
	framed, err := appendRecord(s.buf[:0], &record{Snapshot: snap})
	if err != nil {
		return abort(err)
	}
	s.buf = framed
	if _, err := f.Write(framed); err != nil {
		return abort(fmt.Errorf("%w: manifest snapshot write: %v", dberrors.ErrDurability, err))
	}
	if err := f.Sync(); err != nil {
		return abort(fmt.Errorf("%w: manifest snapshot sync: %v", dberrors.ErrDurability, err))
	}
	if err := s.swapCurrent(ctx, name); err != nil {
		return abort(err)
	}

	old, oldName := s.active, s.activeName
	s.active = f
	s.activeName = name
	s.nextLogNum++
	s.records = 1
	if old != nil {
		old.Close()
	}
	if oldName != "" {
		if err := s.store.Delete(ctx, s.path(oldName)); err != nil {
			s.log.Warn("superseded manifest log not deleted", zap.String("log", oldName), zap.Error(err))
		}
	}
	s.log.Info("manifest rewritten", zap.String("log", name), zap.Int("files", len(snap.Files)))
	return nil
}

// swapCurrent atomically repoints CURRENT via temp and rename.
func (s *Set) swapCurrent(ctx context.Context, name string) error {
	tmp := s.path(currentName + ".tmp")
	if err := s.store.Delete(ctx, tmp); err != nil && !errors.Is(err, dberrors.ErrNotFound) {
		return fmt.Errorf("manifest: clear stale CURRENT.tmp: %w", err)
	}
	f, err := s.store.OpenAppend(ctx, tmp)
	if err != nil {
		return fmt.Errorf("manifest: create CURRENT.tmp: %w", err)
	}
	if _, err := f.Write([]byte(name + "\n")); err != nil {
		f.Close()
		return fmt.Errorf("%w: write CURRENT: %v", dberrors.ErrDurability, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync CURRENT: %v", dberrors.ErrDurability, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close CURRENT: %v", dberrors.ErrDurability, err)
	}
	if err := s.store.Rename(ctx, tmp, s.path(currentName)); err != nil {
		return fmt.Errorf("%w: publish CURRENT: %v", dberrors.ErrDurability, err)
	}
	return nil
}

func (s *Set) path(name string) string { return s.dir + "/" + name }

// Version is an immutable view of the file tree. It stays readable, and
// its files stay on disk, until every reference is released.
type Version struct {
	set        *Set
	refs       atomic.Int32
	levels     [][]FileMeta
	checkpoint types.Seq
}

// tryRef takes a reference unless the version is already fully released.
func (v *Version) tryRef() bool {
	for {
		r := v.refs.Load()
		if r == 0 {
			return false
		}
		if v.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// Ref takes an extra reference. The caller must already hold one.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref releases one reference. The last release drops the version's file
// references and physically frees drained zombies.
func (v *Version) Unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	s := v.set
	s.mu.Lock()
	obsolete := s.dropVersionFilesLocked(v)
	s.mu.Unlock()
	s.notifyObsolete(obsolete)
}

// NumLevels reports the deepest populated level plus one.
func (v *Version) NumLevels() int { return len(v.levels) }

// Level returns the files of one level: level 0 newest first, deeper
// levels sorted by MinKey with disjoint ranges. Callers must not mutate
// the returned slice.
func (v *Version) Level(l int) []FileMeta {
	if l < 0 || l >= len(v.levels) {
		return nil
	}
	return v.levels[l]
}

// Files returns every file of the version, shallowest level first.
func (v *Version) Files() []FileMeta {
	var out []FileMeta
	for _, level := range v.levels {
		out = append(out, level...)
	}
	return out
}

// Checkpoint is the WAL replay floor recorded when this version was built.
func (v *Version) Checkpoint() types.Seq { return v.checkpoint }
