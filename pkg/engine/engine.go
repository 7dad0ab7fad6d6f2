// Package engine assembles the storage pipeline: write-ahead log, MVCC
// memtables, level-0 flush, leveled compaction and the merged read path.
// One Engine hosts many tables; each table is its own log-structured tree
// with a private WAL, memtable lineage and manifest. Tables share the block
// cache, the background I/O budget, the compaction worker pool and the
// metrics registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strata/pkg/bytestore"
	"strata/pkg/cache"
	"strata/pkg/dberrors"
	"strata/pkg/limiter"
	"strata/pkg/metrics"
)

const tablesPrefix = "tables/"

type Engine struct {
	opts  Options
	store bytestore.Store
	log   *zap.Logger
	met   *metrics.Metrics
	cache *cache.Cache
	lim   *limiter.Limiter

	// compactPool bounds compaction concurrency across tables; each
	// table's compactor still runs its own tasks one at a time.
	compactPool *errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tables map[string]*Table
	closed bool
}

// Open recovers every table found under the store's tables/ prefix and
// starts background work. The engine owns the paths it manages; nothing
// else may write them.
func Open(ctx context.Context, store bytestore.Store, met *metrics.Metrics, opts Options) (*Engine, error) {
	opts.defaults()
	if met == nil {
		met = metrics.New()
	}
	e := &Engine{
		opts:        opts,
		store:       store,
		log:         opts.Logger.Named("engine"),
		met:         met,
		cache:       cache.New(opts.CacheBytes),
		lim:         limiter.New(opts.CompactionRateBytes),
		compactPool: &errgroup.Group{},
		tables:      make(map[string]*Table),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.compactPool.SetLimit(opts.CompactionWorkers)

	names, err := listTables(ctx, store)
	if err != nil {
		e.cancel()
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for _, name := range names {
		t, err := e.openTable(ctx, name)
		if err != nil {
			for _, open := range e.tables {
				open.close(ctx, false)
			}
			e.cancel()
			return nil, fmt.Errorf("recover table %s: %w", name, err)
		}
		e.tables[name] = t
	}

	e.wg.Add(1)
	go e.watchWriteBuffer()

	e.log.Info("engine open", zap.Int("tables", len(e.tables)))
	return e, nil
}

// CreateTable makes an empty table. The name is part of every store path
// the table writes, so it is restricted to a portable character set.
func (e *Engine) CreateTable(ctx context.Context, name string) (*Table, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, dberrors.ErrClosed
	}
	if _, ok := e.tables[name]; ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrTableExists, name)
	}
	t, err := e.openTable(ctx, name)
	if err != nil {
		return nil, err
	}
	e.tables[name] = t
	e.log.Info("table created", zap.String("table", name))
	return t, nil
}

// DropTable removes the table and deletes everything it owns on the store.
func (e *Engine) DropTable(ctx context.Context, name string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return dberrors.ErrClosed
	}
	t, ok := e.tables[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", dberrors.ErrTableNotFound, name)
	}
	delete(e.tables, name)
	e.mu.Unlock()
	return t.drop(ctx)
}

func (e *Engine) Table(name string) (*Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, dberrors.ErrClosed
	}
	t, ok := e.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrTableNotFound, name)
	}
	return t, nil
}

// Tables returns the table names, sorted.
func (e *Engine) Tables() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Metrics returns the registry the engine reports into.
func (e *Engine) Metrics() *metrics.Metrics { return e.met }

// Close flushes active memtables (unless disabled), stops background work
// and releases every handle. The engine is unusable afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	tables := make([]*Table, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.Unlock()

	var firstErr error
	for _, t := range tables {
		if err := t.close(ctx, !e.opts.DisableFlushOnClose); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.cancel()
	e.wg.Wait()
	_ = e.compactPool.Wait()
	e.log.Info("engine closed")
	return firstErr
}

// watchWriteBuffer keeps the resident-bytes gauge current and enforces the
// engine-wide memtable ceiling: when the sum of active memtable bytes
// crosses it, the largest table is frozen.
func (e *Engine) watchWriteBuffer() {
	defer e.wg.Done()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-tick.C:
		}

		e.mu.Lock()
		tables := make([]*Table, 0, len(e.tables))
		for _, t := range e.tables {
			tables = append(tables, t)
		}
		e.mu.Unlock()

		var total, biggestBytes int64
		var biggest *Table
		for _, t := range tables {
			b := t.mem.Bytes()
			total += b
			if b > biggestBytes {
				biggest, biggestBytes = t, b
			}
		}
		e.met.MemtableBytes.Set(float64(total))

		if e.opts.WriteBufferBytes <= 0 || total < e.opts.WriteBufferBytes || biggest == nil {
			continue
		}
		if err := biggest.freezeNow(e.ctx); err != nil && !errors.Is(err, dberrors.ErrClosed) {
			e.log.Warn("write-buffer freeze failed",
				zap.String("table", biggest.name), zap.Error(err))
		}
	}
}

// listTables derives table names from the store listing: the path segment
// after tables/.
func listTables(ctx context.Context, store bytestore.Store) ([]string, error) {
	paths, err := store.List(ctx, tablesPrefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, p := range paths {
		rest := strings.TrimPrefix(p, tablesPrefix)
		name, _, ok := strings.Cut(rest, "/")
		if !ok || name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

func validateTableName(name string) error {
	if name == "" || len(name) > 128 {
		return fmt.Errorf("%w: table name must be 1-128 characters", dberrors.ErrInvalidArgument)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' {
			continue
		}
		return fmt.Errorf("%w: table name %q may use letters, digits, underscore and dash", dberrors.ErrInvalidArgument, name)
	}
	return nil
}
