package crmsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type EngineOptions struct {
	StateBackend StateBackend
	StateFile    string
	Gateway      RemoteCRM
	Progress     *ProgressTracker
	Logger       *slog.Logger

	// Fetch and batch tuning.
	PageSize       int
	ChunkSize      int
	ChunkPause     time.Duration
	MergeWorkers   int
	SweepInterval  time.Duration
	DisableSweeper bool

	// Optional directory to mirror export artifacts to disk.
	ExportDir string

	// Operator-defined duplicate-matching presets used when a detection
	// run supplies no conditions of its own. Empty means the built-in
	// strategies.
	Presets []FieldCondition
}

// Engine owns all mirrored records and drives the sync, detection and merge
// workflows. All state mutations happen under one RWMutex; gateway calls
// never run while it is held.
type Engine struct {
	mu     sync.RWMutex
	scopes map[string]*scopeState

	stateBackend StateBackend
	gateway      RemoteCRM
	progress     *ProgressTracker
	logger       *slog.Logger
	sweeper      *RetrySweeper

	pageSize     int
	chunkSize    int
	chunkPause   time.Duration
	mergeWorkers int
	exportDir    string
	presets      []FieldCondition

	runCtx    context.Context
	runCancel context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	progress := opts.Progress
	if progress == nil {
		progress = NewProgressTracker()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}
	chunkPause := opts.ChunkPause
	if chunkPause <= 0 {
		chunkPause = 500 * time.Millisecond
	}
	mergeWorkers := opts.MergeWorkers
	if mergeWorkers <= 0 {
		mergeWorkers = 4
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && opts.StateFile != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	runCtx, runCancel := context.WithCancel(context.Background())

	e := &Engine{
		scopes:       map[string]*scopeState{},
		stateBackend: stateBackend,
		gateway:      opts.Gateway,
		progress:     progress,
		logger:       logger,
		pageSize:     pageSize,
		chunkSize:    chunkSize,
		chunkPause:   chunkPause,
		mergeWorkers: mergeWorkers,
		exportDir:    opts.ExportDir,
		presets:      append([]FieldCondition(nil), opts.Presets...),
		runCtx:       runCtx,
		runCancel:    runCancel,
		closed:       make(chan struct{}),
	}
	if err := e.loadFromBackend(); err != nil {
		logger.Error("state snapshot load failed", "error", err)
	}
	if !opts.DisableSweeper {
		e.sweeper = NewRetrySweeper(e, sweepInterval, logger)
		e.sweeper.Start()
	}
	return e
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.sweeper != nil {
			e.sweeper.Stop()
		}
		e.runCancel()
		e.wg.Wait()
		if closer, ok := e.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

// Progress returns the tracker so callers can poll it directly.
func (e *Engine) Progress() *ProgressTracker {
	return e.progress
}

func (e *Engine) loadFromBackend() error {
	if e.stateBackend == nil {
		return nil
	}
	snapshot, err := e.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil || snapshot.Scopes == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, st := range snapshot.Scopes {
		if st == nil {
			continue
		}
		st.normalize()
		e.scopes[key] = st
	}
	return nil
}

// saveLocked snapshots the full state. Callers hold the write lock.
func (e *Engine) saveLocked() error {
	if e.stateBackend == nil {
		return nil
	}
	snapshot := &persistedState{Scopes: e.scopes}
	if err := e.stateBackend.Save(snapshot); err != nil {
		e.logger.Error("state snapshot save failed", "error", err)
		return err
	}
	return nil
}

func (e *Engine) scopeLocked(scope Scope) *scopeState {
	st, ok := e.scopes[scope.Key()]
	if !ok {
		st = newScopeState()
		e.scopes[scope.Key()] = st
	}
	return st
}

func (e *Engine) lookupScopeLocked(scope Scope) (*scopeState, bool) {
	st, ok := e.scopes[scope.Key()]
	return st, ok
}

// spawn runs fn on a tracked goroutine tied to the engine lifecycle. The
// returned error of fn is always observed and logged; callers record task
// outcomes into job or merge state themselves.
func (e *Engine) spawn(name string, fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.runCtx); err != nil {
			e.logger.Error("background task failed", "task", name, "error", err)
		}
	}()
}

// GetJob returns one sync job by id.
func (e *Engine) GetJob(scope Scope, jobID string) (SyncJob, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return SyncJob{}, &NotFoundError{Kind: "job", ID: jobID}
	}
	job, ok := st.Jobs[jobID]
	if !ok {
		return SyncJob{}, &NotFoundError{Kind: "job", ID: jobID}
	}
	return job, nil
}

// activeJobLocked finds the non-terminal job for a scope, if any.
func activeJobLocked(st *scopeState) (SyncJob, bool) {
	for _, job := range st.Jobs {
		if !job.Status.Terminal() {
			return job, true
		}
	}
	return SyncJob{}, false
}

// latestJobLocked returns the most recently created job for a scope.
func latestJobLocked(st *scopeState) (SyncJob, bool) {
	var latest SyncJob
	found := false
	for _, job := range st.Jobs {
		if !found || job.CreatedAt.After(latest.CreatedAt) ||
			(job.CreatedAt.Equal(latest.CreatedAt) && job.ID > latest.ID) {
			latest = job
			found = true
		}
	}
	return latest, found
}

// ListGroups pages through the duplicate groups of a scope ordered by id.
func (e *Engine) ListGroups(scope Scope, cursor string, limit int) (GroupPage, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		if cursor != "" {
			return GroupPage{}, ErrInvalidInput
		}
		return GroupPage{Groups: []DuplicateGroup{}}, nil
	}
	ids := make([]string, 0, len(st.Groups))
	for id := range st.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if cursor != "" {
		found := false
		for i := range ids {
			if ids[i] == cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return GroupPage{}, ErrInvalidInput
		}
	}
	if start >= len(ids) {
		return GroupPage{Groups: []DuplicateGroup{}}, nil
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}
	groups := make([]DuplicateGroup, 0, end-start)
	for _, id := range ids[start:end] {
		groups = append(groups, cloneGroup(st.Groups[id]))
	}
	var next *string
	if end < len(ids) {
		cursorValue := ids[end-1]
		next = &cursorValue
	}
	return GroupPage{Groups: groups, NextCursor: next}, nil
}

// GetGroup returns one duplicate group by id.
func (e *Engine) GetGroup(scope Scope, groupID string) (DuplicateGroup, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return DuplicateGroup{}, &NotFoundError{Kind: "group", ID: groupID}
	}
	group, ok := st.Groups[groupID]
	if !ok {
		return DuplicateGroup{}, &NotFoundError{Kind: "group", ID: groupID}
	}
	return cloneGroup(group), nil
}

// GetRecord returns one mirrored record by local id.
func (e *Engine) GetRecord(scope Scope, recordID string) (Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return Record{}, &NotFoundError{Kind: "record", ID: recordID}
	}
	record, ok := st.Records[recordID]
	if !ok {
		return Record{}, &NotFoundError{Kind: "record", ID: recordID}
	}
	return record, nil
}

// GetExport returns the artifact produced by the last finish sequence.
func (e *Engine) GetExport(scope Scope) (ExportArtifact, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok || st.Export == nil {
		return ExportArtifact{}, &NotFoundError{Kind: "export", ID: scope.Key()}
	}
	return *st.Export, nil
}

func cloneGroup(g DuplicateGroup) DuplicateGroup {
	out := g
	out.RecordIDs = append([]string(nil), g.RecordIDs...)
	return out
}
