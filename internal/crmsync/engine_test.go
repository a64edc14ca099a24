package crmsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"
)

type patchCall struct {
	externalID string
	fields     map[string]string
}

type mergeCall struct {
	primary   string
	secondary string
}

// fakeCRM scripts the remote side. Pages are addressed by numeric cursor;
// an empty cursor means page zero. Fetch-loop list calls (limit != 1) can
// be held on a gate to keep a job active while the test pokes at the
// engine.
type fakeCRM struct {
	mu    sync.Mutex
	pages [][]RemoteRecord

	listErr func(cursor string, limit int) error
	gate    chan struct{}

	listCalls   int
	patches     []patchCall
	patchErr    error
	deletes     []string
	deleteErr   error
	merges      []mergeCall
	mergeErr    func(primary, secondary string) error
	canonicalID func(primary, secondary string) string
}

func (f *fakeCRM) ListPage(ctx context.Context, scope Scope, cursor string, limit int) (RecordPage, error) {
	f.mu.Lock()
	f.listCalls++
	errFn := f.listErr
	gate := f.gate
	pages := f.pages
	f.mu.Unlock()

	if errFn != nil {
		if err := errFn(cursor, limit); err != nil {
			return RecordPage{}, err
		}
	}
	if gate != nil && limit != 1 {
		select {
		case <-gate:
		case <-ctx.Done():
			return RecordPage{}, ctx.Err()
		}
	}

	idx := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return RecordPage{}, errors.New("bad cursor")
		}
		idx = parsed
	}
	if idx >= len(pages) {
		return RecordPage{}, nil
	}
	page := RecordPage{Records: pages[idx]}
	if idx+1 < len(pages) {
		next := strconv.Itoa(idx + 1)
		page.NextCursor = &next
	}
	return page, nil
}

func (f *fakeCRM) PatchRecord(ctx context.Context, scope Scope, externalID string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patchCall{externalID: externalID, fields: fields})
	return f.patchErr
}

func (f *fakeCRM) DeleteRecord(ctx context.Context, scope Scope, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, externalID)
	return f.deleteErr
}

func (f *fakeCRM) MergePair(ctx context.Context, scope Scope, primaryExternalID, secondaryExternalID string) (MergeResult, error) {
	f.mu.Lock()
	f.merges = append(f.merges, mergeCall{primary: primaryExternalID, secondary: secondaryExternalID})
	errFn := f.mergeErr
	canonFn := f.canonicalID
	f.mu.Unlock()

	if errFn != nil {
		if err := errFn(primaryExternalID, secondaryExternalID); err != nil {
			return MergeResult{}, err
		}
	}
	canonical := primaryExternalID
	if canonFn != nil {
		canonical = canonFn(primaryExternalID, secondaryExternalID)
	}
	return MergeResult{CanonicalExternalID: canonical}, nil
}

func (f *fakeCRM) setListErr(fn func(cursor string, limit int) error) {
	f.mu.Lock()
	f.listErr = fn
	f.mu.Unlock()
}

func (f *fakeCRM) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeCRM) mergeCalls() []mergeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mergeCall(nil), f.merges...)
}

func (f *fakeCRM) patchCalls() []patchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]patchCall(nil), f.patches...)
}

func (f *fakeCRM) deleteCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

// memoryStateBackend round-trips snapshots through JSON so saved state
// never aliases live engine maps.
type memoryStateBackend struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func (b *memoryStateBackend) Load() (*persistedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	var snapshot persistedState
	if err := json.Unmarshal(b.data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *memoryStateBackend) Save(state *persistedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.data = data
	b.saves++
	b.mu.Unlock()
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, gateway RemoteCRM, mutate ...func(*EngineOptions)) *Engine {
	t.Helper()
	opts := EngineOptions{
		Gateway:        gateway,
		Logger:         testLogger(),
		DisableSweeper: true,
		ChunkPause:     time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	e := NewEngine(opts)
	t.Cleanup(e.Close)
	return e
}

func testScope() Scope {
	return Scope{OwnerID: "owner_1", ConnectionKey: "conn_a"}
}

// seedRecords injects mirrored records directly, bypassing the fetch loop.
func seedRecords(e *Engine, scope Scope, records []Record) {
	e.mu.Lock()
	st := e.scopeLocked(scope)
	for _, r := range records {
		st.Records[r.ID] = r
		st.ExternalIndex[r.ExternalID] = r.ID
	}
	e.mu.Unlock()
}

func waitForJobStatus(t *testing.T, e *Engine, scope Scope, jobID string, status JobStatus) SyncJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.GetJob(scope, jobID)
		if err == nil && job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, err := e.GetJob(scope, jobID)
	if err != nil {
		t.Fatalf("expected job %s to exist: %v", jobID, err)
	}
	t.Fatalf("expected job %s status %s, got %s (stage %s, lastError %q)",
		jobID, status, job.Status, job.StageLabel, job.LastError)
	return SyncJob{}
}

func waitForStage(t *testing.T, e *Engine, scope Scope, jobID, stage string) SyncJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.GetJob(scope, jobID)
		if err == nil && job.StageLabel == stage {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := e.GetJob(scope, jobID)
	t.Fatalf("expected job %s stage %q, got %q (status %s)", jobID, stage, job.StageLabel, job.Status)
	return SyncJob{}
}

func waitForProgressStage(t *testing.T, e *Engine, scope Scope, stage string) ProgressEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, ok := e.Progress().Get(scope)
		if ok && entry.Stage == stage {
			return entry
		}
		time.Sleep(5 * time.Millisecond)
	}
	entry, _ := e.Progress().Get(scope)
	t.Fatalf("expected progress stage %q, got %q (message %q)", stage, entry.Stage, entry.Message)
	return ProgressEntry{}
}

func TestGetJobUnknown(t *testing.T) {
	e := newTestEngine(t, &fakeCRM{})
	if _, err := e.GetJob(testScope(), "job_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListGroupsPaginates(t *testing.T) {
	e := newTestEngine(t, &fakeCRM{})
	scope := testScope()
	seedRecords(e, scope, []Record{
		{ID: "r1", ExternalID: "e1", Email: "a@x.com"},
		{ID: "r2", ExternalID: "e2", Email: "a@x.com"},
		{ID: "r3", ExternalID: "e3", Phone: "555-0101"},
		{ID: "r4", ExternalID: "e4", Phone: "555-0101"},
		{ID: "r5", ExternalID: "e5", FirstName: "Ada", LastName: "Byron"},
		{ID: "r6", ExternalID: "e6", FirstName: "Ada", LastName: "Byron"},
	})
	if err := e.DetectDuplicates(context.Background(), scope, nil); err != nil {
		t.Fatalf("detect failed: %v", err)
	}

	first, err := e.ListGroups(scope, "", 2)
	if err != nil {
		t.Fatalf("list page 1 failed: %v", err)
	}
	if len(first.Groups) != 2 || first.NextCursor == nil {
		t.Fatalf("expected 2 groups and a cursor, got %d groups cursor=%v", len(first.Groups), first.NextCursor)
	}
	second, err := e.ListGroups(scope, *first.NextCursor, 2)
	if err != nil {
		t.Fatalf("list page 2 failed: %v", err)
	}
	if len(second.Groups) != 1 || second.NextCursor != nil {
		t.Fatalf("expected 1 trailing group and no cursor, got %d groups cursor=%v", len(second.Groups), second.NextCursor)
	}
	if first.Groups[0].ID == second.Groups[0].ID || first.Groups[1].ID == second.Groups[0].ID {
		t.Fatalf("pages overlap")
	}
}

func TestListGroupsRejectsUnknownCursor(t *testing.T) {
	e := newTestEngine(t, &fakeCRM{})
	scope := testScope()
	seedRecords(e, scope, []Record{
		{ID: "r1", ExternalID: "e1", Email: "a@x.com"},
		{ID: "r2", ExternalID: "e2", Email: "a@x.com"},
	})
	if err := e.DetectDuplicates(context.Background(), scope, nil); err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if _, err := e.ListGroups(scope, "grp_bogus", 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestListGroupsEmptyScope(t *testing.T) {
	e := newTestEngine(t, &fakeCRM{})
	page, err := e.ListGroups(testScope(), "", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page.Groups) != 0 || page.NextCursor != nil {
		t.Fatalf("expected empty page, got %+v", page)
	}
}

func TestEngineRestartRestoresSnapshot(t *testing.T) {
	backend := &memoryStateBackend{}
	scope := testScope()

	e1 := NewEngine(EngineOptions{
		Gateway:        &fakeCRM{},
		StateBackend:   backend,
		Logger:         testLogger(),
		DisableSweeper: true,
	})
	seedRecords(e1, scope, []Record{
		{ID: "r1", ExternalID: "e1", Email: "a@x.com"},
		{ID: "r2", ExternalID: "e2", Email: "a@x.com"},
	})
	if err := e1.DetectDuplicates(context.Background(), scope, nil); err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	e1.Close()

	e2 := NewEngine(EngineOptions{
		Gateway:        &fakeCRM{},
		StateBackend:   backend,
		Logger:         testLogger(),
		DisableSweeper: true,
	})
	t.Cleanup(e2.Close)

	if _, err := e2.GetRecord(scope, "r1"); err != nil {
		t.Fatalf("expected record r1 after restart: %v", err)
	}
	page, err := e2.ListGroups(scope, "", 10)
	if err != nil {
		t.Fatalf("list groups after restart failed: %v", err)
	}
	if len(page.Groups) != 1 || len(page.Groups[0].RecordIDs) != 2 {
		t.Fatalf("expected one 2-member group after restart, got %+v", page.Groups)
	}
}

func TestGetExportMissing(t *testing.T) {
	e := newTestEngine(t, &fakeCRM{})
	if _, err := e.GetExport(testScope()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
