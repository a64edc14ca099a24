package crmsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StartSync validates remote access, creates a job in START and kicks off
// the fetch loop in the background. A scope with an active job or leftover
// records must be finished (cleaned) before it can sync again.
func (e *Engine) StartSync(ctx context.Context, scope Scope, jobName string) (SyncJob, error) {
	if !scope.Valid() {
		return SyncJob{}, &ValidationError{Message: "owner id and connection key are required"}
	}
	if e.gateway == nil {
		return SyncJob{}, fmt.Errorf("no gateway configured")
	}
	jobName = strings.TrimSpace(jobName)
	if jobName == "" {
		jobName = "sync"
	}

	// Cheap precondition check before touching the network. The
	// authoritative check happens again under the write lock below, so
	// two concurrent starts cannot both create a job.
	e.mu.RLock()
	if st, ok := e.lookupScopeLocked(scope); ok {
		if _, active := activeJobLocked(st); active {
			e.mu.RUnlock()
			return SyncJob{}, &ConflictError{Message: "a sync job is already active for this scope"}
		}
		if len(st.Records) > 0 {
			e.mu.RUnlock()
			return SyncJob{}, &ConflictError{Message: "scope still holds records; finish it before syncing again"}
		}
	}
	e.mu.RUnlock()

	if err := validateAccess(ctx, e.gateway, scope); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) &&
			(httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden) {
			return SyncJob{}, &ValidationError{Message: "remote access rejected: " + httpErr.Message}
		}
		return SyncJob{}, &UpstreamError{Op: "validate-access", Err: err}
	}

	now := time.Now().UTC()
	job := SyncJob{
		ID:         uuid.NewString(),
		Name:       jobName,
		Scope:      scope,
		Status:     JobStatusStart,
		StageLabel: StageFetching,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	e.mu.Lock()
	st := e.scopeLocked(scope)
	if _, active := activeJobLocked(st); active {
		e.mu.Unlock()
		return SyncJob{}, &ConflictError{Message: "a sync job is already active for this scope"}
	}
	if len(st.Records) > 0 {
		e.mu.Unlock()
		return SyncJob{}, &ConflictError{Message: "scope still holds records; finish it before syncing again"}
	}
	st.Jobs[job.ID] = job
	_ = e.saveLocked()
	e.mu.Unlock()

	e.progress.Set(scope, StageFetching, 0, 0, "sync started")
	e.spawn("fetch:"+job.ID, func(ctx context.Context) error {
		return e.runFetchLoop(ctx, scope, job.ID)
	})
	return job, nil
}

// RetryJob re-enters the fetch loop for a job in ERROR. Retry restarts
// pagination from a nil cursor; partial fetch state is not persisted.
func (e *Engine) RetryJob(scope Scope, jobID string) error {
	e.mu.Lock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		e.mu.Unlock()
		return &NotFoundError{Kind: "job", ID: jobID}
	}
	job, ok := st.Jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return &NotFoundError{Kind: "job", ID: jobID}
	}
	if job.Status != JobStatusError {
		e.mu.Unlock()
		return &ConflictError{Message: "job is not in ERROR"}
	}
	job.Status = JobStatusRetrying
	job.LastError = ""
	job.UpdatedAt = time.Now().UTC()
	st.Jobs[jobID] = job
	_ = e.saveLocked()
	e.mu.Unlock()

	e.progress.Set(scope, StageFetching, 0, 0, "sync retrying")
	e.spawn("refetch:"+jobID, func(ctx context.Context) error {
		return e.runFetchLoop(ctx, scope, jobID)
	})
	return nil
}

// erroredJobs snapshots every job currently in ERROR across all scopes.
func (e *Engine) erroredJobs() []SyncJob {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var jobs []SyncJob
	for _, st := range e.scopes {
		for _, job := range st.Jobs {
			if job.Status == JobStatusError {
				jobs = append(jobs, job)
			}
		}
	}
	return jobs
}

// runFetchLoop drives one job through the remote pagination. Other than
// gateway calls the loop only holds the engine lock for short mutations.
func (e *Engine) runFetchLoop(ctx context.Context, scope Scope, jobID string) error {
	// A retry is a full re-fetch, so the running count restarts at zero.
	if err := e.updateJob(scope, jobID, func(job *SyncJob) {
		job.RecordCount = 0
		job.StageLabel = StageFetching
	}); err != nil {
		return err
	}

	cursor := ""
	for {
		page, err := e.gateway.ListPage(ctx, scope, cursor, e.pageSize)
		if err != nil {
			e.logger.Warn("page fetch failed", "scope", scope.Key(), "job", jobID, "error", err)
			e.progress.Set(scope, StageError, 0, 0, err.Error())
			return e.updateJob(scope, jobID, func(job *SyncJob) {
				job.Status = JobStatusError
				job.StageLabel = StageError
				job.LastError = err.Error()
			})
		}
		ingested, err := e.upsertPage(scope, jobID, page.Records)
		if err != nil {
			return err
		}
		e.progress.Set(scope, StageFetching, ingested, 0, "fetching records")
		if page.NextCursor == nil || strings.TrimSpace(*page.NextCursor) == "" {
			break
		}
		cursor = *page.NextCursor
	}

	if err := e.updateJob(scope, jobID, func(job *SyncJob) {
		job.Status = JobStatusFinished
		job.StageLabel = StageDetecting
	}); err != nil {
		return err
	}
	e.progress.Set(scope, StageDetecting, 0, 0, "detecting duplicates")

	if err := e.DetectDuplicates(ctx, scope, nil); err != nil {
		e.progress.Set(scope, StageError, 0, 0, err.Error())
		_ = e.updateJob(scope, jobID, func(job *SyncJob) {
			job.StageLabel = StageError
			job.LastError = err.Error()
		})
		return err
	}

	if err := e.updateJob(scope, jobID, func(job *SyncJob) {
		job.StageLabel = StageReady
	}); err != nil {
		return err
	}
	e.progress.Set(scope, StageReady, 0, 0, "ready to merge")
	e.logger.Info("sync finished", "scope", scope.Key(), "job", jobID)
	return nil
}

// upsertPage bulk-upserts one remote page keyed by external id and advances
// the job count and status. Returns the running count after this page.
func (e *Engine) upsertPage(scope Scope, jobID string, records []RemoteRecord) (int, error) {
	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return 0, &NotFoundError{Kind: "scope", ID: scope.Key()}
	}
	for _, remote := range records {
		externalID := strings.TrimSpace(remote.ExternalID)
		if externalID == "" {
			continue
		}
		if id, exists := st.ExternalIndex[externalID]; exists {
			record := st.Records[id]
			applyRemoteFields(&record, remote)
			record.UpdatedAt = now
			st.Records[id] = record
			continue
		}
		record := Record{
			ID:         uuid.NewString(),
			ExternalID: externalID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		applyRemoteFields(&record, remote)
		st.Records[record.ID] = record
		st.ExternalIndex[externalID] = record.ID
	}

	job, ok := st.Jobs[jobID]
	if !ok {
		return 0, &NotFoundError{Kind: "job", ID: jobID}
	}
	job.Status = JobStatusFetching
	job.RecordCount += len(records)
	job.UpdatedAt = now
	st.Jobs[jobID] = job
	_ = e.saveLocked()
	return job.RecordCount, nil
}

func applyRemoteFields(record *Record, remote RemoteRecord) {
	record.Email = remote.Email
	record.Phone = remote.Phone
	record.FirstName = remote.FirstName
	record.LastName = remote.LastName
	record.Organization = remote.Organization
	if len(remote.Properties) > 0 {
		if record.Properties == nil {
			record.Properties = map[string]string{}
		}
		for k, v := range remote.Properties {
			record.Properties[k] = v
		}
	}
	if !remote.UpdatedAt.IsZero() {
		record.UpdatedAt = remote.UpdatedAt
	}
}

func (e *Engine) updateJob(scope Scope, jobID string, mutate func(job *SyncJob)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return &NotFoundError{Kind: "scope", ID: scope.Key()}
	}
	job, ok := st.Jobs[jobID]
	if !ok {
		return &NotFoundError{Kind: "job", ID: jobID}
	}
	mutate(&job)
	job.UpdatedAt = time.Now().UTC()
	st.Jobs[jobID] = job
	_ = e.saveLocked()
	return nil
}
