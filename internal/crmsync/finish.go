package crmsync

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Finish kicks off the terminal sequence for a scope in the background:
// apply pending merges, push staged edits and removals, export the
// surviving records, then wipe the scope. The call returns immediately;
// progress is observed by polling. Cleanup only ever follows a successful
// export: any failure before it leaves the scope intact with the stage
// label set to "error".
func (e *Engine) Finish(ctx context.Context, scope Scope) error {
	if !scope.Valid() {
		return &ValidationError{Message: "owner id and connection key are required"}
	}
	e.mu.Lock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		e.mu.Unlock()
		return &NotFoundError{Kind: "scope", ID: scope.Key()}
	}
	if _, active := activeJobLocked(st); active {
		e.mu.Unlock()
		return &ConflictError{Message: "a sync job is still active for this scope"}
	}
	if job, ok := latestJobLocked(st); ok {
		job.StageLabel = StageApplying
		job.UpdatedAt = time.Now().UTC()
		st.Jobs[job.ID] = job
	}
	_ = e.saveLocked()
	e.mu.Unlock()

	e.progress.Set(scope, StageApplying, 0, 0, "applying updates")
	e.spawn("finish:"+scope.Key(), func(ctx context.Context) error {
		return e.runFinish(ctx, scope)
	})
	return nil
}

func (e *Engine) runFinish(ctx context.Context, scope Scope) error {
	fail := func(step string, err error) error {
		wrapped := fmt.Errorf("finish %s: %w", step, err)
		e.progress.Set(scope, StageError, 0, 0, wrapped.Error())
		_ = e.setStageLabel(scope, StageError)
		return wrapped
	}

	if err := e.applyPendingMerges(ctx, scope); err != nil {
		return fail("pending merges", err)
	}
	e.dropPendingMerges(scope)
	if err := e.applyStagedEdits(ctx, scope); err != nil {
		return fail("staged edits", err)
	}
	if err := e.applyStagedRemovals(ctx, scope); err != nil {
		return fail("staged removals", err)
	}
	if err := e.exportScope(scope); err != nil {
		return fail("export", err)
	}
	e.cleanupScope(scope)
	e.progress.Set(scope, StageFinished, 0, 0, "finished")
	e.logger.Info("finish sequence complete", "scope", scope.Key())
	return nil
}

// applyPendingMerges re-drives every merge record still pending, oldest
// first. Individual gateway failures mark the row failed and move on.
func (e *Engine) applyPendingMerges(ctx context.Context, scope Scope) error {
	e.mu.RLock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		e.mu.RUnlock()
		return nil
	}
	var pending []MergeRecord
	for _, merge := range st.MergeRecords {
		if merge.Status == MergeStatusPending {
			pending = append(pending, merge)
		}
	}
	e.mu.RUnlock()
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for _, merge := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := e.gateway.MergePair(ctx, scope, merge.PrimaryExternalID, merge.SecondaryExternalID)
		if err != nil {
			e.failMerge(scope, merge.ID, err)
			continue
		}
		e.completeMerge(scope, merge.ID, result)
	}
	return nil
}

// dropPendingMerges clears whatever is still pending after the apply pass.
// Completed, failed and reset rows are kept as history.
func (e *Engine) dropPendingMerges(scope Scope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return
	}
	for id, merge := range st.MergeRecords {
		if merge.Status == MergeStatusPending {
			delete(st.MergeRecords, id)
		}
	}
	_ = e.saveLocked()
}

// applyStagedEdits writes each staged edit into the local record and pushes
// the patch upstream. The push is best-effort per record; the local apply
// and the consumption of the edit always happen.
func (e *Engine) applyStagedEdits(ctx context.Context, scope Scope) error {
	e.mu.RLock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		e.mu.RUnlock()
		return nil
	}
	var edits []StagedEdit
	for _, edit := range st.StagedEdits {
		edits = append(edits, edit)
	}
	e.mu.RUnlock()
	sort.Slice(edits, func(i, j int) bool {
		if edits[i].CreatedAt.Equal(edits[j].CreatedAt) {
			return edits[i].ID < edits[j].ID
		}
		return edits[i].CreatedAt.Before(edits[j].CreatedAt)
	})

	for _, edit := range edits {
		if err := ctx.Err(); err != nil {
			return err
		}
		externalID := ""
		e.mu.Lock()
		st, ok := e.lookupScopeLocked(scope)
		if !ok {
			e.mu.Unlock()
			return nil
		}
		if record, exists := st.Records[edit.RecordID]; exists {
			for key, value := range edit.FieldValues {
				record.setFieldValue(key, value)
			}
			record.UpdatedAt = time.Now().UTC()
			st.Records[edit.RecordID] = record
			externalID = record.ExternalID
		}
		delete(st.StagedEdits, edit.ID)
		_ = e.saveLocked()
		e.mu.Unlock()

		if externalID == "" {
			// The record vanished; skip the push rather than abort.
			continue
		}
		if err := e.gateway.PatchRecord(ctx, scope, externalID, edit.FieldValues); err != nil {
			e.logger.Warn("staged edit push failed",
				"scope", scope.Key(), "record", externalID, "error", err)
		}
	}
	return nil
}

// applyStagedRemovals deletes each staged record upstream (best-effort) and
// locally, consuming the removal either way.
func (e *Engine) applyStagedRemovals(ctx context.Context, scope Scope) error {
	e.mu.RLock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		e.mu.RUnlock()
		return nil
	}
	var removals []StagedRemoval
	for _, removal := range st.StagedRemovals {
		removals = append(removals, removal)
	}
	e.mu.RUnlock()
	sort.Slice(removals, func(i, j int) bool {
		if removals[i].CreatedAt.Equal(removals[j].CreatedAt) {
			return removals[i].ID < removals[j].ID
		}
		return removals[i].CreatedAt.Before(removals[j].CreatedAt)
	})

	for _, removal := range removals {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.mu.RLock()
		externalID := ""
		if st, ok := e.lookupScopeLocked(scope); ok {
			if record, exists := st.Records[removal.RecordID]; exists {
				externalID = record.ExternalID
			}
		}
		e.mu.RUnlock()

		if externalID != "" {
			if err := e.gateway.DeleteRecord(ctx, scope, externalID); err != nil {
				e.logger.Warn("staged removal push failed",
					"scope", scope.Key(), "record", externalID, "error", err)
			}
		}

		e.mu.Lock()
		if st, ok := e.lookupScopeLocked(scope); ok {
			if record, exists := st.Records[removal.RecordID]; exists {
				delete(st.ExternalIndex, record.ExternalID)
				delete(st.Records, removal.RecordID)
				removeRecordFromGroupsLocked(st, removal.RecordID)
			}
			delete(st.StagedRemovals, removal.ID)
			_ = e.saveLocked()
		}
		e.mu.Unlock()
	}
	return nil
}

// cleanupScope is the destructive final step: records, groups and staged
// rows go away; jobs and merge history stay.
func (e *Engine) cleanupScope(scope Scope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return
	}
	st.Records = map[string]Record{}
	st.ExternalIndex = map[string]string{}
	st.Groups = map[string]DuplicateGroup{}
	st.StagedEdits = map[string]StagedEdit{}
	st.StagedRemovals = map[string]StagedRemoval{}
	if job, ok := latestJobLocked(st); ok {
		job.StageLabel = StageFinished
		job.UpdatedAt = time.Now().UTC()
		st.Jobs[job.ID] = job
	}
	_ = e.saveLocked()
}

func (e *Engine) setStageLabel(scope Scope, label string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return &NotFoundError{Kind: "scope", ID: scope.Key()}
	}
	job, ok := latestJobLocked(st)
	if !ok {
		return &NotFoundError{Kind: "job", ID: scope.Key()}
	}
	job.StageLabel = label
	job.UpdatedAt = time.Now().UTC()
	st.Jobs[job.ID] = job
	_ = e.saveLocked()
	return nil
}
