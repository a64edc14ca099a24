package crmsync

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ResolveGroup stages the outcome a human chose for one duplicate group:
// one staged edit for the survivor, one staged removal per absorbed record.
// The group is marked merged; nothing is pushed upstream until Finish.
func (e *Engine) ResolveGroup(scope Scope, groupID, survivorID string, fieldValues map[string]string, removedIDs []string) error {
	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return &NotFoundError{Kind: "group", ID: groupID}
	}
	group, ok := st.Groups[groupID]
	if !ok {
		return &NotFoundError{Kind: "group", ID: groupID}
	}
	if group.Merged {
		return &ConflictError{Message: "group is already merged"}
	}
	members := map[string]bool{}
	for _, id := range group.RecordIDs {
		members[id] = true
	}
	if !members[survivorID] {
		return &NotFoundError{Kind: "record", ID: survivorID}
	}
	for _, id := range removedIDs {
		if !members[id] {
			return &NotFoundError{Kind: "record", ID: id}
		}
		if id == survivorID {
			return &ValidationError{Message: "survivor cannot also be removed"}
		}
	}

	edit := StagedEdit{
		ID:           uuid.NewString(),
		GroupID:      groupID,
		RecordID:     survivorID,
		FieldValues:  copyStringMap(fieldValues),
		MergedCount:  len(group.RecordIDs),
		RemovedCount: len(removedIDs),
		CreatedAt:    now,
	}
	st.StagedEdits[edit.ID] = edit
	for _, id := range removedIDs {
		removal := StagedRemoval{
			ID:        uuid.NewString(),
			GroupID:   groupID,
			RecordID:  id,
			CreatedAt: now,
		}
		st.StagedRemovals[removal.ID] = removal
	}
	group.Merged = true
	group.MergedAt = &now
	st.Groups[groupID] = group
	_ = e.saveLocked()
	return nil
}

// MergePair performs one primary<-secondary merge against the external
// system and reconciles the mirrored records. On gateway failure the merge
// record is marked failed and the group stays unmerged for retry.
func (e *Engine) MergePair(ctx context.Context, scope Scope, groupID, primaryExternalID, secondaryExternalID string) (MergeResult, error) {
	e.mu.Lock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		e.mu.Unlock()
		return MergeResult{}, &NotFoundError{Kind: "group", ID: groupID}
	}
	if _, ok := st.Groups[groupID]; !ok {
		e.mu.Unlock()
		return MergeResult{}, &NotFoundError{Kind: "group", ID: groupID}
	}
	if _, ok := st.ExternalIndex[primaryExternalID]; !ok {
		e.mu.Unlock()
		return MergeResult{}, &NotFoundError{Kind: "record", ID: primaryExternalID}
	}
	if _, ok := st.ExternalIndex[secondaryExternalID]; !ok {
		e.mu.Unlock()
		return MergeResult{}, &NotFoundError{Kind: "record", ID: secondaryExternalID}
	}
	merge := MergeRecord{
		ID:                  uuid.NewString(),
		GroupID:             groupID,
		PrimaryExternalID:   primaryExternalID,
		SecondaryExternalID: secondaryExternalID,
		Status:              MergeStatusPending,
		CreatedAt:           time.Now().UTC(),
	}
	st.MergeRecords[merge.ID] = merge
	_ = e.saveLocked()
	e.mu.Unlock()

	result, err := e.gateway.MergePair(ctx, scope, primaryExternalID, secondaryExternalID)
	if err != nil {
		e.failMerge(scope, merge.ID, err)
		return MergeResult{}, &UpstreamError{Op: "merge-pair", Err: err}
	}
	e.completeMerge(scope, merge.ID, result)
	return result, nil
}

func (e *Engine) failMerge(scope Scope, mergeID string, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return
	}
	merge, ok := st.MergeRecords[mergeID]
	if !ok {
		return
	}
	merge.Status = MergeStatusFailed
	merge.Error = cause.Error()
	st.MergeRecords[mergeID] = merge
	_ = e.saveLocked()
	e.logger.Warn("merge failed", "scope", scope.Key(), "merge", mergeID, "error", cause)
}

// completeMerge reconciles the local mirror after a successful remote
// merge: fills gaps in the primary, concatenates emails, drops the
// secondary from group memberships, marks the merge and its group done.
func (e *Engine) completeMerge(scope Scope, mergeID string, result MergeResult) {
	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return
	}
	merge, ok := st.MergeRecords[mergeID]
	if !ok {
		return
	}

	primaryID, primaryOK := st.ExternalIndex[merge.PrimaryExternalID]
	secondaryID, secondaryOK := st.ExternalIndex[merge.SecondaryExternalID]
	if primaryOK && secondaryOK {
		primary := st.Records[primaryID]
		secondary := st.Records[secondaryID]
		reconcileRecords(&primary, secondary)
		primary.UpdatedAt = now

		canonical := strings.TrimSpace(result.CanonicalExternalID)
		if canonical != "" && canonical != primary.ExternalID {
			delete(st.ExternalIndex, primary.ExternalID)
			primary.ExternalID = canonical
			st.ExternalIndex[canonical] = primaryID
		}
		st.Records[primaryID] = primary
	}
	if group, ok := st.Groups[merge.GroupID]; ok && !group.Merged {
		group.Merged = true
		group.MergedAt = &now
		st.Groups[merge.GroupID] = group
	}

	// The secondary entity no longer exists upstream; drop its mirror.
	if secondaryOK {
		if id, indexed := st.ExternalIndex[merge.SecondaryExternalID]; indexed && id == secondaryID {
			delete(st.ExternalIndex, merge.SecondaryExternalID)
		}
		delete(st.Records, secondaryID)
		removeRecordFromGroupsLocked(st, secondaryID)
	}

	merge.Status = MergeStatusCompleted
	merge.CompletedAt = &now
	st.MergeRecords[mergeID] = merge
	_ = e.saveLocked()
}

// reconcileRecords fills empty primary fields from the secondary and
// concatenates distinct emails.
func reconcileRecords(primary *Record, secondary Record) {
	primaryEmail := strings.TrimSpace(primary.Email)
	secondaryEmail := strings.TrimSpace(secondary.Email)
	switch {
	case primaryEmail == "":
		primary.Email = secondaryEmail
	case secondaryEmail != "" && !strings.EqualFold(primaryEmail, secondaryEmail):
		primary.Email = primaryEmail + ";" + secondaryEmail
	}
	for _, field := range []string{FieldPhone, FieldFirstName, FieldLastName, FieldOrganization} {
		if strings.TrimSpace(primary.FieldValue(field)) == "" {
			if v := strings.TrimSpace(secondary.FieldValue(field)); v != "" {
				primary.setFieldValue(field, v)
			}
		}
	}
	for key, value := range secondary.Properties {
		if strings.TrimSpace(primary.Properties[key]) == "" && strings.TrimSpace(value) != "" {
			primary.setFieldValue(key, value)
		}
	}
}

// removeRecordFromGroupsLocked drops a record from every group. Unmerged
// groups that shrink below two members are deleted; merged groups are kept
// as the anchor for their history and a later reset.
func removeRecordFromGroupsLocked(st *scopeState, recordID string) {
	for groupID, group := range st.Groups {
		idx := -1
		for i, id := range group.RecordIDs {
			if id == recordID {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		group.RecordIDs = append(group.RecordIDs[:idx], group.RecordIDs[idx+1:]...)
		if len(group.RecordIDs) < 2 && !group.Merged {
			delete(st.Groups, groupID)
			continue
		}
		st.Groups[groupID] = group
	}
}

// BatchMerge chains MergePair over many secondaries. The external system
// may return a new canonical id after each merge; it becomes the primary
// for the next iteration. A failing secondary never aborts the batch.
func (e *Engine) BatchMerge(ctx context.Context, scope Scope, groupID, primaryExternalID string, secondaryExternalIDs []string) ([]MergeItemResult, error) {
	if strings.TrimSpace(primaryExternalID) == "" || len(secondaryExternalIDs) == 0 {
		return nil, &ValidationError{Message: "primary and at least one secondary are required"}
	}
	primary := primaryExternalID
	results := make([]MergeItemResult, 0, len(secondaryExternalIDs))
	for _, secondary := range secondaryExternalIDs {
		result, err := e.MergePair(ctx, scope, groupID, primary, secondary)
		if err != nil {
			results = append(results, MergeItemResult{
				SecondaryExternalID: secondary,
				Error:               err.Error(),
			})
			continue
		}
		item := MergeItemResult{
			SecondaryExternalID: secondary,
			CanonicalExternalID: result.CanonicalExternalID,
			OK:                  true,
		}
		results = append(results, item)
		if canonical := strings.TrimSpace(result.CanonicalExternalID); canonical != "" {
			primary = canonical
		}
	}
	return results, nil
}

// BatchMergeAll auto-merges every unmerged group of a scope: the most
// recently modified member survives and absorbs the rest. Groups are
// processed in chunks with a pause in between to bound burst load on the
// gateway; failures are reported per group without aborting the chunk.
func (e *Engine) BatchMergeAll(ctx context.Context, scope Scope) ([]GroupMergeResult, error) {
	type plan struct {
		groupID     string
		primary     string
		secondaries []string
		err         string
	}

	e.mu.RLock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		e.mu.RUnlock()
		return []GroupMergeResult{}, nil
	}
	var groups []DuplicateGroup
	for _, group := range st.Groups {
		if !group.Merged {
			groups = append(groups, cloneGroup(group))
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].ID < groups[j].ID
		}
		return groups[i].CreatedAt.Before(groups[j].CreatedAt)
	})

	plans := make([]plan, 0, len(groups))
	for _, group := range groups {
		// Members referencing vanished records are skipped, not fatal.
		var live []Record
		for _, id := range group.RecordIDs {
			if record, exists := st.Records[id]; exists {
				live = append(live, record)
			}
		}
		if len(live) < 2 {
			plans = append(plans, plan{groupID: group.ID, err: "fewer than two live members"})
			continue
		}
		survivor := live[0]
		for _, record := range live[1:] {
			if record.UpdatedAt.After(survivor.UpdatedAt) {
				survivor = record
			}
		}
		p := plan{groupID: group.ID, primary: survivor.ExternalID}
		for _, record := range live {
			if record.ID != survivor.ID {
				p.secondaries = append(p.secondaries, record.ExternalID)
			}
		}
		plans = append(plans, p)
	}
	e.mu.RUnlock()

	results := make([]GroupMergeResult, len(plans))
	e.progress.Set(scope, StageMerging, 0, len(plans), "merging groups")

	for start := 0; start < len(plans); start += e.chunkSize {
		end := start + e.chunkSize
		if end > len(plans) {
			end = len(plans)
		}
		var g errgroup.Group
		g.SetLimit(e.mergeWorkers)
		for i := start; i < end; i++ {
			i := i
			p := plans[i]
			g.Go(func() error {
				if p.err != "" {
					results[i] = GroupMergeResult{GroupID: p.groupID, Error: p.err}
					return nil
				}
				items, err := e.BatchMerge(ctx, scope, p.groupID, p.primary, p.secondaries)
				if err != nil {
					results[i] = GroupMergeResult{GroupID: p.groupID, Error: err.Error()}
					return nil
				}
				ok := true
				for _, item := range items {
					if !item.OK {
						ok = false
						break
					}
				}
				results[i] = GroupMergeResult{GroupID: p.groupID, Items: items, OK: ok}
				return nil
			})
		}
		_ = g.Wait()
		e.progress.Advance(scope, end-start)
		if end < len(plans) {
			if err := sleepContext(ctx, e.chunkPause); err != nil {
				return results[:end], err
			}
		}
	}
	e.progress.Set(scope, StageReady, len(plans), len(plans), "merge pass complete")
	return results, nil
}

// ResetGroup undoes a resolution: staged rows are dropped, completed merge
// records flip to reset, and the group returns to unmerged.
func (e *Engine) ResetGroup(scope Scope, groupID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return &NotFoundError{Kind: "group", ID: groupID}
	}
	group, ok := st.Groups[groupID]
	if !ok {
		return &NotFoundError{Kind: "group", ID: groupID}
	}
	if !group.Merged {
		return &ConflictError{Message: "group is not merged"}
	}
	for id, edit := range st.StagedEdits {
		if edit.GroupID == groupID {
			delete(st.StagedEdits, id)
		}
	}
	for id, removal := range st.StagedRemovals {
		if removal.GroupID == groupID {
			delete(st.StagedRemovals, id)
		}
	}
	for id, merge := range st.MergeRecords {
		if merge.GroupID == groupID && merge.Status == MergeStatusCompleted {
			merge.Status = MergeStatusReset
			st.MergeRecords[id] = merge
		}
	}
	group.Merged = false
	group.MergedAt = nil
	st.Groups[groupID] = group
	_ = e.saveLocked()
	return nil
}

// ResetMergeRecord resets the group that owns one merge record.
func (e *Engine) ResetMergeRecord(scope Scope, mergeID string) error {
	e.mu.RLock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		e.mu.RUnlock()
		return &NotFoundError{Kind: "merge", ID: mergeID}
	}
	merge, ok := st.MergeRecords[mergeID]
	e.mu.RUnlock()
	if !ok {
		return &NotFoundError{Kind: "merge", ID: mergeID}
	}
	return e.ResetGroup(scope, merge.GroupID)
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
