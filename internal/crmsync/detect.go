package crmsync

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// matchKeySeparator joins normalized field values into one bucket key.
const matchKeySeparator = "\x1f"

// defaultConditions are the built-in matching strategies, applied in order.
func defaultConditions() []FieldCondition {
	return []FieldCondition{
		{Name: "email", Fields: []string{FieldEmail}},
		{Name: "phone", Fields: []string{FieldPhone}},
		{Name: "name", Fields: []string{FieldFirstName, FieldLastName}},
		{Name: "first-name-phone", Fields: []string{FieldFirstName, FieldPhone}},
		{Name: "name-organization", Fields: []string{FieldFirstName, FieldLastName, FieldOrganization}},
	}
}

// normalizeMatchValue implements the grouping equality: trim, then
// case-insensitive. Empty values never match anything.
func normalizeMatchValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// DetectDuplicates replaces every unmerged group of the scope with the
// groups produced by the given conditions (nil means the configured presets,
// or the built-in strategies). Conditions are evaluated independently in
// order; the first condition to claim a record wins, and a later candidate
// group folds its unclaimed members into the group that already claimed one
// of them. Groups that would end up with fewer than two members are
// discarded. Members of surviving merged groups are left alone.
func (e *Engine) DetectDuplicates(ctx context.Context, scope Scope, conditions []FieldCondition) error {
	if !scope.Valid() {
		return &ValidationError{Message: "owner id and connection key are required"}
	}
	if len(conditions) == 0 {
		conditions = e.presets
	}
	if len(conditions) == 0 {
		conditions = defaultConditions()
	}
	if err := ValidateConditions(conditions); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.lookupScopeLocked(scope)
	if !ok {
		return nil
	}

	claimed := map[string]string{}
	for id, group := range st.Groups {
		if !group.Merged {
			delete(st.Groups, id)
			continue
		}
		// Records already absorbed into a resolved merge stay out of
		// the next detection pass.
		for _, recordID := range group.RecordIDs {
			claimed[recordID] = ""
		}
	}

	recordIDs := make([]string, 0, len(st.Records))
	for id := range st.Records {
		recordIDs = append(recordIDs, id)
	}
	sort.Strings(recordIDs)

	for _, cond := range conditions {
		buckets := map[string][]string{}
		for _, id := range recordIDs {
			record := st.Records[id]
			key, ok := conditionKey(record, cond)
			if !ok {
				continue
			}
			buckets[key] = append(buckets[key], id)
		}
		keys := make([]string, 0, len(buckets))
		for key := range buckets {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			members := buckets[key]
			if len(members) < 2 {
				continue
			}
			targetGroupID := ""
			unclaimed := make([]string, 0, len(members))
			for _, id := range members {
				owner, isClaimed := claimed[id]
				if !isClaimed {
					unclaimed = append(unclaimed, id)
					continue
				}
				if targetGroupID == "" && owner != "" {
					targetGroupID = owner
				}
			}
			if targetGroupID != "" {
				group := st.Groups[targetGroupID]
				for _, id := range unclaimed {
					group.RecordIDs = append(group.RecordIDs, id)
					claimed[id] = targetGroupID
				}
				st.Groups[targetGroupID] = group
				continue
			}
			if len(unclaimed) < 2 {
				continue
			}
			group := DuplicateGroup{
				ID:        uuid.NewString(),
				RecordIDs: unclaimed,
				Rule:      cond.Name,
				CreatedAt: now,
			}
			st.Groups[group.ID] = group
			for _, id := range unclaimed {
				claimed[id] = group.ID
			}
		}
	}

	_ = e.saveLocked()
	e.logger.Info("duplicate detection finished",
		"scope", scope.Key(), "conditions", len(conditions), "groups", len(st.Groups))
	return nil
}

// conditionKey builds the bucket key for one record under one condition.
// Every named field must be non-empty after trimming, otherwise the record
// cannot match under this condition at all.
func conditionKey(record Record, cond FieldCondition) (string, bool) {
	parts := make([]string, 0, len(cond.Fields))
	for _, field := range cond.Fields {
		v := normalizeMatchValue(record.FieldValue(strings.TrimSpace(field)))
		if v == "" {
			return "", false
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, matchKeySeparator), true
}
