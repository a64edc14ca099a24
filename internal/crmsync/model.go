package crmsync

import (
	"strings"
	"time"
)

// Scope isolates one customer's mirrored data set: the owner plus the
// connection key of the CRM connection the records came from.
type Scope struct {
	OwnerID       string `json:"ownerId"`
	ConnectionKey string `json:"connectionKey"`
}

func (s Scope) Key() string {
	return s.OwnerID + "|" + s.ConnectionKey
}

func (s Scope) Valid() bool {
	return strings.TrimSpace(s.OwnerID) != "" && strings.TrimSpace(s.ConnectionKey) != ""
}

// Fixed comparison field keys. Any other key addresses the property bag.
const (
	FieldEmail        = "email"
	FieldPhone        = "phone"
	FieldFirstName    = "firstName"
	FieldLastName     = "lastName"
	FieldOrganization = "organization"
)

// Record is a locally mirrored copy of one external CRM entity.
type Record struct {
	ID           string            `json:"id"`
	ExternalID   string            `json:"externalId"`
	Email        string            `json:"email,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	FirstName    string            `json:"firstName,omitempty"`
	LastName     string            `json:"lastName,omitempty"`
	Organization string            `json:"organization,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// FieldValue resolves a comparison field or property-bag key.
func (r Record) FieldValue(key string) string {
	switch key {
	case FieldEmail:
		return r.Email
	case FieldPhone:
		return r.Phone
	case FieldFirstName:
		return r.FirstName
	case FieldLastName:
		return r.LastName
	case FieldOrganization:
		return r.Organization
	default:
		return r.Properties[key]
	}
}

func (r *Record) setFieldValue(key, value string) {
	switch key {
	case FieldEmail:
		r.Email = value
	case FieldPhone:
		r.Phone = value
	case FieldFirstName:
		r.FirstName = value
	case FieldLastName:
		r.LastName = value
	case FieldOrganization:
		r.Organization = value
	default:
		if r.Properties == nil {
			r.Properties = map[string]string{}
		}
		r.Properties[key] = value
	}
}

type JobStatus string

const (
	JobStatusStart    JobStatus = "START"
	JobStatusFetching JobStatus = "FETCHING"
	JobStatusFinished JobStatus = "FINISHED"
	JobStatusError    JobStatus = "ERROR"
	JobStatusRetrying JobStatus = "RETRYING"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusFinished || s == JobStatusError
}

// Stage labels shown to pollers. Descriptive only; they never gate the
// job status machine.
const (
	StageFetching  = "fetching"
	StageDetecting = "detecting duplicates"
	StageReady     = "ready to merge"
	StageMerging   = "merging groups"
	StageApplying  = "applying updates"
	StageFinished  = "finished"
	StageError     = "error"
)

// SyncJob is one run of the ingestion pipeline.
type SyncJob struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Scope       Scope     `json:"scope"`
	Status      JobStatus `json:"status"`
	StageLabel  string    `json:"stageLabel"`
	RecordCount int       `json:"recordCount"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DuplicateGroup is a set of record ids believed to be the same entity.
// Unmerged groups always hold at least two members.
type DuplicateGroup struct {
	ID        string     `json:"id"`
	RecordIDs []string   `json:"recordIds"`
	Rule      string     `json:"rule,omitempty"`
	Merged    bool       `json:"merged"`
	MergedAt  *time.Time `json:"mergedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// StagedEdit holds field values proposed for a surviving record, plus the
// provenance of the resolution that produced it.
type StagedEdit struct {
	ID           string            `json:"id"`
	GroupID      string            `json:"groupId"`
	RecordID     string            `json:"recordId"`
	FieldValues  map[string]string `json:"fieldValues"`
	MergedCount  int               `json:"mergedCount"`
	RemovedCount int               `json:"removedCount"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// StagedRemoval marks one record for deletion from the external system.
type StagedRemoval struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"groupId"`
	RecordID  string    `json:"recordId"`
	CreatedAt time.Time `json:"createdAt"`
}

type MergeStatus string

const (
	MergeStatusPending   MergeStatus = "pending"
	MergeStatusCompleted MergeStatus = "completed"
	MergeStatusFailed    MergeStatus = "failed"
	MergeStatusReset     MergeStatus = "reset"
)

// MergeRecord is the audit row of one primary<-secondary merge attempt.
// Rows are kept as history; reset returns the owning group to unmerged.
type MergeRecord struct {
	ID                  string      `json:"id"`
	GroupID             string      `json:"groupId"`
	PrimaryExternalID   string      `json:"primaryExternalId"`
	SecondaryExternalID string      `json:"secondaryExternalId"`
	Status              MergeStatus `json:"status"`
	Error               string      `json:"error,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	CompletedAt         *time.Time  `json:"completedAt,omitempty"`
}

// ExportArtifact is the flat tabular file produced by the finish sequence.
type ExportArtifact struct {
	Path      string    `json:"path"`
	Content   []byte    `json:"content"`
	RowCount  int       `json:"rowCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// FieldCondition is a named set of field keys used as a duplicate-matching
// rule. Two records match under a condition iff every named field is
// non-empty on both and compares equal case-insensitively after trimming.
type FieldCondition struct {
	Name   string   `json:"name" yaml:"name"`
	Fields []string `json:"fields" yaml:"fields"`
}

// MergeItemResult reports the outcome of one secondary within a batch merge.
type MergeItemResult struct {
	SecondaryExternalID string `json:"secondaryExternalId"`
	CanonicalExternalID string `json:"canonicalExternalId,omitempty"`
	OK                  bool   `json:"ok"`
	Error               string `json:"error,omitempty"`
}

// GroupMergeResult reports the outcome of one group within a merge-all pass.
type GroupMergeResult struct {
	GroupID string            `json:"groupId"`
	Items   []MergeItemResult `json:"items"`
	OK      bool              `json:"ok"`
	Error   string            `json:"error,omitempty"`
}

// GroupPage is one page of a cursor-paginated group listing.
type GroupPage struct {
	Groups     []DuplicateGroup `json:"groups"`
	NextCursor *string          `json:"nextCursor"`
}
