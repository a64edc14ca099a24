package crmsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// scopeState holds everything mirrored and staged for one scope.
type scopeState struct {
	Records        map[string]Record         `json:"records"`
	ExternalIndex  map[string]string         `json:"externalIndex"`
	Jobs           map[string]SyncJob        `json:"jobs"`
	Groups         map[string]DuplicateGroup `json:"groups"`
	StagedEdits    map[string]StagedEdit     `json:"stagedEdits"`
	StagedRemovals map[string]StagedRemoval  `json:"stagedRemovals"`
	MergeRecords   map[string]MergeRecord    `json:"mergeRecords"`
	Export         *ExportArtifact           `json:"export,omitempty"`
}

func newScopeState() *scopeState {
	return &scopeState{
		Records:        map[string]Record{},
		ExternalIndex:  map[string]string{},
		Jobs:           map[string]SyncJob{},
		Groups:         map[string]DuplicateGroup{},
		StagedEdits:    map[string]StagedEdit{},
		StagedRemovals: map[string]StagedRemoval{},
		MergeRecords:   map[string]MergeRecord{},
	}
}

// normalize fills nil maps after a snapshot round-trip.
func (st *scopeState) normalize() {
	if st.Records == nil {
		st.Records = map[string]Record{}
	}
	if st.ExternalIndex == nil {
		st.ExternalIndex = map[string]string{}
	}
	if st.Jobs == nil {
		st.Jobs = map[string]SyncJob{}
	}
	if st.Groups == nil {
		st.Groups = map[string]DuplicateGroup{}
	}
	if st.StagedEdits == nil {
		st.StagedEdits = map[string]StagedEdit{}
	}
	if st.StagedRemovals == nil {
		st.StagedRemovals = map[string]StagedRemoval{}
	}
	if st.MergeRecords == nil {
		st.MergeRecords = map[string]MergeRecord{}
	}
}

type persistedState struct {
	Scopes map[string]*scopeState `json:"scopes"`
}

// StateBackend persists the engine snapshot between restarts. Progress
// state is deliberately excluded; it is ephemeral by contract.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

// JSONFileStateBackend keeps the snapshot in a single JSON file, written
// atomically via a temp file rename.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
