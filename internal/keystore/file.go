package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileSnapshotter persists the record map to a single JSON file, replaced
// atomically on every flush (spec §4.1: "the file is atomically replaced
// (write-tmp + rename)"). Grounded directly on the teacher's
// FileStore.saveData/load (internal/storage/file_store.go).
type FileSnapshotter struct {
	path string
}

// NewFileSnapshotter returns a Snapshotter backed by path, creating its
// parent directory if necessary.
func NewFileSnapshotter(path string) (*FileSnapshotter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("keystore: create snapshot directory: %w", err)
	}
	return &FileSnapshotter{path: path}, nil
}

type snapshotFile struct {
	Records map[string]*Record `json:"records"`
}

// Load reads the snapshot file, returning an empty map if it does not yet
// exist.
func (f *FileSnapshotter) Load() (map[string]*Record, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]*Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	if len(data) == 0 {
		return map[string]*Record{}, nil
	}

	var sf snapshotFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if sf.Records == nil {
		sf.Records = map[string]*Record{}
	}
	return sf.Records, nil
}

// Save atomically replaces the snapshot file's contents.
func (f *FileSnapshotter) Save(records map[string]*Record) error {
	data, err := json.MarshalIndent(snapshotFile{Records: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return os.Chmod(f.path, 0o600)
}
