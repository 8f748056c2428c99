package attestation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultOutputPath is where the prover CLI writes the received attestation.
const DefaultOutputPath = "/tmp/auditor_zk_attestation.json"

// SaveFile writes record as indented JSON, replacing path atomically.
func SaveFile(path string, record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal attestation: %v", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write attestation: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move attestation into place: %v", err)
	}
	return nil
}

// LoadFile reads a record written by SaveFile.
func LoadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attestation: %v", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse attestation %s: %v", path, err)
	}
	return &record, nil
}

// FileStore archives issued records in a directory, one file per record.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attestation directory: %v", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes record under a name derived from its timestamp and digest and
// returns the path.
func (s *FileStore) Save(sessionID string, record *Record) (string, error) {
	digest := record.CommitmentDigest.String()
	if len(digest) > 18 {
		digest = digest[2:18]
	}
	name := fmt.Sprintf("%s_%s_%s.json", record.IssuedAt().Format("20060102T150405Z"), sessionID, digest)
	path := filepath.Join(s.dir, name)
	if err := SaveFile(path, record); err != nil {
		return "", err
	}
	return path, nil
}

// List returns stored record paths, oldest first.
func (s *FileStore) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// Prune deletes records older than maxAge.
func (s *FileStore) Prune(maxAge time.Duration) (int, error) {
	paths, err := s.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(p) == nil {
			removed++
		}
	}
	return removed, nil
}
