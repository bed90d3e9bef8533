// Package artifact implements the coordinator's append-only, file-backed artifact
// tree: one directory per job, one file per finalized artifact, temp-then-rename
// writes so readers never observe partial bytes.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/crowdcompute/pkg/apierr"
	"github.com/cuemby/crowdcompute/pkg/log"
	"github.com/cuemby/crowdcompute/pkg/metrics"
	"github.com/rs/zerolog"
)

const tmpPrefix = ".tmp-"

// Ref describes a finalized artifact.
type Ref struct {
	JobID string
	Name  string
	Size  int64
	Hash  string
}

// Store is the file-backed artifact tree rooted at a single directory.
type Store struct {
	root   string
	logger zerolog.Logger

	mu    sync.Mutex
	jobs  map[string]bool
	order map[string][]string // job_id -> artifact names in creation order
}

// NewStore creates a store rooted at root, creating the directory if necessary.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{
		root:   root,
		logger: log.WithComponent("artifact"),
		jobs:   make(map[string]bool),
		order:  make(map[string][]string),
	}, nil
}

// EnsureJob creates the job's directory, making it a valid target for Put. Idempotent.
func (s *Store) EnsureJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureJobLocked(jobID)
}

func (s *Store) ensureJobLocked(jobID string) error {
	if s.jobs[jobID] {
		return nil
	}
	dir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	s.jobs[jobID] = true
	if s.order[jobID] == nil {
		s.order[jobID] = nil
	}
	return nil
}

func (s *Store) jobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// Put atomically writes bytes under (jobID, name) via temp-then-rename. It fails
// with apierr.ErrJobUnknown if the job directory was never created and with
// apierr.ErrConflict if the name is already finalized.
func (s *Store) Put(jobID, name string, data []byte) (Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.jobs[jobID] {
		return Ref{}, fmt.Errorf("job %s: %w", jobID, apierr.ErrJobUnknown)
	}
	dir := s.jobDir(jobID)
	final := filepath.Join(dir, name)
	if _, err := os.Stat(final); err == nil {
		return Ref{}, fmt.Errorf("artifact %s/%s: %w", jobID, name, apierr.ErrConflict)
	}

	tmp := filepath.Join(dir, fmt.Sprintf("%s%s-%d", tmpPrefix, name, len(s.order[jobID])))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("write temp artifact: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return Ref{}, fmt.Errorf("finalize artifact: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	s.order[jobID] = append(s.order[jobID], name)
	metrics.ArtifactBytesWrittenTotal.Add(float64(len(data)))
	s.logger.Debug().Str("job_id", jobID).Str("name", name).Int("bytes", len(data)).Msg("artifact finalized")

	return Ref{JobID: jobID, Name: name, Size: int64(len(data)), Hash: hash}, nil
}

// Get returns the finalized bytes and content hash for (jobID, name).
func (s *Store) Get(jobID, name string) ([]byte, string, error) {
	s.mu.Lock()
	known := s.jobs[jobID]
	s.mu.Unlock()
	if !known {
		return nil, "", fmt.Errorf("job %s: %w", jobID, apierr.ErrNotFound)
	}

	path := filepath.Join(s.jobDir(jobID), name)
	if strings.HasPrefix(filepath.Base(path), tmpPrefix) {
		return nil, "", fmt.Errorf("artifact %s/%s: %w", jobID, name, apierr.ErrNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("artifact %s/%s: %w", jobID, name, apierr.ErrNotFound)
		}
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// List returns finalized artifact names for jobID in creation order. The order
// slice is itself append-only, so creation order already is the tie-break: two
// artifacts can never share a creation instant.
func (s *Store) List(jobID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.jobs[jobID] {
		return nil, fmt.Errorf("job %s: %w", jobID, apierr.ErrNotFound)
	}
	return append([]string(nil), s.order[jobID]...), nil
}

// Drop removes all artifacts for jobID atomically from readers' perspective: the
// directory is renamed aside before being removed, so no reader observes a partial
// teardown.
func (s *Store) Drop(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.jobs[jobID] {
		return nil
	}
	dir := s.jobDir(jobID)
	trash := dir + tmpPrefix + "drop"
	if err := os.Rename(dir, trash); err != nil {
		if os.IsNotExist(err) {
			delete(s.jobs, jobID)
			delete(s.order, jobID)
			return nil
		}
		return fmt.Errorf("stage job dir for removal: %w", err)
	}
	delete(s.jobs, jobID)
	delete(s.order, jobID)
	return os.RemoveAll(trash)
}
