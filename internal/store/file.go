package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v3"

	"github.com/conveyorhq/conveyor/internal/task"
)

// Supported file store formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

const (
	checksumSuffix = ".checksum"
	backupSuffix   = ".bak"
	lockSuffix     = ".lock"

	lockRetryDelay = 25 * time.Millisecond
)

// fileDoc is the on-disk document shape.
type fileDoc struct {
	Tasks []*task.Task `json:"tasks" yaml:"tasks" toml:"tasks"`
}

// FileStore persists the queue as a single JSON, YAML, or TOML document
// guarded by an OS advisory lock. Every operation acquires the lock, loads
// and verifies the file, applies its change, and replaces the file
// atomically, so other processes always observe a complete generation.
//
// A SHA-256 checksum sidecar detects torn or tampered files. The previous
// good generation is kept as a backup pair and restored automatically when
// the primary fails verification; when both generations fail, operations
// return a *CorruptionError.
type FileStore struct {
	mu     sync.Mutex
	path   string
	format string
	flk    *flock.Flock
	logger *zap.Logger

	// lastGood holds the raw bytes of the most recently verified
	// generation. It seeds the backup pair on the next save.
	lastGood []byte
}

// NewFileStore opens or creates a file-backed store at path. Format is one
// of "json", "yaml", or "toml"; empty selects by file extension with a JSON
// default. The file is verified (and an empty generation created if absent)
// before the store is returned.
func NewFileStore(path, format string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch format {
	case "":
		switch strings.TrimPrefix(filepath.Ext(path), ".") {
		case FormatYAML, "yml":
			format = FormatYAML
		case FormatTOML:
			format = FormatTOML
		default:
			format = FormatJSON
		}
	case FormatJSON, FormatYAML, FormatTOML:
	default:
		return nil, fmt.Errorf("unsupported store format %q", format)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}

	s := &FileStore{
		path:   path,
		format: format,
		// The lock sidecar is never renamed, so its inode stays stable
		// across atomic replacements of the data file.
		flk:    flock.New(path + lockSuffix),
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	// Verify up front so corruption surfaces at open time, not mid-run.
	tasks, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if s.lastGood == nil {
		if err := s.saveLocked(tasks); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put inserts a new task.
func (s *FileStore) Put(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	tasks, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, exists := tasks[t.ID]; exists {
		return fmt.Errorf("task %s: %w", t.ID, ErrDuplicateID)
	}
	for _, dep := range t.Dependencies {
		if _, ok := tasks[dep]; !ok {
			return fmt.Errorf("dependency %s of task %s: %w", dep, t.ID, ErrNotFound)
		}
	}

	tasks[t.ID] = t.Clone()
	return s.saveLocked(tasks)
}

// Get fetches one task by ID.
func (s *FileStore) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	tasks, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	t, ok := tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// List returns all tasks passing the filter, ordered by creation time.
func (s *FileStore) List(ctx context.Context, f Filter) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	tasks, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Match(t, now) {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

// Transition applies a compare-and-swap status change and persists it.
func (s *FileStore) Transition(ctx context.Context, id string, expected, next task.Status, mutate Mutator) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	tasks, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	t, ok := tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err := applyTransition(t, expected, next, mutate, time.Now()); err != nil {
		return nil, err
	}
	if err := s.saveLocked(tasks); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Remove deletes terminal tasks by ID.
func (s *FileStore) Remove(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.unlock()

	tasks, err := s.loadLocked()
	if err != nil {
		return 0, err
	}

	removing := make(map[string]bool, len(ids))
	for _, id := range ids {
		t, ok := tasks[id]
		if !ok {
			continue
		}
		if !t.Status.Terminal() {
			return 0, fmt.Errorf("task %s is %s: %w", id, t.Status, ErrNotTerminal)
		}
		removing[id] = true
	}
	if len(removing) == 0 {
		return 0, nil
	}

	// Surviving tasks must not lose a dependency they still reference.
	for id, t := range tasks {
		if removing[id] {
			continue
		}
		for _, dep := range t.Dependencies {
			if removing[dep] {
				return 0, fmt.Errorf("task %s depends on %s: %w", id, dep, ErrHasDependents)
			}
		}
	}

	for id := range removing {
		delete(tasks, id)
	}
	if err := s.saveLocked(tasks); err != nil {
		return 0, err
	}
	return len(removing), nil
}

// Close releases the advisory lock handle.
func (s *FileStore) Close() error {
	return s.flk.Close()
}

// lock acquires the exclusive advisory lock, retrying until ctx expires.
func (s *FileStore) lock(ctx context.Context) error {
	ok, err := s.flk.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("locking %s: %w", s.flk.Path(), err)
	}
	if !ok {
		return fmt.Errorf("locking %s: lock not acquired", s.flk.Path())
	}
	return nil
}

func (s *FileStore) unlock() {
	if err := s.flk.Unlock(); err != nil {
		s.logger.Warn("store unlock failed", zap.String("path", s.path), zap.Error(err))
	}
}

// loadLocked reads and verifies the data file, falling back to the backup
// generation when verification fails. The advisory lock must be held.
func (s *FileStore) loadLocked() (map[string]*task.Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, bakErr := os.Stat(s.path + backupSuffix); bakErr == nil {
				// A backup without a primary means a save or an external
				// deletion was interrupted; recover rather than start empty.
				return s.recoverLocked("data file missing")
			}
			s.lastGood = nil
			return make(map[string]*task.Task), nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	if sum, err := os.ReadFile(s.path + checksumSuffix); err == nil {
		expected := strings.TrimSpace(string(sum))
		if actual := checksum(data); actual != expected {
			return s.recoverLocked(fmt.Sprintf("checksum mismatch: expected %s, got %s", expected, actual))
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading checksum for %s: %w", s.path, err)
	}
	// A missing checksum file is tolerated: the data may predate
	// checksumming or have been placed by hand. The next save creates one.

	tasks, err := decodeDoc(data, s.format)
	if err != nil {
		return s.recoverLocked(err.Error())
	}
	s.lastGood = data
	return tasks, nil
}

// recoverLocked restores the previous generation from the backup pair.
func (s *FileStore) recoverLocked(reason string) (map[string]*task.Task, error) {
	s.logger.Warn("store failed verification, trying backup",
		zap.String("path", s.path),
		zap.String("reason", reason))

	bakPath := s.path + backupSuffix
	data, err := os.ReadFile(bakPath)
	if err != nil {
		return nil, &CorruptionError{Path: s.path, Reason: reason + "; no usable backup"}
	}

	sum, err := os.ReadFile(s.path + checksumSuffix + backupSuffix)
	if err != nil || checksum(data) != strings.TrimSpace(string(sum)) {
		return nil, &CorruptionError{Path: s.path, Reason: reason + "; backup failed verification"}
	}

	tasks, err := decodeDoc(data, s.format)
	if err != nil {
		return nil, &CorruptionError{Path: s.path, Reason: reason + "; backup undecodable: " + err.Error()}
	}

	// Reinstate the backup as the primary generation.
	if err := writeFileAtomic(s.path, data); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(s.path+checksumSuffix, []byte(checksum(data))); err != nil {
		return nil, err
	}
	s.lastGood = data

	s.logger.Warn("store recovered from backup", zap.String("path", s.path), zap.Int("tasks", len(tasks)))
	return tasks, nil
}

// saveLocked encodes, checksums, and atomically replaces the data file.
// The previous verified generation becomes the backup pair first.
func (s *FileStore) saveLocked(tasks map[string]*task.Task) error {
	list := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		list = append(list, t)
	}
	sortTasks(list)

	data, err := encodeDoc(fileDoc{Tasks: list}, s.format)
	if err != nil {
		return err
	}

	if s.lastGood != nil {
		if err := writeFileAtomic(s.path+backupSuffix, s.lastGood); err != nil {
			return err
		}
		if err := writeFileAtomic(s.path+checksumSuffix+backupSuffix, []byte(checksum(s.lastGood))); err != nil {
			return err
		}
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}
	if err := writeFileAtomic(s.path+checksumSuffix, []byte(checksum(data))); err != nil {
		return err
	}
	s.lastGood = data
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeFileAtomic writes data to path via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func decodeDoc(data []byte, format string) (map[string]*task.Task, error) {
	var doc fileDoc
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decoding json store: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decoding yaml store: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decoding toml store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported store format %q", format)
	}

	tasks := make(map[string]*task.Task, len(doc.Tasks))
	for _, t := range doc.Tasks {
		tasks[t.ID] = t
	}
	return tasks, nil
}

func encodeDoc(doc fileDoc, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding json store: %w", err)
		}
		return data, nil
	case FormatYAML:
		data, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encoding yaml store: %w", err)
		}
		return data, nil
	case FormatTOML:
		buf := new(bytes.Buffer)
		if err := toml.NewEncoder(buf).Encode(doc); err != nil {
			return nil, fmt.Errorf("encoding toml store: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported store format %q", format)
}
