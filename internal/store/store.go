package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

// FilePrefix and TimeLayout name backup files turnstile_backup_20260303_081502.bin.
const (
	FilePrefix = "turnstile_backup_"
	TimeLayout = "20060102_150405"
	fileExt    = ".bin"
)

var ErrNotFound = errors.New("backup not found")

// Store keeps card memory backups as plain files next to JSON metadata.
type Store struct {
	baseDir     string
	metadataDir string
	indexPath   string
	device      string
	now         func() time.Time

	mu sync.Mutex
}

// Index contains quick lookup information for all backups.
type Index struct {
	Backups   map[string]IndexEntry `json:"backups"` // name -> entry
	UpdatedAt time.Time             `json:"updated_at"`
}

// IndexEntry contains summary info for quick listing.
type IndexEntry struct {
	Name        string    `json:"name"`
	ContentHash string    `json:"content_hash"`
	SlotCount   int       `json:"slot_count"`
	Size        int       `json:"size"`
	CapturedAt  time.Time `json:"captured_at"`
}

// DefaultPath returns the default store path (~/.turnstile/backups).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".turnstile", "backups"), nil
}

// Open opens or creates a store at the given path.
func Open(path string) (*Store, error) {
	s := &Store{
		baseDir:     path,
		metadataDir: filepath.Join(path, "metadata"),
		indexPath:   filepath.Join(path, "index.json"),
		now:         time.Now,
	}
	if err := os.MkdirAll(s.metadataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}
	return s, nil
}

// SetDevice records the device address in metadata of later backups.
func (s *Store) SetDevice(device string) { s.device = device }

// Dir returns the directory backups are written to.
func (s *Store) Dir() string { return s.baseDir }

// Save writes backup.Raw and its metadata. It returns the path of the .bin
// file only once both are on disk.
func (s *Store) Save(ctx context.Context, backup model.ConfigBackup) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	captured := backup.CapturedAt
	if captured.IsZero() {
		captured = s.now()
	}
	name := s.freeName(FilePrefix + captured.Format(TimeLayout))
	binPath := filepath.Join(s.baseDir, name+fileExt)

	if err := writeFileAtomic(binPath, backup.Raw); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	meta := ExtractMetadata(name, backup)
	meta.CapturedAt = captured
	meta.Device = s.device
	meta.SavedAt = s.now()

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := writeFileAtomic(s.metadataPath(name), metaJSON); err != nil {
		os.Remove(binPath)
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := s.updateIndex(meta); err != nil {
		return "", fmt.Errorf("failed to update index: %w", err)
	}
	return binPath, nil
}

// Get retrieves backup bytes by name.
func (s *Store) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, normalizeName(name)+fileExt))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return data, err
}

// GetMetadata retrieves backup metadata by name.
func (s *Store) GetMetadata(name string) (*Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(normalizeName(name)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Verify re-hashes a stored backup and compares it with its metadata.
func (s *Store) Verify(name string) error {
	meta, err := s.GetMetadata(name)
	if err != nil {
		return err
	}
	data, err := s.Get(name)
	if err != nil {
		return err
	}
	if got := ContentHash(data); got != meta.ContentHash {
		return fmt.Errorf("backup %s is corrupt: hash %s, metadata says %s", name, ShortHash(got), ShortHash(meta.ContentHash))
	}
	return nil
}

// List returns all backups, newest first.
func (s *Store) List() ([]IndexEntry, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(index.Backups))
	for _, entry := range index.Backups {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CapturedAt.Equal(entries[j].CapturedAt) {
			return entries[i].Name > entries[j].Name
		}
		return entries[i].CapturedAt.After(entries[j].CapturedAt)
	})
	return entries, nil
}

// Latest returns the newest backup.
func (s *Store) Latest() (IndexEntry, error) {
	entries, err := s.List()
	if err != nil {
		return IndexEntry{}, err
	}
	if len(entries) == 0 {
		return IndexEntry{}, ErrNotFound
	}
	return entries[0], nil
}

// Count returns the number of backups in the store.
func (s *Store) Count() (int, error) {
	index, err := s.loadIndex()
	if err != nil {
		return 0, err
	}
	return len(index.Backups), nil
}

// freeName appends a counter when two backups are taken within one second.
func (s *Store) freeName(base string) string {
	name := base
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(s.baseDir, name+fileExt)); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

func (s *Store) metadataPath(name string) string {
	return filepath.Join(s.metadataDir, name+".json")
}

func (s *Store) loadIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return &Index{Backups: make(map[string]IndexEntry)}, nil
	}
	if err != nil {
		return nil, err
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	if index.Backups == nil {
		index.Backups = make(map[string]IndexEntry)
	}
	return &index, nil
}

func (s *Store) updateIndex(meta *Metadata) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	index.Backups[meta.Name] = IndexEntry{
		Name:        meta.Name,
		ContentHash: meta.ContentHash,
		SlotCount:   meta.SlotCount,
		Size:        meta.Size,
		CapturedAt:  meta.CapturedAt,
	}
	index.UpdatedAt = s.now()

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.indexPath, data)
}

// writeFileAtomic writes to a temp file, syncs it and renames it over path,
// so readers see either the old file or the complete new one.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// normalizeName accepts a bare name, a file name or a path.
func normalizeName(name string) string {
	return strings.TrimSuffix(filepath.Base(name), fileExt)
}
