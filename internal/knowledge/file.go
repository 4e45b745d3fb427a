package knowledge

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

	"github.com/dvloznov/merchant-categorizer/internal/domain"
)

const snapshotVersion = 1

// Snapshot is the JSON document written by FileBackend and by the GCS backups.
type Snapshot struct {
	Version  int                      `json:"version"`
	Profiles []domain.MerchantProfile `json:"profiles"`
}

// EncodeSnapshot serializes profiles sorted by merchant key.
func EncodeSnapshot(profiles []domain.MerchantProfile) ([]byte, error) {
	sorted := make([]domain.MerchantProfile, len(profiles))
	copy(sorted, profiles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MerchantKey < sorted[j].MerchantKey })

	data, err := json.MarshalIndent(Snapshot{Version: snapshotVersion, Profiles: sorted}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("EncodeSnapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a snapshot document. Any decoding problem is reported
// as ErrStoreCorrupted.
func DecodeSnapshot(data []byte) ([]domain.MerchantProfile, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", ErrStoreCorrupted, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrStoreCorrupted, snap.Version)
	}
	return snap.Profiles, nil
}

// FileBackend persists the whole knowledge base as one JSON snapshot file,
// rewritten atomically (temp file + rename) on every Save.
type FileBackend struct {
	path string

	mu       sync.Mutex
	profiles map[domain.MerchantKey]domain.MerchantProfile
}

// NewFileBackend creates a backend writing to path. The file is created on
// first Save; "~" is expanded to the home directory.
func NewFileBackend(path string) (*FileBackend, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return nil, fmt.Errorf("NewFileBackend: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, fmt.Errorf("NewFileBackend: creating directory: %w", err)
	}
	return &FileBackend{
		path:     expanded,
		profiles: make(map[domain.MerchantKey]domain.MerchantProfile),
	}, nil
}

// Load implements Backend.
func (b *FileBackend) Load(ctx context.Context) ([]domain.MerchantProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		b.profiles = make(map[domain.MerchantKey]domain.MerchantProfile)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FileBackend.Load: reading %s: %w", b.path, err)
	}

	profiles, err := DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("FileBackend.Load: %s: %w", b.path, err)
	}

	b.profiles = make(map[domain.MerchantKey]domain.MerchantProfile, len(profiles))
	for _, p := range profiles {
		b.profiles[p.MerchantKey] = p.Clone()
	}
	return profiles, nil
}

// Save implements Backend.
func (b *FileBackend) Save(ctx context.Context, profile domain.MerchantProfile) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.profiles[profile.MerchantKey]
	b.profiles[profile.MerchantKey] = profile.Clone()
	if err := b.flushLocked(); err != nil {
		if had {
			b.profiles[profile.MerchantKey] = prev
		} else {
			delete(b.profiles, profile.MerchantKey)
		}
		return err
	}
	return nil
}

// Reset implements Backend.
func (b *FileBackend) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.profiles = make(map[domain.MerchantKey]domain.MerchantProfile)
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("FileBackend.Reset: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) flushLocked() error {
	all := make([]domain.MerchantProfile, 0, len(b.profiles))
	for _, p := range b.profiles {
		all = append(all, p)
	}
	data, err := EncodeSnapshot(all)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".knowledge-*.json")
	if err != nil {
		return fmt.Errorf("FileBackend.Save: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("FileBackend.Save: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("FileBackend.Save: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("FileBackend.Save: replacing %s: %w", b.path, err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

var _ Backend = (*FileBackend)(nil)
