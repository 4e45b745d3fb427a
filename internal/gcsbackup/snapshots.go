// Package gcsbackup stores knowledge snapshots in Google Cloud Storage.
package gcsbackup

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/dvloznov/merchant-categorizer/internal/domain"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
	"github.com/dvloznov/merchant-categorizer/internal/logger"
)

// LatestObject is the name, under the prefix, of the most recent snapshot.
const LatestObject = "latest.json"

// SnapshotStore writes timestamped knowledge snapshots to a bucket and keeps a
// copy of the newest one under LatestObject.
type SnapshotStore struct {
	objects ObjectStore
	bucket  string
	prefix  string
	now     func() time.Time
}

// NewSnapshotStore creates a snapshot store writing under bucket/prefix.
func NewSnapshotStore(objects ObjectStore, bucket, prefix string) *SnapshotStore {
	return &SnapshotStore{
		objects: objects,
		bucket:  bucket,
		prefix:  prefix,
		now:     time.Now,
	}
}

// Backup uploads profiles as a new snapshot and returns its URI.
func (s *SnapshotStore) Backup(ctx context.Context, profiles []domain.MerchantProfile) (string, error) {
	log := logger.FromContext(ctx)

	data, err := knowledge.EncodeSnapshot(profiles)
	if err != nil {
		return "", fmt.Errorf("Backup: %w", err)
	}

	object := path.Join(s.prefix, "knowledge-"+s.now().UTC().Format("20060102T150405Z")+".json")
	if err := s.objects.Upload(ctx, s.bucket, object, data); err != nil {
		return "", fmt.Errorf("Backup: upload %s: %w", object, err)
	}
	if err := s.objects.Upload(ctx, s.bucket, path.Join(s.prefix, LatestObject), data); err != nil {
		return "", fmt.Errorf("Backup: upload latest: %w", err)
	}

	uri := GCSURI(s.bucket, object)
	log.Info().
		Str("uri", uri).
		Int("profiles", len(profiles)).
		Msg("Knowledge snapshot uploaded")
	return uri, nil
}

// Fetch downloads and decodes a snapshot. An empty uri selects the latest one.
func (s *SnapshotStore) Fetch(ctx context.Context, uri string) ([]domain.MerchantProfile, error) {
	bucket, object := s.bucket, path.Join(s.prefix, LatestObject)
	if uri != "" {
		var err error
		bucket, object, err = ParseGCSURI(uri)
		if err != nil {
			return nil, fmt.Errorf("Fetch: %w", err)
		}
	}

	data, err := s.objects.Download(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}
	profiles, err := knowledge.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("Fetch %s: %w", GCSURI(bucket, object), err)
	}
	return profiles, nil
}

// BackupStore snapshots every profile currently in store.
func (s *SnapshotStore) BackupStore(ctx context.Context, store *knowledge.Store) (string, error) {
	return s.Backup(ctx, store.Snapshot())
}

// RestoreInto fetches a snapshot and replays it into store.
func (s *SnapshotStore) RestoreInto(ctx context.Context, store *knowledge.Store, uri string) (int, error) {
	profiles, err := s.Fetch(ctx, uri)
	if err != nil {
		return 0, err
	}
	if err := store.Restore(ctx, profiles); err != nil {
		return 0, fmt.Errorf("RestoreInto: %w", err)
	}
	return len(profiles), nil
}
