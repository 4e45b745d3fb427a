package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/merchant-categorizer/internal/jobs"
)

func TestStoreGetUnknownJob(t *testing.T) {
	t.Parallel()

	_, err := NewStore().GetJob(context.Background(), "missing")
	if !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStoreListJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		status := jobs.JobStatusCompleted
		if id == "b" {
			status = jobs.JobStatusFailed
		}
		if err := store.SaveJob(ctx, &jobs.CategorizeBatchJob{JobID: id, BatchID: "batch", Status: status, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter jobs.JobFilter
		want   []string
	}{
		{name: "all newest first", filter: jobs.JobFilter{}, want: []string{"c", "b", "a"}},
		{name: "by status", filter: jobs.JobFilter{Status: jobs.JobStatusCompleted}, want: []string{"c", "a"}},
		{name: "limit and offset", filter: jobs.JobFilter{Offset: 1, Limit: 1}, want: []string{"b"}},
		{name: "offset past end", filter: jobs.JobFilter{Offset: 5}, want: nil},
		{name: "other batch", filter: jobs.JobFilter{BatchID: "other"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListJobs(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d jobs, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].JobID != id {
					t.Fatalf("job %d = %s, want %s", i, got[i].JobID, id)
				}
			}
		})
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	job := &jobs.CategorizeBatchJob{JobID: "a", Status: jobs.JobStatusPending}
	if err := store.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	job.Status = jobs.JobStatusFailed

	got, _ := store.GetJob(ctx, "a")
	if got.Status != jobs.JobStatusPending {
		t.Fatalf("store shares state with caller: %s", got.Status)
	}
	if err := store.UpdateJobStatus(ctx, "a", jobs.JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	got, _ = store.GetJob(ctx, "a")
	if got.Status != jobs.JobStatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestStorePrune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	cutoff := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour)
	recent := cutoff.Add(time.Hour)

	for _, job := range []*jobs.CategorizeBatchJob{
		{JobID: "old-done", Status: jobs.JobStatusCompleted, CompletedAt: &old},
		{JobID: "old-failed", Status: jobs.JobStatusFailed, CompletedAt: &old},
		{JobID: "recent-done", Status: jobs.JobStatusCompleted, CompletedAt: &recent},
		{JobID: "retrying", Status: jobs.JobStatusRetrying, CompletedAt: &old},
		{JobID: "pending", Status: jobs.JobStatusPending},
	} {
		if err := store.SaveJob(ctx, job); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}

	if n := store.Prune(cutoff); n != 2 {
		t.Fatalf("Prune removed %d jobs, want 2", n)
	}
	for _, id := range []string{"recent-done", "retrying", "pending"} {
		if _, err := store.GetJob(ctx, id); err != nil {
			t.Errorf("job %s should be kept: %v", id, err)
		}
	}
	if _, err := store.GetJob(ctx, "old-done"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("old-done should be pruned, got %v", err)
	}
}
