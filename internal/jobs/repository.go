// Package jobs persists job records in the jobs namespace of the state store.
package jobs

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"job-processing-core/internal/models"
	"job-processing-core/internal/store"
)

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Topic  string
	Status models.JobStatus
}

// Repository reads and writes job records.
type Repository struct {
	store store.Store
}

func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// Save writes the full job record.
func (r *Repository) Save(ctx context.Context, j models.Job) error {
	if err := store.SetJSON(ctx, r.store, store.NamespaceJobs, j.ID, j); err != nil {
		return errors.Wrapf(err, "save job %s", j.ID)
	}
	return nil
}

// Get returns errs.ErrNotFound for unknown ids.
func (r *Repository) Get(ctx context.Context, id string) (models.Job, error) {
	j, _, err := store.GetJSON[models.Job](ctx, r.store, store.NamespaceJobs, id)
	return j, err
}

// List returns matching jobs ordered by creation time, oldest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]models.Job, error) {
	all, err := r.store.GetAll(ctx, store.NamespaceJobs)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	out := make([]models.Job, 0, len(all))
	for id, raw := range all {
		var j models.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, errors.Wrapf(err, "decode job %s", id)
		}
		if f.Topic != "" && j.Topic != f.Topic {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}
