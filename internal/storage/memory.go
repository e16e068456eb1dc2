// Package storage contains the in-memory implementation of repository.Store
// used for local runs and for exercising the orchestrator in tests.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/repository"
)

// MemoryStore guards a tables snapshot with an RWMutex. WithTx works on a
// copy of the snapshot and swaps it in only when fn succeeds, so a failed
// transaction leaves no trace.
type MemoryStore struct {
	mu sync.RWMutex
	t  *tables
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{t: newTables()}
}

var _ repository.Store = (*MemoryStore)(nil)

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.t.clone()
	if err := fn(ctx, snapshot); err != nil {
		return err
	}
	m.t = snapshot
	return nil
}

func (m *MemoryStore) write(fn func(t *tables) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.t)
}

func (m *MemoryStore) EnsureUser(ctx context.Context, u *model.User) error {
	return m.write(func(t *tables) error { return t.EnsureUser(ctx, u) })
}

func (m *MemoryStore) InsertUpload(ctx context.Context, u *model.Upload) (bool, error) {
	var inserted bool
	err := m.write(func(t *tables) error {
		var err error
		inserted, err = t.InsertUpload(ctx, u)
		return err
	})
	return inserted, err
}

func (m *MemoryStore) GetUpload(ctx context.Context, id string) (*model.Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.GetUpload(ctx, id)
}

func (m *MemoryStore) ListUploadsByUser(ctx context.Context, userID string) ([]model.Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.ListUploadsByUser(ctx, userID)
}

func (m *MemoryStore) UpdateUploadStatus(ctx context.Context, id string, status model.UploadStatus, duration *float64) error {
	return m.write(func(t *tables) error { return t.UpdateUploadStatus(ctx, id, status, duration) })
}

func (m *MemoryStore) DeleteUpload(ctx context.Context, id string) error {
	return m.write(func(t *tables) error { return t.DeleteUpload(ctx, id) })
}

func (m *MemoryStore) InsertJob(ctx context.Context, j *model.Job) error {
	return m.write(func(t *tables) error { return t.InsertJob(ctx, j) })
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.GetJob(ctx, id)
}

func (m *MemoryStore) GetJobForUpdate(ctx context.Context, id string) (*model.Job, error) {
	return m.GetJob(ctx, id)
}

func (m *MemoryStore) UpdateJob(ctx context.Context, j *model.Job) error {
	return m.write(func(t *tables) error { return t.UpdateJob(ctx, j) })
}

func (m *MemoryStore) ListJobsByUpload(ctx context.Context, uploadID string) ([]model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.ListJobsByUpload(ctx, uploadID)
}

func (m *MemoryStore) ListJobsByUser(ctx context.Context, userID string) ([]model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.ListJobsByUser(ctx, userID)
}

func (m *MemoryStore) ListStaleJobs(ctx context.Context, status model.JobStatus, cutoff time.Time) ([]model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.ListStaleJobs(ctx, status, cutoff)
}

func (m *MemoryStore) ReplaceCuts(ctx context.Context, uploadID string, cuts []model.Cut) error {
	return m.write(func(t *tables) error { return t.ReplaceCuts(ctx, uploadID, cuts) })
}

func (m *MemoryStore) ListCuts(ctx context.Context, uploadID string) ([]model.Cut, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.ListCuts(ctx, uploadID)
}

func (m *MemoryStore) ListCutsByUser(ctx context.Context, userID string) ([]model.Cut, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.ListCutsByUser(ctx, userID)
}

func (m *MemoryStore) InsertClip(ctx context.Context, c *model.Clip) error {
	return m.write(func(t *tables) error { return t.InsertClip(ctx, c) })
}

func (m *MemoryStore) GetClip(ctx context.Context, id string) (*model.Clip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.GetClip(ctx, id)
}

func (m *MemoryStore) UpdateClip(ctx context.Context, c *model.Clip) error {
	return m.write(func(t *tables) error { return t.UpdateClip(ctx, c) })
}

func (m *MemoryStore) DeleteClip(ctx context.Context, id string) error {
	return m.write(func(t *tables) error { return t.DeleteClip(ctx, id) })
}

func (m *MemoryStore) ListClips(ctx context.Context, userID, uploadID string) ([]model.Clip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.ListClips(ctx, userID, uploadID)
}

// tables is the unlocked data set. It implements repository.Repository and is
// handed to WithTx callbacks directly.
type tables struct {
	users   map[string]model.User
	uploads map[string]model.Upload
	jobs    map[string]model.Job
	cuts    map[string][]model.Cut
	clips   map[string]model.Clip
}

func newTables() *tables {
	return &tables{
		users:   make(map[string]model.User),
		uploads: make(map[string]model.Upload),
		jobs:    make(map[string]model.Job),
		cuts:    make(map[string][]model.Cut),
		clips:   make(map[string]model.Clip),
	}
}

// clone copies every map. Values are copied by assignment; slices of cuts
// are copied because ReplaceCuts swaps them rather than mutating in place.
func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.users {
		c.users[k] = v
	}
	for k, v := range t.uploads {
		c.uploads[k] = v
	}
	for k, v := range t.jobs {
		c.jobs[k] = v
	}
	for k, v := range t.cuts {
		c.cuts[k] = append([]model.Cut(nil), v...)
	}
	for k, v := range t.clips {
		c.clips[k] = v
	}
	return c
}

func (t *tables) EnsureUser(_ context.Context, u *model.User) error {
	if existing, ok := t.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	t.users[u.ID] = *u
	return nil
}

func (t *tables) InsertUpload(_ context.Context, u *model.Upload) (bool, error) {
	if _, ok := t.uploads[u.ID]; ok {
		return false, nil
	}
	stored := *u
	stored.Jobs, stored.Cuts = nil, nil
	t.uploads[u.ID] = stored
	return true, nil
}

func (t *tables) GetUpload(_ context.Context, id string) (*model.Upload, error) {
	u, ok := t.uploads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return bare(u), nil
}

func bare(u model.Upload) *model.Upload {
	if u.DurationSeconds != nil {
		d := *u.DurationSeconds
		u.DurationSeconds = &d
	}
	u.Jobs = []model.Job{}
	u.Cuts = []model.Cut{}
	return &u
}

func (t *tables) ListUploadsByUser(_ context.Context, userID string) ([]model.Upload, error) {
	out := []model.Upload{}
	for _, u := range t.uploads {
		if u.UserID == userID {
			out = append(out, *bare(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (t *tables) UpdateUploadStatus(_ context.Context, id string, status model.UploadStatus, duration *float64) error {
	u, ok := t.uploads[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Status = status
	if duration != nil {
		d := *duration
		u.DurationSeconds = &d
	}
	u.UpdatedAt = time.Now().UTC()
	t.uploads[id] = u
	return nil
}

// DeleteUpload cascades to jobs, cuts and clips the way the foreign keys do.
func (t *tables) DeleteUpload(_ context.Context, id string) error {
	if _, ok := t.uploads[id]; !ok {
		return repository.ErrNotFound
	}
	delete(t.uploads, id)
	delete(t.cuts, id)
	for jid, j := range t.jobs {
		if j.UploadID == id {
			delete(t.jobs, jid)
		}
	}
	for cid, c := range t.clips {
		if c.UploadID == id {
			delete(t.clips, cid)
		}
	}
	return nil
}

func (t *tables) InsertJob(_ context.Context, j *model.Job) error {
	if j.Status.Active() {
		for _, other := range t.jobs {
			if other.UploadID == j.UploadID && other.Type == j.Type && other.Status.Active() {
				return repository.ErrActiveJobExists
			}
		}
	}
	t.jobs[j.ID] = *j
	return nil
}

func (t *tables) GetJob(_ context.Context, id string) (*model.Job, error) {
	j, ok := t.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &j, nil
}

func (t *tables) GetJobForUpdate(ctx context.Context, id string) (*model.Job, error) {
	return t.GetJob(ctx, id)
}

func (t *tables) UpdateJob(_ context.Context, j *model.Job) error {
	if _, ok := t.jobs[j.ID]; !ok {
		return repository.ErrNotFound
	}
	t.jobs[j.ID] = *j
	return nil
}

func (t *tables) ListJobsByUpload(_ context.Context, uploadID string) ([]model.Job, error) {
	return t.filterJobs(func(j model.Job) bool { return j.UploadID == uploadID }), nil
}

func (t *tables) ListJobsByUser(_ context.Context, userID string) ([]model.Job, error) {
	return t.filterJobs(func(j model.Job) bool {
		u, ok := t.uploads[j.UploadID]
		return ok && u.UserID == userID
	}), nil
}

func (t *tables) ListStaleJobs(_ context.Context, status model.JobStatus, cutoff time.Time) ([]model.Job, error) {
	return t.filterJobs(func(j model.Job) bool {
		if j.Status != status {
			return false
		}
		if status == model.JobProcessing {
			return j.StartedAt != nil && j.StartedAt.Before(cutoff)
		}
		return j.QueuedAt.Before(cutoff)
	}), nil
}

func (t *tables) filterJobs(keep func(model.Job) bool) []model.Job {
	out := []model.Job{}
	for _, j := range t.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].Attempt < out[j].Attempt
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

func (t *tables) ReplaceCuts(_ context.Context, uploadID string, cuts []model.Cut) error {
	if _, ok := t.uploads[uploadID]; !ok {
		return repository.ErrNotFound
	}
	next := make([]model.Cut, len(cuts))
	for i, c := range cuts {
		c.UploadID = uploadID
		next[i] = c
	}
	t.cuts[uploadID] = next
	return nil
}

func (t *tables) ListCuts(_ context.Context, uploadID string) ([]model.Cut, error) {
	out := append([]model.Cut{}, t.cuts[uploadID]...)
	sortCuts(out)
	return out, nil
}

func (t *tables) ListCutsByUser(_ context.Context, userID string) ([]model.Cut, error) {
	out := []model.Cut{}
	for uploadID, cuts := range t.cuts {
		if u, ok := t.uploads[uploadID]; ok && u.UserID == userID {
			out = append(out, cuts...)
		}
	}
	sortCuts(out)
	return out, nil
}

func sortCuts(cuts []model.Cut) {
	sort.SliceStable(cuts, func(i, j int) bool { return cuts[i].StartTime < cuts[j].StartTime })
}

func (t *tables) InsertClip(_ context.Context, c *model.Clip) error {
	if _, ok := t.uploads[c.UploadID]; !ok {
		return repository.ErrNotFound
	}
	t.clips[c.ID] = *c
	return nil
}

func (t *tables) GetClip(_ context.Context, id string) (*model.Clip, error) {
	c, ok := t.clips[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (t *tables) UpdateClip(_ context.Context, c *model.Clip) error {
	if _, ok := t.clips[c.ID]; !ok {
		return repository.ErrNotFound
	}
	t.clips[c.ID] = *c
	return nil
}

func (t *tables) DeleteClip(_ context.Context, id string) error {
	if _, ok := t.clips[id]; !ok {
		return repository.ErrNotFound
	}
	delete(t.clips, id)
	return nil
}

func (t *tables) ListClips(_ context.Context, userID, uploadID string) ([]model.Clip, error) {
	out := []model.Clip{}
	for _, c := range t.clips {
		if c.UserID != userID || (uploadID != "" && c.UploadID != uploadID) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
