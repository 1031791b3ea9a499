package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomrelay/loomrelay/internal/gatewayerr"
)

// Store persists jobs as a single JSON file: an array of Job records. Every
// mutation runs load-mutate-rewrite under the store lock; the rewrite is
// atomic (write to temp file, fsync, rename).
type Store struct {
	path string

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewStore creates a store backed by path. A missing file is treated as an
// empty job list; the first mutation creates it.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, jobs: make(map[string]*Job)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cron store: %w", err)
	}
	var list []*Job
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse cron store %s: %w", s.path, err)
	}
	for _, job := range list {
		s.jobs[job.ID] = job
	}
	return nil
}

// persist rewrites the backing file. Caller holds s.mu.
func (s *Store) persist() error {
	list := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		list = append(list, job)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAtMs < list[j].CreatedAtMs })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal cron jobs: %v", gatewayerr.ErrStorePersistenceFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("%w: %v", gatewayerr.ErrStorePersistenceFailed, err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", gatewayerr.ErrStorePersistenceFailed, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", gatewayerr.ErrStorePersistenceFailed, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", gatewayerr.ErrStorePersistenceFailed, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", gatewayerr.ErrStorePersistenceFailed, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", gatewayerr.ErrStorePersistenceFailed, err)
	}
	return nil
}

// Add validates, assigns an ID when absent, computes the initial next run,
// and persists the job.
func (s *Store) Add(job *Job) error {
	if err := job.Schedule.Validate(); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()[:8]
	}
	now := time.Now()
	job.CreatedAtMs = now.UnixMilli()
	job.UpdatedAtMs = now.UnixMilli()
	if job.State.NextRunAtMs == 0 {
		next, err := job.Schedule.NextRun(job.State, now)
		if err != nil {
			return err
		}
		if !next.IsZero() {
			job.State.NextRunAtMs = next.UnixMilli()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return s.persist()
}

// Get returns a copy of the job with the given ID.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("cron job %s: %w", id, gatewayerr.ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

// List returns all jobs ordered by creation time.
func (s *Store) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAtMs < list[j].CreatedAtMs })
	return list
}

// Remove deletes a job and persists.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("cron job %s: %w", id, gatewayerr.ErrNotFound)
	}
	delete(s.jobs, id)
	return s.persist()
}

// SetEnabled flips a job's enabled flag and persists. Re-enabling recomputes
// the next run so a long-disabled job doesn't fire immediately on a stale
// instant.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron job %s: %w", id, gatewayerr.ErrNotFound)
	}
	job.Enabled = enabled
	job.UpdatedAtMs = time.Now().UnixMilli()
	if enabled {
		if next, err := job.Schedule.NextRun(job.State, time.Now()); err == nil && !next.IsZero() {
			job.State.NextRunAtMs = next.UnixMilli()
		}
	}
	return s.persist()
}

// MarkFired records one execution: advances last/next run, bumps the run
// count, disables one-shot jobs, and persists. The new next run strictly
// exceeds the previous one.
func (s *Store) MarkFired(id string, firedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron job %s: %w", id, gatewayerr.ErrNotFound)
	}
	job.State.LastRunAtMs = firedAt.UnixMilli()
	job.State.RunCount++
	job.UpdatedAtMs = firedAt.UnixMilli()

	if job.Schedule.Kind == KindAt {
		job.Enabled = false
		job.State.NextRunAtMs = 0
	} else {
		next, err := job.Schedule.NextRun(job.State, firedAt)
		if err != nil {
			return err
		}
		job.State.NextRunAtMs = next.UnixMilli()
	}
	return s.persist()
}

// Due returns copies of enabled jobs whose next run is at or before now.
func (s *Store) Due(now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMs == 0 {
			continue
		}
		if job.State.NextRunAtMs <= now.UnixMilli() {
			cp := *job
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].State.NextRunAtMs < due[j].State.NextRunAtMs })
	return due
}
