// Package memstore holds the in-memory store used by single-process
// deployments and tests. One mutex guards everything, which is what
// makes the claim path trivially atomic.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/core/domain"
)

type workerEntry struct {
	worker    domain.Worker
	expiresAt time.Time
}

// Store implements ports.Store over process-local maps.
type Store struct {
	mu        sync.Mutex
	jobs      map[domain.JobID]*domain.Job
	pending   []domain.JobID
	workers   map[domain.WorkerID]*workerEntry
	workflows map[domain.WorkflowID]*domain.Workflow
	now       func() time.Time
}

func New() *Store {
	return &Store{
		jobs:      make(map[domain.JobID]*domain.Job),
		workers:   make(map[domain.WorkerID]*workerEntry),
		workflows: make(map[domain.WorkflowID]*domain.Workflow),
		now:       time.Now,
	}
}

func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *Store) UpdateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return domain.ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) EnqueueJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneJob(job)
	stored.Status = domain.JobStatusPending
	s.jobs[stored.ID] = stored
	s.insertPending(stored.ID)
	return nil
}

func (s *Store) ClaimJob(ctx context.Context, workerID domain.WorkerID, machineID string, limit int, match func(domain.Job) bool) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.workers[workerID]
	if !ok || s.now().After(entry.expiresAt) {
		return nil, domain.ErrWorkerNotFound
	}
	if entry.worker.Status == domain.WorkerStatusBusy {
		return nil, domain.ErrConflict
	}

	scanned := 0
	for i, id := range s.pending {
		if scanned >= limit {
			break
		}
		job, ok := s.jobs[id]
		if !ok || job.Status != domain.JobStatusPending {
			continue
		}
		scanned++
		if !match(*cloneJob(job)) {
			continue
		}

		now := s.now()
		s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
		job.Status = domain.JobStatusAssigned
		wid := workerID
		job.WorkerID = &wid
		job.MachineID = machineID
		job.AssignedAt = &now
		job.UpdatedAt = now

		entry.worker.Status = domain.WorkerStatusBusy
		jid := job.ID
		entry.worker.CurrentJobID = &jid
		return cloneJob(job), nil
	}
	return nil, domain.ErrNoMatch
}

func (s *Store) TransitionJob(ctx context.Context, id domain.JobID, from []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !statusIn(job.Status, from) {
		return nil, domain.ErrConflict
	}
	mutate(job)
	return cloneJob(job), nil
}

func (s *Store) RequeueJob(ctx context.Context, id domain.JobID, from []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !statusIn(job.Status, from) {
		return nil, domain.ErrConflict
	}
	mutate(job)
	job.Status = domain.JobStatusPending
	job.WorkerID = nil
	job.MachineID = ""
	s.insertPending(id)
	return cloneJob(job), nil
}

func (s *Store) DequeueJob(ctx context.Context, id domain.JobID, from []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !statusIn(job.Status, from) {
		return nil, domain.ErrConflict
	}
	s.removePending(id)
	mutate(job)
	return cloneJob(job), nil
}

func (s *Store) ListJobs(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, *cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PendingJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, limit)
	for _, id := range s.pending {
		if len(out) >= limit {
			break
		}
		if job, ok := s.jobs[id]; ok && job.Status == domain.JobStatusPending {
			out = append(out, *cloneJob(job))
		}
	}
	return out, nil
}

func (s *Store) RegisterWorker(ctx context.Context, w *domain.Worker, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = &workerEntry{worker: *cloneWorker(w), expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *Store) HeartbeatWorker(ctx context.Context, id domain.WorkerID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.workers[id]
	if !ok || s.now().After(entry.expiresAt) {
		return domain.ErrWorkerNotFound
	}
	entry.worker.LastHeartbeat = s.now()
	entry.expiresAt = s.now().Add(ttl)
	return nil
}

func (s *Store) GetWorker(ctx context.Context, id domain.WorkerID) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.workers[id]
	if !ok || s.now().After(entry.expiresAt) {
		return nil, domain.ErrWorkerNotFound
	}
	return cloneWorker(&entry.worker), nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]domain.Worker, 0, len(s.workers))
	for _, entry := range s.workers {
		if now.After(entry.expiresAt) {
			continue
		}
		out = append(out, *cloneWorker(&entry.worker))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RemoveWorker(ctx context.Context, id domain.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[id]; !ok {
		return domain.ErrWorkerNotFound
	}
	delete(s.workers, id)
	return nil
}

func (s *Store) ReleaseWorker(ctx context.Context, id domain.WorkerID, jobID domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.workers[id]
	if !ok {
		return nil
	}
	if entry.worker.CurrentJobID == nil || *entry.worker.CurrentJobID != jobID {
		return nil
	}
	entry.worker.CurrentJobID = nil
	entry.worker.Status = domain.WorkerStatusIdle
	return nil
}

func (s *Store) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id domain.WorkflowID) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	return cloneWorkflow(wf), nil
}

func (s *Store) TransitionWorkflow(ctx context.Context, id domain.WorkflowID, mutate func(*domain.Workflow) bool) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	next := cloneWorkflow(wf)
	if !mutate(next) {
		return cloneWorkflow(wf), nil
	}
	s.workflows[id] = next
	return cloneWorkflow(next), nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, *cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// insertPending keeps the index ordered best-first: score descending,
// then job ID for a stable total order.
func (s *Store) insertPending(id domain.JobID) {
	s.removePending(id)
	idx := sort.Search(len(s.pending), func(i int) bool {
		a := s.jobs[s.pending[i]]
		b := s.jobs[id]
		if a.Score() != b.Score() {
			return a.Score() < b.Score()
		}
		return a.ID > b.ID
	})
	s.pending = append(s.pending, "")
	copy(s.pending[idx+1:], s.pending[idx:])
	s.pending[idx] = id
}

func (s *Store) removePending(id domain.JobID) {
	for i, p := range s.pending {
		if p == id {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return
		}
	}
}

func statusIn(status domain.JobStatus, set []domain.JobStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	if j.WorkflowID != nil {
		v := *j.WorkflowID
		c.WorkflowID = &v
	}
	if j.WorkflowPriority != nil {
		v := *j.WorkflowPriority
		c.WorkflowPriority = &v
	}
	if j.WorkflowDatetime != nil {
		v := *j.WorkflowDatetime
		c.WorkflowDatetime = &v
	}
	if j.WorkerID != nil {
		v := *j.WorkerID
		c.WorkerID = &v
	}
	if j.Error != nil {
		v := *j.Error
		c.Error = &v
	}
	if j.AssignedAt != nil {
		v := *j.AssignedAt
		c.AssignedAt = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	c.DependsOn = append([]domain.JobID(nil), j.DependsOn...)
	c.Payload = append([]byte(nil), j.Payload...)
	c.Result = append([]byte(nil), j.Result...)
	c.Requirements.Positive = cloneCapMap(j.Requirements.Positive)
	c.Requirements.Negative = cloneCapMap(j.Requirements.Negative)
	return &c
}

func cloneCapMap(m map[string]domain.CapValue) map[string]domain.CapValue {
	if m == nil {
		return nil
	}
	out := make(map[string]domain.CapValue, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

func cloneWorker(w *domain.Worker) *domain.Worker {
	c := *w
	if w.CurrentJobID != nil {
		v := *w.CurrentJobID
		c.CurrentJobID = &v
	}
	c.Capabilities = w.Capabilities.Clone()
	return &c
}

func cloneWorkflow(wf *domain.Workflow) *domain.Workflow {
	c := *wf
	if wf.Error != nil {
		v := *wf.Error
		c.Error = &v
	}
	if wf.CompletedAt != nil {
		v := *wf.CompletedAt
		c.CompletedAt = &v
	}
	c.StepJobIDs = append([]domain.JobID(nil), wf.StepJobIDs...)
	c.StepDetails = append([]domain.StepDetail(nil), wf.StepDetails...)
	c.CompensatedSteps = append([]int(nil), wf.CompensatedSteps...)
	return &c
}
