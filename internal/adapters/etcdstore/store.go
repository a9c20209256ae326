// Package etcdstore backs the broker state with etcd so several broker
// instances can share one queue. Atomicity comes from single
// transactions comparing the mod revisions of every record they touch.
package etcdstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/quarrylabs/quarry/internal/core/domain"
)

// Key schema. The pending index key embeds the inverted score so a
// plain ascending prefix scan returns the best candidate first.
const (
	jobPrefix      = "/quarry/jobs/"
	pendingPrefix  = "/quarry/pending/"
	workerPrefix   = "/quarry/workers/"
	workflowPrefix = "/quarry/workflows/"
)

// casAttempts bounds internal retries on mod-revision conflicts before
// the call reports domain.ErrConflict.
const casAttempts = 8

type Store struct {
	logger *slog.Logger
	client *clientv3.Client
}

func New(logger *slog.Logger, endpoints []string) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &Store{logger: logger, client: cli}, nil
}

func (s *Store) Close() error { return s.client.Close() }

func jobKey(id domain.JobID) string           { return jobPrefix + string(id) }
func workerKey(id domain.WorkerID) string     { return workerPrefix + string(id) }
func workflowKey(id domain.WorkflowID) string { return workflowPrefix + string(id) }

// pendingKey inverts the score so lexical ascending order is
// best-first. Scores are non-negative, so the inverted value always
// formats to the same width.
func pendingKey(job *domain.Job) string {
	return fmt.Sprintf("%s%020d-%s", pendingPrefix, math.MaxInt64-job.Score(), job.ID)
}

func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, jobKey(job.ID), string(raw))
	return err
}

func (s *Store) GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	job, _, err := s.getJob(ctx, id)
	return job, err
}

func (s *Store) getJob(ctx context.Context, id domain.JobID) (*domain.Job, int64, error) {
	resp, err := s.client.Get(ctx, jobKey(id))
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, domain.ErrJobNotFound
	}
	var job domain.Job
	if err := json.Unmarshal(resp.Kvs[0].Value, &job); err != nil {
		return nil, 0, fmt.Errorf("corrupt job record %s: %w", id, err)
	}
	return &job, resp.Kvs[0].ModRevision, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, jobKey(job.ID), string(raw))
	return err
}

func (s *Store) EnqueueJob(ctx context.Context, job *domain.Job) error {
	job.Status = domain.JobStatusPending
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.client.Txn(ctx).Then(
		clientv3.OpPut(jobKey(job.ID), string(raw)),
		clientv3.OpPut(pendingKey(job), string(job.ID)),
	).Commit()
	return err
}

func (s *Store) ClaimJob(ctx context.Context, workerID domain.WorkerID, machineID string, limit int, match func(domain.Job) bool) (*domain.Job, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		job, err := s.tryClaim(ctx, workerID, machineID, limit, match)
		if err == errClaimRaced {
			continue
		}
		return job, err
	}
	return nil, domain.ErrConflict
}

var errClaimRaced = fmt.Errorf("claim raced")

func (s *Store) tryClaim(ctx context.Context, workerID domain.WorkerID, machineID string, limit int, match func(domain.Job) bool) (*domain.Job, error) {
	wresp, err := s.client.Get(ctx, workerKey(workerID))
	if err != nil {
		return nil, err
	}
	if len(wresp.Kvs) == 0 {
		return nil, domain.ErrWorkerNotFound
	}
	var worker domain.Worker
	if err := json.Unmarshal(wresp.Kvs[0].Value, &worker); err != nil {
		return nil, fmt.Errorf("corrupt worker record %s: %w", workerID, err)
	}
	if worker.Status == domain.WorkerStatusBusy {
		return nil, domain.ErrConflict
	}
	workerRev := wresp.Kvs[0].ModRevision
	workerLease := clientv3.LeaseID(wresp.Kvs[0].Lease)

	presp, err := s.client.Get(ctx, pendingPrefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		clientv3.WithLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}

	for _, kv := range presp.Kvs {
		id := domain.JobID(kv.Value)
		job, jobRev, err := s.getJob(ctx, id)
		if err != nil {
			continue
		}
		if job.Status != domain.JobStatusPending || !match(*job) {
			continue
		}

		now := time.Now()
		claimed := *job
		claimed.Status = domain.JobStatusAssigned
		wid := workerID
		claimed.WorkerID = &wid
		claimed.MachineID = machineID
		claimed.AssignedAt = &now
		claimed.UpdatedAt = now

		busy := worker
		busy.Status = domain.WorkerStatusBusy
		jid := claimed.ID
		busy.CurrentJobID = &jid

		jobRaw, err := json.Marshal(&claimed)
		if err != nil {
			return nil, err
		}
		workerRaw, err := json.Marshal(&busy)
		if err != nil {
			return nil, err
		}

		// One transaction: the index entry, the job and the worker must
		// all be unchanged since we read them.
		txn, err := s.client.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision),
			clientv3.Compare(clientv3.ModRevision(jobKey(id)), "=", jobRev),
			clientv3.Compare(clientv3.ModRevision(workerKey(workerID)), "=", workerRev),
		).Then(
			clientv3.OpDelete(string(kv.Key)),
			clientv3.OpPut(jobKey(id), string(jobRaw)),
			clientv3.OpPut(workerKey(workerID), string(workerRaw), clientv3.WithLease(workerLease)),
		).Commit()
		if err != nil {
			return nil, err
		}
		if !txn.Succeeded {
			return nil, errClaimRaced
		}
		return &claimed, nil
	}
	return nil, domain.ErrNoMatch
}

func (s *Store) TransitionJob(ctx context.Context, id domain.JobID, from []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		job, rev, err := s.getJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if !statusIn(job.Status, from) {
			return nil, domain.ErrConflict
		}
		mutate(job)
		raw, err := json.Marshal(job)
		if err != nil {
			return nil, err
		}
		txn, err := s.client.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(jobKey(id)), "=", rev),
		).Then(
			clientv3.OpPut(jobKey(id), string(raw)),
		).Commit()
		if err != nil {
			return nil, err
		}
		if txn.Succeeded {
			return job, nil
		}
	}
	return nil, domain.ErrConflict
}

func (s *Store) RequeueJob(ctx context.Context, id domain.JobID, from []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		job, rev, err := s.getJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if !statusIn(job.Status, from) {
			return nil, domain.ErrConflict
		}
		mutate(job)
		job.Status = domain.JobStatusPending
		job.WorkerID = nil
		job.MachineID = ""
		raw, err := json.Marshal(job)
		if err != nil {
			return nil, err
		}
		txn, err := s.client.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(jobKey(id)), "=", rev),
		).Then(
			clientv3.OpPut(jobKey(id), string(raw)),
			clientv3.OpPut(pendingKey(job), string(id)),
		).Commit()
		if err != nil {
			return nil, err
		}
		if txn.Succeeded {
			return job, nil
		}
	}
	return nil, domain.ErrConflict
}

func (s *Store) DequeueJob(ctx context.Context, id domain.JobID, from []domain.JobStatus, mutate func(*domain.Job)) (*domain.Job, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		job, rev, err := s.getJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if !statusIn(job.Status, from) {
			return nil, domain.ErrConflict
		}
		// Index key derives from the pre-mutation record.
		indexKey := pendingKey(job)
		mutate(job)
		raw, err := json.Marshal(job)
		if err != nil {
			return nil, err
		}
		txn, err := s.client.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(jobKey(id)), "=", rev),
		).Then(
			clientv3.OpDelete(indexKey),
			clientv3.OpPut(jobKey(id), string(raw)),
		).Commit()
		if err != nil {
			return nil, err
		}
		if txn.Succeeded {
			return job, nil
		}
	}
	return nil, domain.ErrConflict
}

func (s *Store) ListJobs(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	resp, err := s.client.Get(ctx, jobPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var job domain.Job
		if err := json.Unmarshal(kv.Value, &job); err != nil {
			s.logger.Warn("skipping corrupt job record", "key", string(kv.Key), "error", err)
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Store) PendingJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	resp, err := s.client.Get(ctx, pendingPrefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		clientv3.WithLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		job, _, err := s.getJob(ctx, domain.JobID(kv.Value))
		if err != nil || job.Status != domain.JobStatusPending {
			continue
		}
		out = append(out, *job)
	}
	return out, nil
}

func (s *Store) RegisterWorker(ctx context.Context, w *domain.Worker, ttl time.Duration) error {
	lease, err := s.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant worker lease: %w", err)
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, workerKey(w.ID), string(raw), clientv3.WithLease(lease.ID))
	return err
}

func (s *Store) HeartbeatWorker(ctx context.Context, id domain.WorkerID, ttl time.Duration) error {
	resp, err := s.client.Get(ctx, workerKey(id))
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 || resp.Kvs[0].Lease == 0 {
		return domain.ErrWorkerNotFound
	}
	if _, err := s.client.KeepAliveOnce(ctx, clientv3.LeaseID(resp.Kvs[0].Lease)); err != nil {
		return fmt.Errorf("failed to renew worker lease: %w", err)
	}

	var worker domain.Worker
	if err := json.Unmarshal(resp.Kvs[0].Value, &worker); err != nil {
		return fmt.Errorf("corrupt worker record %s: %w", id, err)
	}
	worker.LastHeartbeat = time.Now()
	raw, err := json.Marshal(&worker)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, workerKey(id), string(raw),
		clientv3.WithLease(clientv3.LeaseID(resp.Kvs[0].Lease)))
	return err
}

func (s *Store) GetWorker(ctx context.Context, id domain.WorkerID) (*domain.Worker, error) {
	resp, err := s.client.Get(ctx, workerKey(id))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrWorkerNotFound
	}
	var worker domain.Worker
	if err := json.Unmarshal(resp.Kvs[0].Value, &worker); err != nil {
		return nil, fmt.Errorf("corrupt worker record %s: %w", id, err)
	}
	return &worker, nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	resp, err := s.client.Get(ctx, workerPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]domain.Worker, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var worker domain.Worker
		if err := json.Unmarshal(kv.Value, &worker); err != nil {
			s.logger.Warn("skipping corrupt worker record", "key", string(kv.Key), "error", err)
			continue
		}
		out = append(out, worker)
	}
	return out, nil
}

func (s *Store) RemoveWorker(ctx context.Context, id domain.WorkerID) error {
	resp, err := s.client.Delete(ctx, workerKey(id))
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

func (s *Store) ReleaseWorker(ctx context.Context, id domain.WorkerID, jobID domain.JobID) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		resp, err := s.client.Get(ctx, workerKey(id))
		if err != nil {
			return err
		}
		if len(resp.Kvs) == 0 {
			return nil
		}
		var worker domain.Worker
		if err := json.Unmarshal(resp.Kvs[0].Value, &worker); err != nil {
			return fmt.Errorf("corrupt worker record %s: %w", id, err)
		}
		if worker.CurrentJobID == nil || *worker.CurrentJobID != jobID {
			return nil
		}
		worker.CurrentJobID = nil
		worker.Status = domain.WorkerStatusIdle
		raw, err := json.Marshal(&worker)
		if err != nil {
			return err
		}
		txn, err := s.client.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(workerKey(id)), "=", resp.Kvs[0].ModRevision),
		).Then(
			clientv3.OpPut(workerKey(id), string(raw),
				clientv3.WithLease(clientv3.LeaseID(resp.Kvs[0].Lease))),
		).Commit()
		if err != nil {
			return err
		}
		if txn.Succeeded {
			return nil
		}
	}
	return domain.ErrConflict
}

func (s *Store) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	raw, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, workflowKey(wf.ID), string(raw))
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id domain.WorkflowID) (*domain.Workflow, error) {
	resp, err := s.client.Get(ctx, workflowKey(id))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrWorkflowNotFound
	}
	var wf domain.Workflow
	if err := json.Unmarshal(resp.Kvs[0].Value, &wf); err != nil {
		return nil, fmt.Errorf("corrupt workflow record %s: %w", id, err)
	}
	return &wf, nil
}

func (s *Store) TransitionWorkflow(ctx context.Context, id domain.WorkflowID, mutate func(*domain.Workflow) bool) (*domain.Workflow, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		resp, err := s.client.Get(ctx, workflowKey(id))
		if err != nil {
			return nil, err
		}
		if len(resp.Kvs) == 0 {
			return nil, domain.ErrWorkflowNotFound
		}
		var wf domain.Workflow
		if err := json.Unmarshal(resp.Kvs[0].Value, &wf); err != nil {
			return nil, fmt.Errorf("corrupt workflow record %s: %w", id, err)
		}
		if !mutate(&wf) {
			return &wf, nil
		}
		raw, err := json.Marshal(&wf)
		if err != nil {
			return nil, err
		}
		txn, err := s.client.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(workflowKey(id)), "=", resp.Kvs[0].ModRevision),
		).Then(
			clientv3.OpPut(workflowKey(id), string(raw)),
		).Commit()
		if err != nil {
			return nil, err
		}
		if txn.Succeeded {
			return &wf, nil
		}
	}
	return nil, domain.ErrConflict
}

func (s *Store) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	resp, err := s.client.Get(ctx, workflowPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]domain.Workflow, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var wf domain.Workflow
		if err := json.Unmarshal(kv.Value, &wf); err != nil {
			s.logger.Warn("skipping corrupt workflow record", "key", string(kv.Key), "error", err)
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

// WatchJobs streams job record changes under the job prefix; the SSE
// layer uses it when several brokers share the store.
func (s *Store) WatchJobs(ctx context.Context) <-chan domain.Job {
	out := make(chan domain.Job)
	go func() {
		defer close(out)
		watch := s.client.Watch(ctx, jobPrefix, clientv3.WithPrefix())
		for resp := range watch {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var job domain.Job
				if err := json.Unmarshal(ev.Kv.Value, &job); err != nil {
					s.logger.Warn("skipping corrupt watch event", "key", string(ev.Kv.Key), "error", err)
					continue
				}
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func statusIn(status domain.JobStatus, set []domain.JobStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
