package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dpgate/internal/domain"
	pkgerrors "dpgate/pkg/errors"

	"github.com/google/uuid"
)

// MemoryBroker is the in-process Broker used for tests and single-process
// deployments (pairing with the file ledger store). Channels give the
// no-two-consumers-share-a-task guarantee; pending tasks are tracked so an
// unacked task is observable, though redelivery after a crash is meaningless
// inside a single process.
type MemoryBroker struct {
	mu        sync.Mutex
	work      map[domain.TaskType]chan *Task
	responses map[domain.TaskType]chan *Response
	unacked   map[uuid.UUID]*Task
	timeout   time.Duration
	closed    bool
}

func NewMemoryBroker(timeout time.Duration) *MemoryBroker {
	b := &MemoryBroker{
		work:      make(map[domain.TaskType]chan *Task),
		responses: make(map[domain.TaskType]chan *Response),
		unacked:   make(map[uuid.UUID]*Task),
		timeout:   timeout,
	}
	for _, t := range []domain.TaskType{domain.TaskQuery, domain.TaskEstimate, domain.TaskDummy} {
		b.work[t] = make(chan *Task, 1024)
		b.responses[t] = make(chan *Response, 1024)
	}
	return b
}

func (b *MemoryBroker) Enqueue(ctx context.Context, task *Task) error {
	select {
	case b.work[task.Type] <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Dequeue(ctx context.Context, taskType domain.TaskType, consumer string) (*Delivery, error) {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case task := <-b.work[taskType]:
		b.mu.Lock()
		b.unacked[task.JobUID] = task
		b.mu.Unlock()
		return &Delivery{
			Task: task,
			Ack: func(ctx context.Context) error {
				b.mu.Lock()
				delete(b.unacked, task.JobUID)
				b.mu.Unlock()
				return nil
			},
		}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unacked reports tasks delivered but not yet acknowledged.
func (b *MemoryBroker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// Reclaim is a no-op: the broker's state does not outlive the process, so a
// restarted consumer has nothing to recover.
func (b *MemoryBroker) Reclaim(ctx context.Context, taskType domain.TaskType, consumer string) (int, error) {
	return 0, nil
}

func (b *MemoryBroker) Publish(ctx context.Context, taskType domain.TaskType, resp *Response) error {
	select {
	case b.responses[taskType] <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) NextResponse(ctx context.Context, taskType domain.TaskType) (*Response, error) {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case resp := <-b.responses[taskType]:
		return resp, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBroker) Close() error {
	return nil
}

// MemoryJobStore keeps jobs in a map. Single-process use only.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (s *MemoryJobStore) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.UID] = &copied
	return nil
}

func (s *MemoryJobStore) Finish(ctx context.Context, uid uuid.UUID, status domain.JobStatus, code int, result json.RawMessage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[uid]
	if !ok {
		return pkgerrors.ErrJobNotFound
	}
	if job.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = status
	job.StatusCode = code
	job.Result = result
	job.Error = errMsg
	job.CompletedAt = &now
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, uid uuid.UUID) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[uid]
	if !ok {
		return nil, pkgerrors.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}
