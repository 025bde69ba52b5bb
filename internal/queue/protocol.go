package queue

import (
	"context"
	"sync"
	"time"

	"dpgate/internal/domain"
	pkgerrors "dpgate/pkg/errors"

	"github.com/google/uuid"
)

// Protocol is the client side of the job queue: it submits tasks, records
// pending jobs, and runs one matcher goroutine per response queue that
// correlates responses back onto jobs by uid.
type Protocol struct {
	broker Broker
	jobs   JobStore
	logger Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Logger is the subset of the application logger the queue needs.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
}

func NewProtocol(broker Broker, jobs JobStore, log Logger) *Protocol {
	return &Protocol{broker: broker, jobs: jobs, logger: log}
}

// Submit creates a pending job and enqueues a task for it. The returned uid
// is what clients poll. A zero request id gets one minted here so that every
// enqueued task carries an idempotency key.
func (p *Protocol) Submit(ctx context.Context, taskType domain.TaskType, req domain.QueryRequest) (uuid.UUID, error) {
	if !taskType.Valid() {
		return uuid.Nil, pkgerrors.InvalidQuery("unknown task type %q", taskType)
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	uid := uuid.New()
	job := &domain.Job{
		UID:         uid,
		Status:      domain.JobPending,
		SubmittedAt: time.Now().UTC(),
	}
	if err := p.jobs.Create(ctx, job); err != nil {
		return uuid.Nil, pkgerrors.Internal("failed to create job", err)
	}

	task := &Task{JobUID: uid, Type: taskType, Request: req}
	if err := p.broker.Enqueue(ctx, task); err != nil {
		// The job stays pending; callers polling it will see it never
		// terminate and can resubmit with the same request id safely.
		return uuid.Nil, pkgerrors.Internal("failed to enqueue task", err)
	}

	p.logger.Info("task submitted", map[string]interface{}{
		"job_uid":    uid.String(),
		"task_type":  string(taskType),
		"request_id": req.ID.String(),
		"user":       req.User,
	})
	return uid, nil
}

// Poll returns the job's current state. ErrJobNotFound for unknown or
// expired uids.
func (p *Protocol) Poll(ctx context.Context, uid uuid.UUID) (*domain.Job, error) {
	return p.jobs.Get(ctx, uid)
}

// Start launches one matcher goroutine per response queue. Stop shuts them
// down and waits.
func (p *Protocol) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for _, t := range []domain.TaskType{domain.TaskQuery, domain.TaskEstimate, domain.TaskDummy} {
		p.wg.Add(1)
		go p.match(ctx, t)
	}
}

// Stop terminates the matcher goroutines and waits for them to drain.
func (p *Protocol) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// match consumes one response queue and finishes the corresponding jobs.
func (p *Protocol) match(ctx context.Context, taskType domain.TaskType) {
	defer p.wg.Done()
	for {
		resp, err := p.broker.NextResponse(ctx, taskType)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("response wait failed", map[string]interface{}{
				"task_type": string(taskType),
				"error":     err.Error(),
			})
			time.Sleep(time.Second)
			continue
		}
		if resp == nil {
			continue
		}

		status := domain.JobComplete
		if resp.Error != "" {
			status = domain.JobFailed
		}
		if err := p.jobs.Finish(ctx, resp.JobUID, status, resp.StatusCode, resp.Result, resp.Error); err != nil {
			p.logger.Error("failed to finish job", map[string]interface{}{
				"job_uid": resp.JobUID.String(),
				"error":   err.Error(),
			})
		}
	}
}
