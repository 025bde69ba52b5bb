// Package worker runs the pool that pulls tasks from the work queues,
// drives them through the dispatch gate, and publishes responses. Tasks are
// acknowledged only after the response is on the wire, so a crash mid-task
// leaves the task redeliverable and the gate's idempotency check absorbs
// the replay.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"dpgate/internal/dispatch"
	"dpgate/internal/domain"
	"dpgate/internal/queue"
	pkgerrors "dpgate/pkg/errors"
	"dpgate/pkg/logger"
)

type Pool struct {
	broker queue.Broker
	gate   *dispatch.Gate
	logger logger.Logger
	count  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(broker queue.Broker, gate *dispatch.Gate, count int, log logger.Logger) *Pool {
	if count < 1 {
		count = 1
	}
	return &Pool{broker: broker, gate: gate, logger: log, count: count}
}

// Start launches count workers per task type.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for _, t := range []domain.TaskType{domain.TaskQuery, domain.TaskEstimate, domain.TaskDummy} {
		for i := 0; i < p.count; i++ {
			consumer := fmt.Sprintf("%s-%d", t, i)
			p.wg.Add(1)
			go p.run(ctx, t, consumer)
		}
	}
	p.logger.Info("worker pool started", map[string]interface{}{
		"workers_per_queue": p.count,
	})
}

// Stop signals all workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, taskType domain.TaskType, consumer string) {
	defer p.wg.Done()

	// Tasks a previous run of this consumer left in flight (crash between
	// dequeue and ack) go back on the work queue before consuming.
	if n, err := p.broker.Reclaim(ctx, taskType, consumer); err != nil {
		p.logger.Error("failed to reclaim stranded tasks", map[string]interface{}{
			"consumer": consumer,
			"error":    err.Error(),
		})
	} else if n > 0 {
		p.logger.Warn("requeued stranded tasks", map[string]interface{}{
			"consumer": consumer,
			"count":    n,
		})
	}

	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := p.broker.Dequeue(ctx, taskType, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", map[string]interface{}{
				"consumer": consumer,
				"error":    err.Error(),
			})
			time.Sleep(time.Second)
			continue
		}
		if delivery == nil {
			continue
		}
		p.handle(ctx, delivery)
	}
}

// handle runs one task end to end: dispatch, publish, ack. Publish failures
// leave the task unacked for redelivery.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery) {
	task := d.Task
	result, err := p.dispatch(ctx, task)

	resp := &queue.Response{JobUID: task.JobUID}
	if err != nil {
		resp.StatusCode = pkgerrors.HTTPStatus(err)
		resp.Error = err.Error()
		p.logger.Warn("task failed", map[string]interface{}{
			"job_uid":     task.JobUID.String(),
			"task_type":   string(task.Type),
			"user":        task.Request.User,
			"status_code": resp.StatusCode,
			"error":       err.Error(),
		})
	} else {
		resp.StatusCode = http.StatusOK
		resp.Result = result
	}

	// Publish and ack must survive a cancelled worker context, otherwise a
	// completed spend would be redelivered as a fresh task.
	pubCtx := context.WithoutCancel(ctx)
	if err := p.broker.Publish(pubCtx, task.Type, resp); err != nil {
		p.logger.Error("failed to publish response, task stays unacked", map[string]interface{}{
			"job_uid": task.JobUID.String(),
			"error":   err.Error(),
		})
		return
	}
	if err := d.Ack(pubCtx); err != nil {
		p.logger.Error("failed to ack task", map[string]interface{}{
			"job_uid": task.JobUID.String(),
			"error":   err.Error(),
		})
	}
}

func (p *Pool) dispatch(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	switch task.Type {
	case domain.TaskQuery:
		return p.gate.Run(ctx, &task.Request)
	case domain.TaskEstimate:
		cost, err := p.gate.Estimate(ctx, &task.Request)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{
			"epsilon": cost.Epsilon.String(),
			"delta":   cost.Delta.String(),
		})
	case domain.TaskDummy:
		return p.gate.RunDummy(ctx, &task.Request)
	default:
		return nil, pkgerrors.InvalidQuery("unknown task type %q", task.Type)
	}
}
