// Package queue implements the asynchronous job protocol: submission onto
// named work queues, at-least-once delivery to workers, response matching
// by correlation id, and the polled Job lifecycle. This package is the only
// writer of Job state.
package queue

import (
	"context"
	"encoding/json"

	"dpgate/internal/domain"

	"github.com/google/uuid"
)

// Task is one unit of work on a queue. JobUID is the correlation id tying
// the task to its response and to the polled Job.
type Task struct {
	JobUID  uuid.UUID           `json:"job_uid"`
	Type    domain.TaskType     `json:"type"`
	Request domain.QueryRequest `json:"request"`
}

// Response is the worker's outcome for a task, published on the response
// queue that pairs with the task's work queue.
type Response struct {
	JobUID     uuid.UUID       `json:"job_uid"`
	StatusCode int             `json:"status_code"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Delivery is a dequeued task plus its acknowledgement. Ack removes the
// task from the transport; workers call it only after the response has been
// published, so a worker crash mid-task leaves the task redeliverable.
type Delivery struct {
	Task *Task
	Ack  func(ctx context.Context) error
}

// Broker is the message transport behind the three (work, response) queue
// pairs. Implementations must guarantee that no two consumers receive the
// same task and that an unacknowledged task survives a consumer crash
// (at-least-once delivery).
type Broker interface {
	// Enqueue appends a task to the work queue for its type.
	Enqueue(ctx context.Context, task *Task) error
	// Dequeue blocks up to the transport's timeout for a task of the given
	// type. Returns (nil, nil) when the wait times out.
	Dequeue(ctx context.Context, taskType domain.TaskType, consumer string) (*Delivery, error)
	// Publish appends a response to the response queue for the task type.
	Publish(ctx context.Context, taskType domain.TaskType, resp *Response) error
	// NextResponse blocks up to the transport's timeout for a response of
	// the given type. Returns (nil, nil) when the wait times out.
	NextResponse(ctx context.Context, taskType domain.TaskType) (*Response, error)
	// Reclaim returns tasks stranded in the consumer's in-flight state (a
	// previous consumer of the same name died between dequeue and ack) to
	// the work queue. Called once per consumer before its first Dequeue.
	Reclaim(ctx context.Context, taskType domain.TaskType, consumer string) (int, error)

	Close() error
}

// JobStore persists Job state keyed by uid.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	// Finish transitions a pending job to its terminal state exactly once.
	Finish(ctx context.Context, uid uuid.UUID, status domain.JobStatus, code int, result json.RawMessage, errMsg string) error
	Get(ctx context.Context, uid uuid.UUID) (*domain.Job, error)
}
