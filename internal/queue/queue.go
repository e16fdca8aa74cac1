// Package queue serializes requests to the companion server. Tasks run one
// at a time in strict submission order with a short pause between them, so a
// burst of callers cannot overwhelm a backend that is single-threaded for
// heavy operations.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aidekit/minder/internal/metrics"
)

// DefaultPause is the delay between consecutive tasks.
const DefaultPause = 5 * time.Millisecond

// ErrServerNotReady rejects work while the companion cannot accept it.
var ErrServerNotReady = errors.New("companion server not ready")

// Task is one queued unit of work.
type Task func() error

// Gate reports whether the companion can accept work right now. It is
// consulted at submission time only; entries already queued are drained
// unless Flush rejects them.
type Gate func() bool

// Options configures a Queue.
type Options struct {
	Name   string
	Gate   Gate
	Pause  time.Duration
	Logger *slog.Logger
}

type item struct {
	task  Task
	reply chan error
}

// Queue is a FIFO task queue with a single drainer goroutine. The drainer
// starts lazily on first submit and exits when the queue runs empty.
type Queue struct {
	name   string
	gate   Gate
	pause  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	items    []item
	draining bool
}

func New(opts Options) *Queue {
	if opts.Pause <= 0 {
		opts.Pause = DefaultPause
	}
	return &Queue{
		name:   opts.Name,
		gate:   opts.Gate,
		pause:  opts.Pause,
		logger: opts.Logger,
	}
}

// Submit enqueues a task and returns a buffered channel that receives the
// task's result exactly once. When the gate reports not ready the task is
// rejected immediately with ErrServerNotReady and never enqueued.
func (q *Queue) Submit(task Task) <-chan error {
	reply := make(chan error, 1)
	if q.gate != nil && !q.gate() {
		reply <- ErrServerNotReady
		return reply
	}

	q.mu.Lock()
	q.items = append(q.items, item{task: task, reply: reply})
	depth := len(q.items)
	startDrainer := !q.draining
	if startDrainer {
		q.draining = true
	}
	q.mu.Unlock()

	metrics.SetQueueDepth(q.name, depth)
	if startDrainer {
		go q.drain()
	}
	return reply
}

// Depth returns the number of queued entries not yet picked up.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush rejects every queued entry with ErrServerNotReady. The task the
// drainer is currently running is not interrupted; it resolves its own reply.
func (q *Queue) Flush() {
	q.mu.Lock()
	dropped := q.items
	q.items = nil
	q.mu.Unlock()

	metrics.SetQueueDepth(q.name, 0)
	for _, it := range dropped {
		it.reply <- ErrServerNotReady
	}
	if len(dropped) > 0 && q.logger != nil {
		q.logger.Debug("request queue flushed", "name", q.name, "dropped", len(dropped))
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		next := q.items[0]
		q.items = q.items[1:]
		depth := len(q.items)
		q.mu.Unlock()

		metrics.SetQueueDepth(q.name, depth)
		err := runTask(next.task)
		next.reply <- err
		if err != nil {
			metrics.IncQueueTask(q.name, "error")
			if q.logger != nil {
				q.logger.Debug("queued task failed", "name", q.name, "error", err)
			}
		} else {
			metrics.IncQueueTask(q.name, "ok")
		}
		time.Sleep(q.pause)
	}
}

// runTask shields the drainer from task panics; a panicking task resolves
// its reply with an error instead of killing the goroutine.
func runTask(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return t()
}
