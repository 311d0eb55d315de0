package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("task queue is full")
	ErrClosed    = errors.New("task queue is closed")
)

const DefaultDepth = 32

// Task is one unit of work for a connection. InteractionID is carried for
// error reporting only.
type Task struct {
	Name          string
	InteractionID string
	Run           func(ctx context.Context) error
}

type Config struct {
	// Depth bounds the number of pending tasks. Zero means unbounded.
	Depth  int
	Logger *slog.Logger
	// OnError receives task failures, panics included.
	OnError func(Task, error)
	// OnFinish is called after every task with its run time.
	OnFinish func(Task, time.Duration, error)
}

// Queue runs tasks strictly one at a time in submission order.
type Queue struct {
	ctx      context.Context
	depth    int
	logger   *slog.Logger
	onError  func(Task, error)
	onFinish func(Task, time.Duration, error)

	mu       sync.Mutex
	pending  []Task
	running  bool
	closed   bool
	idle     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// New returns a queue whose tasks run with ctx.
func New(ctx context.Context, cfg Config) *Queue {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Depth < 0 {
		cfg.Depth = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		ctx:      ctx,
		depth:    cfg.Depth,
		logger:   logger,
		onError:  cfg.OnError,
		onFinish: cfg.OnFinish,
		idle:     idle,
		done:     make(chan struct{}),
	}
}

// Enqueue appends t and starts draining if the queue is idle.
func (q *Queue) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task has no run function")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.depth > 0 && len(q.pending) >= q.depth {
		return ErrQueueFull
	}
	q.pending = append(q.pending, t)
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain()
	}
	return nil
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until no task is running or pending.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further tasks and discards pending ones. A task already
// running is allowed to finish; Done is closed after it does.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if n := len(q.pending); n > 0 {
		q.logger.Debug("discarding pending tasks", "count", n)
	}
	q.pending = nil
	if !q.running {
		q.finishLocked()
	}
}

func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.running = false
			close(q.idle)
			if q.closed {
				q.finishLocked()
			}
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = Task{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.run(t)
	}
}

func (q *Queue) finishLocked() {
	q.doneOnce.Do(func() { close(q.done) })
}

func (q *Queue) run(t Task) {
	start := time.Now()
	err := q.invoke(t)
	elapsed := time.Since(start)
	if err != nil {
		q.logger.Warn("task failed", "task", t.Name, "interaction_id", t.InteractionID, "error", err)
		if q.onError != nil {
			q.onError(t, err)
		}
	}
	if q.onFinish != nil {
		q.onFinish(t, elapsed, err)
	}
}

func (q *Queue) invoke(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %q panicked: %v", t.Name, r)
		}
	}()
	return t.Run(q.ctx)
}
