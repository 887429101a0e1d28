package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is the per-name buffer of a Memory queue. Add blocks once
// it is full.
const DefaultCapacity = 1024

type lane struct {
	handler     Handler
	concurrency int
	ch          chan Job
}

// Memory is an in-process Queue. Jobs live only as long as the process.
type Memory struct {
	Reporter

	capacity int

	mu      sync.Mutex
	lanes   map[string]*lane
	started bool

	closeOnce sync.Once
	closed    chan struct{}
	workers   sync.WaitGroup

	// pending counts jobs added and not yet terminal, retries included.
	pending pendingCount
}

type pendingCount struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func (c *pendingCount) Add(d int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zero == nil {
		c.zero = make(chan struct{})
	}
	c.n += d
	if c.n == 0 {
		close(c.zero)
		c.zero = nil
	}
}

func (c *pendingCount) Done() { c.Add(-1) }

// idle is closed once the count is zero.
func (c *pendingCount) idle() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if c.zero == nil {
		c.zero = make(chan struct{})
	}
	return c.zero
}

// NewMemory returns a queue buffering up to capacity jobs per name
// (DefaultCapacity when <= 0).
func NewMemory(capacity int, r Reporter) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		Reporter: r,
		capacity: capacity,
		lanes:    make(map[string]*lane),
		closed:   make(chan struct{}),
	}
}

// Register implements Queue. Registering a name twice replaces its handler.
func (q *Memory) Register(name string, h Handler, concurrency int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[name]; ok {
		l.handler, l.concurrency = h, max(1, concurrency)
		return
	}
	q.lanes[name] = &lane{handler: h, concurrency: max(1, concurrency), ch: make(chan Job, q.capacity)}
}

func (q *Memory) lane(name string) (*lane, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return l, nil
}

// Add implements Queue. It blocks while the job's lane is full.
func (q *Memory) Add(ctx context.Context, job Job) error {
	l, err := q.lane(job.Name)
	if err != nil {
		return err
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	q.pending.Add(1)
	if err := q.push(ctx, l, job); err != nil {
		q.pending.Done()
		return err
	}
	return nil
}

// AddBulk implements Queue. Jobs before a failing one stay queued.
func (q *Memory) AddBulk(ctx context.Context, jobs []Job) error {
	for i, j := range jobs {
		if err := q.Add(ctx, j); err != nil {
			return fmt.Errorf("queue: bulk add %d/%d: %w", i+1, len(jobs), err)
		}
	}
	return nil
}

func (q *Memory) push(ctx context.Context, l *lane, job Job) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case l.ch <- job:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start implements Queue.
func (q *Memory) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue: already started")
	}
	q.started = true

	for _, l := range q.lanes {
		for i := 0; i < l.concurrency; i++ {
			q.workers.Add(1)
			go q.work(ctx, l)
		}
	}
	return nil
}

func (q *Memory) work(ctx context.Context, l *lane) {
	defer q.workers.Done()
	for {
		select {
		case job := <-l.ch:
			q.run(ctx, l, job)
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		}
	}
}

func (q *Memory) run(ctx context.Context, l *lane, job Job) {
	err := l.handler(ctx, job)
	o := Classify(job, err)
	q.Report(job, err, o)
	if o != Retry {
		q.pending.Done()
		return
	}

	delay := job.Policy.Delay(job.Attempt)
	job.Attempt++
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			q.pending.Done()
			return
		case <-q.closed:
			q.pending.Done()
			return
		}
		if err := q.push(ctx, l, job); err != nil {
			q.pending.Done()
		}
	}()
}

// Drain blocks until every added job reached a terminal state or ctx ends.
func (q *Memory) Drain(ctx context.Context) error {
	select {
	case <-q.pending.idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers after their current job. Queued jobs are dropped.
func (q *Memory) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.workers.Wait()
	})
	return nil
}

var _ Queue = (*Memory)(nil)
