package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"orthoforge/internal/geo"
	"orthoforge/internal/logging"
	"orthoforge/internal/storage"
)

// ErrQueueFull is returned when no worker slot or queue space is left.
var ErrQueueFull = errors.New("processing queue is full")

// ErrStopped is returned by Reserve and Submit after Stop.
var ErrStopped = errors.New("pipeline stopped")

var errShutdownBeforeStart = errors.New("shutdown before processing started")

// terminalSendTimeout bounds how long a full subscriber can delay a
// ready/failed event.
var terminalSendTimeout = 5 * time.Second

// Job is one processing run for a project. Token is the ownership lease
// returned by the store; every terminal write presents it.
type Job struct {
	ProjectID  string
	Token      string
	ImageCount int
}

// Result captures the outcome of a Job.
type Result struct {
	Job    Job
	Path   string
	Bounds *geo.Bounds
	Error  error
	Meta   map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline runs jobs on a fixed set of workers and fans events out to
// subscribers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	store     *storage.Store
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once

	mu        sync.Mutex
	stopped   bool
	reserved  int
	subs      map[int]chan Event
	nextSubID int
}

// newPipeline starts workers goroutines reading from a queue of queueSize.
func newPipeline(ctx context.Context, workers, queueSize int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers * 2
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		store:     store,
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		subs:      make(map[int]chan Event),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Reserve claims queue space for one job so a later Submit cannot fail for
// lack of room. Every Reserve is followed by Submit or Release.
func (p *Pipeline) Reserve() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if len(p.jobs)+p.reserved >= cap(p.jobs) {
		return ErrQueueFull
	}
	p.reserved++
	return nil
}

// Release returns an unused reservation.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserved > 0 {
		p.reserved--
	}
}

// Submit queues a job into a reserved slot. It fails only after Stop.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserved > 0 {
		p.reserved--
	}
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels in-flight runs, waits for workers, and fails queued jobs
// that never started.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.cancel()
		close(p.jobs)
		p.wg.Wait()

		for job := range p.jobs {
			p.finish(Result{Job: job, Error: errShutdownBeforeStart}, 0)
		}

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()
			logging.LogRunStart(p.log, job.ProjectID, job.ImageCount)
			res := p.run(ctx, job)
			p.finish(res, time.Since(start))
		}
	}
}

// run invokes the processor and converts a panic into a failed result.
func (p *Pipeline) run(ctx context.Context, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Run panicked", "project", job.ProjectID, "panic", r, "stack", string(debug.Stack()))
			res = Result{Job: job, Error: fmt.Errorf("internal error: %v", r)}
		}
	}()
	return p.processor.Process(ctx, job)
}

// finish records the terminal transition guarded by the job token. It uses a
// context detached from the pool so shutdown still records the failure.
func (p *Pipeline) finish(res Result, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job := res.Job
	ev := Event{ProjectID: job.ProjectID, Time: time.Now().UTC()}
	var err error
	if res.Error == nil && res.Path == "" {
		res.Error = errors.New("run finished without an orthomosaic")
	}
	if res.Error != nil {
		logging.LogRunError(p.log, job.ProjectID, duration, res.Error)
		err = p.store.MarkFailed(ctx, job.ProjectID, job.Token, res.Error.Error())
		ev.Kind, ev.Status, ev.Message = EventFailed, storage.StatusFailed, res.Error.Error()
	} else {
		logging.LogRunComplete(p.log, job.ProjectID, duration, res.Meta)
		err = p.store.MarkReady(ctx, job.ProjectID, job.Token, res.Path, res.Bounds)
		ev.Kind, ev.Status = EventReady, storage.StatusReady
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			msg := "record ready: " + err.Error()
			p.log.Error("Failed to record ready state, marking failed", "project", job.ProjectID, "error", err)
			err = p.store.MarkFailed(ctx, job.ProjectID, job.Token, msg)
			ev.Kind, ev.Status, ev.Message = EventFailed, storage.StatusFailed, msg
		}
	}
	if err != nil {
		// a lost token means another writer owns the project now
		p.log.Error("Failed to record run outcome", "project", job.ProjectID, "error", err)
		return
	}
	p.broadcast(ev)
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 32)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if !ev.Terminal() {
			p.log.Warn("event channel full", "subscriber", id, "project", ev.ProjectID)
			continue
		}
		// slow subscribers still get the outcome, within a bound
		timer := time.NewTimer(terminalSendTimeout)
		select {
		case ch <- ev:
		case <-timer.C:
			p.log.Warn("Dropped terminal event for slow subscriber", "subscriber", id, "project", ev.ProjectID)
		}
		timer.Stop()
	}
}
