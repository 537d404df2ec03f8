// Package queue is the durable FIFO between intake and the worker.
//
// Delivery is at-most-once: a job is removed from the backend by the pop, and
// if its handler fails the job is logged as dropped and never redelivered.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"boxrelay/internal/job"
	logx "boxrelay/pkg/logx"
)

const DefaultName = "terabox:download_jobs"

var ErrClosed = errors.New("queue closed")

// Backend is a raw FIFO of byte payloads. Push appends at one end, Pop
// removes from the other.
type Backend interface {
	Push(ctx context.Context, payload []byte) error
	// Pop waits up to timeout for a payload. A nil payload with a nil error
	// means the wait timed out.
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	Size(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
	Close() error
}

// Handler processes one job. Returning an error drops the job.
type Handler func(ctx context.Context, env job.Envelope) error

type Options struct {
	// PollInterval bounds each blocking pop so cancellation is noticed while
	// idle. Default 1s.
	PollInterval time.Duration
	// Concurrency is the number of handlers allowed in flight. A slot is taken
	// before popping, so no job waits in memory. Default 1.
	Concurrency int
	// DrainTimeout is how long in-flight handlers keep running after the
	// consume context is cancelled. Default 30s.
	DrainTimeout time.Duration
}

type Stats struct {
	Consumed uint64 `json:"consumed"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"` // undecodable payloads
}

type Queue struct {
	b    Backend
	opt  Options
	log  logx.Logger
	name string

	consumed atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

func New(name string, b Backend, opt Options, log logx.Logger) *Queue {
	if opt.PollInterval <= 0 {
		opt.PollInterval = time.Second
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = 1
	}
	if opt.DrainTimeout <= 0 {
		opt.DrainTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{b: b, opt: opt, name: name, log: log.With(logx.String("queue", name))}
}

func (q *Queue) Name() string { return q.name }

// Push encodes env and appends it to the queue.
func (q *Queue) Push(ctx context.Context, env job.Envelope) error {
	payload, err := job.Encode(env)
	if err != nil {
		return err
	}
	if err := q.b.Push(ctx, payload); err != nil {
		return fmt.Errorf("queue push: %w", err)
	}
	q.log.Debug("queue.pushed", logx.String("job", env.JobID), logx.String("hash", env.ShortHash()))
	return nil
}

func (q *Queue) Size(ctx context.Context) (int64, error) { return q.b.Size(ctx) }

// Clear removes every pending job. Destructive and not recoverable.
func (q *Queue) Clear(ctx context.Context) error { return q.b.Clear(ctx) }

func (q *Queue) Close() error { return q.b.Close() }

func (q *Queue) Stats() Stats {
	return Stats{Consumed: q.consumed.Load(), Failed: q.failed.Load(), Dropped: q.dropped.Load()}
}

// Consume pops and handles jobs until ctx is cancelled, then waits for
// in-flight handlers. Handler contexts outlive ctx by DrainTimeout.
func (q *Queue) Consume(ctx context.Context, h Handler) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	stopDrain := context.AfterFunc(ctx, func() {
		time.AfterFunc(q.opt.DrainTimeout, cancelJobs)
	})
	defer stopDrain()

	slots := make(chan struct{}, q.opt.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	q.log.Info("queue.consume_started", logx.Int("concurrency", q.opt.Concurrency))
	for {
		if ctx.Err() != nil {
			q.log.Info("queue.consume_stopped")
			return nil
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			continue
		}

		payload, err := q.b.Pop(ctx, q.opt.PollInterval)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				continue
			}
			q.log.Warn("queue.pop_failed", logx.Err(err))
			sleepCtx(ctx, q.opt.PollInterval)
			continue
		}
		if payload == nil {
			<-slots
			continue
		}

		env, err := job.Decode(payload)
		if err != nil {
			<-slots
			q.dropped.Add(1)
			q.log.Error("queue.job_dropped", logx.String("reason", "decode"), logx.Err(err), logx.Int("bytes", len(payload)))
			continue
		}

		wg.Add(1)
		run := func() {
			defer wg.Done()
			defer func() { <-slots }()
			q.handle(jobCtx, h, env)
		}
		if q.opt.Concurrency == 1 {
			run()
		} else {
			go run()
		}
	}
}

func (q *Queue) handle(ctx context.Context, h Handler, env job.Envelope) {
	q.consumed.Add(1)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
				q.log.Error("queue.handler_panic", logx.String("job", env.JobID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return h(ctx, env)
	}()
	if err != nil {
		q.failed.Add(1)
		// At-most-once: the job is gone.
		q.log.Error("queue.job_dropped",
			logx.String("reason", "handler"),
			logx.String("job", env.JobID),
			logx.String("hash", env.ShortHash()),
			logx.Err(err),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
