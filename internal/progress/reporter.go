// Package progress turns byte and time counters from the download and upload
// stages into throttled status-message edits.
//
// Stages call Publish, which never blocks. A single Run goroutine owns all
// per-job state, applies the per-job rate limit and step threshold, and
// performs the edits. A slow or failing messenger only delays or drops
// progress edits; it never stalls a stage.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"boxrelay/internal/transport"
	logx "boxrelay/pkg/logx"
)

type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
)

// Event is one progress sample for a job.
type Event struct {
	JobID   string
	Ref     transport.MessageRef
	Phase   Phase
	Percent float64
	Bytes   int64
	Total   int64 // bytes, 0 when unknown
	Speed   string
}

type Options struct {
	MinInterval time.Duration
	MinStep     float64
	QuietPeriod time.Duration
	Buffer      int
	EditTimeout time.Duration
	Now         func() time.Time
}

func (o *Options) defaults() {
	if o.MinInterval <= 0 {
		o.MinInterval = 3 * time.Second
	}
	if o.MinStep <= 0 {
		o.MinStep = 10
	}
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = 10 * time.Minute
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.EditTimeout <= 0 {
		o.EditTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type jobState struct {
	phase         Phase
	limiter       *rate.Limiter
	lastPercent   float64
	lastMilestone int
	lastSeen      time.Time
}

type message struct {
	ev     Event
	finish bool
}

type Reporter struct {
	opt    Options
	msgr   transport.Messenger
	log    logx.Logger
	ch     chan message
	states map[string]*jobState // owned by Run

	// mu is held across every edit so Finish can wait one out.
	mu       sync.Mutex
	finished map[string]time.Time

	dropped atomic.Uint64
	edits   atomic.Uint64
}

func New(msgr transport.Messenger, opt Options, log logx.Logger) *Reporter {
	opt.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		opt:      opt,
		msgr:     msgr,
		log:      log,
		ch:       make(chan message, opt.Buffer),
		states:   map[string]*jobState{},
		finished: map[string]time.Time{},
	}
}

// Publish queues ev. When the buffer is full the event is dropped.
func (r *Reporter) Publish(ev Event) {
	select {
	case r.ch <- message{ev: ev}:
	default:
		r.dropped.Add(1)
	}
}

// Finish stops progress edits for jobID. Once it returns no further edit is
// made for the job, so the caller's terminal status text stays in place; an
// edit already in flight is waited for. Queued samples for the job are
// ignored and its state is discarded.
func (r *Reporter) Finish(jobID string) {
	r.mu.Lock()
	r.finished[jobID] = r.opt.Now()
	r.mu.Unlock()
	select {
	case r.ch <- message{ev: Event{JobID: jobID}, finish: true}:
	default:
		r.dropped.Add(1)
	}
}

// Dropped is the number of samples lost to a full buffer.
func (r *Reporter) Dropped() uint64 { return r.dropped.Load() }

// Edits is the number of status edits attempted.
func (r *Reporter) Edits() uint64 { return r.edits.Load() }

// Run processes events until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	sweep := r.opt.QuietPeriod / 4
	if sweep < time.Second {
		sweep = time.Second
	}
	t := time.NewTicker(sweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if n := r.dropped.Load(); n > 0 {
				r.log.Warn("progress.dropped", logx.Uint64("count", n))
			}
			return
		case m := <-r.ch:
			r.handle(ctx, m)
		case <-t.C:
			r.evict()
		}
	}
}

func (r *Reporter) handle(ctx context.Context, m message) {
	if m.finish {
		delete(r.states, m.ev.JobID)
		return
	}
	ev := m.ev
	if r.isFinished(ev.JobID) {
		return
	}
	now := r.opt.Now()
	st := r.states[ev.JobID]
	if st == nil || st.phase != ev.Phase {
		st = &jobState{
			phase:         ev.Phase,
			limiter:       rate.NewLimiter(rate.Every(r.opt.MinInterval), 1),
			lastPercent:   -1,
			lastMilestone: -1,
		}
		r.states[ev.JobID] = st
	}
	st.lastSeen = now

	pct := clamp(ev.Percent)
	if ms := milestone(pct); ms > st.lastMilestone {
		st.lastMilestone = ms
		r.log.Info("progress.milestone",
			logx.String("job", ev.JobID),
			logx.String("phase", string(ev.Phase)),
			logx.Int("pct", ms),
			logx.Int64("bytes", ev.Bytes),
		)
	}

	final := pct >= 100 && st.lastPercent < 100
	if !final && st.lastPercent >= 0 && pct-st.lastPercent < r.opt.MinStep {
		return
	}
	// The final 100% edit ignores the interval so the status never sticks
	// just short of done.
	if !st.limiter.AllowN(now, 1) && !final {
		return
	}
	st.lastPercent = pct
	r.edit(ctx, ev)
}

func (r *Reporter) edit(ctx context.Context, ev Event) {
	if r.msgr == nil || ev.Ref.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.finished[ev.JobID]; done {
		return
	}
	r.edits.Add(1)
	ectx, cancel := context.WithTimeout(ctx, r.opt.EditTimeout)
	defer cancel()
	if err := r.msgr.EditText(ectx, ev.Ref, Format(ev), nil); err != nil {
		r.log.Debug("progress.edit_failed", logx.String("job", ev.JobID), logx.Err(err))
	}
}

func (r *Reporter) evict() {
	cutoff := r.opt.Now().Add(-r.opt.QuietPeriod)
	for id, st := range r.states {
		if st.lastSeen.Before(cutoff) {
			delete(r.states, id)
		}
	}
	r.mu.Lock()
	for id, at := range r.finished {
		if at.Before(cutoff) {
			delete(r.finished, id)
		}
	}
	r.mu.Unlock()
}

func (r *Reporter) isFinished(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.finished[jobID]
	return ok
}

func milestone(pct float64) int {
	return int(pct) / 25 * 25
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
