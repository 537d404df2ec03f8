// Package worker runs one job through resolve, download, optional
// post-processing, delivery and recording, and guarantees that the job's
// temp files are gone when it returns.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"boxrelay/internal/delivery"
	"boxrelay/internal/eventbus"
	"boxrelay/internal/job"
	"boxrelay/internal/media"
	"boxrelay/internal/pool"
	"boxrelay/internal/progress"
	"boxrelay/internal/resolve"
	"boxrelay/internal/storage"
	"boxrelay/internal/texts"
	"boxrelay/internal/transport"
	logx "boxrelay/pkg/logx"
)

type Stage string

const (
	StageResolving      Stage = "resolving"
	StageDownloading    Stage = "downloading"
	StagePostProcessing Stage = "post_processing"
	StageDelivering     Stage = "delivering"
	StageRecording      Stage = "recording"
	StageDone           Stage = "done"
	StageFailed         Stage = "failed"
)

// StageError is a terminal job failure tagged with the stage that failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

type Resolver interface {
	Resolve(ctx context.Context, link string) (resolve.Stream, error)
}

type Downloader interface {
	Download(ctx context.Context, src, out string, onProgress func(media.Progress)) (media.Result, error)
}

type PostProcessor interface {
	Process(ctx context.Context, a Artifact, st resolve.Stream) (thumb string, err error)
}

type Deliverer interface {
	Deliver(ctx context.Context, up pool.Upload) (delivery.Result, error)
	Forward(ctx context.Context, locator string, to transport.ChatTarget) (transport.MessageRef, error)
}

type ProgressSink interface {
	Publish(ev progress.Event)
	Finish(jobID string)
}

// Deps are the processor's collaborators. Post, Progress and Bus are
// optional.
type Deps struct {
	Store      storage.Store
	Resolver   Resolver
	Downloader Downloader
	Post       PostProcessor
	Deliverer  Deliverer
	Messenger  transport.Messenger
	Progress   ProgressSink
	Bus        eventbus.Bus
	Log        logx.Logger
}

type Config struct {
	// Dir holds temp artifacts. It is created if missing.
	Dir string
	// NotifyTimeout bounds terminal messages, which are sent even when the
	// job context is already cancelled.
	NotifyTimeout time.Duration
	// DestinationID is the chat the pool was validated against. Envelopes
	// naming another chat are still delivered here and logged.
	DestinationID int64
}

// StageEvent is the payload of job.stage events.
type StageEvent struct {
	JobID string
	Hash  string
	Stage Stage
}

// MismatchEvent is the payload of job.destination_mismatch events.
type MismatchEvent struct {
	JobID      string
	Envelope   int64
	Configured int64
}

type Processor struct {
	cfg Config
	d   Deps
	log logx.Logger
}

func NewProcessor(cfg Config, d Deps) (*Processor, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("worker: store is required")
	case d.Resolver == nil:
		return nil, errors.New("worker: resolver is required")
	case d.Downloader == nil:
		return nil, errors.New("worker: downloader is required")
	case d.Deliverer == nil:
		return nil, errors.New("worker: deliverer is required")
	case d.Messenger == nil:
		return nil, errors.New("worker: messenger is required")
	}
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 15 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("worker: download dir: %w", err)
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{cfg: cfg, d: d, log: log}, nil
}

// run is the per-job state.
type run struct {
	env    job.Envelope
	art    Artifact
	stage  Stage
	log    logx.Logger
	status transport.MessageRef
	chat   transport.ChatTarget
	// quiet is set once progress edits for the job have been stopped.
	quiet  bool
}

// Handle processes env to a terminal outcome. It matches queue.Handler; a
// non-nil error is a *StageError and the user has already been told.
func (p *Processor) Handle(ctx context.Context, env job.Envelope) (err error) {
	r := &run{
		env:   env,
		art:   NewArtifact(p.cfg.Dir, env),
		stage: StageResolving,
		log: p.log.With(
			logx.String("job", env.JobID),
			logx.String("hash", env.ShortHash()),
			logx.Int64("requester", env.RequesterID),
		),
		// Intake only accepts private chats, where chat id equals user id.
		chat:   transport.ChatTarget{ChatID: env.RequesterID},
		status: transport.MessageRef{ChatID: env.RequesterID, MessageID: env.CorrelationMessageID},
	}
	start := time.Now()
	r.log.Info("job.started", logx.Duration("queued", queuedFor(env, start)))
	p.checkDestination(r)

	defer func() {
		p.stopProgress(r)
		n, rerr := r.art.Remove()
		if rerr != nil {
			r.log.Error("job.cleanup_failed", logx.Err(rerr))
		} else if n > 0 {
			r.log.Debug("job.cleanup", logx.Int("files", n))
		}
	}()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("job.panic", logx.Any("panic", rec), logx.String("stage", string(r.stage)), logx.Stack(string(debug.Stack())))
			err = p.fail(ctx, r, fmt.Errorf("panic: %v", rec), texts.ErrProcessing)
		}
	}()

	if err := p.process(ctx, r); err != nil {
		return err
	}
	r.log.Info("job.done", logx.Duration("took", time.Since(start)))
	p.publish("job.done", r, StageDone)
	return nil
}

func (p *Processor) process(ctx context.Context, r *run) error {
	env := r.env

	// A job for the same link may have finished while this one was queued.
	if rec, ok, err := p.d.Store.FindByHash(ctx, env.LinkHash); err != nil {
		r.log.Warn("dedup.lookup_failed", logx.Err(err))
	} else if ok {
		r.log.Info("dedup.hit", logx.String("locator", rec.DeliveryLocator))
		p.enter(r, StageRecording)
		p.editStatus(ctx, r, texts.DuplicateFound)
		return p.handOff(ctx, r, rec.DeliveryLocator)
	}

	p.enter(r, StageResolving)
	st, err := p.d.Resolver.Resolve(ctx, env.Link)
	if err != nil {
		return p.fail(ctx, r, err, texts.ErrDownloadFailed)
	}
	env.Stream = &job.StreamMetadata{
		StreamURL:    st.URL,
		Name:         st.Name,
		Duration:     st.Duration,
		Quality:      st.Quality,
		SizeText:     st.SizeText,
		ThumbnailURL: st.ThumbnailURL,
	}
	r.env = env

	p.enter(r, StageDownloading)
	res, err := p.d.Downloader.Download(ctx, st.URL, r.art.Video, func(pr media.Progress) {
		p.progress(r, progress.Event{
			Phase:   progress.PhaseDownload,
			Percent: pr.Percent(),
			Bytes:   pr.Bytes,
			Speed:   pr.Speed,
		})
	})
	if err != nil {
		return p.fail(ctx, r, err, texts.ErrDownloadFailed)
	}

	var thumb string
	if p.d.Post != nil && st.ThumbnailURL != "" {
		p.enter(r, StagePostProcessing)
		thumb, err = p.d.Post.Process(ctx, r.art, st)
		if err != nil {
			r.log.Warn("job.postprocess_failed", logx.Err(err))
		}
		if thumb != "" {
			if _, serr := os.Stat(thumb); serr != nil {
				thumb = ""
			}
		}
	}

	p.enter(r, StageDelivering)
	duration := res.Duration
	if duration <= 0 {
		duration = st.Duration
	}
	out, err := p.d.Deliverer.Deliver(ctx, pool.Upload{
		Path:          r.art.Video,
		FileName:      fileName(st, env),
		Caption:       caption(st, env, res),
		Duration:      duration,
		Width:         st.Width,
		Height:        st.Height,
		ThumbnailPath: thumb,
		Progress: func(sent, total int64) {
			pct := 0.0
			if total > 0 {
				pct = float64(sent) / float64(total) * 100
			}
			p.progress(r, progress.Event{Phase: progress.PhaseUpload, Percent: pct, Bytes: sent, Total: total})
		},
	})
	if err != nil {
		return p.fail(ctx, r, err, texts.ErrUploadFailed)
	}

	p.enter(r, StageRecording)
	locator := out.Locator
	inserted, err := storage.Save(ctx, p.d.Store, storage.DeliveryRecord{
		LinkHash:        env.LinkHash,
		OriginalLink:    env.Link,
		DeliveryLocator: out.Locator,
		ArtifactID:      out.Delivered.ArtifactID,
		SizeBytes:       out.Delivered.SizeBytes,
	})
	switch {
	case err != nil:
		// The upload exists; only future dedup is lost.
		r.log.Error("dedup.save_failed", logx.Err(err))
	case !inserted:
		if rec, ok, ferr := p.d.Store.FindByHash(ctx, env.LinkHash); ferr == nil && ok {
			r.log.Info("dedup.race_lost", logx.String("ours", out.Locator), logx.String("winner", rec.DeliveryLocator))
			locator = rec.DeliveryLocator
		}
	default:
		r.log.Info("dedup.saved", logx.String("locator", locator))
	}

	return p.handOff(ctx, r, locator)
}

// handOff forwards the stored delivery to the requester. The forward is the
// job's terminal message.
func (p *Processor) handOff(ctx context.Context, r *run, locator string) error {
	if _, err := p.d.Deliverer.Forward(ctx, locator, r.chat); err != nil {
		return p.fail(ctx, r, err, texts.ErrUploadFailed)
	}
	p.stopProgress(r)
	p.editStatus(ctx, r, texts.Success)
	return nil
}

// fail sends the one terminal error message for the job.
func (p *Processor) fail(ctx context.Context, r *run, err error, userMsg string) error {
	stage := r.stage
	r.log.Error("job.failed", logx.String("stage", string(stage)), logx.Err(err))
	p.publish("job.failed", r, stage)
	r.stage = StageFailed
	p.stopProgress(r)

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.NotifyTimeout)
	defer cancel()
	if _, serr := p.d.Messenger.SendText(nctx, r.chat, userMsg, nil); serr != nil {
		r.log.Warn("job.notify_failed", logx.Err(serr))
	}
	return &StageError{Stage: stage, Err: err}
}

func (p *Processor) editStatus(ctx context.Context, r *run, text string) {
	if r.status.IsZero() {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.NotifyTimeout)
	defer cancel()
	if err := p.d.Messenger.EditText(nctx, r.status, text, nil); err != nil {
		r.log.Debug("job.status_edit_failed", logx.Err(err))
	}
}

func (p *Processor) enter(r *run, s Stage) {
	r.stage = s
	r.log.Debug("job.stage", logx.String("stage", string(s)))
	p.publish("job.stage", r, s)
}

func (p *Processor) publish(typ string, r *run, s Stage) {
	if p.d.Bus == nil {
		return
	}
	p.d.Bus.Publish(eventbus.Event{Type: typ, Data: StageEvent{JobID: r.env.JobID, Hash: r.env.LinkHash, Stage: s}})
}

// checkDestination reports an envelope enqueued for a different destination
// than this worker delivers to, which means the bot and worker configs
// disagree.
func (p *Processor) checkDestination(r *run) {
	want, got := p.cfg.DestinationID, r.env.DestinationID
	if want == 0 || got == want {
		return
	}
	r.log.Warn("job.destination_mismatch", logx.Int64("envelope", got), logx.Int64("configured", want))
	if p.d.Bus != nil {
		p.d.Bus.Publish(eventbus.Event{
			Type: "job.destination_mismatch",
			Data: MismatchEvent{JobID: r.env.JobID, Envelope: got, Configured: want},
		})
	}
}

// stopProgress ends progress edits before the terminal status so a late
// sample cannot overwrite it.
func (p *Processor) stopProgress(r *run) {
	if p.d.Progress == nil || r.quiet {
		return
	}
	r.quiet = true
	p.d.Progress.Finish(r.env.JobID)
}

func (p *Processor) progress(r *run, ev progress.Event) {
	if p.d.Progress == nil {
		return
	}
	ev.JobID = r.env.JobID
	ev.Ref = r.status
	p.d.Progress.Publish(ev)
}

func queuedFor(env job.Envelope, now time.Time) time.Duration {
	if env.EnqueuedAt <= 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(env.EnqueuedAt))
}

func fileName(st resolve.Stream, env job.Envelope) string {
	name := strings.TrimSpace(st.Name)
	if name == "" {
		return "video_" + env.ShortHash() + ".mp4"
	}
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	if !strings.HasSuffix(strings.ToLower(name), ".mp4") {
		name += ".mp4"
	}
	return name
}

func caption(st resolve.Stream, env job.Envelope, res media.Result) string {
	var lines []string
	if st.Name != "" {
		lines = append(lines, "🎬 "+st.Name)
	}
	size := st.SizeText
	if res.Size > 0 {
		size = humanize.Bytes(uint64(res.Size))
	}
	if size != "" {
		lines = append(lines, "📦 "+size)
	}
	if d := res.Duration; d > 0 {
		lines = append(lines, "⏱ "+d.Truncate(time.Second).String())
	}
	if st.Quality != "" {
		lines = append(lines, "🎞 "+st.Quality)
	}
	lines = append(lines, "#"+env.ShortHash())
	return strings.Join(lines, "\n")
}
