// Package media runs ffmpeg to pull a resolved stream into a local file and
// prepares thumbnails for it.
package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "boxrelay/pkg/logx"
)

var (
	// ErrDownload covers non-zero exit, missing or empty output.
	ErrDownload = errors.New("download failed")
	// ErrTimeout means ffmpeg ran past its wall-clock budget and was killed.
	ErrTimeout = errors.New("download timed out")
)

const (
	defaultFFmpeg        = "ffmpeg"
	defaultThreads       = 2
	defaultMaxConcurrent = 3
	defaultTimeout       = time.Hour
	defaultUserAgent     = "Mozilla/5.0 (Linux; Android 10; K) AppleWebKit/537.36"
	stderrTail           = 20
)

type Config struct {
	FFmpegPath    string
	MaxConcurrent int
	Timeout       time.Duration
	Threads       int
	UserAgent     string
}

// Progress is one snapshot from ffmpeg's -progress stream.
type Progress struct {
	OutTime  time.Duration
	Total    time.Duration
	Bytes    int64
	Speed    string
	Finished bool
}

// Percent is OutTime over Total, or 0 while the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.OutTime) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

type Result struct {
	Path     string
	Size     int64
	Duration time.Duration
}

// Downloader runs ffmpeg stream copies. At most MaxConcurrent processes run
// at once; callers beyond that wait for a slot.
type Downloader struct {
	cfg Config
	sem chan struct{}
	log logx.Logger
}

func NewDownloader(cfg Config, log logx.Logger) *Downloader {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = defaultFFmpeg
	}
	if cfg.Threads <= 0 {
		cfg.Threads = defaultThreads
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Downloader{cfg: cfg, sem: make(chan struct{}, cfg.MaxConcurrent), log: log}
}

// Args is the ffmpeg command line for copying src into out.
func (d *Downloader) Args(src, out string) []string {
	return []string{
		"-y",
		"-threads", strconv.Itoa(d.cfg.Threads),
		"-user_agent", d.cfg.UserAgent,
		"-i", src,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		"-loglevel", "info",
		out,
	}
}

func (d *Downloader) acquire(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Downloader) release() { <-d.sem }

// Download copies src into out. onProgress is called from the reader
// goroutine and must not block.
func (d *Downloader) Download(ctx context.Context, src, out string, onProgress func(Progress)) (Result, error) {
	if err := d.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer d.release()

	start := time.Now()
	var (
		mu    sync.Mutex
		total time.Duration
		tail  []string
	)
	err := d.run(ctx, d.Args(src, out),
		func(line string) {
			mu.Lock()
			defer mu.Unlock()
			if total == 0 {
				if dur, ok := ParseDurationLine(line); ok {
					total = dur
					d.log.Debug("download.duration", logx.Duration("total", dur))
				}
			}
			tail = append(tail, line)
			if len(tail) > stderrTail {
				tail = tail[1:]
			}
		},
		func(p Progress) {
			mu.Lock()
			p.Total = total
			mu.Unlock()
			if onProgress != nil {
				onProgress(p)
			}
		},
	)
	if err != nil {
		if errors.Is(err, ErrDownload) {
			mu.Lock()
			err = fmt.Errorf("%w\n%s", err, strings.Join(tail, "\n"))
			mu.Unlock()
		}
		return Result{}, err
	}

	st, err := os.Stat(out)
	if err != nil {
		return Result{}, fmt.Errorf("%w: output missing: %v", ErrDownload, err)
	}
	if st.Size() == 0 {
		return Result{}, fmt.Errorf("%w: output empty", ErrDownload)
	}
	mu.Lock()
	res := Result{Path: out, Size: st.Size(), Duration: total}
	mu.Unlock()
	d.log.Info("download.done",
		logx.Int64("size", res.Size),
		logx.Duration("media", res.Duration),
		logx.Duration("took", time.Since(start)),
	)
	return res, nil
}

// run executes ffmpeg with args, feeding stderr lines to onStderr and parsed
// -progress snapshots to onProgress.
func (d *Downloader) run(ctx context.Context, args []string, onStderr func(string), onProgress func(Progress)) error {
	tctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, d.cfg.FFmpegPath, args...)
	cmd.WaitDelay = 5 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrDownload, d.cfg.FFmpegPath, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stderr, onStderr)
	}()
	go func() {
		defer wg.Done()
		var pp ProgressParser
		scanLines(stdout, func(line string) {
			if p, ok := pp.Feed(line); ok && onProgress != nil {
				onProgress(p)
			}
		})
	}()
	wg.Wait()
	werr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %w", ErrDownload, d.cfg.Timeout, ErrTimeout)
	case werr != nil:
		return fmt.Errorf("%w: %v", ErrDownload, werr)
	}
	return nil
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && fn != nil {
			fn(line)
		}
	}
	// Drain so ffmpeg never blocks on a full pipe after a scan error.
	_, _ = io.Copy(io.Discard, r)
}

// ProgressParser accumulates ffmpeg -progress key=value lines. A block ends
// with a progress= line.
type ProgressParser struct {
	cur Progress
}

// Feed consumes one line and returns a snapshot when it closes a block.
func (p *ProgressParser) Feed(line string) (Progress, bool) {
	key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return Progress{}, false
	}
	val = strings.TrimSpace(val)
	switch key {
	case "out_time_us", "out_time_ms":
		// ffmpeg reports both in microseconds.
		if n, err := strconv.ParseInt(val, 10, 64); err == nil && n >= 0 {
			p.cur.OutTime = time.Duration(n) * time.Microsecond
		}
	case "total_size":
		if n, err := strconv.ParseInt(val, 10, 64); err == nil && n >= 0 {
			p.cur.Bytes = n
		}
	case "speed":
		if val != "N/A" {
			p.cur.Speed = val
		}
	case "progress":
		p.cur.Finished = val == "end"
		return p.cur, true
	}
	return Progress{}, false
}

var durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// ParseDurationLine extracts the input duration from an ffmpeg banner line.
func ParseDurationLine(line string) (time.Duration, bool) {
	m := durationRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	s, _ := strconv.ParseFloat(m[3], 64)
	d := time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(s*float64(time.Second))
	if d <= 0 {
		return 0, false
	}
	return d, true
}

// EmbedThumbnail muxes thumb into video as an attached picture. The video is
// replaced only when ffmpeg succeeds; tmp receives the intermediate file.
func (d *Downloader) EmbedThumbnail(ctx context.Context, video, thumb, tmp string) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()

	args := []string{
		"-y",
		"-i", video,
		"-i", thumb,
		"-map", "0",
		"-map", "1",
		"-c", "copy",
		"-disposition:v:1", "attached_pic",
		"-movflags", "+faststart",
		"-f", "mp4",
		"-nostats",
		"-loglevel", "error",
		tmp,
	}
	if err := d.run(ctx, args, nil, nil); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if st, err := os.Stat(tmp); err != nil || st.Size() == 0 {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: embed produced no output", ErrDownload)
	}
	return os.Rename(tmp, video)
}
