package worker

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"boxrelay/internal/job"
)

// FilePrefix marks every file the worker writes into the download dir. The
// orphan sweep only touches files carrying it.
const FilePrefix = "terabox_"

// Artifact is the set of files one job may create. Video is the single temp
// artifact; Thumb and Part are sidecars.
type Artifact struct {
	Video string
	Thumb string
	Part  string
}

// NewArtifact names the job's files so two jobs for the same link never
// share a path.
func NewArtifact(dir string, env job.Envelope) Artifact {
	id := strings.ReplaceAll(env.JobID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	base := filepath.Join(dir, FilePrefix+env.ShortHash()+"_"+id)
	return Artifact{
		Video: base + ".mp4",
		Thumb: base + ".jpg",
		Part:  base + ".mp4.part",
	}
}

// Remove deletes every file of the artifact that exists.
func (a Artifact) Remove() (removed int, err error) {
	var errs []error
	for _, p := range []string{a.Video, a.Thumb, a.Part} {
		if p == "" {
			continue
		}
		switch rerr := os.Remove(p); {
		case rerr == nil:
			removed++
		case errors.Is(rerr, fs.ErrNotExist):
		default:
			errs = append(errs, rerr)
		}
	}
	return removed, errors.Join(errs...)
}

type SweepResult struct {
	Scanned int
	Removed int
	Bytes   int64
}

// Sweep removes worker files in dir whose modification time is older than
// maxAge. Files in use by a running job are younger than any sane maxAge.
func Sweep(dir string, maxAge time.Duration, now time.Time) (SweepResult, error) {
	var res SweepResult
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	cutoff := now.Add(-maxAge)
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), FilePrefix) {
			continue
		}
		res.Scanned++
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		res.Removed++
		res.Bytes += info.Size()
	}
	return res, errors.Join(errs...)
}
