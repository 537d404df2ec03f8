// Package resolve turns a share link into a downloadable stream URL using the
// external resolver API, then picks the best HLS variant when the stream is a
// playlist.
package resolve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	logx "boxrelay/pkg/logx"
)

var ErrNoStream = errors.New("resolver returned no stream url")

// StatusError is a non-2xx answer from the resolver or playlist host.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20
	maxPlaylistBytes = 1 << 20
)

type Config struct {
	APIURL    string
	Timeout   time.Duration
	UserAgent string
}

// Stream is a resolved, downloadable stream plus display metadata.
type Stream struct {
	URL          string
	Name         string
	Duration     time.Duration
	Quality      string
	SizeText     string
	ThumbnailURL string
	Bandwidth    uint32
	Width        int
	Height       int
}

type Client struct {
	api  string
	ua   string
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		api:  strings.TrimSpace(cfg.APIURL),
		ua:   cfg.UserAgent,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

type apiResponse struct {
	M3U8URL   string          `json:"m3u8_url"`
	URL       string          `json:"url"`
	VideoURL  string          `json:"video_url"`
	Name      string          `json:"name"`
	Title     string          `json:"title"`
	Duration  json.RawMessage `json:"duration"`
	Quality   string          `json:"quality"`
	Size      json.RawMessage `json:"size"`
	Thumbnail string          `json:"thumbnail"`
}

// Resolve asks the API for link's stream and narrows an HLS master playlist
// to its highest-bandwidth variant. Streams that are not playlists are
// returned as is, and so is a playlist whose host cannot be read here, since
// the downloader may still fetch it. A failed API call is final; there is no
// retry at this layer.
func (c *Client) Resolve(ctx context.Context, link string) (Stream, error) {
	if c.api == "" {
		return Stream{}, errors.New("resolver api url not configured")
	}
	u, err := url.Parse(c.api)
	if err != nil {
		return Stream{}, fmt.Errorf("resolver api url: %w", err)
	}
	q := u.Query()
	q.Set("url", link)
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String(), maxResponseBytes)
	if err != nil {
		return Stream{}, err
	}
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Stream{}, fmt.Errorf("decode resolver response: %w", err)
	}

	st := Stream{
		URL:          firstNonEmpty(resp.M3U8URL, resp.URL, resp.VideoURL),
		Name:         firstNonEmpty(resp.Name, resp.Title),
		Duration:     parseDuration(resp.Duration),
		Quality:      resp.Quality,
		SizeText:     rawText(resp.Size),
		ThumbnailURL: resp.Thumbnail,
	}
	if st.URL == "" {
		return Stream{}, ErrNoStream
	}
	c.log.Debug("resolve.stream", logx.String("stream", st.URL))

	if !IsPlaylistURL(st.URL) {
		return st, nil
	}
	v, err := c.BestVariant(ctx, st.URL)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Stream{}, cerr
		}
		c.log.Warn("resolve.playlist_unreadable", logx.String("stream", redact(st.URL)), logx.Err(err))
		return st, nil
	}
	st.URL, st.Bandwidth, st.Width, st.Height = v.URL, v.Bandwidth, v.Width, v.Height
	return st, nil
}

// Variant is one entry of a master playlist.
type Variant struct {
	URL       string
	Bandwidth uint32
	Width     int
	Height    int
}

// BestVariant fetches playlistURL. For a master playlist it returns the
// variant with the highest bandwidth (larger resolution breaks ties); for a
// media playlist, or anything that does not parse as one, it returns
// playlistURL unchanged.
func (c *Client) BestVariant(ctx context.Context, playlistURL string) (Variant, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return Variant{}, fmt.Errorf("stream url: %w", err)
	}
	body, err := c.get(ctx, playlistURL, maxPlaylistBytes)
	if err != nil {
		return Variant{}, err
	}
	pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil || kind != m3u8.MASTER {
		return Variant{URL: playlistURL}, nil
	}
	master, ok := pl.(*m3u8.MasterPlaylist)
	if !ok || len(master.Variants) == 0 {
		return Variant{URL: playlistURL}, nil
	}

	var best *m3u8.Variant
	bestPixels := 0
	for _, v := range master.Variants {
		if v == nil || strings.TrimSpace(v.URI) == "" {
			continue
		}
		w, h := parseResolution(v.Resolution)
		if best == nil || v.Bandwidth > best.Bandwidth || (v.Bandwidth == best.Bandwidth && w*h > bestPixels) {
			best, bestPixels = v, w*h
		}
	}
	if best == nil {
		return Variant{URL: playlistURL}, nil
	}
	ref, err := url.Parse(strings.TrimSpace(best.URI))
	if err != nil {
		return Variant{}, fmt.Errorf("variant uri: %w", err)
	}
	w, h := parseResolution(best.Resolution)
	c.log.Info("resolve.variant",
		logx.Uint64("bandwidth", uint64(best.Bandwidth)),
		logx.String("resolution", best.Resolution),
		logx.Int("variants", len(master.Variants)),
	)
	return Variant{URL: base.ResolveReference(ref).String(), Bandwidth: best.Bandwidth, Width: w, Height: h}, nil
}

// IsPlaylistURL reports whether u names an HLS playlist, either by its path
// extension or by a query parameter such as type=M3U8_AUTO_720.
func IsPlaylistURL(u string) bool {
	pu, err := url.Parse(u)
	if err != nil {
		return false
	}
	path := strings.ToLower(pu.Path)
	if strings.HasSuffix(path, ".m3u8") || strings.HasSuffix(path, ".m3u") {
		return true
	}
	return strings.Contains(strings.ToLower(pu.RawQuery), "m3u8")
}

func (c *Client) get(ctx context.Context, u string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{URL: redact(u), Code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// redact drops the query so user links do not end up in error strings.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func parseResolution(s string) (int, int) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0
	}
	w, _ := strconv.Atoi(ws)
	h, _ := strconv.Atoi(hs)
	return w, h
}

// parseDuration accepts seconds as a number or numeric string, a Go duration
// string, or "HH:MM:SS".
func parseDuration(raw json.RawMessage) time.Duration {
	s := rawText(raw)
	if s == "" {
		return 0
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return time.Duration(f * float64(time.Second))
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	var total time.Duration
	for _, p := range parts {
		n, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0
		}
		total = total*60 + time.Duration(n*float64(time.Second))
	}
	return total
}

// rawText unquotes a JSON string or returns a bare literal as text.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
