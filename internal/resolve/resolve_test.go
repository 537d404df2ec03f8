package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "boxrelay/pkg/logx"
)

const master = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720
hd/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1400000,RESOLUTION=854x480
mid/index.m3u8
`

const media = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:10.0,
seg0.ts
#EXT-X-ENDLIST
`

func newServer(t *testing.T, api func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api", api)
	mux.HandleFunc("/v/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(master))
	})
	mux.HandleFunc("/v/media.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(media))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolvePicksBestVariant(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("url") != "https://x/s/abc123" {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"m3u8_url":  srv.URL + "/v/master.m3u8",
			"title":     "clip.mp4",
			"duration":  "00:01:05",
			"size":      "12.3 MB",
			"thumbnail": srv.URL + "/thumb.jpg",
		})
	})

	c := New(Config{APIURL: srv.URL + "/api", Timeout: 5 * time.Second}, logx.Nop())
	st, err := c.Resolve(context.Background(), "https://x/s/abc123")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if st.URL != srv.URL+"/v/hd/index.m3u8" {
		t.Fatalf("url=%q", st.URL)
	}
	if st.Width != 1280 || st.Height != 720 || st.Bandwidth != 2800000 {
		t.Fatalf("variant=%dx%d@%d", st.Width, st.Height, st.Bandwidth)
	}
	if st.Name != "clip.mp4" || st.Duration != 65*time.Second || st.SizeText != "12.3 MB" {
		t.Fatalf("meta=%+v", st)
	}
}

func TestResolveFallsBackToURLFields(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"video_url":"` + srv.URL + `/v/media.m3u8","duration":42}`))
	})
	c := New(Config{APIURL: srv.URL + "/api"}, logx.Nop())
	st, err := c.Resolve(context.Background(), "https://x/s/abc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if st.URL != srv.URL+"/v/media.m3u8" || st.Duration != 42*time.Second {
		t.Fatalf("stream=%+v", st)
	}
}

func TestResolveSkipsPlaylistFetch(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	host := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusForbidden)
	}))
	t.Cleanup(host.Close)

	cases := []struct {
		name     string
		stream   string
		wantHits int32
	}{
		{"direct mp4", host.URL + "/file/clip.mp4?sign=abc", 0},
		{"unreadable playlist", host.URL + "/hls/index.m3u8", 1},
		{"playlist by query", host.URL + "/api/streaming?type=M3U8_AUTO_720", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hits.Store(0)
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{"video_url": tc.stream})
			})
			c := New(Config{APIURL: srv.URL + "/api"}, logx.Nop())
			st, err := c.Resolve(context.Background(), "https://x/s/abc")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if st.URL != tc.stream {
				t.Fatalf("url=%q want %q", st.URL, tc.stream)
			}
			if got := hits.Load(); got != tc.wantHits {
				t.Fatalf("stream host hit %d times, want %d", got, tc.wantHits)
			}
		})
	}
}

func TestIsPlaylistURL(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"https://cdn/v/master.m3u8":              true,
		"https://cdn/v/INDEX.M3U8?x=1":           true,
		"https://cdn/stream?type=M3U8_AUTO_1080": true,
		"https://cdn/v/clip.mp4":                 false,
		"https://cdn/v/clip.mp4?sign=1":          false,
		"::not a url":                            false,
	}
	for u, want := range cases {
		if got := IsPlaylistURL(u); got != want {
			t.Fatalf("IsPlaylistURL(%q)=%v want %v", u, got, want)
		}
	}
}

func TestResolveFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		api   func(w http.ResponseWriter, r *http.Request)
		check func(error) bool
	}{
		{
			name: "status",
			api: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", http.StatusBadGateway)
			},
			check: func(err error) bool {
				var se *StatusError
				return errors.As(err, &se) && se.Code == http.StatusBadGateway
			},
		},
		{
			name: "no url",
			api: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"name":"x"}`))
			},
			check: func(err error) bool { return errors.Is(err, ErrNoStream) },
		},
		{
			name: "not json",
			api: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			check: func(err error) bool { return err != nil },
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, tc.api)
			c := New(Config{APIURL: srv.URL + "/api"}, logx.Nop())
			if _, err := c.Resolve(context.Background(), "https://x/s/abc"); !tc.check(err) {
				t.Fatalf("err=%v", err)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Duration{
		`90`:         90 * time.Second,
		`"12.5"`:     12500 * time.Millisecond,
		`"1m30s"`:    90 * time.Second,
		`"01:02:03"`: time.Hour + 2*time.Minute + 3*time.Second,
		`"04:05"`:    4*time.Minute + 5*time.Second,
		`"soon"`:     0,
		`null`:       0,
	}
	for in, want := range cases {
		if got := parseDuration(json.RawMessage(in)); got != want {
			t.Fatalf("parseDuration(%s)=%v want %v", in, got, want)
		}
	}
}
