package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"
)

const testToken = "123456:secret"

// botAPI answers Bot API methods with canned JSON bodies.
func botAPI(t *testing.T, replies map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		method := strings.TrimPrefix(r.URL.Path, "/bot"+testToken+"/")
		body, ok := replies[method]
		if !ok {
			body = `{"ok":false,"error_code":404,"description":"Not Found"}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string) *TelegramClient {
	t.Helper()
	c, err := NewTelegramClient(TelegramConfig{Token: testToken, APIURL: url, SendTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewTelegramClient: %v", err)
	}
	return c
}

func TestClassifyTelegram(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		kind Kind
		wait time.Duration
	}{
		{"kicked", tele.ErrKickedFromGroup, KindAccessDenied, 0},
		{"chat not found", tele.ErrChatNotFound, KindAccessDenied, 0},
		{"not channel member", tele.ErrNotChannelMember, KindAccessDenied, 0},
		{"no rights", tele.ErrNoRightsToSend, KindAccessDenied, 0},
		{"plain 403", tele.NewError(403, "Forbidden: bot can't initiate conversation"), KindAccessDenied, 0},
		{"retry after text", errors.New("telegram: Too Many Requests: retry after 7 (429)"), KindRateLimited, 7 * time.Second},
		{"generic 400", fmt.Errorf("telegram: %s (%d)", "Bad Request: wrong file identifier", 400), KindOther, 0},
		{"too large", tele.ErrTooLarge, KindOther, 0},
		{"network", errors.New("dial tcp: connection refused"), KindOther, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := classifyTelegram(tc.err)
			if !errors.Is(err, tc.err) {
				t.Fatalf("classified error lost its cause: %v", err)
			}
			kind, wait := Classify(err)
			if kind != tc.kind || wait != tc.wait {
				t.Fatalf("got %s/%s want %s/%s", kind, wait, tc.kind, tc.wait)
			}
		})
	}
	if classifyTelegram(nil) != nil {
		t.Fatalf("nil error classified")
	}
}

func TestProbeRoles(t *testing.T) {
	t.Parallel()

	const (
		channel    = `{"ok":true,"result":{"id":-1001,"type":"channel","username":"vault"}}`
		private    = `{"ok":true,"result":{"id":-1001,"type":"channel"}}`
		supergroup = `{"ok":true,"result":{"id":-1001,"type":"supergroup"}}`
	)
	member := func(status string, canPost bool) string {
		return fmt.Sprintf(`{"ok":true,"result":{"user":{"id":123456,"is_bot":true},"status":%q,"can_post_messages":%v}}`, status, canPost)
	}

	cases := []struct {
		name   string
		chat   string
		member string
		kind   Kind
		wait   time.Duration
		ok     bool
	}{
		{"creator", channel, member("creator", false), 0, 0, true},
		{"channel admin who can post", channel, member("administrator", true), 0, 0, true},
		{"channel admin without post rights", channel, member("administrator", false), KindAccessDenied, 0, false},
		{"private channel admin without post rights", private, member("administrator", false), KindAccessDenied, 0, false},
		{"channel member", channel, member("member", false), KindAccessDenied, 0, false},
		{"group member", supergroup, member("member", false), 0, 0, true},
		{"group admin", supergroup, member("administrator", false), 0, 0, true},
		{"left", supergroup, member("left", false), KindAccessDenied, 0, false},
		{"kicked", channel, member("kicked", false), KindAccessDenied, 0, false},
		{"chat not found", `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, "", KindAccessDenied, 0, false},
		{"flood", `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`, "", KindRateLimited, 7 * time.Second, false},
		{"kicked on member lookup", supergroup, `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked from the group chat"}`, KindAccessDenied, 0, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			replies := map[string]string{"getChat": tc.chat}
			if tc.member != "" {
				replies["getChatMember"] = tc.member
			}
			c := newTestClient(t, botAPI(t, replies).URL)

			err := c.Probe(context.Background(), -1001)
			if tc.ok {
				if err != nil {
					t.Fatalf("probe: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("probe passed, want %s", tc.kind)
			}
			kind, wait := Classify(err)
			if kind != tc.kind || wait != tc.wait {
				t.Fatalf("got %s/%s want %s/%s (%v)", kind, wait, tc.kind, tc.wait, err)
			}
		})
	}
}

func TestProbeCancelled(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Probe(ctx, -1001); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestTelegramUpload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("abcd"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Run("delivered", func(t *testing.T) {
		t.Parallel()
		srv := botAPI(t, map[string]string{
			"sendVideo": `{"ok":true,"result":{"message_id":55,"date":0,"chat":{"id":-1001,"type":"channel"},"video":{"file_id":"vid1","file_unique_id":"u1","width":0,"height":0,"duration":0,"file_size":4}}}`,
		})
		c := newTestClient(t, srv.URL)

		var (
			mu   sync.Mutex
			last int64
		)
		got, err := c.Upload(context.Background(), -1001, Upload{
			Path: path,
			Progress: func(sent, total int64) {
				mu.Lock()
				last = sent
				mu.Unlock()
			},
		})
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		if got.ChatID != -1001 || got.MessageID != 55 || got.ArtifactID != "vid1" || got.SizeBytes != 4 {
			t.Fatalf("delivered=%+v", got)
		}
		mu.Lock()
		defer mu.Unlock()
		if last != 4 {
			t.Fatalf("progress reported %d of 4 bytes", last)
		}
	})

	t.Run("flood", func(t *testing.T) {
		t.Parallel()
		srv := botAPI(t, map[string]string{
			"sendVideo": `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`,
		})
		c := newTestClient(t, srv.URL)

		_, err := c.Upload(context.Background(), -1001, Upload{Path: path})
		if kind, wait := Classify(err); kind != KindRateLimited || wait != 3*time.Second {
			t.Fatalf("got %s/%s (%v)", kind, wait, err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		c := newTestClient(t, "http://127.0.0.1:1")
		if _, err := c.Upload(context.Background(), -1001, Upload{Path: filepath.Join(t.TempDir(), "gone.mp4")}); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("err=%v", err)
		}
	})
}
