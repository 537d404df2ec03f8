package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"boxrelay/internal/config"
	"boxrelay/internal/job"
	"boxrelay/internal/queue"
	"boxrelay/internal/storage"
	"boxrelay/internal/worker"
	logx "boxrelay/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      config.StorageConfig
		want    storage.Config
		wantErr string
	}{
		{"sqlite default busy", config.StorageConfig{Driver: "sqlite", Path: "a.db"}, storage.Config{Driver: "sqlite", Path: "a.db", BusyTimeout: 5 * time.Second}, ""},
		{"empty driver is sqlite", config.StorageConfig{Path: "a.db", BusyTimeout: "2s"}, storage.Config{Driver: "sqlite", Path: "a.db", BusyTimeout: 2 * time.Second}, ""},
		{"file", config.StorageConfig{Driver: " FILE ", Path: "recs"}, storage.Config{Driver: "file", Path: "recs"}, ""},
		{"sqlite needs path", config.StorageConfig{Driver: "sqlite"}, storage.Config{}, "storage.path"},
		{"bad busy", config.StorageConfig{Driver: "sqlite", Path: "a.db", BusyTimeout: "soon"}, storage.Config{}, "storage.busy_timeout"},
		{"unknown", config.StorageConfig{Driver: "mongo", Path: "x"}, storage.Config{}, "unknown storage.driver"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err=%v want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestMapQueueConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Queue: config.QueueConfig{
			Driver: "redis",
			Redis:  config.RedisConfig{Addr: "127.0.0.1:6379", DB: 2},
		},
		Worker: config.WorkerConfig{Concurrency: 3},
	}
	qc, opt, err := mapQueueConfig(cfg)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if qc.Name != queue.DefaultName || qc.Redis.DB != 2 || qc.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("config=%+v", qc)
	}
	if opt.PollInterval != time.Second || opt.Concurrency != 3 {
		t.Fatalf("options=%+v", opt)
	}

	cfg.Queue.PollInterval = "-1s"
	if _, _, err := mapQueueConfig(cfg); err == nil {
		t.Fatalf("negative poll interval accepted")
	}
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	_, dir, err := mapDownloaderConfig(cfg)
	if err != nil || dir != defaultDownloadDir {
		t.Fatalf("dir=%q err=%v", dir, err)
	}
	sc, err := mapSweepConfig(cfg)
	if err != nil || sc.Spec != defaultSweepSpec || sc.MaxAge != defaultOrphanAge {
		t.Fatalf("sweep=%+v err=%v", sc, err)
	}
	po, err := mapProgressOptions(cfg)
	if err != nil || po.MinInterval != 3*time.Second || po.QuietPeriod != 10*time.Minute {
		t.Fatalf("progress=%+v err=%v", po, err)
	}
	ac, err := mapAdapterConfig(&config.Config{Telegram: config.TelegramConfig{APIURL: "http://bot.local/"}}, true)
	if err != nil || ac.APIURL != "http://bot.local" || ac.PollTimeout != 10*time.Second || !ac.Offline {
		t.Fatalf("adapter=%+v err=%v", ac, err)
	}
}

func TestMapLogConfigUsesGroupLog(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Telegram: config.TelegramConfig{GroupLog: -1009},
		Logging: config.LoggingConfig{
			Level:    "debug",
			Telegram: config.LoggingTelegram{Enabled: true, ThreadID: 4, MinLevel: "error"},
		},
	}
	lc := mapLogConfig(cfg)
	if lc.Level != "debug" || !lc.Telegram.Enabled || lc.Telegram.ChatID != -1009 || lc.Telegram.ThreadID != 4 {
		t.Fatalf("log config=%+v", lc)
	}
}

func TestMapPoolClientsDedupesTokens(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Delivery: config.DeliveryConfig{
		Tokens: []string{"111:aaa, 222:bbb", "111:aaa", " "},
		APIURL: "http://127.0.0.1:1",
	}}
	clients, err := mapPoolClients(cfg)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("clients=%d want 2", len(clients))
	}
	if clients[0].Handle() == clients[1].Handle() {
		t.Fatalf("handles collide: %q", clients[0].Handle())
	}

	cfg.Delivery.SendTimeout = "forever"
	if _, err := mapPoolClients(cfg); err == nil {
		t.Fatalf("bad send_timeout accepted")
	}
}

func writeAdminConfig(t *testing.T) (Options, string) {
	t.Helper()
	dir := t.TempDir()
	body := "queue:\n" +
		"  driver: sqlite\n" +
		"  path: " + filepath.Join(dir, "queue.db") + "\n" +
		"storage:\n" +
		"  driver: file\n" +
		"  path: " + filepath.Join(dir, "records") + "\n" +
		"downloader:\n" +
		"  dir: " + filepath.Join(dir, "dl") + "\n" +
		"logging:\n" +
		"  level: error\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return Options{ConfigPath: path}, dir
}

func TestAdminQueueAndRecords(t *testing.T) {
	t.Parallel()

	opt, _ := writeAdminConfig(t)
	a, err := NewAdmin(opt)
	if err != nil {
		t.Fatalf("NewAdmin: %v", err)
	}
	ctx := context.Background()

	err = a.withQueue(ctx, func(q *queue.Queue) error {
		for i := 0; i < 3; i++ {
			if err := q.Push(ctx, job.New("https://terabox.com/s/1abc", 42, -100, i+1)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	name, n, err := a.QueueSize(ctx)
	if err != nil || n != 3 || name != queue.DefaultName {
		t.Fatalf("size=%d name=%q err=%v", n, name, err)
	}
	if cleared, err := a.ClearQueue(ctx); err != nil || cleared != 3 {
		t.Fatalf("cleared=%d err=%v", cleared, err)
	}
	if _, n, _ := a.QueueSize(ctx); n != 0 {
		t.Fatalf("size after clear=%d", n)
	}

	hash, err := linkHash("https://terabox.com/s/1abc")
	if err != nil {
		t.Fatalf("linkHash: %v", err)
	}
	err = a.withStore(func(s storage.Store) error {
		_, err := storage.Save(ctx, s, storage.DeliveryRecord{
			LinkHash:        hash,
			OriginalLink:    "https://terabox.com/s/1abc",
			DeliveryLocator: "-100:5",
			CreatedAt:       time.Now(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if n, err := a.Records(ctx); err != nil || n != 1 {
		t.Fatalf("records=%d err=%v", n, err)
	}
	rec, ok, err := a.Lookup(ctx, "see https://terabox.com/s/1abc/ please")
	if err != nil || !ok || rec.DeliveryLocator != "-100:5" {
		t.Fatalf("lookup=%+v ok=%v err=%v", rec, ok, err)
	}
	if removed, err := a.Forget(ctx, "https://terabox.com/s/1abc"); err != nil || !removed {
		t.Fatalf("forget removed=%v err=%v", removed, err)
	}
	if removed, _ := a.Forget(ctx, "https://terabox.com/s/1abc"); removed {
		t.Fatalf("second forget removed a record")
	}
	if _, err := a.Forget(ctx, "https://example.com"); err == nil {
		t.Fatalf("unsupported link accepted")
	}
}

func TestAdminSweep(t *testing.T) {
	t.Parallel()

	opt, dir := writeAdminConfig(t)
	a, err := NewAdmin(opt)
	if err != nil {
		t.Fatalf("NewAdmin: %v", err)
	}
	dl := filepath.Join(dir, "dl")
	if err := os.MkdirAll(dl, 0o755); err != nil {
		t.Fatal(err)
	}
	old := filepath.Join(dl, worker.FilePrefix+"old.mp4")
	fresh := filepath.Join(dl, worker.FilePrefix+"fresh.mp4")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("data"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	res, err := a.Sweep(0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Removed != 1 || res.Scanned != 2 {
		t.Fatalf("result=%+v", res)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
}

func TestStepBoundsSlowShutdown(t *testing.T) {
	t.Parallel()

	r := &runtime{log: logx.Nop()}
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	r.step(context.Background(), "stuck", 50*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("step blocked for %v", took)
	}

	ran := false
	r.step(context.Background(), "panics", time.Second, func(context.Context) error {
		ran = true
		panic("boom")
	})
	if !ran {
		t.Fatalf("step did not run")
	}
}
