package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"boxrelay/internal/job"
	logx "boxrelay/pkg/logx"
)

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Backend { return NewMemory() },
		"sqlite": func(t *testing.T) Backend {
			b, err := NewSQLite(filepath.Join(t.TempDir(), "queue.db"), DefaultName)
			if err != nil {
				t.Fatalf("sqlite backend: %v", err)
			}
			return b
		},
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			b, err := NewRedis(context.Background(), DefaultName, RedisOptions{Addr: mr.Addr()})
			if err != nil {
				t.Fatalf("redis backend: %v", err)
			}
			return b
		},
	}
}

func envelope(i int) job.Envelope {
	return job.New(fmt.Sprintf("https://x/s/job%03d", i), int64(100+i), -1001, i+1)
}

func newTestQueue(t *testing.T, b Backend, opt Options) *Queue {
	t.Helper()
	if opt.PollInterval == 0 {
		opt.PollInterval = 50 * time.Millisecond
	}
	q := New(DefaultName, b, opt, logx.Nop())
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	for name, mk := range backends() {
		mk := mk
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			q := newTestQueue(t, mk(t), Options{})
			ctx := context.Background()

			const n = 20
			want := make([]string, 0, n)
			for i := 0; i < n; i++ {
				e := envelope(i)
				want = append(want, e.LinkHash)
				if err := q.Push(ctx, e); err != nil {
					t.Fatalf("push %d: %v", i, err)
				}
			}
			if size, err := q.Size(ctx); err != nil || size != n {
				t.Fatalf("size=%d err=%v", size, err)
			}

			cctx, cancel := context.WithCancel(ctx)
			var got []string
			done := make(chan error, 1)
			go func() {
				done <- q.Consume(cctx, func(_ context.Context, e job.Envelope) error {
					got = append(got, e.LinkHash)
					if len(got) == n {
						cancel()
					}
					return nil
				})
			}()
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("consume: %v", err)
				}
			case <-time.After(10 * time.Second):
				cancel()
				t.Fatalf("consume did not finish")
			}

			if len(got) != n {
				t.Fatalf("consumed %d of %d", len(got), n)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("position %d: got %s want %s", i, got[i][:8], want[i][:8])
				}
			}
		})
	}
}

func TestHandlerErrorDropsJob(t *testing.T) {
	t.Parallel()

	for name, mk := range backends() {
		mk := mk
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			q := newTestQueue(t, mk(t), Options{})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := q.Push(ctx, envelope(1)); err != nil {
				t.Fatalf("push: %v", err)
			}
			calls := 0
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = q.Consume(ctx, func(context.Context, job.Envelope) error {
					calls++
					return errors.New("boom")
				})
			}()

			// Long enough for a redelivery to show up if there were one.
			time.Sleep(300 * time.Millisecond)
			cancel()
			<-done

			if calls != 1 {
				t.Fatalf("handler called %d times, want 1", calls)
			}
			if size, _ := q.Size(context.Background()); size != 0 {
				t.Fatalf("job was requeued, size=%d", size)
			}
			if st := q.Stats(); st.Failed != 1 || st.Consumed != 1 {
				t.Fatalf("stats=%+v", st)
			}
		})
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, NewMemory(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	_ = q.Push(ctx, envelope(1))
	_ = q.Push(ctx, envelope(2))

	var seen []int
	err := q.Consume(ctx, func(_ context.Context, e job.Envelope) error {
		seen = append(seen, e.CorrelationMessageID)
		if e.CorrelationMessageID == 2 {
			panic("handler bug")
		}
		if len(seen) == 2 {
			cancel()
		}
		return nil
	})
	_ = err
	// The panic on job 1 (correlation id 2) must not stop the loop.
	if len(seen) != 2 {
		t.Fatalf("seen=%v", seen)
	}
	if q.Stats().Failed != 1 {
		t.Fatalf("panic not counted as failure: %+v", q.Stats())
	}
}

func TestUndecodablePayloadIsDropped(t *testing.T) {
	t.Parallel()

	b := NewMemory()
	q := newTestQueue(t, b, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = b.Push(ctx, []byte(`{"link":""}`))
	_ = q.Push(ctx, envelope(7))

	var got []job.Envelope
	_ = q.Consume(ctx, func(_ context.Context, e job.Envelope) error {
		got = append(got, e)
		cancel()
		return nil
	})
	if len(got) != 1 || got[0].CorrelationMessageID != 8 {
		t.Fatalf("got=%+v", got)
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("stats=%+v", q.Stats())
	}
}

func TestConsumeStopsPromptlyWhenIdle(t *testing.T) {
	t.Parallel()

	for name, mk := range backends() {
		mk := mk
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			q := newTestQueue(t, mk(t), Options{PollInterval: time.Second})
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = q.Consume(ctx, func(context.Context, job.Envelope) error { return nil })
			}()
			time.Sleep(50 * time.Millisecond)
			start := time.Now()
			cancel()
			select {
			case <-done:
			case <-time.After(3 * time.Second):
				t.Fatalf("consume ignored cancellation")
			}
			if waited := time.Since(start); waited > 2500*time.Millisecond {
				t.Fatalf("stop took %s", waited)
			}
		})
	}
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, NewMemory(), Options{Concurrency: 3})
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 9; i++ {
		_ = q.Push(ctx, envelope(i))
	}

	var (
		mu       sync.Mutex
		inflight int
		peak     int
		done     int
	)
	_ = q.Consume(ctx, func(context.Context, job.Envelope) error {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		inflight--
		done++
		if done == 9 {
			cancel()
		}
		mu.Unlock()
		return nil
	})

	if peak > 3 || peak < 2 {
		t.Fatalf("peak in-flight=%d, want 2..3", peak)
	}
	if done != 9 {
		t.Fatalf("done=%d", done)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	for name, mk := range backends() {
		mk := mk
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			q := newTestQueue(t, mk(t), Options{})
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				_ = q.Push(ctx, envelope(i))
			}
			if err := q.Clear(ctx); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if n, _ := q.Size(ctx); n != 0 {
				t.Fatalf("size after clear=%d", n)
			}
		})
	}
}

func TestPushRejectsInvalidEnvelope(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, NewMemory(), Options{})
	if err := q.Push(context.Background(), job.Envelope{Link: "x"}); !errors.Is(err, job.ErrInvalidEnvelope) {
		t.Fatalf("err=%v", err)
	}
}
