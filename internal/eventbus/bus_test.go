package eventbus

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if e := <-ch; e.Type != "x" || e.Time.IsZero() {
		t.Fatalf("event=%+v", e)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	b.Publish(Event{Type: "after"})
}

func TestTally(t *testing.T) {
	t.Parallel()

	b := New()
	tally := NewTally()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tally.Run(ctx, b)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		b.Publish(Event{Type: "job.done"})
		if got := strings.Join(tally.Counts(), ","); strings.HasPrefix(got, "job.done=") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tally never counted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	b.Publish(Event{Type: "job.failed"})
	cancel()
	<-done
}
