package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boxrelay/internal/job"
	"boxrelay/internal/link"
	"boxrelay/internal/storage"
	"boxrelay/internal/texts"
	"boxrelay/internal/transport"
	logx "boxrelay/pkg/logx"
)

const goodLink = "https://terabox.com/s/1AbC"

type fakeChat struct {
	mu      sync.Mutex
	sent    []string
	edits   []string
	sendErr error
	answers int
}

func (c *fakeChat) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return transport.MessageRef{}, c.sendErr
	}
	c.sent = append(c.sent, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 500 + len(c.sent)}, nil
}

func (c *fakeChat) EditText(_ context.Context, _ transport.MessageRef, text string, _ *transport.SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, text)
	return nil
}

func (c *fakeChat) AnswerCallback(context.Context, string, string) error {
	c.mu.Lock()
	c.answers++
	c.mu.Unlock()
	return nil
}

type fakeStore struct {
	recs map[string]storage.DeliveryRecord
	err  error
}

func (s *fakeStore) FindByHash(_ context.Context, hash string) (storage.DeliveryRecord, bool, error) {
	r, ok := s.recs[hash]
	return r, ok, s.err
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []job.Envelope
	err  error
}

func (q *fakeQueue) Push(_ context.Context, env job.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, env)
	return nil
}

type fakeForwarder struct{ locators []string }

func (f *fakeForwarder) Forward(_ context.Context, locator string, to transport.ChatTarget) (transport.MessageRef, error) {
	f.locators = append(f.locators, locator)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

type fakeGate struct {
	member bool
	err    error
}

func (g fakeGate) IsMember(context.Context, int64, int64) (bool, error) { return g.member, g.err }

type rig struct {
	chat  *fakeChat
	store *fakeStore
	queue *fakeQueue
	fwd   *fakeForwarder
	h     *Handler
}

func newEnv(cfg Config, gate transport.MembershipChecker) *rig {
	e := &rig{
		chat:  &fakeChat{},
		store: &fakeStore{recs: map[string]storage.DeliveryRecord{}},
		queue: &fakeQueue{},
		fwd:   &fakeForwarder{},
	}
	cfg.DestinationID = -100
	e.h = New(cfg, Deps{Store: e.store, Queue: e.queue, Forwarder: e.fwd, Chat: e.chat, Gate: gate, Log: logx.Nop()})
	return e
}

func msg(text string) transport.Message {
	return transport.Message{ID: 9, ChatID: 42, FromID: 42, Text: text, IsPrivate: true}
}

func TestEnqueueNewLink(t *testing.T) {
	t.Parallel()

	e := newEnv(Config{}, nil)
	e.h.HandleMessage(context.Background(), msg("look "+goodLink+" thanks"))

	if len(e.queue.jobs) != 1 {
		t.Fatalf("jobs=%d", len(e.queue.jobs))
	}
	j := e.queue.jobs[0]
	if j.Link != goodLink || j.RequesterID != 42 || j.DestinationID != -100 || j.CorrelationMessageID != 501 {
		t.Fatalf("envelope=%+v", j)
	}
	if j.LinkHash != link.Hash(link.Normalize(goodLink)) || j.JobID == "" {
		t.Fatalf("envelope=%+v", j)
	}
	if len(e.chat.sent) != 1 || e.chat.sent[0] != texts.Processing {
		t.Fatalf("sent=%q", e.chat.sent)
	}
}

func TestReplies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		msg  transport.Message
		want []string
	}{
		{"start", msg("/start"), []string{texts.Welcome}},
		{"help with bot name", msg("/help@relaybot"), []string{texts.Welcome}},
		{"unknown command", msg("/stats"), nil},
		{"invalid link", msg("https://example.com/video"), []string{texts.InvalidLink}},
		{"chatter", msg("hello"), []string{texts.InvalidLink}},
		{"group chat", transport.Message{ChatID: -5, Text: goodLink}, nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(Config{}, nil)
			e.h.HandleMessage(context.Background(), tc.msg)
			if len(e.chat.sent) != len(tc.want) {
				t.Fatalf("sent=%q want %q", e.chat.sent, tc.want)
			}
			for i := range tc.want {
				if e.chat.sent[i] != tc.want[i] {
					t.Fatalf("sent=%q want %q", e.chat.sent, tc.want)
				}
			}
			if len(e.queue.jobs) != 0 {
				t.Fatalf("enqueued %d jobs", len(e.queue.jobs))
			}
		})
	}
}

func TestCachedLinkIsForwarded(t *testing.T) {
	t.Parallel()

	e := newEnv(Config{}, nil)
	hash := link.Hash(link.Normalize(goodLink))
	e.store.recs[hash] = storage.DeliveryRecord{LinkHash: hash, DeliveryLocator: "-100:77"}

	// Trailing slash and case differ but normalize to the same record.
	e.h.HandleMessage(context.Background(), msg("https://TERABOX.com/s/1AbC/"))
	if len(e.queue.jobs) != 0 {
		t.Fatalf("cached link was enqueued")
	}
	if len(e.fwd.locators) != 1 || e.fwd.locators[0] != "-100:77" {
		t.Fatalf("forwards=%v", e.fwd.locators)
	}
	if len(e.chat.sent) != 1 || e.chat.sent[0] != texts.DuplicateFound {
		t.Fatalf("sent=%q", e.chat.sent)
	}
}

func TestLookupErrorStillEnqueues(t *testing.T) {
	t.Parallel()

	e := newEnv(Config{}, nil)
	e.store.err = errors.New("db down")
	e.h.HandleMessage(context.Background(), msg(goodLink))
	if len(e.queue.jobs) != 1 {
		t.Fatalf("jobs=%d", len(e.queue.jobs))
	}
}

func TestPushFailureEditsStatus(t *testing.T) {
	t.Parallel()

	e := newEnv(Config{}, nil)
	e.queue.err = errors.New("redis down")
	e.h.HandleMessage(context.Background(), msg(goodLink))
	if len(e.chat.edits) != 1 || e.chat.edits[0] != texts.ErrProcessing {
		t.Fatalf("edits=%q", e.chat.edits)
	}
}

func TestGate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		gate    fakeGate
		enqueue bool
	}{
		{"member", fakeGate{member: true}, true},
		{"not member", fakeGate{member: false}, false},
		{"probe error fails open", fakeGate{err: errors.New("chat not found")}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(Config{GateChat: -200, GateLink: "https://t.me/chan"}, tc.gate)
			e.h.HandleMessage(context.Background(), msg(goodLink))
			if got := len(e.queue.jobs) == 1; got != tc.enqueue {
				t.Fatalf("enqueued=%v want %v", got, tc.enqueue)
			}
			if !tc.enqueue && e.chat.sent[0] != texts.NotSubscribed("https://t.me/chan") {
				t.Fatalf("sent=%q", e.chat.sent)
			}
		})
	}
}

func TestRunDrainsUpdates(t *testing.T) {
	t.Parallel()

	e := newEnv(Config{Workers: 2}, nil)
	updates := make(chan transport.Update, 8)
	for i := 0; i < 5; i++ {
		m := msg(goodLink)
		updates <- transport.Update{Kind: transport.UpdateMessage, Message: &m}
	}
	updates <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "cb"}}
	close(updates)

	done := make(chan error, 1)
	go func() { done <- e.h.Run(context.Background(), updates) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after updates closed")
	}
	if len(e.queue.jobs) != 5 || e.chat.answers != 1 {
		t.Fatalf("jobs=%d answers=%d", len(e.queue.jobs), e.chat.answers)
	}
}
