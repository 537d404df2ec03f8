// Package pool is the delivery dispatcher: a fixed set of interchangeable
// identities handed out round-robin, with per-identity cooldowns and sticky
// invalidation.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"boxrelay/internal/eventbus"
	logx "boxrelay/pkg/logx"
)

const defaultProbeTimeout = 20 * time.Second

// Client is one delivery account.
type Client interface {
	Handle() string
	// Probe checks write access to destination. Any error marks the
	// identity invalid for that destination.
	Probe(ctx context.Context, destination int64) error
	Upload(ctx context.Context, destination int64, up Upload) (Delivered, error)
}

// Upload describes one artifact to send.
type Upload struct {
	Path          string
	FileName      string
	Caption       string
	Duration      time.Duration
	Width         int
	Height        int
	ThumbnailPath string
	// Progress receives byte counters while the file is sent. It must not
	// block.
	Progress func(sent, total int64)
}

// Delivered is what the destination platform assigned to the upload.
type Delivered struct {
	ChatID     int64
	MessageID  int
	ArtifactID string
	SizeBytes  int64
}

// Identity is a claimed pool member.
type Identity struct {
	Index  int
	Handle string
	Client Client
}

// State is a point-in-time view of one member.
type State struct {
	Index            int       `json:"index"`
	Handle           string    `json:"handle"`
	Valid            bool      `json:"valid"`
	UnavailableUntil time.Time `json:"unavailable_until,omitempty"`
	InUse            bool      `json:"in_use"`
}

type member struct {
	Identity
	valid            bool
	unavailableUntil time.Time
	inUse            bool
}

type Dispatcher struct {
	mu       sync.Mutex
	members  []*member
	cursor   int
	released chan struct{} // closed and replaced whenever a member frees up

	now          func() time.Time
	probeTimeout time.Duration
	log          logx.Logger
	bus          eventbus.Bus
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }
func WithLogger(log logx.Logger) Option     { return func(d *Dispatcher) { d.log = log } }
func WithBus(bus eventbus.Bus) Option       { return func(d *Dispatcher) { d.bus = bus } }
func WithProbeTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.probeTimeout = t }
}

// New builds a dispatcher over clients. Every member starts valid; call
// ValidateAll before putting the pool into service.
func New(clients []Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		released:     make(chan struct{}),
		now:          time.Now,
		probeTimeout: defaultProbeTimeout,
		log:          logx.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	for i, c := range clients {
		d.members = append(d.members, &member{
			Identity: Identity{Index: i, Handle: c.Handle(), Client: c},
			valid:    true,
		})
	}
	return d
}

func (d *Dispatcher) Size() int { return len(d.members) }

// NextUsable scans at most Size members from the cursor and claims the first
// one that is valid, not parked and not already claimed. It never blocks.
func (d *Dispatcher) NextUsable() (Identity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimLocked()
}

func (d *Dispatcher) claimLocked() (Identity, bool) {
	n := len(d.members)
	now := d.now()
	for i := 0; i < n; i++ {
		idx := (d.cursor + i) % n
		m := d.members[idx]
		if !m.valid || m.unavailableUntil.After(now) || m.inUse {
			continue
		}
		m.inUse = true
		d.cursor = (idx + 1) % n
		return m.Identity, true
	}
	return Identity{}, false
}

// busyLocked reports whether some member is usable apart from being claimed.
func (d *Dispatcher) busyLocked() bool {
	now := d.now()
	for _, m := range d.members {
		if m.valid && !m.unavailableUntil.After(now) && m.inUse {
			return true
		}
	}
	return false
}

// Acquire is NextUsable that waits while members are merely claimed by other
// attempts. If every member is invalid or parked it returns ErrNoneAvailable
// at once.
func (d *Dispatcher) Acquire(ctx context.Context) (Identity, error) {
	for {
		d.mu.Lock()
		id, ok := d.claimLocked()
		busy := !ok && d.busyLocked()
		ch := d.released
		d.mu.Unlock()

		if ok {
			return id, nil
		}
		if !busy {
			return Identity{}, ErrNoneAvailable
		}
		select {
		case <-ctx.Done():
			return Identity{}, ctx.Err()
		case <-ch:
		}
	}
}

// Release returns a claimed member after a successful or neutral attempt.
func (d *Dispatcher) Release(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m := d.memberLocked(index); m != nil {
		m.inUse = false
		d.signalLocked()
	}
}

// MarkUnavailable parks a member for wait. It becomes selectable again on
// its own once the window passes.
func (d *Dispatcher) MarkUnavailable(index int, wait time.Duration) {
	d.mu.Lock()
	m := d.memberLocked(index)
	if m == nil {
		d.mu.Unlock()
		return
	}
	m.unavailableUntil = d.now().Add(wait)
	m.inUse = false
	st := m.state()
	d.signalLocked()
	d.mu.Unlock()

	d.log.Warn("identity.parked", logx.Int("identity", index), logx.String("handle", st.Handle), logx.Duration("wait", wait))
	d.publish("identity.parked", st)
}

// MarkPermanentlyInvalid sidelines a member for the rest of the process.
func (d *Dispatcher) MarkPermanentlyInvalid(index int) {
	d.mu.Lock()
	m := d.memberLocked(index)
	if m == nil {
		d.mu.Unlock()
		return
	}
	m.valid = false
	m.inUse = false
	st := m.state()
	d.signalLocked()
	d.mu.Unlock()

	d.log.Error("identity.invalidated", logx.Int("identity", index), logx.String("handle", st.Handle))
	d.publish("identity.invalidated", st)
}

// ValidateAll probes every member against destination in parallel and
// records the result. It fails when no member can write there.
func (d *Dispatcher) ValidateAll(ctx context.Context, destination int64) error {
	type result struct {
		index int
		err   error
	}
	results := make(chan result, len(d.members))
	var wg sync.WaitGroup
	for _, m := range d.members {
		wg.Add(1)
		go func(id Identity) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
			defer cancel()
			results <- result{index: id.Index, err: id.Client.Probe(pctx, destination)}
		}(m.Identity)
	}
	wg.Wait()
	close(results)

	valid := 0
	d.mu.Lock()
	for r := range results {
		m := d.members[r.index]
		m.valid = r.err == nil
		if m.valid {
			valid++
			d.log.Info("identity.valid", logx.Int("identity", r.index), logx.String("handle", m.Handle))
			continue
		}
		kind, _ := Classify(r.err)
		d.log.Warn("identity.probe_failed",
			logx.Int("identity", r.index),
			logx.String("handle", m.Handle),
			logx.String("kind", kind.String()),
			logx.Err(r.err),
		)
	}
	d.mu.Unlock()

	if valid == 0 {
		return fmt.Errorf("%w: destination %d, %d identities probed", ErrNoValidIdentity, destination, len(d.members))
	}
	d.log.Info("pool.validated", logx.Int("valid", valid), logx.Int("size", len(d.members)), logx.Int64("destination", destination))
	return nil
}

// Snapshot returns the state of every member in index order.
func (d *Dispatcher) Snapshot() []State {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]State, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m.state())
	}
	return out
}

func (d *Dispatcher) memberLocked(index int) *member {
	if index < 0 || index >= len(d.members) {
		return nil
	}
	return d.members[index]
}

func (d *Dispatcher) signalLocked() {
	close(d.released)
	d.released = make(chan struct{})
}

func (d *Dispatcher) publish(typ string, st State) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: st})
}

func (m *member) state() State {
	return State{
		Index:            m.Index,
		Handle:           m.Handle,
		Valid:            m.valid,
		UnavailableUntil: m.unavailableUntil,
		InUse:            m.inUse,
	}
}
