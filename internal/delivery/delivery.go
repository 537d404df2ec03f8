// Package delivery sends artifacts through the identity pool with a bounded
// retry loop and hands stored deliveries on to users.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"boxrelay/internal/pool"
	"boxrelay/internal/transport"
	logx "boxrelay/pkg/logx"
)

var (
	// ErrExhausted means every attempt in the budget failed.
	ErrExhausted = errors.New("delivery attempts exhausted")
	// ErrNoIdentity means no identity was usable when an attempt started.
	ErrNoIdentity = errors.New("no delivery identity available")
	// ErrBadLocator is returned for a locator that was not produced by
	// FormatLocator.
	ErrBadLocator = errors.New("malformed delivery locator")
)

// minPark keeps a rate limit without an explicit wait from being retried on
// the very next attempt.
const minPark = time.Second

type Result struct {
	Locator   string
	Delivered pool.Delivered
	Identity  int
	Attempts  int
}

type Deliverer struct {
	Relay
	pool        *pool.Dispatcher
	destination int64
	log         logx.Logger
}

func New(p *pool.Dispatcher, destination int64, fwd transport.Forwarder, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{Relay: Relay{fwd: fwd}, pool: p, destination: destination, log: log}
}

// Deliver uploads up to the destination, trying at most one identity per pool
// member. Rate-limited identities are parked for their wait, denied ones are
// invalidated, and other errors only consume an attempt.
func (d *Deliverer) Deliver(ctx context.Context, up pool.Upload) (Result, error) {
	budget := d.pool.Size()
	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		id, err := d.pool.Acquire(ctx)
		if errors.Is(err, pool.ErrNoneAvailable) {
			if lastErr != nil {
				return Result{}, fmt.Errorf("%w at attempt %d: %w", ErrNoIdentity, attempt, lastErr)
			}
			return Result{}, fmt.Errorf("%w at attempt %d", ErrNoIdentity, attempt)
		}
		if err != nil {
			return Result{}, err
		}

		log := d.log.With(logx.Int("identity", id.Index), logx.String("handle", id.Handle), logx.Int("attempt", attempt))
		delivered, err := d.upload(ctx, id, up)
		if err == nil {
			d.pool.Release(id.Index)
			log.Info("delivery.ok", logx.Int("message_id", delivered.MessageID), logx.Int64("size", delivered.SizeBytes))
			return Result{
				Locator:   FormatLocator(delivered.ChatID, delivered.MessageID),
				Delivered: delivered,
				Identity:  id.Index,
				Attempts:  attempt,
			}, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			d.pool.Release(id.Index)
			return Result{}, cerr
		}

		lastErr = err
		switch kind, wait := pool.Classify(err); kind {
		case pool.KindRateLimited:
			if wait < minPark {
				wait = minPark
			}
			log.Warn("delivery.rate_limited", logx.Duration("wait", wait), logx.Err(err))
			d.pool.MarkUnavailable(id.Index, wait)
		case pool.KindAccessDenied:
			log.Error("delivery.access_denied", logx.Err(err))
			d.pool.MarkPermanentlyInvalid(id.Index)
		default:
			log.Warn("delivery.failed", logx.Err(err))
			d.pool.Release(id.Index)
		}
	}
	if lastErr == nil {
		return Result{}, fmt.Errorf("%w: empty pool", ErrExhausted)
	}
	return Result{}, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, budget, lastErr)
}

// upload runs one attempt and turns a panic in the client into an error, so
// the identity claimed by Acquire is always settled by the caller.
func (d *Deliverer) upload(ctx context.Context, id pool.Identity, up pool.Upload) (delivered pool.Delivered, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("upload via %s panicked: %v", id.Handle, rec)
		}
	}()
	return id.Client.Upload(ctx, d.destination, up)
}

// Relay hands stored deliveries on to users through the main bot. Intake
// uses it alone; the worker gets it through Deliverer.
type Relay struct {
	fwd transport.Forwarder
}

func NewRelay(fwd transport.Forwarder) Relay { return Relay{fwd: fwd} }

// Forward re-posts a stored delivery into a user's chat.
func (r Relay) Forward(ctx context.Context, locator string, to transport.ChatTarget) (transport.MessageRef, error) {
	if r.fwd == nil {
		return transport.MessageRef{}, errors.New("no forwarder configured")
	}
	from, err := ParseLocator(locator)
	if err != nil {
		return transport.MessageRef{}, err
	}
	ref, err := r.fwd.Forward(ctx, to, from)
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("forward %s to %d: %w", locator, to.ChatID, err)
	}
	return ref, nil
}

// FormatLocator encodes a stored message as "chatID:messageID".
func FormatLocator(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

func ParseLocator(s string) (transport.MessageRef, error) {
	chatPart, msgPart, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return transport.MessageRef{}, fmt.Errorf("%w: %q", ErrBadLocator, s)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return transport.MessageRef{}, fmt.Errorf("%w: %q", ErrBadLocator, s)
	}
	msgID, err := strconv.Atoi(msgPart)
	if err != nil || msgID <= 0 {
		return transport.MessageRef{}, fmt.Errorf("%w: %q", ErrBadLocator, s)
	}
	return transport.MessageRef{ChatID: chatID, MessageID: msgID}, nil
}
