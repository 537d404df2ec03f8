// Package intake turns main-bot messages into queued jobs: it validates the
// link, enforces the optional force-subscribe gate, answers cached links
// from the dedup store and enqueues the rest.
package intake

import (
	"context"
	"strings"
	"sync"
	"time"

	"boxrelay/internal/job"
	"boxrelay/internal/link"
	"boxrelay/internal/storage"
	"boxrelay/internal/texts"
	"boxrelay/internal/transport"
	logx "boxrelay/pkg/logx"
)

// Lookup is the read side of the dedup store.
type Lookup interface {
	FindByHash(ctx context.Context, hash string) (storage.DeliveryRecord, bool, error)
}

type Pusher interface {
	Push(ctx context.Context, env job.Envelope) error
}

// Forwarder re-sends a stored delivery to a user.
type Forwarder interface {
	Forward(ctx context.Context, locator string, to transport.ChatTarget) (transport.MessageRef, error)
}

type Chat interface {
	transport.Messenger
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

type Config struct {
	DestinationID int64
	// GateChat enables the force-subscribe gate when non-zero.
	GateChat int64
	GateLink string
	// Workers bounds how many updates are handled at once. Default 16.
	Workers int
	// Timeout bounds the handling of one update. Default 30s.
	Timeout time.Duration
}

type Deps struct {
	Store     Lookup
	Queue     Pusher
	Forwarder Forwarder
	Chat      Chat
	// Gate may be nil when GateChat is zero.
	Gate transport.MembershipChecker
	Log  logx.Logger
}

type Handler struct {
	cfg Config
	d   Deps
	log logx.Logger
}

func New(cfg Config, d Deps) *Handler {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{cfg: cfg, d: d, log: log}
}

// Run handles updates until ctx is done or updates is closed, then waits for
// in-flight handlers.
func (h *Handler) Run(ctx context.Context, updates <-chan transport.Update) error {
	sem := make(chan struct{}, h.cfg.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				uctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
				defer cancel()
				h.HandleUpdate(uctx, up)
			}()
		}
	}
}

func (h *Handler) HandleUpdate(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			h.HandleMessage(ctx, *up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			_ = h.d.Chat.AnswerCallback(ctx, up.Callback.ID, "")
		}
	}
}

// HandleMessage answers one private message.
func (h *Handler) HandleMessage(ctx context.Context, m transport.Message) {
	if !m.IsPrivate {
		return
	}
	log := h.log.With(logx.Int64("user", m.FromID))
	text := strings.TrimSpace(m.Text)

	cmd, isCmd := command(text)
	if isCmd && cmd != "start" && cmd != "help" {
		return
	}
	if !h.allowed(ctx, m.FromID, log) {
		h.reply(ctx, m, texts.NotSubscribed(h.cfg.GateLink), log)
		return
	}
	if isCmd {
		h.reply(ctx, m, texts.Welcome, log)
		return
	}

	raw, ok := link.Extract(text)
	if !ok {
		log.Debug("intake.invalid_link", logx.Bool("has_url", link.ContainsURL(text)))
		h.reply(ctx, m, texts.InvalidLink, log)
		return
	}
	env := job.New(raw, m.FromID, h.cfg.DestinationID, 0)
	log = log.With(logx.String("hash", env.ShortHash()))

	rec, hit, err := h.d.Store.FindByHash(ctx, env.LinkHash)
	if err != nil {
		// The worker checks again before resolving.
		log.Warn("dedup.lookup_failed", logx.Err(err))
	}
	if hit {
		log.Info("dedup.hit", logx.String("locator", rec.DeliveryLocator))
		h.reply(ctx, m, texts.DuplicateFound, log)
		if _, err := h.d.Forwarder.Forward(ctx, rec.DeliveryLocator, transport.ChatTarget{ChatID: m.ChatID}); err != nil {
			log.Error("intake.forward_failed", logx.Err(err))
			h.reply(ctx, m, texts.ErrProcessing, log)
		}
		return
	}

	status, err := h.d.Chat.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID}, texts.Processing, &transport.SendOptions{ReplyTo: m.ID})
	if err != nil {
		// Progress edits are skipped without a status message; the job still runs.
		log.Warn("intake.status_failed", logx.Err(err))
	}
	env.CorrelationMessageID = status.MessageID

	if err := h.d.Queue.Push(ctx, env); err != nil {
		log.Error("intake.enqueue_failed", logx.Err(err))
		if status.IsZero() {
			h.reply(ctx, m, texts.ErrProcessing, log)
		} else if err := h.d.Chat.EditText(context.WithoutCancel(ctx), status, texts.ErrProcessing, nil); err != nil {
			log.Warn("intake.reply_failed", logx.Err(err))
		}
		return
	}
	log.Info("intake.enqueued", logx.String("job", env.JobID))
}

// allowed applies the force-subscribe gate. Probe errors let the user
// through.
func (h *Handler) allowed(ctx context.Context, userID int64, log logx.Logger) bool {
	if h.cfg.GateChat == 0 || h.d.Gate == nil {
		return true
	}
	ok, err := h.d.Gate.IsMember(ctx, h.cfg.GateChat, userID)
	if err != nil {
		log.Warn("gate.check_failed", logx.Err(err))
		return true
	}
	if !ok {
		log.Info("gate.not_member")
	}
	return ok
}

func (h *Handler) reply(ctx context.Context, m transport.Message, text string, log logx.Logger) {
	if _, err := h.d.Chat.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID}, text, nil); err != nil {
		log.Warn("intake.reply_failed", logx.Err(err))
	}
}

// command returns the bot command in text, without the slash and any
// @botname suffix.
func command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.Fields(text[1:])
	if len(name) == 0 {
		return "", true
	}
	cmd, _, _ := strings.Cut(name[0], "@")
	return strings.ToLower(cmd), true
}
