package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures one upload bot.
type TelegramConfig struct {
	Token string
	// APIURL points at a self-hosted Bot API server; empty means the public one.
	APIURL      string
	SendTimeout time.Duration
}

// TelegramClient is a pool member backed by a Telegram bot token.
type TelegramClient struct {
	bot    *tele.Bot
	self   *tele.User
	handle string
}

// NewTelegramClient builds an offline bot: no request is made until Probe or
// Upload. The bot user id is taken from the token prefix.
func NewTelegramClient(cfg TelegramConfig) (*TelegramClient, error) {
	token := strings.TrimSpace(cfg.Token)
	idPart, _, ok := strings.Cut(token, ":")
	if !ok {
		return nil, errors.New("malformed bot token")
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return nil, errors.New("malformed bot token")
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramClient{
		bot:    b,
		self:   &tele.User{ID: id},
		handle: "bot" + idPart,
	}, nil
}

func (c *TelegramClient) Handle() string { return c.handle }

// Probe checks that the bot can post to destination: the chat must resolve
// and the bot must be an owner, an admin with post rights, or (outside
// channels) a plain member.
func (c *TelegramClient) Probe(ctx context.Context, destination int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat, err := c.bot.ChatByID(destination)
	if err != nil {
		return classifyTelegram(err)
	}
	m, err := c.bot.ChatMemberOf(chat, c.self)
	if err != nil {
		return classifyTelegram(err)
	}
	channel := chat.Type == tele.ChatChannel || chat.Type == tele.ChatChannelPrivate
	switch m.Role {
	case tele.Creator:
		return nil
	case tele.Administrator:
		if channel && !m.CanPostMessages {
			return AccessDenied(fmt.Errorf("admin without post rights in %d", destination))
		}
		return nil
	case tele.Member:
		if channel {
			return AccessDenied(fmt.Errorf("not an admin of channel %d", destination))
		}
		return nil
	default:
		return AccessDenied(fmt.Errorf("membership %q in %d", m.Role, destination))
	}
}

// Upload sends the artifact as a streamable video. Cancelling ctx aborts the
// request body mid-transfer.
func (c *TelegramClient) Upload(ctx context.Context, destination int64, up Upload) (Delivered, error) {
	f, err := os.Open(up.Path)
	if err != nil {
		return Delivered{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return Delivered{}, err
	}

	name := up.FileName
	if name == "" {
		name = st.Name()
	}
	video := &tele.Video{
		File:      tele.FromReader(&countingReader{ctx: ctx, r: f, total: st.Size(), fn: up.Progress}),
		FileName:  name,
		Caption:   up.Caption,
		Duration:  int(up.Duration / time.Second),
		Width:     up.Width,
		Height:    up.Height,
		Streaming: true,
		MIME:      "video/mp4",
	}
	if up.ThumbnailPath != "" {
		if _, err := os.Stat(up.ThumbnailPath); err == nil {
			video.Thumbnail = &tele.Photo{File: tele.FromDisk(up.ThumbnailPath)}
		}
	}

	msg, err := c.bot.Send(&tele.Chat{ID: destination}, video)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Delivered{}, cerr
		}
		return Delivered{}, classifyTelegram(err)
	}
	out := Delivered{ChatID: destination, MessageID: msg.ID, SizeBytes: st.Size()}
	if msg.Chat != nil {
		out.ChatID = msg.Chat.ID
	}
	if msg.Video != nil {
		out.ArtifactID = msg.Video.FileID
		if msg.Video.FileSize > 0 {
			out.SizeBytes = msg.Video.FileSize
		}
	} else if msg.Document != nil {
		out.ArtifactID = msg.Document.FileID
	}
	return out, nil
}

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

var deniedMarkers = []string{
	"forbidden",
	"chat not found",
	"not enough rights",
	"have no rights",
	"need administrator rights",
	"bot was kicked",
	"not a member",
	"chat_write_forbidden",
	"channel_private",
	"peer_id_invalid",
}

// classifyTelegram maps telebot errors onto the pool taxonomy.
func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return RateLimited(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	var fep *tele.FloodError
	if errors.As(err, &fep) && fep != nil {
		return RateLimited(err, time.Duration(fep.RetryAfter)*time.Second)
	}
	msg := strings.ToLower(err.Error())
	if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return RateLimited(err, time.Duration(secs)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusForbidden {
		return AccessDenied(err)
	}
	for _, s := range deniedMarkers {
		if strings.Contains(msg, s) {
			return AccessDenied(err)
		}
	}
	return err
}

type countingReader struct {
	ctx   context.Context
	r     io.Reader
	total int64
	sent  int64
	fn    func(sent, total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent += int64(n)
		if c.fn != nil {
			c.fn(c.sent, c.total)
		}
	}
	return n, err
}
