// Package transport holds the platform-neutral message types shared by the
// intake bot, the worker and the logging sink.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// IsZero reports whether the ref points at no message.
func (r MessageRef) IsZero() bool { return r.ChatID == 0 || r.MessageID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyTo        int // message id in the same chat, 0 for none
}

// Messenger sends and edits plain text messages as the main bot.
type Messenger interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// Forwarder re-posts an existing message into another chat.
type Forwarder interface {
	Forward(ctx context.Context, to ChatTarget, from MessageRef) (MessageRef, error)
}

// MembershipChecker reports whether a user currently belongs to a chat.
type MembershipChecker interface {
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
}

// Adapter is a Messenger that also receives updates.
type Adapter interface {
	Messenger
	Forwarder
	MembershipChecker
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
