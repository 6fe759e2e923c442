package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
	UpdateMember   UpdateKind = "member"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
	Member   *MemberEvent
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// MemberEventKind describes a membership transition observed on a chat.
type MemberEventKind string

const (
	// BotJoined / BotLeft refer to this bot's own membership.
	BotJoined MemberEventKind = "bot_joined"
	BotLeft   MemberEventKind = "bot_left"
	// UserJoined / UserLeft refer to other accounts seen in the chat.
	UserJoined MemberEventKind = "user_joined"
	UserLeft   MemberEventKind = "user_left"
)

type MemberEvent struct {
	Kind     MemberEventKind
	ChatID   int64
	UserID   int64
	Username string
	IsBot    bool
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

// Button is a single inline action attached to a message.
type Button struct {
	Label string
	URL   string // open a link
	Data  string // or fire a callback with this payload
}

const (
	ParseModeHTML     = "HTML"
	ParseModeMarkdown = "MarkdownV2"
)

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Buttons        []Button
}

// MemberRole is the role of a user in a chat, as reported by the platform.
type MemberRole string

const (
	RoleMember  MemberRole = "member"
	RoleAdmin   MemberRole = "administrator"
	RoleCreator MemberRole = "creator"
	RoleLeft    MemberRole = "left"
	RoleKicked  MemberRole = "kicked"
)

// Adapter is the messaging gateway capability set the engine requires.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	ChatMemberOf(ctx context.Context, chatID, userID int64) (MemberRole, error)
	BanMember(ctx context.Context, chatID, userID int64) error
}
