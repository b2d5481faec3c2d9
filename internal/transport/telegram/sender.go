// Package telegram delivers notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"taskhost/internal/transport"
	"taskhost/pkg/logx"
)

type Config struct {
	Token           string
	DefaultChatID   int64
	DefaultThreadID int
	Timeout         time.Duration
}

// messageAPI is the subset of *tele.Bot the sender uses.
type messageAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Sender is a send-only bot; it never polls for updates.
type Sender struct {
	cfg Config
	log logx.Logger
	api messageAPI
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newSender(cfg, log, b), nil
}

func newSender(cfg Config, log logx.Logger, api messageAPI) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log.With(logx.String("comp", "telegram")), api: api}
}

// Notify sends n, splitting text over Telegram's message limit. On a failed
// chunk the refs of the chunks already sent are returned with the error.
func (s *Sender) Notify(ctx context.Context, n transport.Notification) ([]transport.MessageRef, error) {
	to := n.Target
	if to.ChatID == 0 {
		to = transport.ChatTarget{ChatID: s.cfg.DefaultChatID, ThreadID: s.cfg.DefaultThreadID}
	}
	if to.ChatID == 0 {
		return nil, transport.ErrNoTarget
	}
	if strings.TrimSpace(n.Text) == "" {
		return nil, errors.New("notification text is empty")
	}

	chat := &tele.Chat{ID: to.ChatID}
	chunks := splitText(n.Text, textLimit, n.Options.ParseMode)
	refs := make([]transport.MessageRef, 0, len(chunks))
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return refs, err
		}
		msg, err := s.api.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(n.Options.ParseMode),
			DisableWebPagePreview: n.Options.DisablePreview,
			DisableNotification:   n.Options.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			s.log.Warn("telegram send failed", logx.Int64("chat_id", to.ChatID), logx.Int("chunk", len(refs)), logx.Err(err))
			return refs, err
		}
		refs = append(refs, transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID})
	}
	s.log.Debug("telegram notification sent", logx.Int64("chat_id", to.ChatID), logx.Int("messages", len(refs)))
	return refs, nil
}
