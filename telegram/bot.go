package telegram

import (
	"context"
	"fmt"

	"ffbot/logger"
	"ffbot/notify"
	"ffbot/pipeline"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Jobs is what the bot needs from the pipeline.
type Jobs interface {
	Get(taskID string) (pipeline.Status, bool)
	Cancel(taskID string) (bool, error)
}

// Bot is a logged-in client that can also poll for updates.
type Bot struct {
	*Client
	api *tgbotapi.BotAPI
}

func New(token string, log *logger.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login failed: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	log.Info("telegram bot authorized", zap.String("username", api.Self.UserName))
	return &Bot{Client: newClient(api, log), api: api}, nil
}

// Run answers cancel buttons until ctx ends. Every other update belongs
// to the chat front end and is ignored here.
func (b *Bot) Run(ctx context.Context, jobs Jobs) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.CallbackQuery != nil {
				b.HandleCallback(upd.CallbackQuery, jobs)
			}
		}
	}
}

// HandleCallback cancels the job named by a cancel button, but only for
// the chat that owns it.
func (c *Client) HandleCallback(q *tgbotapi.CallbackQuery, jobs Jobs) {
	reply := c.callbackText(q, jobs)
	if _, err := c.api.Request(tgbotapi.NewCallback(q.ID, reply)); err != nil {
		c.log.Warn("answer callback failed", zap.Error(err))
	}
}

func (c *Client) callbackText(q *tgbotapi.CallbackQuery, jobs Jobs) string {
	taskID, ok := notify.ParseCancelData(q.Data)
	if !ok {
		return "Unknown action"
	}
	st, found := jobs.Get(taskID)
	if !found || q.Message == nil || q.Message.Chat == nil || q.Message.Chat.ID != st.ChatID {
		return "Job not found"
	}
	cancelled, err := jobs.Cancel(taskID)
	if err != nil {
		return "Job not found"
	}
	if !cancelled {
		return "Job already finished"
	}
	c.log.Info("cancelled from chat", zap.String("task_id", taskID), zap.Int64("chat_id", st.ChatID))
	return "Cancelling..."
}
