// Package telegram connects the pipeline to a Telegram bot: status
// messages, result delivery and the cancel button.
package telegram

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"ffbot/logger"
	"ffbot/notify"
	"ffbot/pipeline"
	"ffbot/task"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// sender is the subset of *tgbotapi.BotAPI the client uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Client struct {
	api sender
	log *logger.Logger
}

func newClient(api sender, log *logger.Logger) *Client {
	return &Client{api: api, log: log.Named("telegram")}
}

// SendStatus posts the message that later progress edits replace.
func (c *Client) SendStatus(ctx context.Context, chatID int64, text string) (notify.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return notify.MessageRef{}, err
	}
	msg, err := c.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return notify.MessageRef{}, err
	}
	return notify.MessageRef{ChatID: chatID, MessageID: msg.MessageID}, nil
}

// EditText implements notify.Messenger.
func (c *Client) EditText(ctx context.Context, ref notify.MessageRef, text string, actions ...notify.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text)
	if len(actions) > 0 {
		kb := keyboard(actions)
		edit.ReplyMarkup = &kb
	}
	if _, err := c.api.Request(edit); err != nil && !notModified(err) {
		return err
	}
	return nil
}

// Delete implements notify.Messenger.
func (c *Client) Delete(ctx context.Context, ref notify.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.api.Request(tgbotapi.NewDeleteMessage(ref.ChatID, ref.MessageID))
	return err
}

// Deliver implements pipeline.Deliverer. A cancelled job gets nothing
// more; its status message already says so.
func (c *Client) Deliver(ctx context.Context, st pipeline.Status, res task.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch res.State {
	case task.StateCompleted:
		doc := tgbotapi.NewDocument(st.ChatID, tgbotapi.FilePath(res.Output))
		doc.Caption = fmt.Sprintf("%s: %s", pipeline.Label(st.Operation), filepath.Base(res.Output))
		if _, err := c.api.Send(doc); err != nil {
			return fmt.Errorf("send document: %w", err)
		}
	case task.StateFailed:
		if _, err := c.api.Send(tgbotapi.NewMessage(st.ChatID, "Processing failed: "+res.Error())); err != nil {
			return fmt.Errorf("send failure notice: %w", err)
		}
	}
	c.log.Debug("delivered", zap.String("task_id", st.TaskID), zap.String("state", string(res.State)))
	return nil
}

func keyboard(actions []notify.Action) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, a := range actions {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

// notModified matches the error Telegram returns for an edit that keeps
// the same text.
func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
