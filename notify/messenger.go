// Package notify turns task progress into status messages edited in place.
package notify

import (
	"context"
	"strings"
)

// MessageRef points at one status message in one conversation.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Action is a button offered under a status message. Data comes back to
// the bot unchanged when the user presses it.
type Action struct {
	Label string
	Data  string
}

// Messenger is the only capability the notifier needs from a chat platform.
type Messenger interface {
	EditText(ctx context.Context, ref MessageRef, text string, actions ...Action) error
	Delete(ctx context.Context, ref MessageRef) error
}

const cancelPrefix = "cancel:"

// CancelData is the callback payload of the cancel button for taskID.
func CancelData(taskID string) string {
	return cancelPrefix + taskID
}

// ParseCancelData extracts the task id from a cancel button payload.
func ParseCancelData(data string) (string, bool) {
	if !strings.HasPrefix(data, cancelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(data, cancelPrefix)
	return id, id != ""
}
