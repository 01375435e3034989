package channels

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Inbound is a chat message worth showing on the pipeline.
type Inbound struct {
	MessageID int64
	Text      string
	Sender    string
}

// ParseUpdate extracts the displayable message from a Telegram update. It
// reports false for updates that carry nothing to show: bot messages,
// /commands, callbacks and heartbeat traffic.
func ParseUpdate(u tgbotapi.Update) (Inbound, bool) {
	text := messageText(u)
	if text == "" || fromBot(u) || strings.HasPrefix(text, "/") || isSystemText(text) {
		return Inbound{}, false
	}
	return Inbound{
		MessageID: messageID(u),
		Text:      text,
		Sender:    senderName(u),
	}, true
}

func messageText(u tgbotapi.Update) string {
	m := u.Message
	switch {
	case m != nil && m.Text != "":
		return m.Text
	case u.EditedMessage != nil && u.EditedMessage.Text != "":
		return u.EditedMessage.Text
	case u.CallbackQuery != nil && u.CallbackQuery.Data != "":
		return "callback: " + u.CallbackQuery.Data
	case m == nil:
		return ""
	case m.Caption != "":
		return m.Caption
	case len(m.Photo) > 0:
		return "[Photo]"
	case m.Video != nil:
		return "[Video]"
	case m.Document != nil:
		name := m.Document.FileName
		if name == "" {
			name = "file"
		}
		return "[Document: " + name + "]"
	case m.Voice != nil:
		return "[Voice message]"
	case m.Sticker != nil:
		return "[Sticker: " + m.Sticker.Emoji + "]"
	}
	return ""
}

func messageID(u tgbotapi.Update) int64 {
	switch {
	case u.Message != nil:
		return int64(u.Message.MessageID)
	case u.EditedMessage != nil:
		return int64(u.EditedMessage.MessageID)
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		return int64(u.CallbackQuery.Message.MessageID)
	}
	return 0
}

func sender(u tgbotapi.Update) *tgbotapi.User {
	switch {
	case u.Message != nil && u.Message.From != nil:
		return u.Message.From
	case u.EditedMessage != nil && u.EditedMessage.From != nil:
		return u.EditedMessage.From
	case u.CallbackQuery != nil:
		return u.CallbackQuery.From
	}
	return nil
}

func senderName(u tgbotapi.Update) string {
	from := sender(u)
	switch {
	case from == nil:
		return "Unknown"
	case from.FirstName != "":
		return from.FirstName
	case from.UserName != "":
		return from.UserName
	}
	return fmt.Sprintf("User %d", from.ID)
}

// fromBot only looks at message authors; callback presses are always human.
func fromBot(u tgbotapi.Update) bool {
	if u.Message != nil && u.Message.From != nil {
		return u.Message.From.IsBot
	}
	if u.EditedMessage != nil && u.EditedMessage.From != nil {
		return u.EditedMessage.From.IsBot
	}
	return false
}

func isSystemText(text string) bool {
	return strings.HasPrefix(text, "callback:") || strings.Contains(text, "HEARTBEAT")
}
