package bot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/pkg/constants"
	"github.com/sirupsen/logrus"
)

// telegramSender is the part of tgbotapi.BotAPI used to post messages
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBot implements BotAdapter interface for Telegram using long polling
type TelegramBot struct {
	mu             sync.RWMutex
	token          string
	api            *tgbotapi.BotAPI
	sender         telegramSender
	maxLength      int
	messageHandler func(BotMessage)
	cancel         context.CancelFunc
}

// NewTelegramBot creates a new Telegram bot instance
func NewTelegramBot(token string) *TelegramBot {
	return &TelegramBot{
		token:     token,
		maxLength: constants.MaxTelegramMessageLength,
	}
}

// SetMaxMessageLength lowers the outbound chunk size.
func (t *TelegramBot) SetMaxMessageLength(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxLength = effectiveLimit(n, constants.MaxTelegramMessageLength)
}

// Start initializes the bot API and begins long polling for updates
func (t *TelegramBot) Start(messageHandler func(BotMessage)) error {
	t.SetMessageHandler(messageHandler)

	logger.WithFields(logrus.Fields{
		"token": maskSecret(t.token),
	}).Info("starting-telegram-bot-with-long-polling")

	api, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error": err,
		}).Error("failed-to-initialize-telegram-bot")
		return fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.api = api
	t.sender = api
	t.cancel = cancel
	t.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"bot_username": api.Self.UserName,
		"bot_id":       api.Self.ID,
	}).Info("telegram-bot-initialized-successfully")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(constants.DefaultPollTimeout.Seconds())
	updates := api.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("telegram-long-polling-stopped")
				return
			case update, ok := <-updates:
				if !ok {
					logger.Info("telegram-updates-channel-closed")
					return
				}
				if update.Message != nil {
					t.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// handleMessage converts a Telegram message into a BotMessage. Only text
// messages are forwarded.
func (t *TelegramBot) handleMessage(message *tgbotapi.Message) {
	if message == nil || message.Text == "" {
		return
	}

	var userID, chatID string
	if message.From != nil {
		userID = strconv.FormatInt(message.From.ID, 10)
	}
	if message.Chat != nil {
		chatID = strconv.FormatInt(message.Chat.ID, 10)
	}

	logger.WithFields(logrus.Fields{
		"platform":    "telegram",
		"user_id":     userID,
		"chat_id":     chatID,
		"message_id":  message.MessageID,
		"content_len": len(message.Text),
	}).Debug("received-telegram-message")

	if handler := t.GetMessageHandler(); handler != nil {
		handler(BotMessage{
			Platform:  "telegram",
			UserID:    userID,
			Channel:   chatID,
			Content:   message.Text,
			Timestamp: time.Now(),
		})
	}
}

// SendMessage sends a message to a Telegram chat. Assistant output is sent
// as plain text: it routinely contains unbalanced markdown.
func (t *TelegramBot) SendMessage(chatID, message string) error {
	t.mu.RLock()
	sender := t.sender
	limit := t.maxLength
	t.mu.RUnlock()

	if sender == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	if chatID == "" {
		return fmt.Errorf("chat ID is required for Telegram")
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID format: %w", err)
	}

	for _, chunk := range SplitMessage(message, limit) {
		if _, err := sender.Send(tgbotapi.NewMessage(chatIDInt, chunk)); err != nil {
			logger.WithFields(logrus.Fields{
				"chat_id": chatID,
				"error":   err,
			}).Error("failed-to-send-message-to-telegram")
			return fmt.Errorf("failed to send message to chat %s: %w", chatID, err)
		}
	}

	logger.WithField("chat_id", chatID).Debug("message-sent-to-telegram")
	return nil
}

// Stop ends long polling
func (t *TelegramBot) Stop() error {
	t.mu.Lock()
	api := t.api
	cancel := t.cancel
	t.api = nil
	t.sender = nil
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if api != nil {
		api.StopReceivingUpdates()
	}

	logger.Info("telegram-bot-stopped")
	return nil
}

// SetMessageHandler sets the message handler in a thread-safe manner
func (t *TelegramBot) SetMessageHandler(handler func(BotMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// GetMessageHandler gets the message handler in a thread-safe manner
func (t *TelegramBot) GetMessageHandler() func(BotMessage) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.messageHandler
}
