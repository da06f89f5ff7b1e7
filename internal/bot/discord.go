package bot

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/pkg/constants"
	"github.com/sirupsen/logrus"
)

// DiscordSessionInterface is the part of discordgo.Session the adapter uses
type DiscordSessionInterface interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordBot implements BotAdapter interface for Discord
type DiscordBot struct {
	mu             sync.RWMutex
	token          string
	channelID      string
	session        DiscordSessionInterface
	maxLength      int
	messageHandler func(BotMessage)
}

// NewDiscordBot creates a new Discord bot instance. channelID is the
// default channel for SendMessage calls without an explicit channel.
func NewDiscordBot(token, channelID string) *DiscordBot {
	return &DiscordBot{
		token:     token,
		channelID: channelID,
		maxLength: constants.MaxDiscordMessageLength,
	}
}

// SetMaxMessageLength lowers the outbound chunk size.
func (d *DiscordBot) SetMaxMessageLength(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxLength = effectiveLimit(n, constants.MaxDiscordMessageLength)
}

// Start opens the gateway connection and begins listening for messages
func (d *DiscordBot) Start(messageHandler func(BotMessage)) error {
	logger.WithFields(logrus.Fields{
		"token":   maskSecret(d.token),
		"channel": d.channelID,
	}).Info("starting-discord-bot")

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	return d.startWithSession(session, messageHandler)
}

func (d *DiscordBot) startWithSession(session DiscordSessionInterface, messageHandler func(BotMessage)) error {
	d.SetMessageHandler(messageHandler)
	session.AddHandler(d.handleMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open discord connection: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()
	return nil
}

func (d *DiscordBot) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	// A configured channel restricts the bot to that channel
	if d.channelID != "" && m.ChannelID != d.channelID {
		return
	}

	logger.WithFields(logrus.Fields{
		"platform":    "discord",
		"user_id":     m.Author.ID,
		"channel":     m.ChannelID,
		"content_len": len(m.Content),
	}).Debug("received-discord-message")

	if handler := d.GetMessageHandler(); handler != nil {
		handler(BotMessage{
			Platform:  "discord",
			UserID:    m.Author.ID,
			Channel:   m.ChannelID,
			Content:   m.Content,
			Timestamp: time.Now(),
		})
	}
}

// SendMessage sends a message to a Discord channel
func (d *DiscordBot) SendMessage(channel, message string) error {
	d.mu.RLock()
	session := d.session
	channelID := d.channelID
	limit := d.maxLength
	d.mu.RUnlock()

	if session == nil {
		return fmt.Errorf("discord session not initialized")
	}

	target := channel
	if target == "" {
		target = channelID
	}
	if target == "" {
		return fmt.Errorf("channel ID is required for Discord")
	}

	for _, chunk := range SplitMessage(message, limit) {
		if _, err := session.ChannelMessageSend(target, chunk); err != nil {
			logger.WithFields(logrus.Fields{
				"channel": target,
				"error":   err,
			}).Error("failed-to-send-message-to-discord")
			return fmt.Errorf("failed to send message to channel %s: %w", target, err)
		}
	}

	logger.WithField("channel", target).Debug("message-sent-to-discord")
	return nil
}

// Stop closes the Discord connection
func (d *DiscordBot) Stop() error {
	d.mu.Lock()
	session := d.session
	d.session = nil
	d.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

// SetMessageHandler sets the message handler in a thread-safe manner
func (d *DiscordBot) SetMessageHandler(handler func(BotMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messageHandler = handler
}

// GetMessageHandler gets the message handler in a thread-safe manner
func (d *DiscordBot) GetMessageHandler() func(BotMessage) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.messageHandler
}
