// Package bot provides chat platform adapters used by the relay.
//
// The relay forwards chat messages to supervised assistant sessions and
// posts task results back. Each adapter hides one platform's connection
// model behind BotAdapter:
//
//   - Discord: gateway WebSocket
//   - Telegram: long polling
//   - Feishu/Lark: WebSocket long connection
//   - DingTalk: stream mode, replies go through the per-conversation session webhook
//
// Outbound messages longer than the platform limit (or the configured
// relay.max_message_length, whichever is smaller) are split into several
// messages rather than truncated, since assistant answers are often long.
//
// Adapters are safe for concurrent use. The message handler may be called
// from the platform SDK's own goroutines.
package bot

import "time"

// BotAdapter defines the interface for bot adapters
type BotAdapter interface {
	// Start connects to the platform and begins delivering messages to messageHandler
	Start(messageHandler func(BotMessage)) error

	// SendMessage posts message to channel, splitting it at the platform limit
	SendMessage(channel, message string) error

	// Stop disconnects and releases resources
	Stop() error
}

// LengthLimiter is implemented by adapters whose outbound chunk size can be
// lowered from configuration.
type LengthLimiter interface {
	SetMaxMessageLength(n int)
}

// BotMessage represents a bot message structure
type BotMessage struct {
	Platform  string // discord/telegram/feishu/dingtalk
	UserID    string // Unique user identifier (for permission control)
	Channel   string // Channel or conversation to reply to
	Content   string
	Timestamp time.Time
}
