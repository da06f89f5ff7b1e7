package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/pkg/constants"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/sirupsen/logrus"
)

// dingTalkReplyFunc posts text through a session webhook
type dingTalkReplyFunc func(ctx context.Context, sessionWebhook string, content []byte) error

// dingTalkWebhook is the reply endpoint DingTalk hands out with each
// inbound message. It is only valid until expires.
type dingTalkWebhook struct {
	url     string
	expires time.Time
}

// DingTalkBot implements BotAdapter interface for DingTalk using stream mode.
// DingTalk has no "post to conversation" call for chatbots, so replies reuse
// the session webhook of the latest message received in the conversation.
type DingTalkBot struct {
	mu             sync.RWMutex
	clientID       string
	clientSecret   string
	streamClient   *client.StreamClient
	reply          dingTalkReplyFunc
	webhooks       map[string]dingTalkWebhook
	maxLength      int
	messageHandler func(BotMessage)
	now            func() time.Time
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewDingTalkBot creates a new DingTalk bot instance
func NewDingTalkBot(clientID, clientSecret string) *DingTalkBot {
	return &DingTalkBot{
		clientID:     clientID,
		clientSecret: clientSecret,
		reply:        chatbot.NewChatbotReplier().SimpleReplyText,
		webhooks:     make(map[string]dingTalkWebhook),
		maxLength:    constants.MaxDingTalkMessageLength,
		now:          time.Now,
		ctx:          context.Background(),
	}
}

// SetMaxMessageLength lowers the outbound chunk size.
func (d *DingTalkBot) SetMaxMessageLength(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxLength = effectiveLimit(n, constants.MaxDingTalkMessageLength)
}

// Start opens the stream connection and begins listening for messages
func (d *DingTalkBot) Start(messageHandler func(BotMessage)) error {
	d.SetMessageHandler(messageHandler)

	logger.WithFields(logrus.Fields{
		"client_id": maskSecret(d.clientID),
	}).Info("starting-dingtalk-bot-with-stream-connection")

	credential := client.NewAppCredentialConfig(d.clientID, d.clientSecret)
	streamClient := client.NewStreamClient(client.WithAppCredential(credential))
	streamClient.RegisterChatBotCallbackRouter(d.handleMessageReceive)

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.streamClient = streamClient
	d.ctx, d.cancel = ctx, cancel
	d.mu.Unlock()

	go func() {
		if err := streamClient.Start(ctx); err != nil {
			logger.WithFields(logrus.Fields{
				"client_id": maskSecret(d.clientID),
				"error":     err,
			}).Error("dingtalk-stream-connection-failed")
		}
	}()

	time.Sleep(constants.DefaultConnectionTimeout)

	logger.Info("dingtalk-stream-connection-started")
	return nil
}

// handleMessageReceive handles incoming chatbot callbacks from DingTalk
func (d *DingTalkBot) handleMessageReceive(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	if data == nil {
		return []byte(""), nil
	}

	if data.SessionWebhook != "" {
		expires := d.now().Add(time.Hour)
		if data.SessionWebhookExpiredTime > 0 {
			expires = time.UnixMilli(data.SessionWebhookExpiredTime)
		}
		d.mu.Lock()
		d.webhooks[data.ConversationId] = dingTalkWebhook{url: data.SessionWebhook, expires: expires}
		d.mu.Unlock()
	}

	if data.Msgtype != "text" {
		return []byte(""), nil
	}

	logger.WithFields(logrus.Fields{
		"platform":          "dingtalk",
		"conversation_id":   data.ConversationId,
		"conversation_type": data.ConversationType,
		"sender_staff_id":   data.SenderStaffId,
		"msg_id":            data.MsgId,
		"content_len":       len(data.Text.Content),
	}).Debug("received-dingtalk-message")

	if handler := d.GetMessageHandler(); handler != nil {
		handler(BotMessage{
			Platform:  "dingtalk",
			UserID:    data.SenderStaffId,
			Channel:   data.ConversationId,
			Content:   data.Text.Content,
			Timestamp: time.Now(),
		})
	}

	return []byte(""), nil
}

// SendMessage replies to a DingTalk conversation through its session webhook
func (d *DingTalkBot) SendMessage(conversationID, message string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation ID is required for DingTalk")
	}

	d.mu.RLock()
	hook, ok := d.webhooks[conversationID]
	reply := d.reply
	ctx := d.ctx
	limit := d.maxLength
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no session webhook for conversation %s: the bot must receive a message there first", conversationID)
	}
	if d.now().After(hook.expires) {
		d.mu.Lock()
		delete(d.webhooks, conversationID)
		d.mu.Unlock()
		return fmt.Errorf("session webhook for conversation %s expired", conversationID)
	}

	for _, chunk := range SplitMessage(message, limit) {
		if err := reply(ctx, hook.url, []byte(chunk)); err != nil {
			logger.WithFields(logrus.Fields{
				"conversation_id": conversationID,
				"error":           err,
			}).Error("failed-to-send-message-to-dingtalk")
			return fmt.Errorf("failed to send message to conversation %s: %w", conversationID, err)
		}
	}

	logger.WithField("conversation_id", conversationID).Debug("message-sent-to-dingtalk")
	return nil
}

// Stop closes the DingTalk stream connection
func (d *DingTalkBot) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	streamClient := d.streamClient
	d.cancel = nil
	d.streamClient = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if streamClient != nil {
		streamClient.Close()
	}

	logger.Info("dingtalk-bot-stopped")
	return nil
}

// SetMessageHandler sets the message handler in a thread-safe manner
func (d *DingTalkBot) SetMessageHandler(handler func(BotMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messageHandler = handler
}

// GetMessageHandler gets the message handler in a thread-safe manner
func (d *DingTalkBot) GetMessageHandler() func(BotMessage) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.messageHandler
}
