package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/pkg/constants"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/larksuite/oapi-sdk-go/v3/ws"
	"github.com/sirupsen/logrus"
)

// feishuCreateFunc posts one message. It is lark's Im.Message.Create in
// production and a stub in tests.
type feishuCreateFunc func(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)

// FeishuBot implements BotAdapter interface for Feishu (Lark) using WebSocket long connection
type FeishuBot struct {
	mu                sync.RWMutex
	appID             string
	appSecret         string
	encryptKey        string
	verificationToken string
	create            feishuCreateFunc
	maxLength         int
	messageHandler    func(BotMessage)
	ctx               context.Context
	cancel            context.CancelFunc
}

// NewFeishuBot creates a new Feishu bot instance
func NewFeishuBot(appID, appSecret string) *FeishuBot {
	client := lark.NewClient(appID, appSecret)
	return &FeishuBot{
		appID:     appID,
		appSecret: appSecret,
		create:    client.Im.Message.Create,
		maxLength: constants.MaxFeishuMessageLength,
		ctx:       context.Background(),
	}
}

// SetEventSecurity configures the optional event encryption key and
// verification token.
func (f *FeishuBot) SetEventSecurity(encryptKey, verificationToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encryptKey = encryptKey
	f.verificationToken = verificationToken
}

// SetMaxMessageLength lowers the outbound chunk size.
func (f *FeishuBot) SetMaxMessageLength(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxLength = effectiveLimit(n, constants.MaxFeishuMessageLength)
}

// Start establishes the WebSocket long connection and begins listening for messages
func (f *FeishuBot) Start(messageHandler func(BotMessage)) error {
	ctx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	f.messageHandler = messageHandler
	f.ctx, f.cancel = ctx, cancel
	verificationToken, encryptKey := f.verificationToken, f.encryptKey
	f.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"app_id": maskSecret(f.appID),
	}).Info("starting-feishu-bot-with-websocket-long-connection")

	handler := dispatcher.NewEventDispatcher(verificationToken, encryptKey)
	handler.OnP2MessageReceiveV1(f.handleMessageReceive)

	client := ws.NewClient(f.appID, f.appSecret,
		ws.WithEventHandler(handler),
		ws.WithLogLevel(larkcore.LogLevelInfo),
		ws.WithAutoReconnect(true),
	)

	go func() {
		if err := client.Start(ctx); err != nil {
			logger.WithFields(logrus.Fields{
				"app_id": maskSecret(f.appID),
				"error":  err,
			}).Error("feishu-websocket-connection-failed")
		}
	}()

	// ws.Client.Start blocks and has no ready signal
	time.Sleep(constants.DefaultConnectionTimeout)

	logger.Info("feishu-websocket-long-connection-started")
	return nil
}

// handleMessageReceive handles incoming message events from Feishu
func (f *FeishuBot) handleMessageReceive(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}

	msg := event.Event.Message
	if msg.MessageType != nil && *msg.MessageType != larkim.MsgTypeText {
		return nil
	}

	var chatID, content string
	if msg.ChatId != nil {
		chatID = *msg.ChatId
	}
	if msg.Content != nil {
		content = extractTextContent(*msg.Content)
	}
	senderID := feishuSenderID(event.Event.Sender)

	logger.WithFields(logrus.Fields{
		"platform":    "feishu",
		"user_id":     senderID,
		"chat_id":     chatID,
		"content_len": len(content),
	}).Debug("received-feishu-message")

	f.mu.RLock()
	handler := f.messageHandler
	f.mu.RUnlock()

	if handler != nil {
		handler(BotMessage{
			Platform:  "feishu",
			UserID:    senderID,
			Channel:   chatID,
			Content:   content,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// feishuSenderID prefers the tenant user id and falls back to the open id,
// which is always present.
func feishuSenderID(sender *larkim.EventSender) string {
	if sender == nil || sender.SenderId == nil {
		return ""
	}
	if id := sender.SenderId.UserId; id != nil && *id != "" {
		return *id
	}
	if id := sender.SenderId.OpenId; id != nil {
		return *id
	}
	return ""
}

// SendMessage sends a message to a Feishu chat
func (f *FeishuBot) SendMessage(chatID, message string) error {
	f.mu.RLock()
	create := f.create
	ctx := f.ctx
	limit := f.maxLength
	f.mu.RUnlock()

	if create == nil {
		return fmt.Errorf("feishu client not initialized")
	}
	if chatID == "" {
		return fmt.Errorf("chat ID is required for Feishu")
	}

	for _, chunk := range SplitMessage(message, limit) {
		if err := f.sendChunk(ctx, create, chatID, chunk); err != nil {
			return err
		}
	}

	logger.WithField("chat_id", chatID).Debug("message-sent-to-feishu")
	return nil
}

func (f *FeishuBot) sendChunk(ctx context.Context, create feishuCreateFunc, chatID, text string) error {
	content, err := textContent(text)
	if err != nil {
		return err
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(larkim.MsgTypeText).
			Content(content).
			Build()).
		Build()

	resp, err := create(ctx, req)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"error":   err,
		}).Error("failed-to-send-message-to-feishu")
		return fmt.Errorf("failed to send message to chat %s: %w", chatID, err)
	}
	if !resp.Success() {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"code":    resp.Code,
			"msg":     resp.Msg,
		}).Error("failed-to-send-message-to-feishu-api-error")
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// Stop closes the Feishu WebSocket connection
func (f *FeishuBot) Stop() error {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()

	// ws.Client has no Stop method; cancelling its context ends it
	if cancel != nil {
		cancel()
	}

	logger.Info("feishu-bot-stopped")
	return nil
}

type feishuText struct {
	Text string `json:"text"`
}

// extractTextContent extracts the text field of a Feishu text message
// payload ({"text":"..."}). Content that is not such a payload is
// returned unchanged.
func extractTextContent(content string) string {
	var payload feishuText
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return content
	}
	return payload.Text
}

// textContent builds the JSON content of an outgoing text message
func textContent(text string) (string, error) {
	data, err := json.Marshal(feishuText{Text: text})
	if err != nil {
		return "", fmt.Errorf("failed to encode feishu message: %w", err)
	}
	return string(data), nil
}
