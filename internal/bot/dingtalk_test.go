package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dingTalkReply struct {
	webhook string
	content string
}

func newTestDingTalkBot(now time.Time) (*DingTalkBot, *[]dingTalkReply) {
	var replies []dingTalkReply
	bot := NewDingTalkBot("client-id", "client-secret")
	bot.now = func() time.Time { return now }
	bot.reply = func(ctx context.Context, webhook string, content []byte) error {
		replies = append(replies, dingTalkReply{webhook: webhook, content: string(content)})
		return nil
	}
	return bot, &replies
}

func dingTalkMessage(conversation, webhook string, expires time.Time, text string) *chatbot.BotCallbackDataModel {
	data := &chatbot.BotCallbackDataModel{
		ConversationId:            conversation,
		SenderStaffId:             "staff-1",
		Msgtype:                   "text",
		SessionWebhook:            webhook,
		SessionWebhookExpiredTime: expires.UnixMilli(),
	}
	data.Text.Content = text
	return data
}

func TestDingTalkBot_ReplyUsesSessionWebhook(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bot, replies := newTestDingTalkBot(now)

	var got []BotMessage
	bot.SetMessageHandler(func(m BotMessage) { got = append(got, m) })

	_, err := bot.handleMessageReceive(context.Background(), dingTalkMessage("cid-1", "https://hook/1", now.Add(time.Hour), "hello"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, BotMessage{Platform: "dingtalk", UserID: "staff-1", Channel: "cid-1", Content: "hello", Timestamp: got[0].Timestamp}, got[0])

	require.NoError(t, bot.SendMessage("cid-1", "answer"))
	assert.Equal(t, []dingTalkReply{{webhook: "https://hook/1", content: "answer"}}, *replies)
}

func TestDingTalkBot_SendMessage_Errors(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bot, _ := newTestDingTalkBot(now)

	assert.ErrorContains(t, bot.SendMessage("", "hi"), "conversation ID is required")
	assert.ErrorContains(t, bot.SendMessage("cid-unknown", "hi"), "no session webhook")

	_, err := bot.handleMessageReceive(context.Background(), dingTalkMessage("cid-old", "https://hook/old", now.Add(-time.Minute), "x"))
	require.NoError(t, err)
	assert.ErrorContains(t, bot.SendMessage("cid-old", "hi"), "expired")
	assert.ErrorContains(t, bot.SendMessage("cid-old", "hi"), "no session webhook")

	_, err = bot.handleMessageReceive(context.Background(), dingTalkMessage("cid-2", "https://hook/2", now.Add(time.Hour), "x"))
	require.NoError(t, err)
	bot.reply = func(context.Context, string, []byte) error { return errors.New("webhook 403") }
	assert.ErrorContains(t, bot.SendMessage("cid-2", "hi"), "webhook 403")
}

func TestDingTalkBot_SplitsLongReplies(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bot, replies := newTestDingTalkBot(now)
	bot.SetMaxMessageLength(4)

	_, err := bot.handleMessageReceive(context.Background(), dingTalkMessage("cid-1", "https://hook/1", now.Add(time.Hour), "x"))
	require.NoError(t, err)
	require.NoError(t, bot.SendMessage("cid-1", "abcdefghij"))
	assert.Len(t, *replies, 3)
}

func TestDingTalkBot_IgnoresNonText(t *testing.T) {
	bot, _ := newTestDingTalkBot(time.Now())
	called := false
	bot.SetMessageHandler(func(BotMessage) { called = true })

	data := dingTalkMessage("cid-1", "", time.Time{}, "")
	data.Msgtype = "picture"
	_, err := bot.handleMessageReceive(context.Background(), data)
	require.NoError(t, err)
	_, err = bot.handleMessageReceive(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, called)
}

func TestDingTalkBot_StopBeforeStart(t *testing.T) {
	assert.NoError(t, NewDingTalkBot("a", "b").Stop())
}
