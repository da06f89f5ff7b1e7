package bot

import (
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	Channel string
	Message string
}

// mockDiscordSession records calls made through DiscordSessionInterface
type mockDiscordSession struct {
	failOpen bool
	failSend bool
	opened   bool
	closed   bool
	sent     []sentMessage
	handler  interface{}
}

func (m *mockDiscordSession) AddHandler(handler interface{}) func() {
	m.handler = handler
	return func() {}
}

func (m *mockDiscordSession) Open() error {
	m.opened = true
	if m.failOpen {
		return errors.New("gateway unavailable")
	}
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.closed = true
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(channel, message string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.failSend {
		return nil, errors.New("rate limited")
	}
	m.sent = append(m.sent, sentMessage{Channel: channel, Message: message})
	return &discordgo.Message{ID: "msg-id"}, nil
}

func (m *mockDiscordSession) simulate(msg *discordgo.MessageCreate) {
	if fn, ok := m.handler.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
		fn(&discordgo.Session{}, msg)
	}
}

func discordMessage(channel, author string, isBot bool, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		Content:   content,
		ChannelID: channel,
		Author:    &discordgo.User{ID: author, Bot: isBot},
	}}
}

func TestDiscordBot_ReceivesMessages(t *testing.T) {
	session := &mockDiscordSession{}
	bot := NewDiscordBot("token", "chan-1")

	var got []BotMessage
	require.NoError(t, bot.startWithSession(session, func(m BotMessage) { got = append(got, m) }))
	assert.True(t, session.opened)

	session.simulate(discordMessage("chan-1", "user-1", false, "hello"))
	session.simulate(discordMessage("chan-1", "bot-1", true, "ignored"))
	session.simulate(discordMessage("chan-2", "user-1", false, "other channel"))

	require.Len(t, got, 1)
	assert.Equal(t, BotMessage{Platform: "discord", UserID: "user-1", Channel: "chan-1", Content: "hello", Timestamp: got[0].Timestamp}, got[0])

	require.NoError(t, bot.Stop())
	assert.True(t, session.closed)
}

func TestDiscordBot_OpenFailure(t *testing.T) {
	session := &mockDiscordSession{failOpen: true}
	bot := NewDiscordBot("token", "")

	err := bot.startWithSession(session, func(BotMessage) {})
	assert.ErrorContains(t, err, "failed to open discord connection")
	assert.ErrorContains(t, bot.SendMessage("chan", "hi"), "not initialized")
}

func TestDiscordBot_SendMessage(t *testing.T) {
	session := &mockDiscordSession{}
	bot := NewDiscordBot("token", "default")
	require.NoError(t, bot.startWithSession(session, nil))

	require.NoError(t, bot.SendMessage("", "hi"))
	require.NoError(t, bot.SendMessage("explicit", strings.Repeat("a", 4500)))

	require.Len(t, session.sent, 4)
	assert.Equal(t, sentMessage{Channel: "default", Message: "hi"}, session.sent[0])
	assert.Equal(t, "explicit", session.sent[1].Channel)
	assert.Len(t, session.sent[1].Message, 2000)
	assert.Len(t, session.sent[3].Message, 500)

	session.failSend = true
	assert.ErrorContains(t, bot.SendMessage("", "hi"), "rate limited")
}

func TestDiscordBot_SendMessage_NoChannel(t *testing.T) {
	bot := NewDiscordBot("token", "")
	require.NoError(t, bot.startWithSession(&mockDiscordSession{}, nil))
	assert.ErrorContains(t, bot.SendMessage("", "hi"), "channel ID is required")
}

func TestDiscordBot_StopBeforeStart(t *testing.T) {
	assert.NoError(t, NewDiscordBot("token", "").Stop())
}
