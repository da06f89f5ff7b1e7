package relay

import (
	"fmt"

	"github.com/keepmind9/clibridge/internal/bot"
	"github.com/keepmind9/clibridge/internal/core"
)

// NewBots builds an adapter for every enabled bot in cfg.
func NewBots(cfg *core.Config) (map[string]bot.BotAdapter, error) {
	bots := make(map[string]bot.BotAdapter)
	for _, name := range cfg.EnabledBots() {
		bc := cfg.Bots[name]
		adapter, err := newBot(name, bc)
		if err != nil {
			return nil, err
		}
		if limiter, ok := adapter.(bot.LengthLimiter); ok && cfg.Relay.MaxMessageLength > 0 {
			limiter.SetMaxMessageLength(cfg.Relay.MaxMessageLength)
		}
		bots[name] = adapter
	}
	if len(bots) == 0 {
		return nil, fmt.Errorf("no bots enabled: enable at least one entry under bots")
	}
	return bots, nil
}

func newBot(name string, bc core.BotConfig) (bot.BotAdapter, error) {
	switch name {
	case "discord":
		if bc.Token == "" {
			return nil, fmt.Errorf("bots.discord.token is required")
		}
		return bot.NewDiscordBot(bc.Token, bc.ChannelID), nil
	case "telegram":
		if bc.Token == "" {
			return nil, fmt.Errorf("bots.telegram.token is required")
		}
		return bot.NewTelegramBot(bc.Token), nil
	case "feishu":
		if bc.AppID == "" || bc.AppSecret == "" {
			return nil, fmt.Errorf("bots.feishu.app_id and app_secret are required")
		}
		b := bot.NewFeishuBot(bc.AppID, bc.AppSecret)
		b.SetEventSecurity(bc.EncryptKey, bc.VerificationToken)
		return b, nil
	case "dingtalk":
		if bc.AppID == "" || bc.AppSecret == "" {
			return nil, fmt.Errorf("bots.dingtalk.app_id and app_secret are required")
		}
		return bot.NewDingTalkBot(bc.AppID, bc.AppSecret), nil
	default:
		return nil, fmt.Errorf("unknown bot type %q", name)
	}
}
