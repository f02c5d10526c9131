package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/0xfade/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Optional operator notifications. A nil *Notifier is a valid no-op, so
// callers never branch on whether Telegram is configured.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewNotifier connects to Telegram; returns nil (a valid no-op notifier)
// when token or chat id are not configured
func NewNotifier(token string, chatID int64) *Notifier {
	if token == "" || chatID == 0 {
		log.Info().Msg("📴 Telegram notifications disabled")
		return nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram unavailable, notifications disabled")
		return nil
	}

	log.Info().Str("bot", api.Self.UserName).Msg("📱 Telegram notifier connected")
	return &Notifier{api: api, chatID: chatID}
}

func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

// NotifyEntry announces a new position
func (n *Notifier) NotifyEntry(agent types.Agent, asset string, side types.Side, spreadPct decimal.Decimal, mirrored bool) {
	echo := ""
	if mirrored {
		echo = " (mirrored)"
	}
	n.send(fmt.Sprintf("🎯 <b>%s</b> entered %s <b>%s</b> at spread %s%%%s",
		agent, asset, side, spreadPct.StringFixed(2), echo))
}

// NotifyExit announces a closed tiered position
func (n *Notifier) NotifyExit(asset string, reason string, pnl, bankroll decimal.Decimal) {
	emoji := "🟢"
	if pnl.IsNegative() {
		emoji = "🔴"
	}
	n.send(fmt.Sprintf("%s <b>%s</b> closed (%s)\nPnL: %s\nBankroll: %s",
		emoji, asset, reason, pnl.StringFixed(4), bankroll.StringFixed(2)))
}

// NotifyError surfaces an operational failure
func (n *Notifier) NotifyError(stage string, err error) {
	n.send(fmt.Sprintf("⚠️ <b>%s</b> failed: %v", stage, err))
}
