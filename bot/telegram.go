package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dappboris-dev/polymarket-trading-bot/ledger"
	"github.com/dappboris-dev/polymarket-trading-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications and operator commands
// ═══════════════════════════════════════════════════════════════════════════════
//
//   💰 Trade notifications (entry, take profit, stop loss)
//   📈 P&L and drawdown on demand
//   🎛️ Control commands (/status, /pause, /resume, /stats, /trades)
//
// Unconfigured token or chat ID means the bot is a no-op: all Notify*
// methods are safe to call regardless.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider supplies aggregate trading state for reporting commands.
type StatsProvider interface {
	Stats() ledger.Stats
	Results() []types.TradeResult
}

// BalanceProvider supplies the venue balance for /balance and /status.
type BalanceProvider interface {
	GetBalance(ctx context.Context) (types.Balance, error)
}

// TradeCloser force-closes an active trade, for the /close command.
type TradeCloser interface {
	CloseTrade(ctx context.Context, tradeID string) error
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	stats   StatsProvider
	balance BalanceProvider
	closer  TradeCloser
	dryRun  bool

	onPause  func()
	onResume func()
}

// New creates a Telegram bot. An empty token returns a disabled no-op bot.
func New(token string, chatID int64, stats StatsProvider, balance BalanceProvider, dryRun bool) (*TelegramBot, error) {
	bot := &TelegramBot{
		chatID:  chatID,
		stopCh:  make(chan struct{}),
		stats:   stats,
		balance: balance,
		dryRun:  dryRun,
	}

	if token == "" || chatID == 0 {
		log.Info().Msg("Telegram not configured, notifications disabled")
		return bot, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	bot.api = api

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// SetControlCallbacks sets pause/resume handlers.
func (b *TelegramBot) SetControlCallbacks(onPause, onResume func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPause = onPause
	b.onResume = onResume
}

// SetTradeCloser sets the handler behind /close.
func (b *TelegramBot) SetTradeCloser(c TradeCloser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closer = c
}

// Start begins listening for commands.
func (b *TelegramBot) Start() {
	if b.api == nil {
		return
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the command loop.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyTrade sends a trade execution alert. Satisfies the engine's
// notifier contract.
func (b *TelegramBot) NotifyTrade(action, instrument, side string, price, size decimal.Decimal) {
	action = strings.ToUpper(action)

	var emoji string
	switch action {
	case "OPEN":
		emoji = "✅"
	case "TAKE_PROFIT":
		emoji = "💰"
	case "STOP_LOSS":
		emoji = "🛑"
	case "TIMEOUT":
		emoji = "⏰"
	default:
		emoji = "📌"
	}

	msg := fmt.Sprintf(`%s *%s*

📊 %s %s
💵 Price: *%s¢*
📦 Size: *$%s*`,
		emoji, action,
		shortID(instrument), side,
		price.Mul(decimal.NewFromInt(100)).StringFixed(1),
		size.StringFixed(2),
	)

	b.sendMarkdown(msg)
}

// NotifyStartup sends a startup notification.
func (b *TelegramBot) NotifyStartup() {
	mode := "LIVE"
	if b.dryRun {
		mode = "PAPER"
	}

	balanceStr := "N/A"
	if b.balance != nil {
		if bal, err := b.balance.GetBalance(context.Background()); err == nil {
			balanceStr = "$" + bal.USDC.StringFixed(2)
		}
	}

	msg := fmt.Sprintf(`🚀 *BOT STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
💰 Balance: *%s*

Use /help for commands`, mode, balanceStr)

	b.sendMarkdown(msg)
}

// NotifyError sends an error alert.
func (b *TelegramBot) NotifyError(err error) {
	b.sendMarkdown(fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error()))
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "balance":
		b.cmdBalance()
	case "stats":
		b.cmdStats()
	case "trades":
		b.cmdTrades()
	case "close":
		b.cmdClose(msg.CommandArguments())
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`🤖 *COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Bot status
💰 /balance — Account balance
📈 /stats — Trading statistics
📜 /trades — Last 10 results
📝 /close <id> — Close a trade
⏸️ /pause — Pause trading
▶️ /resume — Resume trading
🏓 /ping — Test connection`)
}

func (b *TelegramBot) cmdStatus() {
	mode := "LIVE"
	if b.dryRun {
		mode = "PAPER"
	}

	balanceStr := "N/A"
	if b.balance != nil {
		if bal, err := b.balance.GetBalance(context.Background()); err == nil {
			balanceStr = "$" + bal.USDC.StringFixed(2)
		}
	}

	b.sendMarkdown(fmt.Sprintf(`📊 *BOT STATUS*
━━━━━━━━━━━━━━━━━━━━

🟢 RUNNING
📊 Mode: *%s*
💰 Balance: *%s*`, mode, balanceStr))
}

func (b *TelegramBot) cmdBalance() {
	if b.balance == nil {
		b.send("❌ Balance not available")
		return
	}

	bal, err := b.balance.GetBalance(context.Background())
	if err != nil {
		b.send("❌ Failed to fetch balance")
		return
	}

	b.sendMarkdown(fmt.Sprintf(`💰 *ACCOUNT BALANCE*
━━━━━━━━━━━━━━━━━━━━

💵 USDC: *$%s*
⛽ MATIC: *%s*`,
		bal.USDC.StringFixed(2),
		bal.Matic.StringFixed(4),
	))
}

func (b *TelegramBot) cmdStats() {
	if b.stats == nil {
		b.send("❌ Stats not available")
		return
	}

	s := b.stats.Stats()

	sign := "+"
	if s.TotalPnL.IsNegative() {
		sign = ""
	}

	b.sendMarkdown(fmt.Sprintf(`📈 *TRADING STATS*
━━━━━━━━━━━━━━━━━━━━

📊 Total Trades: *%d*
✅ Wins: *%d*
❌ Losses: *%d*
📈 Win Rate: *%.1f%%*

━━━━━━━━━━━━━━━━━━━━
💵 Total P&L: *%s$%s*
📉 Max Drawdown: *$%s*
⏱️ Avg Hold: *%v*`,
		s.TotalTrades, s.Wins, s.Losses, s.WinRate*100,
		sign, s.TotalPnL.StringFixed(2),
		s.MaxDrawdown.StringFixed(2),
		s.AvgHoldingTime.Round(time.Second),
	))
}

func (b *TelegramBot) cmdTrades() {
	if b.stats == nil {
		b.send("❌ Trades not available")
		return
	}

	results := b.stats.Results()
	if len(results) == 0 {
		b.send("📭 No trade history yet")
		return
	}

	if len(results) > 10 {
		results = results[len(results)-10:]
	}

	msg := "📜 *LAST TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]

		emoji := "💰"
		if r.PnL.IsNegative() {
			emoji = "🛑"
		}
		sign := "+"
		if r.PnL.IsNegative() {
			sign = ""
		}

		msg += fmt.Sprintf("%s %s %s → %s¢ | P&L: %s$%s\n   _%s_\n\n",
			emoji, strings.ToUpper(r.ExitReason), shortID(r.InstrumentID),
			r.ExitPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
			sign, r.PnL.StringFixed(2),
			r.ExitedAt.Format("Jan 2 15:04"),
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdClose(args string) {
	id := strings.TrimSpace(args)
	if id == "" {
		b.send("Usage: /close <trade id>")
		return
	}

	b.mu.RLock()
	closer := b.closer
	b.mu.RUnlock()

	if closer == nil {
		b.send("❌ Manual close not available")
		return
	}

	if err := closer.CloseTrade(context.Background(), id); err != nil {
		b.send("❌ " + err.Error())
		return
	}

	b.send("📝 Trade " + shortID(id) + " closed")
	log.Info().Str("trade_id", id).Msg("Trade closed via Telegram")
}

func (b *TelegramBot) cmdPause() {
	b.mu.RLock()
	cb := b.onPause
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}

	b.send("⏸️ Trading paused")
	log.Info().Msg("Trading paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	b.mu.RLock()
	cb := b.onResume
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}

	b.send("▶️ Trading resumed")
	log.Info().Msg("Trading resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	if b.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	if b.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

// shortID trims long token IDs for display.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + "…" + id[len(id)-4:]
}
