package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/application"
	"github.com/loomlab/loom/kernel/internal/infrastructure/config"
)

// Adapter is a thin Telegram channel: it carries transport only, routing
// each incoming message into the conversation engine and sending the reply
// back. Channel policy lives in config.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	registry *application.EngineRegistry
	cfg      config.TelegramConfig
	logger   *zap.Logger
	stop     chan struct{}
}

// New connects the bot.
func New(cfg config.TelegramConfig, registry *application.EngineRegistry, logger *zap.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	return &Adapter{
		bot:      bot,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "telegram-adapter")),
		stop:     make(chan struct{}),
	}, nil
}

// Start polls for updates until Stop. Call in a goroutine.
func (a *Adapter) Start(ctx context.Context) {
	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := a.bot.GetUpdatesChan(updateCfg)

	a.logger.Info("Telegram adapter started", zap.String("bot", a.bot.Self.UserName))

	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			if !a.allowed(update.Message.From.ID) {
				continue
			}
			a.handleMessage(ctx, update.Message)
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	conversationID := fmt.Sprintf("tg:%d", msg.Chat.ID)
	userID := fmt.Sprintf("%d", msg.From.ID)

	engine := a.registry.GetOrCreate(conversationID, userID, "telegram")
	reply, err := engine.SendMessage(ctx, msg.Text)
	if err != nil {
		a.logger.Error("Turn failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		reply = "Something went wrong on my side. Please try again."
	}

	out := tgbotapi.NewMessage(msg.Chat.ID, reply)
	out.ReplyToMessageID = msg.MessageID
	if _, err := a.bot.Send(out); err != nil {
		a.logger.Warn("Telegram send failed", zap.Error(err))
	}
}

func (a *Adapter) allowed(userID int64) bool {
	if len(a.cfg.AllowIDs) == 0 {
		return true
	}
	for _, id := range a.cfg.AllowIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Stop ends the polling loop.
func (a *Adapter) Stop() {
	close(a.stop)
	a.bot.StopReceivingUpdates()
}
