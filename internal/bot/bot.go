package bot

import (
	"context"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-subscription-bot/internal/admin"
	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/engine"
	"vpn-subscription-bot/internal/hooks"
	"vpn-subscription-bot/internal/logger"
	"vpn-subscription-bot/internal/services"
)

// API: часть *tgbotapi.BotAPI, которой пользуется бот
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	api     API
	store   *db.Store
	engine  *engine.Engine
	hooks   *hooks.Bus
	pay     *services.YooKassa
	admin   *admin.Handler
	limiter *RateLimiter
	// trialTariffID: тариф пробного периода, 0 выключает пробный период
	trialTariffID uint
	log           *zap.Logger
}

func New(api API, store *db.Store, eng *engine.Engine, bus *hooks.Bus, pay *services.YooKassa, adm *admin.Handler, trialTariffID uint) *Bot {
	if bus == nil {
		bus = hooks.NewBus()
	}
	return &Bot{
		api:           api,
		store:         store,
		engine:        eng,
		hooks:         bus,
		pay:           pay,
		admin:         adm,
		limiter:       NewRateLimiter(adm.IsAdmin),
		trialTariffID: trialTariffID,
		log:           logger.With(zap.String("component", "bot")),
	}
}

// Run читает апдейты до закрытия канала или отмены контекста
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// StartBotWithInstance запускает long polling на переданном экземпляре
func (b *Bot) StartBotWithInstance(ctx context.Context, api *tgbotapi.BotAPI) {
	b.log.Info("authorized", zap.String("account", api.Self.UserName))
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		api.StopReceivingUpdates()
	}()
	b.Run(ctx, updates)
}
