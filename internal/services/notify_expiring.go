package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/logger"
)

// окна уведомлений об окончании подписки
const (
	window24h = 24 * time.Hour
	window10h = 10 * time.Hour
)

func expiryText(kind, email string, expiry time.Time) string {
	switch kind {
	case db.NotifyKey10h:
		return fmt.Sprintf("Подписка %s закончится меньше чем через 10 часов (%s). Продлить: /renew_%s", email, expiry.Format("02.01 15:04"), email)
	case db.NotifyKey24h:
		return fmt.Sprintf("Подписка %s закончится через сутки (%s). Продлить: /renew_%s", email, expiry.Format("02.01 15:04"), email)
	default:
		return fmt.Sprintf("Подписка %s закончилась. Продлить: /renew_%s", email, email)
	}
}

// expiryKind: какое уведомление положено ключу сейчас; пустая строка означает никакое
func expiryKind(k db.Key, now time.Time) string {
	left := time.UnixMilli(k.ExpiryTime).Sub(now)
	switch {
	case left <= 0:
		return db.NotifyKeyExpired
	case left <= window10h:
		return db.NotifyKey10h
	case left <= window24h:
		return db.NotifyKey24h
	}
	return ""
}

// NotifyExpiringSubscriptions рассылает уведомления key_24h, key_10h и key_expired.
// Каждое уведомление уходит один раз на пару (tg_id, "{email}_{type}"); замороженные ключи пропускаются.
func NotifyExpiringSubscriptions(ctx context.Context, bot logger.Sender, store *db.Store, now time.Time) (int, error) {
	keys, err := store.KeysExpiringBetween(ctx, 0, now.Add(window24h).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("load expiring keys: %w", err)
	}
	sent := 0
	for _, k := range keys {
		if k.IsFrozen {
			continue
		}
		kind := expiryKind(k, now)
		if kind == "" {
			continue
		}
		typ := db.NotificationType(k.Email, kind)
		done, err := store.WasNotified(ctx, k.TgID, typ)
		if err != nil {
			return sent, err
		}
		if done {
			continue
		}
		msg := tgbotapi.NewMessage(k.TgID, expiryText(kind, k.Email, time.UnixMilli(k.ExpiryTime)))
		if _, err := bot.Send(msg); err != nil {
			logger.Warn("expiry notification not delivered", zap.Int64("tg_id", k.TgID), zap.String("email", k.Email), zap.Error(err))
			continue
		}
		if err := store.MarkNotified(ctx, k.TgID, typ, now); err != nil {
			return sent, err
		}
		flags := map[string]interface{}{"notified": true}
		if kind == db.NotifyKey24h {
			flags = map[string]interface{}{"notified_24h": true}
		}
		if err := store.UpdateKey(ctx, k.Email, flags); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		logger.Info("expiry notifications sent", zap.Int("count", sent))
	}
	return sent, nil
}
