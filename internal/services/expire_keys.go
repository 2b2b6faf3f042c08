package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/engine"
	"vpn-subscription-bot/internal/logger"
)

// KeyDeleter: удаление ключа с панелей и из базы (*engine.Engine)
type KeyDeleter interface {
	Delete(ctx context.Context, email string) (*engine.Outcome, error)
}

// DeleteExpiredKeys удаляет ключи, просроченные дольше graceDays, и уведомляет владельцев
func DeleteExpiredKeys(ctx context.Context, bot logger.Sender, store *db.Store, keys KeyDeleter, graceDays int, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(graceDays) * 24 * time.Hour)
	expired, err := store.KeysExpiredBefore(ctx, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("load expired keys: %w", err)
	}
	deleted, failed := 0, 0
	for _, k := range expired {
		if _, err := keys.Delete(ctx, k.Email); err != nil {
			failed++
			logger.Warn("expired key not deleted", zap.String("email", k.Email), zap.Error(err))
			continue
		}
		deleted++
		msg := tgbotapi.NewMessage(k.TgID, fmt.Sprintf("Подписка %s завершена и удалена. Оформить новую: /buy", k.Email))
		_, _ = bot.Send(msg)
	}
	if failed > 0 {
		logger.NotifyAdmin(fmt.Sprintf("Не удалось удалить %d просроченных ключей из %d", failed, len(expired)))
	}
	logger.Info("expired keys cleanup", zap.Int("deleted", deleted), zap.Int("failed", failed))
	return deleted, nil
}
