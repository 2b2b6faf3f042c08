package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/logger"
)

// Проверка HMAC подписи webhook YooKassa (Authorization или Content-Yoomoney-Signature)
func checkYooKassaSignature(secret string, body []byte, authHeader, yoomoneyHeader string) bool {
	var signatures []string
	if strings.HasPrefix(authHeader, "HMAC ") || strings.HasPrefix(authHeader, "HMAC-SHA256 ") {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 {
			signatures = append(signatures, parts[1])
		}
	}
	if yoomoneyHeader != "" {
		signatures = append(signatures, yoomoneyHeader)
	}
	if len(signatures) == 0 {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(calc)) {
			return true
		}
	}
	return false
}

// WebhookHandler обрабатывает уведомления YooKassa: успешный платёж зачисляется на баланс ровно один раз
func WebhookHandler(store *db.Store, bot logger.Sender, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer logger.NotifyOnPanic("WebhookHandler")
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()
		if !checkYooKassaSignature(secret, body, r.Header.Get("Authorization"), r.Header.Get("Content-Yoomoney-Signature")) {
			logger.NotifyAdmin("Недействительная подпись webhook")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("invalid signature"))
			return
		}
		var event struct {
			Event  string `json:"event"`
			Object struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"object"`
		}
		if err := json.Unmarshal(body, &event); err != nil {
			logger.NotifyAdmin("Ошибка парсинга webhook: " + err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if event.Object.Status != db.PaymentSucceeded {
			logger.Info("payment not succeeded", zap.String("payment_id", event.Object.ID), zap.String("status", event.Object.Status))
			w.WriteHeader(http.StatusOK)
			return
		}

		pay, applied, err := store.CompletePayment(r.Context(), event.Object.ID)
		if db.IsNotFound(err) {
			logger.NotifyAdmin("Платёж не найден: " + event.Object.ID)
			w.WriteHeader(http.StatusOK)
			return
		}
		if err != nil {
			logger.Error("complete payment", zap.String("payment_id", event.Object.ID), zap.Error(err))
			// YooKassa повторит уведомление
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if applied {
			logger.Info("balance topped up", zap.Int64("tg_id", pay.TgID), zap.Int64("amount", pay.Amount), zap.String("payment_id", pay.PaymentID))
			msg := tgbotapi.NewMessage(pay.TgID, fmt.Sprintf("Баланс пополнен на %d₽. Оформить подписку: /buy", pay.Amount))
			_, _ = bot.Send(msg)
		}
		w.WriteHeader(http.StatusOK)
	}
}
