package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"vpn-subscription-bot/internal/db"
)

const yooKassaAPI = "https://api.yookassa.ru/v3"

type PaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// YooKassa: клиент создания платежей пополнения баланса
type YooKassa struct {
	ShopID    string
	SecretKey string
	ReturnURL string
	BaseURL   string
	Client    *http.Client
}

func NewYooKassa(shopID, secretKey, returnURL string) *YooKassa {
	return &YooKassa{
		ShopID:    shopID,
		SecretKey: secretKey,
		ReturnURL: returnURL,
		BaseURL:   yooKassaAPI,
		Client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateYooKassaPayment создаёт платёж с redirect-подтверждением и сохраняет его в payments со статусом pending
func (y *YooKassa) CreateYooKassaPayment(ctx context.Context, store *db.Store, tgID int64, amount int64) (paymentURL string, err error) {
	if amount <= 0 {
		return "", fmt.Errorf("invalid amount %d", amount)
	}
	confirmation := map[string]string{"type": "redirect"}
	if y.ReturnURL != "" {
		confirmation["return_url"] = y.ReturnURL
	}
	body := map[string]interface{}{
		"amount":       map[string]interface{}{"value": fmt.Sprintf("%d.00", amount), "currency": "RUB"},
		"confirmation": confirmation,
		"capture":      true,
		"description":  fmt.Sprintf("Пополнение баланса %d", tgID),
		"metadata":     map[string]interface{}{"tg_id": tgID},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, y.BaseURL+"/payments", bytes.NewReader(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(y.ShopID, y.SecretKey)
	resp, err := y.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("yookassa: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("yookassa: http %d", resp.StatusCode)
	}
	var pr PaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("yookassa: decode: %w", err)
	}
	pay := db.Payment{TgID: tgID, PaymentID: pr.ID, PaymentSystem: "yookassa", Amount: amount, Status: db.PaymentPending}
	if err := store.CreatePayment(ctx, &pay); err != nil {
		return "", fmt.Errorf("save payment: %w", err)
	}
	return pr.Confirmation.ConfirmationURL, nil
}
