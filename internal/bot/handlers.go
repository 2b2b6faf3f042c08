package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/engine"
	"vpn-subscription-bot/internal/hooks"
	"vpn-subscription-bot/internal/logger"
)

const helpText = "Команды:\n" +
	"/buy — купить подписку\n" +
	"/trial — пробный период\n" +
	"/subscriptions — мои подписки\n" +
	"/getkey — получить ключ и QR-код\n" +
	"/balance — баланс\n" +
	"/topup <сумма> — пополнить баланс"

func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer logger.NotifyOnPanic("HandleUpdate")

	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	msg := update.Message
	if msg == nil || msg.From == nil || !msg.IsCommand() {
		return
	}
	userID := msg.From.ID
	if _, err := b.store.EnsureUser(ctx, userID, msg.From.UserName); err != nil {
		b.log.Error("ensure user", zap.Int64("tg_id", userID), zap.Error(err))
		b.reply(msg.Chat.ID, "Произошла ошибка, попробуйте позже")
		return
	}

	cmd := "/" + msg.Command()
	if strings.HasPrefix(cmd, "/admin_") {
		if b.admin != nil && b.admin.IsAdmin(userID) {
			b.admin.HandleAdminCommand(ctx, b.api, msg)
		}
		return
	}
	limitKey := cmd
	if strings.HasPrefix(cmd, "/renew_") {
		limitKey = "/renew"
	}
	if b.limiter.IsLimited(userID, limitKey) {
		b.reply(msg.Chat.ID, "Слишком часто, попробуйте через несколько секунд")
		return
	}

	switch {
	case cmd == "/start":
		out := tgbotapi.NewMessage(msg.Chat.ID, "Добро пожаловать! Здесь можно купить и продлить VPN-подписку.\n\n"+helpText)
		out.ReplyMarkup = GetReplyKeyboard(b.admin.IsAdmin(userID))
		b.send(out)
	case cmd == "/help":
		b.reply(msg.Chat.ID, helpText)
	case cmd == "/buy":
		b.showTariffs(ctx, msg.Chat.ID, userID)
	case cmd == "/trial":
		b.startTrial(ctx, msg.Chat.ID, userID, msg.From.UserName)
	case cmd == "/subscriptions":
		b.showSubscriptions(ctx, msg.Chat.ID, userID)
	case cmd == "/getkey":
		b.sendKey(ctx, msg.Chat.ID, userID, strings.TrimSpace(msg.CommandArguments()))
	case strings.HasPrefix(cmd, "/renew_"):
		b.showRenewTariffs(ctx, msg.Chat.ID, userID, strings.TrimPrefix(cmd, "/renew_"))
	case cmd == "/balance":
		b.showBalance(ctx, msg.Chat.ID, userID)
	case cmd == "/topup":
		b.topUp(ctx, msg.Chat.ID, userID, msg.CommandArguments())
	default:
		b.reply(msg.Chat.ID, "Неизвестная команда. /help")
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.From == nil {
		return
	}
	chatID := q.Message.Chat.ID
	switch {
	case strings.HasPrefix(q.Data, "buy_"):
		id, err := strconv.ParseUint(strings.TrimPrefix(q.Data, "buy_"), 10, 64)
		if err != nil {
			b.answer(q.ID, "Ошибка выбора тарифа")
			return
		}
		b.answer(q.ID, "Создаём ключ…")
		b.buy(ctx, chatID, q.From.ID, q.From.UserName, uint(id))
	case strings.HasPrefix(q.Data, "renew_"):
		email, id, ok := parseRenewData(q.Data)
		if !ok {
			b.answer(q.ID, "Ошибка выбора тарифа продления")
			return
		}
		b.answer(q.ID, "Продлеваем…")
		b.renew(ctx, chatID, q.From.ID, email, id)
	default:
		b.answer(q.ID, "")
	}
}

// parseRenewData разбирает renew_<email>_<tariffID>
func parseRenewData(data string) (string, uint, bool) {
	rest := strings.TrimPrefix(data, "renew_")
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", 0, false
	}
	id, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil || id == 0 {
		return "", 0, false
	}
	return rest[:i], uint(id), true
}

func (b *Bot) showTariffs(ctx context.Context, chatID, userID int64) {
	group, _ := b.hooks.FirstString(ctx, hooks.PurchaseTariffGroupOverride, hooks.Args{"tg_id": userID})
	tariffs, err := b.store.ListTariffs(ctx, group)
	if err != nil {
		b.log.Error("list tariffs", zap.Error(err))
		b.reply(chatID, "Произошла ошибка, попробуйте позже")
		return
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, t := range tariffs {
		if t.ID == b.trialTariffID {
			continue
		}
		label := fmt.Sprintf("%s — %d₽", t.Name, t.Price)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "buy_"+strconv.FormatUint(uint64(t.ID), 10)),
		))
	}
	rows = append(rows, hookRows(b.hooks.Buttons(ctx, hooks.TariffMenu, hooks.Args{"tg_id": userID, "group": group}))...)
	if len(rows) == 0 {
		b.reply(chatID, "Сейчас нет доступных тарифов")
		return
	}
	msg := tgbotapi.NewMessage(chatID, "Выберите тариф:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	b.send(msg)
}

func (b *Bot) buy(ctx context.Context, chatID, userID int64, username string, tariffID uint) {
	out, err := b.engine.Create(ctx, engine.CreateRequest{TgID: userID, Username: username, TariffID: tariffID})
	if err != nil {
		b.log.Warn("create key failed", zap.Int64("tg_id", userID), zap.Uint("tariff_id", tariffID), zap.Error(err))
		b.reply(chatID, errorText(err))
		return
	}
	b.sendCreated(chatID, out)
}

func (b *Bot) startTrial(ctx context.Context, chatID, userID int64, username string) {
	if b.trialTariffID == 0 {
		b.reply(chatID, "Пробный период сейчас недоступен")
		return
	}
	conn, err := b.store.GetConnection(ctx, userID)
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	if conn.Trial == db.TrialUsed {
		b.reply(chatID, "Пробный период уже использован. Оформить подписку: /buy")
		return
	}
	out, err := b.engine.Create(ctx, engine.CreateRequest{TgID: userID, Username: username, TariffID: b.trialTariffID, IsTrial: true})
	if err != nil {
		b.log.Warn("trial key failed", zap.Int64("tg_id", userID), zap.Error(err))
		b.reply(chatID, errorText(err))
		return
	}
	b.sendCreated(chatID, out)
}

// sendCreated показывает новый ключ, если модуль не перехватил сообщение
func (b *Bot) sendCreated(chatID int64, out *engine.Outcome) {
	if out.SuppressMessage {
		return
	}
	text := fmt.Sprintf("Ключ готов!\nДействует до %s\n\n%s", formatExpiry(out.ExpiryTime), userLink(out))
	msg := tgbotapi.NewMessage(chatID, text)
	rows := hookRows(out.Buttons)
	if out.OpenInWebapp && out.RemnawaveLink != "" {
		rows = append(rows, subscriptionRow(out.RemnawaveLink))
	}
	if len(rows) > 0 {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	b.send(msg)
}

func (b *Bot) showSubscriptions(ctx context.Context, chatID, userID int64) {
	keys, err := b.store.ListUserKeys(ctx, userID)
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	if len(keys) == 0 {
		b.reply(chatID, "У вас нет подписок. Оформить: /buy")
		return
	}
	for _, k := range keys {
		var used int64 = -1
		if report, err := b.engine.GetTraffic(ctx, k.Email); err == nil {
			used = report.Total
		}
		msg := tgbotapi.NewMessage(chatID, subscriptionText(k, used))
		buttons := b.hooks.Buttons(ctx, hooks.ViewKeyMenu, hooks.Args{"tg_id": userID, "email": k.Email})
		if rows := hookRows(buttons); len(rows) > 0 {
			msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
		}
		b.send(msg)
	}
}

func subscriptionText(k db.Key, usedBytes int64) string {
	var sb strings.Builder
	name := k.Email
	if k.Alias != nil && *k.Alias != "" {
		name = *k.Alias + " (" + k.Email + ")"
	}
	sb.WriteString("Подписка " + name + "\n")
	sb.WriteString("Сервер: " + k.ServerID + "\n")
	sb.WriteString("Действует до: " + formatExpiry(k.ExpiryTime) + "\n")
	if k.IsFrozen {
		sb.WriteString("Статус: заморожена\n")
	}
	if usedBytes >= 0 {
		sb.WriteString(fmt.Sprintf("Трафик: %.2f ГБ\n", float64(usedBytes)/(1<<30)))
	}
	sb.WriteString("Продлить: /renew_" + k.Email + "\nКлюч: /getkey " + k.Email)
	return sb.String()
}

// ownKey проверяет, что ключ принадлежит пользователю
func (b *Bot) ownKey(ctx context.Context, userID int64, email string) (*db.Key, error) {
	k, err := b.store.GetKey(ctx, strings.ToLower(email))
	if db.IsNotFound(err) || (err == nil && k.TgID != userID) {
		return nil, engine.ErrKeyNotFound
	}
	return k, err
}

func (b *Bot) sendKey(ctx context.Context, chatID, userID int64, email string) {
	if email == "" {
		keys, err := b.store.ListUserKeys(ctx, userID)
		if err != nil {
			b.reply(chatID, errorText(err))
			return
		}
		if len(keys) == 0 {
			b.reply(chatID, "У вас нет подписок. Оформить: /buy")
			return
		}
		email = keys[len(keys)-1].Email
	}
	if _, err := b.ownKey(ctx, userID, email); err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	out, err := b.engine.Link(ctx, email)
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	link := userLink(out)
	if link == "" {
		b.reply(chatID, "Ссылка ещё не готова, попробуйте позже")
		return
	}
	b.reply(chatID, link)
	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		b.log.Warn("qr encode", zap.String("email", email), zap.Error(err))
		return
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: email + ".png", Bytes: png})
	photo.Caption = "QR-код для " + email
	b.send(photo)
}

// userLink: ссылка, которую видит пользователь
func userLink(out *engine.Outcome) string {
	if out.Link != "" {
		return out.Link
	}
	return out.RemnawaveLink
}

func (b *Bot) showRenewTariffs(ctx context.Context, chatID, userID int64, email string) {
	k, err := b.ownKey(ctx, userID, email)
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	current := ""
	if k.TariffID != nil {
		if t, err := b.store.GetTariff(ctx, *k.TariffID); err == nil {
			current = t.GroupCode
		}
	}
	args := hooks.Args{"tg_id": userID, "email": k.Email, "group": current}
	forbidden := b.hooks.Strings(ctx, hooks.RenewalForbiddenGroups, args)
	if current != "" && containsString(forbidden, current) {
		b.reply(chatID, "Эту подписку нельзя продлить. Оформите новую: /buy")
		return
	}
	groups := b.hooks.Strings(ctx, hooks.RenewTariffs, args)
	if len(groups) == 0 {
		groups = []string{current}
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	seen := map[uint]bool{}
	for _, g := range groups {
		tariffs, err := b.store.ListTariffs(ctx, g)
		if err != nil {
			b.reply(chatID, errorText(err))
			return
		}
		for _, t := range tariffs {
			if seen[t.ID] || t.ID == b.trialTariffID || containsString(forbidden, t.GroupCode) {
				continue
			}
			seen[t.ID] = true
			label := fmt.Sprintf("%s — %d₽", t.Name, t.Price)
			data := fmt.Sprintf("renew_%s_%d", k.Email, t.ID)
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, data)))
		}
	}
	if len(rows) == 0 {
		b.reply(chatID, "Нет тарифов для продления")
		return
	}
	msg := tgbotapi.NewMessage(chatID, "Продление "+k.Email+", действует до "+formatExpiry(k.ExpiryTime)+". Выберите тариф:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	b.send(msg)
}

func (b *Bot) renew(ctx context.Context, chatID, userID int64, email string, tariffID uint) {
	if _, err := b.ownKey(ctx, userID, email); err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	t, err := b.store.GetTariff(ctx, tariffID)
	if err != nil {
		b.reply(chatID, errorText(engine.ErrTariffNotFound))
		return
	}
	out, err := b.engine.Renew(ctx, engine.RenewRequest{
		Email:    email,
		Days:     t.DurationDays,
		TariffID: t.ID,
		Charge:   t.Price,
	})
	if err != nil {
		b.log.Warn("renew failed", zap.Int64("tg_id", userID), zap.String("email", email), zap.Error(err))
		b.reply(chatID, errorText(err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Подписка %s продлена до %s", out.Email, formatExpiry(out.ExpiryTime)))
}

func (b *Bot) showBalance(ctx context.Context, chatID, userID int64) {
	conn, err := b.store.GetConnection(ctx, userID)
	if err != nil {
		b.reply(chatID, errorText(err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Ваш баланс: %d₽\nПополнить: /topup <сумма>", conn.Balance))
}

func (b *Bot) topUp(ctx context.Context, chatID, userID int64, args string) {
	amount, err := parseAmount(args)
	if err != nil {
		b.reply(chatID, "Укажите сумму: /topup 300")
		return
	}
	if b.pay == nil {
		b.reply(chatID, "Пополнение временно недоступно")
		return
	}
	url, err := b.pay.CreateYooKassaPayment(ctx, b.store, userID, amount)
	if err != nil {
		b.log.Error("create payment", zap.Int64("tg_id", userID), zap.Int64("amount", amount), zap.Error(err))
		b.reply(chatID, "Не удалось создать платёж, попробуйте позже")
		return
	}
	b.reply(chatID, "Ссылка на оплату: "+url)
}

// errorText переводит ошибки движка в сообщения для пользователя
func errorText(err error) string {
	switch {
	case errors.Is(err, engine.ErrInsufficientBalance):
		return "Недостаточно средств на балансе. Пополнить: /topup <сумма>"
	case engine.IsBusy(err):
		return "Предыдущая операция ещё выполняется, попробуйте через минуту"
	case errors.Is(err, engine.ErrNoServersAvailable):
		return "Нет свободных серверов, попробуйте позже"
	case errors.Is(err, engine.ErrTariffNotFound):
		return "Тариф не найден"
	case errors.Is(err, engine.ErrKeyNotFound):
		return "Подписка не найдена"
	case errors.Is(err, engine.ErrPanelUnreachable):
		return "Серверы временно недоступны, попробуйте позже"
	default:
		return "Произошла ошибка, попробуйте позже"
	}
}

func formatExpiry(ms int64) string {
	return time.UnixMilli(ms).Format("02.01.2006 15:04")
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (b *Bot) reply(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.log.Warn("send failed", zap.Error(err))
	}
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Debug("callback answer failed", zap.Error(err))
	}
}
