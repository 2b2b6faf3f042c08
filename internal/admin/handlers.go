package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/engine"
	"vpn-subscription-bot/internal/hooks"
	"vpn-subscription-bot/internal/logger"
	"vpn-subscription-bot/internal/services"
)

// Handler: админские команды Telegram
type Handler struct {
	store     *db.Store
	engine    *engine.Engine
	monitor   *services.StatusMonitor
	hooks     *hooks.Bus
	admins    map[int64]bool
	dsn       string
	backupDir string
	now       func() time.Time
}

func NewHandler(store *db.Store, eng *engine.Engine, monitor *services.StatusMonitor, bus *hooks.Bus, admins []int64, dsn string) *Handler {
	if bus == nil {
		bus = hooks.NewBus()
	}
	set := make(map[int64]bool, len(admins))
	for _, id := range admins {
		set[id] = true
	}
	return &Handler{
		store:     store,
		engine:    eng,
		monitor:   monitor,
		hooks:     bus,
		admins:    set,
		dsn:       dsn,
		backupDir: "backups",
		now:       time.Now,
	}
}

func (h *Handler) IsAdmin(userID int64) bool {
	return h != nil && h.admins[userID]
}

func (h *Handler) HandleAdminCommand(ctx context.Context, bot logger.Sender, msg *tgbotapi.Message) {
	if msg == nil || msg.From == nil || !h.IsAdmin(msg.From.ID) {
		return
	}
	cmd := msg.Command()
	args := strings.Fields(msg.CommandArguments())
	var text string
	switch cmd {
	case "admin_stats":
		text = h.stats(ctx)
	case "admin_keys":
		text = h.keys(ctx, args)
	case "admin_key":
		text = h.key(ctx, bot, msg.Chat.ID, args)
	case "admin_user":
		text = h.user(ctx, args)
	case "admin_toggle":
		text = h.toggle(ctx, args)
	case "admin_reset":
		text = h.withEmail(args, "/admin_reset <email>", func(email string) (*engine.Outcome, error) {
			return h.engine.ResetTraffic(ctx, email)
		}, "Трафик сброшен")
	case "admin_delete":
		text = h.withEmail(args, "/admin_delete <email>", func(email string) (*engine.Outcome, error) {
			return h.engine.Delete(ctx, email)
		}, "Ключ удалён")
	case "admin_sync":
		text = h.withEmail(args, "/admin_sync <email>", func(email string) (*engine.Outcome, error) {
			return h.engine.UpdateAll(ctx, email)
		}, "Клиент пересоздан на серверах")
	case "admin_extend":
		text = h.extend(ctx, args)
	case "admin_balance":
		text = h.balance(ctx, args)
	case "admin_servers":
		text = h.servers(ctx)
	case "admin_addserver":
		text = h.addServer(ctx, args)
	case "admin_backup":
		h.backup(ctx, bot, msg.Chat.ID)
	case "admin_restore":
		text = h.restore(ctx, args)
	default:
		text = "Неизвестная команда администратора"
	}
	if text != "" {
		if _, err := bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
			logger.Warn("admin reply failed", zap.Error(err))
		}
	}
	logger.LogAdminAction(msg.From.ID, cmd, msg.CommandArguments())
}

func (h *Handler) stats(ctx context.Context) string {
	now := h.now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return fmt.Sprintf(
		"Пользователей: %d\nАктивных ключей: %d\nПлатежи: сегодня: %d₽, месяц: %d₽, всего: %d₽",
		h.store.CountUsers(ctx),
		h.store.CountActiveKeys(ctx, now.UnixMilli()),
		h.store.SumPayments(ctx, day, now),
		h.store.SumPayments(ctx, now.AddDate(0, 0, -30), now),
		h.store.SumPayments(ctx, time.Time{}, now),
	)
}

func (h *Handler) keys(ctx context.Context, args []string) string {
	page := 0
	if len(args) > 0 {
		if p, err := strconv.Atoi(args[0]); err == nil && p > 0 {
			page = p - 1
		}
	}
	const perPage = 20
	keys, err := h.store.ListKeys(ctx, page*perPage, perPage)
	if err != nil {
		return "Ошибка: " + err.Error()
	}
	if len(keys) == 0 {
		return "Ключей нет"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Ключи, страница %d:\n", page+1))
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%s tg=%d %s до %s\n", k.Email, k.TgID, k.ServerID, formatMs(k.ExpiryTime)))
	}
	return sb.String()
}

func (h *Handler) key(ctx context.Context, bot logger.Sender, chatID int64, args []string) string {
	if len(args) < 1 {
		return "Использование: /admin_key <email>"
	}
	k, err := h.store.GetKey(ctx, strings.ToLower(args[0]))
	if err != nil {
		return "Ключ не найден"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Email: %s\nTG: %d\nClient ID: %s\nСервер: %s\nДо: %s\nЗаморожен: %v\n",
		k.Email, k.TgID, k.ClientID, k.ServerID, formatMs(k.ExpiryTime), k.IsFrozen))
	if k.TariffID != nil {
		sb.WriteString(fmt.Sprintf("Тариф: %d\n", *k.TariffID))
	}
	if k.Key != "" {
		sb.WriteString("Ссылка: " + k.Key + "\n")
	}
	if k.RemnawaveLink != nil {
		sb.WriteString("Remnawave: " + *k.RemnawaveLink + "\n")
	}
	if report, err := h.engine.GetTraffic(ctx, k.Email); err == nil {
		sb.WriteString(fmt.Sprintf("Трафик: %.2f ГБ\n", float64(report.Total)/(1<<30)))
		sb.WriteString(nodesText(report.Nodes))
	}

	msg := tgbotapi.NewMessage(chatID, sb.String())
	buttons := h.hooks.Buttons(ctx, hooks.AdminKeyEditMenu, hooks.Args{"email": k.Email, "tg_id": k.TgID})
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, b := range buttons {
		if b.URL != "" {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL)))
		} else if b.Data != "" {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data)))
		}
	}
	if len(rows) > 0 {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := bot.Send(msg); err != nil {
		logger.Warn("admin reply failed", zap.Error(err))
	}
	return ""
}

func (h *Handler) user(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "Использование: /admin_user <tg_id>"
	}
	tgID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "Некорректный tg_id"
	}
	conn, err := h.store.GetConnection(ctx, tgID)
	if err != nil {
		return "Пользователь не найден"
	}
	keys, err := h.store.ListUserKeys(ctx, tgID)
	if err != nil {
		return "Ошибка: " + err.Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("TG: %d\nБаланс: %d₽\nTrial: %d\nКлючей: %d\n", tgID, conn.Balance, conn.Trial, len(keys)))
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%s %s до %s\n", k.Email, k.ServerID, formatMs(k.ExpiryTime)))
	}
	return sb.String()
}

// parseSwitch разбирает on/off
func parseSwitch(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "on", "1", "enable", "вкл":
		return true, true
	case "off", "0", "disable", "выкл":
		return false, true
	}
	return false, false
}

func (h *Handler) toggle(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "Использование: /admin_toggle <email> on|off"
	}
	enable, ok := parseSwitch(args[1])
	if !ok {
		return "Использование: /admin_toggle <email> on|off"
	}
	out, err := h.engine.Toggle(ctx, args[0], enable)
	if err != nil {
		return outcomeText("Ошибка: "+err.Error(), out)
	}
	state := "заморожен"
	if enable {
		state = "включён"
	}
	return outcomeText("Ключ "+state, out)
}

func (h *Handler) withEmail(args []string, usage string, op func(string) (*engine.Outcome, error), done string) string {
	if len(args) < 1 {
		return "Использование: " + usage
	}
	out, err := op(args[0])
	if err != nil {
		return outcomeText("Ошибка: "+err.Error(), out)
	}
	return outcomeText(done, out)
}

func (h *Handler) extend(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "Использование: /admin_extend <email> <days>"
	}
	days, err := strconv.Atoi(args[1])
	if err != nil || days <= 0 {
		return "Количество дней должно быть положительным числом"
	}
	out, err := h.engine.Renew(ctx, engine.RenewRequest{Email: args[0], Days: days})
	if err != nil {
		return outcomeText("Ошибка: "+err.Error(), out)
	}
	return outcomeText("Продлено до "+formatMs(out.ExpiryTime), out)
}

func (h *Handler) balance(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "Использование: /admin_balance <tg_id> <delta>"
	}
	tgID, err1 := strconv.ParseInt(args[0], 10, 64)
	delta, err2 := strconv.ParseInt(args[1], 10, 64)
	if err1 != nil || err2 != nil || delta == 0 {
		return "Некорректные аргументы"
	}
	if _, err := h.store.EnsureUser(ctx, tgID, ""); err != nil {
		return "Ошибка: " + err.Error()
	}
	var err error
	if delta > 0 {
		err = h.store.AddBalance(ctx, tgID, delta)
	} else {
		err = h.store.DebitBalance(ctx, tgID, -delta)
	}
	if errors.Is(err, db.ErrInsufficientBalance) {
		return "Недостаточно средств для списания"
	}
	if err != nil {
		return "Ошибка: " + err.Error()
	}
	conn, err := h.store.GetConnection(ctx, tgID)
	if err != nil {
		return "Ошибка: " + err.Error()
	}
	return fmt.Sprintf("Баланс %d: %d₽", tgID, conn.Balance)
}

func (h *Handler) servers(ctx context.Context) string {
	if h.monitor == nil {
		return "Мониторинг серверов выключен"
	}
	statuses := h.monitor.Statuses()
	if len(statuses) == 0 {
		h.monitor.UpdateAllServerStatuses(ctx)
		statuses = h.monitor.Statuses()
	}
	if len(statuses) == 0 {
		return "Серверов нет"
	}
	var sb strings.Builder
	sb.WriteString("Статус серверов:\n")
	for _, s := range statuses {
		sb.WriteString(fmt.Sprintf("%s/%s (%s): %s, проверка: %s\n",
			s.Cluster, s.Name, s.PanelType, s.Status, s.LastChecked.Format("02.01 15:04")))
	}
	return sb.String()
}

// addServer: /admin_addserver <cluster> <name> <three_xui|remnawave> <api_url> <inbound_id|squads> [tariff_group] [max_keys]
func (h *Handler) addServer(ctx context.Context, args []string) string {
	if len(args) < 5 {
		return "Использование: /admin_addserver <cluster> <name> <three_xui|remnawave> <api_url> <inbound_id> [tariff_group] [max_keys]"
	}
	s := db.Server{
		ClusterName: args[0],
		ServerName:  args[1],
		PanelType:   args[2],
		APIURL:      args[3],
		InboundID:   args[4],
		Enabled:     true,
	}
	if s.PanelType != db.PanelThreeXUI && s.PanelType != db.PanelRemnawave {
		return "Тип панели: three_xui или remnawave"
	}
	if len(args) > 5 {
		s.TariffGroup = args[5]
	}
	if len(args) > 6 {
		n, err := strconv.Atoi(args[6])
		if err != nil || n <= 0 {
			return "max_keys должен быть положительным числом"
		}
		s.MaxKeys = &n
	}
	if err := h.store.DB().WithContext(ctx).Create(&s).Error; err != nil {
		return "Ошибка добавления сервера: " + err.Error()
	}
	return "Сервер добавлен: " + s.ClusterName + "/" + s.ServerName
}

func (h *Handler) backup(ctx context.Context, bot logger.Sender, chatID int64) {
	if err := os.MkdirAll(h.backupDir, 0o755); err != nil {
		_, _ = bot.Send(tgbotapi.NewMessage(chatID, "Ошибка резервного копирования: "+err.Error()))
		return
	}
	filename := backupName(h.backupDir, "backup", h.now())
	if err := BackupDatabase(ctx, filename, h.dsn); err != nil {
		_, _ = bot.Send(tgbotapi.NewMessage(chatID, "Ошибка резервного копирования: "+err.Error()))
		return
	}
	file := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(filename))
	file.Caption = "Резервная копия БД успешно создана"
	if _, err := bot.Send(file); err != nil {
		logger.Warn("backup not delivered", zap.Error(err))
	}
	_ = os.Remove(filename)
}

func (h *Handler) restore(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "Укажите имя файла для восстановления"
	}
	filename := filepath.Join(h.backupDir, filepath.Base(args[0]))
	if err := RestoreDatabase(ctx, filename, h.dsn); err != nil {
		return "Ошибка восстановления: " + err.Error()
	}
	return "Восстановление успешно завершено из файла: " + filepath.Base(args[0])
}

// outcomeText дописывает статусы серверов к ответу
func outcomeText(head string, out *engine.Outcome) string {
	if out == nil || len(out.Nodes) == 0 {
		return head
	}
	return head + "\n" + nodesText(out.Nodes)
}

func nodesText(nodes map[string]engine.NodeStatus) string {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		st := nodes[name]
		if st.OK {
			sb.WriteString(fmt.Sprintf("✓ %s\n", name))
		} else {
			sb.WriteString(fmt.Sprintf("✗ %s: %s\n", name, st.Kind))
		}
	}
	return sb.String()
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).Format("02.01.2006 15:04")
}
