package admin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"vpn-subscription-bot/internal/db"
)

type fakeBot struct {
	mu   sync.Mutex
	sent []string
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, m.Text)
	}
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) last() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return ""
	}
	return b.sent[len(b.sent)-1]
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.Open(sqlite.Open("file:admin_" + name + "?mode=memory&cache=shared"))
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db.NewStore(gdb)
}

func command(from int64, text string) *tgbotapi.Message {
	cmdLen := len(text)
	if i := strings.Index(text, " "); i > 0 {
		cmdLen = i
	}
	return &tgbotapi.Message{
		From:     &tgbotapi.User{ID: from},
		Chat:     &tgbotapi.Chat{ID: from},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
	}
}

func TestIsAdmin(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, []int64{1, 2}, "")
	assert.True(t, h.IsAdmin(1))
	assert.True(t, h.IsAdmin(2))
	assert.False(t, h.IsAdmin(3))

	var nilHandler *Handler
	assert.False(t, nilHandler.IsAdmin(1))
}

func TestAdminBalance(t *testing.T) {
	store := newTestStore(t)
	h := NewHandler(store, nil, nil, nil, []int64{1}, "")
	bot := &fakeBot{}
	ctx := context.Background()

	h.HandleAdminCommand(ctx, bot, command(1, "/admin_balance 42 500"))
	assert.Contains(t, bot.last(), "500₽")

	h.HandleAdminCommand(ctx, bot, command(1, "/admin_balance 42 -200"))
	assert.Contains(t, bot.last(), "300₽")

	h.HandleAdminCommand(ctx, bot, command(1, "/admin_balance 42 -1000"))
	assert.Contains(t, bot.last(), "Недостаточно")

	conn, err := store.GetConnection(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(300), conn.Balance)
}

func TestNonAdminIgnored(t *testing.T) {
	store := newTestStore(t)
	h := NewHandler(store, nil, nil, nil, []int64{1}, "")
	bot := &fakeBot{}

	h.HandleAdminCommand(context.Background(), bot, command(7, "/admin_balance 7 1000"))
	assert.Empty(t, bot.sent)
	_, err := store.GetConnection(context.Background(), 7)
	assert.Error(t, err)
}

func TestAdminStatsAndAddServer(t *testing.T) {
	store := newTestStore(t)
	h := NewHandler(store, nil, nil, nil, []int64{1}, "")
	bot := &fakeBot{}
	ctx := context.Background()
	_, err := store.EnsureUser(ctx, 10, "u")
	require.NoError(t, err)

	h.HandleAdminCommand(ctx, bot, command(1, "/admin_stats"))
	assert.Contains(t, bot.last(), "Пользователей: 1")

	h.HandleAdminCommand(ctx, bot, command(1, "/admin_addserver de de-1 ftp http://x 1"))
	assert.Contains(t, bot.last(), "three_xui или remnawave")

	h.HandleAdminCommand(ctx, bot, command(1, "/admin_addserver de de-1 three_xui http://x 1 standard 50"))
	assert.Contains(t, bot.last(), "de/de-1")

	list, err := store.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].MaxKeys)
	assert.Equal(t, 50, *list[0].MaxKeys)
	assert.True(t, list[0].Enabled)
}

func TestAdminUsage(t *testing.T) {
	h := NewHandler(newTestStore(t), nil, nil, nil, []int64{1}, "")
	bot := &fakeBot{}
	ctx := context.Background()

	for cmd, want := range map[string]string{
		"/admin_toggle abc":    "on|off",
		"/admin_toggle abc up": "on|off",
		"/admin_extend abc -1": "положительным",
		"/admin_reset":         "/admin_reset <email>",
		"/admin_servers":       "выключен",
	} {
		h.HandleAdminCommand(ctx, bot, command(1, cmd))
		assert.Contains(t, bot.last(), want, cmd)
	}
}

func TestParseSwitch(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "OFF": false, "1": true, "0": false} {
		got, ok := parseSwitch(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := parseSwitch("maybe")
	assert.False(t, ok)
}

func TestCleanOldBackups(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := filepath.Join(dir, "autobackup_20260401_000000.dump")
	fresh := filepath.Join(dir, "backup_20260530_000000.dump")
	other := filepath.Join(dir, "notes.txt")
	for _, f := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	}
	require.NoError(t, os.Chtimes(old, now.AddDate(0, -2, 0), now.AddDate(0, -2, 0)))
	require.NoError(t, os.Chtimes(fresh, now.AddDate(0, 0, -2), now.AddDate(0, 0, -2)))
	require.NoError(t, os.Chtimes(other, now.AddDate(-1, 0, 0), now.AddDate(-1, 0, 0)))

	removed, err := CleanOldBackups(dir, 31*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}
