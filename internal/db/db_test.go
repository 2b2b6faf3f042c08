package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := Open(sqlite.Open("file:" + name + "?mode=memory&cache=shared"))
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewStore(gdb)
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c1, err := s.EnsureUser(ctx, 42, "alice")
	require.NoError(t, err)
	c2, err := s.EnsureUser(ctx, 42, "alice")
	require.NoError(t, err)

	assert.Equal(t, c1.TgID, c2.TgID)
	assert.Equal(t, int64(1), s.CountUsers(ctx))
	assert.Equal(t, TrialUnused, c2.Trial)
}

func TestDebitBalanceNeverGoesNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureUser(ctx, 7, "")
	require.NoError(t, err)
	require.NoError(t, s.AddBalance(ctx, 7, 150))

	err = s.DebitBalance(ctx, 7, 200)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, s.DebitBalance(ctx, 7, 100))
	conn, err := s.GetConnection(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(50), conn.Balance)
}

func TestExtendExpiryOnlyMovesForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertKey(ctx, &Key{TgID: 1, ClientID: "c", Email: "abc", ExpiryTime: 1000}))

	updated, err := s.ExtendExpiry(ctx, "abc", 500)
	require.NoError(t, err)
	assert.False(t, updated)

	updated, err = s.ExtendExpiry(ctx, "abc", 2000)
	require.NoError(t, err)
	assert.True(t, updated)

	k, err := s.GetKey(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), k.ExpiryTime)
}

func TestClearKeyNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	for _, kind := range []string{NotifyKey24h, NotifyKey10h, NotifyKeyExpired, NotifyRenew} {
		require.NoError(t, s.MarkNotified(ctx, 5, NotificationType("k1", kind), now))
	}
	require.NoError(t, s.MarkNotified(ctx, 5, NotificationType("k2", NotifyKey24h), now))
	// повторная отметка не должна нарушать уникальность (tg_id, type)
	require.NoError(t, s.MarkNotified(ctx, 5, NotificationType("k2", NotifyKey24h), now.Add(time.Hour)))

	require.NoError(t, s.ClearKeyNotifications(ctx, 5, "k1", NotifyKey24h, NotifyKey10h, NotifyKeyExpired, NotifyRenew))

	sent, err := s.WasNotified(ctx, 5, NotificationType("k1", NotifyKey24h))
	require.NoError(t, err)
	assert.False(t, sent)
	sent, err = s.WasNotified(ctx, 5, NotificationType("k2", NotifyKey24h))
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestCountKeysByServerID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertKey(ctx, &Key{TgID: 1, ClientID: "a", Email: "a1", ServerID: "de"}))
	require.NoError(t, s.InsertKey(ctx, &Key{TgID: 1, ClientID: "b", Email: "a2", ServerID: "de"}))
	require.NoError(t, s.InsertKey(ctx, &Key{TgID: 2, ClientID: "c", Email: "a3", ServerID: "nl-1"}))

	counts, err := s.CountKeysByServerID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["de"])
	assert.Equal(t, int64(1), counts["nl-1"])
}

func TestCompletePaymentAppliesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureUser(ctx, 9, "")
	require.NoError(t, err)
	require.NoError(t, s.CreatePayment(ctx, &Payment{TgID: 9, PaymentID: "p-1", Amount: 300, Status: PaymentPending}))

	_, applied, err := s.CompletePayment(ctx, "p-1")
	require.NoError(t, err)
	assert.True(t, applied)
	_, applied, err = s.CompletePayment(ctx, "p-1")
	require.NoError(t, err)
	assert.False(t, applied)

	conn, err := s.GetConnection(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(300), conn.Balance)
}
