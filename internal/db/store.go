package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientBalance: на балансе недостаточно средств для списания
var ErrInsufficientBalance = errors.New("insufficient balance")

// Статусы платежей
const (
	PaymentPending   = "pending"
	PaymentSucceeded = "succeeded"
	PaymentCanceled  = "canceled"
)

// --- Пользователи и баланс ---

// EnsureUser создаёт пользователя и его connection при первом обращении
func (s *Store) EnsureUser(ctx context.Context, tgID int64, username string) (*Connection, error) {
	var conn Connection
	err := s.Transaction(ctx, func(tx *Store) error {
		user := User{TgID: tgID, Username: username}
		if err := tx.db.Where(User{TgID: tgID}).FirstOrCreate(&user).Error; err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}
		return tx.db.Where(Connection{TgID: tgID}).FirstOrCreate(&conn).Error
	})
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *Store) GetConnection(ctx context.Context, tgID int64) (*Connection, error) {
	var conn Connection
	if err := s.conn(ctx).Where("tg_id = ?", tgID).First(&conn).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

// AddBalance начисляет (или списывает при delta < 0) средства без ухода в минус
func (s *Store) AddBalance(ctx context.Context, tgID int64, delta int64) error {
	if delta < 0 {
		return s.DebitBalance(ctx, tgID, -delta)
	}
	return s.conn(ctx).Model(&Connection{}).Where("tg_id = ?", tgID).
		Update("balance", gorm.Expr("balance + ?", delta)).Error
}

// DebitBalance списывает amount; баланс после операции не может стать отрицательным
func (s *Store) DebitBalance(ctx context.Context, tgID int64, amount int64) error {
	if amount <= 0 {
		return nil
	}
	res := s.conn(ctx).Model(&Connection{}).
		Where("tg_id = ? AND balance >= ?", tgID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *Store) SetTrial(ctx context.Context, tgID int64, state int) error {
	return s.conn(ctx).Model(&Connection{}).Where("tg_id = ?", tgID).Update("trial", state).Error
}

// --- Тарифы ---

func (s *Store) GetTariff(ctx context.Context, id uint) (*Tariff, error) {
	var t Tariff
	if err := s.conn(ctx).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTariffs возвращает активные тарифы группы (или все активные, если group пустая)
func (s *Store) ListTariffs(ctx context.Context, group string) ([]Tariff, error) {
	var tariffs []Tariff
	q := s.conn(ctx).Where("is_active = ?", true)
	if group != "" {
		q = q.Where("group_code = ?", group)
	}
	err := q.Order("sort_order, id").Find(&tariffs).Error
	return tariffs, err
}

// --- Серверы ---

func (s *Store) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	err := s.conn(ctx).Order("cluster_name, server_name").Find(&servers).Error
	return servers, err
}

// ServerTags возвращает подгруппы и спецгруппы серверов по имени сервера
func (s *Store) ServerTags(ctx context.Context) (subgroups, special map[string][]string, err error) {
	var subs []ServerSubgroup
	if err = s.conn(ctx).Find(&subs).Error; err != nil {
		return nil, nil, err
	}
	var specs []ServerSpecialGroup
	if err = s.conn(ctx).Find(&specs).Error; err != nil {
		return nil, nil, err
	}
	subgroups = make(map[string][]string)
	for _, sg := range subs {
		subgroups[sg.ServerName] = append(subgroups[sg.ServerName], sg.SubgroupTitle)
	}
	special = make(map[string][]string)
	for _, sp := range specs {
		special[sp.ServerName] = append(special[sp.ServerName], sp.GroupCode)
	}
	return subgroups, special, nil
}

// CountKeysByServerID считает ключи по значению server_id (кластер или сервер)
func (s *Store) CountKeysByServerID(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		ServerID string
		Cnt      int64
	}
	err := s.conn(ctx).Model(&Key{}).Select("server_id, COUNT(*) AS cnt").Group("server_id").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.ServerID] = r.Cnt
	}
	return out, nil
}

// --- Ключи ---

func (s *Store) EmailExists(ctx context.Context, email string) (bool, error) {
	var count int64
	err := s.conn(ctx).Model(&Key{}).Where("email = ?", email).Count(&count).Error
	return count > 0, err
}

func (s *Store) GetKey(ctx context.Context, email string) (*Key, error) {
	var k Key
	if err := s.conn(ctx).Where("email = ?", email).First(&k).Error; err != nil {
		return nil, err
	}
	return &k, nil
}

// LockKey читает ключ с блокировкой строки до конца транзакции
func (s *Store) LockKey(ctx context.Context, email string) (*Key, error) {
	var k Key
	err := s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("email = ?", email).First(&k).Error
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Store) ListUserKeys(ctx context.Context, tgID int64) ([]Key, error) {
	var keys []Key
	err := s.conn(ctx).Where("tg_id = ?", tgID).Order("created_at").Find(&keys).Error
	return keys, err
}

func (s *Store) InsertKey(ctx context.Context, k *Key) error {
	return s.conn(ctx).Create(k).Error
}

// UpdateKey обновляет произвольные поля ключа по email
func (s *Store) UpdateKey(ctx context.Context, email string, fields map[string]interface{}) error {
	return s.conn(ctx).Model(&Key{}).Where("email = ?", email).Updates(fields).Error
}

// ExtendExpiry сдвигает expiry_time только вперёд; возвращает true, если строка обновлена
func (s *Store) ExtendExpiry(ctx context.Context, email string, expiryMs int64) (bool, error) {
	res := s.conn(ctx).Model(&Key{}).
		Where("email = ? AND expiry_time <= ?", email, expiryMs).
		Update("expiry_time", expiryMs)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) DeleteKey(ctx context.Context, email string) error {
	return s.conn(ctx).Where("email = ?", email).Delete(&Key{}).Error
}

// KeysExpiringBetween: ключи, истекающие в интервале (from, to]
func (s *Store) KeysExpiringBetween(ctx context.Context, fromMs, toMs int64) ([]Key, error) {
	var keys []Key
	err := s.conn(ctx).Where("expiry_time > ? AND expiry_time <= ?", fromMs, toMs).Find(&keys).Error
	return keys, err
}

func (s *Store) KeysExpiredBefore(ctx context.Context, tsMs int64) ([]Key, error) {
	var keys []Key
	err := s.conn(ctx).Where("expiry_time <= ?", tsMs).Find(&keys).Error
	return keys, err
}

// ListKeys: постраничный список ключей для админки
func (s *Store) ListKeys(ctx context.Context, offset, limit int) ([]Key, error) {
	var keys []Key
	err := s.conn(ctx).Order("id desc").Offset(offset).Limit(limit).Find(&keys).Error
	return keys, err
}

// --- Уведомления ---

// NotificationType формирует тип уведомления, привязанный к ключу
func NotificationType(email, kind string) string {
	return email + "_" + kind
}

// ClearKeyNotifications удаляет уведомления указанных типов по ключу
func (s *Store) ClearKeyNotifications(ctx context.Context, tgID int64, email string, kinds ...string) error {
	if len(kinds) == 0 {
		return nil
	}
	types := make([]string, 0, len(kinds))
	for _, k := range kinds {
		types = append(types, NotificationType(email, k))
	}
	return s.conn(ctx).Where("tg_id = ? AND type IN ?", tgID, types).Delete(&Notification{}).Error
}

func (s *Store) WasNotified(ctx context.Context, tgID int64, typ string) (bool, error) {
	var count int64
	err := s.conn(ctx).Model(&Notification{}).Where("tg_id = ? AND type = ?", tgID, typ).Count(&count).Error
	return count > 0, err
}

// MarkNotified вставляет или обновляет запись (tg_id, type)
func (s *Store) MarkNotified(ctx context.Context, tgID int64, typ string, at time.Time) error {
	n := Notification{TgID: tgID, Type: typ, LastSentAt: at}
	return s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tg_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sent_at"}),
	}).Create(&n).Error
}

// --- Платежи ---

func (s *Store) CreatePayment(ctx context.Context, p *Payment) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}
	return s.conn(ctx).Create(p).Error
}

// CompletePayment переводит платёж в succeeded и начисляет баланс ровно один раз.
// applied=false означает, что платёж уже был обработан ранее.
func (s *Store) CompletePayment(ctx context.Context, paymentID string) (p *Payment, applied bool, err error) {
	err = s.Transaction(ctx, func(tx *Store) error {
		var pay Payment
		if err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("payment_id = ?", paymentID).First(&pay).Error; err != nil {
			return err
		}
		p = &pay
		if pay.Status == PaymentSucceeded {
			return nil
		}
		if err := tx.db.Model(&Payment{}).Where("id = ?", pay.ID).Update("status", PaymentSucceeded).Error; err != nil {
			return err
		}
		if err := tx.AddBalance(ctx, pay.TgID, pay.Amount); err != nil {
			return err
		}
		pay.Status = PaymentSucceeded
		applied = true
		return nil
	})
	return p, applied, err
}

// IsNotFound: обёртка для проверки отсутствия записи
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
