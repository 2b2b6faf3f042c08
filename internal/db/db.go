package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

// ErrNotFound: запись не найдена
var ErrNotFound = gorm.ErrRecordNotFound

func InitDB() *gorm.DB {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL not set")
	}
	db, err := Open(postgres.Open(dsn))
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	DB = db
	return db
}

// Open подключается через переданный диалектор и выполняет миграции
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return db, nil
}

// Store: хранилище, через которое работает движок ключей.
// Все методы принимают context и не держат блокировок между вызовами.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB возвращает исходный *gorm.DB (для админских выборок)
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Transaction выполняет fn в одной транзакции; fn получает Store, привязанный к транзакции
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// --- Админские методы для статистики ---

func (s *Store) CountUsers(ctx context.Context) int64 {
	var count int64
	s.conn(ctx).Model(&User{}).Count(&count)
	return count
}

func (s *Store) CountActiveKeys(ctx context.Context, nowMs int64) int64 {
	var count int64
	s.conn(ctx).Model(&Key{}).Where("expiry_time > ?", nowMs).Count(&count)
	return count
}

func (s *Store) SumPayments(ctx context.Context, from, to time.Time) int64 {
	var sum int64
	s.conn(ctx).Model(&Payment{}).
		Where("status = ? AND created_at >= ? AND created_at <= ?", PaymentSucceeded, from.Unix(), to.Unix()).
		Select("COALESCE(SUM(amount), 0)").Scan(&sum)
	return sum
}
