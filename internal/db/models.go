package db

import "time"

// Состояние пробного периода пользователя
const (
	TrialUnused   = 0
	TrialUsed     = 1
	TrialRestored = -1
)

// Типы панелей
const (
	PanelThreeXUI  = "three_xui"
	PanelRemnawave = "remnawave"
)

// Типы уведомлений по ключу (в таблице хранятся как "{email}_{type}")
const (
	NotifyKey24h     = "key_24h"
	NotifyKey10h     = "key_10h"
	NotifyKeyExpired = "key_expired"
	NotifyRenew      = "renew"
)

type User struct {
	ID        uint   `gorm:"primaryKey"`
	TgID      int64  `gorm:"uniqueIndex;not null"`
	Username  string `gorm:"size:255"`
	FirstName string `gorm:"size:255"`
	CreatedAt time.Time
}

// Connection: баланс и статус триала пользователя
type Connection struct {
	TgID    int64 `gorm:"primaryKey;autoIncrement:false"`
	Balance int64 `gorm:"not null;default:0"`
	Trial   int   `gorm:"not null;default:0"`
}

type Tariff struct {
	ID                uint    `gorm:"primaryKey"`
	Name              string  `gorm:"size:255"`
	GroupCode         string  `gorm:"size:100;index"`
	SubgroupTitle     *string `gorm:"size:255"`
	DurationDays      int     `gorm:"not null"`
	Price             int64   `gorm:"not null;default:0"`
	TrafficLimitGB    *int    // 0 или NULL = безлимит
	DeviceLimit       *int    // 0 или NULL = безлимит
	IsActive          bool    `gorm:"not null"`
	VLESS             bool    `gorm:"column:vless;default:false"`
	ExternalSquadUUID *string `gorm:"size:64"`
	SortOrder         int
}

// Subgroup возвращает подгруппу тарифа или пустую строку
func (t *Tariff) Subgroup() string {
	if t == nil || t.SubgroupTitle == nil {
		return ""
	}
	return *t.SubgroupTitle
}

type Server struct {
	ID              uint   `gorm:"primaryKey"`
	ClusterName     string `gorm:"size:255;not null;uniqueIndex:ux_cluster_server,priority:1"`
	ServerName      string `gorm:"size:255;not null;uniqueIndex:ux_cluster_server,priority:2"`
	APIURL          string `gorm:"column:api_url;size:500;not null"`
	SubscriptionURL string `gorm:"size:500"`
	InboundID       string `gorm:"size:255"`
	PanelType       string `gorm:"size:32;not null;default:'three_xui'"`
	TariffGroup     string `gorm:"size:100"`
	MaxKeys         *int
	Enabled         bool `gorm:"not null"`
}

// ServerSpecialGroup привязывает сервер к зарезервированной группе (trial, gifts, ...)
type ServerSpecialGroup struct {
	ID         uint   `gorm:"primaryKey"`
	ServerName string `gorm:"size:255;not null;uniqueIndex:ux_server_group,priority:1"`
	GroupCode  string `gorm:"size:100;not null;uniqueIndex:ux_server_group,priority:2"`
}

func (ServerSpecialGroup) TableName() string { return "server_specialgroup" }

// ServerSubgroup привязывает сервер к подгруппе тарифов внутри кластера
type ServerSubgroup struct {
	ID            uint   `gorm:"primaryKey"`
	ServerName    string `gorm:"size:255;not null;uniqueIndex:ux_server_subgroup,priority:1"`
	SubgroupTitle string `gorm:"size:255;not null;uniqueIndex:ux_server_subgroup,priority:2"`
}

type Key struct {
	ID                     uint    `gorm:"primaryKey"`
	TgID                   int64   `gorm:"not null;index;uniqueIndex:ux_key_owner,priority:1"`
	ClientID               string  `gorm:"size:64;not null"`
	Email                  string  `gorm:"size:255;not null;uniqueIndex;uniqueIndex:ux_key_owner,priority:2"`
	CreatedAt              int64   `gorm:"autoCreateTime:milli"`
	ExpiryTime             int64   `gorm:"not null;index"`
	Key                    string  `gorm:"type:text"`
	RemnawaveLink          *string `gorm:"type:text"`
	ServerID               string  `gorm:"size:255;index"`
	TariffID               *uint
	SelectedDeviceLimit    *int
	SelectedTrafficLimitGB *int `gorm:"column:selected_traffic_limit_gb"`
	SelectedPrice          *int64
	Alias                  *string `gorm:"size:255"`
	IsFrozen               bool    `gorm:"default:false"`
	Notified               bool    `gorm:"default:false"`
	Notified24h            bool    `gorm:"column:notified_24h;default:false"`
}

type Notification struct {
	ID         uint   `gorm:"primaryKey"`
	TgID       int64  `gorm:"not null;uniqueIndex:ux_notification,priority:1"`
	Type       string `gorm:"size:255;not null;uniqueIndex:ux_notification,priority:2"`
	LastSentAt time.Time
}

type Coupon struct {
	ID         uint   `gorm:"primaryKey"`
	Code       string `gorm:"size:100;uniqueIndex"`
	Amount     int64
	Days       *int
	UsageLimit int
	UsageCount int
	IsUsed     bool
}

type CouponUsage struct {
	ID       uint  `gorm:"primaryKey"`
	CouponID uint  `gorm:"uniqueIndex:ux_coupon_user,priority:1"`
	TgID     int64 `gorm:"uniqueIndex:ux_coupon_user,priority:2"`
	UsedAt   time.Time
}

type Gift struct {
	GiftID         string `gorm:"primaryKey;size:64"`
	SenderTgID     int64
	RecipientTgID  *int64
	SelectedMonths int
	ExpiryTime     int64
	TariffID       *uint
	IsUsed         bool
	CreatedAt      time.Time
}

type GiftUsage struct {
	ID     uint   `gorm:"primaryKey"`
	GiftID string `gorm:"size:64;index"`
	TgID   int64
	UsedAt time.Time
}

type Referral struct {
	ReferredTgID int64 `gorm:"primaryKey;autoIncrement:false"`
	ReferrerTgID int64 `gorm:"index"`
	RewardIssued bool
}

type Payment struct {
	ID            uint   `gorm:"primaryKey"`
	TgID          int64  `gorm:"index"`
	PaymentID     string `gorm:"size:255;index"`
	PaymentSystem string `gorm:"size:50"`
	Amount        int64
	Status        string `gorm:"size:32"`
	CreatedAt     int64
}

type ManualBan struct {
	TgID   int64 `gorm:"primaryKey;autoIncrement:false"`
	Reason string
	Until  *time.Time
}

type BlockedUser struct {
	TgID int64 `gorm:"primaryKey;autoIncrement:false"`
}

// TemporaryData: состояние диалога пользователя между апдейтами
type TemporaryData struct {
	TgID      int64  `gorm:"primaryKey;autoIncrement:false"`
	State     string `gorm:"size:100"`
	Data      string `gorm:"type:text"`
	UpdatedAt time.Time
}

type TrackingSource struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:255"`
	Code      string `gorm:"size:100;uniqueIndex"`
	Type      string `gorm:"size:50"`
	CreatedBy int64
	CreatedAt time.Time
}

// AllModels: список моделей для AutoMigrate
func AllModels() []interface{} {
	return []interface{}{
		&User{}, &Connection{}, &Tariff{}, &Server{}, &ServerSpecialGroup{}, &ServerSubgroup{},
		&Key{}, &Notification{}, &Coupon{}, &CouponUsage{}, &Gift{}, &GiftUsage{},
		&Referral{}, &Payment{}, &ManualBan{}, &BlockedUser{}, &TemporaryData{}, &TrackingSource{},
	}
}
