// Package panel реализует клиентов API панелей 3x-ui и Remnawave
// с единым контрактом жизненного цикла клиента.
package panel

import (
	"context"
	"strings"
)

// Type: тип панели, совпадает со значением servers.panel_type
type Type string

const (
	TypeThreeXUI  Type = "three_xui"
	TypeRemnawave Type = "remnawave"
)

// Strategy задаёт порядок попыток в EnsureClient
type Strategy int

const (
	// CreateOnly: только создание, без отката на обновление
	CreateOnly Strategy = iota
	// CreateFirst: создание, при отказе панели одна попытка обновления
	CreateFirst
	// UpdateFirst: обновление, при отказе панели одна попытка создания
	UpdateFirst
)

func (s Strategy) String() string {
	switch s {
	case CreateFirst:
		return "create_first"
	case UpdateFirst:
		return "update_first"
	default:
		return "create_only"
	}
}

// Target: сервер, к панели которого обращается адаптер
type Target struct {
	Name            string
	Cluster         string
	APIURL          string
	SubscriptionURL string
	InboundID       string
	Type            Type
}

// Squads разбирает inbound_id Remnawave-сервера: UUID внутренних сквадов через запятую
func (t Target) Squads() []string {
	var out []string
	for _, part := range strings.Split(t.InboundID, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ClientSpec: желаемое состояние клиента на панели
type ClientSpec struct {
	ClientID          string
	Email             string
	SubID             string
	TgID              int64
	ExpiryMs          int64
	TrafficBytes      int64 // 0 — без лимита
	DeviceLimit       int   // 0 — без лимита
	Flow              string
	Enable            bool
	ExternalSquadUUID string
	// FetchLinks: дополнительно получить VLESS-ссылки подписки
	FetchLinks bool
}

func (s ClientSpec) subID() string {
	if s.SubID != "" {
		return s.SubID
	}
	return s.Email
}

// ClientRef идентифицирует существующего клиента
type ClientRef struct {
	Email    string
	ClientID string
}

// Client: результат EnsureClient
type Client struct {
	ClientID        string
	Created         bool
	SubscriptionURL string
	CryptoLink      string
	Links           []string
}

// Traffic: потреблённый трафик. 3x-ui отдаёт Up/Down, Remnawave только Total.
type Traffic struct {
	Up    int64
	Down  int64
	Total int64
}

// Used возвращает общий объём трафика
func (t Traffic) Used() int64 {
	if t.Total > 0 {
		return t.Total
	}
	return t.Up + t.Down
}

// Subscription: текущая подписка клиента на панели
type Subscription struct {
	SubscriptionURL string
	CryptoLink      string
	Links           []string
}

// Adapter: единый контракт панели
type Adapter interface {
	Type() Type
	Target() Target
	Ping(ctx context.Context) error
	EnsureClient(ctx context.Context, spec ClientSpec, strategy Strategy) (*Client, error)
	ExtendClient(ctx context.Context, spec ClientSpec, resetTraffic bool) (bool, error)
	DeleteClient(ctx context.Context, ref ClientRef) (bool, error)
	ToggleClient(ctx context.Context, ref ClientRef, enable bool) (bool, error)
	ResetTraffic(ctx context.Context, ref ClientRef) (bool, error)
	GetTraffic(ctx context.Context, ref ClientRef) (*Traffic, error)
	GetSubscription(ctx context.Context, ref ClientRef) (*Subscription, error)
}

// Source выдаёт адаптер для сервера (*Factory, в тестах фейки)
type Source interface {
	For(t Target) (Adapter, error)
}

// Revoker: панели, умеющие перевыпускать ссылку подписки
type Revoker interface {
	RevokeSubscription(ctx context.Context, ref ClientRef) (*Subscription, error)
}
