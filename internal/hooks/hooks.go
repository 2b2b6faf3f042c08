// Package hooks: реестр именованных хуков, через который дополнительные модули
// меняют размещение, ссылки и меню, не трогая движок ключей.
package hooks

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"vpn-subscription-bot/internal/logger"
)

// Точки расширения
const (
	ClusterOverride             = "cluster_override"
	ClusterBalancer             = "cluster_balancer"
	RemnawaveWebappOverride     = "remnawave_webapp_override"
	HappCryptolinkOverride      = "happ_cryptolink_override"
	ExtractCryptolinkFromResult = "extract_cryptolink_from_result"
	InterceptKeyCreationMessage = "intercept_key_creation_message"
	KeyCreationComplete         = "key_creation_complete"
	RenewTariffs                = "renew_tariffs"
	RenewalComplete             = "renewal_complete"
	RenewalForbiddenGroups      = "renewal_forbidden_groups"
	PurchaseTariffGroupOverride = "purchase_tariff_group_override"
	ViewKeyMenu                 = "view_key_menu"
	AdminKeyEditMenu            = "admin_key_edit_menu"
	AfterHWIDReset              = "after_hwid_reset"
	TariffMenu                  = "tariff_menu"
	CheckDiscountValidity       = "check_discount_validity"
	ConnectDeviceMenu           = "connect_device_menu"
)

// Args: аргументы вызова хука
type Args map[string]interface{}

// Func: обработчик хука. nil-результат означает «нет мнения».
type Func func(ctx context.Context, args Args) (interface{}, error)

// Button: кнопка, которую хук добавляет в меню
type Button struct {
	Text string
	Data string
	URL  string
}

type entry struct {
	module string
	fn     Func
}

// Bus хранит хуки по имени. Выполняются только хуки включённых модулей.
type Bus struct {
	mu      sync.RWMutex
	hooks   map[string][]entry
	enabled map[string]bool
}

func NewBus() *Bus {
	return &Bus{hooks: make(map[string][]entry)}
}

// Register добавляет обработчик модуля module на хук name
func (b *Bus) Register(module, name string, fn Func) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[name] = append(b.hooks[name], entry{module: module, fn: fn})
}

// SetEnabled задаёт набор включённых модулей; при nil включены все
func (b *Bus) SetEnabled(modules map[string]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = modules
}

func (b *Bus) active(name string) []entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []entry
	for _, e := range b.hooks[name] {
		if b.enabled == nil || b.enabled[e.module] {
			out = append(out, e)
		}
	}
	return out
}

// Run вызывает обработчики по очереди и возвращает непустые результаты.
// Ошибки и паники обработчиков логируются и не прерывают остальные.
func (b *Bus) Run(ctx context.Context, name string, args Args) []interface{} {
	if b == nil {
		return nil
	}
	var results []interface{}
	for _, e := range b.active(name) {
		res, err := call(ctx, e, args)
		if err != nil {
			logger.Warn("hook failed", zap.String("hook", name), zap.String("module", e.module), zap.Error(err))
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results
}

func call(ctx context.Context, e entry, args Args) (res interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.fn(ctx, args)
}

// FirstString: первый непустой строковый результат
func (b *Bus) FirstString(ctx context.Context, name string, args Args) (string, bool) {
	for _, r := range b.Run(ctx, name, args) {
		if s, ok := r.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// FirstBool: первый булев результат
func (b *Bus) FirstBool(ctx context.Context, name string, args Args) (bool, bool) {
	for _, r := range b.Run(ctx, name, args) {
		if v, ok := r.(bool); ok {
			return v, true
		}
	}
	return false, false
}

// Buttons собирает кнопки всех обработчиков
func (b *Bus) Buttons(ctx context.Context, name string, args Args) []Button {
	var out []Button
	for _, r := range b.Run(ctx, name, args) {
		switch v := r.(type) {
		case Button:
			out = append(out, v)
		case []Button:
			out = append(out, v...)
		}
	}
	return out
}

// Strings собирает строковые результаты (например, запрещённые группы)
func (b *Bus) Strings(ctx context.Context, name string, args Args) []string {
	var out []string
	for _, r := range b.Run(ctx, name, args) {
		switch v := r.(type) {
		case string:
			out = append(out, v)
		case []string:
			out = append(out, v...)
		}
	}
	return out
}

// ModulesFile: формат modules.yaml
type ModulesFile struct {
	Modules []struct {
		Name    string `yaml:"name"`
		Enabled bool   `yaml:"enabled"`
	} `yaml:"modules"`
}

// LoadModules читает список модулей. Без файла возвращает nil, то есть включены все.
func LoadModules(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f ModulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]bool, len(f.Modules))
	for _, m := range f.Modules {
		out[m.Name] = m.Enabled
	}
	return out, nil
}
