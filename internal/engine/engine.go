// Package engine: жизненный цикл ключей: создание, продление, миграция между
// подгруппами, заморозка, сброс трафика и удаление на панелях 3x-ui и Remnawave.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/hooks"
	"vpn-subscription-bot/internal/links"
	"vpn-subscription-bot/internal/logger"
	"vpn-subscription-bot/internal/panel"
	"vpn-subscription-bot/internal/servers"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

type Options struct {
	PublicLink      string
	HappCryptolink  bool
	RemnawaveWebapp bool
	// FanoutLimit: сколько панелей одного ключа опрашивается параллельно
	FanoutLimit int
	Now         func() time.Time
}

type Engine struct {
	store    *db.Store
	registry *servers.Registry
	panels   panel.Source
	hooks    *hooks.Bus
	guard    Guard
	opts     Options
	log      *zap.Logger
}

func New(store *db.Store, registry *servers.Registry, panels panel.Source, bus *hooks.Bus, guard Guard, opts Options) *Engine {
	if opts.FanoutLimit <= 0 {
		opts.FanoutLimit = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if guard == nil {
		guard = NewMemoryGuard()
	}
	if bus == nil {
		bus = hooks.NewBus()
	}
	return &Engine{
		store:    store,
		registry: registry,
		panels:   panels,
		hooks:    bus,
		guard:    guard,
		opts:     opts,
		log:      logger.With(zap.String("component", "engine")),
	}
}

func (e *Engine) nowMs() int64 { return e.opts.Now().UnixMilli() }

// NodeStatus: результат операции на одном сервере
type NodeStatus struct {
	Panel panel.Type `json:"panel"`
	OK    bool       `json:"ok"`
	Kind  panel.Kind `json:"kind,omitempty"`
	Err   string     `json:"error,omitempty"`
}

// Outcome: итог операции движка; в Nodes детализация по серверам для админки
type Outcome struct {
	Email         string                `json:"email"`
	ClientID      string                `json:"client_id"`
	Link          string                `json:"link"`
	RemnawaveLink string                `json:"remnawave_link,omitempty"`
	ExpiryTime    int64                 `json:"expiry_time"`
	ServerID      string                `json:"server_id"`
	Nodes         map[string]NodeStatus `json:"nodes"`
	Buttons       []hooks.Button        `json:"buttons,omitempty"`
	// SuppressMessage: модуль сам показал сообщение о новом ключе
	SuppressMessage bool `json:"-"`
	OpenInWebapp    bool `json:"open_in_webapp,omitempty"`
}

func newOutcome(k *db.Key) *Outcome {
	o := &Outcome{Nodes: make(map[string]NodeStatus)}
	if k != nil {
		o.fill(k)
	}
	return o
}

func (o *Outcome) fill(k *db.Key) {
	o.Email = k.Email
	o.ClientID = k.ClientID
	o.Link = k.Key
	o.ExpiryTime = k.ExpiryTime
	o.ServerID = k.ServerID
	o.RemnawaveLink = ""
	if k.RemnawaveLink != nil {
		o.RemnawaveLink = *k.RemnawaveLink
	}
}

func (o *Outcome) record(results []nodeResult) {
	for _, r := range results {
		st := NodeStatus{Panel: panel.Type(r.Node.PanelType), OK: r.Err == nil}
		if r.Err != nil {
			st.Kind = panel.KindOf(r.Err)
			st.Err = r.Err.Error()
		}
		o.Nodes[r.Node.ServerName] = st
	}
}

// AnyOK: хотя бы один сервер выполнил операцию
func (o *Outcome) AnyOK() bool {
	for _, st := range o.Nodes {
		if st.OK {
			return true
		}
	}
	return false
}

type nodeResult struct {
	Node   servers.Node
	Client *panel.Client
	Err    error
}

func succeeded(results []nodeResult) []nodeResult {
	var out []nodeResult
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r)
		}
	}
	return out
}

func clients(results []nodeResult) []panel.Client {
	var out []panel.Client
	for _, r := range results {
		if r.Err == nil && r.Client != nil {
			out = append(out, *r.Client)
		}
	}
	return out
}

type nodeFunc func(ctx context.Context, n servers.Node, a panel.Adapter) (*panel.Client, error)

// fanout вызывает fn на каждом узле с ограничением параллелизма.
// Ошибки узлов остаются в результатах и не отменяют соседние вызовы.
func (e *Engine) fanout(ctx context.Context, op, email string, nodes []servers.Node, fn nodeFunc) []nodeResult {
	results := make([]nodeResult, len(nodes))
	var g errgroup.Group
	g.SetLimit(e.opts.FanoutLimit)
	for i := range nodes {
		i := i
		g.Go(func() error {
			results[i] = e.callNode(ctx, op, email, nodes[i], fn)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// firstOK вызывает fn по очереди до первого успешного узла
func (e *Engine) firstOK(ctx context.Context, op, email string, nodes []servers.Node, fn nodeFunc) []nodeResult {
	var results []nodeResult
	for _, n := range nodes {
		r := e.callNode(ctx, op, email, n, fn)
		results = append(results, r)
		if r.Err == nil {
			break
		}
	}
	return results
}

func (e *Engine) callNode(ctx context.Context, op, email string, n servers.Node, fn nodeFunc) (r nodeResult) {
	r.Node = n
	defer func() {
		if p := recover(); p != nil {
			r.Err = fmt.Errorf("panic: %v", p)
		}
		fields := []zap.Field{
			zap.String("op", op),
			zap.String("server", n.ServerName),
			zap.String("panel", n.PanelType),
			zap.String("email", email),
		}
		if r.Err != nil {
			e.log.Warn("panel call failed", append(fields, zap.Error(r.Err))...)
			return
		}
		e.log.Debug("panel call ok", fields...)
	}()
	a, err := e.panels.For(n.Target())
	if err != nil {
		r.Err = err
		return r
	}
	r.Client, r.Err = fn(ctx, n, a)
	return r
}

// splitPanels делит узлы по типу панели. Remnawave-узлы с одним api_url
// схлопываются в один вызов: пользователь на такой панели один, сквады объединяются.
func splitPanels(nodes []servers.Node) (xui, rw []servers.Node) {
	byURL := make(map[string]int)
	for _, n := range nodes {
		if panel.Type(n.PanelType) != panel.TypeRemnawave {
			xui = append(xui, n)
			continue
		}
		key := rwKey(n.APIURL)
		if i, ok := byURL[key]; ok {
			rw[i].InboundID = mergeSquads(rw[i].InboundID, n.InboundID)
			continue
		}
		byURL[key] = len(rw)
		rw = append(rw, n)
	}
	return xui, rw
}

// rwKey: api_url, по которому узлы Remnawave считаются одним бэкендом
func rwKey(apiURL string) string {
	return strings.TrimRight(apiURL, "/")
}

// outside возвращает узлы nodes, которых нет в keep. Узел Remnawave с тем же
// api_url, что у узла из keep, считается присутствующим.
func outside(nodes, keep []servers.Node) []servers.Node {
	names := make(map[string]bool, len(keep))
	urls := make(map[string]bool)
	for _, n := range keep {
		names[n.ServerName] = true
		if panel.Type(n.PanelType) == panel.TypeRemnawave {
			urls[rwKey(n.APIURL)] = true
		}
	}
	var out []servers.Node
	for _, n := range nodes {
		if names[n.ServerName] {
			continue
		}
		if panel.Type(n.PanelType) == panel.TypeRemnawave && urls[rwKey(n.APIURL)] {
			continue
		}
		out = append(out, n)
	}
	return out
}

func mergeSquads(a, b string) string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range strings.Split(a+","+b, ",") {
		if s = strings.TrimSpace(s); s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return strings.Join(out, ",")
}

func enabledOnly(nodes []servers.Node) []servers.Node {
	var out []servers.Node
	for _, n := range nodes {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out
}

// keyNodes раскрывает server_id ключа в список включённых узлов
func (e *Engine) keyNodes(ctx context.Context, k *db.Key) ([]servers.Node, error) {
	nodes, _, err := e.registry.Resolve(ctx, k.ServerID)
	if err != nil {
		return nil, err
	}
	return enabledOnly(nodes), nil
}

// admitted оставляет узлы, которые тариф может использовать (подгруппа и спецгруппа)
func (e *Engine) admitted(nodes []servers.Node, t *db.Tariff) []servers.Node {
	var out []servers.Node
	for _, n := range nodes {
		if e.registry.Admits(n, t) {
			out = append(out, n)
		}
	}
	return out
}

func (e *Engine) keyTariff(ctx context.Context, k *db.Key) (*db.Tariff, error) {
	if k.TariffID == nil {
		return nil, nil
	}
	t, err := e.store.GetTariff(ctx, *k.TariffID)
	if db.IsNotFound(err) {
		return nil, nil
	}
	return t, err
}

func (e *Engine) loadKey(ctx context.Context, email string) (*db.Key, error) {
	k, err := e.store.GetKey(ctx, strings.ToLower(strings.TrimSpace(email)))
	if db.IsNotFound(err) {
		return nil, ErrKeyNotFound
	}
	return k, err
}

// clientSpec: желаемое состояние клиента ключа на панелях
func clientSpec(k *db.Key, t *db.Tariff) panel.ClientSpec {
	spec := panel.ClientSpec{
		ClientID:     k.ClientID,
		Email:        k.Email,
		SubID:        k.Email,
		TgID:         k.TgID,
		ExpiryMs:     k.ExpiryTime,
		TrafficBytes: trafficBytes(k, t),
		DeviceLimit:  deviceLimit(k, t),
		Flow:         panel.DefaultFlow,
		Enable:       !k.IsFrozen,
	}
	if t != nil {
		spec.FetchLinks = t.VLESS
		if t.ExternalSquadUUID != nil {
			spec.ExternalSquadUUID = *t.ExternalSquadUUID
		}
	}
	return spec
}

func trafficBytes(k *db.Key, t *db.Tariff) int64 {
	gb := 0
	switch {
	case k.SelectedTrafficLimitGB != nil:
		gb = *k.SelectedTrafficLimitGB
	case t != nil && t.TrafficLimitGB != nil:
		gb = *t.TrafficLimitGB
	}
	if gb <= 0 {
		return 0
	}
	return int64(gb) << 30
}

func deviceLimit(k *db.Key, t *db.Tariff) int {
	switch {
	case k.SelectedDeviceLimit != nil:
		return max(*k.SelectedDeviceLimit, 0)
	case t != nil && t.DeviceLimit != nil:
		return max(*t.DeviceLimit, 0)
	}
	return 0
}

// compose собирает ссылку ключа с учётом хуков политики
func (e *Engine) compose(ctx context.Context, k *db.Key, t *db.Tariff, xui, rw []panel.Client) links.Result {
	policy := links.Policy{
		PublicLink:      e.opts.PublicLink,
		HappCryptolink:  e.opts.HappCryptolink,
		RemnawaveWebapp: e.opts.RemnawaveWebapp,
	}
	args := hooks.Args{"tg_id": k.TgID, "email": k.Email}
	if v, ok := e.hooks.FirstBool(ctx, hooks.HappCryptolinkOverride, args); ok {
		policy.HappCryptolink = v
	}
	if v, ok := e.hooks.FirstBool(ctx, hooks.RemnawaveWebappOverride, args); ok {
		policy.RemnawaveWebapp = v
	}
	for i := range rw {
		if rw[i].CryptoLink != "" {
			continue
		}
		if c, ok := e.hooks.FirstString(ctx, hooks.ExtractCryptolinkFromResult, hooks.Args{"tg_id": k.TgID, "email": k.Email, "result": rw[i]}); ok {
			rw[i].CryptoLink = c
		}
	}
	return links.Compose(links.Input{
		Email:     k.Email,
		TgID:      k.TgID,
		VLESS:     t != nil && t.VLESS,
		XUI:       xui,
		Remnawave: rw,
	}, policy)
}

func linkFields(res links.Result) map[string]interface{} {
	fields := map[string]interface{}{"key": res.Key, "remnawave_link": nil}
	if res.RemnawaveLink != "" {
		fields["remnawave_link"] = res.RemnawaveLink
	}
	return fields
}

func applyLink(k *db.Key, res links.Result) {
	k.Key = res.Key
	k.RemnawaveLink = nil
	if res.RemnawaveLink != "" {
		link := res.RemnawaveLink
		k.RemnawaveLink = &link
	}
}

// provision создаёт или обновляет клиента на узлах: сначала Remnawave, чей UUID
// становится client_id, затем 3x-ui с этим UUID. onUUID вызывается до 3x-ui,
// если Remnawave вернула другой UUID.
func (e *Engine) provision(ctx context.Context, op string, nodes []servers.Node, spec panel.ClientSpec,
	xuiStrategy, rwStrategy panel.Strategy, onUUID func(string) error) (xuiRes, rwRes []nodeResult, clientID string, err error) {

	xuiNodes, rwNodes := splitPanels(nodes)
	rwRes = e.fanout(ctx, op, spec.Email, rwNodes, func(ctx context.Context, _ servers.Node, a panel.Adapter) (*panel.Client, error) {
		return a.EnsureClient(ctx, spec, rwStrategy)
	})
	clientID = spec.ClientID
	for _, r := range rwRes {
		if r.Err == nil && r.Client != nil && r.Client.ClientID != "" {
			clientID = r.Client.ClientID
			break
		}
	}
	if clientID != spec.ClientID && onUUID != nil {
		if err = onUUID(clientID); err != nil {
			return nil, rwRes, clientID, err
		}
	}
	spec.ClientID = clientID
	xuiRes = e.fanout(ctx, op, spec.Email, xuiNodes, func(ctx context.Context, _ servers.Node, a panel.Adapter) (*panel.Client, error) {
		return a.EnsureClient(ctx, spec, xuiStrategy)
	})
	return xuiRes, rwRes, clientID, nil
}

// removeFrom удаляет клиента ключа с узлов; отсутствие клиента считается успехом
func (e *Engine) removeFrom(ctx context.Context, op string, nodes []servers.Node, ref panel.ClientRef) []nodeResult {
	xuiNodes, rwNodes := splitPanels(nodes)
	return e.fanout(ctx, op, ref.Email, append(rwNodes, xuiNodes...), func(ctx context.Context, _ servers.Node, a panel.Adapter) (*panel.Client, error) {
		_, err := a.DeleteClient(ctx, ref)
		return nil, err
	})
}
