// Package servers отвечает за реестр серверов, фильтрацию по политике тарифа
// и выбор наименее загруженного кластера.
package servers

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/hooks"
	"vpn-subscription-bot/internal/logger"
	"vpn-subscription-bot/internal/panel"
)

// UnboundedCapacity: ёмкость кластера, в котором есть сервер без max_keys
const UnboundedCapacity = 1_000_000

const (
	pingTimeout  = 5 * time.Second
	pingCacheTTL = 30 * time.Second
)

var ErrNoServers = errors.New("no servers available")

// Store: то, что реестру нужно от хранилища
type Store interface {
	ListServers(ctx context.Context) ([]db.Server, error)
	ServerTags(ctx context.Context) (subgroups, special map[string][]string, err error)
	CountKeysByServerID(ctx context.Context) (map[string]int64, error)
}

// Node: сервер вместе с его подгруппами и спецгруппами
type Node struct {
	db.Server
	Subgroups []string
	Groups    []string
}

func (n Node) Target() panel.Target {
	return TargetOf(n.Server)
}

func (n Node) HasSubgroup(title string) bool { return contains(n.Subgroups, title) }

func (n Node) HasGroup(code string) bool { return contains(n.Groups, code) }

// TargetOf переводит запись servers в цель для адаптера панели
func TargetOf(s db.Server) panel.Target {
	return panel.Target{
		Name:            s.ServerName,
		Cluster:         s.ClusterName,
		APIURL:          s.APIURL,
		SubscriptionURL: s.SubscriptionURL,
		InboundID:       s.InboundID,
		Type:            panel.Type(s.PanelType),
	}
}

// Request: параметры подбора серверов
type Request struct {
	TgID   int64
	Tariff *db.Tariff
	// Cluster: явный кластер или сервер (смена страны, принудительный выбор)
	Cluster  string
	SkipPing bool
}

// Placement: выбранная цель: server_id ключа и его узлы
type Placement struct {
	ServerID  string
	IsCluster bool
	Nodes     []Node
}

type pingResult struct {
	err error
	at  time.Time
}

type Registry struct {
	store    Store
	panels   panel.Source
	hooks    *hooks.Bus
	reserved map[string]bool

	mu    sync.Mutex
	pings map[string]pingResult
	now   func() time.Time
}

func NewRegistry(store Store, panels panel.Source, bus *hooks.Bus, reserved []string) *Registry {
	r := &Registry{
		store:    store,
		panels:   panels,
		hooks:    bus,
		reserved: make(map[string]bool),
		pings:    make(map[string]pingResult),
		now:      time.Now,
	}
	for _, g := range reserved {
		if g = strings.TrimSpace(g); g != "" {
			r.reserved[g] = true
		}
	}
	return r
}

// IsReserved: код группы из закрытого списка спецгрупп (trial и т.п.)
func (r *Registry) IsReserved(group string) bool { return r.reserved[group] }

// Nodes возвращает все серверы с тегами
func (r *Registry) Nodes(ctx context.Context) ([]Node, error) {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	subgroups, special, err := r.store.ServerTags(ctx)
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(servers))
	for _, s := range servers {
		nodes = append(nodes, Node{Server: s, Subgroups: subgroups[s.ServerName], Groups: special[s.ServerName]})
	}
	return nodes, nil
}

// Resolve раскрывает server_id ключа: сначала ищется кластер, затем одиночный сервер
func (r *Registry) Resolve(ctx context.Context, serverID string) ([]Node, bool, error) {
	nodes, err := r.Nodes(ctx)
	if err != nil {
		return nil, false, err
	}
	nodes, isCluster := resolveIn(nodes, serverID)
	return nodes, isCluster, nil
}

func resolveIn(nodes []Node, serverID string) ([]Node, bool) {
	var cluster []Node
	for _, n := range nodes {
		if n.ClusterName == serverID {
			cluster = append(cluster, n)
		}
	}
	if len(cluster) > 0 {
		return cluster, true
	}
	for _, n := range nodes {
		if n.ServerName == serverID {
			return []Node{n}, false
		}
	}
	return nil, false
}

// Ping проверяет доступность панели сервера; результат кэшируется ненадолго
func (r *Registry) Ping(ctx context.Context, n Node) error {
	r.mu.Lock()
	if p, ok := r.pings[n.ServerName]; ok && r.now().Sub(p.at) < pingCacheTTL {
		r.mu.Unlock()
		return p.err
	}
	r.mu.Unlock()

	err := r.pingNow(ctx, n)
	r.mu.Lock()
	r.pings[n.ServerName] = pingResult{err: err, at: r.now()}
	r.mu.Unlock()
	return err
}

func (r *Registry) pingNow(ctx context.Context, n Node) error {
	a, err := r.panels.For(n.Target())
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return a.Ping(pctx)
}

// PingAll пингует все узлы параллельно в обход кэша и обновляет кэш
func (r *Registry) PingAll(ctx context.Context, nodes []Node) map[string]error {
	out := make(map[string]error, len(nodes))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			err := r.pingNow(gctx, n)
			mu.Lock()
			out[n.ServerName] = err
			mu.Unlock()
			r.mu.Lock()
			r.pings[n.ServerName] = pingResult{err: err, at: r.now()}
			r.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Registry) reachable(ctx context.Context, nodes []Node) []Node {
	ok := make([]bool, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range nodes {
		i := i
		g.Go(func() error {
			if err := r.Ping(gctx, nodes[i]); err != nil {
				logger.Warn("server unreachable", zap.String("server", nodes[i].ServerName), zap.Error(err))
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()
	var out []Node
	for i, n := range nodes {
		if ok[i] {
			out = append(out, n)
		}
	}
	return out
}

// keysOnServer: ключи, занимающие сервер: привязанные к нему самому и к его кластеру
func keysOnServer(counts map[string]int64, n Node) int64 {
	c := counts[n.ServerName]
	if n.ClusterName != n.ServerName {
		c += counts[n.ClusterName]
	}
	return c
}

// HasRoom: на сервере есть место ещё для extra ключей с учётом max_keys
func HasRoom(n Node, counts map[string]int64, extra int64) bool {
	if n.MaxKeys == nil || *n.MaxKeys <= 0 {
		return true
	}
	return keysOnServer(counts, n)+extra <= int64(*n.MaxKeys)
}

// Admits: тариф может использовать сервер. Подгруппа тарифа и закрытая спецгруппа
// должны быть привязаны к серверу.
func (r *Registry) Admits(n Node, t *db.Tariff) bool {
	if t == nil {
		return true
	}
	if sub := t.Subgroup(); sub != "" && !n.HasSubgroup(sub) {
		return false
	}
	if r.reserved[t.GroupCode] && !n.HasGroup(t.GroupCode) {
		return false
	}
	return true
}

// Filter применяет политику размещения к списку узлов (без пинга)
func (r *Registry) Filter(nodes []Node, counts map[string]int64, req Request) []Node {
	var out []Node
	for _, n := range nodes {
		if !n.Enabled || !HasRoom(n, counts, 1) || !r.Admits(n, req.Tariff) {
			continue
		}
		out = append(out, n)
	}
	if req.Cluster != "" {
		scoped, _ := resolveIn(out, req.Cluster)
		out = scoped
	}
	return out
}

// Eligible возвращает подходящие и доступные узлы
func (r *Registry) Eligible(ctx context.Context, req Request) ([]Node, error) {
	nodes, err := r.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := r.store.CountKeysByServerID(ctx)
	if err != nil {
		return nil, err
	}
	out := r.Filter(nodes, counts, req)
	if !req.SkipPing {
		out = r.reachable(ctx, out)
	}
	return out, nil
}

// Place выбирает цель для нового ключа
func (r *Registry) Place(ctx context.Context, req Request) (*Placement, error) {
	if req.Cluster == "" {
		args := hooks.Args{"tg_id": req.TgID}
		if req.Tariff != nil {
			args["tariff_id"] = req.Tariff.ID
			args["group_code"] = req.Tariff.GroupCode
		}
		if forced, ok := r.hooks.FirstString(ctx, hooks.ClusterOverride, args); ok {
			req.Cluster = forced
		}
	}

	nodes, err := r.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := r.store.CountKeysByServerID(ctx)
	if err != nil {
		return nil, err
	}
	eligible := r.Filter(nodes, counts, req)
	if !req.SkipPing {
		eligible = r.reachable(ctx, eligible)
	}
	if len(eligible) == 0 {
		return nil, ErrNoServers
	}

	if req.Cluster != "" {
		_, isCluster := resolveIn(nodes, req.Cluster)
		return &Placement{ServerID: req.Cluster, IsCluster: isCluster, Nodes: eligible}, nil
	}

	clusters := GroupByCluster(eligible)
	if res := r.hooks.Run(ctx, hooks.ClusterBalancer, hooks.Args{"tg_id": req.TgID, "clusters": clusters}); len(res) > 0 {
		if filtered, ok := res[0].(map[string][]Node); ok && len(filtered) > 0 {
			clusters = filtered
		}
	}
	name := LeastLoaded(clusters, nodes, counts)
	if name == "" {
		return nil, ErrNoServers
	}
	return &Placement{ServerID: name, IsCluster: true, Nodes: clusters[name]}, nil
}

// GroupByCluster группирует узлы по cluster_name
func GroupByCluster(nodes []Node) map[string][]Node {
	out := make(map[string][]Node)
	for _, n := range nodes {
		out[n.ClusterName] = append(out[n.ClusterName], n)
	}
	return out
}

// LeastLoaded выбирает кластер с минимальной загрузкой
// load = ключи кластера / сумма max_keys (UnboundedCapacity, если есть сервер без лимита).
// all: все узлы, чтобы учесть ключи, привязанные к отдельным серверам кластера.
func LeastLoaded(clusters map[string][]Node, all []Node, counts map[string]int64) string {
	names := make([]string, 0, len(clusters))
	for name, nodes := range clusters {
		if len(nodes) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	best, bestLoad := "", 0.0
	for _, name := range names {
		used := counts[name]
		for _, n := range all {
			if n.ClusterName == name && n.ServerName != name {
				used += counts[n.ServerName]
			}
		}
		capacity := int64(0)
		for _, n := range clusters[name] {
			if n.MaxKeys == nil || *n.MaxKeys <= 0 {
				capacity = UnboundedCapacity
				break
			}
			capacity += int64(*n.MaxKeys)
		}
		load := float64(used) / float64(capacity)
		if best == "" || load < bestLoad {
			best, bestLoad = name, load
		}
	}
	return best
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
