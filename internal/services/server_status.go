package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpn-subscription-bot/internal/logger"
	"vpn-subscription-bot/internal/metrics"
	"vpn-subscription-bot/internal/servers"
)

const (
	StatusOnline  = "✅ online"
	StatusOffline = "❌ offline"
)

type ServerStatus struct {
	Name        string
	Cluster     string
	PanelType   string
	Status      string
	Err         string
	LastChecked time.Time
}

// StatusMonitor пингует панели серверов и хранит последний снимок статусов
type StatusMonitor struct {
	registry *servers.Registry

	mu   sync.RWMutex
	last map[string]ServerStatus
}

func NewStatusMonitor(registry *servers.Registry) *StatusMonitor {
	return &StatusMonitor{registry: registry, last: make(map[string]ServerStatus)}
}

// Statuses: последний снимок, по кластеру и имени
func (m *StatusMonitor) Statuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.last))
	for _, s := range m.last {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cluster != out[j].Cluster {
			return out[i].Cluster < out[j].Cluster
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// UpdateAllServerStatuses пингует все включённые серверы. Админ получает алерт,
// когда сервер переходит в offline (и при первом обнаружении offline).
func (m *StatusMonitor) UpdateAllServerStatuses(ctx context.Context) {
	nodes, err := m.registry.Nodes(ctx)
	if err != nil {
		logger.Error("server status: list servers", zap.Error(err))
		return
	}
	var enabled []servers.Node
	for _, n := range nodes {
		if n.Enabled {
			enabled = append(enabled, n)
		}
	}
	results := m.registry.PingAll(ctx, enabled)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := make(map[string]ServerStatus, len(enabled))
	for _, n := range enabled {
		st := ServerStatus{Name: n.ServerName, Cluster: n.ClusterName, PanelType: n.PanelType, Status: StatusOnline, LastChecked: now}
		up := 1.0
		if err := results[n.ServerName]; err != nil {
			st.Status, st.Err, up = StatusOffline, err.Error(), 0
			if prev, ok := m.last[n.ServerName]; !ok || prev.Status != StatusOffline {
				logger.NotifyAdmin("Сервер " + n.ServerName + " (" + n.ClusterName + ") недоступен: " + err.Error())
			}
		}
		metrics.ServerUp.WithLabelValues(n.ClusterName, n.ServerName).Set(up)
		fresh[n.ServerName] = st
	}
	m.last = fresh
}
