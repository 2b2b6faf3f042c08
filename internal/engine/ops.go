package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/metrics"
	"vpn-subscription-bot/internal/panel"
	"vpn-subscription-bot/internal/servers"
)

var allNotifyKinds = []string{db.NotifyKey24h, db.NotifyKey10h, db.NotifyKeyExpired, db.NotifyRenew}

// scope: узлы ключа, допустимые для его тарифа
func (e *Engine) scope(ctx context.Context, k *db.Key) ([]servers.Node, *db.Tariff, error) {
	nodes, err := e.keyNodes(ctx, k)
	if err != nil {
		return nil, nil, err
	}
	t, err := e.keyTariff(ctx, k)
	if err != nil {
		return nil, nil, err
	}
	return e.admitted(nodes, t), t, nil
}

// each: операция на всех узлах ключа; Remnawave один раз на api_url
func (e *Engine) each(ctx context.Context, op string, k *db.Key, fn nodeFunc) (*Outcome, error) {
	nodes, _, err := e.scope(ctx, k)
	if err != nil {
		return nil, err
	}
	xuiNodes, rwNodes := splitPanels(nodes)
	results := e.fanout(ctx, op, k.Email, append(rwNodes, xuiNodes...), fn)
	out := newOutcome(k)
	out.record(results)
	if len(succeeded(results)) == 0 {
		return out, failure(ErrOperationFailed, results)
	}
	return out, nil
}

// Toggle включает или замораживает ключ на всех панелях
func (e *Engine) Toggle(ctx context.Context, email string, enable bool) (*Outcome, error) {
	k, err := e.loadKey(ctx, email)
	if err != nil {
		return nil, err
	}
	release, err := e.guard.Acquire(ctx, k.TgID)
	if err != nil {
		return nil, err
	}
	defer release()

	ref := panel.ClientRef{Email: k.Email, ClientID: k.ClientID}
	out, err := e.each(ctx, "toggle", k, func(ctx context.Context, _ servers.Node, a panel.Adapter) (*panel.Client, error) {
		_, err := a.ToggleClient(ctx, ref, enable)
		return nil, err
	})
	if err == nil {
		err = e.store.UpdateKey(ctx, k.Email, map[string]interface{}{"is_frozen": !enable})
	}
	metrics.ObserveEngine("toggle", err)
	if err != nil {
		return out, err
	}
	e.log.Info("key toggled", zap.String("email", k.Email), zap.Bool("enable", enable))
	return out, nil
}

// ResetTraffic обнуляет счётчики трафика клиента
func (e *Engine) ResetTraffic(ctx context.Context, email string) (*Outcome, error) {
	k, err := e.loadKey(ctx, email)
	if err != nil {
		return nil, err
	}
	release, err := e.guard.Acquire(ctx, k.TgID)
	if err != nil {
		return nil, err
	}
	defer release()

	ref := panel.ClientRef{Email: k.Email, ClientID: k.ClientID}
	out, err := e.each(ctx, "reset_traffic", k, func(ctx context.Context, _ servers.Node, a panel.Adapter) (*panel.Client, error) {
		_, err := a.ResetTraffic(ctx, ref)
		return nil, err
	})
	metrics.ObserveEngine("reset_traffic", err)
	return out, err
}

// Delete удаляет ключ с панелей и из базы. Отсутствующий ключ считается успехом без вызовов панелей.
// Строка удаляется, если хотя бы одна панель подтвердила удаление (или узлов нет вовсе).
func (e *Engine) Delete(ctx context.Context, email string) (*Outcome, error) {
	k, err := e.loadKey(ctx, email)
	if errors.Is(err, ErrKeyNotFound) {
		return newOutcome(nil), nil
	}
	if err != nil {
		return nil, err
	}
	release, err := e.guard.Acquire(ctx, k.TgID)
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := e.delete(ctx, k)
	metrics.ObserveEngine("delete", err)
	return out, err
}

func (e *Engine) delete(ctx context.Context, k *db.Key) (*Outcome, error) {
	nodes, err := e.keyNodes(ctx, k)
	if err != nil {
		return nil, err
	}
	results := e.removeFrom(ctx, "delete", nodes, panel.ClientRef{Email: k.Email, ClientID: k.ClientID})
	out := newOutcome(k)
	out.record(results)
	if len(results) > 0 && len(succeeded(results)) == 0 {
		return out, failure(ErrOperationFailed, results)
	}
	err = e.store.Transaction(ctx, func(tx *db.Store) error {
		if err := tx.DeleteKey(ctx, k.Email); err != nil {
			return err
		}
		return tx.ClearKeyNotifications(ctx, k.TgID, k.Email, allNotifyKinds...)
	})
	if err != nil {
		return out, err
	}
	e.log.Info("key deleted", zap.String("email", k.Email), zap.Int64("tg_id", k.TgID), zap.Int("nodes", len(results)))
	return out, nil
}

// TrafficReport: трафик ключа. Remnawave считается одним общим счётчиком.
type TrafficReport struct {
	PerServer map[string]int64      `json:"per_server"`
	XUI       int64                 `json:"xui"`
	Remnawave int64                 `json:"remnawave"`
	Total     int64                 `json:"total"`
	Nodes     map[string]NodeStatus `json:"nodes"`
}

// GetTraffic суммирует up+down по серверам 3x-ui и добавляет счётчик Remnawave
func (e *Engine) GetTraffic(ctx context.Context, email string) (*TrafficReport, error) {
	k, err := e.loadKey(ctx, email)
	if err != nil {
		return nil, err
	}
	nodes, _, err := e.scope(ctx, k)
	if err != nil {
		return nil, err
	}
	ref := panel.ClientRef{Email: k.Email, ClientID: k.ClientID}
	xuiNodes, rwNodes := splitPanels(nodes)

	report := &TrafficReport{PerServer: make(map[string]int64), Nodes: make(map[string]NodeStatus)}
	var mu sync.Mutex
	collect := func(remnawave bool) nodeFunc {
		return func(ctx context.Context, n servers.Node, a panel.Adapter) (*panel.Client, error) {
			t, err := a.GetTraffic(ctx, ref)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			report.PerServer[n.ServerName] = t.Used()
			if remnawave {
				report.Remnawave = t.Used()
			} else {
				report.XUI += t.Used()
			}
			mu.Unlock()
			return nil, nil
		}
	}
	results := e.firstOK(ctx, "traffic", k.Email, rwNodes, collect(true))
	results = append(results, e.fanout(ctx, "traffic", k.Email, xuiNodes, collect(false))...)

	out := newOutcome(k)
	out.record(results)
	report.Nodes = out.Nodes
	report.Total = report.XUI + report.Remnawave
	if len(succeeded(results)) == 0 {
		return report, failure(ErrOperationFailed, results)
	}
	return report, nil
}

// UpdateAll пересоздаёт клиента на всех серверах ключа с текущими лимитами тарифа
func (e *Engine) UpdateAll(ctx context.Context, email string) (*Outcome, error) {
	k, err := e.loadKey(ctx, email)
	if err != nil {
		return nil, err
	}
	release, err := e.guard.Acquire(ctx, k.TgID)
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := e.updateAll(ctx, k)
	metrics.ObserveEngine("update_all", err)
	return out, err
}

func (e *Engine) updateAll(ctx context.Context, k *db.Key) (*Outcome, error) {
	nodes, tariff, err := e.scope(ctx, k)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, ErrNoServersAvailable
	}
	e.removeFrom(ctx, "update_all_delete", nodes, panel.ClientRef{Email: k.Email, ClientID: k.ClientID})

	xuiRes, rwRes, clientID, err := e.provision(ctx, "update_all", nodes, clientSpec(k, tariff),
		panel.CreateFirst, panel.CreateFirst,
		func(uuid string) error {
			return e.store.UpdateKey(ctx, k.Email, map[string]interface{}{"client_id": uuid})
		})
	out := newOutcome(k)
	if err != nil {
		return out, err
	}
	results := append(rwRes, xuiRes...)
	out.record(results)
	if len(succeeded(results)) == 0 {
		return out, failure(ErrCreateFailed, results)
	}

	updated := *k
	updated.ClientID = clientID
	res := e.compose(ctx, &updated, tariff, clients(xuiRes), clients(rwRes))
	applyLink(&updated, res)
	fields := linkFields(res)
	fields["client_id"] = clientID
	if err := e.store.UpdateKey(ctx, k.Email, fields); err != nil {
		return out, err
	}
	out.fill(&updated)
	out.OpenInWebapp = res.OpenInWebapp
	e.log.Info("key refreshed on all servers", zap.String("email", k.Email), zap.Int("nodes_ok", len(succeeded(results))))
	return out, nil
}

// Link возвращает ссылку ключа. Сохранённое значение отдаётся как есть;
// пустое собирается заново из подписок панелей и записывается.
func (e *Engine) Link(ctx context.Context, email string) (*Outcome, error) {
	k, err := e.loadKey(ctx, email)
	if err != nil {
		return nil, err
	}
	if k.Key != "" {
		return newOutcome(k), nil
	}
	release, err := e.guard.Acquire(ctx, k.TgID)
	if err != nil {
		return nil, err
	}
	defer release()
	// ключ перечитывается под флагом: ссылку мог записать Renew или Relocate
	if k, err = e.loadKey(ctx, email); err != nil {
		return nil, err
	}
	if k.Key != "" {
		return newOutcome(k), nil
	}
	nodes, tariff, err := e.scope(ctx, k)
	if err != nil {
		return nil, err
	}
	ref := panel.ClientRef{Email: k.Email, ClientID: k.ClientID}
	fetch := func(ctx context.Context, _ servers.Node, a panel.Adapter) (*panel.Client, error) {
		sub, err := a.GetSubscription(ctx, ref)
		if err != nil {
			return nil, err
		}
		return &panel.Client{ClientID: k.ClientID, SubscriptionURL: sub.SubscriptionURL, CryptoLink: sub.CryptoLink, Links: sub.Links}, nil
	}
	xuiNodes, rwNodes := splitPanels(nodes)
	rwRes := e.firstOK(ctx, "link", k.Email, rwNodes, fetch)
	var xuiRes []nodeResult
	if tariff != nil && tariff.VLESS {
		xuiRes = e.firstOK(ctx, "link", k.Email, xuiNodes, fetch)
	}
	out := newOutcome(k)
	out.record(append(rwRes, xuiRes...))

	res := e.compose(ctx, k, tariff, clients(xuiRes), clients(rwRes))
	applyLink(k, res)
	if err := e.store.UpdateKey(ctx, k.Email, linkFields(res)); err != nil {
		return out, err
	}
	out.fill(k)
	out.OpenInWebapp = res.OpenInWebapp
	return out, nil
}

// Revoke перевыпускает ссылку подписки на Remnawave и пересобирает ссылку ключа
func (e *Engine) Revoke(ctx context.Context, email string) (*Outcome, error) {
	k, err := e.loadKey(ctx, email)
	if err != nil {
		return nil, err
	}
	release, err := e.guard.Acquire(ctx, k.TgID)
	if err != nil {
		return nil, err
	}
	defer release()

	nodes, tariff, err := e.scope(ctx, k)
	if err != nil {
		return nil, err
	}
	ref := panel.ClientRef{Email: k.Email, ClientID: k.ClientID}
	_, rwNodes := splitPanels(nodes)
	results := e.firstOK(ctx, "revoke", k.Email, rwNodes, func(ctx context.Context, _ servers.Node, a panel.Adapter) (*panel.Client, error) {
		r, ok := a.(panel.Revoker)
		if !ok {
			return nil, &panel.Error{Kind: panel.KindInvalidRequest, Panel: a.Type(), Op: "revoke", Msg: "revoke not supported"}
		}
		sub, err := r.RevokeSubscription(ctx, ref)
		if err != nil {
			return nil, err
		}
		return &panel.Client{ClientID: k.ClientID, SubscriptionURL: sub.SubscriptionURL, CryptoLink: sub.CryptoLink, Links: sub.Links}, nil
	})
	out := newOutcome(k)
	out.record(results)
	if len(succeeded(results)) == 0 {
		err := failure(ErrOperationFailed, results)
		metrics.ObserveEngine("revoke", err)
		return out, err
	}

	k.Key = ""
	res := e.compose(ctx, k, tariff, nil, clients(results))
	applyLink(k, res)
	err = e.store.UpdateKey(ctx, k.Email, linkFields(res))
	metrics.ObserveEngine("revoke", err)
	if err != nil {
		return out, err
	}
	out.fill(k)
	return out, nil
}
