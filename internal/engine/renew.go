package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/hooks"
	"vpn-subscription-bot/internal/metrics"
	"vpn-subscription-bot/internal/panel"
	"vpn-subscription-bot/internal/servers"
)

// RenewRequest: продление ключа. Срок задаётся абсолютным NewExpiryMs или числом дней Days.
type RenewRequest struct {
	Email       string
	NewExpiryMs int64
	Days        int
	// TariffID: новый тариф; смена подгруппы запускает миграцию
	TariffID     uint
	ResetTraffic *bool
	// Charge: списать с баланса вместе с записью нового срока
	Charge int64
}

// renewKinds: уведомления, которые сбрасываются после продления
var renewKinds = []string{db.NotifyKey24h, db.NotifyKey10h, db.NotifyKeyExpired, db.NotifyRenew}

// Renew продлевает ключ на текущих серверах; срок никогда не уменьшается
func (e *Engine) Renew(ctx context.Context, req RenewRequest) (*Outcome, error) {
	k, err := e.loadKey(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	release, err := e.guard.Acquire(ctx, k.TgID)
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := e.renew(ctx, k, req)
	metrics.ObserveEngine("renew", err)
	return out, err
}

func (e *Engine) renew(ctx context.Context, k *db.Key, req RenewRequest) (*Outcome, error) {
	newExpiry := req.NewExpiryMs
	if newExpiry == 0 && req.Days > 0 {
		base := max(k.ExpiryTime, e.nowMs())
		newExpiry = base + int64(req.Days)*dayMs
	}
	if newExpiry == 0 {
		// смена тарифа без продления
		newExpiry = k.ExpiryTime
	}
	if newExpiry < k.ExpiryTime {
		return nil, ErrInvalidExpiry
	}

	oldTariff, err := e.keyTariff(ctx, k)
	if err != nil {
		return nil, err
	}
	tariff := oldTariff
	if req.TariffID != 0 && (oldTariff == nil || req.TariffID != oldTariff.ID) {
		if tariff, err = e.store.GetTariff(ctx, req.TariffID); db.IsNotFound(err) {
			return nil, ErrTariffNotFound
		} else if err != nil {
			return nil, err
		}
	}
	tariffChanged := tariff != nil && (oldTariff == nil || tariff.ID != oldTariff.ID)

	if newExpiry == k.ExpiryTime && !tariffChanged && req.Charge == 0 {
		// повтор с тем же сроком
		return newOutcome(k), nil
	}
	if req.Charge > 0 {
		conn, err := e.store.GetConnection(ctx, k.TgID)
		if err != nil {
			return nil, err
		}
		if conn.Balance < req.Charge {
			return nil, ErrInsufficientBalance
		}
	}

	if tariffChanged && oldTariff.Subgroup() != tariff.Subgroup() {
		return e.migrate(ctx, k, oldTariff, tariff, newExpiry, req.Charge)
	}

	nodes, err := e.keyNodes(ctx, k)
	if err != nil {
		return nil, err
	}
	nodes = e.admitted(nodes, tariff)
	if len(nodes) == 0 {
		return nil, ErrNoServersAvailable
	}
	counts, err := e.store.CountKeysByServerID(ctx)
	if err != nil {
		return nil, err
	}

	reset := req.ResetTraffic == nil || *req.ResetTraffic
	renewed := *k
	renewed.ExpiryTime = newExpiry
	if tariffChanged {
		renewed.TariffID = &tariff.ID
	}
	spec := clientSpec(&renewed, tariff)

	extend := func(ctx context.Context, n servers.Node, a panel.Adapter) (*panel.Client, error) {
		_, err := a.ExtendClient(ctx, spec, reset)
		// клиента нет на узле (сервер добавлен в кластер позже): создаём, если есть место
		if panel.KindOf(err) == panel.KindNotFound && servers.HasRoom(n, counts, 0) {
			return a.EnsureClient(ctx, spec, panel.CreateFirst)
		}
		return nil, err
	}
	// Remnawave один раз на api_url, но на каждом бэкенде
	xuiNodes, rwNodes := splitPanels(nodes)
	results := e.fanout(ctx, "renew", k.Email, append(rwNodes, xuiNodes...), extend)

	out := newOutcome(k)
	out.record(results)
	if len(succeeded(results)) == 0 {
		return out, failure(ErrRenewFailed, results)
	}

	if err := e.commitRenewal(ctx, &renewed, tariffChanged, req.Charge, nil); err != nil {
		return out, err
	}
	out.fill(&renewed)
	e.hooks.Run(ctx, hooks.RenewalComplete, hooks.Args{"tg_id": k.TgID, "email": k.Email, "expiry_time": newExpiry})
	e.log.Info("key renewed", zap.String("email", k.Email), zap.Int64("expiry_time", newExpiry), zap.Int("nodes_ok", len(succeeded(results))))
	return out, nil
}

// commitRenewal записывает новый срок, тариф и ссылку одной транзакцией
func (e *Engine) commitRenewal(ctx context.Context, k *db.Key, tariffChanged bool, charge int64, extra map[string]interface{}) error {
	return e.store.Transaction(ctx, func(tx *db.Store) error {
		if _, err := tx.ExtendExpiry(ctx, k.Email, k.ExpiryTime); err != nil {
			return err
		}
		fields := map[string]interface{}{"notified": false, "notified_24h": false}
		if tariffChanged {
			fields["tariff_id"] = k.TariffID
		}
		for name, v := range extra {
			fields[name] = v
		}
		if err := tx.UpdateKey(ctx, k.Email, fields); err != nil {
			return err
		}
		if err := tx.ClearKeyNotifications(ctx, k.TgID, k.Email, renewKinds...); err != nil {
			return err
		}
		if charge > 0 {
			return tx.DebitBalance(ctx, k.TgID, charge)
		}
		return nil
	})
}

// Migrate переводит ключ на тариф с другой подгруппой, сохраняя срок
func (e *Engine) Migrate(ctx context.Context, email string, tariffID uint) (*Outcome, error) {
	k, err := e.loadKey(ctx, email)
	if err != nil {
		return nil, err
	}
	release, err := e.guard.Acquire(ctx, k.TgID)
	if err != nil {
		return nil, err
	}
	defer release()

	oldTariff, err := e.keyTariff(ctx, k)
	if err != nil {
		return nil, err
	}
	tariff, err := e.store.GetTariff(ctx, tariffID)
	if db.IsNotFound(err) {
		return nil, ErrTariffNotFound
	}
	if err != nil {
		return nil, err
	}
	out, err := e.migrate(ctx, k, oldTariff, tariff, k.ExpiryTime, 0)
	metrics.ObserveEngine("migrate", err)
	return out, err
}

func bySubgroup(nodes []servers.Node, subgroup string) []servers.Node {
	if subgroup == "" {
		return nodes
	}
	var out []servers.Node
	for _, n := range nodes {
		if n.HasSubgroup(subgroup) {
			out = append(out, n)
		}
	}
	return out
}

func strategyFor(hadPanel bool) panel.Strategy {
	if hadPanel {
		return panel.UpdateFirst
	}
	return panel.CreateFirst
}

// migrate: удаление с серверов старой подгруппы, не входящих в новую, затем
// Remnawave (фиксирует UUID и client_id в базе), затем 3x-ui с этим UUID
func (e *Engine) migrate(ctx context.Context, k *db.Key, oldTariff, tariff *db.Tariff, newExpiry, charge int64) (*Outcome, error) {
	nodes, err := e.keyNodes(ctx, k)
	if err != nil {
		return nil, err
	}
	target := e.admitted(nodes, tariff)
	old := bySubgroup(nodes, oldTariff.Subgroup())
	// на Remnawave с тем же api_url пользователь общий, его не удаляем
	toDelete := outside(old, target)

	xuiOld, rwOld := splitPanels(old)

	out := newOutcome(k)
	ref := panel.ClientRef{Email: k.Email, ClientID: k.ClientID}
	deleted := e.removeFrom(ctx, "migrate_delete", toDelete, ref)
	for _, r := range deleted {
		st := NodeStatus{Panel: panel.Type(r.Node.PanelType), OK: r.Err == nil}
		if r.Err != nil {
			st.Kind, st.Err = panel.KindOf(r.Err), r.Err.Error()
		}
		out.Nodes["old:"+r.Node.ServerName] = st
	}

	if len(target) == 0 {
		return out, fmt.Errorf("%w: subgroup %q has no servers in %s", ErrNoServersAvailable, tariff.Subgroup(), k.ServerID)
	}

	migrated := *k
	migrated.ExpiryTime = newExpiry
	migrated.TariffID = &tariff.ID
	spec := clientSpec(&migrated, tariff)

	xuiRes, rwRes, clientID, err := e.provision(ctx, "migrate", target, spec,
		strategyFor(len(xuiOld) > 0), strategyFor(len(rwOld) > 0),
		func(uuid string) error {
			// новый UUID фиксируется до создания клиентов на 3x-ui
			return e.store.UpdateKey(ctx, k.Email, map[string]interface{}{"client_id": uuid})
		})
	if err != nil {
		return out, err
	}
	migrated.ClientID = clientID

	results := append(rwRes, xuiRes...)
	out.record(results)
	if len(succeeded(results)) == 0 {
		return out, failure(ErrMigrateFailed, results)
	}

	res := e.compose(ctx, &migrated, tariff, clients(xuiRes), clients(rwRes))
	applyLink(&migrated, res)
	extra := linkFields(res)
	extra["client_id"] = clientID
	if err := e.commitRenewal(ctx, &migrated, true, charge, extra); err != nil {
		return out, err
	}
	out.fill(&migrated)
	out.OpenInWebapp = res.OpenInWebapp
	e.log.Info("key migrated",
		zap.String("email", k.Email),
		zap.String("from", oldTariff.Subgroup()),
		zap.String("to", tariff.Subgroup()),
		zap.Bool("client_id_changed", clientID != k.ClientID),
	)
	return out, nil
}

// IsBusy: ошибка означает параллельную операцию пользователя
func IsBusy(err error) bool { return errors.Is(err, ErrFSMBusy) }
