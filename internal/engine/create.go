package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/hooks"
	"vpn-subscription-bot/internal/logger"
	"vpn-subscription-bot/internal/metrics"
	"vpn-subscription-bot/internal/panel"
	"vpn-subscription-bot/internal/servers"
)

const (
	emailAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	emailLength   = 8
)

// CreateRequest: параметры нового ключа
type CreateRequest struct {
	TgID     int64
	Username string
	TariffID uint
	// Cluster: явный кластер или сервер вместо автоматического выбора
	Cluster     string
	DeviceLimit *int
	TrafficGB   *int
	Price       *int64
	IsTrial     bool
	// ExpiryMs: явный срок (подарок); при 0 берётся now + duration_days тарифа
	ExpiryMs int64
	Alias    string

	// oldKey: перенос существующего ключа на другой кластер (Relocate)
	oldKey *db.Key
}

// Create выпускает новый ключ пользователю
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Outcome, error) {
	release, err := e.guard.Acquire(ctx, req.TgID)
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := e.create(ctx, req)
	metrics.ObserveEngine("create", err)
	return out, err
}

func randomEmail() (string, error) {
	b := make([]byte, emailLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(emailAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = emailAlphabet[n.Int64()]
	}
	return string(b), nil
}

func (e *Engine) uniqueEmail(ctx context.Context) (string, error) {
	for i := 0; i < 10; i++ {
		email, err := randomEmail()
		if err != nil {
			return "", err
		}
		exists, err := e.store.EmailExists(ctx, email)
		if err != nil {
			return "", err
		}
		if !exists {
			return email, nil
		}
	}
	return "", errors.New("could not generate unique email")
}

func (e *Engine) create(ctx context.Context, req CreateRequest) (*Outcome, error) {
	conn, err := e.store.EnsureUser(ctx, req.TgID, req.Username)
	if err != nil {
		return nil, err
	}
	tariff, err := e.store.GetTariff(ctx, req.TariffID)
	if db.IsNotFound(err) {
		return nil, ErrTariffNotFound
	}
	if err != nil {
		return nil, err
	}

	price := tariff.Price
	if req.Price != nil {
		price = *req.Price
	}
	if req.IsTrial || req.oldKey != nil {
		price = 0
	}
	if price > 0 && conn.Balance < price {
		return nil, ErrInsufficientBalance
	}

	placement, err := e.registry.Place(ctx, servers.Request{TgID: req.TgID, Tariff: tariff, Cluster: req.Cluster})
	if errors.Is(err, servers.ErrNoServers) {
		return nil, ErrNoServersAvailable
	}
	if err != nil {
		return nil, err
	}

	key := db.Key{
		TgID:                   req.TgID,
		CreatedAt:              e.nowMs(),
		ServerID:               placement.ServerID,
		TariffID:               &tariff.ID,
		SelectedDeviceLimit:    req.DeviceLimit,
		SelectedTrafficLimitGB: req.TrafficGB,
	}
	if req.Price != nil {
		key.SelectedPrice = req.Price
	}
	if req.Alias != "" {
		alias := req.Alias
		key.Alias = &alias
	}
	switch {
	case req.oldKey != nil:
		key.ExpiryTime = req.oldKey.ExpiryTime
		key.CreatedAt = req.oldKey.CreatedAt
		key.IsFrozen = req.oldKey.IsFrozen
	case req.ExpiryMs > 0:
		key.ExpiryTime = req.ExpiryMs
	default:
		key.ExpiryTime = key.CreatedAt + int64(tariff.DurationDays)*dayMs
	}

	out := newOutcome(nil)
	// при переносе старое размещение не трогаем, пока новое не записано в базу
	var oldNodes []servers.Node
	if req.oldKey != nil {
		if oldNodes, err = e.keyNodes(ctx, req.oldKey); err != nil {
			return nil, err
		}
	}

	var xuiRes, rwRes []nodeResult
	for attempt := 0; attempt < 2; attempt++ {
		strategy := panel.CreateOnly
		if req.oldKey != nil {
			key.Email = req.oldKey.Email
			key.ClientID = req.oldKey.ClientID
			strategy = panel.CreateFirst
		} else {
			if key.Email, err = e.uniqueEmail(ctx); err != nil {
				return nil, err
			}
			key.ClientID = uuid.NewString()
		}

		xuiRes, rwRes, key.ClientID, err = e.provision(ctx, "create", placement.Nodes, clientSpec(&key, tariff), strategy, strategy, nil)
		if err != nil {
			e.rollback(ctx, append(rwRes, xuiRes...), oldNodes, &key)
			return out, err
		}

		if attempt > 0 || req.oldKey != nil || !hasDuplicate(append(xuiRes, rwRes...)) {
			break
		}
		// email занят на панели: откатываем созданное и пробуем с новым email
		e.log.Warn("duplicate email on panel, retrying", zap.String("email", key.Email), zap.Int64("tg_id", req.TgID))
		e.rollback(ctx, append(rwRes, xuiRes...), nil, &key)
	}

	all := append(rwRes, xuiRes...)
	out.record(all)
	if len(succeeded(all)) == 0 {
		logger.NotifyAdmin(fmt.Sprintf("Не удалось создать ключ для %d на %s: все панели ответили ошибкой", req.TgID, placement.ServerID))
		return out, failure(ErrCreateFailed, all)
	}

	res := e.compose(ctx, &key, tariff, clients(xuiRes), clients(rwRes))
	applyLink(&key, res)

	err = e.store.Transaction(ctx, func(tx *db.Store) error {
		if req.oldKey != nil {
			fields := linkFields(res)
			fields["client_id"] = key.ClientID
			fields["server_id"] = key.ServerID
			return tx.UpdateKey(ctx, key.Email, fields)
		}
		if err := tx.InsertKey(ctx, &key); err != nil {
			return err
		}
		if price > 0 {
			if err := tx.DebitBalance(ctx, req.TgID, price); err != nil {
				return err
			}
		}
		if req.IsTrial {
			return tx.SetTrial(ctx, req.TgID, db.TrialUsed)
		}
		return nil
	})
	if err != nil {
		// строка не записана: клиенты на новых панелях не должны остаться сиротами
		e.rollback(ctx, all, oldNodes, &key)
		return out, err
	}
	if req.oldKey != nil {
		e.evict(ctx, out, outside(oldNodes, placement.Nodes), req.oldKey)
	}

	out.fill(&key)
	out.OpenInWebapp = res.OpenInWebapp
	args := hooks.Args{"tg_id": key.TgID, "email": key.Email, "link": key.Key, "server_id": key.ServerID, "is_trial": req.IsTrial}
	out.Buttons = e.hooks.Buttons(ctx, hooks.KeyCreationComplete, args)
	if v, ok := e.hooks.FirstBool(ctx, hooks.InterceptKeyCreationMessage, args); ok {
		out.SuppressMessage = v
	}
	e.log.Info("key created",
		zap.String("email", key.Email),
		zap.Int64("tg_id", key.TgID),
		zap.String("server_id", key.ServerID),
		zap.Int("nodes_ok", len(succeeded(all))),
		zap.Int("nodes_total", len(all)),
	)
	return out, nil
}

// rollback удаляет клиента с успешно отработавших узлов, кроме узлов прежнего размещения
func (e *Engine) rollback(ctx context.Context, results []nodeResult, keep []servers.Node, k *db.Key) {
	nodes := outside(nodesOf(succeeded(results)), keep)
	if len(nodes) == 0 {
		return
	}
	e.removeFrom(ctx, "create_rollback", nodes, panel.ClientRef{Email: k.Email, ClientID: k.ClientID})
}

// evict удаляет перенесённый ключ с узлов прежнего размещения, которых нет в новом
func (e *Engine) evict(ctx context.Context, out *Outcome, nodes []servers.Node, k *db.Key) {
	results := e.removeFrom(ctx, "relocate_delete", nodes, panel.ClientRef{Email: k.Email, ClientID: k.ClientID})
	for _, r := range results {
		st := NodeStatus{Panel: panel.Type(r.Node.PanelType), OK: r.Err == nil}
		if r.Err != nil {
			st.Kind, st.Err = panel.KindOf(r.Err), r.Err.Error()
			e.log.Warn("relocated key left on old server", zap.String("email", k.Email), zap.String("server", r.Node.ServerName), zap.Error(r.Err))
		}
		out.Nodes["old:"+r.Node.ServerName] = st
	}
}

func hasDuplicate(results []nodeResult) bool {
	for _, r := range results {
		if panel.KindOf(r.Err) == panel.KindDuplicateEmail {
			return true
		}
	}
	return false
}

func nodesOf(results []nodeResult) []servers.Node {
	out := make([]servers.Node, 0, len(results))
	for _, r := range results {
		out = append(out, r.Node)
	}
	return out
}

// Relocate переносит ключ на другой кластер: тот же email и срок, новое размещение
func (e *Engine) Relocate(ctx context.Context, email, cluster string) (*Outcome, error) {
	k, err := e.loadKey(ctx, email)
	if err != nil {
		return nil, err
	}
	if k.TariffID == nil {
		return nil, ErrTariffNotFound
	}
	release, err := e.guard.Acquire(ctx, k.TgID)
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := e.create(ctx, CreateRequest{
		TgID:        k.TgID,
		TariffID:    *k.TariffID,
		Cluster:     cluster,
		DeviceLimit: k.SelectedDeviceLimit,
		TrafficGB:   k.SelectedTrafficLimitGB,
		Price:       k.SelectedPrice,
		oldKey:      k,
	})
	metrics.ObserveEngine("relocate", err)
	return out, err
}
