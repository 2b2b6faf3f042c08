package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"vpn-subscription-bot/internal/logger"
)

// DefaultFlow: flow клиентов VLESS на 3x-ui
const DefaultFlow = "xtls-rprx-vision"

type xuiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// flexInt читает число, записанное в JSON как число или строка (tgId в старых версиях панели)
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	*f = flexInt(v)
	return nil
}

type xuiClient struct {
	ID         string  `json:"id"`
	Flow       string  `json:"flow"`
	Email      string  `json:"email"`
	LimitIP    int     `json:"limitIp"`
	TotalGB    int64   `json:"totalGB"`
	ExpiryTime int64   `json:"expiryTime"`
	Enable     bool    `json:"enable"`
	TgID       flexInt `json:"tgId"`
	SubID      string  `json:"subId"`
	Reset      int     `json:"reset"`
}

type xuiInbound struct {
	ID             int    `json:"id"`
	Remark         string `json:"remark"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
}

type xuiClientTraffic struct {
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
}

// ThreeXUI: адаптер панели 3x-ui. Клиент на панели идентифицируется парой (inbound, email).
type ThreeXUI struct {
	base
	user      string
	password  string
	supernode bool
}

func (x *ThreeXUI) Type() Type { return TypeThreeXUI }

// panelEmail: email клиента на конкретном сервере. В режиме supernode к нему добавляется имя сервера.
func (x *ThreeXUI) panelEmail(email string) string {
	if x.supernode {
		return email + "_" + strings.ToLower(x.target.Name)
	}
	return email
}

func (x *ThreeXUI) inboundID() (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(x.target.InboundID))
	if err != nil {
		return 0, newError(TypeThreeXUI, "inbound", KindInvalidRequest, 0, "bad inbound_id "+x.target.InboundID, err)
	}
	return id, nil
}

func (x *ThreeXUI) sessionKey() string { return x.target.APIURL + "|" + x.user }

func (x *ThreeXUI) login(ctx context.Context) (*Session, error) {
	started := time.Now()
	r, err := x.send(ctx, http.MethodPost, x.url("/login"), map[string]string{
		"username": x.user,
		"password": x.password,
	}, nil)
	if err != nil {
		err = newError(TypeThreeXUI, "login", KindUnreachable, 0, "", err)
		observe(TypeThreeXUI, "login", err, started)
		return nil, err
	}
	var resp xuiResponse
	if jerr := json.Unmarshal(r.body, &resp); jerr != nil || !resp.Success || len(r.cookies) == 0 {
		err = newError(TypeThreeXUI, "login", KindAuthFailed, r.status, resp.Msg, nil)
		observe(TypeThreeXUI, "login", err, started)
		return nil, err
	}
	observe(TypeThreeXUI, "login", nil, started)
	return &Session{Cookies: r.cookies}, nil
}

// call выполняет запрос к API с сессией; при отказе авторизации перелогинивается один раз
func (x *ThreeXUI) call(ctx context.Context, op, method, path string, body interface{}) (json.RawMessage, error) {
	started := time.Now()
	var (
		obj json.RawMessage
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		var sess *Session
		sess, err = x.sessions.Get(ctx, x.sessionKey(), x.login)
		if err != nil {
			break
		}
		obj, err = x.request(ctx, op, sess, method, path, body)
		if KindOf(err) != KindAuthFailed {
			break
		}
		x.sessions.Invalidate(x.sessionKey(), sess)
	}
	observe(TypeThreeXUI, op, err, started)
	return obj, err
}

func (x *ThreeXUI) request(ctx context.Context, op string, sess *Session, method, path string, body interface{}) (json.RawMessage, error) {
	r, err := x.send(ctx, method, x.url(path), body, func(req *http.Request) {
		for _, c := range sess.Cookies {
			req.AddCookie(c)
		}
	})
	if err != nil {
		return nil, newError(TypeThreeXUI, op, KindOf(err), 0, "", err)
	}
	switch {
	// без сессии панель отвечает 404 на /panel/api, либо отдаёт страницу логина
	case r.status == http.StatusUnauthorized, r.status == http.StatusForbidden, r.status == http.StatusNotFound:
		return nil, newError(TypeThreeXUI, op, KindAuthFailed, r.status, "", nil)
	case r.status >= 500:
		return nil, newError(TypeThreeXUI, op, KindTransient, r.status, "", nil)
	case r.status >= 300:
		return nil, newError(TypeThreeXUI, op, KindInvalidRequest, r.status, "", nil)
	}
	var resp xuiResponse
	if err := json.Unmarshal(r.body, &resp); err != nil {
		if bytes.HasPrefix(bytes.TrimSpace(r.body), []byte("<")) {
			return nil, newError(TypeThreeXUI, op, KindAuthFailed, r.status, "login page", nil)
		}
		return nil, newError(TypeThreeXUI, op, KindTransient, r.status, "bad json", err)
	}
	if !resp.Success {
		return nil, newError(TypeThreeXUI, op, classifyXUIMsg(resp.Msg), r.status, resp.Msg, nil)
	}
	return resp.Obj, nil
}

func classifyXUIMsg(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "duplicate email"):
		return KindDuplicateEmail
	case strings.Contains(m, "not found"), strings.Contains(m, "no client"):
		return KindNotFound
	}
	return KindInvalidRequest
}

func (x *ThreeXUI) clientFromSpec(spec ClientSpec) xuiClient {
	flow := spec.Flow
	if flow == "" {
		flow = DefaultFlow
	}
	return xuiClient{
		ID:         spec.ClientID,
		Flow:       flow,
		Email:      x.panelEmail(spec.Email),
		LimitIP:    spec.DeviceLimit,
		TotalGB:    spec.TrafficBytes,
		ExpiryTime: spec.ExpiryMs,
		Enable:     spec.Enable,
		TgID:       flexInt(spec.TgID),
		SubID:      spec.subID(),
	}
}

func (x *ThreeXUI) settingsBody(c xuiClient) (map[string]interface{}, error) {
	inbound, err := x.inboundID()
	if err != nil {
		return nil, err
	}
	settings, err := json.Marshal(map[string][]xuiClient{"clients": {c}})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": inbound, "settings": string(settings)}, nil
}

func (x *ThreeXUI) getInbound(ctx context.Context) (*xuiInbound, error) {
	inbound, err := x.inboundID()
	if err != nil {
		return nil, err
	}
	obj, err := x.call(ctx, "get_inbound", http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", inbound), nil)
	if err != nil {
		return nil, err
	}
	var in xuiInbound
	if err := json.Unmarshal(obj, &in); err != nil {
		return nil, newError(TypeThreeXUI, "get_inbound", KindTransient, 0, "bad inbound", err)
	}
	return &in, nil
}

func clientIn(in *xuiInbound, panelEmail string) (*xuiClient, error) {
	var settings struct {
		Clients []xuiClient `json:"clients"`
	}
	if err := json.Unmarshal([]byte(in.Settings), &settings); err != nil {
		return nil, newError(TypeThreeXUI, "get_inbound", KindTransient, 0, "bad settings", err)
	}
	for i := range settings.Clients {
		if strings.EqualFold(settings.Clients[i].Email, panelEmail) {
			return &settings.Clients[i], nil
		}
	}
	return nil, newError(TypeThreeXUI, "get_inbound", KindNotFound, 0, "client "+panelEmail, nil)
}

// findClient ищет клиента в настройках inbound по email на панели
func (x *ThreeXUI) findClient(ctx context.Context, panelEmail string) (*xuiClient, error) {
	in, err := x.getInbound(ctx)
	if err != nil {
		return nil, err
	}
	return clientIn(in, panelEmail)
}

// inboundLink собирает VLESS-ссылку клиента из настроек inbound, без subscription_url
func (x *ThreeXUI) inboundLink(ctx context.Context, in *xuiInbound, clientID, flow string) ([]string, error) {
	if in == nil {
		var err error
		if in, err = x.getInbound(ctx); err != nil {
			return nil, err
		}
	}
	link, err := vlessLink(*in, x.target.APIURL, clientID, flow, x.target.Name)
	if err != nil {
		return nil, newError(TypeThreeXUI, "vless_link", KindInvalidRequest, 0, "", err)
	}
	return []string{link}, nil
}

func (x *ThreeXUI) addClient(ctx context.Context, c xuiClient) error {
	body, err := x.settingsBody(c)
	if err != nil {
		return err
	}
	_, err = x.call(ctx, "add_client", http.MethodPost, "/panel/api/inbounds/addClient", body)
	return err
}

// updateClient заменяет клиента с тем же email; id в пути берётся с панели,
// поэтому смена client_id после миграции тоже проходит через update
func (x *ThreeXUI) updateClient(ctx context.Context, c xuiClient) error {
	existing, err := x.findClient(ctx, c.Email)
	if err != nil {
		return err
	}
	body, err := x.settingsBody(c)
	if err != nil {
		return err
	}
	_, err = x.call(ctx, "update_client", http.MethodPost, "/panel/api/inbounds/updateClient/"+url.PathEscape(existing.ID), body)
	return err
}

func (x *ThreeXUI) Ping(ctx context.Context) error {
	inbound, err := x.inboundID()
	if err != nil {
		return err
	}
	_, err = x.call(ctx, "ping", http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", inbound), nil)
	return err
}

func (x *ThreeXUI) EnsureClient(ctx context.Context, spec ClientSpec, strategy Strategy) (*Client, error) {
	c := x.clientFromSpec(spec)
	created := false
	var err error
	switch strategy {
	case UpdateFirst:
		if err = x.updateClient(ctx, c); err != nil && fallbackAllowed(err) {
			err = x.addClient(ctx, c)
			created = err == nil
		}
	case CreateFirst:
		err = x.addClient(ctx, c)
		created = err == nil
		if err != nil && fallbackAllowed(err) {
			err = x.updateClient(ctx, c)
		}
	default:
		err = x.addClient(ctx, c)
		created = err == nil
	}
	if err != nil {
		return nil, err
	}

	res := &Client{ClientID: spec.ClientID, Created: created}
	if x.target.SubscriptionURL != "" {
		res.SubscriptionURL = strings.TrimRight(x.target.SubscriptionURL, "/") + "/" + url.PathEscape(c.SubID)
		if spec.FetchLinks {
			links, ferr := x.fetchSubscription(ctx, res.SubscriptionURL)
			if ferr != nil {
				logger.Warn("3x-ui: подписка недоступна", zap.String("server", x.target.Name), zap.String("email", spec.Email), zap.Error(ferr))
			}
			res.Links = links
		}
	}
	if spec.FetchLinks && len(res.Links) == 0 {
		links, lerr := x.inboundLink(ctx, nil, c.ID, c.Flow)
		if lerr != nil {
			logger.Warn("3x-ui: не удалось собрать VLESS-ссылку", zap.String("server", x.target.Name), zap.String("email", spec.Email), zap.Error(lerr))
		}
		res.Links = links
	}
	return res, nil
}

func (x *ThreeXUI) ExtendClient(ctx context.Context, spec ClientSpec, resetTraffic bool) (bool, error) {
	if err := x.updateClient(ctx, x.clientFromSpec(spec)); err != nil {
		return false, err
	}
	if resetTraffic {
		if _, err := x.ResetTraffic(ctx, ClientRef{Email: spec.Email, ClientID: spec.ClientID}); err != nil {
			logger.Warn("3x-ui: сброс трафика не удался", zap.String("server", x.target.Name), zap.String("email", spec.Email), zap.Error(err))
		}
	}
	return true, nil
}

// DeleteClient удаляет клиента; отсутствие клиента не считается ошибкой
func (x *ThreeXUI) DeleteClient(ctx context.Context, ref ClientRef) (bool, error) {
	inbound, err := x.inboundID()
	if err != nil {
		return false, err
	}
	existing, err := x.findClient(ctx, x.panelEmail(ref.Email))
	if KindOf(err) == KindNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = x.call(ctx, "delete_client", http.MethodPost,
		fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", inbound, url.PathEscape(existing.ID)), nil)
	if KindOf(err) == KindNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ToggleClient меняет enable клиента; отсутствие клиента не считается ошибкой
func (x *ThreeXUI) ToggleClient(ctx context.Context, ref ClientRef, enable bool) (bool, error) {
	existing, err := x.findClient(ctx, x.panelEmail(ref.Email))
	if KindOf(err) == KindNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	existing.Enable = enable
	body, err := x.settingsBody(*existing)
	if err != nil {
		return false, err
	}
	if _, err := x.call(ctx, "toggle_client", http.MethodPost, "/panel/api/inbounds/updateClient/"+url.PathEscape(existing.ID), body); err != nil {
		return false, err
	}
	return true, nil
}

func (x *ThreeXUI) ResetTraffic(ctx context.Context, ref ClientRef) (bool, error) {
	inbound, err := x.inboundID()
	if err != nil {
		return false, err
	}
	_, err = x.call(ctx, "reset_traffic", http.MethodPost,
		fmt.Sprintf("/panel/api/inbounds/%d/resetClientTraffic/%s", inbound, url.PathEscape(x.panelEmail(ref.Email))), nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (x *ThreeXUI) GetTraffic(ctx context.Context, ref ClientRef) (*Traffic, error) {
	obj, err := x.call(ctx, "get_traffic", http.MethodGet,
		"/panel/api/inbounds/getClientTraffics/"+url.PathEscape(x.panelEmail(ref.Email)), nil)
	if err != nil {
		return nil, err
	}
	if len(obj) == 0 || string(obj) == "null" {
		return nil, newError(TypeThreeXUI, "get_traffic", KindNotFound, 0, ref.Email, nil)
	}
	var t xuiClientTraffic
	if err := json.Unmarshal(obj, &t); err != nil {
		return nil, newError(TypeThreeXUI, "get_traffic", KindTransient, 0, "bad traffic", err)
	}
	return &Traffic{Up: t.Up, Down: t.Down}, nil
}

// GetSubscription скачивает подписку сервера по sub_id (он совпадает с логическим email).
// Без subscription_url ссылка собирается из настроек inbound.
func (x *ThreeXUI) GetSubscription(ctx context.Context, ref ClientRef) (*Subscription, error) {
	if x.target.SubscriptionURL == "" {
		in, err := x.getInbound(ctx)
		if err != nil {
			return nil, err
		}
		c, err := clientIn(in, x.panelEmail(ref.Email))
		if err != nil {
			return nil, err
		}
		links, err := x.inboundLink(ctx, in, c.ID, c.Flow)
		if err != nil {
			return nil, err
		}
		return &Subscription{Links: links}, nil
	}
	subURL := strings.TrimRight(x.target.SubscriptionURL, "/") + "/" + url.PathEscape(ref.Email)
	links, err := x.fetchSubscription(ctx, subURL)
	if err != nil {
		return nil, newError(TypeThreeXUI, "subscription", KindOf(err), 0, "", err)
	}
	return &Subscription{SubscriptionURL: subURL, Links: links}, nil
}
