package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"vpn-subscription-bot/internal/logger"
)

type rwEnvelope struct {
	Response   json.RawMessage `json:"response"`
	Message    string          `json:"message"`
	ErrorCode  string          `json:"errorCode"`
	StatusCode int             `json:"statusCode"`
}

type rwHapp struct {
	CryptoLink string `json:"cryptoLink"`
}

type rwUser struct {
	UUID             string   `json:"uuid"`
	ShortUUID        string   `json:"shortUuid"`
	Username         string   `json:"username"`
	Status           string   `json:"status"`
	SubscriptionURL  string   `json:"subscriptionUrl"`
	UsedTrafficBytes flexInt  `json:"usedTrafficBytes"`
	Happ             *rwHapp  `json:"happ"`
	Links            []string `json:"links"`
	UserTraffic      *struct {
		UsedTrafficBytes flexInt `json:"usedTrafficBytes"`
	} `json:"userTraffic"`
}

type rwSubscription struct {
	IsFound         bool     `json:"isFound"`
	SubscriptionURL string   `json:"subscriptionUrl"`
	Links           []string `json:"links"`
	Happ            *rwHapp  `json:"happ"`
	User            *struct {
		ShortUUID string `json:"shortUuid"`
	} `json:"user"`
}

// Remnawave: адаптер панели Remnawave. Клиент здесь это пользователь панели с UUID, username = email ключа.
type Remnawave struct {
	base
	login    string
	password string
	token    string
	happ     bool
}

func (r *Remnawave) Type() Type { return TypeRemnawave }

func (r *Remnawave) sessionKey() string { return r.target.APIURL + "|" + r.login }

func (r *Remnawave) authenticate(ctx context.Context) (*Session, error) {
	if r.token != "" {
		return &Session{Token: r.token}, nil
	}
	started := time.Now()
	rep, err := r.send(ctx, http.MethodPost, r.url("/auth/login"), map[string]string{
		"username": r.login,
		"password": r.password,
	}, nil)
	if err != nil {
		err = newError(TypeRemnawave, "login", KindUnreachable, 0, "", err)
		observe(TypeRemnawave, "login", err, started)
		return nil, err
	}
	var env rwEnvelope
	_ = json.Unmarshal(rep.body, &env)
	var auth struct {
		AccessToken string `json:"accessToken"`
	}
	if rep.status >= 300 || json.Unmarshal(env.Response, &auth) != nil || auth.AccessToken == "" {
		err = newError(TypeRemnawave, "login", KindAuthFailed, rep.status, env.Message, nil)
		observe(TypeRemnawave, "login", err, started)
		return nil, err
	}
	observe(TypeRemnawave, "login", nil, started)
	return &Session{Token: auth.AccessToken}, nil
}

// call выполняет запрос и раскладывает поле response в out.
// На 401/403 токен сбрасывается и запрос повторяется один раз.
func (r *Remnawave) call(ctx context.Context, op, method, path string, body, out interface{}) error {
	started := time.Now()
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var sess *Session
		sess, err = r.sessions.Get(ctx, r.sessionKey(), r.authenticate)
		if err != nil {
			break
		}
		err = r.request(ctx, op, sess, method, path, body, out)
		if KindOf(err) != KindAuthFailed {
			break
		}
		r.sessions.Invalidate(r.sessionKey(), sess)
	}
	observe(TypeRemnawave, op, err, started)
	return err
}

func (r *Remnawave) request(ctx context.Context, op string, sess *Session, method, path string, body, out interface{}) error {
	rep, err := r.send(ctx, method, r.url(path), body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	})
	if err != nil {
		return newError(TypeRemnawave, op, KindOf(err), 0, "", err)
	}
	var env rwEnvelope
	jerr := json.Unmarshal(rep.body, &env)
	if rep.status >= 300 {
		return newError(TypeRemnawave, op, classifyRemnawaveStatus(rep.status, env.Message), rep.status, env.Message, nil)
	}
	if jerr != nil {
		return newError(TypeRemnawave, op, KindTransient, rep.status, "bad json", jerr)
	}
	if out != nil && len(env.Response) > 0 {
		if err := json.Unmarshal(env.Response, out); err != nil {
			return newError(TypeRemnawave, op, KindTransient, rep.status, "bad response", err)
		}
	}
	return nil
}

func classifyRemnawaveStatus(status int, msg string) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthFailed
	case status == http.StatusConflict, strings.Contains(strings.ToLower(msg), "already exists"):
		// username (email ключа) уже занят
		return KindDuplicateEmail
	case status >= 500:
		return KindTransient
	}
	return KindInvalidRequest
}

func isoExpiry(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}

func (r *Remnawave) userBody(spec ClientSpec) map[string]interface{} {
	body := map[string]interface{}{
		"username":             spec.Email,
		"trafficLimitStrategy": "NO_RESET",
		"expireAt":             isoExpiry(spec.ExpiryMs),
		"trafficLimitBytes":    spec.TrafficBytes,
		"hwidDeviceLimit":      spec.DeviceLimit,
		"status":               "ACTIVE",
	}
	if !spec.Enable {
		body["status"] = "DISABLED"
	}
	if spec.TgID != 0 {
		body["telegramId"] = spec.TgID
	}
	if spec.ExternalSquadUUID != "" {
		body["externalSquadUuid"] = spec.ExternalSquadUUID
	}
	return body
}

func (r *Remnawave) createUser(ctx context.Context, spec ClientSpec) (*rwUser, error) {
	body := r.userBody(spec)
	body["activeInternalSquads"] = r.target.Squads()
	if spec.ClientID != "" {
		body["uuid"] = spec.ClientID
	}
	var u rwUser
	if err := r.call(ctx, "create_user", http.MethodPost, "/users", body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// resolveUUID находит UUID пользователя: сначала по client_id, затем по username
func (r *Remnawave) resolveUUID(ctx context.Context, ref ClientRef) (string, error) {
	if ref.ClientID != "" {
		var u rwUser
		err := r.call(ctx, "get_user", http.MethodGet, "/users/"+url.PathEscape(ref.ClientID), nil, &u)
		if err == nil {
			return u.UUID, nil
		}
		if KindOf(err) != KindNotFound {
			return "", err
		}
	}
	var u rwUser
	if err := r.call(ctx, "get_user_by_username", http.MethodGet, "/users/by-username/"+url.PathEscape(ref.Email), nil, &u); err != nil {
		return "", err
	}
	if u.UUID == "" {
		return "", newError(TypeRemnawave, "get_user_by_username", KindNotFound, 0, ref.Email, nil)
	}
	return u.UUID, nil
}

func (r *Remnawave) updateUser(ctx context.Context, spec ClientSpec) (*rwUser, error) {
	uuid, err := r.resolveUUID(ctx, ClientRef{Email: spec.Email, ClientID: spec.ClientID})
	if err != nil {
		return nil, err
	}
	body := r.userBody(spec)
	delete(body, "username")
	body["uuid"] = uuid
	squads := r.target.Squads()
	body["activeUserInbounds"] = squads
	body["activeInternalSquads"] = squads
	var u rwUser
	if err := r.call(ctx, "update_user", http.MethodPatch, "/users", body, &u); err != nil {
		return nil, err
	}
	if u.UUID == "" {
		u.UUID = uuid
	}
	return &u, nil
}

func (r *Remnawave) Ping(ctx context.Context) error {
	return r.call(ctx, "ping", http.MethodGet, "/users?start=0&size=1", nil, nil)
}

func (r *Remnawave) EnsureClient(ctx context.Context, spec ClientSpec, strategy Strategy) (*Client, error) {
	var (
		u       *rwUser
		err     error
		created bool
	)
	switch strategy {
	case UpdateFirst:
		if u, err = r.updateUser(ctx, spec); err != nil && fallbackAllowed(err) {
			u, err = r.createUser(ctx, spec)
			created = err == nil
		}
	case CreateFirst:
		u, err = r.createUser(ctx, spec)
		created = err == nil
		if err != nil && fallbackAllowed(err) {
			u, err = r.updateUser(ctx, spec)
		}
	default:
		u, err = r.createUser(ctx, spec)
		created = err == nil
	}
	if err != nil {
		return nil, err
	}

	res := &Client{ClientID: u.UUID, Created: created, SubscriptionURL: u.SubscriptionURL, Links: u.Links}
	if u.Happ != nil {
		res.CryptoLink = u.Happ.CryptoLink
	}
	if spec.FetchLinks && len(res.Links) == 0 {
		if sub, serr := r.GetSubscription(ctx, ClientRef{Email: spec.Email, ClientID: u.UUID}); serr == nil {
			res.Links = sub.Links
			if res.SubscriptionURL == "" {
				res.SubscriptionURL = sub.SubscriptionURL
			}
			if res.CryptoLink == "" {
				res.CryptoLink = sub.CryptoLink
			}
		} else {
			logger.Warn("remnawave: подписка недоступна", zap.String("server", r.target.Name), zap.String("email", spec.Email), zap.Error(serr))
		}
	}
	if res.CryptoLink == "" {
		res.CryptoLink = r.cryptoLink(ctx, res.SubscriptionURL)
	}
	return res, nil
}

// cryptoLink шифрует ссылку подписки для Happ; при ошибке возвращает пустую строку
func (r *Remnawave) cryptoLink(ctx context.Context, subURL string) string {
	if !r.happ || subURL == "" {
		return ""
	}
	link, err := r.EncryptHapp(ctx, subURL)
	if err != nil {
		logger.Warn("remnawave: happ encrypt не удался", zap.String("server", r.target.Name), zap.Error(err))
		return ""
	}
	return link
}

// EncryptHapp вызывает эндпоинт шифрования ссылки для клиента Happ
func (r *Remnawave) EncryptHapp(ctx context.Context, link string) (string, error) {
	var out struct {
		EncryptedLink string `json:"encryptedLink"`
	}
	err := r.call(ctx, "happ_encrypt", http.MethodPost, "/system/tools/happ/encrypt", map[string]string{"linkToEncrypt": link}, &out)
	if err != nil {
		return "", err
	}
	if out.EncryptedLink == "" {
		return "", newError(TypeRemnawave, "happ_encrypt", KindTransient, 0, "empty encryptedLink", nil)
	}
	return out.EncryptedLink, nil
}

func (r *Remnawave) ExtendClient(ctx context.Context, spec ClientSpec, resetTraffic bool) (bool, error) {
	u, err := r.updateUser(ctx, spec)
	if err != nil {
		return false, err
	}
	if resetTraffic {
		if _, err := r.ResetTraffic(ctx, ClientRef{Email: spec.Email, ClientID: u.UUID}); err != nil {
			logger.Warn("remnawave: сброс трафика не удался", zap.String("server", r.target.Name), zap.String("email", spec.Email), zap.Error(err))
		}
	}
	return true, nil
}

// DeleteClient удаляет пользователя; 404 считается успехом
func (r *Remnawave) DeleteClient(ctx context.Context, ref ClientRef) (bool, error) {
	uuid, err := r.resolveUUID(ctx, ref)
	if KindOf(err) == KindNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = r.call(ctx, "delete_user", http.MethodDelete, "/users/"+url.PathEscape(uuid), nil, nil)
	if KindOf(err) == KindNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Remnawave) action(ctx context.Context, op string, ref ClientRef, action string) (bool, error) {
	uuid, err := r.resolveUUID(ctx, ref)
	if err != nil {
		return false, err
	}
	if err := r.call(ctx, op, http.MethodPost, "/users/"+url.PathEscape(uuid)+"/actions/"+action, nil, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Remnawave) ToggleClient(ctx context.Context, ref ClientRef, enable bool) (bool, error) {
	if enable {
		return r.action(ctx, "enable_user", ref, "enable")
	}
	return r.action(ctx, "disable_user", ref, "disable")
}

func (r *Remnawave) ResetTraffic(ctx context.Context, ref ClientRef) (bool, error) {
	return r.action(ctx, "reset_traffic", ref, "reset-traffic")
}

func (r *Remnawave) GetTraffic(ctx context.Context, ref ClientRef) (*Traffic, error) {
	uuid, err := r.resolveUUID(ctx, ref)
	if err != nil {
		return nil, err
	}
	var u rwUser
	if err := r.call(ctx, "get_traffic", http.MethodGet, "/users/"+url.PathEscape(uuid), nil, &u); err != nil {
		return nil, err
	}
	used := int64(u.UsedTrafficBytes)
	if u.UserTraffic != nil && u.UserTraffic.UsedTrafficBytes > 0 {
		used = int64(u.UserTraffic.UsedTrafficBytes)
	}
	return &Traffic{Total: used}, nil
}

func (r *Remnawave) GetSubscription(ctx context.Context, ref ClientRef) (*Subscription, error) {
	var s rwSubscription
	if err := r.call(ctx, "get_subscription", http.MethodGet, "/subscriptions/by-username/"+url.PathEscape(ref.Email), nil, &s); err != nil {
		return nil, err
	}
	if !s.IsFound && s.SubscriptionURL == "" {
		return nil, newError(TypeRemnawave, "get_subscription", KindNotFound, 0, ref.Email, nil)
	}
	sub := &Subscription{SubscriptionURL: s.SubscriptionURL, Links: s.Links}
	if s.Happ != nil {
		sub.CryptoLink = s.Happ.CryptoLink
	}
	if sub.CryptoLink == "" {
		sub.CryptoLink = r.cryptoLink(ctx, sub.SubscriptionURL)
	}
	return sub, nil
}

// RevokeSubscription перевыпускает ссылку подписки пользователя
func (r *Remnawave) RevokeSubscription(ctx context.Context, ref ClientRef) (*Subscription, error) {
	uuid, err := r.resolveUUID(ctx, ref)
	if err != nil {
		return nil, err
	}
	var u rwUser
	if err := r.call(ctx, "revoke_subscription", http.MethodPost, "/users/"+url.PathEscape(uuid)+"/actions/revoke", map[string]interface{}{}, &u); err != nil {
		return nil, err
	}
	sub := &Subscription{SubscriptionURL: u.SubscriptionURL, Links: u.Links}
	if u.Happ != nil {
		sub.CryptoLink = u.Happ.CryptoLink
	}
	if sub.CryptoLink == "" {
		sub.CryptoLink = r.cryptoLink(ctx, sub.SubscriptionURL)
	}
	return sub, nil
}
