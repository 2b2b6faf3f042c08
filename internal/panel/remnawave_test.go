package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemnaUser struct {
	UUID     string
	Username string
	Body     map[string]interface{}
	Enabled  bool
	Used     int64
}

type fakeRemnawave struct {
	mu          sync.Mutex
	users       map[string]*fakeRemnaUser
	logins      int
	token       string
	happInReply bool
	encryptFail bool
	actions     []string
	seq         int
}

func newFakeRemnawave(t *testing.T) (*fakeRemnawave, *httptest.Server) {
	f := &fakeRemnawave{users: map[string]*fakeRemnaUser{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.logins++
		f.token = fmt.Sprintf("tok-%d", f.logins)
		writeRW(w, http.StatusOK, map[string]string{"accessToken": f.token})
	})
	api := http.NewServeMux()
	api.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		writeRW(w, http.StatusOK, map[string]interface{}{"users": []string{}, "total": len(f.users)})
	})
	api.HandleFunc("POST /users", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		name, _ := body["username"].(string)
		if f.byName(name) != nil {
			writeRWError(w, http.StatusBadRequest, "User username already exists")
			return
		}
		uuid, _ := body["uuid"].(string)
		if uuid == "" {
			f.seq++
			uuid = fmt.Sprintf("rw-uuid-%d", f.seq)
		}
		u := &fakeRemnaUser{UUID: uuid, Username: name, Body: body, Enabled: true}
		f.users[uuid] = u
		writeRW(w, http.StatusCreated, f.userReply(u))
	})
	api.HandleFunc("PATCH /users", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		uuid, _ := body["uuid"].(string)
		u, ok := f.users[uuid]
		if !ok {
			writeRWError(w, http.StatusNotFound, "User not found")
			return
		}
		u.Body = body
		writeRW(w, http.StatusOK, f.userReply(u))
	})
	api.HandleFunc("GET /users/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		u, ok := f.users[r.PathValue("uuid")]
		if !ok {
			writeRWError(w, http.StatusNotFound, "User not found")
			return
		}
		writeRW(w, http.StatusOK, f.userReply(u))
	})
	api.HandleFunc("GET /users/by-username/{name}", func(w http.ResponseWriter, r *http.Request) {
		u := f.byName(r.PathValue("name"))
		if u == nil {
			writeRWError(w, http.StatusNotFound, "User not found")
			return
		}
		writeRW(w, http.StatusOK, f.userReply(u))
	})
	api.HandleFunc("DELETE /users/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := f.users[r.PathValue("uuid")]; !ok {
			writeRWError(w, http.StatusNotFound, "User not found")
			return
		}
		delete(f.users, r.PathValue("uuid"))
		writeRW(w, http.StatusOK, map[string]bool{"isDeleted": true})
	})
	api.HandleFunc("POST /users/{uuid}/actions/{action}", func(w http.ResponseWriter, r *http.Request) {
		u, ok := f.users[r.PathValue("uuid")]
		if !ok {
			writeRWError(w, http.StatusNotFound, "User not found")
			return
		}
		action := r.PathValue("action")
		f.actions = append(f.actions, action)
		switch action {
		case "enable":
			u.Enabled = true
		case "disable":
			u.Enabled = false
		case "reset-traffic":
			u.Used = 0
		}
		writeRW(w, http.StatusOK, f.userReply(u))
	})
	api.HandleFunc("GET /subscriptions/by-username/{name}", func(w http.ResponseWriter, r *http.Request) {
		u := f.byName(r.PathValue("name"))
		if u == nil {
			writeRWError(w, http.StatusNotFound, "Subscription not found")
			return
		}
		writeRW(w, http.StatusOK, map[string]interface{}{
			"isFound":         true,
			"subscriptionUrl": "https://rw/" + u.Username,
			"links": []string{
				"vless://" + u.UUID + "@a:443?type=ws&security=tls#ws",
				"vless://" + u.UUID + "@b:443?type=tcp&security=reality#reality",
			},
		})
	})
	api.HandleFunc("POST /system/tools/happ/encrypt", func(w http.ResponseWriter, r *http.Request) {
		if f.encryptFail {
			writeRWError(w, http.StatusInternalServerError, "boom")
			return
		}
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeRW(w, http.StatusOK, map[string]string{"encryptedLink": "happ://crypt/" + body["linkToEncrypt"]})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+f.token || f.token == "" {
			writeRWError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		api.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRemnawave) byName(name string) *fakeRemnaUser {
	for _, u := range f.users {
		if u.Username == name {
			return u
		}
	}
	return nil
}

func (f *fakeRemnawave) userReply(u *fakeRemnaUser) map[string]interface{} {
	reply := map[string]interface{}{
		"uuid":             u.UUID,
		"username":         u.Username,
		"subscriptionUrl":  "https://rw/" + u.Username,
		"usedTrafficBytes": u.Used,
	}
	if f.happInReply {
		reply["happ"] = map[string]string{"cryptoLink": "happ://" + u.Username}
	}
	return reply
}

func writeRW(w http.ResponseWriter, status int, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": resp})
}

func writeRWError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"message": msg, "statusCode": status})
}

func newRemnaAdapter(t *testing.T, srv *httptest.Server, happ bool) Adapter {
	f := NewFactory(Options{RemnawaveLogin: "admin", RemnawavePassword: "secret", HappCryptolink: happ})
	a, err := f.For(Target{Name: "rw-1", Cluster: "nl", APIURL: srv.URL, InboundID: "sq-1, sq-2", Type: TypeRemnawave})
	require.NoError(t, err)
	return a
}

func rwSpec(email, id string) ClientSpec {
	return ClientSpec{ClientID: id, Email: email, TgID: 7, ExpiryMs: 1_700_000_000_000, TrafficBytes: 50 << 30, Enable: true}
}

func TestRemnawaveCreateCarriesLimitsAndSquads(t *testing.T) {
	fake, srv := newFakeRemnawave(t)
	fake.happInReply = true
	a := newRemnaAdapter(t, srv, true)

	res, err := a.EnsureClient(context.Background(), rwSpec("abc", "u-1"), CreateOnly)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "u-1", res.ClientID)
	assert.Equal(t, "https://rw/abc", res.SubscriptionURL)
	assert.Equal(t, "happ://abc", res.CryptoLink)

	body := fake.users["u-1"].Body
	assert.Equal(t, "NO_RESET", body["trafficLimitStrategy"])
	assert.Equal(t, float64(0), body["hwidDeviceLimit"])
	assert.Equal(t, "2023-11-14T22:13:20.000Z", body["expireAt"])
	assert.Equal(t, []interface{}{"sq-1", "sq-2"}, body["activeInternalSquads"])
	assert.Equal(t, float64(7), body["telegramId"])
}

func TestRemnawaveHappEncryptFallback(t *testing.T) {
	fake, srv := newFakeRemnawave(t)
	a := newRemnaAdapter(t, srv, true)
	ctx := context.Background()

	res, err := a.EnsureClient(ctx, rwSpec("enc", ""), CreateOnly)
	require.NoError(t, err)
	assert.Equal(t, "happ://crypt/https://rw/enc", res.CryptoLink)
	assert.Equal(t, "rw-uuid-1", res.ClientID)

	fake.encryptFail = true
	res, err = a.EnsureClient(ctx, rwSpec("enc2", ""), CreateOnly)
	require.NoError(t, err)
	assert.Empty(t, res.CryptoLink)
	assert.Equal(t, "https://rw/enc2", res.SubscriptionURL)
}

func TestRemnawaveStrategies(t *testing.T) {
	fake, srv := newFakeRemnawave(t)
	a := newRemnaAdapter(t, srv, false)
	ctx := context.Background()

	res, err := a.EnsureClient(ctx, rwSpec("s1", "u-1"), UpdateFirst)
	require.NoError(t, err)
	assert.True(t, res.Created)

	_, err = a.EnsureClient(ctx, rwSpec("s1", "u-2"), CreateOnly)
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	// client_id устарел, но username тот же: create падает, update находит пользователя по username
	spec := rwSpec("s1", "u-2")
	spec.ExpiryMs += 86_400_000
	res, err = a.EnsureClient(ctx, spec, CreateFirst)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "u-1", res.ClientID)
	assert.Equal(t, "2023-11-15T22:13:20.000Z", fake.users["u-1"].Body["expireAt"])
}

func TestRemnawaveFetchLinks(t *testing.T) {
	_, srv := newFakeRemnawave(t)
	a := newRemnaAdapter(t, srv, false)

	spec := rwSpec("links", "u-9")
	spec.FetchLinks = true
	res, err := a.EnsureClient(context.Background(), spec, CreateOnly)
	require.NoError(t, err)
	assert.Len(t, res.Links, 2)
}

func TestRemnawaveDeleteIsTolerant(t *testing.T) {
	fake, srv := newFakeRemnawave(t)
	a := newRemnaAdapter(t, srv, false)
	ctx := context.Background()

	_, err := a.EnsureClient(ctx, rwSpec("gone", "u-1"), CreateOnly)
	require.NoError(t, err)

	deleted, err := a.DeleteClient(ctx, ClientRef{Email: "gone", ClientID: "u-1"})
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, fake.users)

	deleted, err = a.DeleteClient(ctx, ClientRef{Email: "gone", ClientID: "u-1"})
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestRemnawaveExtendResetsTraffic(t *testing.T) {
	fake, srv := newFakeRemnawave(t)
	a := newRemnaAdapter(t, srv, false)
	ctx := context.Background()

	_, err := a.EnsureClient(ctx, rwSpec("ext", "u-1"), CreateOnly)
	require.NoError(t, err)
	fake.users["u-1"].Used = 500

	tr, err := a.GetTraffic(ctx, ClientRef{Email: "ext", ClientID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), tr.Used())

	ok, err := a.ExtendClient(ctx, rwSpec("ext", "u-1"), true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"reset-traffic"}, fake.actions)
	assert.Equal(t, int64(0), fake.users["u-1"].Used)

	_, err = a.ExtendClient(ctx, rwSpec("missing", "u-404"), false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemnawaveToggleAndRevoke(t *testing.T) {
	fake, srv := newFakeRemnawave(t)
	a := newRemnaAdapter(t, srv, false)
	ctx := context.Background()

	_, err := a.EnsureClient(ctx, rwSpec("tg", "u-1"), CreateOnly)
	require.NoError(t, err)

	ok, err := a.ToggleClient(ctx, ClientRef{Email: "tg", ClientID: "u-1"}, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, fake.users["u-1"].Enabled)

	rv, ok := a.(Revoker)
	require.True(t, ok)
	sub, err := rv.RevokeSubscription(ctx, ClientRef{Email: "tg", ClientID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, "https://rw/tg", sub.SubscriptionURL)
	assert.Contains(t, fake.actions, "revoke")
}

func TestRemnawaveReauthOnUnauthorized(t *testing.T) {
	fake, srv := newFakeRemnawave(t)
	a := newRemnaAdapter(t, srv, false)
	ctx := context.Background()

	require.NoError(t, a.Ping(ctx))
	fake.mu.Lock()
	fake.token = "rotated"
	fake.mu.Unlock()

	require.NoError(t, a.Ping(ctx))
	assert.Equal(t, 2, fake.logins)
}

func TestRemnawaveStaticToken(t *testing.T) {
	fake, srv := newFakeRemnawave(t)
	fake.token = "static"
	f := NewFactory(Options{RemnawaveToken: "static"})
	a, err := f.For(Target{Name: "rw", APIURL: srv.URL, Type: TypeRemnawave})
	require.NoError(t, err)

	require.NoError(t, a.Ping(context.Background()))
	assert.Equal(t, 0, fake.logins)
}

func TestClassifyRemnawaveStatus(t *testing.T) {
	tests := []struct {
		status int
		msg    string
		want   Kind
	}{
		{http.StatusNotFound, "", KindNotFound},
		{http.StatusUnauthorized, "", KindAuthFailed},
		{http.StatusForbidden, "", KindAuthFailed},
		{http.StatusBadRequest, "User username already exists", KindDuplicateEmail},
		{http.StatusBadRequest, "validation failed", KindInvalidRequest},
		{http.StatusBadGateway, "", KindTransient},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyRemnawaveStatus(tt.status, tt.msg), "%d %s", tt.status, tt.msg)
	}
}
