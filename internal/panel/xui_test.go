package panel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeXUI: минимальная 3x-ui с одним inbound id=1
type fakeXUI struct {
	mu       sync.Mutex
	clients  []xuiClient
	traffic  map[string]int64
	logins   int
	session  string
	expireAt int // после стольких запросов сессия протухает, 0 — никогда
	requests int
	inbound  xuiInbound // port, protocol, streamSettings отдаваемого inbound
}

func newFakeXUI(t *testing.T) (*fakeXUI, *httptest.Server) {
	f := &fakeXUI{traffic: map[string]int64{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "admin" || body["password"] != "secret" {
			writeXUI(w, false, "wrong user or password", nil)
			return
		}
		f.mu.Lock()
		f.logins++
		f.session = "s" + strings.Repeat("x", f.logins)
		sess := f.session
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: sess})
		writeXUI(w, true, "", nil)
	})
	api := http.NewServeMux()
	api.HandleFunc("GET /panel/api/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		settings, _ := json.Marshal(map[string][]xuiClient{"clients": f.clients})
		in := f.inbound
		in.ID = 1
		in.Settings = string(settings)
		writeXUI(w, true, "", in)
	})
	api.HandleFunc("POST /panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		c := decodeClient(t, r)
		for _, ex := range f.clients {
			if ex.Email == c.Email {
				writeXUI(w, false, "Duplicate email: "+c.Email, nil)
				return
			}
		}
		f.clients = append(f.clients, c)
		writeXUI(w, true, "", nil)
	})
	api.HandleFunc("POST /panel/api/inbounds/updateClient/{id}", func(w http.ResponseWriter, r *http.Request) {
		c := decodeClient(t, r)
		for i, ex := range f.clients {
			if ex.ID == r.PathValue("id") {
				f.clients[i] = c
				writeXUI(w, true, "", nil)
				return
			}
		}
		writeXUI(w, false, "Client Not Found", nil)
	})
	api.HandleFunc("POST /panel/api/inbounds/1/delClient/{id}", func(w http.ResponseWriter, r *http.Request) {
		for i, ex := range f.clients {
			if ex.ID == r.PathValue("id") {
				f.clients = append(f.clients[:i], f.clients[i+1:]...)
				writeXUI(w, true, "", nil)
				return
			}
		}
		writeXUI(w, false, "Client Not Found", nil)
	})
	api.HandleFunc("POST /panel/api/inbounds/1/resetClientTraffic/{email}", func(w http.ResponseWriter, r *http.Request) {
		f.traffic[r.PathValue("email")] = 0
		writeXUI(w, true, "", nil)
	})
	api.HandleFunc("GET /panel/api/inbounds/getClientTraffics/{email}", func(w http.ResponseWriter, r *http.Request) {
		used, ok := f.traffic[r.PathValue("email")]
		if !ok {
			writeXUI(w, true, "", nil)
			return
		}
		writeXUI(w, true, "", xuiClientTraffic{Email: r.PathValue("email"), Up: used / 2, Down: used - used/2})
	})
	mux.HandleFunc("/panel/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests++
		c, err := r.Cookie("3x-ui")
		if err != nil || c.Value != f.session || (f.expireAt > 0 && f.requests > f.expireAt) {
			if f.expireAt > 0 && f.requests > f.expireAt {
				f.expireAt = 0
				f.session = "expired"
			}
			http.NotFound(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
	mux.HandleFunc("GET /sub/{id}", func(w http.ResponseWriter, r *http.Request) {
		body := "vless://" + r.PathValue("id") + "@host:443?type=tcp&security=reality#de\n"
		_, _ = w.Write([]byte(base64.StdEncoding.EncodeToString([]byte(body))))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func decodeClient(t *testing.T, r *http.Request) xuiClient {
	var body struct {
		ID       int    `json:"id"`
		Settings string `json:"settings"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	require.Equal(t, 1, body.ID)
	var s struct {
		Clients []xuiClient `json:"clients"`
	}
	require.NoError(t, json.Unmarshal([]byte(body.Settings), &s))
	require.Len(t, s.Clients, 1)
	return s.Clients[0]
}

func writeXUI(w http.ResponseWriter, ok bool, msg string, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": ok, "msg": msg, "obj": obj})
}

func newXUIAdapter(t *testing.T, srv *httptest.Server, supernode bool) Adapter {
	f := NewFactory(Options{XUIUsername: "admin", XUIPassword: "secret", Supernode: supernode})
	a, err := f.For(Target{
		Name:            "DE-1",
		Cluster:         "de",
		APIURL:          srv.URL,
		SubscriptionURL: srv.URL + "/sub",
		InboundID:       "1",
		Type:            TypeThreeXUI,
	})
	require.NoError(t, err)
	return a
}

func xuiSpec(email, id string) ClientSpec {
	return ClientSpec{ClientID: id, Email: email, TgID: 42, ExpiryMs: 1_700_000_000_000, DeviceLimit: 2, Enable: true}
}

func TestThreeXUIEnsureClient(t *testing.T) {
	fake, srv := newFakeXUI(t)
	a := newXUIAdapter(t, srv, false)
	ctx := context.Background()

	spec := xuiSpec("abc123", "11111111-1111-1111-1111-111111111111")
	spec.FetchLinks = true
	res, err := a.EnsureClient(ctx, spec, CreateOnly)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, srv.URL+"/sub/abc123", res.SubscriptionURL)
	require.Len(t, res.Links, 1)
	assert.True(t, strings.HasPrefix(res.Links[0], "vless://abc123@"))

	require.Len(t, fake.clients, 1)
	got := fake.clients[0]
	assert.Equal(t, DefaultFlow, got.Flow)
	assert.Equal(t, 2, got.LimitIP)
	assert.Equal(t, "abc123", got.SubID)
	assert.Equal(t, flexInt(42), got.TgID)

	_, err = a.EnsureClient(ctx, spec, CreateOnly)
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	spec.ExpiryMs += 1000
	res, err = a.EnsureClient(ctx, spec, CreateFirst)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, spec.ExpiryMs, fake.clients[0].ExpiryTime)
	assert.Equal(t, 1, fake.logins)
}

func TestThreeXUIUpdateFirstReplacesClientID(t *testing.T) {
	fake, srv := newFakeXUI(t)
	a := newXUIAdapter(t, srv, false)
	ctx := context.Background()

	res, err := a.EnsureClient(ctx, xuiSpec("mig", "old-uuid"), UpdateFirst)
	require.NoError(t, err)
	assert.True(t, res.Created, "update of a missing client falls back to create")

	res, err = a.EnsureClient(ctx, xuiSpec("mig", "new-uuid"), UpdateFirst)
	require.NoError(t, err)
	assert.False(t, res.Created)
	require.Len(t, fake.clients, 1)
	assert.Equal(t, "new-uuid", fake.clients[0].ID)
}

func TestThreeXUISupernodeEmail(t *testing.T) {
	fake, srv := newFakeXUI(t)
	a := newXUIAdapter(t, srv, true)
	ctx := context.Background()

	_, err := a.EnsureClient(ctx, xuiSpec("abc", "u1"), CreateOnly)
	require.NoError(t, err)
	require.Len(t, fake.clients, 1)
	assert.Equal(t, "abc_de-1", fake.clients[0].Email)
	assert.Equal(t, "abc", fake.clients[0].SubID)

	ok, err := a.ToggleClient(ctx, ClientRef{Email: "abc", ClientID: "u1"}, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, fake.clients[0].Enable)
}

func TestThreeXUIToggleMissingClient(t *testing.T) {
	fake, srv := newFakeXUI(t)
	a := newXUIAdapter(t, srv, false)

	ok, err := a.ToggleClient(context.Background(), ClientRef{Email: "ghost", ClientID: "u1"}, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, fake.clients)
}

const realityStream = `{"network":"tcp","security":"reality","realitySettings":{"serverNames":["www.google.com"],"shortIds":["6ba85179e30d4fc2"],"settings":{"publicKey":"PBK123","fingerprint":"chrome"}}}`

func TestThreeXUIBuildsLinkFromInbound(t *testing.T) {
	fake, srv := newFakeXUI(t)
	fake.inbound = xuiInbound{Port: 8443, Protocol: "vless", StreamSettings: realityStream}
	f := NewFactory(Options{XUIUsername: "admin", XUIPassword: "secret"})
	a, err := f.For(Target{Name: "DE 1", Cluster: "de", APIURL: srv.URL, InboundID: "1", Type: TypeThreeXUI})
	require.NoError(t, err)
	ctx := context.Background()

	spec := xuiSpec("abc", "11111111-1111-1111-1111-111111111111")
	spec.FetchLinks = true
	res, err := a.EnsureClient(ctx, spec, CreateOnly)
	require.NoError(t, err)
	assert.Empty(t, res.SubscriptionURL)
	require.Len(t, res.Links, 1)

	link, err := url.Parse(res.Links[0])
	require.NoError(t, err)
	assert.Equal(t, "vless", link.Scheme)
	assert.Equal(t, spec.ClientID, link.User.Username())
	assert.Equal(t, "8443", link.Port())
	assert.Equal(t, "DE 1", link.Fragment)
	q := link.Query()
	assert.Equal(t, "tcp", q.Get("type"))
	assert.Equal(t, "reality", q.Get("security"))
	assert.Equal(t, "www.google.com", q.Get("sni"))
	assert.Equal(t, "chrome", q.Get("fp"))
	assert.Equal(t, "PBK123", q.Get("pbk"))
	assert.Equal(t, "6ba85179e30d4fc2", q.Get("sid"))
	assert.Equal(t, DefaultFlow, q.Get("flow"))

	sub, err := a.GetSubscription(ctx, ClientRef{Email: "abc"})
	require.NoError(t, err)
	assert.Equal(t, res.Links, sub.Links)

	_, err = a.GetSubscription(ctx, ClientRef{Email: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVLESSLinkWebSocketTLS(t *testing.T) {
	in := xuiInbound{ID: 2, Port: 443, Protocol: "vless",
		StreamSettings: `{"network":"ws","security":"tls","tlsSettings":{"serverName":"cdn.example.com","settings":{"fingerprint":"firefox"}},"wsSettings":{"path":"/ws","headers":{"Host":"cdn.example.com"}}}`}
	raw, err := vlessLink(in, "https://panel.example.com:2053/base", "u1", DefaultFlow, "NL")
	require.NoError(t, err)

	link, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "panel.example.com", link.Hostname())
	assert.Equal(t, "443", link.Port())
	q := link.Query()
	assert.Equal(t, "ws", q.Get("type"))
	assert.Equal(t, "tls", q.Get("security"))
	assert.Equal(t, "cdn.example.com", q.Get("sni"))
	assert.Equal(t, "cdn.example.com", q.Get("host"))
	assert.Equal(t, "/ws", q.Get("path"))
	assert.Equal(t, "firefox", q.Get("fp"))
	assert.Empty(t, q.Get("flow"), "flow only on tcp")

	_, err = vlessLink(xuiInbound{ID: 3, Port: 443, Protocol: "vmess"}, "https://h", "u1", "", "x")
	assert.Error(t, err)
}

func TestThreeXUIDeleteIsTolerant(t *testing.T) {
	fake, srv := newFakeXUI(t)
	a := newXUIAdapter(t, srv, false)
	ctx := context.Background()

	_, err := a.EnsureClient(ctx, xuiSpec("del", "u1"), CreateOnly)
	require.NoError(t, err)

	deleted, err := a.DeleteClient(ctx, ClientRef{Email: "del", ClientID: "u1"})
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, fake.clients)

	deleted, err = a.DeleteClient(ctx, ClientRef{Email: "del", ClientID: "u1"})
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestThreeXUIReloginAfterSessionExpired(t *testing.T) {
	fake, srv := newFakeXUI(t)
	a := newXUIAdapter(t, srv, false)
	ctx := context.Background()

	require.NoError(t, a.Ping(ctx))
	fake.mu.Lock()
	fake.expireAt = fake.requests
	fake.mu.Unlock()

	require.NoError(t, a.Ping(ctx))
	assert.Equal(t, 2, fake.logins)
}

func TestThreeXUIWrongPassword(t *testing.T) {
	_, srv := newFakeXUI(t)
	f := NewFactory(Options{XUIUsername: "admin", XUIPassword: "nope"})
	a, err := f.For(Target{Name: "x", APIURL: srv.URL, InboundID: "1", Type: TypeThreeXUI})
	require.NoError(t, err)

	err = a.Ping(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestThreeXUITraffic(t *testing.T) {
	fake, srv := newFakeXUI(t)
	a := newXUIAdapter(t, srv, false)
	ctx := context.Background()

	_, err := a.GetTraffic(ctx, ClientRef{Email: "none"})
	assert.ErrorIs(t, err, ErrNotFound)

	fake.traffic["used"] = 1000
	tr, err := a.GetTraffic(ctx, ClientRef{Email: "used"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), tr.Used())

	ok, err := a.ResetTraffic(ctx, ClientRef{Email: "used"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), fake.traffic["used"])
}

func TestThreeXUIUnreachable(t *testing.T) {
	_, srv := newFakeXUI(t)
	a := newXUIAdapter(t, srv, false)
	srv.Close()

	err := a.Ping(context.Background())
	assert.Equal(t, KindUnreachable, KindOf(err))
}

func TestParseSubscription(t *testing.T) {
	plain := "vless://a@h:1?type=tcp\nvmess://b\n\n"
	assert.Equal(t, []string{"vless://a@h:1?type=tcp", "vmess://b"}, ParseSubscription([]byte(plain)))

	encoded := base64.StdEncoding.EncodeToString([]byte(plain))
	assert.Equal(t, []string{"vless://a@h:1?type=tcp", "vmess://b"}, ParseSubscription([]byte(encoded)))
	assert.Nil(t, ParseSubscription([]byte("   ")))
}
