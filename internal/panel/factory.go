package panel

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Options: учётные данные и сетевые настройки панелей
type Options struct {
	XUIUsername       string
	XUIPassword       string
	RemnawaveLogin    string
	RemnawavePassword string
	RemnawaveToken    string

	Timeout        time.Duration
	ConnectTimeout time.Duration
	SessionTTL     time.Duration
	RPS            float64

	Supernode      bool
	HappCryptolink bool
}

// Factory создаёт адаптеры для серверов. Сессии и лимитеры общие на процесс и привязаны к api_url.
type Factory struct {
	opts     Options
	client   *http.Client
	sessions *SessionCache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewFactory(opts Options) *Factory {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Factory{
		opts:     opts,
		client:   &http.Client{Timeout: opts.Timeout, Transport: transport},
		sessions: NewSessionCache(opts.SessionTTL),
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithHTTPClient подменяет HTTP-клиент (тесты)
func (f *Factory) WithHTTPClient(c *http.Client) *Factory {
	f.client = c
	return f
}

func (f *Factory) limiter(apiURL string) *rate.Limiter {
	if f.opts.RPS <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[apiURL]
	if !ok {
		burst := int(f.opts.RPS)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(f.opts.RPS), burst)
		f.limiters[apiURL] = l
	}
	return l
}

// For возвращает адаптер под тип панели сервера
func (f *Factory) For(t Target) (Adapter, error) {
	b := base{target: t, client: f.client, limiter: f.limiter(t.APIURL), sessions: f.sessions}
	switch t.Type {
	case TypeThreeXUI:
		return &ThreeXUI{base: b, user: f.opts.XUIUsername, password: f.opts.XUIPassword, supernode: f.opts.Supernode}, nil
	case TypeRemnawave:
		return &Remnawave{
			base:     b,
			login:    f.opts.RemnawaveLogin,
			password: f.opts.RemnawavePassword,
			token:    f.opts.RemnawaveToken,
			happ:     f.opts.HappCryptolink,
		}, nil
	}
	return nil, fmt.Errorf("unknown panel type %q for server %s", t.Type, t.Name)
}
