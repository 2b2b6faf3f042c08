package panel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"vpn-subscription-bot/internal/metrics"
)

const maxBody = 4 << 20

// base: общая HTTP-часть адаптеров
type base struct {
	target   Target
	client   *http.Client
	limiter  *rate.Limiter
	sessions *SessionCache
}

type reply struct {
	status  int
	body    []byte
	cookies []*http.Cookie
}

func (b *base) Target() Target { return b.target }

func (b *base) url(path string) string {
	return strings.TrimRight(b.target.APIURL, "/") + path
}

// send выполняет один HTTP-запрос; ошибка означает проблему транспорта
func (b *base) send(ctx context.Context, method, rawURL string, body interface{}, decorate func(*http.Request)) (*reply, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	return &reply{status: resp.StatusCode, body: data, cookies: resp.Cookies()}, nil
}

// fetchSubscription скачивает подписку и возвращает ссылки из неё
func (b *base) fetchSubscription(ctx context.Context, subURL string) ([]string, error) {
	r, err := b.send(ctx, http.MethodGet, subURL, nil, nil)
	if err != nil {
		return nil, err
	}
	if r.status != http.StatusOK {
		return nil, &Error{Kind: KindTransient, Op: "subscription", Status: r.status}
	}
	return ParseSubscription(r.body), nil
}

// ParseSubscription разбирает тело подписки: base64 или обычный текст по строке на ссылку
func ParseSubscription(body []byte) []string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil
	}
	if !strings.Contains(text, "://") {
		compact := strings.Join(strings.Fields(text), "")
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
			if decoded, err := enc.DecodeString(compact); err == nil {
				text = string(decoded)
				break
			}
		}
	}
	var links []string
	for _, line := range strings.Split(text, "\n") {
		if l := strings.TrimSpace(line); strings.Contains(l, "://") {
			links = append(links, l)
		}
	}
	return links
}

func observe(p Type, op string, err error, started time.Time) {
	result := "ok"
	if err != nil {
		result = string(KindOf(err))
	}
	metrics.ObservePanel(string(p), op, result, started)
	if op == "login" {
		metrics.PanelLogins.WithLabelValues(string(p)).Inc()
	}
}

// fallbackAllowed: ошибки, после которых имеет смысл вторая попытка другим способом
func fallbackAllowed(err error) bool {
	switch KindOf(err) {
	case KindDuplicateEmail, KindNotFound, KindInvalidRequest:
		return true
	}
	return false
}
