// Package links собирает единственную пользовательскую ссылку ключа из ответов панелей.
package links

import (
	"net/url"
	"strconv"
	"strings"

	"vpn-subscription-bot/internal/panel"
)

// Policy: глобальные флаги выдачи ссылок, могут быть переопределены хуками на запрос
type Policy struct {
	PublicLink      string
	HappCryptolink  bool
	RemnawaveWebapp bool
}

// Input: успешные результаты панелей по одному ключу
type Input struct {
	Email     string
	TgID      int64
	VLESS     bool
	XUI       []panel.Client
	Remnawave []panel.Client
}

// Result: что записывается в keys.key и keys.remnawave_link
type Result struct {
	Key           string
	RemnawaveLink string
	// OpenInWebapp: показывать кнопку web-app Remnawave вместо ссылки
	OpenInWebapp bool
}

// AggregatorURL: ссылка внешнего сервиса подписок {PUBLIC_LINK}/{email}/{tg_id}
func AggregatorURL(publicLink, email string, tgID int64) string {
	return strings.TrimRight(publicLink, "/") + "/" + email + "/" + strconv.FormatInt(tgID, 10)
}

// ScoreVLESS оценивает VLESS-ссылку: чем больше, тем лучше; -1 для не-VLESS
func ScoreVLESS(link string) int {
	if !strings.HasPrefix(strings.ToLower(link), "vless://") {
		return -1
	}
	u, err := url.Parse(link)
	if err != nil {
		return 0
	}
	q := u.Query()
	typ := strings.ToLower(q.Get("type"))
	sec := strings.ToLower(q.Get("security"))
	switch {
	case sec == "reality" && typ == "tcp":
		return 4
	case typ == "ws" && sec == "tls":
		return 3
	case sec == "tls" && typ == "tcp":
		return 2
	case typ == "ws":
		return 1
	}
	return 0
}

// BestVLESS возвращает VLESS-ссылку с наибольшей оценкой; при равенстве первую
func BestVLESS(candidates []string) (string, bool) {
	best, bestScore := "", -1
	for _, l := range candidates {
		if s := ScoreVLESS(l); s > bestScore {
			best, bestScore = l, s
		}
	}
	return best, bestScore >= 0
}

func collect(clients []panel.Client) []string {
	var out []string
	for _, c := range clients {
		out = append(out, c.Links...)
	}
	return out
}

func firstSubscription(clients []panel.Client) string {
	for _, c := range clients {
		if c.SubscriptionURL != "" {
			return c.SubscriptionURL
		}
	}
	return ""
}

func firstCrypto(clients []panel.Client) string {
	for _, c := range clients {
		if c.CryptoLink != "" {
			return c.CryptoLink
		}
	}
	return ""
}

// Compose выбирает ссылку по таблице решений. Чистая функция от входа.
func Compose(in Input, p Policy) Result {
	res := Result{RemnawaveLink: firstSubscription(in.Remnawave)}
	aggregator := AggregatorURL(p.PublicLink, in.Email, in.TgID)
	hasXUI, hasRW := len(in.XUI) > 0, len(in.Remnawave) > 0

	if in.VLESS {
		if hasXUI {
			if l, ok := BestVLESS(collect(in.XUI)); ok {
				res.Key = l
				return res
			}
		}
		if hasRW {
			if l, ok := BestVLESS(collect(in.Remnawave)); ok {
				res.Key = l
				return res
			}
			if res.RemnawaveLink != "" {
				res.Key = res.RemnawaveLink
				return res
			}
		}
		res.Key = aggregator
		return res
	}

	if hasRW && !hasXUI {
		if p.HappCryptolink {
			if c := firstCrypto(in.Remnawave); c != "" {
				res.Key = c
				return res
			}
		}
		if res.RemnawaveLink != "" {
			res.Key = res.RemnawaveLink
			res.OpenInWebapp = p.RemnawaveWebapp
			return res
		}
	}
	res.Key = aggregator
	return res
}
