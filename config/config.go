package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	BotToken        string
	AdminTelegramID string
	AdminIDs        []int64
	YooKassaShopID  string
	YooKassaSecret  string
	DatabaseURL     string

	// Ссылка агрегатора подписок: {PublicLink}/{email}/{tg_id}
	PublicLink      string
	Supernode       bool
	HappCryptolink  bool
	RemnawaveWebapp bool

	XUIUsername       string
	XUIPassword       string
	RemnawaveLogin    string
	RemnawavePassword string
	RemnawaveToken    string

	PanelTimeout        time.Duration
	PanelConnectTimeout time.Duration
	PanelSessionTTL     time.Duration
	PanelRPS            float64
	FanoutLimit         int

	ReservedGroups       []string
	TrialTariffID        uint
	ExpiredKeysGraceDays int
	AdminAPIAddr         string
	AdminAPIUser         string
	AdminAPIPasswordHash string
	JWTSecret            string
	WebhookAddr          string
	RedisAddr            string
	ModulesFile          string
	LockFile             string
}

var AppCfg AppConfig

func LoadConfig() {
	err := godotenv.Load()
	if err != nil {
		log.Println(".env file not found, relying on environment variables")
	}

	AppCfg.BotToken = os.Getenv("BOT_TOKEN")
	AppCfg.AdminTelegramID = os.Getenv("ADMIN_TELEGRAM_ID")
	AppCfg.AdminIDs = parseIDs(AppCfg.AdminTelegramID)
	AppCfg.YooKassaShopID = os.Getenv("YOOKASSA_SHOP_ID")
	AppCfg.YooKassaSecret = os.Getenv("YOOKASSA_SECRET_KEY")
	AppCfg.DatabaseURL = os.Getenv("DATABASE_URL")

	AppCfg.PublicLink = strings.TrimRight(os.Getenv("PUBLIC_LINK"), "/")
	AppCfg.Supernode = getBool("SUPERNODE", false)
	AppCfg.HappCryptolink = getBool("HAPP_CRYPTOLINK", false)
	AppCfg.RemnawaveWebapp = getBool("REMNAWAVE_WEBAPP", false)

	AppCfg.XUIUsername = os.Getenv("XUI_USERNAME")
	AppCfg.XUIPassword = os.Getenv("XUI_PASSWORD")
	AppCfg.RemnawaveLogin = os.Getenv("REMNAWAVE_LOGIN")
	AppCfg.RemnawavePassword = os.Getenv("REMNAWAVE_PASSWORD")
	AppCfg.RemnawaveToken = os.Getenv("REMNAWAVE_TOKEN")

	AppCfg.PanelTimeout = getDuration("PANEL_TIMEOUT", 20*time.Second)
	AppCfg.PanelConnectTimeout = getDuration("PANEL_CONNECT_TIMEOUT", 5*time.Second)
	AppCfg.PanelSessionTTL = getDuration("PANEL_SESSION_TTL", 30*time.Minute)
	AppCfg.PanelRPS = getFloat("PANEL_RPS", 10)
	AppCfg.FanoutLimit = getInt("FANOUT_LIMIT", 2)

	AppCfg.ReservedGroups = splitList(getEnv("RESERVED_GROUPS", "trial,discounts,discounts_max,gifts"))
	AppCfg.TrialTariffID = uint(getInt("TRIAL_TARIFF_ID", 0))
	AppCfg.ExpiredKeysGraceDays = getInt("EXPIRED_KEYS_GRACE_DAYS", 3)
	AppCfg.AdminAPIAddr = getEnv("ADMIN_API_ADDR", ":8081")
	AppCfg.AdminAPIUser = getEnv("ADMIN_API_USER", "admin")
	AppCfg.AdminAPIPasswordHash = os.Getenv("ADMIN_API_PASSWORD_HASH")
	AppCfg.JWTSecret = os.Getenv("JWT_SECRET")
	AppCfg.WebhookAddr = getEnv("WEBHOOK_ADDR", ":8080")
	AppCfg.RedisAddr = os.Getenv("REDIS_ADDR")
	AppCfg.ModulesFile = getEnv("MODULES_FILE", "modules.yaml")
	AppCfg.LockFile = getEnv("LOCK_FILE", "bot.lock")

	if AppCfg.BotToken == "" || len(AppCfg.AdminIDs) == 0 || AppCfg.YooKassaShopID == "" || AppCfg.YooKassaSecret == "" || AppCfg.DatabaseURL == "" {
		log.Fatal("Critical environment variables are missing. Bot will exit.")
	}
	if AppCfg.PublicLink == "" {
		log.Println("PUBLIC_LINK is empty: aggregator links will be relative")
	}
}

// PrimaryAdminID возвращает первого администратора из списка (для алертов)
func (c AppConfig) PrimaryAdminID() int64 {
	if len(c.AdminIDs) == 0 {
		return 0
	}
	return c.AdminIDs[0]
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIDs(s string) []int64 {
	var ids []int64
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("invalid admin id %q: %v", part, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
