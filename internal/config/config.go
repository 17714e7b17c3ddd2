package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	HTTPAddr        string
	StoreDriver     string
	DBDSN           string
	DBTxMaxAttempts int
	JWTIssuer       string
	JWTSecret       string
	JWTTTL          time.Duration
	InternalToken   string
	WebSocketOrigin string

	FeeRate           decimal.Decimal
	T1Enabled         bool
	TradeLocation     *time.Location
	OpeningBalanceCNY decimal.Decimal

	BattleEnabled        bool
	BattleRulesFile      string
	BattleSettleInterval time.Duration
	BattleSettleWorkers  int

	SnapshotFile            string
	SnapshotRefreshInterval time.Duration
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	RedisQuotesKey          string

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel      string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int

	MetricsEnabled bool
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads the process environment, after merging a .env file from the
// working directory when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()
	var c Config
	var missing []string
	var bad []string

	required := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}
	optional := func(key, def string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return def
	}
	duration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(optional(key, def))
		if err != nil || d < 0 {
			bad = append(bad, key)
		}
		return d
	}
	boolean := func(key string, def bool) bool {
		raw := optional(key, strconv.FormatBool(def))
		b, err := strconv.ParseBool(raw)
		if err != nil {
			bad = append(bad, key)
		}
		return b
	}
	integer := func(key string, def int) int {
		n, err := strconv.Atoi(optional(key, strconv.Itoa(def)))
		if err != nil {
			bad = append(bad, key)
		}
		return n
	}
	money := func(key, def string) decimal.Decimal {
		d, err := decimal.NewFromString(optional(key, def))
		if err != nil || d.IsNegative() {
			bad = append(bad, key)
		}
		return d
	}

	c.HTTPAddr = required("HTTP_ADDR")
	c.JWTIssuer = required("JWT_ISSUER")
	c.JWTSecret = required("JWT_SECRET")
	if raw := required("JWT_TTL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return c, fmt.Errorf("invalid JWT_TTL: %w", err)
		}
		c.JWTTTL = d
	}
	c.InternalToken = required("INTERNAL_API_TOKEN")
	c.WebSocketOrigin = required("WS_ORIGIN")

	c.StoreDriver = strings.ToLower(optional("STORE_DRIVER", StorePostgres))
	switch c.StoreDriver {
	case StorePostgres:
		c.DBDSN = required("DB_DSN")
	case StoreMemory:
		c.DBDSN = os.Getenv("DB_DSN")
	default:
		return c, errors.New("invalid STORE_DRIVER: use postgres or memory")
	}
	c.DBTxMaxAttempts = integer("DB_TX_MAX_ATTEMPTS", 5)
	if c.DBTxMaxAttempts < 1 {
		bad = append(bad, "DB_TX_MAX_ATTEMPTS")
	}

	c.FeeRate = money("TRADE_FEE_RATE", "0.0025")
	c.T1Enabled = boolean("TRADE_T1_ENABLED", true)
	tz := optional("TRADE_TIMEZONE", "Asia/Shanghai")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return c, fmt.Errorf("invalid TRADE_TIMEZONE %q: %w", tz, err)
	}
	c.TradeLocation = loc
	c.OpeningBalanceCNY = money("OPENING_BALANCE_CNY", "100000")

	c.BattleEnabled = boolean("BATTLE_ENABLED", true)
	c.BattleRulesFile = os.Getenv("BATTLE_RULES_FILE")
	c.BattleSettleInterval = duration("BATTLE_SETTLE_INTERVAL", "1m")
	c.BattleSettleWorkers = integer("BATTLE_SETTLE_WORKERS", 8)
	if c.BattleSettleWorkers < 1 {
		bad = append(bad, "BATTLE_SETTLE_WORKERS")
	}

	c.SnapshotFile = optional("SNAPSHOT_FILE", "cache/stock_cache.json")
	c.SnapshotRefreshInterval = duration("SNAPSHOT_REFRESH_INTERVAL", "10m")
	c.RedisAddr = os.Getenv("REDIS_ADDR")
	c.RedisPassword = os.Getenv("REDIS_PASSWORD")
	c.RedisDB = integer("REDIS_DB", 0)
	c.RedisQuotesKey = optional("REDIS_QUOTES_KEY", "simtrade:quotes")

	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.KafkaBrokers = append(c.KafkaBrokers, b)
			}
		}
	}
	c.KafkaTopic = optional("KAFKA_TOPIC", "simtrade.events")

	c.LogLevel = optional("LOG_LEVEL", "info")
	c.LogFile = os.Getenv("LOG_FILE")
	c.LogMaxSize = integer("LOG_MAX_SIZE", 100)
	c.LogMaxBackups = integer("LOG_MAX_BACKUPS", 10)
	c.LogMaxAge = integer("LOG_MAX_AGE", 30)

	c.MetricsEnabled = boolean("METRICS_ENABLED", true)
	rps, err := strconv.ParseFloat(optional("RATE_LIMIT_RPS", "20"), 64)
	if err != nil || rps <= 0 {
		bad = append(bad, "RATE_LIMIT_RPS")
	}
	c.RateLimitRPS = rps
	c.RateLimitBurst = integer("RATE_LIMIT_BURST", 40)

	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	if len(bad) > 0 {
		return c, errors.New("invalid env: " + strings.Join(bad, ","))
	}
	return c, nil
}
