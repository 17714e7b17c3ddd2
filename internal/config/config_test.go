package config

import (
	"strings"
	"testing"
	"time"
)

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("HTTP_ADDR", ":8080")
	t.Setenv("JWT_ISSUER", "simtrade")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("JWT_TTL", "24h")
	t.Setenv("INTERNAL_API_TOKEN", "internal")
	t.Setenv("WS_ORIGIN", "*")
	t.Setenv("STORE_DRIVER", "memory")
}

func TestLoadDefaults(t *testing.T) {
	setBase(t)
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.FeeRate.String() != "0.0025" {
		t.Fatalf("unexpected fee rate %s", c.FeeRate)
	}
	if !c.T1Enabled || !c.BattleEnabled {
		t.Fatal("T+1 and battle should default to enabled")
	}
	if c.OpeningBalanceCNY.String() != "100000" {
		t.Fatalf("unexpected opening balance %s", c.OpeningBalanceCNY)
	}
	if c.BattleSettleInterval != time.Minute || c.DBTxMaxAttempts != 5 {
		t.Fatalf("unexpected scheduler defaults %s %d", c.BattleSettleInterval, c.DBTxMaxAttempts)
	}
	if c.TradeLocation.String() != "Asia/Shanghai" {
		t.Fatalf("unexpected trade timezone %s", c.TradeLocation)
	}
}

func TestLoadMissing(t *testing.T) {
	setBase(t)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DB_DSN", "")
	_, err := Load()
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, key := range []string{"JWT_SECRET", "DB_DSN"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %v", key, err)
		}
	}
}

func TestLoadInvalid(t *testing.T) {
	setBase(t)
	t.Setenv("TRADE_FEE_RATE", "-1")
	t.Setenv("BATTLE_SETTLE_WORKERS", "zero")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "TRADE_FEE_RATE") || !strings.Contains(err.Error(), "BATTLE_SETTLE_WORKERS") {
		t.Fatalf("expected invalid keys in error, got %v", err)
	}
}
