package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaults(t *testing.T) {
	viper.Reset()
	Load()

	if got := GetString("server.listenAddr"); got != ":8080" {
		t.Errorf("unexpected default listen addr %q", got)
	}
	if got := GetString("redis.addr"); got != "localhost:6379" {
		t.Errorf("unexpected default redis addr %q", got)
	}
	if got := GetDuration("server.heartbeatInterval"); got != 10*time.Second {
		t.Errorf("unexpected default heartbeat interval %s", got)
	}
	if got := GetInt("history.batchSize"); got != 100 {
		t.Errorf("unexpected default batch size %d", got)
	}
}

func TestEnvOverride(t *testing.T) {
	viper.Reset()
	os.Setenv("LIVE_REDIS_ADDR", "redis.internal:6380")
	os.Setenv("LIVE_SERVER_NAME", "live-7")
	defer os.Unsetenv("LIVE_REDIS_ADDR")
	defer os.Unsetenv("LIVE_SERVER_NAME")

	Load()

	if got := GetString("redis.addr"); got != "redis.internal:6380" {
		t.Errorf("env override not applied, got %q", got)
	}
	if got := GetString("server.name"); got != "live-7" {
		t.Errorf("env override not applied, got %q", got)
	}
}
