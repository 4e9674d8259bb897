package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var allKeys = []string{
	"CONFIG_FILE", "APP_ENV", "LOG_LEVEL", "HTTP_ADDR", "SQLITE_PATH", "DB_DSN",
	"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME",
	"MQTT_BROKER", "MQTT_PORT", "MQTT_CLIENT_ID", "MQTT_TOPIC_PREFIX",
	"BLE_ADAPTER", "BLE_COMPANY_ID", "BLE_LOCAL_NAME", "BLE_CONNECT_TIMEOUT", "LIVE_PUBLISH_INTERVAL",
	"DOWNLOAD_CHUNK_SIZE", "DOWNLOAD_MAX_RETRIES", "DOWNLOAD_CHUNK_TIMEOUT", "DOWNLOAD_CHUNK_DELAY",
	"DOWNLOAD_DEVICES", "DOWNLOAD_SCHEDULE", "DATA_RETENTION_DAYS",
	"INFLUX_URL", "INFLUX_TOKEN", "INFLUX_ORG", "INFLUX_BUCKET",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}

	if got.AppEnv != "dev" {
		t.Errorf("AppEnv = %q, want %q", got.AppEnv, "dev")
	}
	if got.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", got.LogLevel, slog.LevelInfo)
	}
	if got.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", got.HTTPAddr, ":8080")
	}
	if got.BLECompanyID != 0x07D7 {
		t.Errorf("BLECompanyID = 0x%04X, want 0x07D7", got.BLECompanyID)
	}
	if got.ChunkSize != 100 || got.MaxRetries != 3 || got.ChunkTimeout != 5*time.Second || got.ChunkDelay != 50*time.Millisecond {
		t.Errorf("download settings = %d/%d/%v/%v, want 100/3/5s/50ms", got.ChunkSize, got.MaxRetries, got.ChunkTimeout, got.ChunkDelay)
	}
	if got.MQTTTopicPrefix != "loggers" {
		t.Errorf("MQTTTopicPrefix = %q, want %q", got.MQTTTopicPrefix, "loggers")
	}
	if got.InfluxEnabled() {
		t.Error("InfluxEnabled() = true, want false")
	}
	if len(got.DownloadDevices) != 0 {
		t.Errorf("DownloadDevices = %v, want empty", got.DownloadDevices)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", " debug ")
	t.Setenv("BLE_COMPANY_ID", "2007")
	t.Setenv("DOWNLOAD_CHUNK_SIZE", "50")
	t.Setenv("DOWNLOAD_DEVICES", "aa:bb:cc:dd:ee:ff, 11:22:33:44:55:66 ,")
	t.Setenv("MQTT_TOPIC_PREFIX", "/site/a/")
	t.Setenv("DATA_RETENTION_DAYS", "30")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}
	if got.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", got.LogLevel)
	}
	if got.BLECompanyID != 2007 {
		t.Errorf("BLECompanyID = %d, want 2007", got.BLECompanyID)
	}
	if got.ChunkSize != 50 {
		t.Errorf("ChunkSize = %d, want 50", got.ChunkSize)
	}
	want := []string{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66"}
	if len(got.DownloadDevices) != 2 || got.DownloadDevices[0] != want[0] || got.DownloadDevices[1] != want[1] {
		t.Errorf("DownloadDevices = %v, want %v", got.DownloadDevices, want)
	}
	if got.MQTTTopicPrefix != "site/a" {
		t.Errorf("MQTTTopicPrefix = %q, want %q", got.MQTTTopicPrefix, "site/a")
	}
	if got.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", got.RetentionDays)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "app env", key: "APP_ENV", value: "staging"},
		{name: "log level", key: "LOG_LEVEL", value: "verbose"},
		{name: "mqtt port", key: "MQTT_PORT", value: "abc"},
		{name: "company id", key: "BLE_COMPANY_ID", value: "0x1FFFF"},
		{name: "zero chunk", key: "DOWNLOAD_CHUNK_SIZE", value: "0"},
		{name: "huge chunk", key: "DOWNLOAD_CHUNK_SIZE", value: "70000"},
		{name: "retries", key: "DOWNLOAD_MAX_RETRIES", value: "300"},
		{name: "zero timeout", key: "DOWNLOAD_CHUNK_TIMEOUT", value: "0s"},
		{name: "negative delay", key: "DOWNLOAD_CHUNK_DELAY", value: "-1ms"},
		{name: "bad schedule", key: "DOWNLOAD_SCHEDULE", value: "daily"},
		{name: "negative retention", key: "DATA_RETENTION_DAYS", value: "-1"},
		{name: "influx without token", key: "INFLUX_URL", value: "http://localhost:8086"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("LoadFromEnv() error = nil, want non-nil")
			}
		})
	}
}

func TestLoadFromEnv_ConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	data := "HTTP_ADDR: \":9090\"\nMQTT_BROKER: broker.lan\nDOWNLOAD_SCHEDULE: 1h\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MQTT_BROKER", "override.lan")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}
	if got.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", got.HTTPAddr, ":9090")
	}
	if got.MQTTBroker != "override.lan" {
		t.Errorf("MQTTBroker = %q, want env value", got.MQTTBroker)
	}
	if got.DownloadSchedule != time.Hour {
		t.Errorf("DownloadSchedule = %v, want 1h", got.DownloadSchedule)
	}

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadFromEnv(); err == nil {
		t.Error("missing CONFIG_FILE: error = nil, want non-nil")
	}
}

func TestLoadDotEnv_Missing(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := LoadDotEnv(); err != nil {
		t.Fatalf("LoadDotEnv() without .env = %v, want nil", err)
	}
}
