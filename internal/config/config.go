package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	Path            string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	BLEAdapter          string
	BLECompanyID        uint16
	BLELocalName        string
	BLEConnectTimeout   time.Duration
	LivePublishInterval time.Duration

	ChunkSize    uint16
	MaxRetries   uint8
	ChunkTimeout time.Duration
	ChunkDelay   time.Duration

	// DownloadDevices are the BLE addresses the scheduler downloads from.
	DownloadDevices  []string
	DownloadSchedule time.Duration
	RetentionDays    int

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// InfluxEnabled reports whether an InfluxDB sink is configured.
func (c Config) InfluxEnabled() bool { return c.InfluxURL != "" }

// LoadDotEnv loads .env from the working directory when present. Real
// environment variables win.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// env resolves variables from the process environment, falling back to the
// YAML file named by CONFIG_FILE.
type env struct {
	file map[string]string
}

func (e env) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(e.file[key])
}

func (e env) str(key, def string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return def
}

func (e env) integer(key string, def int) (int, error) {
	s := e.str(key, strconv.Itoa(def))
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func (e env) duration(key, def string) (time.Duration, error) {
	s := e.str(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func (e env) positive(key, def string) (time.Duration, error) {
	d, err := e.duration(key, def)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CONFIG_FILE %q: %w", path, err)
	}
	m := map[string]string{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode CONFIG_FILE %q: %w", path, err)
	}
	return m, nil
}

func LoadFromEnv() (Config, error) {
	var e env
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		m, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		e.file = m
	}

	appEnv := e.str("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(e.str("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:          appEnv,
		LogLevel:        level,
		HTTPAddr:        e.str("HTTP_ADDR", ":8080"),
		Path:            e.str("SQLITE_PATH", "data/thlogger.db"),
		DSN:             e.get("DB_DSN"),
		MQTTBroker:      e.str("MQTT_BROKER", "localhost"),
		MQTTClientID:    e.str("MQTT_CLIENT_ID", "thlogger-gateway"),
		MQTTTopicPrefix: strings.Trim(e.str("MQTT_TOPIC_PREFIX", "loggers"), "/"),
		BLEAdapter:      e.str("BLE_ADAPTER", "hci0"),
		BLELocalName:    e.get("BLE_LOCAL_NAME"),
		InfluxURL:       e.get("INFLUX_URL"),
		InfluxToken:     e.get("INFLUX_TOKEN"),
		InfluxOrg:       e.get("INFLUX_ORG"),
		InfluxBucket:    e.str("INFLUX_BUCKET", "thlogger"),
	}

	if cfg.MaxOpenConns, err = e.integer("DB_MAX_OPEN_CONNS", 1); err != nil {
		return Config{}, err
	}
	if cfg.MaxIdleConns, err = e.integer("DB_MAX_IDLE_CONNS", 1); err != nil {
		return Config{}, err
	}
	if cfg.ConnMaxLifetime, err = e.duration("DB_CONN_MAX_LIFETIME", "0s"); err != nil {
		return Config{}, err
	}
	if cfg.MQTTPort, err = e.integer("MQTT_PORT", 1883); err != nil {
		return Config{}, err
	}

	companyStr := e.str("BLE_COMPANY_ID", "0x07D7")
	company, err := strconv.ParseUint(companyStr, 0, 16)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BLE_COMPANY_ID %q: %w", companyStr, err)
	}
	cfg.BLECompanyID = uint16(company)

	if cfg.BLEConnectTimeout, err = e.positive("BLE_CONNECT_TIMEOUT", "5s"); err != nil {
		return Config{}, err
	}
	if cfg.LivePublishInterval, err = e.duration("LIVE_PUBLISH_INTERVAL", "10s"); err != nil {
		return Config{}, err
	}

	chunkStr := e.str("DOWNLOAD_CHUNK_SIZE", "100")
	chunk, err := strconv.ParseUint(chunkStr, 10, 16)
	if err != nil || chunk == 0 {
		return Config{}, fmt.Errorf("invalid DOWNLOAD_CHUNK_SIZE %q (allowed: 1..65535)", chunkStr)
	}
	cfg.ChunkSize = uint16(chunk)

	retriesStr := e.str("DOWNLOAD_MAX_RETRIES", "3")
	retries, err := strconv.ParseUint(retriesStr, 10, 8)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DOWNLOAD_MAX_RETRIES %q: %w", retriesStr, err)
	}
	cfg.MaxRetries = uint8(retries)

	if cfg.ChunkTimeout, err = e.positive("DOWNLOAD_CHUNK_TIMEOUT", "5s"); err != nil {
		return Config{}, err
	}
	if cfg.ChunkDelay, err = e.duration("DOWNLOAD_CHUNK_DELAY", "50ms"); err != nil {
		return Config{}, err
	}
	if cfg.ChunkDelay < 0 {
		return Config{}, fmt.Errorf("DOWNLOAD_CHUNK_DELAY must not be negative, got %v", cfg.ChunkDelay)
	}

	for _, d := range strings.Split(e.get("DOWNLOAD_DEVICES"), ",") {
		if d = strings.ToUpper(strings.TrimSpace(d)); d != "" {
			cfg.DownloadDevices = append(cfg.DownloadDevices, d)
		}
	}
	if cfg.DownloadSchedule, err = e.duration("DOWNLOAD_SCHEDULE", "0s"); err != nil {
		return Config{}, err
	}
	if cfg.RetentionDays, err = e.integer("DATA_RETENTION_DAYS", 0); err != nil {
		return Config{}, err
	}
	if cfg.RetentionDays < 0 {
		return Config{}, fmt.Errorf("DATA_RETENTION_DAYS must not be negative, got %d", cfg.RetentionDays)
	}

	if cfg.InfluxURL != "" && (cfg.InfluxToken == "" || cfg.InfluxOrg == "") {
		return Config{}, fmt.Errorf("INFLUX_URL set but INFLUX_TOKEN or INFLUX_ORG missing")
	}

	return cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
