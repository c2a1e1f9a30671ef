package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App       App       `yaml:"app"`
	HTTP      HTTP      `yaml:"http"`
	Admin     Admin     `yaml:"admin"`
	Log       Log       `yaml:"log"`
	Postgres  Postgres  `yaml:"postgres"`
	Redis     Redis     `yaml:"redis"`
	Stream    Stream    `yaml:"stream"`
	Worker    Worker    `yaml:"worker"`
	Reclaim   Reclaim   `yaml:"reclaim"`
	Delivery  Delivery  `yaml:"delivery"`
	Facebook  Facebook  `yaml:"facebook"`
	GA4       GA4       `yaml:"ga4"`
	Retrofeed Retrofeed `yaml:"retrofeed"`
	Kafka     Kafka     `yaml:"kafka"`
	Crypto    Crypto    `yaml:"crypto"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"typebot-conect"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

type Admin struct {
	Port  string `yaml:"port" env:"ADMIN_PORT" env-default:"8090"`
	Token string `yaml:"token" env:"ADMIN_TOKEN" env-default:""`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// SlogLevel maps the configured name to a slog level, defaulting to
// info on anything unrecognized.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type Postgres struct {
	// URL wins over the discrete fields when set.
	URL      string `yaml:"url" env:"DATABASE_URL" env-default:""`
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"leads_db"`
}

type Redis struct {
	// URL wins over Addr when set (redis://[:password@]host:port/db).
	URL      string `yaml:"url" env:"REDIS_URL" env-default:""`
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Stream struct {
	Name     string `yaml:"name" env:"REDIS_STREAM" env-default:"buyers_stream"`
	Group    string `yaml:"group" env:"REDIS_GROUP" env-default:"botb_group"`
	Consumer string `yaml:"consumer" env:"REDIS_CONSUMER" env-default:""`
}

// ConsumerName resolves the consumer identity, defaulting to a
// per-process name so parallel workers never share pending entries.
func (s Stream) ConsumerName() string {
	if s.Consumer != "" {
		return s.Consumer
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

type Worker struct {
	Concurrency      int    `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"10"`
	ReadCount        int    `yaml:"read_count" env:"WORKER_READ_COUNT" env-default:"20"`
	ReadBlockMS      int    `yaml:"read_block_ms" env:"WORKER_READ_BLOCK_MS" env-default:"5000"`
	QueueFactor      int    `yaml:"queue_factor" env:"WORKER_QUEUE_FACTOR" env-default:"2"`
	ShutdownGraceSec int    `yaml:"shutdown_grace_sec" env:"WORKER_SHUTDOWN_GRACE_SEC" env-default:"10"`
	MetricsPort      string `yaml:"metrics_port" env:"WORKER_METRICS_PORT" env-default:"9093"`
}

type Reclaim struct {
	MinIdleMS   int `yaml:"min_idle_ms" env:"AUTOCLAIM_MIN_IDLE_MS" env-default:"60000"`
	Batch       int `yaml:"batch" env:"AUTOCLAIM_BATCH" env-default:"50"`
	IntervalSec int `yaml:"interval_sec" env:"AUTOCLAIM_INTERVAL" env-default:"30"`
}

type Delivery struct {
	HTTPTimeoutSec  int     `yaml:"http_timeout_sec" env:"HTTP_TIMEOUT_SEC" env-default:"20"`
	RetryMax        int     `yaml:"retry_max" env:"SEND_RETRY_MAX" env-default:"5"`
	RetryBase       float64 `yaml:"retry_base" env:"SEND_RETRY_BASE" env-default:"1.5"`
	EventIDSalt     string  `yaml:"event_id_salt" env:"EVENT_ID_SALT" env-default:"change_me"`
	SendLeadOn      string  `yaml:"send_lead_on" env:"SEND_LEAD_ON" env-default:"botb"`
	SendSubscribeOn string  `yaml:"send_subscribe_on" env:"SEND_SUBSCRIBE_ON" env-default:"vip"`
}

type Facebook struct {
	APIVersion        string `yaml:"api_version" env:"FB_API_VERSION" env-default:"v20.0"`
	PixelID           string `yaml:"pixel_id" env:"FB_PIXEL_ID" env-default:""`
	AccessToken       string `yaml:"access_token" env:"FB_ACCESS_TOKEN" env-default:""`
	TestEventCode     string `yaml:"test_event_code" env:"FB_TEST_EVENT_CODE" env-default:""`
	RetryMax          int    `yaml:"retry_max" env:"FB_RETRY_MAX" env-default:"3"`
	ActionSource      string `yaml:"action_source" env:"FB_ACTION_SOURCE" env-default:"website"`
	DropOlderThanDays int    `yaml:"drop_older_than_days" env:"FB_DROP_OLDER_THAN_DAYS" env-default:"7"`
	AutoSubscribe     bool   `yaml:"auto_subscribe_from_lead" env:"FB_AUTO_SUBSCRIBE_FROM_LEAD" env-default:"true"`
}

type GA4 struct {
	MeasurementID  string `yaml:"measurement_id" env:"GA4_MEASUREMENT_ID" env-default:""`
	APISecret      string `yaml:"api_secret" env:"GA4_API_SECRET" env-default:""`
	RetryMax       int    `yaml:"retry_max" env:"GA_RETRY_MAX" env-default:"3"`
	ClientIDPrefix string `yaml:"client_id_prefix" env:"GA4_CLIENT_ID_FALLBACK_PREFIX" env-default:"tlgrm-"`
}

type Retrofeed struct {
	Batch           int `yaml:"batch" env:"RETROFEED_BATCH" env-default:"100"`
	RetryMax        int `yaml:"retry_max" env:"RETROFEED_RETRY_MAX" env-default:"3"`
	LoopIntervalSec int `yaml:"loop_interval_sec" env:"RETROFEED_LOOP_INTERVAL" env-default:"300"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:""`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"lead-outcomes"`
}

type Crypto struct {
	Key string `yaml:"key" env:"CRYPTO_KEY" env-default:""`
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		cleanenv.ReadEnv(cfg)
	}

	return cfg, nil
}
