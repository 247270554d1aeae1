package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type RelayConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Delivery timings
	WaitResponseTimeout       time.Duration `envconfig:"WAIT_RESPONSE_TIMEOUT" default:"60s"`
	SendMessagePeriod         time.Duration `envconfig:"SEND_MESSAGE_PERIOD" default:"5s"`
	CheckInterval             time.Duration `envconfig:"CHECK_INTERVAL" default:"60s"`
	CollectorPeriod           time.Duration `envconfig:"COLLECTOR_PERIOD" default:"10m"`
	RetryMaxConcurrentDevices int           `envconfig:"RETRY_MAX_CONCURRENT_DEVICES" default:"0"`

	// Store
	StoreDriver       string        `envconfig:"STORE_DRIVER" default:"postgres"`
	DBDSN             string        `envconfig:"DB_DSN"`
	DBMaxConns        int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBMinConns        int32         `envconfig:"DB_POOL_MIN_CONNS" default:"1"`
	DBMaxConnLifetime time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBMaxConnIdleTime time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBAutoMigrate     bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`

	// MQTT
	MQTTMode           string        `envconfig:"MQTT_MODE" default:"client"`
	MQTTBrokerURL      string        `envconfig:"MQTT_BROKER_URL" default:"tcp://localhost:1883"`
	MQTTUsername       string        `envconfig:"MQTT_USERNAME"`
	MQTTPassword       string        `envconfig:"MQTT_PASSWORD"`
	MQTTQoS            byte          `envconfig:"MQTT_QOS" default:"1"`
	MQTTSSLInsecure    bool          `envconfig:"MQTT_SSL_INSECURE" default:"false"`
	MQTTCAFile         string        `envconfig:"MQTT_CA_FILE"`
	MQTTClientIDPrefix string        `envconfig:"MQTT_CLIENT_ID_PREFIX" default:"duster"`
	MQTTConnectTimeout time.Duration `envconfig:"MQTT_CONNECT_TIMEOUT" default:"10s"`
	MQTTPublishTimeout time.Duration `envconfig:"MQTT_PUBLISH_TIMEOUT" default:"5s"`
	MQTTListenAddr     string        `envconfig:"MQTT_LISTEN_ADDR" default:":1883"`
	MQTTTLSCertFile    string        `envconfig:"MQTT_TLS_CERT_FILE"`
	MQTTTLSKeyFile     string        `envconfig:"MQTT_TLS_KEY_FILE"`
	InboxSize          int           `envconfig:"INBOX_SIZE" default:"1024"`
	InboxWorkers       int           `envconfig:"INBOX_WORKERS" default:"8"`

	// Outbound protection
	PublishRPS         float64       `envconfig:"PUBLISH_RPS" default:"0"`
	PublishBurst       int           `envconfig:"PUBLISH_BURST" default:"10"`
	BreakerMaxFailures uint32        `envconfig:"BREAKER_MAX_FAILURES" default:"10"`
	BreakerOpenTimeout time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"20s"`

	// Rate limiter backend
	RateLimitBackend string `envconfig:"RATE_LIMIT_BACKEND" default:"memory"`
	RedisAddr        string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword    string `envconfig:"REDIS_PASSWORD"`
	RedisDB          int    `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix   string `envconfig:"REDIS_KEY_PREFIX" default:"duster:ratelimit:"`

	// AWS / SQS delivery events
	EventsQueueURL     string `envconfig:"EVENTS_QUEUE_URL"`
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

// Validate rejects combinations envconfig cannot express.
func (c RelayConfig) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required with STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.MQTTMode {
	case "client", "embedded":
	default:
		return fmt.Errorf("unknown MQTT_MODE %q", c.MQTTMode)
	}
	switch c.RateLimitBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}
	if c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}
	if c.SendMessagePeriod <= 0 || c.CheckInterval <= 0 || c.CollectorPeriod <= 0 {
		return fmt.Errorf("SEND_MESSAGE_PERIOD, CHECK_INTERVAL and COLLECTOR_PERIOD must be positive")
	}
	if c.InboxSize <= 0 || c.InboxWorkers <= 0 {
		return fmt.Errorf("INBOX_SIZE and INBOX_WORKERS must be positive")
	}
	return nil
}

type DeviceConfig struct {
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	MQTTBrokerURL   string `envconfig:"MQTT_BROKER_URL" default:"tcp://localhost:1883"`
	MQTTUsername    string `envconfig:"MQTT_USERNAME"`
	MQTTPassword    string `envconfig:"MQTT_PASSWORD"`
	MQTTQoS         byte   `envconfig:"MQTT_QOS" default:"1"`
	MQTTSSLInsecure bool   `envconfig:"MQTT_SSL_INSECURE" default:"false"`

	AckDelay time.Duration `envconfig:"MOCK_ACK_DELAY" default:"200ms"`
	DropRate float64       `envconfig:"MOCK_DROP_RATE" default:"0"`
}

type MigrateConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

// EventsConfig is used by the events tail command.
type EventsConfig struct {
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	EventsQueueURL     string `envconfig:"EVENTS_QUEUE_URL" required:"true"`
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"30"`
	Concurrency        int    `envconfig:"EVENTS_CONCURRENCY" default:"4"`
}

func LoadRelay() RelayConfig {
	var cfg RelayConfig
	load(&cfg)
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// Validate catches required values that are set but empty; envconfig only
// rejects unset ones.
func (c MigrateConfig) Validate() error {
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("DB_DSN must not be empty")
	}
	return nil
}

func (c EventsConfig) Validate() error {
	if strings.TrimSpace(c.EventsQueueURL) == "" {
		return fmt.Errorf("EVENTS_QUEUE_URL must not be empty")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("EVENTS_CONCURRENCY must be positive")
	}
	return nil
}

func LoadMigrate() MigrateConfig {
	var cfg MigrateConfig
	load(&cfg)
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadEvents() EventsConfig {
	var cfg EventsConfig
	load(&cfg)
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadDevice() DeviceConfig {
	var cfg DeviceConfig
	load(&cfg)
	return cfg
}

// load reads a local .env file when present, then the environment.
func load(cfg any) {
	_ = godotenv.Load()
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}
