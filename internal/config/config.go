package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"salonnotif/internal/store/pg"
)

// Common is embedded by every binary's config.
type Common struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

// SQS holds queue settings shared by the api (producer) and the processor (consumer).
type SQS struct {
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSGroupBuckets    int    `envconfig:"SQS_GROUP_BUCKETS" default:"16"`
}

type APIConfig struct {
	Common
	SQS

	AltegioWebhookSecret string `envconfig:"ALTEGIO_WEBHOOK_SECRET" required:"true"`
	AdminToken           string `envconfig:"ADMIN_TOKEN"`
	TemplatesSeedFile    string `envconfig:"TEMPLATES_SEED_FILE"`
}

type ProcessorConfig struct {
	Common
	SQS

	SQSWaitTime   int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"4"`

	AltegioCompanyID int64   `envconfig:"ALTEGIO_COMPANY_ID" required:"true"`
	AltegioAPIBase   string  `envconfig:"ALTEGIO_API_BASE" default:"https://api.alteg.io"`
	AltegioAPIToken  string  `envconfig:"ALTEGIO_API_TOKEN"`
	AltegioRPS       float64 `envconfig:"ALTEGIO_RPS" default:"2"`
	DefaultLocale    string  `envconfig:"DEFAULT_LOCALE" default:"ru"`
}

type SchedulerConfig struct {
	Common

	SweepInterval   time.Duration `envconfig:"SWEEP_INTERVAL" default:"60s"`
	SweepBatchSize  int           `envconfig:"SWEEP_BATCH_SIZE" default:"200"`
	DisplayTimezone string        `envconfig:"DISPLAY_TIMEZONE" default:"UTC"`
}

type SenderConfig struct {
	Common

	SendInterval             time.Duration `envconfig:"SEND_INTERVAL" default:"30s"`
	SendIdleBackoff          time.Duration `envconfig:"SEND_IDLE_BACKOFF" default:"5s"`
	SendTimeout              time.Duration `envconfig:"SEND_TIMEOUT" default:"20s"`
	SendLeaseTimeout         time.Duration `envconfig:"SEND_LEASE_TIMEOUT" default:"5m"`
	RequireProviderMessageID bool          `envconfig:"REQUIRE_PROVIDER_MESSAGE_ID" default:"false"`
	BreakerFailures          uint32        `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerOpenFor           time.Duration `envconfig:"BREAKER_OPEN_FOR" default:"60s"`

	PacerBackend string `envconfig:"PACER_BACKEND" default:"postgres"`
	RedisURL     string `envconfig:"REDIS_URL"`

	MessagingProvider string `envconfig:"MESSAGING_PROVIDER" default:"whatsapp"`

	WhatsAppToken         string `envconfig:"WHATSAPP_TOKEN"`
	WhatsAppPhoneNumberID string `envconfig:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppAPIVersion    string `envconfig:"WHATSAPP_API_VERSION" default:"v20.0"`
	WhatsAppBaseURL       string `envconfig:"WHATSAPP_BASE_URL" default:"https://graph.facebook.com"`

	TwilioAccountSID          string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber          string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioMessagingServiceSID string `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
}

// loadDotenv reads .env into the environment when present. Real env vars win.
func loadDotenv() {
	_ = godotenv.Load()
}

func load(cfg any) {
	loadDotenv()
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	load(&cfg)
	return cfg
}

func LoadProcessor() ProcessorConfig {
	var cfg ProcessorConfig
	load(&cfg)
	return cfg
}

func LoadScheduler() SchedulerConfig {
	var cfg SchedulerConfig
	load(&cfg)
	return cfg
}

func LoadSender() SenderConfig {
	var cfg SenderConfig
	load(&cfg)
	return cfg
}

// PoolOptions maps the DB_POOL_* settings onto the pgx pool.
func (c Common) PoolOptions() pg.PoolOptions {
	return pg.PoolOptions{
		MaxConns:          c.DBPoolMaxConns,
		MinConns:          c.DBPoolMinConns,
		MaxConnLifetime:   c.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   c.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: c.DBPoolHealthCheckPeriod,
	}
}
