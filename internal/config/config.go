package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// PublicBaseURL is used to build referral links.
	PublicBaseURL string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ClickRatePerSecond and ClickBurst bound referral clicks per code and
	// client ip. Zero disables the limit.
	ClickRatePerSecond float64
	ClickBurst         int
	ReconcileLockTTL   time.Duration

	Provider ProviderConfig

	SchedulerInterval time.Duration
	SchedulerJobs     []string
	// PayoutDay is the day of month monthly affiliate payouts run on and
	// PayoutWeekday the weekday name weekly payouts run on.
	PayoutDay     int
	PayoutWeekday string

	MetricsPush MetricsPushConfig
}

// MetricsPushConfig configures pushing scheduler metrics to a remote
// collector. An empty exporter disables pushing.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

// ProviderConfig configures the connected-account payment provider.
type ProviderConfig struct {
	Name              string
	SecretKey         string
	WebhookSecret     string
	APIBaseURL        string
	DefaultCountry    string
	OnboardingRefresh string
	OnboardingReturn  string
	OnboardingLinkTTL time.Duration
	RequestTimeout    time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "connectpay"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "connectpay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       int(getenvInt64("REDIS_DB", 0)),

		ClickRatePerSecond: getenvFloat("REFERRAL_CLICK_RATE", 1),
		ClickBurst:         int(getenvInt64("REFERRAL_CLICK_BURST", 5)),
		ReconcileLockTTL:   getenvDuration("RECONCILE_LOCK_TTL", 2*time.Minute),

		Provider: ProviderConfig{
			Name:              strings.ToLower(getenv("PAYMENT_PROVIDER", "stripe")),
			SecretKey:         strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret:     strings.TrimSpace(getenv("STRIPE_CONNECT_WEBHOOK_SECRET", "")),
			APIBaseURL:        strings.TrimRight(getenv("STRIPE_API_BASE_URL", "https://api.stripe.com"), "/"),
			DefaultCountry:    strings.ToUpper(getenv("CONNECT_DEFAULT_COUNTRY", "US")),
			OnboardingRefresh: getenv("CONNECT_ONBOARDING_REFRESH_URL", "http://localhost:3000/onboarding/refresh"),
			OnboardingReturn:  getenv("CONNECT_ONBOARDING_RETURN_URL", "http://localhost:3000/onboarding/complete"),
			OnboardingLinkTTL: getenvDuration("CONNECT_ONBOARDING_LINK_TTL", 5*time.Minute),
			RequestTimeout:    getenvDuration("PROVIDER_REQUEST_TIMEOUT", 12*time.Second),
		},

		SchedulerInterval: getenvDuration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerJobs:     parseList(getenv("SCHEDULER_JOBS", "")),
		PayoutDay:         int(getenvInt64("AFFILIATE_PAYOUT_DAY", 1)),
		PayoutWeekday:     strings.ToLower(strings.TrimSpace(getenv("AFFILIATE_PAYOUT_WEEKDAY", "monday"))),

		MetricsPush: MetricsPushConfig{
			Exporter:  strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
