package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds process configuration loaded from the environment.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	Stripe    StripeConfig
	Email     EmailConfig
	Alert     AlertConfig
	AWSRegion string

	ReconcileConfigPath string
	MigrateOnStart      bool
	Operators           []OperatorToken
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a shared Redis is configured for pacing processor calls.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type StripeConfig struct {
	LiveSecretKey string
	TestSecretKey string
	DefaultMode   string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	OrgName      string
	OrgEmail     string
}

func (c EmailConfig) Enabled() bool {
	return strings.TrimSpace(c.SMTPHost) != ""
}

type AlertConfig struct {
	WebhookURL string
	Channel    string
}

// OperatorToken binds an operator name and role to an argon2id hash of their bearer token.
type OperatorToken struct {
	Name string
	Role string
	Hash string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "donorrecon"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "donorrecon.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 10),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Stripe: StripeConfig{
			LiveSecretKey: strings.TrimSpace(getenv("STRIPE_SECRET_KEY_LIVE", "")),
			TestSecretKey: strings.TrimSpace(getenv("STRIPE_SECRET_KEY_TEST", "")),
			DefaultMode:   strings.ToLower(getenv("STRIPE_DEFAULT_MODE", "live")),
		},
		Email: EmailConfig{
			SMTPHost:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "receipts@example.org"),
			OrgName:      getenv("ORG_NAME", "Donor Services"),
			OrgEmail:     getenv("ORG_EMAIL", "donors@example.org"),
		},
		Alert: AlertConfig{
			WebhookURL: strings.TrimSpace(getenv("ALERT_WEBHOOK_URL", "")),
			Channel:    getenv("ALERT_CHANNEL", "#payments-alerts"),
		},
		AWSRegion:           getenv("AWS_REGION", "us-east-1"),
		ReconcileConfigPath: strings.TrimSpace(getenv("RECONCILE_CONFIG_PATH", "")),
		MigrateOnStart:      getenvBool("MIGRATE_ON_START", true),
		Operators:           parseOperatorTokens(getenv("OPERATOR_TOKENS", "")),
	}
}

var Module = fx.Module("config",
	fx.Provide(
		Load,
		NewReconcileConfigHolder,
	),
)

// parseOperatorTokens reads "name:role:hash" entries separated by "|".
func parseOperatorTokens(raw string) []OperatorToken {
	entries := strings.Split(raw, "|")
	out := make([]OperatorToken, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			continue
		}
		token := OperatorToken{
			Name: strings.TrimSpace(parts[0]),
			Role: strings.ToLower(strings.TrimSpace(parts[1])),
			Hash: strings.TrimSpace(parts[2]),
		}
		if token.Name == "" || token.Role == "" || token.Hash == "" {
			continue
		}
		out = append(out, token)
	}
	return out
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

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
