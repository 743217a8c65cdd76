package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port     string
	LogLevel string

	// Storage. DBDriver selects the backend: "sqlite" (default), "postgres"
	// (DatabaseURL required) or "memory".
	DBDriver     string
	DatabasePath string
	DatabaseURL  string

	JWTSecret         string
	AccessTokenExpiry time.Duration
	// Bcrypt hash of the admin key. When empty the admin endpoints and token
	// minting are disabled.
	AdminKeyHash string

	FlushInterval    time.Duration
	FlushQueueSize   int
	FlushMaxAttempts int
	BalanceCacheTTL  time.Duration
	DuplicateWindow  time.Duration

	// ReportingScope is the scope that always receives its own bank income and
	// the reporting-desk operations. Empty disables that routing.
	ReportingScope string
	ReportTag      string

	CurrencyDataPath string
	ScopeAliasPath   string

	// KafkaBrokers is a comma-separated broker list; empty disables the
	// batch-committed event stream.
	KafkaBrokers []string
	KafkaTopic   string

	CORSAllowedOrigin string
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	jwtSecret := getEnv("JWT_SECRET", "insecure-development-jwt-secret-change-me-32b")
	if jwtSecret == "insecure-development-jwt-secret-change-me-32b" {
		log.Println("WARNING: Using default insecure JWT_SECRET. Set JWT_SECRET environment variable for production.")
	}

	adminKeyHash := getEnv("ADMIN_KEY_HASH", "")
	if adminKeyHash == "" {
		log.Println("WARNING: ADMIN_KEY_HASH not set. Admin endpoints and token minting are disabled.")
	} else if !strings.HasPrefix(adminKeyHash, "$2") {
		log.Fatalf("FATAL: ADMIN_KEY_HASH must be a bcrypt hash (starts with $2...). Got a %d-byte value that is not one.", len(adminKeyHash))
	}

	queueSize := getEnvAsInt("FLUSH_QUEUE_SIZE", 256)
	if queueSize < 1 {
		log.Printf("WARNING: FLUSH_QUEUE_SIZE %d is not positive, using 256", queueSize)
		queueSize = 256
	}
	maxAttempts := getEnvAsInt("FLUSH_MAX_ATTEMPTS", 3)
	if maxAttempts < 1 {
		log.Printf("WARNING: FLUSH_MAX_ATTEMPTS %d is not positive, using 1", maxAttempts)
		maxAttempts = 1
	}

	var brokers []string
	if raw := getEnv("KAFKA_BROKERS", ""); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}

	Cfg = &AppConfig{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBDriver:     strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DatabasePath: getEnv("DATABASE_PATH", "./cashledger.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		JWTSecret:         jwtSecret,
		AccessTokenExpiry: getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 24*time.Hour),
		AdminKeyHash:      adminKeyHash,

		FlushInterval:    getEnvAsDuration("FLUSH_INTERVAL", 500*time.Millisecond),
		FlushQueueSize:   queueSize,
		FlushMaxAttempts: maxAttempts,
		BalanceCacheTTL:  getEnvAsDuration("BALANCE_CACHE_TTL", 5*time.Second),
		DuplicateWindow:  getEnvAsDuration("DUPLICATE_WINDOW", 24*time.Hour),

		ReportingScope: getEnv("REPORTING_SCOPE", ""),
		ReportTag:      getEnv("REPORT_TAG", "internal_report"),

		CurrencyDataPath: getEnv("CURRENCY_DATA_PATH", "data/currencies.json"),
		ScopeAliasPath:   getEnv("SCOPE_ALIAS_PATH", "data/scope_aliases.json"),

		KafkaBrokers: brokers,
		KafkaTopic:   getEnv("KAFKA_TOPIC", "ledger.commits"),

		CORSAllowedOrigin: getEnv("CORS_ALLOWED_ORIGIN", ""),
	}

	switch Cfg.DBDriver {
	case "sqlite", "memory":
	case "postgres":
		if Cfg.DatabaseURL == "" {
			log.Fatalf("FATAL: DATABASE_URL is required when DB_DRIVER is 'postgres', but it's not set in environment or .env file.")
		}
	default:
		log.Fatalf("FATAL: Unknown DB_DRIVER %q (expected sqlite, postgres or memory).", Cfg.DBDriver)
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, Driver=%s, FlushInterval=%s, QueueSize=%d",
		Cfg.Port, Cfg.LogLevel, Cfg.DBDriver, Cfg.FlushInterval, Cfg.FlushQueueSize)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}
