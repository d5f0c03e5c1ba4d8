package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const settingsFile = "config/creditd.ini"

// Config describes runtime options for the daemon and the admin CLI.
type Config struct {
	ListenAddr string
	AdminToken string

	LogFile  string
	LogLevel string

	// Store selection: "sqlite" (default) or "postgres".
	StoreBackend string
	LedgerPath   string
	PostgresDSN  string
	// Postgres pool tuning; zero values keep the driver defaults.
	PostgresMaxOpen         int
	PostgresMaxIdle         int
	PostgresLifetimeMinutes int
	PostgresIdleMinutes     int

	// Rate limiter budget for store/provider calls.
	WindowLimit   int
	Window        time.Duration
	PacingDelay   time.Duration
	MaxQueueDepth int

	// Cache TTLs.
	BalanceTTL         time.Duration
	HistoryTTL         time.Duration
	KeyTTL             time.Duration
	CacheSweepInterval time.Duration

	// Retry schedule for flaky collaborators.
	RetryMaxRetries int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMaxJitter  time.Duration

	PricingPath string

	// Legacy provider used by migration; empty disables it.
	ProviderBaseURL string
	ProviderToken   string

	WelcomeBonusCents   int64
	DefaultBalanceCents int64

	// AuditInterval schedules background reconciliation; 0 disables it.
	AuditInterval time.Duration
}

// Load reads config/creditd.ini under root (missing file is fine) and applies
// CREDITD_* environment overrides.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	values, err := parseINI(filepath.Join(root, settingsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			values = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	cfg := Config{
		ListenAddr: firstNonEmpty(os.Getenv("CREDITD_LISTEN_ADDR"), values["listen_addr"], ":8090"),
		AdminToken: firstNonEmpty(os.Getenv("CREDITD_ADMIN_TOKEN"), values["admin_token"]),

		LogFile:  firstNonEmpty(os.Getenv("CREDITD_LOG_FILE"), values["log_file"], "logs/creditd.log"),
		LogLevel: firstNonEmpty(os.Getenv("CREDITD_LOG_LEVEL"), values["log_level"], "info"),

		StoreBackend: strings.ToLower(firstNonEmpty(os.Getenv("CREDITD_STORE_BACKEND"), values["store_backend"], "sqlite")),
		LedgerPath:   firstNonEmpty(os.Getenv("CREDITD_LEDGER_PATH"), values["ledger_path"], filepath.Join("data", "ledger.db")),
		PostgresDSN:  firstNonEmpty(os.Getenv("CREDITD_POSTGRES_DSN"), values["postgres_dsn"]),

		PostgresMaxOpen:         parseOptionalInt(firstNonEmpty(os.Getenv("CREDITD_POSTGRES_MAX_OPEN"), values["postgres_max_open"]), 20),
		PostgresMaxIdle:         parseOptionalInt(firstNonEmpty(os.Getenv("CREDITD_POSTGRES_MAX_IDLE"), values["postgres_max_idle"]), 10),
		PostgresLifetimeMinutes: parseOptionalInt(values["postgres_conn_lifetime_minutes"], 30),
		PostgresIdleMinutes:     parseOptionalInt(values["postgres_conn_idle_minutes"], 5),

		WindowLimit:   parseOptionalInt(firstNonEmpty(os.Getenv("CREDITD_WINDOW_LIMIT"), values["window_limit"]), 80),
		Window:        parseOptionalDuration(firstNonEmpty(os.Getenv("CREDITD_WINDOW"), values["window"]), 60*time.Second),
		PacingDelay:   parseOptionalDuration(firstNonEmpty(os.Getenv("CREDITD_PACING_DELAY"), values["pacing_delay"]), 100*time.Millisecond),
		MaxQueueDepth: parseOptionalInt(values["max_queue_depth"], 1000),

		BalanceTTL:         parseOptionalDuration(firstNonEmpty(os.Getenv("CREDITD_BALANCE_TTL"), values["balance_ttl"]), 2*time.Minute),
		HistoryTTL:         parseOptionalDuration(values["history_ttl"], time.Minute),
		KeyTTL:             parseOptionalDuration(firstNonEmpty(os.Getenv("CREDITD_KEY_TTL"), values["key_ttl"]), 10*time.Minute),
		CacheSweepInterval: parseOptionalDuration(values["cache_sweep_interval"], time.Minute),

		RetryMaxRetries: parseOptionalInt(firstNonEmpty(os.Getenv("CREDITD_RETRY_MAX"), values["retry_max_retries"]), 3),
		RetryBaseDelay:  parseOptionalDuration(values["retry_base_delay"], time.Second),
		RetryMaxDelay:   parseOptionalDuration(values["retry_max_delay"], 12*time.Second),
		RetryMaxJitter:  parseOptionalDuration(values["retry_max_jitter"], 500*time.Millisecond),

		PricingPath: firstNonEmpty(os.Getenv("CREDITD_PRICING_PATH"), values["pricing_path"], filepath.Join("config", "pricing.yaml")),

		ProviderBaseURL: firstNonEmpty(os.Getenv("CREDITD_PROVIDER_BASE_URL"), values["provider_base_url"]),
		ProviderToken:   firstNonEmpty(os.Getenv("CREDITD_PROVIDER_TOKEN"), values["provider_token"]),

		WelcomeBonusCents:   parseOptionalInt64(firstNonEmpty(os.Getenv("CREDITD_WELCOME_BONUS_CENTS"), values["welcome_bonus_cents"]), 2000),
		DefaultBalanceCents: parseOptionalInt64(firstNonEmpty(os.Getenv("CREDITD_DEFAULT_BALANCE_CENTS"), values["default_balance_cents"]), 0),

		AuditInterval: parseOptionalDuration(firstNonEmpty(os.Getenv("CREDITD_AUDIT_INTERVAL"), values["audit_interval"]), 0),
	}

	switch cfg.StoreBackend {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid store_backend %q (want sqlite or postgres)", cfg.StoreBackend)
	}
	if cfg.StoreBackend == "postgres" && cfg.PostgresDSN == "" {
		return Config{}, errors.New("store_backend postgres requires postgres_dsn")
	}
	return cfg, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalInt64(v string, fallback int64) int64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
