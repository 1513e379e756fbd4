package config

import (
	"os"
	"strconv"
	"time"

	"bridgehost/internal/domain"
)

// AgentConfig describes one platform's bridge agent as provisioned by
// the installer. Mode decides whether the supervisor owns the process.
type AgentConfig struct {
	Platform domain.Platform
	Mode     domain.AgentMode
	ExecPath string
	WorkDir  string
	LogPath  string
	Host     string
	Port     int
}

type Config struct {
	ListenAddr string

	ProxyPreferredPort int
	ProxyFallbackRange int
	ProxyAllowedOrigin string
	ProxyUpstreamBase  string
	ProxyCacheTTL      time.Duration

	StaleThreshold       time.Duration
	WatchdogInterval     time.Duration
	ReconnectMaxAttempts int

	AgentHealthInterval  time.Duration
	AgentHealthTimeout   time.Duration
	AgentStartupDelay    time.Duration
	AgentRestartDelay    time.Duration
	AgentMaxRestarts     int
	AgentShutdownTimeout time.Duration
	Agents               []AgentConfig

	StoreMode     string
	SessionsFile  string
	DatabaseURL   string
	CredentialKey string

	AdminUsername string
	AdminPassword string
	JWTSecret     string

	TelegramBotToken string
	TelegramChatID   string
}

func Load() Config {
	return Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":18081"),

		ProxyPreferredPort: getInt("PROXY_PREFERRED_PORT", 18082),
		ProxyFallbackRange: getInt("PROXY_FALLBACK_RANGE", 10),
		ProxyAllowedOrigin: getEnv("PROXY_ALLOWED_ORIGIN", "http://127.0.0.1:18081"),
		ProxyUpstreamBase:  getEnv("PROXY_UPSTREAM_BASE", "https://api.hedge-edge.example.com"),
		ProxyCacheTTL:      getDuration("PROXY_CACHE_TTL", 5*time.Minute),

		StaleThreshold:       getDuration("STALE_THRESHOLD", 15*time.Second),
		WatchdogInterval:     getDuration("WATCHDOG_INTERVAL", 5*time.Second),
		ReconnectMaxAttempts: getInt("RECONNECT_MAX_ATTEMPTS", 0),

		AgentHealthInterval:  getDuration("AGENT_HEALTH_INTERVAL", 30*time.Second),
		AgentHealthTimeout:   getDuration("AGENT_HEALTH_TIMEOUT", 3*time.Second),
		AgentStartupDelay:    getDuration("AGENT_STARTUP_DELAY", 2*time.Second),
		AgentRestartDelay:    getDuration("AGENT_RESTART_DELAY", 5*time.Second),
		AgentMaxRestarts:     getInt("AGENT_MAX_RESTARTS", 3),
		AgentShutdownTimeout: getDuration("AGENT_SHUTDOWN_TIMEOUT", 5*time.Second),
		Agents: []AgentConfig{
			loadAgent(domain.PlatformMT5, "MT5", 18090),
			loadAgent(domain.PlatformCTrader, "CTRADER", 18091),
		},

		StoreMode:     getEnv("STORE_MODE", "file"),
		SessionsFile:  getEnv("SESSIONS_FILE", "sessions.json"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		CredentialKey: getEnv("CREDENTIAL_KEY", ""),

		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", "change-me"),
		JWTSecret:     getEnv("JWT_SECRET", "change-this-secret"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

func loadAgent(platform domain.Platform, prefix string, defaultPort int) AgentConfig {
	mode := domain.AgentMode(getEnv(prefix+"_AGENT_MODE", string(domain.AgentModeNotConfigured)))
	switch mode {
	case domain.AgentModeBundled, domain.AgentModeExternal:
	default:
		mode = domain.AgentModeNotConfigured
	}
	return AgentConfig{
		Platform: platform,
		Mode:     mode,
		ExecPath: getEnv(prefix+"_AGENT_PATH", ""),
		WorkDir:  getEnv(prefix+"_AGENT_WORKDIR", ""),
		LogPath:  getEnv(prefix+"_AGENT_LOG", string(platform)+"-agent.log"),
		Host:     getEnv(prefix+"_AGENT_HOST", "127.0.0.1"),
		Port:     getInt(prefix+"_AGENT_PORT", defaultPort),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
