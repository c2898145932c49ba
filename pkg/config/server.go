package config

import "time"

// ServerConfig holds runtime configuration for the orchestrator daemon.
type ServerConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string
	JournalDir    string

	JWTSecret         string
	AdminPasswordHash string
	SessionTTL        time.Duration

	MaxRetries          int
	RollbackEnabled     bool
	AttemptTimeout      time.Duration
	RollbackGracePeriod time.Duration

	HealthTimeout         time.Duration
	HealthInitialInterval time.Duration
	HealthMaxInterval     time.Duration
	HealthConsecutiveOK   int
	HealthProbeTimeout    time.Duration

	NotifyRetryDelay time.Duration
	NotifyTimeout    time.Duration
	NotifyAuthToken  string
	NotifyWebhookURL string
	NotifyChatURL    string
	NotifySMSURL     string
	SMTPAddr         string
	SMTPFrom         string
	SMTPTo           string
	SMTPUser         string
	SMTPPassword     string

	DockerHost        string
	ContainerPort     int
	StaticRoot        string
	DependencyInstall string
	BuildCacheDir     string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4600"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://selfheal:selfheal@db:5432/selfheal?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JournalDir:    GetString("JOURNAL_DIR", "./journal"),

		JWTSecret:         GetString("JWT_SECRET", "supersecuresecret"),
		AdminPasswordHash: GetString("ADMIN_PASSWORD_HASH", ""),
		SessionTTL:        time.Duration(GetInt("SESSION_TTL_MIN", 60)) * time.Minute,

		MaxRetries:          GetInt("MAX_RETRIES", 3),
		RollbackEnabled:     GetBool("ROLLBACK_ENABLED", true),
		AttemptTimeout:      time.Duration(GetInt("ATTEMPT_TIMEOUT_MIN", 15)) * time.Minute,
		RollbackGracePeriod: time.Duration(GetInt("ROLLBACK_GRACE_SECONDS", 300)) * time.Second,

		HealthTimeout:         GetMillis("HEALTH_TIMEOUT_MS", 120*time.Second),
		HealthInitialInterval: GetMillis("HEALTH_INITIAL_INTERVAL_MS", 2*time.Second),
		HealthMaxInterval:     GetMillis("HEALTH_MAX_INTERVAL_MS", 30*time.Second),
		HealthConsecutiveOK:   GetInt("HEALTH_CONSECUTIVE_OK", 2),
		HealthProbeTimeout:    GetMillis("HEALTH_PROBE_TIMEOUT_MS", 5*time.Second),

		NotifyRetryDelay: GetMillis("NOTIFY_RETRY_DELAY_MS", 3*time.Second),
		NotifyTimeout:    GetMillis("NOTIFY_TIMEOUT_MS", 10*time.Second),
		NotifyAuthToken:  GetString("NOTIFY_AUTH_TOKEN", ""),
		NotifyWebhookURL: GetString("NOTIFY_WEBHOOK_URL", ""),
		NotifyChatURL:    GetString("NOTIFY_CHAT_URL", ""),
		NotifySMSURL:     GetString("NOTIFY_SMS_URL", ""),
		SMTPAddr:         GetString("NOTIFY_SMTP_ADDR", ""),
		SMTPFrom:         GetString("NOTIFY_SMTP_FROM", ""),
		SMTPTo:           GetString("NOTIFY_SMTP_TO", ""),
		SMTPUser:         GetString("NOTIFY_SMTP_USER", ""),
		SMTPPassword:     GetString("NOTIFY_SMTP_PASSWORD", ""),

		DockerHost:        GetString("DOCKER_HOST_OVERRIDE", ""),
		ContainerPort:     GetInt("CONTAINER_APP_PORT", 3000),
		StaticRoot:        GetString("STATIC_ROOT", "/var/lib/selfheal/static"),
		DependencyInstall: GetString("DEPENDENCY_INSTALL_CMD", ""),
		BuildCacheDir:     GetString("BUILD_CACHE_DIR", ""),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
