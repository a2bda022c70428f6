package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath       string   `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath   string   `envconfig:"DATABASE_PATH" default:"/app/data/sshrelay.db"`
	LogPath        string   `envconfig:"LOG_PATH" default:""`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string   `envconfig:"LOG_FORMAT" default:"json"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Admission control
	RateLimitMaxAttempts      int           `envconfig:"RATE_LIMIT_MAX_ATTEMPTS" default:"10"`
	RateLimitWindow           time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitFailureThreshold int           `envconfig:"RATE_LIMIT_FAILURE_THRESHOLD" default:"5"`
	RateLimitBlock            time.Duration `envconfig:"RATE_LIMIT_BLOCK" default:"30s"`
	PolicyFile                string        `envconfig:"POLICY_FILE" default:""`

	// Session lifecycle
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	KeepAliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"1h"`
	MaxSessions       int           `envconfig:"MAX_SESSIONS" default:"0"`
	OutputQueueSize   int           `envconfig:"OUTPUT_QUEUE_SIZE" default:"64"`
	RecordingDir      string        `envconfig:"RECORDING_DIR" default:""`

	// Host key verification: tofu, insecure or known_hosts
	HostKeyPolicy  string `envconfig:"HOST_KEY_POLICY" default:"tofu"`
	KnownHostsPath string `envconfig:"KNOWN_HOSTS_PATH" default:""`

	// Fernet key used to seal credentials in memory. Generated at startup when empty.
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" default:""`

	// Relay message throttling
	MessageRateLimit float64 `envconfig:"MESSAGE_RATE_LIMIT" default:"200"`
	MessageRateBurst int     `envconfig:"MESSAGE_RATE_BURST" default:"200"`

	// Schedules (robfig/cron syntax)
	ReapSchedule        string `envconfig:"REAP_SCHEDULE" default:"@every 30m"`
	GateCleanupSchedule string `envconfig:"GATE_CLEANUP_SCHEDULE" default:"@every 10m"`
	AuditPurgeSchedule  string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`
	AuditRetentionDays  int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHRELAY", &Cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
}
