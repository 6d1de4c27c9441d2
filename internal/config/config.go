package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Run modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// EngineConfig tunes execution and scheduling.
type EngineConfig struct {
	KillGrace     time.Duration
	StaleAfter    time.Duration
	OutputLimit   int
	HTTPBodyLimit int
	Overlap       string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
	// RatePerMinute caps outgoing notifications.
	RatePerMinute int
}

// NATSConfig holds the optional event forwarding settings. An empty URL
// disables forwarding.
type NATSConfig struct {
	URL     string
	Subject string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Engine       EngineConfig
	Notification NotificationConfig
	NATS         NATSConfig

	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
	Mode          string
}

const (
	envPrefix = "CRONIE_"

	defaultAddr          = "0.0.0.0:7070"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultShutdownGrace = 5 * time.Second
	defaultKillGrace     = 5 * time.Second
	defaultStaleAfter    = time.Hour
	defaultOutputLimit   = 1 << 20
	defaultHTTPBodyLimit = 10000
	defaultNotifyRate    = 6
	defaultNATSSubject   = "cronie"
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	// .env files are optional; cwd first, then the per-user config directory.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "cronie", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
	return Load(os.Args[1:])
}

// Load builds the configuration from the environment and the given flags.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("LOG_FORMAT", defaultLogFormat),
		},
		Engine: EngineConfig{
			KillGrace:     getEnvDuration("KILL_GRACE", defaultKillGrace),
			StaleAfter:    getEnvDuration("STALE_AFTER", defaultStaleAfter),
			OutputLimit:   getEnvInt("OUTPUT_LIMIT", defaultOutputLimit),
			HTTPBodyLimit: getEnvInt("HTTP_BODY_LIMIT", defaultHTTPBodyLimit),
			Overlap:       getEnvString("OVERLAP_POLICY", "allow"),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
			RatePerMinute: getEnvInt("NOTIFY_RATE", defaultNotifyRate),
		},
		NATS: NATSConfig{
			URL:     getEnvString("NATS_URL", ""),
			Subject: getEnvString("NATS_SUBJECT", defaultNATSSubject),
		},
		StateDir:      getEnvString("STATE_DIR", ""),
		UseUTC:        getEnvBool("USE_UTC", false),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
		Mode:          getEnvString("MODE", ModeHTTP),
	}

	fs := flag.NewFlagSet("cronied", flag.ContinueOnError)
	var (
		addr, logLevel, logFormat, stateDir, mode, overlap string
		useUTC                                             bool
		shutdownGrace, killGrace                           time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&mode, "mode", "", "Run mode (http, mcp, both)")
	fs.StringVar(&overlap, "overlap", "", "Overlap policy for runs of the same task (allow, skip)")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	fs.DurationVar(&killGrace, "kill-grace", 0, "Delay between SIGTERM and SIGKILL for killed tasks")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if overlap != "" {
		cfg.Engine.Overlap = overlap
	}
	// Bool and duration flags only apply when explicitly set.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		case "kill-grace":
			cfg.Engine.KillGrace = killGrace
		}
	})

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	return cfg, nil
}

// Location returns the time zone cron expressions are evaluated in.
func (c *Config) Location() *time.Location {
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return fmt.Errorf("invalid mode %q (valid: http, mcp, both)", c.Mode)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (valid: text, json)", c.Log.Format)
	}
	if c.Engine.KillGrace <= 0 {
		c.Engine.KillGrace = defaultKillGrace
	}
	if c.Engine.StaleAfter <= 0 {
		c.Engine.StaleAfter = defaultStaleAfter
	}
	if c.Engine.OutputLimit <= 0 {
		c.Engine.OutputLimit = defaultOutputLimit
	}
	if c.Engine.HTTPBodyLimit <= 0 {
		c.Engine.HTTPBodyLimit = defaultHTTPBodyLimit
	}
	if c.Notification.RatePerMinute <= 0 {
		c.Notification.RatePerMinute = defaultNotifyRate
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "cronie")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
