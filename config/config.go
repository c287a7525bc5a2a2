package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string            `mapstructure:"environment"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Nats        NatsConfig        `mapstructure:"nats"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Interactive InteractiveConfig `mapstructure:"interactive"`
	Terminal    TerminalConfig    `mapstructure:"terminal"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	BetterStack BetterStackConfig `mapstructure:"betterstack"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	RateLimit       time.Duration `mapstructure:"rate_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	ContainerLog string `mapstructure:"container_log"`
	AuditLog     string `mapstructure:"audit_log"`
}

type DockerConfig struct {
	Hosts         []string      `mapstructure:"hosts"`
	PingTimeout   time.Duration `mapstructure:"ping_timeout"`
	SetupTimeout  time.Duration `mapstructure:"setup_timeout"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	PidsLimit     int64         `mapstructure:"pids_limit"`
	PrepareImages bool          `mapstructure:"prepare_images"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Debug  bool   `mapstructure:"debug"`
}

// RedisConfig enables the shared sweep lock when Addr is set.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	LockPrefix string `mapstructure:"lock_prefix"`
}

type NatsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	EventPrefix   string `mapstructure:"event_prefix"`
}

type TierDurations struct {
	Free       time.Duration `mapstructure:"free"`
	Pro        time.Duration `mapstructure:"pro"`
	Enterprise time.Duration `mapstructure:"enterprise"`
}

type EngineConfig struct {
	SoloExpiry        TierDurations `mapstructure:"solo_expiry"`
	RoomExpiry        TierDurations `mapstructure:"room_expiry"`
	DefaultMaxUsers   int           `mapstructure:"default_max_users"`
	SoloNetwork       string        `mapstructure:"solo_network"`
	RoomNetwork       string        `mapstructure:"room_network"`
	RoomPorts         []string      `mapstructure:"room_ports"`
	CleanupGrace      time.Duration `mapstructure:"cleanup_grace"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	SoloSweepInterval time.Duration `mapstructure:"solo_sweep_interval"`
	SoloSweepWindow   time.Duration `mapstructure:"solo_sweep_window"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	RegistryInterval  time.Duration `mapstructure:"registry_interval"`
	RegistryIdle      time.Duration `mapstructure:"registry_idle"`
	SweepLockTTL      time.Duration `mapstructure:"sweep_lock_ttl"`
	MaxCodeLength     int           `mapstructure:"max_code_length"`
}

type InteractiveConfig struct {
	WorkspaceRoot string        `mapstructure:"workspace_root"`
	MaxSessionAge time.Duration `mapstructure:"max_session_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	OutputLimit   int           `mapstructure:"output_limit"`
	InputLimit    int           `mapstructure:"input_limit"`
	MemoryLimit   string        `mapstructure:"memory_limit"`
}

type TerminalConfig struct {
	Image          string        `mapstructure:"image"`
	Network        string        `mapstructure:"network"`
	MemoryLimit    string        `mapstructure:"memory_limit"`
	MemorySwap     string        `mapstructure:"memory_swap"`
	CPUs           float64       `mapstructure:"cpus"`
	OutputLimit    int           `mapstructure:"output_limit"`
	SessionMaxAge  time.Duration `mapstructure:"session_max_age"`
	SessionSweep   time.Duration `mapstructure:"session_sweep"`
	RoomIdle       time.Duration `mapstructure:"room_idle"`
	RoomSweep      time.Duration `mapstructure:"room_sweep"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

type BetterStackConfig struct {
	UploadURL   string `mapstructure:"upload_url"`
	SourceToken string `mapstructure:"source_token"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")

	v.SetDefault("server.port", "8000")
	v.SetDefault("server.rate_limit", 500*time.Millisecond)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.container_log", "logs/container.log")
	v.SetDefault("logging.audit_log", "logs/audit.log")

	v.SetDefault("docker.hosts", []string{})
	v.SetDefault("docker.ping_timeout", 3*time.Second)
	v.SetDefault("docker.setup_timeout", 2*time.Minute)
	v.SetDefault("docker.stop_timeout", 5*time.Second)
	v.SetDefault("docker.pids_limit", 256)
	v.SetDefault("docker.prepare_images", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/rooms.db")
	v.SetDefault("database.debug", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_prefix", "leviathan:lock:")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "engine")
	v.SetDefault("nats.event_prefix", "leviathan.events")

	v.SetDefault("engine.solo_expiry.free", 30*time.Minute)
	v.SetDefault("engine.solo_expiry.pro", 60*time.Minute)
	v.SetDefault("engine.solo_expiry.enterprise", 120*time.Minute)
	v.SetDefault("engine.room_expiry.free", 60*time.Minute)
	v.SetDefault("engine.room_expiry.pro", 240*time.Minute)
	v.SetDefault("engine.room_expiry.enterprise", 480*time.Minute)
	v.SetDefault("engine.default_max_users", 10)
	v.SetDefault("engine.solo_network", "none")
	v.SetDefault("engine.room_network", "bridge")
	v.SetDefault("engine.room_ports", []string{})
	v.SetDefault("engine.cleanup_grace", 2*time.Second)
	v.SetDefault("engine.sweep_interval", 5*time.Minute)
	v.SetDefault("engine.solo_sweep_interval", 2*time.Minute)
	v.SetDefault("engine.solo_sweep_window", 5*time.Minute)
	v.SetDefault("engine.reap_interval", time.Second)
	v.SetDefault("engine.registry_interval", 30*time.Minute)
	v.SetDefault("engine.registry_idle", time.Hour)
	v.SetDefault("engine.sweep_lock_ttl", 2*time.Minute)
	v.SetDefault("engine.max_code_length", 100000)

	v.SetDefault("interactive.workspace_root", "")
	v.SetDefault("interactive.max_session_age", 30*time.Minute)
	v.SetDefault("interactive.sweep_interval", time.Minute)
	v.SetDefault("interactive.output_limit", 50*1024)
	v.SetDefault("interactive.input_limit", 1000)
	v.SetDefault("interactive.memory_limit", "256m")

	v.SetDefault("terminal.image", "code-editor-shared:latest")
	v.SetDefault("terminal.network", "none")
	v.SetDefault("terminal.memory_limit", "1g")
	v.SetDefault("terminal.memory_swap", "2g")
	v.SetDefault("terminal.cpus", 2.0)
	v.SetDefault("terminal.output_limit", 50*1024)
	v.SetDefault("terminal.session_max_age", 30*time.Minute)
	v.SetDefault("terminal.session_sweep", 5*time.Minute)
	v.SetDefault("terminal.room_idle", time.Hour)
	v.SetDefault("terminal.room_sweep", 30*time.Minute)
	v.SetDefault("terminal.command_timeout", 10*time.Second)

	v.SetDefault("catalog.path", "")

	v.SetDefault("betterstack.upload_url", "")
	v.SetDefault("betterstack.source_token", "")
}

// legacyEnv keeps the flat variable names older deployments set.
var legacyEnv = map[string]string{
	"environment":              "ENVIRONMENT",
	"nats.url":                 "NATSURL",
	"betterstack.upload_url":   "BETTERSTACKUPLOADURL",
	"betterstack.source_token": "BETTERSTACKSOURCETOKEN",
}

// LoadConfig reads .env, an optional leviathan.yaml and the environment.
// ENGINE_SWEEP_INTERVAL overrides engine.sweep_interval and so on.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetConfigName("leviathan")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Environment != "development" && c.Environment != "production" {
		return fmt.Errorf("invalid environment: %s, must be 'production' or 'development'", c.Environment)
	}
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported database.driver: %s", c.Database.Driver)
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" && c.Database.DSN == "" {
		return errors.New("database.dsn is required for postgres")
	}
	if c.Engine.DefaultMaxUsers <= 0 {
		return fmt.Errorf("engine.default_max_users must be positive, got: %d", c.Engine.DefaultMaxUsers)
	}
	if c.Engine.MaxCodeLength <= 0 {
		return fmt.Errorf("engine.max_code_length must be positive, got: %d", c.Engine.MaxCodeLength)
	}
	for name, d := range map[string]time.Duration{
		"engine.sweep_interval":       c.Engine.SweepInterval,
		"engine.solo_sweep_interval":  c.Engine.SoloSweepInterval,
		"engine.reap_interval":        c.Engine.ReapInterval,
		"engine.registry_interval":    c.Engine.RegistryInterval,
		"interactive.sweep_interval":  c.Interactive.SweepInterval,
		"interactive.max_session_age": c.Interactive.MaxSessionAge,
		"terminal.session_sweep":      c.Terminal.SessionSweep,
		"terminal.room_sweep":         c.Terminal.RoomSweep,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got: %s", name, d)
		}
	}
	if c.Interactive.OutputLimit <= 0 || c.Terminal.OutputLimit <= 0 {
		return errors.New("output limits must be positive")
	}
	return nil
}
