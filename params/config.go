package params

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/simutrador/pkg/auth"
	"github.com/uhyunpark/simutrador/pkg/timeframe"
	"github.com/uhyunpark/simutrador/pkg/util"
)

type Server struct {
	Addr        string   `env:"ADDR" envDefault:":8003"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	Version     string   `env:"VERSION" envDefault:"0.1.0"`
	// IdleTimeout and MessagesPerSecond override the plan limits when set
	IdleTimeout           time.Duration `env:"IDLE_TIMEOUT"`
	MessagesPerSecond     int           `env:"MESSAGES_PER_SECOND"`
	MaxConnectionDuration time.Duration `env:"MAX_CONNECTION_DURATION" envDefault:"4h"`
	// MaxSessions caps live sessions across all users (0 = unlimited)
	MaxSessions     int           `env:"MAX_SESSIONS" envDefault:"100"`
	TickBurst       int           `env:"TICK_BURST" envDefault:"64"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Flow struct {
	// Enabled=false forces flow control off for every session
	Enabled bool `env:"ENABLED" envDefault:"true"`
	// MaxPendingTicks caps what a client may request in start_simulation
	MaxPendingTicks  int           `env:"MAX_PENDING_TICKS" envDefault:"16"`
	DefaultMaxWait   time.Duration `env:"DEFAULT_MAX_WAIT" envDefault:"1s"`
	DefaultTimeframe string        `env:"DEFAULT_TIMEFRAME" envDefault:"1min"`
}

type Ledger struct {
	AllowNegativeCash bool            `env:"ALLOW_NEGATIVE_CASH" envDefault:"false"`
	Commission        decimal.Decimal `env:"COMMISSION_PER_TRADE" envDefault:"1.00"`
	SlippageBps       int             `env:"SLIPPAGE_BPS" envDefault:"5"`
}

type Auth struct {
	// APIKeys holds key:user_id:plan entries
	APIKeys    []string      `env:"API_KEYS" envSeparator:"," envDefault:"sk-demo:demo:starter"`
	BcryptCost int           `env:"BCRYPT_COST" envDefault:"10"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"1h"`
	// RedisURL switches tokens and usage counters to Redis
	RedisURL string `env:"REDIS_URL"`
}

type Storage struct {
	DataDir string `env:"DATA_DIR" envDefault:"./data"`
	// Journal is pebble, file or none
	Journal string `env:"JOURNAL" envDefault:"pebble"`
}

type Kafka struct {
	Brokers         []string `env:"BROKERS" envSeparator:","`
	ExecutionsTopic string   `env:"EXECUTIONS_TOPIC" envDefault:"simutrador.executions"`
	ResultsTopic    string   `env:"RESULTS_TOPIC" envDefault:"simutrador.results"`
}

type Log struct {
	Level string `env:"LEVEL" envDefault:"info"`
	// File additionally receives warnings and above
	File string `env:"FILE"`
}

type Config struct {
	Server  Server  `envPrefix:"SERVER_"`
	Flow    Flow    `envPrefix:"FLOW_"`
	Ledger  Ledger  `envPrefix:"LEDGER_"`
	Auth    Auth    `envPrefix:"AUTH_"`
	Storage Storage `envPrefix:"STORAGE_"`
	Kafka   Kafka   `envPrefix:"KAFKA_"`
	Log     Log     `envPrefix:"LOG_"`
}

// Default returns the tag defaults without reading the environment.
func Default() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("params: bad defaults: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	// optional; a missing file is fine
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	for i := range cfg.Auth.APIKeys {
		cfg.Auth.APIKeys[i] = strings.TrimSpace(cfg.Auth.APIKeys[i])
	}
	for i := range cfg.Kafka.Brokers {
		cfg.Kafka.Brokers[i] = strings.TrimSpace(cfg.Kafka.Brokers[i])
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("SERVER_ADDR must not be empty")
	}
	if c.Server.MaxSessions < 0 || c.Server.MessagesPerSecond < 0 {
		return fmt.Errorf("server limits must not be negative")
	}
	if c.Server.TickBurst < 1 {
		return fmt.Errorf("SERVER_TICK_BURST must be at least 1")
	}
	if c.Flow.MaxPendingTicks < 1 {
		return fmt.Errorf("FLOW_MAX_PENDING_TICKS must be at least 1")
	}
	if c.Flow.DefaultMaxWait <= 0 {
		return fmt.Errorf("FLOW_DEFAULT_MAX_WAIT must be positive")
	}
	if _, err := timeframe.Default().Lookup(c.Flow.DefaultTimeframe); err != nil {
		return fmt.Errorf("FLOW_DEFAULT_TIMEFRAME: %w", err)
	}
	if c.Ledger.Commission.IsNegative() || c.Ledger.SlippageBps < 0 {
		return fmt.Errorf("ledger commission and slippage must not be negative")
	}
	if len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("AUTH_API_KEYS must list at least one key")
	}
	for _, spec := range c.Auth.APIKeys {
		if _, _, err := auth.ParseKeySpec(spec); err != nil {
			return fmt.Errorf("AUTH_API_KEYS: %w", err)
		}
	}
	if c.Auth.TokenTTL < time.Second {
		return fmt.Errorf("AUTH_TOKEN_TTL must be at least 1 second")
	}
	switch c.Storage.Journal {
	case "pebble", "file", "none":
	default:
		return fmt.Errorf("invalid STORAGE_JOURNAL %q (pebble, file or none)", c.Storage.Journal)
	}
	if _, err := util.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}
