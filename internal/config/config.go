package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the catalyst service.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Trading TradingConfig `yaml:"trading"`
	Signal  SignalConfig  `yaml:"signal"`
	Broker  BrokerConfig  `yaml:"broker"`
	Loop    LoopConfig    `yaml:"loop"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path" validate:"required"`
	JournalDir string `yaml:"journal_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
}

// Addr returns the host:port listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level   string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format  string `yaml:"format" validate:"omitempty,oneof=json console"`
	Tracing bool   `yaml:"tracing"`
}

// TradingConfig defines risk, sizing and supervision parameters.
type TradingConfig struct {
	MaxConcurrentPositions int           `yaml:"max_concurrent_positions" validate:"gte=1"`
	MaxExposurePctOfEquity float64       `yaml:"max_exposure_pct_of_equity" validate:"gt=0,lte=1"`
	MaxPositionPctOfEquity float64       `yaml:"max_position_pct_of_equity" validate:"gt=0,lte=1"`
	NotionalPerTrade       float64       `yaml:"notional_per_trade" validate:"gt=0"`
	MaxShares              int64         `yaml:"max_shares" validate:"gte=1"`
	StopLossPct            float64       `yaml:"stop_loss_pct" validate:"gt=0,lt=1"`
	TakeProfitPct          float64       `yaml:"take_profit_pct" validate:"gt=0"`
	MinRiskRewardRatio     float64       `yaml:"min_risk_reward_ratio" validate:"gte=0"`
	MaxHoldDuration        time.Duration `yaml:"max_hold_duration" validate:"gt=0"`
	MonitorPollInterval    time.Duration `yaml:"monitor_poll_interval" validate:"gt=0"`
	ConfidenceFloor        float64       `yaml:"confidence_floor" validate:"gte=0,lte=1"`
	ScaleByConfidence      bool          `yaml:"scale_by_confidence"`
	TickSize               float64       `yaml:"tick_size" validate:"gt=0"`
	ClaimLease             time.Duration `yaml:"claim_lease" validate:"gt=0"`
	PaperMode              bool          `yaml:"paper_mode"`
}

// SignalConfig controls how scored items are classified.
type SignalConfig struct {
	BuyKeywords         []string `yaml:"buy_keywords"`
	AvoidKeywords       []string `yaml:"avoid_keywords"`
	NeutralBand         float64  `yaml:"neutral_band" validate:"gte=0,lte=1"`
	RelevanceWeight     float64  `yaml:"relevance_weight" validate:"gte=0"`
	SentimentWeight     float64  `yaml:"sentiment_weight" validate:"gte=0"`
	EarningsSurprisePct float64  `yaml:"earnings_surprise_pct" validate:"gte=0"`
}

// BrokerConfig selects and tunes the broker adapter.
type BrokerConfig struct {
	Kind            string        `yaml:"kind" validate:"oneof=alpaca simulator"`
	CallTimeout     time.Duration `yaml:"call_timeout" validate:"gt=0"`
	FillTimeout     time.Duration `yaml:"fill_timeout" validate:"gt=0"`
	FillPoll        time.Duration `yaml:"fill_poll" validate:"gt=0"`
	MaxRetries      int           `yaml:"max_retries" validate:"gte=1"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay" validate:"gte=0"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min" validate:"gte=0"`
}

// LoopConfig sizes the broker I/O loop.
type LoopConfig struct {
	QueueSize      int           `yaml:"queue_size" validate:"gte=1"`
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gt=0"`
	StopTimeout    time.Duration `yaml:"stop_timeout" validate:"gt=0"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Storage: Storage{
			SQLitePath: "catalyst.db",
			JournalDir: "journal",
		},
		Server: Server{Host: "127.0.0.1", Port: 8080},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			DataURL: "https://data.alpaca.markets",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Trading: TradingConfig{
			MaxConcurrentPositions: 5,
			MaxExposurePctOfEquity: 0.5,
			MaxPositionPctOfEquity: 0.1,
			NotionalPerTrade:       1000,
			MaxShares:              10000,
			StopLossPct:            0.05,
			TakeProfitPct:          0.10,
			MinRiskRewardRatio:     1.5,
			MaxHoldDuration:        72 * time.Hour,
			MonitorPollInterval:    60 * time.Second,
			ConfidenceFloor:        0.5,
			TickSize:               0.01,
			ClaimLease:             5 * time.Minute,
			PaperMode:              true,
		},
		Signal: SignalConfig{
			BuyKeywords: []string{
				"earnings_beat", "guidance_raised", "fda_approval", "contract_win",
				"acquisition_target", "upgrade", "buyback",
			},
			AvoidKeywords: []string{
				"earnings_miss", "guidance_lowered", "offering", "dilution",
				"sec_investigation", "downgrade", "bankruptcy",
			},
			NeutralBand:         0.2,
			RelevanceWeight:     0.6,
			SentimentWeight:     0.4,
			EarningsSurprisePct: 5,
		},
		Broker: BrokerConfig{
			Kind:            "alpaca",
			CallTimeout:     10 * time.Second,
			FillTimeout:     30 * time.Second,
			FillPoll:        time.Second,
			MaxRetries:      3,
			RetryBaseDelay:  500 * time.Millisecond,
			RateLimitPerMin: 180,
		},
		Loop: LoopConfig{
			QueueSize:      256,
			StartupTimeout: 5 * time.Second,
			StopTimeout:    10 * time.Second,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the
// defaults, applies environment variable overrides and validates the result.
// An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration against its struct constraints and the
// cross-field rules the struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Trading.MaxPositionPctOfEquity > c.Trading.MaxExposurePctOfEquity {
		return fmt.Errorf("invalid config: max_position_pct_of_equity %.2f exceeds max_exposure_pct_of_equity %.2f",
			c.Trading.MaxPositionPctOfEquity, c.Trading.MaxExposurePctOfEquity)
	}
	if c.Broker.Kind == "alpaca" && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		return fmt.Errorf("invalid config: alpaca broker requires api_key and api_secret")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("JOURNAL_DIR"); v != "" {
		cfg.Storage.JournalDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}

	if v := os.Getenv("BROKER_KIND"); v != "" {
		cfg.Broker.Kind = v
	}
	if v := os.Getenv("PAPER_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PAPER_MODE: %w", err)
		}
		cfg.Trading.PaperMode = b
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	return nil
}
