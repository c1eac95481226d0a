package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/perpmartin/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	OKX         OKXConfig          `mapstructure:"okx"`
	Feed        FeedConfig         `mapstructure:"feed"`
	Instruments []InstrumentConfig `mapstructure:"instruments"`
	Accounts    []AccountConfig    `mapstructure:"accounts"`
	Strategies  []StrategyConfig   `mapstructure:"strategies"`
	Engine      EngineConfig       `mapstructure:"engine"`
	Storage     StorageConfig      `mapstructure:"storage"`
	Kafka       KafkaConfig        `mapstructure:"kafka"`
	SMTP        SMTPConfig         `mapstructure:"smtp"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	GCP         GCPConfig          `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	JWTSecret     string `mapstructure:"jwt_secret"`
	DashboardURL  string `mapstructure:"dashboard_url"`
	LevelLineBins int    `mapstructure:"level_line_bins"`
}

type OKXConfig struct {
	RestURL           string        `mapstructure:"rest_url"`
	PublicWSURL       string        `mapstructure:"public_ws_url"`
	BusinessWSURL     string        `mapstructure:"business_ws_url"`
	SimulatedTrading  bool          `mapstructure:"simulated_trading"`
	DryRun            bool          `mapstructure:"dry_run"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	OrderRetryInitial time.Duration `mapstructure:"order_retry_initial"`
	OrderRetryMax     time.Duration `mapstructure:"order_retry_max"`
}

type FeedConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	Candles        bool          `mapstructure:"candles"`
}

type InstrumentConfig struct {
	InstID        string `mapstructure:"inst_id"`
	ContractValue string `mapstructure:"contract_value"`
	WindowMode    string `mapstructure:"window_mode"`
	WindowValue   string `mapstructure:"window_value"`
}

type CredentialConfig struct {
	APIKey     string `mapstructure:"api_key"`
	SecretKey  string `mapstructure:"secret_key"`
	Passphrase string `mapstructure:"passphrase"`
}

type AccountConfig struct {
	Name        string             `mapstructure:"name"`
	Credentials []CredentialConfig `mapstructure:"credentials"`
	Emails      []string           `mapstructure:"emails"`
	Phones      []string           `mapstructure:"phones"`
}

type StrategyConfig struct {
	Name                string   `mapstructure:"name"`
	InstID              string   `mapstructure:"inst_id"`
	Accounts            []string `mapstructure:"accounts"`
	PositionSize        string   `mapstructure:"position_size"`
	TPRatio             string   `mapstructure:"tp_ratio"`
	SLRatio             string   `mapstructure:"sl_ratio"`
	AddPositionRatio    string   `mapstructure:"add_position_ratio"`
	MaxAddPositionCount int      `mapstructure:"max_add_position_count"`
	Leverage            string   `mapstructure:"leverage"`
	MultiplesOfTheGap   string   `mapstructure:"multiples_of_gap"`
	InitCapital         string   `mapstructure:"init_capital"`
	RiskControl         *bool    `mapstructure:"risk_control"`
}

type EngineConfig struct {
	CycleInterval       time.Duration `mapstructure:"cycle_interval"`
	RiskThreshold       int           `mapstructure:"risk_threshold"`
	DepthReportInterval time.Duration `mapstructure:"depth_report_interval"`
	KlineTrimInterval   time.Duration `mapstructure:"kline_trim_interval"`
	KlineMaxSpan        time.Duration `mapstructure:"kline_max_span"`
	KlineDrop           time.Duration `mapstructure:"kline_drop"`
}

type StorageConfig struct {
	// SQLitePath selects the SQLite store; empty keeps everything in memory.
	SQLitePath string `mapstructure:"sqlite_path"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type SMTPConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	From       string        `mapstructure:"from"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/perpmartin")
	}

	v.SetEnvPrefix("PERPMARTIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer sm.Close()
		ApplySecrets(ctx, &config, sm)
		logger.Info("Loaded secrets from GCP Secret Manager")
	}

	return &config, nil
}

// loadDotEnv reads .env into the process environment when present.
// Variables already set win.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("error loading .env: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.dashboard_url", "")
	v.SetDefault("server.level_line_bins", 10)

	v.SetDefault("okx.rest_url", "https://www.okx.com")
	v.SetDefault("okx.public_ws_url", "wss://ws.okx.com:8443/ws/v5/public")
	v.SetDefault("okx.business_ws_url", "wss://ws.okx.com:8443/ws/v5/business")
	v.SetDefault("okx.simulated_trading", false)
	v.SetDefault("okx.dry_run", false)
	v.SetDefault("okx.requests_per_second", 20)
	v.SetDefault("okx.burst", 5)
	v.SetDefault("okx.order_retry_initial", "2s")
	v.SetDefault("okx.order_retry_max", "10s")

	v.SetDefault("feed.initial_backoff", "5s")
	v.SetDefault("feed.max_backoff", "60s")
	v.SetDefault("feed.ping_interval", "25s")
	v.SetDefault("feed.read_timeout", "60s")
	v.SetDefault("feed.candles", true)

	v.SetDefault("engine.cycle_interval", "200ms")
	v.SetDefault("engine.risk_threshold", 1)
	v.SetDefault("engine.depth_report_interval", "1s")
	v.SetDefault("engine.kline_trim_interval", "1h")
	v.SetDefault("engine.kline_max_span", "960h")
	v.SetDefault("engine.kline_drop", "240h")

	v.SetDefault("storage.sqlite_path", "./data/perpmartin.db")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "perpmartin.trades")

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.retries", 3)
	v.SetDefault("smtp.retry_delay", "5s")
	v.SetDefault("smtp.timeout", "1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	names := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.smtp_password", names.SMTPPassword)
	v.SetDefault("gcp.secret_names.jwt_secret", names.JWTSecret)
	v.SetDefault("gcp.secret_names.account_prefix", names.AccountPrefix)
}

// envKey upper-cases an account name for environment lookups.
func envKey(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

func overrideFromEnv(config *Config) {
	for i := range config.Accounts {
		acct := &config.Accounts[i]
		prefix := "OKX_" + envKey(acct.Name) + "_"
		apiKey := os.Getenv(prefix + "API_KEY")
		secretKey := os.Getenv(prefix + "SECRET_KEY")
		passphrase := os.Getenv(prefix + "PASSPHRASE")
		if apiKey == "" && secretKey == "" && passphrase == "" {
			continue
		}
		if len(acct.Credentials) == 0 {
			acct.Credentials = append(acct.Credentials, CredentialConfig{})
		}
		c := &acct.Credentials[0]
		if apiKey != "" {
			c.APIKey = apiKey
		}
		if secretKey != "" {
			c.SecretKey = secretKey
		}
		if passphrase != "" {
			c.Passphrase = passphrase
		}
	}

	if password := os.Getenv("SMTP_PASSWORD"); password != "" {
		config.SMTP.Password = password
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// ApplySecrets fills credentials left empty by file and environment.
func ApplySecrets(ctx context.Context, config *Config, src secrets.Source) {
	names := config.GCP.SecretNames
	if config.SMTP.Password == "" {
		config.SMTP.Password = src.GetSecretWithDefault(ctx, names.SMTPPassword, "")
	}
	if config.Server.JWTSecret == "" {
		config.Server.JWTSecret = src.GetSecretWithDefault(ctx, names.JWTSecret, "")
	}
	for i := range config.Accounts {
		acct := &config.Accounts[i]
		if len(acct.Credentials) == 0 {
			acct.Credentials = append(acct.Credentials, CredentialConfig{})
		}
		for j := range acct.Credentials {
			c := &acct.Credentials[j]
			n := names.Account(acct.Name, j)
			if c.APIKey == "" {
				c.APIKey = src.GetSecretWithDefault(ctx, n.APIKey, "")
			}
			if c.SecretKey == "" {
				c.SecretKey = src.GetSecretWithDefault(ctx, n.SecretKey, "")
			}
			if c.Passphrase == "" {
				c.Passphrase = src.GetSecretWithDefault(ctx, n.Passphrase, "")
			}
		}
	}
}
