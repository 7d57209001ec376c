package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port            string        `mapstructure:"port"`
		Env             string        `mapstructure:"env"`
		ReadTimeout     time.Duration `mapstructure:"readTimeout"`
		WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"app"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Database struct {
		Driver         string        `mapstructure:"driver"`
		DSN            string        `mapstructure:"dsn"`
		MaxOpenConns   int           `mapstructure:"maxOpenConns"`
		MaxIdleConns   int           `mapstructure:"maxIdleConns"`
		ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
		AutoMigrate    bool          `mapstructure:"autoMigrate"`
	} `mapstructure:"database"`
	Redis struct {
		Enabled  bool          `mapstructure:"enabled"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Enabled      bool     `mapstructure:"enabled"`
		Brokers      []string `mapstructure:"brokers"`
		TopicPrefix  string   `mapstructure:"topicPrefix"`
		EnsureTopics bool     `mapstructure:"ensureTopics"`
	} `mapstructure:"kafka"`
	Stripe struct {
		WebhookSecret string        `mapstructure:"webhookSecret"`
		Tolerance     time.Duration `mapstructure:"tolerance"`
	} `mapstructure:"stripe"`
	LemonSqueezy struct {
		SigningSecret string `mapstructure:"signingSecret"`
	} `mapstructure:"lemonsqueezy"`
	GRPC struct {
		Port     string `mapstructure:"port"`
		UseTLS   bool   `mapstructure:"useTLS"`
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
	} `mapstructure:"grpc"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Ledger LedgerConfig `mapstructure:"ledger"`
}

// LedgerConfig кредитная политика
type LedgerConfig struct {
	SignupCredits     int64            `mapstructure:"signupCredits"`
	BetaSignupCredits int64            `mapstructure:"betaSignupCredits"`
	MinimumJobCredits int64            `mapstructure:"minimumJobCredits"`
	Plans             map[string]int64 `mapstructure:"plans"`
	Packs             map[string]int64 `mapstructure:"packs"`
}

// IsProduction production-окружение
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// setDefaults регистрирует все ключи: без этого AutomaticEnv не подхватит их при Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.readTimeout", 15*time.Second)
	v.SetDefault("app.writeTimeout", 15*time.Second)
	v.SetDefault("app.shutdownTimeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxOpenConns", 20)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.connectTimeout", 30*time.Second)
	v.SetDefault("database.autoMigrate", true)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 15*time.Minute)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.ensureTopics", false)
	v.SetDefault("kafka.topicPrefix", "ledger.")
	v.SetDefault("stripe.webhookSecret", "")
	v.SetDefault("stripe.tolerance", 5*time.Minute)
	v.SetDefault("lemonsqueezy.signingSecret", "")
	v.SetDefault("grpc.port", "50051")
	v.SetDefault("grpc.useTLS", false)
	v.SetDefault("grpc.certFile", "")
	v.SetDefault("grpc.keyFile", "")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("ledger.signupCredits", 30)
	v.SetDefault("ledger.betaSignupCredits", 120)
	v.SetDefault("ledger.minimumJobCredits", 1)
}

// LoadConfig загружает конфигурацию: значения по умолчанию, затем config.yaml
// (если есть), затем переменные окружения (DATABASE_DSN и т.п.).
// envFile загружается через godotenv вне production; отсутствие файла не ошибка.
func LoadConfig(envFile string, configPaths ...string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" && envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(configPaths) == 0 {
		configPaths = []string{"."}
	}
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // Чтение переменных окружения

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	return &cfg, nil
}

// Validate проверяет конфигурацию до запуска сервиса.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "pgx", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Stripe.WebhookSecret == "" && c.LemonSqueezy.SigningSecret == "" {
		errs = append(errs, errors.New("at least one of stripe.webhookSecret or lemonsqueezy.signingSecret is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwtSecret is required"))
	}
	if c.Ledger.MinimumJobCredits < 1 {
		errs = append(errs, errors.New("ledger.minimumJobCredits must be at least 1"))
	}
	if c.Ledger.SignupCredits < 0 || c.Ledger.BetaSignupCredits < 0 {
		errs = append(errs, errors.New("ledger signup credits must not be negative"))
	}
	for plan, credits := range c.Ledger.Plans {
		if credits < 0 {
			errs = append(errs, fmt.Errorf("ledger.plans.%s must not be negative", plan))
		}
	}
	for pack, credits := range c.Ledger.Packs {
		if credits <= 0 {
			errs = append(errs, fmt.Errorf("ledger.packs.%s must be positive", pack))
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.GRPC.UseTLS && (c.GRPC.CertFile == "" || c.GRPC.KeyFile == "") {
		errs = append(errs, errors.New("grpc.certFile and grpc.keyFile are required with TLS"))
	}
	return errors.Join(errs...)
}
