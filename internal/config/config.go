package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // scheduler.timezone must resolve on hosts without zoneinfo

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-digest/internal/domain"
	"market-digest/internal/logging"
	"market-digest/internal/session"
)

// Transport kinds.
const (
	TransportTelegram  = "telegram"
	TransportWebSocket = "websocket"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Quotes    QuotesConfig    `mapstructure:"quotes"`
	Session   SessionConfig   `mapstructure:"session"`
	Transport TransportConfig `mapstructure:"transport"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Health    HealthConfig    `mapstructure:"health"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables
// the delivery audit.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables the cache mirror when Addr is set.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// TracingConfig controls the OTLP exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// SchedulerConfig governs digest timing.
type SchedulerConfig struct {
	MorningCron     string `mapstructure:"morning_cron"`
	EveningCron     string `mapstructure:"evening_cron"`
	RefreshCron     string `mapstructure:"refresh_cron"`
	Timezone        string `mapstructure:"timezone"`
	AdvisoryLockKey int64  `mapstructure:"advisory_lock_key"`
}

// UpstreamConfig covers the market data sources.
type UpstreamConfig struct {
	CoinGecko      SourceConfig   `mapstructure:"coingecko"`
	FearGreed      SourceConfig   `mapstructure:"feargreed"`
	FavQs          SourceConfig   `mapstructure:"favqs"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	UserAgent      string         `mapstructure:"user_agent"`
	PriceTTL       time.Duration  `mapstructure:"price_ttl"`
	SentimentTTL   time.Duration  `mapstructure:"sentiment_ttl"`
	Assets         []domain.Asset `mapstructure:"assets"`
}

// SourceConfig locates one upstream API.
type SourceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// QuotesConfig controls the morning quote.
type QuotesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	LogPath string `mapstructure:"log_path"`
}

// SessionConfig tunes the connection supervisor.
type SessionConfig struct {
	Command     string        `mapstructure:"command"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	AwaitOpen   time.Duration `mapstructure:"await_open"`
}

// Policy converts the backoff settings.
func (s SessionConfig) Policy() session.Policy {
	return session.Policy{BaseDelay: s.BaseDelay, MaxDelay: s.MaxDelay, MaxAttempts: s.MaxAttempts}
}

// TransportConfig selects the chat transport.
type TransportConfig struct {
	Kind      string          `mapstructure:"kind"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// TelegramConfig 描述 Telegram 会话参数。
type TelegramConfig struct {
	BotToken         string        `mapstructure:"bot_token"`
	APIBase          string        `mapstructure:"api_base"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ParseMode        string        `mapstructure:"parse_mode"`
}

// WebSocketConfig describes the chat gateway.
type WebSocketConfig struct {
	URL              string        `mapstructure:"url"`
	Token            string        `mapstructure:"token"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

// DeliveryConfig lists destinations and message framing.
type DeliveryConfig struct {
	Destinations []string      `mapstructure:"destinations"`
	Attribution  string        `mapstructure:"attribution"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
}

// HealthConfig controls the HTTP health surface.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETDIGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Upstream.Assets) == 0 {
		cfg.Upstream.Assets = append([]domain.Asset(nil), domain.DefaultAssets...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "marketdigest")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "marketdigest:cache:")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "marketdigest")

	v.SetDefault("scheduler.morning_cron", "0 9 * * *")
	v.SetDefault("scheduler.evening_cron", "30 18 * * *")
	v.SetDefault("scheduler.refresh_cron", "")
	v.SetDefault("scheduler.timezone", "Asia/Kolkata")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d6b6467))

	v.SetDefault("upstream.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("upstream.coingecko.api_key", "")
	v.SetDefault("upstream.feargreed.base_url", "https://api.alternative.me")
	v.SetDefault("upstream.favqs.base_url", "https://favqs.com")
	v.SetDefault("upstream.favqs.api_key", "")
	v.SetDefault("upstream.request_timeout", "10s")
	v.SetDefault("upstream.user_agent", "marketdigest/1.0")
	v.SetDefault("upstream.price_ttl", "5m")
	v.SetDefault("upstream.sentiment_ttl", "5m")

	v.SetDefault("quotes.enabled", true)
	v.SetDefault("quotes.log_path", "./usedQuotes.txt")

	v.SetDefault("session.command", session.DefaultCommand)
	v.SetDefault("session.base_delay", "1s")
	v.SetDefault("session.max_delay", "60s")
	v.SetDefault("session.max_attempts", 5)
	v.SetDefault("session.await_open", "30s")

	v.SetDefault("transport.kind", TransportTelegram)
	v.SetDefault("transport.telegram.bot_token", "")
	v.SetDefault("transport.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("transport.telegram.poll_timeout", "25s")
	v.SetDefault("transport.telegram.failure_threshold", 3)
	v.SetDefault("transport.telegram.parse_mode", "Markdown")
	v.SetDefault("transport.websocket.url", "")
	v.SetDefault("transport.websocket.token", "")
	v.SetDefault("transport.websocket.handshake_timeout", "10s")
	v.SetDefault("transport.websocket.ping_interval", "30s")

	v.SetDefault("delivery.destinations", []string{})
	v.SetDefault("delivery.attribution", "Powered by TeamADS")
	v.SetDefault("delivery.send_timeout", "15s")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.addr", ":3000")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if strings.TrimSpace(c.Scheduler.MorningCron) == "" || strings.TrimSpace(c.Scheduler.EveningCron) == "" {
		return fmt.Errorf("scheduler.morning_cron and scheduler.evening_cron are required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Upstream.PriceTTL <= 0 || c.Upstream.SentimentTTL <= 0 {
		return fmt.Errorf("upstream.price_ttl and upstream.sentiment_ttl must be greater than zero")
	}
	seen := make(map[string]struct{}, len(c.Upstream.Assets))
	for _, a := range c.Upstream.Assets {
		if a.Symbol == "" || a.CoinGeckoID == "" {
			return fmt.Errorf("upstream.assets entries need symbol and coingecko_id")
		}
		if _, dup := seen[a.Symbol]; dup {
			return fmt.Errorf("upstream.assets lists %s twice", a.Symbol)
		}
		seen[a.Symbol] = struct{}{}
	}
	if c.Quotes.Enabled && strings.TrimSpace(c.Quotes.LogPath) == "" {
		return fmt.Errorf("quotes.log_path is required when quotes are enabled")
	}
	if c.Session.BaseDelay <= 0 || c.Session.MaxDelay < c.Session.BaseDelay {
		return fmt.Errorf("session.base_delay must be positive and not exceed session.max_delay")
	}
	if c.Session.MaxAttempts < 0 {
		return fmt.Errorf("session.max_attempts cannot be negative")
	}
	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health is enabled")
	}
	return nil
}

// ValidateTransport checks the settings needed to open a chat session. Commands
// that never connect skip it.
func (c *Config) ValidateTransport() error {
	switch c.Transport.Kind {
	case TransportTelegram:
		if c.Transport.Telegram.BotToken == "" {
			return fmt.Errorf("transport.telegram.bot_token 必须配置")
		}
	case TransportWebSocket:
		if c.Transport.WebSocket.URL == "" {
			return fmt.Errorf("transport.websocket.url 必须配置")
		}
	default:
		return fmt.Errorf("transport.kind must be %q or %q, got %q", TransportTelegram, TransportWebSocket, c.Transport.Kind)
	}
	return nil
}

// Location resolves the scheduler time zone.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Scheduler.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
