package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the stock monitor.
type Config struct {
	// Remote data provider
	ProviderBaseURL string        `mapstructure:"provider_base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`

	// What to fetch
	Symbols   []string `mapstructure:"symbols"`
	Periods   []string `mapstructure:"periods"`
	StartDate string   `mapstructure:"start_date"`
	EndDate   string   `mapstructure:"end_date"`
	MaxStocks int      `mapstructure:"max_stocks"`

	// Batch fetch tuning
	BatchSize        int           `mapstructure:"batch_size"`
	ConcurrencyLimit int           `mapstructure:"concurrency_limit"`
	RequestDelayMin  time.Duration `mapstructure:"request_delay_min"`
	RequestDelayMax  time.Duration `mapstructure:"request_delay_max"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`

	// Cache
	UseCache           bool          `mapstructure:"use_cache"`
	CacheDir           string        `mapstructure:"cache_dir"`
	CacheSweepInterval time.Duration `mapstructure:"cache_sweep_interval"`

	// Proxy pool
	UseProxy           bool          `mapstructure:"use_proxy"`
	Proxies            []string      `mapstructure:"proxies"`
	ProxyFile          string        `mapstructure:"proxy_file"`
	ProxyStrategy      string        `mapstructure:"proxy_strategy"`
	ProxyCheckURL      string        `mapstructure:"proxy_check_url"`
	ProxyCheckInterval time.Duration `mapstructure:"proxy_check_interval"`
	ProxyTimeout       time.Duration `mapstructure:"proxy_timeout"`
	ProxyMaxFails      int           `mapstructure:"proxy_max_fails"`

	// Indicator and selection
	KDJWindowN int `mapstructure:"kdj_window_n"`
	KDJSmoothK int `mapstructure:"kdj_smooth_k"`
	KDJSmoothD int `mapstructure:"kdj_smooth_d"`
	TopN       int `mapstructure:"top_n"`
}

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over config file
// values.
//
// Expected environment variables (all optional):
//   - PROVIDER_BASE_URL
//   - CACHE_DIR
//   - PROXY_FILE
//   - PROXY_CHECK_URL
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("") // No prefix, use full names
	v.AutomaticEnv()

	// Defaults mirror production behavior: modest concurrency, a
	// jittered 1-3s pre-request delay, daily/weekly/monthly periods.
	v.SetDefault("provider_base_url", "https://quote.eastmoney.com/api")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("periods", []string{"daily", "weekly", "monthly"})
	v.SetDefault("batch_size", 20)
	v.SetDefault("concurrency_limit", 10)
	v.SetDefault("request_delay_min", "1s")
	v.SetDefault("request_delay_max", "3s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_base_delay", "5s")
	v.SetDefault("use_cache", true)
	v.SetDefault("cache_dir", "cache")
	v.SetDefault("cache_sweep_interval", "1h")
	v.SetDefault("use_proxy", false)
	v.SetDefault("proxy_strategy", "round_robin")
	v.SetDefault("proxy_check_url", "https://www.baidu.com/")
	v.SetDefault("proxy_check_interval", "5m")
	v.SetDefault("proxy_timeout", "5s")
	v.SetDefault("proxy_max_fails", 3)
	v.SetDefault("kdj_window_n", 9)
	v.SetDefault("kdj_smooth_k", 3)
	v.SetDefault("kdj_smooth_d", 3)
	v.SetDefault("top_n", 20)

	// Optionally read from config file if it exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.stockmonitor")

	// Read config file (ignore if not found)
	_ = v.ReadInConfig()

	v.BindEnv("provider_base_url", "PROVIDER_BASE_URL")
	v.BindEnv("cache_dir", "CACHE_DIR")
	v.BindEnv("proxy_file", "PROXY_FILE")
	v.BindEnv("proxy_check_url", "PROXY_CHECK_URL")

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.ProviderBaseURL == "" {
		return fmt.Errorf("provider_base_url must not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.ConcurrencyLimit <= 0 {
		return fmt.Errorf("concurrency_limit must be positive, got %d", c.ConcurrencyLimit)
	}
	if c.RequestDelayMax < c.RequestDelayMin {
		return fmt.Errorf("request_delay_max %v is below request_delay_min %v",
			c.RequestDelayMax, c.RequestDelayMin)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	switch c.ProxyStrategy {
	case "round_robin", "random", "weighted":
	default:
		return fmt.Errorf("unknown proxy_strategy %q", c.ProxyStrategy)
	}
	if len(c.Periods) == 0 {
		return fmt.Errorf("periods must not be empty")
	}
	return nil
}
