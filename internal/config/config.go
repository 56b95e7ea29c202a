package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the bioblocks configuration
type Config struct {
	Title    string          `yaml:"title"`
	Owner    string          `yaml:"owner"` // Profile owner whose blocks are edited
	Store    StoreConfig     `yaml:"store"`
	Products ProductsConfig  `yaml:"products"`
	Theme    ThemeConfig     `yaml:"theme"`
	Server   ServerConfig    `yaml:"server"`
	API      *APIConfig      `yaml:"api,omitempty"`
	RefStore *RefStoreConfig `yaml:"refstore,omitempty"`
}

// StoreConfig points at the remote block store REST API
type StoreConfig struct {
	URL     string       `yaml:"url"`               // Base URL, e.g. "https://api.example.com/v1"
	Token   string       `yaml:"token,omitempty"`   // Bearer token (env vars expanded)
	Timeout string       `yaml:"timeout,omitempty"` // Request timeout (e.g., "10s"). Default: 10s
	Retry   *RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig configures retry behavior for store calls
type RetryConfig struct {
	MaxRetries int    `yaml:"max_retries,omitempty"` // Maximum retry attempts (default: 3)
	BaseDelay  string `yaml:"base_delay,omitempty"`  // Initial delay (e.g., "100ms"). Default: 100ms
	MaxDelay   string `yaml:"max_delay,omitempty"`   // Maximum delay (e.g., "5s"). Default: 5s
}

// ProductsConfig configures the storefront product list shown in the preview
type ProductsConfig struct {
	Enabled bool         `yaml:"enabled"`
	URL     string       `yaml:"url,omitempty"`     // Defaults to the store URL
	Refresh string       `yaml:"refresh,omitempty"` // Cron spec for background refresh (e.g., "@every 5m")
	Cache   *CacheConfig `yaml:"cache,omitempty"`
}

// CacheConfig configures caching of product lists
type CacheConfig struct {
	TTL       string `yaml:"ttl,omitempty"`        // Cache TTL (e.g., "5m"). Default: disabled (empty)
	Strategy  string `yaml:"strategy,omitempty"`   // "simple" or "stale-while-revalidate". Default: "simple"
	Backend   string `yaml:"backend,omitempty"`    // "memory" or "redis". Default: "memory"
	RedisAddr string `yaml:"redis_addr,omitempty"` // For redis backend
	RedisDB   int    `yaml:"redis_db,omitempty"`
}

// ThemeConfig holds the profile design configuration
type ThemeConfig struct {
	File   string         `yaml:"file,omitempty"`   // YAML file watched for changes
	Values map[string]any `yaml:"values,omitempty"` // Inline values, overridden by File
}

// ServerConfig holds editor server configuration
type ServerConfig struct {
	Port  int    `yaml:"port"`
	Host  string `yaml:"host"`
	Debug bool   `yaml:"debug"`
}

// APIConfig holds HTTP protection settings shared by both servers
type APIConfig struct {
	CORS      *CORSConfig      `yaml:"cors,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	Origins []string `yaml:"origins,omitempty"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"` // Default: 10
	Burst             int     `yaml:"burst,omitempty"`               // Default: 20
	MaxTrackedIPs     int     `yaml:"max_tracked_ips,omitempty"`     // Default: 10000
}

// RefStoreConfig configures the reference block store server
type RefStoreConfig struct {
	Port   int               `yaml:"port"`
	Host   string            `yaml:"host"`
	DSN    string            `yaml:"dsn"`    // "sqlite:./blocks.db" or "postgres://..."
	Tokens map[string]string `yaml:"tokens"` // bearer token -> owner id (env vars expanded in keys)
}

// GetTimeout returns the parsed timeout duration (default: 10s)
func (c StoreConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

// GetToken returns the bearer token with environment variable expansion
func (c StoreConfig) GetToken() string {
	if c.Token == "" {
		return ""
	}
	return os.ExpandEnv(c.Token)
}

// GetURL returns the store URL with environment variable expansion
func (c StoreConfig) GetURL() string {
	return os.ExpandEnv(c.URL)
}

// GetRetryMaxRetries returns the max retries (default: 3, set to 0 to disable retries)
func (c StoreConfig) GetRetryMaxRetries() int {
	if c.Retry == nil || c.Retry.MaxRetries < 0 {
		return 3
	}
	return c.Retry.MaxRetries
}

// GetRetryBaseDelay returns the base delay (default: 100ms)
func (c StoreConfig) GetRetryBaseDelay() time.Duration {
	if c.Retry == nil {
		return 100 * time.Millisecond
	}
	return parseDuration(c.Retry.BaseDelay, 100*time.Millisecond)
}

// GetRetryMaxDelay returns the max delay (default: 5s)
func (c StoreConfig) GetRetryMaxDelay() time.Duration {
	if c.Retry == nil {
		return 5 * time.Second
	}
	return parseDuration(c.Retry.MaxDelay, 5*time.Second)
}

// GetURL returns the products URL, falling back to the store URL
func (c ProductsConfig) GetURL(store StoreConfig) string {
	if c.URL == "" {
		return store.GetURL()
	}
	return os.ExpandEnv(c.URL)
}

// IsCacheEnabled returns true if caching is enabled for products
func (c ProductsConfig) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.TTL != ""
}

// GetCacheTTL returns the cache TTL (0 if caching is disabled)
func (c ProductsConfig) GetCacheTTL() time.Duration {
	if c.Cache == nil {
		return 0
	}
	return parseDuration(c.Cache.TTL, 0)
}

// IsStaleWhileRevalidate returns true if using stale-while-revalidate strategy
func (c ProductsConfig) IsStaleWhileRevalidate() bool {
	return c.Cache != nil && c.Cache.Strategy == "stale-while-revalidate"
}

// GetCacheBackend returns the cache backend (default: "memory")
func (c ProductsConfig) GetCacheBackend() string {
	if c.Cache == nil || c.Cache.Backend == "" {
		return "memory"
	}
	return c.Cache.Backend
}

// GetCORSOrigins returns the configured CORS origins, or nil if not configured
func (c *APIConfig) GetCORSOrigins() []string {
	if c == nil || c.CORS == nil {
		return nil
	}
	return c.CORS.Origins
}

// GetRateLimitRPS returns the rate limit in requests per second (default: 10)
func (c *APIConfig) GetRateLimitRPS() float64 {
	if c == nil || c.RateLimit == nil || c.RateLimit.RequestsPerSecond <= 0 {
		return 10
	}
	return c.RateLimit.RequestsPerSecond
}

// GetRateLimitBurst returns the burst size (default: 20)
func (c *APIConfig) GetRateLimitBurst() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.Burst <= 0 {
		return 20
	}
	return c.RateLimit.Burst
}

// GetMaxTrackedIPs returns the number of client IPs the rate limiter tracks (default: 10000)
func (c *APIConfig) GetMaxTrackedIPs() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.MaxTrackedIPs <= 0 {
		return 10000
	}
	return c.RateLimit.MaxTrackedIPs
}

// GetOwners returns the token to owner map with environment variables expanded in tokens
func (c *RefStoreConfig) GetOwners() map[string]string {
	owners := make(map[string]string)
	if c == nil {
		return owners
	}
	for token, owner := range c.Tokens {
		owners[os.ExpandEnv(token)] = owner
	}
	return owners
}

// GetDSN returns the database DSN (default: "sqlite:./bioblocks.db")
func (c *RefStoreConfig) GetDSN() string {
	if c == nil || c.DSN == "" {
		return "sqlite:./bioblocks.db"
	}
	return os.ExpandEnv(c.DSN)
}

// Addr returns host:port for the editor server
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Title: "My Profile",
		Store: StoreConfig{
			URL:     "http://localhost:8090",
			Timeout: "10s",
		},
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
	}
}

// Load loads configuration from a YAML file
// If the file doesn't exist, returns the default configuration
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig() // Start with defaults
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadFromDir looks for bioblocks.yaml, then bioblocks.yml, in the given directory
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "bioblocks.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	return Load(filepath.Join(dir, "bioblocks.yml"))
}

// Save writes the configuration to a YAML file
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadTheme reads a theme YAML file into a generic map.
// A missing path returns nil without error.
func LoadTheme(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read theme file: %w", err)
	}
	theme := make(map[string]any)
	if err := yaml.Unmarshal(data, &theme); err != nil {
		return nil, fmt.Errorf("failed to parse theme file: %w", err)
	}
	return theme, nil
}

// ResolveTheme merges inline theme values with the theme file, file winning
func (c *Config) ResolveTheme() (map[string]any, error) {
	theme := make(map[string]any, len(c.Theme.Values))
	for k, v := range c.Theme.Values {
		theme[k] = v
	}
	fromFile, err := LoadTheme(c.Theme.File)
	if err != nil {
		return nil, err
	}
	for k, v := range fromFile {
		theme[k] = v
	}
	return theme, nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
