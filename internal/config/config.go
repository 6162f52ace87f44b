package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures everything the rank tracker needs at start-up.
type Config struct {
	DB        SQLConfig       `yaml:"db" json:"db"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	OpenAPI   OpenAPIConfig   `yaml:"openapi" json:"openapi"`
	Browser   BrowserConfig   `yaml:"browser" json:"browser"`
	Selectors SelectorConfig  `yaml:"selectors" json:"selectors"`
	Shaping   ShapingConfig   `yaml:"shaping" json:"shaping"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// SQLConfig describes the relational database holding tracked items and history.
type SQLConfig struct {
	Driver          string   `yaml:"driver" json:"driver"`
	DSN             string   `yaml:"dsn" json:"-"`
	MaxOpenConns    int      `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate" json:"auto_migrate"`
}

// Enabled reports whether a database is configured.
func (c SQLConfig) Enabled() bool {
	return c.Driver != "" && c.DSN != ""
}

// RedisConfig configures the optional progress mirror.
type RedisConfig struct {
	Address  string   `yaml:"address" json:"address"`
	Password string   `yaml:"password" json:"-"`
	DB       int      `yaml:"db" json:"db"`
	Key      string   `yaml:"key" json:"key"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
}

// OpenAPIConfig describes the structured shopping search API.
type OpenAPIConfig struct {
	Endpoint          string          `yaml:"endpoint" json:"endpoint"`
	ClientID          string          `yaml:"client_id" json:"-"`
	ClientSecret      string          `yaml:"client_secret" json:"-"`
	Timeout           Duration        `yaml:"timeout" json:"timeout"`
	PageSize          int             `yaml:"page_size" json:"page_size"`
	Pages             int             `yaml:"pages" json:"pages"`
	RedirectBatchSize int             `yaml:"redirect_batch_size" json:"redirect_batch_size"`
	RedirectTimeout   Duration        `yaml:"redirect_timeout" json:"redirect_timeout"`
	RateLimit         RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	UserAgent         string          `yaml:"user_agent" json:"user_agent"`
}

// Configured reports whether both credential strings are present.
func (c OpenAPIConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// RateLimitConfig applies a token bucket per host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests" json:"requests"`
	Window   Duration `yaml:"window" json:"window"`
}

// Enabled reports whether rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// BrowserConfig controls the headless browser used for emulated browsing.
type BrowserConfig struct {
	Engine            string   `yaml:"engine" json:"engine"`
	DisableHeadless   bool     `yaml:"disable_headless" json:"disable_headless"`
	UserAgent         string   `yaml:"user_agent" json:"user_agent"`
	ProxyURL          string   `yaml:"proxy_url" json:"proxy_url"`
	Stealth           bool     `yaml:"stealth" json:"stealth"`
	SearchURL         string   `yaml:"search_url" json:"search_url"`
	MaxPages          int      `yaml:"max_pages" json:"max_pages"`
	SponsoredMaxPages int      `yaml:"sponsored_max_pages" json:"sponsored_max_pages"`
	NavigationTimeout Duration `yaml:"navigation_timeout" json:"navigation_timeout"`
	SelectorTimeout   Duration `yaml:"selector_timeout" json:"selector_timeout"`
	WindowWidth       int      `yaml:"window_width" json:"window_width"`
	WindowHeight      int      `yaml:"window_height" json:"window_height"`
}

// SelectorConfig lists the DOM heuristics used to read result pages.
type SelectorConfig struct {
	Cards          []string `yaml:"cards" json:"cards"`
	ProductLinks   []string `yaml:"product_links" json:"product_links"`
	SponsorMarkers []string `yaml:"sponsor_markers" json:"sponsor_markers"`
	SponsorClasses []string `yaml:"sponsor_classes" json:"sponsor_classes"`
	SponsorAttrs   []string `yaml:"sponsor_attrs" json:"sponsor_attrs"`
	StoreNames     []string `yaml:"store_names" json:"store_names"`
	Prices         []string `yaml:"prices" json:"prices"`
	BlockMarkers   []string `yaml:"block_markers" json:"block_markers"`
}

// ShapingConfig tunes the human-like pacing of browser sessions.
type ShapingConfig struct {
	ExtractDelay Range    `yaml:"extract_delay" json:"extract_delay"`
	PageDelay    Range    `yaml:"page_delay" json:"page_delay"`
	ScrollStep   int      `yaml:"scroll_step" json:"scroll_step"`
	ScrollPause  Duration `yaml:"scroll_pause" json:"scroll_pause"`
}

// QueueConfig controls retry behaviour of the single-flight queue.
type QueueConfig struct {
	MaxRetries        int      `yaml:"max_retries" json:"max_retries"`
	RetryBackoff      Duration `yaml:"retry_backoff" json:"retry_backoff"`
	ItemDelay         Duration `yaml:"item_delay" json:"item_delay"`
	ProgressRetention Duration `yaml:"progress_retention" json:"progress_retention"`
}

// SchedulerConfig controls tick evaluation and maintenance jobs.
type SchedulerConfig struct {
	Granularity      string   `yaml:"granularity" json:"granularity"`
	Tick             Duration `yaml:"tick" json:"tick"`
	Timezone         string   `yaml:"timezone" json:"timezone"`
	HistoryRetention Duration `yaml:"history_retention" json:"history_retention"`
	SnapshotDays     int      `yaml:"snapshot_days" json:"snapshot_days"`
	DailySpec        string   `yaml:"daily_spec" json:"daily_spec"`
	WeeklySpec       string   `yaml:"weekly_spec" json:"weekly_spec"`
	MonthlySpec      string   `yaml:"monthly_spec" json:"monthly_spec"`
	YearlySpec       string   `yaml:"yearly_spec" json:"yearly_spec"`
}

// Location resolves the configured civil timezone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// ServerConfig controls the status API listener.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Structured bool   `yaml:"structured" json:"structured"`
}

// Default returns a Config populated with production defaults.
func Default() Config {
	return Config{
		DB: SQLConfig{
			Driver:      "postgres",
			AutoMigrate: true,
		},
		Redis: RedisConfig{
			Key:     "shoprank:progress",
			Timeout: DurationFrom(5 * time.Second),
		},
		OpenAPI: OpenAPIConfig{
			Endpoint:          "https://openapi.naver.com/v1/search/shop.json",
			Timeout:           DurationFrom(10 * time.Second),
			PageSize:          100,
			Pages:             2,
			RedirectBatchSize: 8,
			RedirectTimeout:   DurationFrom(8 * time.Second),
			RateLimit: RateLimitConfig{
				Requests: 10,
				Window:   DurationFrom(time.Second),
			},
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		},
		Browser: BrowserConfig{
			Engine:            "chromedp",
			Stealth:           true,
			SearchURL:         "https://search.shopping.naver.com/search/all?query={query}&pagingIndex={page}&pagingSize=40&sort=rel",
			MaxPages:          5,
			SponsoredMaxPages: 5,
			NavigationTimeout: DurationFrom(90 * time.Second),
			SelectorTimeout:   DurationFrom(15 * time.Second),
			WindowWidth:       1366,
			WindowHeight:      900,
		},
		Selectors: DefaultSelectors(),
		Shaping: ShapingConfig{
			ExtractDelay: RangeFrom(3*time.Second, 6*time.Second),
			PageDelay:    RangeFrom(8*time.Second, 15*time.Second),
			ScrollStep:   600,
			ScrollPause:  DurationFrom(300 * time.Millisecond),
		},
		Queue: QueueConfig{
			MaxRetries:        2,
			RetryBackoff:      DurationFrom(2 * time.Second),
			ItemDelay:         DurationFrom(500 * time.Millisecond),
			ProgressRetention: DurationFrom(30 * time.Minute),
		},
		Scheduler: SchedulerConfig{
			Granularity:      "minute",
			Tick:             DurationFrom(time.Minute),
			Timezone:         "Asia/Seoul",
			HistoryRetention: DurationFrom(3 * 365 * 24 * time.Hour),
			SnapshotDays:     7,
			DailySpec:        "0 0 * * *",
			WeeklySpec:       "0 0 * * 1",
			MonthlySpec:      "0 0 1 * *",
			YearlySpec:       "0 0 1 1 *",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// DefaultSelectors returns the shopping result page heuristics.
func DefaultSelectors() SelectorConfig {
	return SelectorConfig{
		Cards: []string{
			"div[class*='product_item']",
			"div[class*='adProduct_item']",
			"div[class*='superSavingProduct_item']",
			"li[class*='basicList_item']",
			"div[class*='basicList_item']",
		},
		ProductLinks: []string{
			"a[href*='/products/']",
			"a[href*='/catalog/']",
			"a[href*='nvMid=']",
			"a[href*='productId=']",
			"a[href*='prodNo=']",
			"a[href*='adcr']",
			"a[href*='smartstore']",
		},
		SponsorMarkers: []string{"AD", "광고", "스폰서", "Sponsored"},
		SponsorClasses: []string{"ad_", "adProduct", "sponsor", "_ad", "ad-badge"},
		SponsorAttrs:   []string{"data-ad", "data-is-ad", "data-sponsored", "data-ad-id"},
		StoreNames: []string{
			"[class*='product_mall_title'] a",
			"[class*='product_mall']",
			"[class*='basicList_mall']",
			"[class*='adProduct_mall']",
			"[class*='mall_name']",
		},
		Prices: []string{
			"[class*='price_num']",
			"[class*='product_price'] em",
			"[class*='price'] em",
			"[class*='price']",
		},
		BlockMarkers: []string{
			"보안 확인",
			"security check",
			"captcha",
			"blocked",
			"비정상적인 접근",
			"자동입력 방지",
			"access denied",
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
// Environment overrides are applied after the file is decoded.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ApplyEnv overlays credentials and connection strings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SHOPRANK_OPENAPI_CLIENT_ID"); ok {
		c.OpenAPI.ClientID = v
	}
	if v, ok := lookup("SHOPRANK_OPENAPI_CLIENT_SECRET"); ok {
		c.OpenAPI.ClientSecret = v
	}
	if v, ok := lookup("SHOPRANK_DB_DSN"); ok {
		c.DB.DSN = v
	}
	if v, ok := lookup("REDIS_ADDRESS"); ok {
		c.Redis.Address = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("REDIS_DB"); ok && strings.TrimSpace(v) != "" {
		db, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	return nil
}

// Validate enforces required invariants.
func (c Config) Validate() error {
	if c.OpenAPI.PageSize <= 0 || c.OpenAPI.PageSize > 100 {
		return fmt.Errorf("openapi.page_size must be in 1..100 (got %d)", c.OpenAPI.PageSize)
	}
	if c.OpenAPI.Pages <= 0 {
		return fmt.Errorf("openapi.pages must be > 0 (got %d)", c.OpenAPI.Pages)
	}
	if c.OpenAPI.RedirectBatchSize <= 0 {
		return fmt.Errorf("openapi.redirect_batch_size must be > 0 (got %d)", c.OpenAPI.RedirectBatchSize)
	}
	if (c.OpenAPI.ClientID == "") != (c.OpenAPI.ClientSecret == "") {
		return errors.New("openapi.client_id and openapi.client_secret must be set together")
	}
	if c.Browser.MaxPages <= 0 || c.Browser.SponsoredMaxPages <= 0 {
		return fmt.Errorf("browser.max_pages and browser.sponsored_max_pages must be > 0")
	}
	if !strings.Contains(c.Browser.SearchURL, "{query}") || !strings.Contains(c.Browser.SearchURL, "{page}") {
		return errors.New("browser.search_url must contain {query} and {page}")
	}
	switch c.Browser.Engine {
	case "chromedp", "chrome":
	default:
		return fmt.Errorf("unsupported browser engine %q", c.Browser.Engine)
	}
	if len(c.Selectors.Cards) == 0 || len(c.Selectors.ProductLinks) == 0 {
		return errors.New("selectors.cards and selectors.product_links must not be empty")
	}
	if err := c.Shaping.ExtractDelay.validate("shaping.extract_delay"); err != nil {
		return err
	}
	if err := c.Shaping.PageDelay.validate("shaping.page_delay"); err != nil {
		return err
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0 (got %d)", c.Queue.MaxRetries)
	}
	if c.Queue.ProgressRetention.Duration <= 0 {
		return errors.New("queue.progress_retention must be > 0")
	}
	switch c.Scheduler.Granularity {
	case "minute":
		if c.Scheduler.Tick.Duration != time.Minute {
			return fmt.Errorf("scheduler.tick must be 1m for minute granularity (got %s)", c.Scheduler.Tick.Duration)
		}
	case "second":
		tick := c.Scheduler.Tick.Duration
		if tick < time.Second || tick%time.Second != 0 || time.Minute%tick != 0 {
			return fmt.Errorf("scheduler.tick must be whole seconds dividing a minute (got %s)", tick)
		}
	default:
		return fmt.Errorf("scheduler.granularity must be minute or second (got %q)", c.Scheduler.Granularity)
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return err
	}
	if c.Scheduler.HistoryRetention.Duration <= 0 {
		return errors.New("scheduler.history_retention must be > 0")
	}
	if c.Scheduler.SnapshotDays <= 0 {
		return fmt.Errorf("scheduler.snapshot_days must be > 0 (got %d)", c.Scheduler.SnapshotDays)
	}
	return nil
}

func (c *Config) normalise() {
	c.OpenAPI.ClientID = strings.TrimSpace(c.OpenAPI.ClientID)
	c.OpenAPI.ClientSecret = strings.TrimSpace(c.OpenAPI.ClientSecret)
	c.OpenAPI.Endpoint = strings.TrimSpace(c.OpenAPI.Endpoint)
	c.Browser.Engine = strings.ToLower(strings.TrimSpace(c.Browser.Engine))
	c.Browser.SearchURL = strings.TrimSpace(c.Browser.SearchURL)
	c.Browser.UserAgent = strings.TrimSpace(c.Browser.UserAgent)
	c.Scheduler.Granularity = strings.ToLower(strings.TrimSpace(c.Scheduler.Granularity))
	c.Scheduler.Timezone = strings.TrimSpace(c.Scheduler.Timezone)
	c.DB.DSN = strings.TrimSpace(c.DB.DSN)
	c.Redis.Address = strings.TrimSpace(c.Redis.Address)

	c.Selectors.Cards = dedupe(c.Selectors.Cards)
	c.Selectors.ProductLinks = dedupe(c.Selectors.ProductLinks)
	c.Selectors.SponsorMarkers = dedupe(c.Selectors.SponsorMarkers)
	c.Selectors.SponsorClasses = dedupe(c.Selectors.SponsorClasses)
	c.Selectors.SponsorAttrs = dedupe(c.Selectors.SponsorAttrs)
	c.Selectors.StoreNames = dedupe(c.Selectors.StoreNames)
	c.Selectors.Prices = dedupe(c.Selectors.Prices)
	c.Selectors.BlockMarkers = dedupeLower(c.Selectors.BlockMarkers)
}

// dedupe trims and removes duplicates while keeping priority order.
func dedupe(values []string) []string {
	if len(values) == 0 {
		return values
	}
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}

func dedupeLower(values []string) []string {
	lowered := make([]string, 0, len(values))
	for _, v := range values {
		lowered = append(lowered, strings.ToLower(v))
	}
	return dedupe(lowered)
}
