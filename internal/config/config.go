// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// Ledger backends.
const (
	LedgerFile     = "file"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Mirror backends.
const (
	MirrorNone  = "none"
	MirrorLocal = "local"
	MirrorGCS   = "gcs"
)

// Notification backends.
const (
	NotifyNone   = "none"
	NotifyMemory = "memory"
	NotifyPubSub = "pubsub"
)

// Trace exporters.
const (
	TraceNone = "none"
	TraceGCP  = "gcp"
)

// Config captures every knob of the harvester. It is built once by Load and
// passed by value into constructors.
type Config struct {
	Sources     SourcesConfig     `mapstructure:"sources"`
	Paths       PathsConfig       `mapstructure:"paths"`
	Filter      FilterConfig      `mapstructure:"filter"`
	Normalize   NormalizeConfig   `mapstructure:"normalize"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	YTDLP       YTDLPConfig       `mapstructure:"ytdlp"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Resolver    ResolverConfig    `mapstructure:"resolver"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Mirror      MirrorConfig      `mapstructure:"mirror"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
}

// SourcesConfig lists the locators processed when none are given explicitly.
type SourcesConfig struct {
	Locators []string `mapstructure:"locators"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	// StateDir holds completion markers.
	StateDir string `mapstructure:"state_dir"`
}

// FilterConfig holds exclusion keywords matched against titles and filenames.
type FilterConfig struct {
	SkipKeywords []string `mapstructure:"skip_keywords"`
}

// NormalizeConfig controls canonical filenames.
type NormalizeConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Extension     string        `mapstructure:"extension"`
	RemovePhrases []string      `mapstructure:"remove_phrases"`
	ASCIIOnly     bool          `mapstructure:"ascii_only"`
	KeepChars     string        `mapstructure:"keep_chars"`
	StripScripts  []string      `mapstructure:"strip_scripts"`
	MaxSuffix     int           `mapstructure:"max_suffix"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
	WatchMinAge   time.Duration `mapstructure:"watch_min_age"`
}

// ConcurrencyConfig sets the two stage pools.
type ConcurrencyConfig struct {
	Metadata int `mapstructure:"metadata"`
	Download int `mapstructure:"download"`
}

// YTDLPConfig describes the extraction tool invocation.
type YTDLPConfig struct {
	Binary       string        `mapstructure:"binary"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CookiesFile  string        `mapstructure:"cookies_file"`
	Format       string        `mapstructure:"format"`
	AudioFormat  string        `mapstructure:"audio_format"`
	AudioQuality string        `mapstructure:"audio_quality"`
	ExtraArgs    []string      `mapstructure:"extra_args"`
}

// RateLimitConfig configures per-host token buckets for tool calls.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ResolverConfig tunes locator expansion.
type ResolverConfig struct {
	MaxDepth        int           `mapstructure:"max_depth"`
	PagePatterns    []string      `mapstructure:"page_patterns"`
	PageLinkPattern string        `mapstructure:"page_link_pattern"`
	UserAgent       string        `mapstructure:"user_agent"`
	PageTimeout     time.Duration `mapstructure:"page_timeout"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	Flush    string `mapstructure:"flush"`
}

// MirrorConfig selects where finished artifacts are copied.
type MirrorConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// NotifyConfig selects where completion notifications go.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TracingConfig selects where run spans are exported.
type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// MetricsConfig controls Prometheus exposition.
type MetricsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// LoggingConfig toggles zap development features and extra sinks.
type LoggingConfig struct {
	Development bool     `mapstructure:"development"`
	Level       string   `mapstructure:"level"`
	OutputPaths []string `mapstructure:"output_paths"`
	// Progress mirrors every progress event into the log at debug level.
	Progress bool `mapstructure:"progress"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load builds a Config from defaults, an optional file and HARVEST_* variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.trim()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultSkipKeywords exclude promotional uploads unless overridden.
var DefaultSkipKeywords = []string{"interview", "trailer", "promo", "teaser"}

// DefaultRemovePhrases are honorifics and tags stripped from filenames.
// Surrounding spaces are significant: " س " only matches the standalone letter.
var DefaultRemovePhrases = []string{
	"(as)", "(sa)", "(A S )", "a s", "(a.s)", "(a.s.)", " س ", "ﷺ", " ص ", "(ص)", "()", "s a w w", "new", "NEW",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sources.locators", []string{})
	v.SetDefault("paths.output_dir", "downloads")
	v.SetDefault("paths.state_dir", ".harvest")
	v.SetDefault("filter.skip_keywords", slices.Clone(DefaultSkipKeywords))
	v.SetDefault("normalize.enabled", true)
	v.SetDefault("normalize.extension", ".mp3")
	v.SetDefault("normalize.remove_phrases", slices.Clone(DefaultRemovePhrases))
	v.SetDefault("normalize.ascii_only", false)
	v.SetDefault("normalize.keep_chars", "")
	v.SetDefault("normalize.strip_scripts", []string{})
	v.SetDefault("normalize.max_suffix", 1000)
	v.SetDefault("normalize.watch_debounce", "2s")
	v.SetDefault("normalize.watch_min_age", "5s")
	v.SetDefault("concurrency.metadata", 6)
	v.SetDefault("concurrency.download", 2)
	v.SetDefault("ytdlp.binary", "yt-dlp")
	v.SetDefault("ytdlp.timeout", "30m")
	v.SetDefault("ytdlp.cookies_file", "cookies.txt")
	v.SetDefault("ytdlp.format", "bestaudio/best")
	v.SetDefault("ytdlp.audio_format", "mp3")
	v.SetDefault("ytdlp.audio_quality", "192")
	v.SetDefault("ytdlp.extra_args", []string{})
	v.SetDefault("ratelimit.rps", 0.0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("resolver.max_depth", 3)
	v.SetDefault("resolver.page_patterns", []string{})
	v.SetDefault("resolver.page_link_pattern", "")
	v.SetDefault("resolver.user_agent", "media-harvester/0.1")
	v.SetDefault("resolver.page_timeout", "20s")
	v.SetDefault("ledger.backend", LedgerFile)
	v.SetDefault("ledger.path", "download_history.txt")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.table", "harvest_ledger")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("ledger.flush", "end")
	v.SetDefault("mirror.backend", MirrorNone)
	v.SetDefault("mirror.base_dir", "")
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("notify.backend", NotifyNone)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "harvest-downloads")
	v.SetDefault("tracing.exporter", TraceNone)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "media-harvester")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output_paths", []string{})
	v.SetDefault("logging.progress", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "30s")
}

// trim drops blank list entries that comma-separated env values leave behind.
// Remove phrases keep their spaces.
func (c *Config) trim() {
	phrases := make([]string, 0, len(c.Normalize.RemovePhrases))
	for _, p := range c.Normalize.RemovePhrases {
		if strings.TrimSpace(p) != "" {
			phrases = append(phrases, p)
		}
	}
	c.Normalize.RemovePhrases = phrases

	for _, list := range []*[]string{
		&c.Sources.Locators,
		&c.Filter.SkipKeywords,
		&c.Normalize.StripScripts,
		&c.Resolver.PagePatterns,
		&c.Logging.OutputPaths,
	} {
		out := (*list)[:0]
		for _, s := range *list {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*list = out
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validation.ValidateStruct(&c.Paths,
		validation.Field(&c.Paths.OutputDir, validation.Required),
		validation.Field(&c.Paths.StateDir, validation.Required),
	); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := validation.ValidateStruct(&c.Concurrency,
		validation.Field(&c.Concurrency.Metadata, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.Concurrency.Download, validation.Required, validation.Min(1), validation.Max(32)),
	); err != nil {
		return fmt.Errorf("concurrency: %w", err)
	}
	if err := validation.ValidateStruct(&c.Normalize,
		validation.Field(&c.Normalize.Extension, validation.Required),
		validation.Field(&c.Normalize.MaxSuffix, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	if err := validation.ValidateStruct(&c.YTDLP,
		validation.Field(&c.YTDLP.Binary, validation.Required),
		validation.Field(&c.YTDLP.AudioFormat, validation.Required),
	); err != nil {
		return fmt.Errorf("ytdlp: %w", err)
	}
	if c.YTDLP.Timeout < 0 {
		return fmt.Errorf("ytdlp.timeout must be >= 0")
	}
	if err := validation.ValidateStruct(&c.Resolver,
		validation.Field(&c.Resolver.MaxDepth, validation.Min(0), validation.Max(10)),
	); err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	if err := validation.ValidateStruct(&c.Ledger,
		validation.Field(&c.Ledger.Backend, validation.Required, validation.In(LedgerFile, LedgerSQLite, LedgerPostgres)),
		validation.Field(&c.Ledger.Path, validation.When(c.Ledger.Backend != LedgerPostgres, validation.Required)),
		validation.Field(&c.Ledger.DSN, validation.When(c.Ledger.Backend == LedgerPostgres, validation.Required)),
		validation.Field(&c.Ledger.Flush, validation.In("end", "incremental")),
	); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := validation.ValidateStruct(&c.Mirror,
		validation.Field(&c.Mirror.Backend, validation.In(MirrorNone, MirrorLocal, MirrorGCS)),
		validation.Field(&c.Mirror.BaseDir, validation.When(c.Mirror.Backend == MirrorLocal, validation.Required)),
		validation.Field(&c.Mirror.Bucket, validation.When(c.Mirror.Backend == MirrorGCS, validation.Required)),
	); err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	if err := validation.ValidateStruct(&c.Notify,
		validation.Field(&c.Notify.Backend, validation.In(NotifyNone, NotifyMemory, NotifyPubSub)),
		validation.Field(&c.Notify.ProjectID, validation.When(c.Notify.Backend == NotifyPubSub, validation.Required)),
		validation.Field(&c.Notify.Topic, validation.When(c.Notify.Backend != NotifyNone, validation.Required)),
	); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if err := validation.ValidateStruct(&c.Tracing,
		validation.Field(&c.Tracing.Exporter, validation.In(TraceNone, TraceGCP)),
		validation.Field(&c.Tracing.ProjectID, validation.When(c.Tracing.Exporter == TraceGCP, validation.Required)),
		validation.Field(&c.Tracing.SampleRatio, validation.Min(0.0), validation.Max(1.0)),
	); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("ratelimit.rps must be >= 0")
	}
	return nil
}

// Mirroring reports whether artifacts are copied anywhere after a run.
func (c Config) Mirroring() bool {
	return c.Mirror.Backend != "" && c.Mirror.Backend != MirrorNone
}
