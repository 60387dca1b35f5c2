package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Emby        EmbyConfig        `mapstructure:"emby" yaml:"emby"`
	TMDB        TMDBConfig        `mapstructure:"tmdb" yaml:"tmdb"`
	Douban      DoubanConfig      `mapstructure:"douban" yaml:"douban"`
	Translation TranslationConfig `mapstructure:"translation" yaml:"translation"`
	Processing  ProcessingConfig  `mapstructure:"processing" yaml:"processing"`
	LocalData   LocalDataConfig   `mapstructure:"localdata" yaml:"localdata"`
	Enricher    EnricherConfig    `mapstructure:"enricher" yaml:"enricher"`
	Schedule    ScheduleConfig    `mapstructure:"schedule" yaml:"schedule"`
	MoviePilot  MoviePilotConfig  `mapstructure:"moviepilot" yaml:"moviepilot"`
	Update      UpdateConfig      `mapstructure:"update" yaml:"update"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTLHours int    `mapstructure:"token_ttl_hours" yaml:"token_ttl_hours"`
}

// EmbyConfig holds the media-server connection settings.
type EmbyConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	UserID string `mapstructure:"user_id" yaml:"user_id"`
	// LibraryBlacklist names libraries skipped by full scans, comma separated.
	LibraryBlacklist string `mapstructure:"library_blacklist" yaml:"library_blacklist"`
}

// TMDBConfig holds TMDB API configuration.
type TMDBConfig struct {
	APIKey       string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	ImageBaseURL string `mapstructure:"image_base_url" yaml:"image_base_url"`
	Timeout      int    `mapstructure:"timeout" yaml:"timeout"`
}

// DoubanConfig holds Douban access settings.
type DoubanConfig struct {
	Cookie          string  `mapstructure:"cookie" yaml:"cookie"`
	CooldownSeconds float64 `mapstructure:"cooldown_seconds" yaml:"cooldown_seconds"`
}

// AIConfig holds the batch translation provider settings. The API is
// OpenAI chat compatible.
type AIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	Model   string `mapstructure:"model" yaml:"model"`
}

// TranslationConfig holds translator settings.
type TranslationConfig struct {
	// Engines is the fallback order for single-text translation.
	Engines []string `mapstructure:"engines" yaml:"engines"`
	AI      AIConfig `mapstructure:"ai" yaml:"ai"`
}

// ProcessingConfig holds cast-processing knobs.
type ProcessingConfig struct {
	MaxActors       int     `mapstructure:"max_actors" yaml:"max_actors"`
	MinScore        float64 `mapstructure:"min_score" yaml:"min_score"`
	ProcessEpisodes bool    `mapstructure:"process_episodes" yaml:"process_episodes"`
	SyncImages      bool    `mapstructure:"sync_images" yaml:"sync_images"`
	// AddRolePrefix renders roles as "饰 X" / "配 X" in the final cast.
	AddRolePrefix bool `mapstructure:"add_role_prefix" yaml:"add_role_prefix"`
	// RefreshReplaceAll makes the post-write server refresh replace all
	// metadata instead of just missing fields.
	RefreshReplaceAll bool `mapstructure:"refresh_replace_all" yaml:"refresh_replace_all"`
	// DelaySeconds is the pause between items during a full scan.
	DelaySeconds float64 `mapstructure:"delay_seconds" yaml:"delay_seconds"`
}

// LocalDataConfig locates the metadata sidecar tree (cache/ and override/).
type LocalDataConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// EnricherConfig bounds the identity-map enrichment runs.
type EnricherConfig struct {
	DurationMinutes  int `mapstructure:"duration_minutes" yaml:"duration_minutes"`
	SyncIntervalDays int `mapstructure:"sync_interval_days" yaml:"sync_interval_days"`
	Workers          int `mapstructure:"workers" yaml:"workers"`
}

// ScheduleConfig holds cron expressions per background task.
// An empty expression disables the schedule.
type ScheduleConfig struct {
	EnrichAliases      string `mapstructure:"enrich_aliases" yaml:"enrich_aliases"`
	FullScan           string `mapstructure:"full_scan" yaml:"full_scan"`
	RefreshCollections string `mapstructure:"refresh_collections" yaml:"refresh_collections"`
	ProcessWatchlist   string `mapstructure:"process_watchlist" yaml:"process_watchlist"`
	AutoSubscribe      string `mapstructure:"auto_subscribe" yaml:"auto_subscribe"`
	PopulateMetadata   string `mapstructure:"populate_metadata" yaml:"populate_metadata"`
	ActorTracking      string `mapstructure:"actor_tracking" yaml:"actor_tracking"`
	UpdateCheck        string `mapstructure:"update_check" yaml:"update_check"`
}

// MoviePilotConfig holds the optional subscription backend.
type MoviePilotConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	URL      string `mapstructure:"url" yaml:"url"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// UpdateConfig holds release-check settings.
type UpdateConfig struct {
	Repo        string `mapstructure:"repo" yaml:"repo"`
	GithubToken string `mapstructure:"github_token" yaml:"github_token"`
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.castflow")
	}

	v.SetEnvPrefix("CASTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults + env vars
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.TMDB.APIKey == "" {
		cfg.TMDB.APIKey = EmbeddedTMDBKey
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5257)

	v.SetDefault("database.path", "./data/castflow.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "./data/logs")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl_hours", 72)

	v.SetDefault("emby.url", "")
	v.SetDefault("emby.api_key", "")
	v.SetDefault("emby.user_id", "")
	v.SetDefault("emby.library_blacklist", "")

	v.SetDefault("tmdb.api_key", "")
	v.SetDefault("tmdb.base_url", "https://api.themoviedb.org/3")
	v.SetDefault("tmdb.image_base_url", "https://image.tmdb.org/t/p")
	v.SetDefault("tmdb.timeout", 30)

	v.SetDefault("douban.cookie", "")
	v.SetDefault("douban.cooldown_seconds", 2.0)

	v.SetDefault("translation.engines", []string{"bing", "google", "baidu"})
	v.SetDefault("translation.ai.enabled", false)
	v.SetDefault("translation.ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("translation.ai.api_key", "")
	v.SetDefault("translation.ai.model", "gpt-4o-mini")

	v.SetDefault("processing.max_actors", 30)
	v.SetDefault("processing.min_score", 6.0)
	v.SetDefault("processing.process_episodes", true)
	v.SetDefault("processing.sync_images", false)
	v.SetDefault("processing.add_role_prefix", false)
	v.SetDefault("processing.refresh_replace_all", true)
	v.SetDefault("processing.delay_seconds", 0.5)

	v.SetDefault("localdata.path", "./data/localdata")

	v.SetDefault("enricher.duration_minutes", 420)
	v.SetDefault("enricher.sync_interval_days", 7)
	v.SetDefault("enricher.workers", 5)

	v.SetDefault("schedule.enrich_aliases", "")
	v.SetDefault("schedule.full_scan", "")
	v.SetDefault("schedule.refresh_collections", "")
	v.SetDefault("schedule.process_watchlist", "")
	v.SetDefault("schedule.auto_subscribe", "")
	v.SetDefault("schedule.populate_metadata", "")
	v.SetDefault("schedule.actor_tracking", "")
	v.SetDefault("schedule.update_check", "0 6 * * *")

	v.SetDefault("moviepilot.enabled", false)
	v.SetDefault("moviepilot.url", "")
	v.SetDefault("moviepilot.username", "")
	v.SetDefault("moviepilot.password", "")

	v.SetDefault("update.repo", "castflow/castflow")
	v.SetDefault("update.github_token", "")
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

var embyUserIDPattern = regexp.MustCompile(`(?i)^[a-f0-9]{32}$`)

// Validate checks fields that would break downstream adapters when wrong.
func (c *Config) Validate() error {
	if c.Emby.UserID != "" && !embyUserIDPattern.MatchString(c.Emby.UserID) {
		return fmt.Errorf("emby user_id must be a 32 character hex id, got %q", c.Emby.UserID)
	}
	if c.Processing.MaxActors <= 0 {
		return fmt.Errorf("processing max_actors must be positive, got %d", c.Processing.MaxActors)
	}
	return nil
}

// FindAvailablePort probes ports starting at start and returns the first
// one that can be bound, trying at most attempts ports.
func FindAvailablePort(start, attempts int) (int, error) {
	for port := start; port < start+attempts; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no available port in range %d-%d", start, start+attempts-1)
}
