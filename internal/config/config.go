package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/noctua-obs/noctua/internal/archive"
	"github.com/noctua-obs/noctua/internal/hook"
	"github.com/noctua-obs/noctua/internal/logger"
	"github.com/noctua-obs/noctua/internal/nightsched"
	"github.com/noctua-obs/noctua/internal/sequence"
	"github.com/noctua-obs/noctua/internal/source"
	"github.com/noctua-obs/noctua/internal/supervisor"
	"github.com/noctua-obs/noctua/internal/watcher"
	"github.com/spf13/viper"
)

// Config is the fully loaded runner configuration. Section structs keep the
// TOML shape; accessor methods hand out the per-component configs.
type Config struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Site         SiteConfig            `toml:"site" mapstructure:"site"`
	API          APIConfig             `toml:"api" mapstructure:"api"`
	Imaging      ImagingConfig         `toml:"imaging" mapstructure:"imaging"`
	Hooks        map[string]hook.Spec  `toml:"hooks" mapstructure:"hooks"`
	Orchestrator OrchestratorConfig    `toml:"orchestrator" mapstructure:"orchestrator"`
	Journal      JournalConfig         `toml:"journal" mapstructure:"journal"`
	Events       EventsConfig          `toml:"events" mapstructure:"events"`
	Archive      *ArchiveConfig        `toml:"archive" mapstructure:"archive"`
	Server       *ServerConfig         `toml:"server" mapstructure:"server"`
	Metrics      *MetricsConfig        `toml:"metrics" mapstructure:"metrics"`
	Log          logger.Config         `toml:"log" mapstructure:"log"`
	Maintenance  MaintenanceConfig     `toml:"maintenance" mapstructure:"maintenance"`

	// GlobalEnv is derived from UseOSEnv, EnvFiles and Env. It is the site
	// environment every spawned process and hook inherits.
	GlobalEnv []string `toml:"-" mapstructure:"-"`
}

// SiteConfig identifies the observing site and telescope.
type SiteConfig struct {
	Name        string  `toml:"name" mapstructure:"name"`
	ScopeID     int     `toml:"scope_id" mapstructure:"scope_id"`
	DataDir     string  `toml:"data_dir" mapstructure:"data_dir"`
	Latitude    float64 `toml:"latitude" mapstructure:"latitude"`
	Longitude   float64 `toml:"longitude" mapstructure:"longitude"` // east positive
	TwilightDeg float64 `toml:"twilight_deg" mapstructure:"twilight_deg"`
}

// APIConfig points at the remote task store.
type APIConfig struct {
	BaseURL  string        `toml:"base_url" mapstructure:"base_url"`
	Username string        `toml:"username" mapstructure:"username"`
	Password string        `toml:"password" mapstructure:"password"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
	Insecure bool          `toml:"insecure" mapstructure:"insecure"`
}

// ImagingConfig describes the imaging application and its inputs/outputs.
type ImagingConfig struct {
	Command      string        `toml:"command" mapstructure:"command"`
	SequenceFlag string        `toml:"sequence_flag" mapstructure:"sequence_flag"`
	WorkDir      string        `toml:"workdir" mapstructure:"workdir"`
	Env          []string      `toml:"env" mapstructure:"env"`
	StallTimeout time.Duration `toml:"stall_timeout" mapstructure:"stall_timeout"`
	GracePeriod  time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	TemplateDir  string        `toml:"template_dir" mapstructure:"template_dir"`
	SequenceDir  string        `toml:"sequence_dir" mapstructure:"sequence_dir"`

	// Frames configures discovery of files the application writes.
	Frames watcher.Config `toml:"frames" mapstructure:"frames"`

	// Log overrides the top-level [log.file] rotation for captured output.
	Log *logger.FileConfig `toml:"log" mapstructure:"log"`
}

// OrchestratorConfig tunes the fetch/report loop.
type OrchestratorConfig struct {
	FetchInterval       time.Duration `toml:"fetch_interval" mapstructure:"fetch_interval"`
	FetchRetryMax       int           `toml:"fetch_retry_max" mapstructure:"fetch_retry_max"`
	IdleInterval        time.Duration `toml:"idle_interval" mapstructure:"idle_interval"`
	ReportRetryMax      int           `toml:"report_retry_max" mapstructure:"report_retry_max"`
	ReportRetryInterval time.Duration `toml:"report_retry_interval" mapstructure:"report_retry_interval"`
	OutputGrace         time.Duration `toml:"output_grace" mapstructure:"output_grace"`
	NightPoll           time.Duration `toml:"night_poll" mapstructure:"night_poll"`
}

// JournalConfig selects the local outcome ledger backend.
type JournalConfig struct {
	DSN       string        `toml:"dsn" mapstructure:"dsn"`
	Retention time.Duration `toml:"retention" mapstructure:"retention"`
}

// EventsConfig lists telemetry sink DSNs (clickhouse://..., nats://...).
type EventsConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// ArchiveConfig enables frame upload to S3-compatible storage.
type ArchiveConfig struct {
	Enabled         bool          `toml:"enabled" mapstructure:"enabled"`
	Endpoint        string        `toml:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string        `toml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string        `toml:"secret_access_key" mapstructure:"secret_access_key"`
	UseSSL          bool          `toml:"use_ssl" mapstructure:"use_ssl"`
	Bucket          string        `toml:"bucket" mapstructure:"bucket"`
	BasePath        string        `toml:"base_path" mapstructure:"base_path"`
	Retention       time.Duration `toml:"retention" mapstructure:"retention"`
}

// ServerConfig describes the local status API listener.
type ServerConfig struct {
	Listen        string     `toml:"listen" mapstructure:"listen"`
	BasePath      string     `toml:"base_path" mapstructure:"base_path"`
	PidFile       string     `toml:"pidfile" mapstructure:"pidfile"`
	LogFile       string     `toml:"logfile" mapstructure:"logfile"`
	TLS           *TLSConfig `toml:"tls" mapstructure:"tls"`
	TLSMinVersion string     `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion string     `toml:"tls_max_version" mapstructure:"tls_max_version"`
}

// TLSConfig configures HTTPS for the status API.
type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

// AutoGenTLS tunes self-signed certificate generation.
type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// MetricsConfig enables prometheus registration and the per-run sampler.
type MetricsConfig struct {
	Enabled    bool              `toml:"enabled" mapstructure:"enabled"`
	RunSampler *RunSamplerConfig `toml:"run_sampler" mapstructure:"run_sampler"`
}

// RunSamplerConfig tunes resource sampling of the imaging process.
type RunSamplerConfig struct {
	Enabled    bool          `toml:"enabled" mapstructure:"enabled"`
	Interval   time.Duration `toml:"interval" mapstructure:"interval"`
	MaxHistory int           `toml:"max_history" mapstructure:"max_history"`
}

// MaintenanceConfig schedules background cleanup (robfig cron expressions).
type MaintenanceConfig struct {
	JournalPurgeSchedule   string        `toml:"journal_purge_schedule" mapstructure:"journal_purge_schedule"`
	SequenceSweepSchedule  string        `toml:"sequence_sweep_schedule" mapstructure:"sequence_sweep_schedule"`
	SequenceMaxAge         time.Duration `toml:"sequence_max_age" mapstructure:"sequence_max_age"`
	ArchiveCleanupSchedule string        `toml:"archive_cleanup_schedule" mapstructure:"archive_cleanup_schedule"`
}

// LoadConfig reads a TOML file, applies defaults, validates and derives the
// global environment. Paths under [site].data_dir are resolved relative to
// the config file's directory.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	genv, err := buildGlobalEnv(&cfg)
	if err != nil {
		return nil, err
	}
	cfg.GlobalEnv = genv
	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Site.TwilightDeg == 0 {
		// Nautical twilight.
		c.Site.TwilightDeg = 12
	}
	if c.Site.DataDir == "" {
		c.Site.DataDir = "data"
	}
	if !filepath.IsAbs(c.Site.DataDir) {
		c.Site.DataDir = filepath.Join(baseDir, c.Site.DataDir)
	}
	if c.Imaging.TemplateDir == "" {
		c.Imaging.TemplateDir = filepath.Join(c.Site.DataDir, "templates")
	}
	if c.Imaging.SequenceDir == "" {
		c.Imaging.SequenceDir = filepath.Join(c.Site.DataDir, "sequences")
	}
	if c.Imaging.Frames.Dir == "" {
		c.Imaging.Frames.Dir = filepath.Join(c.Site.DataDir, "frames")
	}
	if c.Journal.DSN == "" {
		c.Journal.DSN = filepath.Join(c.Site.DataDir, "journal.db")
	}
	if c.Journal.Retention == 0 {
		c.Journal.Retention = 30 * 24 * time.Hour
	}
	if c.Log.File.Dir == "" {
		c.Log.File.Dir = filepath.Join(c.Site.DataDir, "logs")
	}
	if c.Maintenance.JournalPurgeSchedule == "" {
		c.Maintenance.JournalPurgeSchedule = "@daily"
	}
	if c.Maintenance.SequenceSweepSchedule == "" {
		c.Maintenance.SequenceSweepSchedule = "@hourly"
	}
	if c.Maintenance.SequenceMaxAge == 0 {
		c.Maintenance.SequenceMaxAge = 72 * time.Hour
	}
	if c.Maintenance.ArchiveCleanupSchedule == "" {
		c.Maintenance.ArchiveCleanupSchedule = "@daily"
	}
	if c.Server != nil && c.Server.BasePath == "" {
		// Matches the CLI's default daemon URL.
		c.Server.BasePath = "/api"
	}
}

func (c *Config) validate() error {
	if c.Site.ScopeID <= 0 {
		return fmt.Errorf("site.scope_id must be positive")
	}
	if c.Site.Latitude < -90 || c.Site.Latitude > 90 {
		return fmt.Errorf("site.latitude %v out of range [-90,90]", c.Site.Latitude)
	}
	if c.Site.Longitude < -180 || c.Site.Longitude > 180 {
		return fmt.Errorf("site.longitude %v out of range [-180,180]", c.Site.Longitude)
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Imaging.Command == "" {
		return fmt.Errorf("imaging.command is required")
	}
	for name := range c.Hooks {
		switch hook.Stage(name) {
		case hook.StageStartup, hook.StageNightStart, hook.StageNightEnd, hook.StagePostTask:
		default:
			return fmt.Errorf("unknown hook stage %q", name)
		}
	}
	if c.Server != nil && c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required when [server] is set")
	}
	for _, dsn := range c.Events.DSNs {
		if strings.TrimSpace(dsn) == "" {
			return fmt.Errorf("events.dsns contains an empty entry")
		}
	}
	if c.Archive != nil && c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			return fmt.Errorf("archive.endpoint is required when archive is enabled")
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
	}
	return nil
}

// SourceConfig returns the task store client config.
func (c *Config) SourceConfig() source.Config {
	return source.Config{
		BaseURL:  c.API.BaseURL,
		Username: c.API.Username,
		Password: c.API.Password,
		ScopeID:  c.Site.ScopeID,
		Timeout:  c.API.Timeout,
		Insecure: c.API.Insecure,
	}
}

// NightConfig returns the night window parameters.
func (c *Config) NightConfig() nightsched.Config {
	return nightsched.Config{
		LatitudeDeg:  c.Site.Latitude,
		LongitudeDeg: c.Site.Longitude,
		TwilightDeg:  c.Site.TwilightDeg,
	}
}

// SequenceConfig returns the sequence builder config.
func (c *Config) SequenceConfig() sequence.Config {
	return sequence.Config{
		TemplateDir: c.Imaging.TemplateDir,
		Dir:         c.Imaging.SequenceDir,
		ScopeID:     c.Site.ScopeID,
	}
}

// WatcherConfig returns the frame watcher config.
func (c *Config) WatcherConfig() watcher.Config {
	return c.Imaging.Frames
}

// SupervisorConfig returns the imaging process config. Per-run output capture
// uses [imaging.log] when present, otherwise the top-level [log.file].
func (c *Config) SupervisorConfig() supervisor.Config {
	logCfg := c.Log.File
	if c.Imaging.Log != nil {
		if c.Imaging.Log.Dir != "" {
			logCfg.Dir = c.Imaging.Log.Dir
		}
		if c.Imaging.Log.StdoutPath != "" {
			logCfg.StdoutPath = c.Imaging.Log.StdoutPath
		}
		if c.Imaging.Log.StderrPath != "" {
			logCfg.StderrPath = c.Imaging.Log.StderrPath
		}
		if c.Imaging.Log.MaxSizeMB != 0 {
			logCfg.MaxSizeMB = c.Imaging.Log.MaxSizeMB
		}
		if c.Imaging.Log.MaxBackups != 0 {
			logCfg.MaxBackups = c.Imaging.Log.MaxBackups
		}
		if c.Imaging.Log.MaxAgeDays != 0 {
			logCfg.MaxAgeDays = c.Imaging.Log.MaxAgeDays
		}
		if c.Imaging.Log.Compress {
			logCfg.Compress = true
		}
	}
	return supervisor.Config{
		Command:      c.Imaging.Command,
		SequenceFlag: c.Imaging.SequenceFlag,
		WorkDir:      c.Imaging.WorkDir,
		Env:          c.Imaging.Env,
		StallTimeout: c.Imaging.StallTimeout,
		GracePeriod:  c.Imaging.GracePeriod,
		Log:          logCfg,
	}
}

// HookSpecs returns the per-stage hook configuration. Stage names were
// validated at load time.
func (c *Config) HookSpecs() map[hook.Stage]hook.Spec {
	specs := make(map[hook.Stage]hook.Spec, len(c.Hooks))
	for name, spec := range c.Hooks {
		specs[hook.Stage(name)] = spec
	}
	return specs
}

// ArchiveUploaderConfig returns the object storage config, or false when
// archiving is disabled.
func (c *Config) ArchiveUploaderConfig() (archive.Config, bool) {
	if c.Archive == nil || !c.Archive.Enabled {
		return archive.Config{}, false
	}
	return archive.Config{
		Enabled:         true,
		Endpoint:        c.Archive.Endpoint,
		AccessKeyID:     c.Archive.AccessKeyID,
		SecretAccessKey: c.Archive.SecretAccessKey,
		UseSSL:          c.Archive.UseSSL,
		Bucket:          c.Archive.Bucket,
		BasePath:        c.Archive.BasePath,
	}, true
}

// buildGlobalEnv merges, in increasing precedence: OS env when enabled,
// env_files contents in order, then the top-level env list.
func buildGlobalEnv(c *Config) ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := godotenv.Read(filepath.Clean(p))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, val := range pairs {
			m[k] = val
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, val := range m {
		out = append(out, k+"="+val)
	}
	return out, nil
}

// LoadEnvFile parses a dotenv file and returns KEY=VALUE entries.
func LoadEnvFile(path string) ([]string, error) {
	pairs, err := godotenv.Read(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for k, v := range pairs {
		out = append(out, k+"="+v)
	}
	return out, nil
}
