// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level static configuration.
// Maps to the `otokura:` root key in YAML.
type Config struct {
	Storage        StorageConfig        `mapstructure:"storage" yaml:"storage"`
	Processing     ProcessingConfig     `mapstructure:"processing" yaml:"processing"`
	Watcher        WatcherConfig        `mapstructure:"watcher" yaml:"watcher"`
	Extract        ExtractConfig        `mapstructure:"extract" yaml:"extract"`
	Filter         FilterConfig         `mapstructure:"filter" yaml:"filter"`
	Metadata       MetadataConfig       `mapstructure:"metadata" yaml:"metadata"`
	Rename         RenameConfig         `mapstructure:"rename" yaml:"rename"`
	Classification []ClassifyRule       `mapstructure:"classification" yaml:"classification"`
	Companion      CompanionConfig      `mapstructure:"companion" yaml:"companion"`
	PasswordSweep  PasswordSweepConfig  `mapstructure:"password_cleanup" yaml:"password_cleanup"`
	ArchiveSweep   ArchiveSweepConfig   `mapstructure:"archive_cleanup" yaml:"archive_cleanup"`
	Control        ControlConfig        `mapstructure:"control" yaml:"control"`
	Metrics        MetricsConfig        `mapstructure:"metrics" yaml:"metrics"`
	Log            LogConfig            `mapstructure:"log" yaml:"log"`
	DataDir        string               `mapstructure:"data_dir" yaml:"data_dir"`
	TaskHistory    TaskHistoryConfig    `mapstructure:"task_history" yaml:"task_history"`
}

// ─── Storage Roots ───

// StorageConfig names the five filesystem roots the pipeline works across.
// Empty directories resolve relative to data_dir at validation time.
type StorageConfig struct {
	InputDir     string `mapstructure:"input_dir" yaml:"input_dir"`
	TempDir      string `mapstructure:"temp_dir" yaml:"temp_dir"`
	LibraryDir   string `mapstructure:"library_dir" yaml:"library_dir"`
	ProcessedDir string `mapstructure:"processed_dir" yaml:"processed_dir"`
	ExistingDir  string `mapstructure:"existing_dir" yaml:"existing_dir"`
}

// ─── Task Processing ───

// ProcessingConfig bounds the task engine and the stability waiter.
type ProcessingConfig struct {
	MaxConcurrent  int    `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	RetryCount     int    `mapstructure:"retry_count" yaml:"retry_count"`
	StableChecks   int    `mapstructure:"stable_checks" yaml:"stable_checks"`
	StableInterval string `mapstructure:"stable_interval" yaml:"stable_interval"`
	MaxStableWait  string `mapstructure:"max_stable_wait" yaml:"max_stable_wait"`
}

// ─── Watcher ───

// WatcherConfig controls the input directory watcher.
type WatcherConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	ScanInterval       string `mapstructure:"scan_interval" yaml:"scan_interval"`
	AutoClassify       bool   `mapstructure:"auto_classify" yaml:"auto_classify"`
	DeleteAfterProcess bool   `mapstructure:"delete_after_process" yaml:"delete_after_process"`
	MaxStableWait      string `mapstructure:"max_stable_wait" yaml:"max_stable_wait"`
}

// ─── Extraction ───

// ExtractConfig controls the archive extraction engine.
type ExtractConfig struct {
	SevenZipPath        string   `mapstructure:"seven_zip_path" yaml:"seven_zip_path"`
	AutoRepairExtension bool     `mapstructure:"auto_repair_extension" yaml:"auto_repair_extension"`
	VerifyAfterExtract  bool     `mapstructure:"verify_after_extract" yaml:"verify_after_extract"`
	Passwords           []string `mapstructure:"passwords" yaml:"passwords"`
	ExtractNested       bool     `mapstructure:"extract_nested" yaml:"extract_nested"`
	MaxNestedDepth      int      `mapstructure:"max_nested_depth" yaml:"max_nested_depth"`
}

// ─── Filter ───

// FilterConfig controls post-extraction file filtering.
type FilterConfig struct {
	Enabled    bool         `mapstructure:"enabled" yaml:"enabled"`
	FilterDirs bool         `mapstructure:"filter_dirs" yaml:"filter_dirs"`
	Rules      []FilterRule `mapstructure:"rules" yaml:"rules"`
}

// FilterRule is one regex-based deletion rule.
type FilterRule struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
	Target  string `mapstructure:"target" yaml:"target"` // file | folder | all
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

// ─── Metadata / Catalog ───

// MetadataConfig controls the catalog client and the metadata cache.
type MetadataConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	Locale         string `mapstructure:"locale" yaml:"locale"`
	ConnectTimeout string `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    string `mapstructure:"read_timeout" yaml:"read_timeout"`
	SleepInterval  string `mapstructure:"sleep_interval" yaml:"sleep_interval"`
	HTTPProxy      string `mapstructure:"http_proxy" yaml:"http_proxy"`
	CacheEnabled   bool   `mapstructure:"cache_enabled" yaml:"cache_enabled"`
	CacheDays      int    `mapstructure:"cache_days" yaml:"cache_days"`
}

// ─── Rename ───

// RenameConfig controls folder renaming after metadata resolution.
type RenameConfig struct {
	Template              string `mapstructure:"template" yaml:"template"`
	DateFormat            string `mapstructure:"date_format" yaml:"date_format"` // Go time layout
	Delimiter             string `mapstructure:"delimiter" yaml:"delimiter"`
	CVListLeft            string `mapstructure:"cv_list_left" yaml:"cv_list_left"`
	CVListRight           string `mapstructure:"cv_list_right" yaml:"cv_list_right"`
	ExcludeSquareBrackets bool   `mapstructure:"exclude_square_brackets" yaml:"exclude_square_brackets"`
	IllegalCharToFullWidth bool  `mapstructure:"illegal_char_to_full_width" yaml:"illegal_char_to_full_width"`
	TagsMaxNumber         int    `mapstructure:"tags_max_number" yaml:"tags_max_number"`
	FlattenSingleSubfolder bool  `mapstructure:"flatten_single_subfolder" yaml:"flatten_single_subfolder"`
	FlattenDepth          int    `mapstructure:"flatten_depth" yaml:"flatten_depth"`
	RemoveEmptyFolders    bool   `mapstructure:"remove_empty_folders" yaml:"remove_empty_folders"`
}

// ─── Classification ───

// ClassifyRule is one ordered library placement rule.
type ClassifyRule struct {
	Type         string `mapstructure:"type" yaml:"type"` // none | maker | series | rjcode | date
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	PathTemplate string `mapstructure:"path_template" yaml:"path_template,omitempty"`
	Fallback     string `mapstructure:"fallback" yaml:"fallback,omitempty"`         // rule type to apply when series is absent
	CodeRange    string `mapstructure:"code_range" yaml:"code_range,omitempty"`     // "RJ01400000-RJ01499999"
	CustomName   string `mapstructure:"custom_name" yaml:"custom_name,omitempty"`
}

// ─── Companion Server ───

// CompanionConfig controls the optional remote library lookup.
type CompanionConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	ServerURL    string   `mapstructure:"server_url" yaml:"server_url"`
	APIToken     string   `mapstructure:"api_token" yaml:"api_token"`
	Timeout      string   `mapstructure:"timeout" yaml:"timeout"`
	CacheTTL     string   `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CueLanguages []string `mapstructure:"cue_languages" yaml:"cue_languages"`
}

// ─── Cleanup Sweepers ───

// PasswordSweepConfig controls the scheduled password vault sweeper.
type PasswordSweepConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	Cron           string   `mapstructure:"cron" yaml:"cron"`
	MaxUseCount    int      `mapstructure:"max_use_count" yaml:"max_use_count"`
	PreserveDays   int      `mapstructure:"preserve_days" yaml:"preserve_days"`
	ExcludeSources []string `mapstructure:"exclude_sources" yaml:"exclude_sources"`
}

// ArchiveSweepConfig controls the scheduled processed-archive sweeper.
type ArchiveSweepConfig struct {
	Enabled             bool   `mapstructure:"enabled" yaml:"enabled"`
	Cron                string `mapstructure:"cron" yaml:"cron"`
	Strategy            string `mapstructure:"strategy" yaml:"strategy"` // age | count | size
	PreserveDays        int    `mapstructure:"preserve_days" yaml:"preserve_days"`
	MaxCount            int    `mapstructure:"max_count" yaml:"max_count"`
	MaxSizeGB           int    `mapstructure:"max_size_gb" yaml:"max_size_gb"`
	ExcludeReprocessing bool   `mapstructure:"exclude_reprocessing" yaml:"exclude_reprocessing"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket" yaml:"socket"`
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Task History ───

// TaskHistoryConfig controls terminal task snapshot retention.
type TaskHistoryConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	GCInterval     string `mapstructure:"gc_interval" yaml:"gc_interval"`
	MaxTaskHistory int    `mapstructure:"max_task_history" yaml:"max_task_history"`
}

// ─── Defaults ───

// DefaultConfig returns the full default configuration tree.
// WriteDefault serializes it for first-run config files; setDefaults
// mirrors it into viper so env-only overrides resolve.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{},
		Processing: ProcessingConfig{
			MaxConcurrent:  2,
			RetryCount:     3,
			StableChecks:   3,
			StableInterval: "2s",
			MaxStableWait:  "60m",
		},
		Watcher: WatcherConfig{
			Enabled:       true,
			ScanInterval:  "30s",
			AutoClassify:  true,
			MaxStableWait: "5m",
		},
		Extract: ExtractConfig{
			SevenZipPath:        "7z",
			AutoRepairExtension: true,
			VerifyAfterExtract:  true,
			ExtractNested:       true,
			MaxNestedDepth:      5,
		},
		Filter: FilterConfig{
			Enabled:    true,
			FilterDirs: true,
		},
		Metadata: MetadataConfig{
			BaseURL:        "https://www.dlsite.com/maniax/api/=",
			Locale:         "zh_cn",
			ConnectTimeout: "10s",
			ReadTimeout:    "10s",
			SleepInterval:  "3s",
			CacheEnabled:   true,
			CacheDays:      30,
		},
		Rename: RenameConfig{
			Template:               "{rjcode} {work_name}",
			DateFormat:             "060102",
			Delimiter:              " ",
			CVListLeft:             "(CV ",
			CVListRight:            ")",
			TagsMaxNumber:          5,
			FlattenSingleSubfolder: true,
			FlattenDepth:           3,
			RemoveEmptyFolders:     true,
		},
		Classification: []ClassifyRule{
			{Type: "none", Enabled: true},
		},
		Companion: CompanionConfig{
			Timeout:      "10s",
			CacheTTL:     "5m",
			CueLanguages: []string{"CHI_HANS", "CHI_HANT", "ENG"},
		},
		PasswordSweep: PasswordSweepConfig{
			Cron:         "0 0 * * 0",
			MaxUseCount:  1,
			PreserveDays: 30,
		},
		ArchiveSweep: ArchiveSweepConfig{
			Cron:                "0 1 * * 0",
			Strategy:            "age",
			PreserveDays:        30,
			MaxCount:            1000,
			MaxSizeGB:           50,
			ExcludeReprocessing: true,
		},
		Control: ControlConfig{
			Socket:  "/var/run/otokura.sock",
			PIDFile: "/var/run/otokura.pid",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9110",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Outputs: LogOutputsConfig{
				File: FileOutputConfig{
					Path: "/var/log/otokura/otokura.log",
					Rotation: RotationConfig{
						MaxSizeMB:  100,
						MaxAgeDays: 30,
						MaxBackups: 5,
						Compress:   true,
					},
				},
			},
		},
		DataDir: "/var/lib/otokura",
		TaskHistory: TaskHistoryConfig{
			Enabled:        true,
			GCInterval:     "1h",
			MaxTaskHistory: 100,
		},
	}
}

// DefaultFilterRules are installed when the config carries no filter rules.
// The WAV rule drops SE-less duplicates of tracks that also ship with SE;
// the mp3 rule exists for libraries that keep lossless only and starts
// disabled.
func DefaultFilterRules() []FilterRule {
	return []FilterRule{
		{Name: "过滤无SE的WAV文件", Pattern: `(?i)(?:SE|音|音效)(?:[な無]し|CUT).*\.WAV$`, Target: "file", Enabled: true},
		{Name: "过滤MP3文件", Pattern: `(?i)\.mp3$`, Target: "file", Enabled: false},
	}
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `otokura: ...`.
type configRoot struct {
	Otokura Config `mapstructure:"otokura" yaml:"otokura"`
}

// Load loads configuration from file.
// A missing file is not an error: the default configuration is written
// there first, matching first-run behavior. The YAML file uses `otokura:`
// as root key; env vars use the OTOKURA_ prefix (e.g. OTOKURA_LOG_LEVEL).
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := WriteDefault(path); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment variable overrides.
	// No explicit env prefix — the `otokura.` key prefix naturally maps to
	// OTOKURA_ via the key replacer (key "otokura.log.level" → env "OTOKURA_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Otokura

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults mirrors DefaultConfig into viper under the "otokura." prefix
// so keys absent from the file still resolve (and stay overridable via env).
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("otokura.data_dir", d.DataDir)

	v.SetDefault("otokura.processing.max_concurrent", d.Processing.MaxConcurrent)
	v.SetDefault("otokura.processing.retry_count", d.Processing.RetryCount)
	v.SetDefault("otokura.processing.stable_checks", d.Processing.StableChecks)
	v.SetDefault("otokura.processing.stable_interval", d.Processing.StableInterval)
	v.SetDefault("otokura.processing.max_stable_wait", d.Processing.MaxStableWait)

	v.SetDefault("otokura.watcher.enabled", d.Watcher.Enabled)
	v.SetDefault("otokura.watcher.scan_interval", d.Watcher.ScanInterval)
	v.SetDefault("otokura.watcher.auto_classify", d.Watcher.AutoClassify)
	v.SetDefault("otokura.watcher.delete_after_process", d.Watcher.DeleteAfterProcess)
	v.SetDefault("otokura.watcher.max_stable_wait", d.Watcher.MaxStableWait)

	v.SetDefault("otokura.extract.seven_zip_path", d.Extract.SevenZipPath)
	v.SetDefault("otokura.extract.auto_repair_extension", d.Extract.AutoRepairExtension)
	v.SetDefault("otokura.extract.verify_after_extract", d.Extract.VerifyAfterExtract)
	v.SetDefault("otokura.extract.extract_nested", d.Extract.ExtractNested)
	v.SetDefault("otokura.extract.max_nested_depth", d.Extract.MaxNestedDepth)

	v.SetDefault("otokura.filter.enabled", d.Filter.Enabled)
	v.SetDefault("otokura.filter.filter_dirs", d.Filter.FilterDirs)

	v.SetDefault("otokura.metadata.base_url", d.Metadata.BaseURL)
	v.SetDefault("otokura.metadata.locale", d.Metadata.Locale)
	v.SetDefault("otokura.metadata.connect_timeout", d.Metadata.ConnectTimeout)
	v.SetDefault("otokura.metadata.read_timeout", d.Metadata.ReadTimeout)
	v.SetDefault("otokura.metadata.sleep_interval", d.Metadata.SleepInterval)
	v.SetDefault("otokura.metadata.cache_enabled", d.Metadata.CacheEnabled)
	v.SetDefault("otokura.metadata.cache_days", d.Metadata.CacheDays)

	v.SetDefault("otokura.rename.template", d.Rename.Template)
	v.SetDefault("otokura.rename.date_format", d.Rename.DateFormat)
	v.SetDefault("otokura.rename.delimiter", d.Rename.Delimiter)
	v.SetDefault("otokura.rename.cv_list_left", d.Rename.CVListLeft)
	v.SetDefault("otokura.rename.cv_list_right", d.Rename.CVListRight)
	v.SetDefault("otokura.rename.tags_max_number", d.Rename.TagsMaxNumber)
	v.SetDefault("otokura.rename.flatten_single_subfolder", d.Rename.FlattenSingleSubfolder)
	v.SetDefault("otokura.rename.flatten_depth", d.Rename.FlattenDepth)
	v.SetDefault("otokura.rename.remove_empty_folders", d.Rename.RemoveEmptyFolders)

	v.SetDefault("otokura.companion.enabled", d.Companion.Enabled)
	v.SetDefault("otokura.companion.timeout", d.Companion.Timeout)
	v.SetDefault("otokura.companion.cache_ttl", d.Companion.CacheTTL)
	v.SetDefault("otokura.companion.cue_languages", d.Companion.CueLanguages)

	v.SetDefault("otokura.password_cleanup.enabled", d.PasswordSweep.Enabled)
	v.SetDefault("otokura.password_cleanup.cron", d.PasswordSweep.Cron)
	v.SetDefault("otokura.password_cleanup.max_use_count", d.PasswordSweep.MaxUseCount)
	v.SetDefault("otokura.password_cleanup.preserve_days", d.PasswordSweep.PreserveDays)

	v.SetDefault("otokura.archive_cleanup.enabled", d.ArchiveSweep.Enabled)
	v.SetDefault("otokura.archive_cleanup.cron", d.ArchiveSweep.Cron)
	v.SetDefault("otokura.archive_cleanup.strategy", d.ArchiveSweep.Strategy)
	v.SetDefault("otokura.archive_cleanup.preserve_days", d.ArchiveSweep.PreserveDays)
	v.SetDefault("otokura.archive_cleanup.max_count", d.ArchiveSweep.MaxCount)
	v.SetDefault("otokura.archive_cleanup.max_size_gb", d.ArchiveSweep.MaxSizeGB)
	v.SetDefault("otokura.archive_cleanup.exclude_reprocessing", d.ArchiveSweep.ExcludeReprocessing)

	v.SetDefault("otokura.control.socket", d.Control.Socket)
	v.SetDefault("otokura.control.pid_file", d.Control.PIDFile)

	v.SetDefault("otokura.metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("otokura.metrics.listen", d.Metrics.Listen)
	v.SetDefault("otokura.metrics.path", d.Metrics.Path)

	v.SetDefault("otokura.log.level", d.Log.Level)
	v.SetDefault("otokura.log.format", d.Log.Format)
	v.SetDefault("otokura.log.outputs.file.enabled", d.Log.Outputs.File.Enabled)
	v.SetDefault("otokura.log.outputs.file.path", d.Log.Outputs.File.Path)
	v.SetDefault("otokura.log.outputs.file.rotation.max_size_mb", d.Log.Outputs.File.Rotation.MaxSizeMB)
	v.SetDefault("otokura.log.outputs.file.rotation.max_age_days", d.Log.Outputs.File.Rotation.MaxAgeDays)
	v.SetDefault("otokura.log.outputs.file.rotation.max_backups", d.Log.Outputs.File.Rotation.MaxBackups)
	v.SetDefault("otokura.log.outputs.file.rotation.compress", d.Log.Outputs.File.Rotation.Compress)

	v.SetDefault("otokura.task_history.enabled", d.TaskHistory.Enabled)
	v.SetDefault("otokura.task_history.gc_interval", d.TaskHistory.GCInterval)
	v.SetDefault("otokura.task_history.max_task_history", d.TaskHistory.MaxTaskHistory)
}

// ─── Validation ───

var validClassifyTypes = map[string]bool{
	"none": true, "maker": true, "series": true, "rjcode": true, "date": true,
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
// Storage roots left empty resolve under data_dir.
func (cfg *Config) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	// ── Storage root resolution ──
	resolve := func(dir *string, name string) {
		if *dir == "" {
			*dir = filepath.Join(cfg.DataDir, name)
		}
	}
	resolve(&cfg.Storage.InputDir, "input")
	resolve(&cfg.Storage.TempDir, "temp")
	resolve(&cfg.Storage.LibraryDir, "library")
	resolve(&cfg.Storage.ProcessedDir, "processed")
	resolve(&cfg.Storage.ExistingDir, "existing")

	// ── Duration fields ──
	durations := map[string]string{
		"processing.stable_interval": cfg.Processing.StableInterval,
		"processing.max_stable_wait": cfg.Processing.MaxStableWait,
		"watcher.scan_interval":      cfg.Watcher.ScanInterval,
		"watcher.max_stable_wait":    cfg.Watcher.MaxStableWait,
		"metadata.connect_timeout":   cfg.Metadata.ConnectTimeout,
		"metadata.read_timeout":      cfg.Metadata.ReadTimeout,
		"metadata.sleep_interval":    cfg.Metadata.SleepInterval,
		"companion.timeout":          cfg.Companion.Timeout,
		"companion.cache_ttl":        cfg.Companion.CacheTTL,
		"task_history.gc_interval":   cfg.TaskHistory.GCInterval,
	}
	for key, val := range durations {
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, val)
		}
	}

	if cfg.Processing.MaxConcurrent < 1 {
		return fmt.Errorf("processing.max_concurrent must be >= 1, got %d", cfg.Processing.MaxConcurrent)
	}
	if cfg.Processing.StableChecks < 1 {
		return fmt.Errorf("processing.stable_checks must be >= 1, got %d", cfg.Processing.StableChecks)
	}
	if cfg.Extract.MaxNestedDepth < 0 {
		return fmt.Errorf("extract.max_nested_depth must be >= 0, got %d", cfg.Extract.MaxNestedDepth)
	}
	if cfg.Extract.SevenZipPath == "" {
		cfg.Extract.SevenZipPath = "7z"
	}

	// ── Filter rules ──
	if len(cfg.Filter.Rules) == 0 {
		cfg.Filter.Rules = DefaultFilterRules()
	}
	for i, rule := range cfg.Filter.Rules {
		switch rule.Target {
		case "file", "folder", "all":
		case "":
			cfg.Filter.Rules[i].Target = "file"
		default:
			return fmt.Errorf("invalid filter rule target: %s (must be file/folder/all)", rule.Target)
		}
	}

	// ── Classification rules ──
	if len(cfg.Classification) == 0 {
		cfg.Classification = []ClassifyRule{{Type: "none", Enabled: true}}
	}
	for _, rule := range cfg.Classification {
		if !validClassifyTypes[rule.Type] {
			return fmt.Errorf("invalid classification rule type: %s", rule.Type)
		}
	}

	// ── Companion ──
	if cfg.Companion.Enabled && cfg.Companion.ServerURL == "" {
		return fmt.Errorf("companion.server_url is required when companion.enabled=true")
	}
	if len(cfg.Companion.CueLanguages) == 0 {
		cfg.Companion.CueLanguages = []string{"CHI_HANS", "CHI_HANT", "ENG"}
	}

	// ── Sweepers ──
	if err := validateCronField(cfg.PasswordSweep.Cron, "password_cleanup.cron"); err != nil {
		return err
	}
	if err := validateCronField(cfg.ArchiveSweep.Cron, "archive_cleanup.cron"); err != nil {
		return err
	}
	switch cfg.ArchiveSweep.Strategy {
	case "age", "count", "size":
	default:
		return fmt.Errorf("invalid archive_cleanup.strategy: %s (must be age/count/size)", cfg.ArchiveSweep.Strategy)
	}

	return nil
}

// validateCronField checks the five-field shape only; the sweep scheduler
// parses the fields themselves.
func validateCronField(expr, key string) error {
	if len(strings.Fields(expr)) != 5 {
		return fmt.Errorf("invalid cron expression for %s: %q (need 5 fields)", key, expr)
	}
	return nil
}
