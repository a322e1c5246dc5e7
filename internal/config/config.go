// Package config handles global configuration loading using viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/dmgmeter/internal/capture"
	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/session"
)

// GlobalConfig is the process configuration. Maps to the `dmgmeter:` root
// key in YAML.
type GlobalConfig struct {
	Capture   CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Session   SessionConfig `mapstructure:"session" yaml:"session"`
	Decoder   DecoderConfig `mapstructure:"decoder" yaml:"decoder"`
	Stats     StatsConfig   `mapstructure:"stats" yaml:"stats"`
	Buff      BuffConfig    `mapstructure:"buff" yaml:"buff"`
	Enemy     EnemyConfig   `mapstructure:"enemy" yaml:"enemy"`
	API       APIConfig     `mapstructure:"api" yaml:"api"`
	Export    ExportConfig  `mapstructure:"export" yaml:"export"`
	Metrics   MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig     `mapstructure:"log" yaml:"log"`
	DataDir   string        `mapstructure:"data_dir" yaml:"data_dir"`     // users.json, settings, buff state, logs/
	TablesDir string        `mapstructure:"tables_dir" yaml:"tables_dir"` // skill and buff reference tables
	PIDFile   string        `mapstructure:"pid_file" yaml:"pid_file"`
}

// ─── Capture ───

// CaptureConfig selects and tunes the packet source.
type CaptureConfig struct {
	Source      string         `mapstructure:"source" yaml:"source"` // pcap | file | afpacket
	Device      string         `mapstructure:"device" yaml:"device"` // "auto" = best ranked device
	BPFFilter   string         `mapstructure:"bpf_filter" yaml:"bpf_filter"`
	SnapLen     int            `mapstructure:"snap_len" yaml:"snap_len"`
	BufferMB    int            `mapstructure:"buffer_mb" yaml:"buffer_mb"`
	Promiscuous bool           `mapstructure:"promiscuous" yaml:"promiscuous"`
	QueueSize   int            `mapstructure:"queue_size" yaml:"queue_size"`
	File        string         `mapstructure:"file" yaml:"file"` // source=file
	AFPacket    AFPacketConfig `mapstructure:"afpacket" yaml:"afpacket"`
}

// AFPacketConfig sizes the AF_PACKET ring.
type AFPacketConfig struct {
	BlockSize int `mapstructure:"block_size" yaml:"block_size"`
	NumBlocks int `mapstructure:"num_blocks" yaml:"num_blocks"`
}

// ─── Session ───

// SessionConfig controls defragmentation, reassembly and framing.
type SessionConfig struct {
	FragmentTimeout  time.Duration `mapstructure:"fragment_timeout" yaml:"fragment_timeout"`
	MaxFragments     int           `mapstructure:"max_fragments" yaml:"max_fragments"`
	SessionTimeout   time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MaxFrameLen      uint32        `mapstructure:"max_frame_len" yaml:"max_frame_len"`
	CorruptionPolicy string        `mapstructure:"corruption_policy" yaml:"corruption_policy"` // terminate | resync
	MaxOOOSegments   int           `mapstructure:"max_ooo_segments" yaml:"max_ooo_segments"`
}

// DecoderConfig names the frame decoder and its options.
type DecoderConfig struct {
	Name    string         `mapstructure:"name" yaml:"name"`
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// ─── Statistics ───

// StatsConfig controls aggregation cadences and clear behaviour.
type StatsConfig struct {
	RealtimeInterval        time.Duration `mapstructure:"realtime_interval" yaml:"realtime_interval"`
	AutosaveInterval        time.Duration `mapstructure:"autosave_interval" yaml:"autosave_interval"`
	IdentityFlushDelay      time.Duration `mapstructure:"identity_flush_delay" yaml:"identity_flush_delay"`
	AutoClearOnServerChange bool          `mapstructure:"auto_clear_on_server_change" yaml:"auto_clear_on_server_change"`
	AutoClearOnTimeout      bool          `mapstructure:"auto_clear_on_timeout" yaml:"auto_clear_on_timeout"`
	InactivityTimeout       time.Duration `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout"`
	OnlyRecordEliteDummy    bool          `mapstructure:"only_record_elite_dummy" yaml:"only_record_elite_dummy"`
	EliteDummyID            uint64        `mapstructure:"elite_dummy_id" yaml:"elite_dummy_id"`
	Version                 string        `mapstructure:"version" yaml:"version"`
	CombatLogQueue          int           `mapstructure:"combat_log_queue" yaml:"combat_log_queue"`
}

// BuffConfig controls buff state persistence.
type BuffConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// EnemyConfig controls the enemy cache.
type EnemyConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// ─── Outer surfaces ───

// APIConfig controls the local HTTP API.
type APIConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Listen            string        `mapstructure:"listen" yaml:"listen"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval" yaml:"broadcast_interval"`
}

// ExportConfig contains archive export settings.
type ExportConfig struct {
	Kafka KafkaExportConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaExportConfig configures the Kafka exporter.
type KafkaExportConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	Compression  string        `mapstructure:"compression" yaml:"compression"` // none | gzip | snappy | lz4 | zstd
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string        `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format     string        `mapstructure:"format" yaml:"format"` // json / text / pattern
	Pattern    string        `mapstructure:"pattern" yaml:"pattern"`
	TimeLayout string        `mapstructure:"time_layout" yaml:"time_layout"`
	File       FileLogConfig `mapstructure:"file" yaml:"file"`
}

// FileLogConfig configures the rotating log file.
type FileLogConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `dmgmeter: ...`.
type configRoot struct {
	Dmgmeter GlobalConfig `mapstructure:"dmgmeter" yaml:"dmgmeter"`
}

// Load loads configuration from path. When optional is set a missing file
// is not an error and defaults apply. Env vars use the DMGMETER_ prefix
// (e.g., DMGMETER_LOG_LEVEL).
func Load(path string, optional bool) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) || !optional {
				return nil, fmt.Errorf("config file %s: %w", path, err)
			}
			path = ""
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `dmgmeter.` key prefix maps to `DMGMETER_` through the replacer
	// (e.g., "dmgmeter.api.listen" -> "DMGMETER_API_LISTEN").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Dmgmeter

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets a default for every key. viper only resolves env
// overrides for keys it knows about.
func setDefaults(v *viper.Viper) {
	// Capture
	v.SetDefault("dmgmeter.capture.source", capture.KindPcap)
	v.SetDefault("dmgmeter.capture.device", "auto")
	v.SetDefault("dmgmeter.capture.bpf_filter", capture.DefaultBPFFilter)
	v.SetDefault("dmgmeter.capture.snap_len", capture.DefaultSnapLen)
	v.SetDefault("dmgmeter.capture.buffer_mb", capture.DefaultBufferMB)
	v.SetDefault("dmgmeter.capture.promiscuous", false)
	v.SetDefault("dmgmeter.capture.queue_size", 4096)
	v.SetDefault("dmgmeter.capture.file", "")
	v.SetDefault("dmgmeter.capture.afpacket.block_size", capture.DefaultBlockSize)
	v.SetDefault("dmgmeter.capture.afpacket.num_blocks", capture.DefaultNumBlocks)

	// Session
	v.SetDefault("dmgmeter.session.fragment_timeout", "30s")
	v.SetDefault("dmgmeter.session.max_fragments", 256)
	v.SetDefault("dmgmeter.session.session_timeout", "30s")
	v.SetDefault("dmgmeter.session.sweep_interval", "10s")
	v.SetDefault("dmgmeter.session.max_frame_len", session.DefaultMaxFrameLen)
	v.SetDefault("dmgmeter.session.corruption_policy", string(session.PolicyTerminate))
	v.SetDefault("dmgmeter.session.max_ooo_segments", 4096)

	// Decoder
	v.SetDefault("dmgmeter.decoder.name", "noop")

	// Statistics
	v.SetDefault("dmgmeter.stats.realtime_interval", "100ms")
	v.SetDefault("dmgmeter.stats.autosave_interval", "10s")
	v.SetDefault("dmgmeter.stats.identity_flush_delay", "2s")
	v.SetDefault("dmgmeter.stats.auto_clear_on_server_change", true)
	v.SetDefault("dmgmeter.stats.auto_clear_on_timeout", false)
	v.SetDefault("dmgmeter.stats.inactivity_timeout", "15s")
	v.SetDefault("dmgmeter.stats.only_record_elite_dummy", false)
	v.SetDefault("dmgmeter.stats.elite_dummy_id", 75)
	v.SetDefault("dmgmeter.stats.version", "dev")
	v.SetDefault("dmgmeter.stats.combat_log_queue", 1024)

	v.SetDefault("dmgmeter.buff.flush_interval", "80ms")
	v.SetDefault("dmgmeter.enemy.ttl", "10m")

	// API
	v.SetDefault("dmgmeter.api.enabled", true)
	v.SetDefault("dmgmeter.api.listen", "127.0.0.1:8990")
	v.SetDefault("dmgmeter.api.broadcast_interval", "100ms")

	// Export
	v.SetDefault("dmgmeter.export.kafka.enabled", false)
	v.SetDefault("dmgmeter.export.kafka.topic", "dmgmeter-sessions")
	v.SetDefault("dmgmeter.export.kafka.compression", "snappy")
	v.SetDefault("dmgmeter.export.kafka.batch_timeout", "100ms")
	v.SetDefault("dmgmeter.export.kafka.max_attempts", 3)

	// Metrics
	v.SetDefault("dmgmeter.metrics.enabled", false)
	v.SetDefault("dmgmeter.metrics.listen", "127.0.0.1:9091")
	v.SetDefault("dmgmeter.metrics.path", "/metrics")

	// Log
	v.SetDefault("dmgmeter.log.level", "info")
	v.SetDefault("dmgmeter.log.format", "text")
	v.SetDefault("dmgmeter.log.pattern", "%time [%level] %msg %fields")
	v.SetDefault("dmgmeter.log.time_layout", "2006-01-02 15:04:05.000")
	v.SetDefault("dmgmeter.log.file.enabled", false)
	v.SetDefault("dmgmeter.log.file.path", "dmgmeter.log")
	v.SetDefault("dmgmeter.log.file.max_size_mb", 50)
	v.SetDefault("dmgmeter.log.file.max_age_days", 14)
	v.SetDefault("dmgmeter.log.file.max_backups", 5)
	v.SetDefault("dmgmeter.log.file.compress", true)

	v.SetDefault("dmgmeter.data_dir", ".")
	v.SetDefault("dmgmeter.tables_dir", "")
	v.SetDefault("dmgmeter.pid_file", "")
}

// ValidateAndApplyDefaults validates configuration and fills runtime
// defaults that depend on other keys. Every failure wraps ErrConfigInvalid.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrConfigInvalid)
	}

	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text", "pattern":
	default:
		return invalid("invalid log format: %s (must be json/text/pattern)", cfg.Log.Format)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return invalid("log.file.path is required when log.file.enabled=true")
	}

	// ── Capture ──
	switch cfg.Capture.Source {
	case capture.KindPcap, capture.KindAFPacket:
	case capture.KindFile:
		if cfg.Capture.File == "" {
			return invalid("capture.file is required when capture.source=file")
		}
	default:
		return invalid("unsupported capture.source: %s (must be pcap/file/afpacket)", cfg.Capture.Source)
	}
	if cfg.Capture.QueueSize <= 0 {
		return invalid("capture.queue_size must be positive, got %d", cfg.Capture.QueueSize)
	}

	// ── Session ──
	policy, err := session.ParseCorruptionPolicy(cfg.Session.CorruptionPolicy)
	if err != nil {
		return err
	}
	cfg.Session.CorruptionPolicy = string(policy)
	if cfg.Session.MaxFrameLen < 4 {
		return invalid("session.max_frame_len must be at least 4, got %d", cfg.Session.MaxFrameLen)
	}

	// ── Decoder ──
	if cfg.Decoder.Name == "" {
		return invalid("decoder.name is required")
	}

	// ── Export ──
	if k := cfg.Export.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			return invalid("export.kafka.brokers is required when export.kafka.enabled=true")
		}
		if k.Topic == "" {
			return invalid("export.kafka.topic is required when export.kafka.enabled=true")
		}
	}

	// ── Surfaces ──
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return invalid("api.listen is required when api.enabled=true")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	if cfg.TablesDir == "" {
		cfg.TablesDir = filepath.Join(cfg.DataDir, "tables")
	}
	return nil
}

// Dump renders cfg as YAML under the `dmgmeter:` root key.
func Dump(cfg *GlobalConfig) ([]byte, error) {
	out, err := yaml.Marshal(configRoot{Dmgmeter: *cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}

// LogsDir is the history archive root.
func (cfg *GlobalConfig) LogsDir() string { return filepath.Join(cfg.DataDir, "logs") }

// UsersFile is the identity cache.
func (cfg *GlobalConfig) UsersFile() string { return filepath.Join(cfg.DataDir, "users.json") }

// SettingsFile is the persisted settings.
func (cfg *GlobalConfig) SettingsFile() string { return filepath.Join(cfg.DataDir, "settings.json") }

// SkillNamesFile is the skill id to name table.
func (cfg *GlobalConfig) SkillNamesFile() string {
	return filepath.Join(cfg.TablesDir, "skill_names.json")
}
