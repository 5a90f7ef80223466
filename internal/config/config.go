// Package config handles inspector configuration loading using viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"firestige.xyz/inspector/internal/codec"
	"firestige.xyz/inspector/internal/export"
	"firestige.xyz/inspector/internal/log"
)

// EnvPrefix prefixes every environment override, e.g. INSPECTOR_UPSTREAM.
const EnvPrefix = "INSPECTOR"

// Config is the top-level inspector configuration.
type Config struct {
	Listen         string           `mapstructure:"listen"`
	Upstream       string           `mapstructure:"upstream"`
	MaxConnections int              `mapstructure:"max_connections"` // 0 = unlimited
	DialTimeout    time.Duration    `mapstructure:"dial_timeout"`
	PIDFile        string           `mapstructure:"pid_file"` // empty = none
	Codec          CodecConfig      `mapstructure:"codec"`
	Clock          ClockConfig      `mapstructure:"clock"`
	Store          StoreConfig      `mapstructure:"store"`
	Save           SaveConfig       `mapstructure:"save"`
	Viewer         ViewerConfig     `mapstructure:"viewer"`
	Metrics        MetricsConfig    `mapstructure:"metrics"`
	Mirror         MirrorConfig     `mapstructure:"mirror"`
	Logger         log.LoggerConfig `mapstructure:"logger"`
}

// ─── Codec ───

// CodecConfig configures framing and the packet families of each direction.
type CodecConfig struct {
	ChunkSize            int         `mapstructure:"chunk_size"`
	MaxFrameSize         int         `mapstructure:"max_frame_size"`
	CompressionThreshold int         `mapstructure:"compression_threshold"` // < 0 = disabled
	FamiliesFile         string      `mapstructure:"families_file"`
	InboundFamily        string      `mapstructure:"inbound_family"`  // client → upstream
	OutboundFamily       string      `mapstructure:"outbound_family"` // upstream → client
	Families             interface{} `mapstructure:"families"`

	specs []codec.FamilySpec
}

// Options returns the framing options for encoders and decoders.
func (c CodecConfig) Options() codec.Options {
	return codec.Options{
		MaxFrameSize:         c.MaxFrameSize,
		Compression:          c.CompressionThreshold >= 0,
		CompressionThreshold: c.CompressionThreshold,
	}
}

// Registry builds the family registry: the default family, then the families
// file, then inline families.
func (c CodecConfig) Registry() (*codec.Registry, error) {
	reg := codec.NewRegistry()
	if c.FamiliesFile != "" {
		specs, err := codec.LoadFamiliesFile(c.FamiliesFile)
		if err != nil {
			return nil, err
		}
		if err := reg.RegisterSpecs(specs); err != nil {
			return nil, fmt.Errorf("families file %s: %w", c.FamiliesFile, err)
		}
	}
	if err := reg.RegisterSpecs(c.specs); err != nil {
		return nil, fmt.Errorf("inline families: %w", err)
	}
	for _, name := range []string{c.InboundFamily, c.OutboundFamily} {
		if _, err := reg.Get(name); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// ─── Clock ───

type ClockConfig struct {
	Timezone string `mapstructure:"timezone"` // IANA name; empty = local
}

// ─── Store & save ───

type StoreConfig struct {
	MaxPackets   int `mapstructure:"max_packets"`   // 0 = unbounded
	RetainClosed int `mapstructure:"retain_closed"` // finished sessions kept for viewing
}

type SaveConfig struct {
	Format  string   `mapstructure:"format"`
	Exclude []string `mapstructure:"exclude"`
	Dir     string   `mapstructure:"dir"` // viewer saves are confined here; empty = disabled
}

// ─── Viewer & metrics ───

type ViewerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // besides same-origin
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Mirror ───

type MirrorConfig struct {
	Redis RedisMirrorConfig `mapstructure:"redis"`
}

// RedisMirrorConfig publishes every stored packet to a Redis channel.
type RedisMirrorConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	Buffer   int    `mapstructure:"buffer"`
}

// ─── Loading ───

// Load reads the config file at path. A .env file next to it, if present,
// is loaded into the environment first; INSPECTOR_* variables override file
// values (e.g. INSPECTOR_MIRROR_REDIS_PASSWORD).
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// resolvePaths makes relative file paths relative to the config directory.
func (cfg *Config) resolvePaths(base string) {
	for _, p := range []*string{&cfg.Codec.FamiliesFile, &cfg.Save.Dir, &cfg.PIDFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:25565")
	v.SetDefault("max_connections", 0)
	v.SetDefault("dial_timeout", "5s")

	v.SetDefault("codec.chunk_size", codec.DefaultChunkSize)
	v.SetDefault("codec.max_frame_size", codec.DefaultMaxFrameSize)
	v.SetDefault("codec.compression_threshold", codec.CompressionDisabled)
	v.SetDefault("codec.inbound_family", codec.DefaultFamilyName)
	v.SetDefault("codec.outbound_family", codec.DefaultFamilyName)

	v.SetDefault("store.max_packets", 0)
	v.SetDefault("store.retain_closed", 16)
	v.SetDefault("save.format", export.FormatText)
	v.SetDefault("save.exclude", []string{"KeepAlive"})
	v.SetDefault("save.dir", "captures")

	v.SetDefault("viewer.enabled", false)
	v.SetDefault("viewer.listen", "127.0.0.1:8081")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9091")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("mirror.redis.enabled", false)
	v.SetDefault("mirror.redis.addr", "127.0.0.1:6379")
	v.SetDefault("mirror.redis.channel", "inspector:packets")
	v.SetDefault("mirror.redis.buffer", 1024)

	v.SetDefault("logger.level", log.DefaultLevel)
	v.SetDefault("logger.pattern", log.DefaultPattern)
	v.SetDefault("logger.time", log.DefaultTimeLayout)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	if cfg.Upstream == "" {
		return fmt.Errorf("upstream is required")
	}
	for key, addr := range map[string]string{"listen": cfg.Listen, "upstream": cfg.Upstream} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s address %q: %w", key, addr, err)
		}
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	// ── codec ──
	if cfg.Codec.ChunkSize <= 0 {
		cfg.Codec.ChunkSize = codec.DefaultChunkSize
	}
	if cfg.Codec.MaxFrameSize <= 0 {
		cfg.Codec.MaxFrameSize = codec.DefaultMaxFrameSize
	}
	if cfg.Codec.CompressionThreshold < 0 {
		cfg.Codec.CompressionThreshold = codec.CompressionDisabled
	}
	specs, err := codec.DecodeFamilies(cfg.Codec.Families)
	if err != nil {
		return err
	}
	cfg.Codec.specs = specs
	if _, err := cfg.Codec.Registry(); err != nil {
		return err
	}

	// ── store & save ──
	if cfg.Store.MaxPackets < 0 {
		return fmt.Errorf("store.max_packets must not be negative")
	}
	if cfg.Store.RetainClosed < 0 {
		return fmt.Errorf("store.retain_closed must not be negative")
	}
	if !slices.Contains(export.Formats, cfg.Save.Format) {
		return fmt.Errorf("invalid save.format: %s (must be one of %s)", cfg.Save.Format, strings.Join(export.Formats, "/"))
	}

	// ── surfaces ──
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}
	if cfg.Mirror.Redis.Enabled {
		if cfg.Mirror.Redis.Channel == "" {
			return fmt.Errorf("mirror.redis.channel is required when mirror.redis.enabled=true")
		}
		if cfg.Mirror.Redis.Buffer <= 0 {
			cfg.Mirror.Redis.Buffer = 1024
		}
	}

	cfg.Logger.ApplyDefaults()
	return nil
}
