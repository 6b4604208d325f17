package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"mediaforge/models"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "MEDIAFORGE_"

// ConfigPathEnvVar points at an optional YAML file.
const ConfigPathEnvVar = EnvPrefix + "CONFIG"

// DefaultConfigPaths are probed in order when no explicit path is given.
var DefaultConfigPaths = []string{
	"mediaforge.yaml",
	"mediaforge.yml",
	"/etc/mediaforge/config.yaml",
}

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Paths    PathsConfig    `koanf:"paths"`
	Logging  LoggingConfig  `koanf:"logging"`
	Tools    ToolsConfig    `koanf:"tools"`
	Photo    PhotoConfig    `koanf:"photo"`
	Video    VideoConfig    `koanf:"video"`
	Events   EventsConfig   `koanf:"events"`
	Progress ProgressConfig `koanf:"progress"`
	Auth     AuthConfig     `koanf:"auth"`
	Mirrors  []MirrorConfig `koanf:"mirrors"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// PathsConfig locates durable state. DataDir holds counters and outputs,
// OriginalsDir holds the incoming sources.
type PathsConfig struct {
	DataDir      string `koanf:"data_dir"`
	OriginalsDir string `koanf:"originals_dir"`
}

type LoggingConfig struct {
	Level   string `koanf:"level"`
	File    string `koanf:"file"`
	Console bool   `koanf:"console"`
}

type ToolsConfig struct {
	FFmpeg  string `koanf:"ffmpeg"`
	FFprobe string `koanf:"ffprobe"`
	Magick  string `koanf:"magick"`
}

type PhotoConfig struct {
	Width        int `koanf:"width"`
	Height       int `koanf:"height"`
	Quality      int `koanf:"quality"`
	ThumbWidth   int `koanf:"thumb_width"`
	ThumbHeight  int `koanf:"thumb_height"`
	ThumbQuality int `koanf:"thumb_quality"`
}

type VideoConfig struct {
	Codec         string        `koanf:"codec"`
	CRF           int           `koanf:"crf"`
	Preset        string        `koanf:"preset"`
	AudioCodec    string        `koanf:"audio_codec"`
	AudioBitrate  string        `koanf:"audio_bitrate"`
	ThumbWidth    int           `koanf:"thumb_width"`
	ThumbHeight   int           `koanf:"thumb_height"`
	ThumbOffset   time.Duration `koanf:"thumb_offset"`
	Heartbeat     time.Duration `koanf:"heartbeat"`
	CancelGrace   time.Duration `koanf:"cancel_grace"`
	MaxConcurrent int           `koanf:"max_concurrent"`
}

type EventsConfig struct {
	Buffer int `koanf:"buffer"`
}

// ProgressConfig controls how long terminal snapshots and jobs stay visible.
type ProgressConfig struct {
	Retention     time.Duration `koanf:"retention"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	Issuer    string        `koanf:"issuer"`
	ClockSkew time.Duration `koanf:"clock_skew"`
}

// MirrorConfig is one destination finished outputs are copied to.
// CredentialsKey refers to an entry in the credentials store.
type MirrorConfig struct {
	Name           string   `koanf:"name"`
	Type           string   `koanf:"type"` // directServe, s3, gcs, sftp
	CredentialsKey string   `koanf:"credentials_key"`
	Folder         string   `koanf:"folder"`
	BaseDir        string   `koanf:"base_dir"` // directServe only
	Kinds          []string `koanf:"kinds"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Paths: PathsConfig{
			DataDir:      "./data",
			OriginalsDir: "./public/original",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Tools: ToolsConfig{
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
			Magick:  "magick",
		},
		Photo: PhotoConfig{
			Width:        800,
			Height:       600,
			Quality:      80,
			ThumbWidth:   240,
			ThumbHeight:  240,
			ThumbQuality: 60,
		},
		Video: VideoConfig{
			Codec:         "libx264",
			CRF:           23,
			Preset:        "medium",
			AudioCodec:    "aac",
			AudioBitrate:  "128k",
			ThumbWidth:    320,
			ThumbHeight:   180,
			ThumbOffset:   time.Second,
			Heartbeat:     2 * time.Second,
			CancelGrace:   10 * time.Second,
			MaxConcurrent: 2,
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		Progress: ProgressConfig{
			Retention:     10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Auth: AuthConfig{
			Issuer:    "mediaforge",
			ClockSkew: 30 * time.Second,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// envMappings covers names whose section prefix is not the first underscore.
var envMappings = map[string]string{
	"data_dir":      "paths.data_dir",
	"originals_dir": "paths.originals_dir",
	"serve_dir":     "paths.originals_dir",
	"port":          "server.port",
	"log_level":     "logging.level",
	"log_file":      "logging.file",
	"jwt_secret":    "auth.jwt_secret",
}

// envTransformFunc maps MEDIAFORGE_VIDEO_MAX_CONCURRENT to video.max_concurrent.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return strings.Replace(key, "_", ".", 1)
}

// Load layers defaults, an optional YAML file and the environment.
// An empty path falls back to MEDIAFORGE_CONFIG and then DefaultConfigPaths.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks ranges and required values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Paths.DataDir == "" || c.Paths.OriginalsDir == "" {
		return fmt.Errorf("paths.data_dir and paths.originals_dir are required")
	}
	for name, q := range map[string]int{"photo.quality": c.Photo.Quality, "photo.thumb_quality": c.Photo.ThumbQuality} {
		if q < 1 || q > 100 {
			return fmt.Errorf("%s must be within 1-100, got %d", name, q)
		}
	}
	if c.Photo.Width <= 0 || c.Photo.Height <= 0 || c.Photo.ThumbWidth <= 0 || c.Photo.ThumbHeight <= 0 {
		return fmt.Errorf("photo dimensions must be positive")
	}
	if c.Video.CRF < 0 || c.Video.CRF > 51 {
		return fmt.Errorf("video.crf must be within 0-51, got %d", c.Video.CRF)
	}
	if c.Video.Heartbeat <= 0 {
		return fmt.Errorf("video.heartbeat must be positive")
	}
	if c.Video.MaxConcurrent < 1 {
		return fmt.Errorf("video.max_concurrent must be at least 1")
	}
	if c.Events.Buffer < 1 {
		return fmt.Errorf("events.buffer must be at least 1")
	}
	for i, m := range c.Mirrors {
		switch m.Type {
		case "directServe":
			if m.BaseDir == "" {
				return fmt.Errorf("mirrors[%d]: directServe needs base_dir", i)
			}
		case "s3", "gcs", "sftp":
			if m.CredentialsKey == "" {
				return fmt.Errorf("mirrors[%d]: %s needs credentials_key", i, m.Type)
			}
		default:
			return fmt.Errorf("mirrors[%d]: unknown type %q", i, m.Type)
		}
		for _, k := range m.Kinds {
			if _, err := models.ParseKind(k); err != nil {
				return fmt.Errorf("mirrors[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// CounterPath is the serial counter file for kind.
// Path: {DATA_DIR}/photos/sn.txt or {DATA_DIR}/videos/sn.txt
func (c *Config) CounterPath(kind models.Kind) string {
	return filepath.Join(c.OutputDir(kind), "sn.txt")
}

// OutputDir holds primary converted assets.
func (c *Config) OutputDir(kind models.Kind) string {
	if kind == models.KindVideo {
		return filepath.Join(c.Paths.DataDir, "videos")
	}
	return filepath.Join(c.Paths.DataDir, "photos")
}

// ThumbnailDir holds thumbnails for both kinds.
func (c *Config) ThumbnailDir(kind models.Kind) string {
	if kind == models.KindVideo {
		return filepath.Join(c.Paths.DataDir, "video_thumbnails")
	}
	return filepath.Join(c.Paths.DataDir, "photo_thumbnails")
}

// OriginalsDir is where submitted sources wait for conversion.
func (c *Config) OriginalsDir(kind models.Kind) string {
	if kind == models.KindVideo {
		return filepath.Join(c.Paths.OriginalsDir, "videos")
	}
	return filepath.Join(c.Paths.OriginalsDir, "images")
}

// CredentialsDBPath returns the full path to the mirror credentials database.
// Path: {DATA_DIR}/credentials.db
func (c *Config) CredentialsDBPath() string {
	return filepath.Join(c.Paths.DataDir, "credentials.db")
}

// LockPath guards single ownership of the data directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "mediaforge.lock")
}

// EnsureDirs creates every directory the pipeline writes into.
func (c *Config) EnsureDirs() error {
	for _, kind := range models.Kinds {
		for _, dir := range []string{c.OutputDir(kind), c.ThumbnailDir(kind), c.OriginalsDir(kind)} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
		}
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
