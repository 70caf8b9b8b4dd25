// Package config handles configuration loading for the tile server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/gridtiles/server/internal/pyramid"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Sources SourcesConfig `yaml:"sources" toml:"-"`
	Cache   CacheConfig   `yaml:"cache" toml:"cache"`
	Render  RenderConfig  `yaml:"render" toml:"render"`
	Region  RegionConfig  `yaml:"region" toml:"region"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" toml:"port"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
	Title       string   `yaml:"title" toml:"title"`
}

// SourceConfig describes one source.
type SourceConfig struct {
	// Type is zarr or cog.
	Type string `yaml:"type" toml:"type"`
	// URL is a local path, file:// or http(s):// location.
	URL string `yaml:"url" toml:"url"`
	// Key names the image object for cog sources.
	Key           string         `yaml:"key" toml:"key"`
	Variable      string         `yaml:"variable" toml:"variable"`
	Mode          string         `yaml:"mode" toml:"mode"`
	FillValue     *float64       `yaml:"fill_value" toml:"fill_value"`
	OutputSize    int            `yaml:"output_size" toml:"output_size"`
	Selector      map[string]any `yaml:"selector" toml:"selector"`
	Colormap      string         `yaml:"colormap" toml:"colormap"`
	Clim          [2]float64     `yaml:"clim" toml:"clim"`
	// LoadAllChunks makes region queries fetch what they touch. Defaults to
	// true; false samples only chunks already cached.
	LoadAllChunks *bool          `yaml:"load_all_chunks" toml:"load_all_chunks"`
}

// LoadsAllChunks reports whether region queries fetch missing chunks.
func (s SourceConfig) LoadsAllChunks() bool {
	return s.LoadAllChunks == nil || *s.LoadAllChunks
}

// SourcesConfig holds the sources in file order. The first one is the
// default.
type SourcesConfig struct {
	Sources map[string]SourceConfig
	order   []string
}

// UnmarshalYAML decodes the sources mapping keeping its order.
func (s *SourcesConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("sources: expected a mapping, got %v", node.Tag)
	}
	s.Sources = make(map[string]SourceConfig, len(node.Content)/2)
	s.order = s.order[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var src SourceConfig
		if err := node.Content[i+1].Decode(&src); err != nil {
			return fmt.Errorf("sources.%s: %w", id, err)
		}
		if _, dup := s.Sources[id]; !dup {
			s.order = append(s.order, id)
		}
		s.Sources[id] = src
	}
	return nil
}

// IDs returns the source IDs in file order.
func (s SourcesConfig) IDs() []string {
	return append([]string(nil), s.order...)
}

// Default returns the first source ID, or "".
func (s SourcesConfig) Default() string {
	if len(s.order) == 0 {
		return ""
	}
	return s.order[0]
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ChunkSizeMB     int `yaml:"chunk_size_mb" toml:"chunk_size_mb"`
	ChunkTTLMinutes int `yaml:"chunk_ttl_minutes" toml:"chunk_ttl_minutes"`
	QueryEntries    int `yaml:"query_entries" toml:"query_entries"`
	// DiskPath enables the persistent chunk cache when set.
	DiskPath string `yaml:"disk_path" toml:"disk_path"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize        int    `yaml:"tile_size" toml:"tile_size"`
	DefaultColormap string `yaml:"default_colormap" toml:"default_colormap"`
	FrameWidth      int    `yaml:"frame_width" toml:"frame_width"`
	FrameHeight     int    `yaml:"frame_height" toml:"frame_height"`
	// MaxViewport caps each client viewport side in pixels.
	MaxViewport int `yaml:"max_viewport" toml:"max_viewport"`
}

// RegionConfig contains region job settings.
type RegionConfig struct {
	SQLitePath    string `yaml:"sqlite_path" toml:"sqlite_path"`
	MaxConcurrent int    `yaml:"max_concurrent" toml:"max_concurrent"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
}

// Load reads configuration from a YAML or, for .toml files, TOML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = decodeTOML(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeTOML decodes a TOML document. Source order comes from the order in
// which the decoder met the [sources.<id>] tables.
func decodeTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	var aux struct {
		Sources map[string]SourceConfig `toml:"sources"`
	}
	if _, err := toml.Decode(string(data), &aux); err != nil {
		return err
	}
	cfg.Sources.Sources = aux.Sources
	for _, key := range md.Keys() {
		if len(key) == 2 && key[0] == "sources" {
			cfg.Sources.order = append(cfg.Sources.order, key[1])
		}
	}
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "gridtiles",
		},
		Sources: SourcesConfig{
			Sources: map[string]SourceConfig{
				"default": {Type: "zarr", URL: "./data/pyramid.zarr", Variable: "climate"},
			},
			order: []string{"default"},
		},
		Cache: CacheConfig{
			ChunkSizeMB:     512,
			ChunkTTLMinutes: 10,
			QueryEntries:    256,
		},
		Render: RenderConfig{
			TileSize:        256,
			DefaultColormap: "viridis",
			FrameWidth:      512,
			FrameHeight:     512,
			MaxViewport:     4096,
		},
		Region: RegionConfig{
			SQLitePath:    "./data/region_jobs.sqlite",
			MaxConcurrent: 2,
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Sources.Sources) == 0 {
		cfg.Sources = defaults.Sources
	}
	for id, src := range cfg.Sources.Sources {
		if src.Type == "" {
			src.Type = "zarr"
		}
		cfg.Sources.Sources[id] = src
	}
	if cfg.Cache.ChunkSizeMB == 0 {
		cfg.Cache.ChunkSizeMB = defaults.Cache.ChunkSizeMB
	}
	if cfg.Cache.ChunkTTLMinutes == 0 {
		cfg.Cache.ChunkTTLMinutes = defaults.Cache.ChunkTTLMinutes
	}
	if cfg.Cache.QueryEntries == 0 {
		cfg.Cache.QueryEntries = defaults.Cache.QueryEntries
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.FrameWidth == 0 {
		cfg.Render.FrameWidth = defaults.Render.FrameWidth
	}
	if cfg.Render.FrameHeight == 0 {
		cfg.Render.FrameHeight = defaults.Render.FrameHeight
	}
	if cfg.Render.MaxViewport <= 0 || cfg.Render.MaxViewport > pyramid.MaxViewport {
		cfg.Render.MaxViewport = defaults.Render.MaxViewport
	}
	if cfg.Region.SQLitePath == "" {
		cfg.Region.SQLitePath = defaults.Region.SQLitePath
	}
	if cfg.Region.MaxConcurrent == 0 {
		cfg.Region.MaxConcurrent = defaults.Region.MaxConcurrent
	}
	if cfg.Region.RetentionDays == 0 {
		cfg.Region.RetentionDays = defaults.Region.RetentionDays
	}
}

// Validate checks every source for a known type and a location.
func (c *Config) Validate() error {
	for _, id := range c.Sources.IDs() {
		src := c.Sources.Sources[id]
		switch src.Type {
		case "zarr", "cog":
		default:
			return fmt.Errorf("source %q: unknown type %q", id, src.Type)
		}
		if src.URL == "" {
			return fmt.Errorf("source %q: url is required", id)
		}
	}
	return nil
}
