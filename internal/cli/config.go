package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fractiles/internal/palette"
	"github.com/ChuLiYu/fractiles/internal/predictor"
	"github.com/ChuLiYu/fractiles/internal/snapshot"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

// Config represents the complete configuration file.
// Fields absent from the file keep their defaultConfig values.
type Config struct {
	Pool struct {
		Workers       int `yaml:"workers"`         // 0 = one per CPU
		MaxQueueDepth int `yaml:"max_queue_depth"` // 0 = unbounded
	} `yaml:"pool"`

	Render struct {
		TileSize int          `yaml:"tile_size"`
		Width    int          `yaml:"width"`
		Height   int          `yaml:"height"`
		Fractal  string       `yaml:"fractal"`
		View     types.Params `yaml:"view"`
		Output   string       `yaml:"output"`
	} `yaml:"render"`

	Predictor struct {
		predictor.Config `yaml:",inline"`
		TickInterval     time.Duration `yaml:"tick_interval"`
	} `yaml:"predictor"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Server struct {
		Port          int           `yaml:"port"`
		MaxCanvas     int           `yaml:"max_canvas"`
		RenderTimeout time.Duration `yaml:"render_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Render.TileSize = 256
	cfg.Render.Width = 800
	cfg.Render.Height = 600
	cfg.Render.Fractal = string(types.FractalMandelbrot)
	cfg.Render.View = types.DefaultParams()
	cfg.Render.Output = "frame.png"
	cfg.Predictor.Config = predictor.DefaultConfig()
	cfg.Predictor.TickInterval = 100 * time.Millisecond
	cfg.Metrics.Port = 9090
	cfg.Server.Port = 50051
	cfg.Server.MaxCanvas = 4096
	cfg.Server.RenderTimeout = 30 * time.Second
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadConfigOrDefault treats a missing file at the default path as "use defaults"
func loadConfigOrDefault(path string, explicit bool) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && !explicit {
		return defaultConfig(), nil
	}
	return loadConfig(path)
}

func (c *Config) validate() error {
	if c.Pool.Workers < 0 {
		return fmt.Errorf("pool.workers must not be negative, got %d", c.Pool.Workers)
	}
	if c.Pool.MaxQueueDepth < 0 {
		return fmt.Errorf("pool.max_queue_depth must not be negative, got %d", c.Pool.MaxQueueDepth)
	}
	if c.Render.TileSize <= 0 {
		return fmt.Errorf("render.tile_size must be positive, got %d", c.Render.TileSize)
	}
	if c.Render.Width <= 0 || c.Render.Height <= 0 {
		return fmt.Errorf("render canvas must be positive, got %dx%d", c.Render.Width, c.Render.Height)
	}
	if _, err := types.ParseFractal(c.Render.Fractal); err != nil {
		return fmt.Errorf("render.fractal: %w", err)
	}
	if err := c.Render.View.Validate(); err != nil {
		return fmt.Errorf("render.view: %w", err)
	}
	if !palette.Known(c.Render.View.ColorScheme) {
		return fmt.Errorf("render.view.color_scheme %q is not one of %s",
			c.Render.View.ColorScheme, strings.Join(palette.Schemes(), ", "))
	}
	if c.Render.Output != "" {
		if _, err := snapshot.FormatFromPath(c.Render.Output); err != nil {
			return fmt.Errorf("render.output: %w", err)
		}
	}
	if d := c.Predictor.DecayFactor; d <= 0 || d >= 1 {
		return fmt.Errorf("predictor.decay_factor must be in (0,1), got %v", d)
	}
	if c.Predictor.TickInterval <= 0 {
		return fmt.Errorf("predictor.tick_interval must be positive, got %s", c.Predictor.TickInterval)
	}
	for name, port := range map[string]int{"metrics.port": c.Metrics.Port, "server.port": c.Server.Port} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// newLogger builds the process logger described by the log section
func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	level, _ := parseLevel(cfg.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
