package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"ble-ota-flasher/internal/ota"
	"ble-ota-flasher/internal/protocol"
	"ble-ota-flasher/internal/transport"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Transport struct {
		Type   string                 `yaml:"type"` // "ble", "serial" or "sim"
		BLE    transport.BLEConfig    `yaml:"ble"`
		Serial transport.SerialConfig `yaml:"serial"`
	} `yaml:"transport"`
	Protocol struct {
		MarkerWidth   int  `yaml:"marker_width"`
		MatchSequence bool `yaml:"match_sequence"`
	} `yaml:"protocol"`
	Firmware struct {
		Path string `yaml:"path"`
		Dir  string `yaml:"dir"`
		Core string `yaml:"core"`
	} `yaml:"firmware"`
	Timeouts ota.Timeouts `yaml:"timeouts"`
	Web      struct {
		Enabled        bool     `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Transport.Type {
	case "ble", "serial", "sim":
	default:
		return fmt.Errorf("transport.type must be ble, serial or sim, got %q", c.Transport.Type)
	}
	if c.Transport.Type == "serial" && c.Transport.Serial.Port == "" {
		return fmt.Errorf("transport.serial.port is required")
	}
	if c.Protocol.MarkerWidth != 1 && c.Protocol.MarkerWidth != 2 {
		return fmt.Errorf("protocol.marker_width must be 1 or 2, got %d", c.Protocol.MarkerWidth)
	}
	if _, err := protocol.ParseCore(c.Firmware.Core); err != nil {
		return fmt.Errorf("firmware.core: %w", err)
	}
	t := c.Timeouts
	for name, d := range map[string]time.Duration{
		"init": t.Init, "chunk": t.Chunk, "verify_inactive": t.VerifyInactive,
		"verify_active": t.VerifyActive, "activate": t.Activate, "config": t.Config,
		"default": t.Default,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}
	if t.ChunkAttempts < 1 || t.DefaultAttempts < 1 {
		return fmt.Errorf("timeouts.chunk_attempts and timeouts.default_attempts must be at least 1")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// core returns the configured firmware core. validate has already checked it.
func (c *Config) core() protocol.Core {
	core, _ := protocol.ParseCore(c.Firmware.Core)
	return core
}

// options are the command-line overrides.
type options struct {
	configPath string
	transport  string
	firmware   string
	core       string
	port       string
	logLevel   string
	args       []string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	var o options
	fs := pflag.NewFlagSet("ota-flasher", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	fs.SetInterspersed(false)
	fs.StringVarP(&o.configPath, "config", "c", "config.yaml", "Read configuration from `FILE`.")
	fs.StringVarP(&o.transport, "transport", "t", "", "Override transport.type (ble, serial, sim).")
	fs.StringVarP(&o.firmware, "firmware", "f", "", "Override firmware.path with `FILE`.")
	fs.StringVar(&o.core, "core", "", "Override firmware.core (cm4, cm7).")
	fs.StringVar(&o.port, "port", "", "Override transport.serial.port with `PATH`.")
	fs.StringVar(&o.logLevel, "log-level", "", "Override log.level (debug, info, warn, error).")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: ota-flasher [flags...] <command> [args...]\n\nCommands:\n%s\nFlags:\n%s",
			commandUsage(), fs.FlagUsagesWrapped(86))
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.args = fs.Args()
	if len(o.args) == 0 {
		fs.Usage()
		return nil, errors.New("no command given")
	}
	return &o, nil
}

func (o *options) apply(cfg *Config) {
	if o.transport != "" {
		cfg.Transport.Type = o.transport
	}
	if o.firmware != "" {
		cfg.Firmware.Path = o.firmware
	}
	if o.core != "" {
		cfg.Firmware.Core = o.core
	}
	if o.port != "" {
		cfg.Transport.Serial.Port = o.port
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		return 1
	}
	opts.apply(cfg)
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		return 1
	}

	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	cmd, ok := commands[opts.args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\nCommands:\n%s", opts.args[0], commandUsage())
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("setup", "err", err)
		return 1
	}
	defer a.Close()

	if err := cmd.run(ctx, a, opts.args[1:]); err != nil {
		reportFailure(os.Stderr, opts.args[0], err)
		return 1
	}
	return 0
}

// reportFailure prints the failed step and chunk when known.
func reportFailure(w io.Writer, name string, err error) {
	var serr *ota.StepError
	if errors.As(err, &serr) {
		if serr.HasChunk {
			fmt.Fprintf(w, "%s failed at step %s, chunk %d: %v\n", name, serr.Step, serr.Chunk, serr.Err)
			return
		}
		fmt.Fprintf(w, "%s failed at step %s: %v\n", name, serr.Step, serr.Err)
		return
	}
	fmt.Fprintf(w, "%s failed: %v\n", name, err)
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Transport.Type = "ble"
	cfg.Transport.BLE = transport.DefaultBLEConfig()
	cfg.Transport.Serial.Baud = 115200
	cfg.Protocol.MarkerWidth = 1
	cfg.Firmware.Core = "cm4"
	cfg.Timeouts = ota.DefaultTimeouts()
	cfg.Web.Enabled = true
	cfg.Web.Listen = "127.0.0.1:8080"
	cfg.Store.Path = "ota-flasher.db"
	cfg.MQTT.TopicPrefix = "ota"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.ScriptsDir = "scripts"
	return &cfg
}

// loadConfig reads path over the defaults. A missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
