package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haghost5/hag5bridge/hass"
	"github.com/haghost5/hag5bridge/integration"
	"github.com/haghost5/hag5bridge/printer"
)

const defaultConfigPath = "config.yaml"

type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Printer  PrinterConfig `yaml:"printer"`
	Printers []string      `yaml:"printers"`
	Files    FilesConfig   `yaml:"files"`
	Data     DataConfig    `yaml:"data"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	Log      LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// WebDir holds the dashboard card files served under
	// /local/community/haghost5/. Empty disables them.
	WebDir string `yaml:"web_dir"`
}

// PrinterConfig applies to every printer. Durations are in seconds.
type PrinterConfig struct {
	FeedPort       int `yaml:"feed_port"`
	ReconnectDelay int `yaml:"reconnect_delay"`
	OfflineAfter   int `yaml:"offline_after"`
	// QueryInterval is how often to ask the printer for every field. Zero
	// relies on what the printer pushes by itself.
	QueryInterval int `yaml:"query_interval"`
	UploadTimeout int `yaml:"upload_timeout"`
	StartDelay    int `yaml:"start_delay"`
	// ReadTimeout drops a feed that stays silent that long. Zero keeps it.
	ReadTimeout int `yaml:"read_timeout"`
}

type FilesConfig struct {
	// GCodeDir is the local directory for storing gcode files.
	GCodeDir string `yaml:"gcode_dir"`
}

type DataConfig struct {
	// Dir holds config entries and print history.
	Dir string `yaml:"dir"`
}

type MQTTConfig struct {
	// Broker like "tcp://homeassistant:1883". Empty disables MQTT.
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8125,
		},
		Printer: PrinterConfig{
			FeedPort:       printer.DefaultFeedPort,
			ReconnectDelay: 5,
			OfflineAfter:   30,
			UploadTimeout:  30,
			StartDelay:     1,
		},
		Files: FilesConfig{
			GCodeDir: "gcodes",
		},
		Data: DataConfig{
			Dir: "data",
		},
		MQTT: MQTTConfig{
			DiscoveryPrefix: "homeassistant",
			TopicPrefix:     "haghost5",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults. A missing file
// at the default path is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath:
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Resolve relative directories to absolute paths.
	for _, dir := range []*string{&cfg.Files.GCodeDir, &cfg.Data.Dir, &cfg.Server.WebDir} {
		if *dir != "" && !filepath.IsAbs(*dir) {
			abs, err := filepath.Abs(*dir)
			if err != nil {
				return nil, fmt.Errorf("resolving %s: %w", *dir, err)
			}
			*dir = abs
		}
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Printer.FeedPort <= 0 || c.Printer.FeedPort > 65535 {
		return fmt.Errorf("invalid printer feed_port %d", c.Printer.FeedPort)
	}
	for name, v := range map[string]int{
		"reconnect_delay": c.Printer.ReconnectDelay,
		"offline_after":   c.Printer.OfflineAfter,
		"query_interval":  c.Printer.QueryInterval,
		"upload_timeout":  c.Printer.UploadTimeout,
		"start_delay":     c.Printer.StartDelay,
		"read_timeout":    c.Printer.ReadTimeout,
	} {
		if v < 0 {
			return fmt.Errorf("printer %s must not be negative", name)
		}
	}
	for name, v := range map[string]int{
		"reconnect_delay": c.Printer.ReconnectDelay,
		"offline_after":   c.Printer.OfflineAfter,
		"upload_timeout":  c.Printer.UploadTimeout,
	} {
		if v == 0 {
			return fmt.Errorf("printer %s must be positive", name)
		}
	}
	if c.Files.GCodeDir == "" || c.Data.Dir == "" {
		return errors.New("files.gcode_dir and data.dir are required")
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ClientOptions returns the feed client options for every printer.
func (c *Config) ClientOptions() []printer.ClientOption {
	return []printer.ClientOption{
		printer.WithFeedPort(c.Printer.FeedPort),
		printer.WithReconnectDelay(seconds(c.Printer.ReconnectDelay)),
		printer.WithUploadTimeout(seconds(c.Printer.UploadTimeout)),
		printer.WithStartDelay(seconds(c.Printer.StartDelay)),
		printer.WithReadTimeout(seconds(c.Printer.ReadTimeout)),
	}
}

// IntegrationSettings returns the settings printers are set up with.
func (c *Config) IntegrationSettings() integration.Settings {
	return integration.Settings{
		OfflineAfter:  seconds(c.Printer.OfflineAfter),
		QueryInterval: seconds(c.Printer.QueryInterval),
		ClientOptions: c.ClientOptions(),
	}
}

// HassOptions returns the MQTT bridge options.
func (c *Config) HassOptions() hass.Options {
	return hass.Options{
		Broker:          c.MQTT.Broker,
		Username:        c.MQTT.Username,
		Password:        c.MQTT.Password,
		ClientID:        c.MQTT.ClientID,
		DiscoveryPrefix: c.MQTT.DiscoveryPrefix,
		TopicPrefix:     c.MQTT.TopicPrefix,
	}
}
