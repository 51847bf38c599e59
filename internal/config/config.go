// Package config loads the etk settings file. Values come from defaults, an
// optional TOML file and ETK_ environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	etkerrors "github.com/etkit/etk/internal/errors"
)

// ErrInvalid reports a setting outside its allowed range.
var ErrInvalid = etkerrors.Sentinel(etkerrors.CategoryConfig, "INVALID_CONFIG", "invalid configuration")

// EnvPath names the environment variable that points at the config file.
const EnvPath = "ETK_CONFIG"

// Config holds every etk setting.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Looper      LooperConfig      `mapstructure:"looper"`
	Messenger   MessengerConfig   `mapstructure:"messenger"`
	Application ApplicationConfig `mapstructure:"application"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Verbosity int    `mapstructure:"verbosity"`
	File      string `mapstructure:"file"`
}

// LooperConfig holds queue settings. A zero QueueTimeout blocks until the
// queue lock is free; a zero PortCapacity leaves queues unbounded.
type LooperConfig struct {
	QueueTimeout time.Duration `mapstructure:"queue_timeout"`
	PortCapacity int           `mapstructure:"port_capacity"`
}

// MessengerConfig holds synchronous send settings. A zero ReplyTimeout
// waits forever.
type MessengerConfig struct {
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
}

// ApplicationConfig holds application loop and shutdown settings.
type ApplicationConfig struct {
	PulseRate          time.Duration `mapstructure:"pulse_rate"`
	QuitBackoffInitial time.Duration `mapstructure:"quit_backoff_initial"`
	QuitBackoffMax     time.Duration `mapstructure:"quit_backoff_max"`
	QuitMaxAttempts    int           `mapstructure:"quit_max_attempts"`
	Backend            string        `mapstructure:"backend"`
}

var defaults = map[string]any{
	"log.verbosity":                    1,
	"log.file":                         "",
	"looper.queue_timeout":             "0s",
	"looper.port_capacity":             200,
	"messenger.reply_timeout":          "0s",
	"application.pulse_rate":           "500ms",
	"application.quit_backoff_initial": "5ms",
	"application.quit_backoff_max":     "100ms",
	"application.quit_max_attempts":    16,
	"application.backend":              "none",
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigType("toml")
	v.SetEnvPrefix("ETK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultPath returns the file Load reads when no path is given.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "etk", "etk.toml")
}

// Default returns the built-in settings.
func Default() Config {
	c, err := decode(newViper())
	if err != nil {
		// defaults are static; a failure here is a programming error
		panic(fmt.Sprintf("config: decoding defaults: %v", err))
	}
	return c
}

// Load reads path, or DefaultPath when path is empty. A missing default
// file is not an error; a missing explicit file is.
func Load(path string) (Config, error) {
	v := newViper()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	c, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func decode(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Validate rejects negative durations and counts.
func (c Config) Validate() error {
	checks := []struct {
		key string
		bad bool
	}{
		{"log.verbosity", c.Log.Verbosity < 0},
		{"looper.queue_timeout", c.Looper.QueueTimeout < 0},
		{"looper.port_capacity", c.Looper.PortCapacity < 0},
		{"messenger.reply_timeout", c.Messenger.ReplyTimeout < 0},
		{"application.pulse_rate", c.Application.PulseRate < 0},
		{"application.quit_backoff_initial", c.Application.QuitBackoffInitial < 0},
		{"application.quit_backoff_max", c.Application.QuitBackoffMax < c.Application.QuitBackoffInitial},
		{"application.quit_max_attempts", c.Application.QuitMaxAttempts < 1},
	}
	for _, ch := range checks {
		if ch.bad {
			return ErrInvalid.With("%s out of range", ch.key)
		}
	}
	return nil
}

// fileConfig is the on-disk shape written by Dump. Durations are written as
// strings so the file reads back through Load unchanged.
type fileConfig struct {
	Log struct {
		Verbosity int    `toml:"verbosity"`
		File      string `toml:"file"`
	} `toml:"log"`
	Looper struct {
		QueueTimeout string `toml:"queue_timeout"`
		PortCapacity int    `toml:"port_capacity"`
	} `toml:"looper"`
	Messenger struct {
		ReplyTimeout string `toml:"reply_timeout"`
	} `toml:"messenger"`
	Application struct {
		PulseRate          string `toml:"pulse_rate"`
		QuitBackoffInitial string `toml:"quit_backoff_initial"`
		QuitBackoffMax     string `toml:"quit_backoff_max"`
		QuitMaxAttempts    int    `toml:"quit_max_attempts"`
		Backend            string `toml:"backend"`
	} `toml:"application"`
}

// Dump writes c as TOML.
func Dump(w io.Writer, c Config) error {
	var f fileConfig
	f.Log.Verbosity = c.Log.Verbosity
	f.Log.File = c.Log.File
	f.Looper.QueueTimeout = c.Looper.QueueTimeout.String()
	f.Looper.PortCapacity = c.Looper.PortCapacity
	f.Messenger.ReplyTimeout = c.Messenger.ReplyTimeout.String()
	f.Application.PulseRate = c.Application.PulseRate.String()
	f.Application.QuitBackoffInitial = c.Application.QuitBackoffInitial.String()
	f.Application.QuitBackoffMax = c.Application.QuitBackoffMax.String()
	f.Application.QuitMaxAttempts = c.Application.QuitMaxAttempts
	f.Application.Backend = c.Application.Backend
	if err := toml.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
