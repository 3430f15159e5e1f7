// Package config loads node settings from defaults, an optional kadns.yaml,
// KADNS_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/busybox42/kadns/pkg/dht"
)

type DHT struct {
	K                  int           `mapstructure:"k"`
	Alpha              int           `mapstructure:"alpha"`
	NoImprovementLimit int           `mapstructure:"no_improvement_limit"`
	QueryTimeout       time.Duration `mapstructure:"query_timeout"`
	PublishQuorum      int           `mapstructure:"publish_quorum"`
}

type Config struct {
	Port      int      `mapstructure:"port"`
	Listen    string   `mapstructure:"listen"`
	Bootstrap []string `mapstructure:"bootstrap"`
	Tor       bool     `mapstructure:"tor"`
	MDNS      bool     `mapstructure:"mdns"`
	Metrics   string   `mapstructure:"metrics"`
	LogLevel  string   `mapstructure:"log_level"`
	KeyDir    string   `mapstructure:"key_dir"`
	DHT       DHT      `mapstructure:"dht"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"port":      "port",
	"listen":    "listen",
	"bootstrap": "bootstrap",
	"tor":       "tor",
	"mdns":      "mdns",
	"metrics":   "metrics",
	"log-level": "log_level",
	"key-dir":   "key_dir",
	"quorum":    "dht.publish_quorum",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 4001)
	v.SetDefault("listen", "0.0.0.0")
	v.SetDefault("bootstrap", []string{})
	v.SetDefault("tor", false)
	v.SetDefault("mdns", false)
	v.SetDefault("metrics", "")
	v.SetDefault("log_level", "info")
	if home, err := os.UserHomeDir(); err == nil {
		v.SetDefault("key_dir", filepath.Join(home, ".kadns"))
	} else {
		v.SetDefault("key_dir", "")
	}

	v.SetDefault("dht.k", dht.K)
	v.SetDefault("dht.alpha", dht.ALPHA)
	v.SetDefault("dht.no_improvement_limit", dht.NoImprovementLimit)
	v.SetDefault("dht.query_timeout", dht.QueryTimeout)
	v.SetDefault("dht.publish_quorum", 1)
}

// Load resolves the configuration. configFile, when set, must exist;
// otherwise kadns.yaml is looked up in ".", "$HOME/.kadns" and "/etc/kadns".
// Only flags explicitly set on fs override other sources.
func Load(fs *flag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("kadns")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.kadns")
		v.AddConfigPath("/etc/kadns")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		logrus.WithField("file", v.ConfigFileUsed()).Debug("Loaded config file")
	}

	v.SetEnvPrefix("KADNS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var flagErr error
		fs.Visit(func(f *flag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return
			}
			value := f.Value.String()
			if key == "bootstrap" {
				v.Set(key, splitList(value))
				return
			}
			if _, isBool := f.Value.(interface{ IsBoolFlag() bool }); isBool {
				b, err := strconv.ParseBool(value)
				if err != nil {
					flagErr = err
					return
				}
				v.Set(key, b)
				return
			}
			v.Set(key, value)
		})
		if flagErr != nil {
			return nil, flagErr
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Bootstrap = splitList(strings.Join(cfg.Bootstrap, ","))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	for _, addr := range c.Bootstrap {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("config: invalid bootstrap address %q: %w", addr, err)
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.DHT.PublishQuorum < 1 {
		return fmt.Errorf("config: publish quorum must be at least 1, got %d", c.DHT.PublishQuorum)
	}
	params := c.DHTConfig()
	return params.Validate()
}

// ListenAddr is the host:port the transport binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Listen, strconv.Itoa(c.Port))
}

// DHTConfig converts the dht section into engine parameters.
func (c *Config) DHTConfig() dht.Config {
	params := dht.DefaultConfig()
	params.K = c.DHT.K
	params.Alpha = c.DHT.Alpha
	params.NoImprovementLimit = c.DHT.NoImprovementLimit
	params.QueryTimeout = c.DHT.QueryTimeout
	return params
}
