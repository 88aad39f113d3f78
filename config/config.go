// Package config loads the TOML configuration used by embedding
// applications to pick exchanges, markets and client tuning without code
// changes.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aqs-base/ccew/client"
	"github.com/aqs-base/ccew/types"
)

// Config is the top-level TOML document.
type Config struct {
	Client struct {
		DebounceMs         int `toml:"debounce_ms"`
		WatchdogSec        int `toml:"watchdog_sec"`
		ReconnectInitialMs int `toml:"reconnect_initial_ms"`
		ReconnectMaxSec    int `toml:"reconnect_max_sec"`
		EventBuffer        int `toml:"event_buffer"`
	} `toml:"client"`

	Exchanges map[string]ExchangeConfig `toml:"exchange"`
}

// ExchangeConfig enables one exchange and lists the markets to stream.
type ExchangeConfig struct {
	Enabled bool           `toml:"enabled"`
	Markets []MarketConfig `toml:"markets"`
}

// MarketConfig names one market in exchange wire terms.
type MarketConfig struct {
	RemoteID string `toml:"remote_id"`
	Base     string `toml:"base"`
	Quote    string `toml:"quote"`
}

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Client.DebounceMs <= 0 {
		cfg.Client.DebounceMs = 100
	}
	if cfg.Client.WatchdogSec <= 0 {
		cfg.Client.WatchdogSec = 60
	}
	if cfg.Client.ReconnectInitialMs <= 0 {
		cfg.Client.ReconnectInitialMs = 500
	}
	if cfg.Client.ReconnectMaxSec <= 0 {
		cfg.Client.ReconnectMaxSec = 15
	}
	if cfg.Client.EventBuffer <= 0 {
		cfg.Client.EventBuffer = 1024
	}
}

func validate(cfg *Config) error {
	enabled := 0
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		enabled++
		if len(ex.Markets) == 0 {
			return fmt.Errorf("exchange.%s enabled but lists no markets", name)
		}
		for _, m := range ex.Markets {
			if strings.TrimSpace(m.RemoteID) == "" {
				return fmt.Errorf("exchange.%s has a market with empty remote_id", name)
			}
			if strings.TrimSpace(m.Base) == "" || strings.TrimSpace(m.Quote) == "" {
				return fmt.Errorf("exchange.%s market %s missing base or quote", name, m.RemoteID)
			}
		}
	}
	if enabled == 0 {
		return errors.New("no exchange enabled")
	}
	return nil
}

// EnabledExchanges returns the names of all enabled exchanges.
func (c *Config) EnabledExchanges() []types.ExchangeName {
	var names []types.ExchangeName
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			names = append(names, types.ExchangeName(name))
		}
	}
	return names
}

// Markets returns the configured markets for one exchange, tagged with its
// name.
func (c *Config) Markets(name types.ExchangeName) []types.Market {
	ex, ok := c.Exchanges[string(name)]
	if !ok {
		return nil
	}
	markets := make([]types.Market, 0, len(ex.Markets))
	for _, m := range ex.Markets {
		markets = append(markets, types.Market{
			Exchange: name,
			RemoteID: m.RemoteID,
			Base:     strings.ToUpper(m.Base),
			Quote:    strings.ToUpper(m.Quote),
		})
	}
	return markets
}

// ClientOptions translates the tuning section into client options.
func (c *Config) ClientOptions() client.Options {
	return client.Options{
		DebounceWindow:        time.Duration(c.Client.DebounceMs) * time.Millisecond,
		WatchdogTimeout:       time.Duration(c.Client.WatchdogSec) * time.Second,
		ReconnectInitialDelay: time.Duration(c.Client.ReconnectInitialMs) * time.Millisecond,
		ReconnectMaxDelay:     time.Duration(c.Client.ReconnectMaxSec) * time.Second,
		EventBuffer:           c.Client.EventBuffer,
	}
}
