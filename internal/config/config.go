// Package config holds the single configuration object for the exchange
// and its YAML loader: one root struct, loaded once at startup, the same
// way the server loads its agent roster.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Auction holds the bid-window and selection knobs.
type Auction struct {
	DefaultWindowMs      int     `yaml:"default_window_ms"`
	MinWindowMs          int     `yaml:"min_window_ms"`
	MaxWindowMs          int     `yaml:"max_window_ms"`
	InstantWinThreshold  float64 `yaml:"instant_win_threshold"`
	DominanceMargin      float64 `yaml:"dominance_margin"`
	MaxAuctionAttempts   int     `yaml:"max_auction_attempts"`
	ExecutionTimeoutMs   int     `yaml:"execution_timeout_ms"`
	AckTimeoutMs         int     `yaml:"ack_timeout_ms"`
	HeartbeatExtensionMs int     `yaml:"heartbeat_extension_ms"`
}

// Bidder holds per-bid evaluation timeouts and circuit breaker knobs.
type Bidder struct {
	BidTimeoutMs     int `yaml:"bid_timeout_ms"`
	CircuitThreshold int `yaml:"circuit_threshold"`
	CircuitResetMs   int `yaml:"circuit_reset_ms"`
}

// Reconnect holds the transport reconnection backoff knobs.
type Reconnect struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

// Transport holds heartbeat and reconnect knobs for the agent transport.
type Transport struct {
	HeartbeatIntervalMs int       `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int       `yaml:"heartbeat_timeout_ms"`
	Reconnect           Reconnect `yaml:"reconnect"`
}

// Pipeline holds the submission pipeline's dedup and lock knobs.
type Pipeline struct {
	DedupWindowMs          int `yaml:"dedup_window_ms"`
	ProcessingLockSafetyMs int `yaml:"processing_lock_safety_ms"`
}

// Routing holds the routing optimizer's cache and pre-screen knobs.
type Routing struct {
	CacheTtlMs         int `yaml:"cache_ttl_ms"`
	PreScreenThreshold int `yaml:"pre_screen_threshold"`
	PreScreenMax       int `yaml:"pre_screen_max"`
}

// Reputation holds the reputation window and flag threshold.
type Reputation struct {
	WindowMs      int     `yaml:"window_ms"`
	FlagThreshold float64 `yaml:"flag_threshold"`
}

// Config is the single root configuration object for the exchange.
type Config struct {
	Auction    Auction    `yaml:"auction"`
	Bidder     Bidder     `yaml:"bidder"`
	Transport  Transport  `yaml:"transport"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Routing    Routing    `yaml:"routing"`
	Reputation Reputation `yaml:"reputation"`
}

// Default returns the stock configuration every deployment starts from.
func Default() *Config {
	return &Config{
		Auction: Auction{
			DefaultWindowMs:      8000,
			MinWindowMs:          5000,
			MaxWindowMs:          12000,
			InstantWinThreshold:  0.85,
			DominanceMargin:      0.3,
			MaxAuctionAttempts:   1,
			ExecutionTimeoutMs:   120000,
			AckTimeoutMs:         10000,
			HeartbeatExtensionMs: 30000,
		},
		Bidder: Bidder{
			BidTimeoutMs:     6000,
			CircuitThreshold: 15,
			CircuitResetMs:   15000,
		},
		Transport: Transport{
			HeartbeatIntervalMs: 25000,
			HeartbeatTimeoutMs:  60000,
			Reconnect: Reconnect{
				MaxAttempts: 5,
				BaseDelayMs: 1000,
				MaxDelayMs:  30000,
			},
		},
		Pipeline: Pipeline{
			DedupWindowMs:          3000,
			ProcessingLockSafetyMs: 15000,
		},
		Routing: Routing{
			CacheTtlMs:         5 * 60 * 1000,
			PreScreenThreshold: 7,
			PreScreenMax:       4,
		},
		Reputation: Reputation{
			WindowMs:      30 * 60 * 1000,
			FlagThreshold: 0.3,
		},
	}
}

// Load reads a YAML configuration file, falling back to Default() for any
// field the file omits (zero-value fields after unmarshal onto the default
// are simply the default values already in place).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Duration helpers so callers don't sprinkle time.Duration(x)*time.Millisecond.

func (a Auction) DefaultWindow() time.Duration { return time.Duration(a.DefaultWindowMs) * time.Millisecond }
func (a Auction) MinWindow() time.Duration { return time.Duration(a.MinWindowMs) * time.Millisecond }
func (a Auction) MaxWindow() time.Duration { return time.Duration(a.MaxWindowMs) * time.Millisecond }
func (a Auction) ExecutionTimeout() time.Duration { return time.Duration(a.ExecutionTimeoutMs) * time.Millisecond }
func (a Auction) AckTimeout() time.Duration { return time.Duration(a.AckTimeoutMs) * time.Millisecond }
func (a Auction) HeartbeatExtension() time.Duration { return time.Duration(a.HeartbeatExtensionMs) * time.Millisecond }

func (b Bidder) BidTimeout() time.Duration { return time.Duration(b.BidTimeoutMs) * time.Millisecond }
func (b Bidder) CircuitReset() time.Duration { return time.Duration(b.CircuitResetMs) * time.Millisecond }

func (t Transport) HeartbeatInterval() time.Duration { return time.Duration(t.HeartbeatIntervalMs) * time.Millisecond }
func (t Transport) HeartbeatTimeout() time.Duration { return time.Duration(t.HeartbeatTimeoutMs) * time.Millisecond }
func (r Reconnect) BaseDelay() time.Duration { return time.Duration(r.BaseDelayMs) * time.Millisecond }
func (r Reconnect) MaxDelay() time.Duration { return time.Duration(r.MaxDelayMs) * time.Millisecond }

func (p Pipeline) DedupWindow() time.Duration { return time.Duration(p.DedupWindowMs) * time.Millisecond }
func (p Pipeline) ProcessingLockSafety() time.Duration { return time.Duration(p.ProcessingLockSafetyMs) * time.Millisecond }

func (r Routing) CacheTTL() time.Duration { return time.Duration(r.CacheTtlMs) * time.Millisecond }

func (r Reputation) Window() time.Duration { return time.Duration(r.WindowMs) * time.Millisecond }
