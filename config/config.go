package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Artfain/reserve-node/consensus"
	"github.com/Artfain/reserve-node/core"
	"github.com/Artfain/reserve-node/p2p"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration written as "20s" in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Chain     ChainConfig     `yaml:"chain"`
	Admission AdmissionConfig `yaml:"admission"`
	Download  DownloadConfig  `yaml:"download"`
	Round     RoundConfig     `yaml:"round"`
	Pool      PoolConfig      `yaml:"pool"`
	Mempool   MempoolConfig   `yaml:"mempool"`
}

type NodeConfig struct {
	DataDir      string   `yaml:"data_dir"`
	Listen       string   `yaml:"listen"`
	API          string   `yaml:"api"`
	Peers        []string `yaml:"peers"`
	MaxPeers     int      `yaml:"max_peers"`
	CallTimeout  Duration `yaml:"call_timeout"`
	SyncInterval Duration `yaml:"sync_interval"`
	// Inbound websocket upgrades per second, shared by every remote.
	ConnRate  float64 `yaml:"conn_rate"`
	ConnBurst int     `yaml:"conn_burst"`
	KeyFile   string  `yaml:"key_file"`
	LogLevel  string  `yaml:"log_level"`
}

type GenesisConfig struct {
	Timestamp   int64              `yaml:"timestamp"`
	Validator   string             `yaml:"validator"`
	ChainRef    string             `yaml:"chain_ref"`
	Allocations map[string]float64 `yaml:"allocations"`
}

type ChainConfig struct {
	// BlockLock is the bootstrap height up to which admission is not limited.
	BlockLock int64 `yaml:"block_lock"`
	// LegacyCutover is the last height adjudicated the legacy way.
	LegacyCutover  int64         `yaml:"legacy_cutover"`
	AdjudicatorKey string        `yaml:"adjudicator_key"`
	Genesis        GenesisConfig `yaml:"genesis"`
}

type AdmissionConfig struct {
	MaxBufferCost  int64    `yaml:"max_buffer_cost"`
	MaxOutstanding int64    `yaml:"max_outstanding"`
	BurstWindow    Duration `yaml:"burst_window"`
	BaseDelay      Duration `yaml:"base_delay"`
	MaxDelayLevel  int64    `yaml:"max_delay_level"`
	BanDuration    Duration `yaml:"ban_duration"`
}

type DownloadConfig struct {
	MaxBufferBytes    int64    `yaml:"max_buffer_bytes"`
	StaleAfter        Duration `yaml:"stale_after"`
	FetchTimeout      Duration `yaml:"fetch_timeout"`
	PollInterval      Duration `yaml:"poll_interval"`
	StallTimeout      Duration `yaml:"stall_timeout"`
	MaxFailures       int      `yaml:"max_failures"`
	MinBandwidthRatio float64  `yaml:"min_bandwidth_ratio"`
	MinSamples        int      `yaml:"min_samples"`
}

type RoundConfig struct {
	Adjudicate     bool     `yaml:"adjudicate"`
	Interval       Duration `yaml:"interval"`
	LegacyInterval Duration `yaml:"legacy_interval"`
	TickInterval   Duration `yaml:"tick_interval"`
	MinStake       float64  `yaml:"min_stake"`
	NotifyTimeout  Duration `yaml:"notify_timeout"`
	GraceWindow    Duration `yaml:"grace_window"`
	MaxContenders  int      `yaml:"max_contenders"`
	MaxNumber      int      `yaml:"max_number"`
}

type PoolConfig struct {
	Expiry           Duration `yaml:"expiry"`
	MaintainInterval Duration `yaml:"maintain_interval"`
	RebroadcastAge   Duration `yaml:"rebroadcast_age"`
	ExplorerAddress  string   `yaml:"explorer_address"`
	// Join is the adjudicator pool URL this node joins as a member.
	Join string `yaml:"join"`
	// Address is derived from node.key_file when empty and must match it
	// otherwise.
	Address       string `yaml:"address"`
	UniqueName    string `yaml:"unique_name"`
	WalletVersion string `yaml:"wallet_version"`
	MaxBlockTxs   int    `yaml:"max_block_txs"`
}

type MempoolConfig struct {
	StaleWindow Duration `yaml:"stale_window"`
}

func Default() *Config {
	queue := p2p.DefaultQueueConfig()
	download := p2p.DefaultDownloadConfig()
	round := consensus.DefaultConfig()
	return &Config{
		Node: NodeConfig{
			DataDir:      "data",
			Listen:       ":3000",
			API:          ":8080",
			MaxPeers:     32,
			CallTimeout:  Duration(30 * time.Second),
			SyncInterval: Duration(30 * time.Second),
			ConnRate:     20,
			ConnBurst:    40,
			KeyFile:      "adjudicator.key",
			LogLevel:     "info",
		},
		Chain: ChainConfig{
			BlockLock:     queue.BlockLock,
			LegacyCutover: 0,
			Genesis: GenesisConfig{
				Timestamp: 1700000000,
				Validator: "genesis",
				ChainRef:  "reserve-main",
			},
		},
		Admission: AdmissionConfig{
			MaxBufferCost:  queue.MaxBufferCost,
			MaxOutstanding: queue.MaxOutstanding,
			BurstWindow:    Duration(queue.BurstWindow),
			BaseDelay:      Duration(queue.BaseDelay),
			MaxDelayLevel:  queue.MaxDelayLevel,
			BanDuration:    Duration(queue.BanDuration),
		},
		Download: DownloadConfig{
			MaxBufferBytes:    download.MaxBufferBytes,
			StaleAfter:        Duration(download.StaleAfter),
			FetchTimeout:      Duration(download.FetchTimeout),
			PollInterval:      Duration(download.PollInterval),
			StallTimeout:      Duration(download.StallTimeout),
			MaxFailures:       download.MaxFailures,
			MinBandwidthRatio: download.MinBandwidthRatio,
			MinSamples:        download.MinSamples,
		},
		Round: RoundConfig{
			Interval:       Duration(round.Interval),
			LegacyInterval: Duration(round.LegacyInterval),
			TickInterval:   Duration(round.TickInterval),
			MinStake:       round.MinStake,
			NotifyTimeout:  Duration(round.NotifyTimeout),
			GraceWindow:    Duration(round.GraceWindow),
			MaxContenders:  round.MaxContenders,
			MaxNumber:      consensus.DefaultMaxNumber,
		},
		Pool: PoolConfig{
			Expiry:           Duration(round.PoolExpiry),
			MaintainInterval: Duration(round.MaintainInterval),
			RebroadcastAge:   Duration(round.RebroadcastAge),
			WalletVersion:    "1.0.0",
			MaxBlockTxs:      1000,
		},
		Mempool: MempoolConfig{
			StaleWindow: Duration(core.DefaultStaleWindow),
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func invalid(field, why string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalid, field, why)
}

// Validate rejects values no node can run with.
func (c *Config) Validate() error {
	switch {
	case c.Node.DataDir == "":
		return invalid("node.data_dir", "is empty")
	case c.Node.Listen == "":
		return invalid("node.listen", "is empty")
	case c.Node.MaxPeers <= 0:
		return invalid("node.max_peers", "must be positive")
	case c.Node.CallTimeout <= 0:
		return invalid("node.call_timeout", "must be positive")
	case c.Node.SyncInterval <= 0:
		return invalid("node.sync_interval", "must be positive")
	case c.Node.ConnRate <= 0 || c.Node.ConnBurst <= 0:
		return invalid("node.conn_rate", "and conn_burst must be positive")
	case c.Chain.Genesis.ChainRef == "":
		return invalid("chain.genesis.chain_ref", "is empty")
	case c.Admission.MaxOutstanding <= 0:
		return invalid("admission.max_outstanding", "must be positive")
	case c.Admission.MaxBufferCost <= 0:
		return invalid("admission.max_buffer_cost", "must be positive")
	case c.Admission.MaxDelayLevel < 1:
		return invalid("admission.max_delay_level", "must be at least 1")
	case c.Download.MaxBufferBytes <= 0:
		return invalid("download.max_buffer_bytes", "must be positive")
	case c.Download.MaxFailures <= 0:
		return invalid("download.max_failures", "must be positive")
	case c.Download.PollInterval <= 0:
		return invalid("download.poll_interval", "must be positive")
	case c.Download.MinBandwidthRatio < 0 || c.Download.MinBandwidthRatio >= 1:
		return invalid("download.min_bandwidth_ratio", "must be in [0, 1)")
	case c.Round.TickInterval <= 0:
		return invalid("round.tick_interval", "must be positive")
	case c.Round.MaxContenders < 0:
		return invalid("round.max_contenders", "must not be negative")
	case c.Round.MaxNumber <= 0:
		return invalid("round.max_number", "must be positive")
	case c.Pool.Expiry <= 0 || c.Pool.MaintainInterval <= 0:
		return invalid("pool.expiry", "and maintain_interval must be positive")
	case c.Round.Adjudicate && c.Pool.Join != "":
		return invalid("pool.join", "cannot be set on an adjudicator")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Node.LogLevel)); err != nil {
		return 0, invalid("node.log_level", err.Error())
	}
	return lvl, nil
}

func (c *Config) Queue() p2p.QueueConfig {
	return p2p.QueueConfig{
		BlockLock:      c.Chain.BlockLock,
		MaxBufferCost:  c.Admission.MaxBufferCost,
		MaxOutstanding: c.Admission.MaxOutstanding,
		BurstWindow:    c.Admission.BurstWindow.D(),
		BaseDelay:      c.Admission.BaseDelay.D(),
		MaxDelayLevel:  c.Admission.MaxDelayLevel,
		BanDuration:    c.Admission.BanDuration.D(),
	}
}

func (c *Config) Downloads() p2p.DownloadConfig {
	return p2p.DownloadConfig{
		MaxBufferBytes:    c.Download.MaxBufferBytes,
		StaleAfter:        c.Download.StaleAfter.D(),
		FetchTimeout:      c.Download.FetchTimeout.D(),
		PollInterval:      c.Download.PollInterval.D(),
		StallTimeout:      c.Download.StallTimeout.D(),
		MaxFailures:       c.Download.MaxFailures,
		MinBandwidthRatio: c.Download.MinBandwidthRatio,
		MinSamples:        c.Download.MinSamples,
	}
}

func (c *Config) Rounds() consensus.Config {
	return consensus.Config{
		LegacyCutover:    c.Chain.LegacyCutover,
		Interval:         c.Round.Interval.D(),
		LegacyInterval:   c.Round.LegacyInterval.D(),
		TickInterval:     c.Round.TickInterval.D(),
		MaintainInterval: c.Pool.MaintainInterval.D(),
		MinStake:         c.Round.MinStake,
		NotifyTimeout:    c.Round.NotifyTimeout.D(),
		GraceWindow:      c.Round.GraceWindow.D(),
		MaxContenders:    c.Round.MaxContenders,
		PoolExpiry:       c.Pool.Expiry.D(),
		RebroadcastAge:   c.Pool.RebroadcastAge.D(),
		ExplorerAddress:  c.Pool.ExplorerAddress,
	}
}

func (c *Config) Member() consensus.MemberConfig {
	return consensus.MemberConfig{
		URL:           c.Pool.Join,
		Address:       c.Pool.Address,
		UniqueName:    c.Pool.UniqueName,
		WalletVersion: c.Pool.WalletVersion,
		LegacyCutover: c.Chain.LegacyCutover,
		MaxNumber:     c.Round.MaxNumber,
		MaxTxs:        c.Pool.MaxBlockTxs,
	}
}

func (c *Config) Genesis() core.Genesis {
	g := c.Chain.Genesis
	return core.Genesis{
		Timestamp:   g.Timestamp,
		Validator:   g.Validator,
		ChainRef:    g.ChainRef,
		Allocations: g.Allocations,
	}
}
