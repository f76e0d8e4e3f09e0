// Package config defines the node's runtime configuration: network
// identity, pricing, relay admission limits, and per-operation timeouts.
// It follows a familiar Go service idiom — a plain struct with a
// Validate method that fills in implicit defaults and checks required
// fields, plus a Timeouts.WithDefaults helper — generalized here from one
// SDK client's settings to the three cooperating components a node runs
// (BLS, Relay Server, Bootstrap Service), loaded from YAML with
// environment-variable overrides via godotenv.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/klistr-network/ilp-relay/internal/errs"
)

// NodeConfig is the top-level configuration for a single relay node
// process (spec §2 "a process may instantiate multiple BLS+Relay pairs" —
// NodeConfig describes exactly one such pair plus its bootstrap policy).
type NodeConfig struct {
	Debug bool `yaml:"debug"`

	// PrivateKey is the hex-encoded ECDSA private key used to sign this
	// node's own Nostr events and ILP balance proofs.
	PrivateKey string `yaml:"private_key"`

	BLS       BLSConfig       `yaml:"bls"`
	Relay     RelayConfig     `yaml:"relay"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Timeouts  Timeouts        `yaml:"timeouts"`

	privateKeyECDSA *ecdsa.PrivateKey
}

// BLSConfig configures the Business Logic Server's pricing and HTTP
// listener (spec §4.3, §4.4, §6 "Configuration options recognized by the BLS").
type BLSConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	BasePricePerByte string         `yaml:"base_price_per_byte"`
	KindOverrides    map[int]string `yaml:"kind_overrides"`
	OwnerPubkey      string         `yaml:"owner_pubkey"`
	SpspMinPrice     string         `yaml:"spsp_min_price"`

	ChainID             int64  `yaml:"chain_id"`
	TokenNetworkAddress string `yaml:"token_network_address"`

	// RateLimitCapacity and RateLimitPerSecond configure the token bucket
	// guarding the store write path (spec §5 "Backpressure"). Zero
	// capacity disables rate limiting entirely.
	RateLimitCapacity  int     `yaml:"rate_limit_capacity"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
}

// RelayConfig configures the Relay Server's WebSocket listener and
// admission limits (spec §4.5, §6).
type RelayConfig struct {
	ListenAddr                    string `yaml:"listen_addr"`
	MaxConnections                int    `yaml:"max_connections"`
	MaxSubscriptionsPerConnection int    `yaml:"max_subscriptions_per_connection"`
	MaxFiltersPerSubscription     int    `yaml:"max_filters_per_subscription"`
	OutboundBufferSize            int    `yaml:"outbound_buffer_size"`
}

// BootstrapConfig configures the Bootstrap Service's worker pool, retry
// policy, and known peers (spec §4.11).
type BootstrapConfig struct {
	KnownPeerPubkeys   []string `yaml:"known_peer_pubkeys"`
	RelayURLs          []string `yaml:"relay_urls"`
	OwnIlpAddress      string   `yaml:"own_ilp_address"`
	OwnSupportedChains []string `yaml:"own_supported_chains"`

	// ConnectorURL is the base URL of this node's own Connector Adapter
	// (spec §4.9, C12), used both to answer inbound SPSP requests and to
	// drive outbound bootstrap handshakes.
	ConnectorURL string `yaml:"connector_url"`

	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// Timeouts controls node-wide operation deadlines, mirroring the same
// Timeouts/WithDefaults idiom but scoped to this domain's suspension
// points (spec §5 "Suspension points").
type Timeouts struct {
	Query           time.Duration `yaml:"query"`
	ChannelOpen     time.Duration `yaml:"channel_open"`
	ChannelOpenPoll time.Duration `yaml:"channel_open_poll"`
	SpspRoundTrip   time.Duration `yaml:"spsp_round_trip"`
	ConnectorCall   time.Duration `yaml:"connector_call"`
}

// WithDefaults returns a copy of t with zero values replaced by the
// defaults named in spec §5 ("every network operation carries a timeout
// (configurable, defaults: queries 30s, channel-open 30s, SPSP roundtrip
// 10s)") plus the SPSP handshake's channel-open poll interval (spec §4.8,
// default 1s; the 30s channel-open timeout itself is ChannelOpen here).
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.Query == 0 {
		tt.Query = 30 * time.Second
	}
	if tt.ChannelOpen == 0 {
		tt.ChannelOpen = 30 * time.Second
	}
	if tt.ChannelOpenPoll == 0 {
		tt.ChannelOpenPoll = 1 * time.Second
	}
	if tt.SpspRoundTrip == 0 {
		tt.SpspRoundTrip = 10 * time.Second
	}
	if tt.ConnectorCall == 0 {
		tt.ConnectorCall = 30 * time.Second
	}
	return tt
}

// Load reads envPath (if present, via godotenv) into the process
// environment, then parses yamlPath into a NodeConfig and validates it.
// envPath may be empty to skip the .env step; yamlPath is always read, so
// an empty or missing yamlPath is an error.
func Load(yamlPath, envPath string) (*NodeConfig, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, errs.Wrap(errs.CategoryConfiguration, "load .env file", err)
		}
	}

	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, errs.Wrap(errs.CategoryConfiguration, "read config file", err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.Wrap(errs.CategoryConfiguration, "parse config file", err)
	}

	expandEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv resolves ${VAR} references in fields commonly sourced from
// secrets (private key, owner pubkey), the same override path the
// operators commonly use dotenv for (process env takes precedence over
// file contents written as a literal ${VAR} placeholder).
func expandEnv(cfg *NodeConfig) {
	cfg.PrivateKey = os.ExpandEnv(cfg.PrivateKey)
	cfg.BLS.OwnerPubkey = os.ExpandEnv(cfg.BLS.OwnerPubkey)
}

// Validate fills in implicit defaults (timeouts, admission limits) and
// checks required fields, mirroring the same Config.Validate.
func (c *NodeConfig) Validate() error {
	c.Timeouts = c.Timeouts.WithDefaults()

	if c.PrivateKey == "" {
		return errs.New(errs.CategoryConfiguration, "private_key is required")
	}
	if _, err := c.parsedPrivateKey(); err != nil {
		return errs.Wrap(errs.CategoryConfiguration, "private_key is invalid", err)
	}

	if c.BLS.ListenAddr == "" {
		c.BLS.ListenAddr = ":8443"
	}
	if c.BLS.BasePricePerByte == "" {
		c.BLS.BasePricePerByte = "0"
	}
	if _, ok := new(big.Int).SetString(c.BLS.BasePricePerByte, 10); !ok {
		return errs.New(errs.CategoryConfiguration, "bls.base_price_per_byte is not a valid integer")
	}
	if c.BLS.OwnerPubkey != "" && len(c.BLS.OwnerPubkey) != 64 {
		return errs.New(errs.CategoryConfiguration, "bls.owner_pubkey must be 64 hex characters")
	}
	if c.BLS.TokenNetworkAddress != "" && !common.IsHexAddress(c.BLS.TokenNetworkAddress) {
		return errs.New(errs.CategoryConfiguration, "bls.token_network_address is not a valid address")
	}

	if c.Relay.ListenAddr == "" {
		c.Relay.ListenAddr = ":8080"
	}
	if c.Relay.MaxConnections <= 0 {
		c.Relay.MaxConnections = 1000
	}
	if c.Relay.MaxSubscriptionsPerConnection <= 0 {
		c.Relay.MaxSubscriptionsPerConnection = 20
	}
	if c.Relay.MaxFiltersPerSubscription <= 0 {
		c.Relay.MaxFiltersPerSubscription = 10
	}
	if c.Relay.OutboundBufferSize <= 0 {
		c.Relay.OutboundBufferSize = 256
	}

	if c.Bootstrap.ConnectorURL == "" {
		c.Bootstrap.ConnectorURL = "http://localhost:7768"
	}
	if c.Bootstrap.WorkerPoolSize <= 0 {
		c.Bootstrap.WorkerPoolSize = 4
	}
	if c.Bootstrap.MaxRetries <= 0 {
		c.Bootstrap.MaxRetries = 3
	}
	if c.Bootstrap.RetryBaseDelay <= 0 {
		c.Bootstrap.RetryBaseDelay = 1 * time.Second
	}

	return nil
}

func (c *NodeConfig) parsedPrivateKey() (*ecdsa.PrivateKey, error) {
	keyHex := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("private key must be 32 bytes (64 hex characters), got %d", len(keyHex))
	}
	return crypto.HexToECDSA(keyHex)
}

// PrivateKeyECDSA returns the parsed ECDSA private key, caching the result
// on first call.
func (c *NodeConfig) PrivateKeyECDSA() *ecdsa.PrivateKey {
	if c.privateKeyECDSA == nil {
		c.privateKeyECDSA, _ = c.parsedPrivateKey()
	}
	return c.privateKeyECDSA
}

// BasePricePerByteBigInt parses BasePricePerByte as a big integer. Validate
// guarantees this always succeeds.
func (b BLSConfig) BasePricePerByteBigInt() *big.Int {
	v, _ := new(big.Int).SetString(b.BasePricePerByte, 10)
	return v
}

// TokenNetworkAddressCommon parses TokenNetworkAddress as a common.Address.
func (b BLSConfig) TokenNetworkAddressCommon() common.Address {
	return common.HexToAddress(b.TokenNetworkAddress)
}
