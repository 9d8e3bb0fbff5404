// Package config loads and validates the relay service configuration from
// flags and environment variables. Flags are bound to viper so every value
// can also be set through the environment with the CROGAS_ prefix (dots
// replaced by underscores), e.g. CROGAS_CHAIN_RPCURL or CROGAS_API_PORT.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultAPIHost           = "0.0.0.0"
	defaultAPIPort           = 3000
	defaultChainID           = uint64(338) // Cronos testnet
	defaultChainFamily       = "eip155"
	defaultLogLevel          = "info"
	defaultLogOutput         = "stdout"
	defaultMarkupPercent     = 20.0
	defaultMinPriceUSD       = 0.01
	defaultMaxPriceUSD       = 100.0
	defaultStablecoinDigits  = 6
	defaultRPCTimeout        = 30 * time.Second
	defaultOracleRefresh     = 60 * time.Second
	defaultRebalanceInterval = 5 * time.Minute
)

// Config holds the application configuration.
type Config struct {
	Chain     ChainConfig     `mapstructure:"chain"`
	Relayer   RelayerConfig   `mapstructure:"relayer"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	API       APIConfig       `mapstructure:"api"`
	Rebalance RebalanceConfig `mapstructure:"rebalance"`
	Log       LogConfig       `mapstructure:"log"`
}

// ChainConfig holds chain and contract related configuration.
type ChainConfig struct {
	RPCURL        string        `mapstructure:"rpcurl"`
	ChainID       uint64        `mapstructure:"id"`
	Family        string        `mapstructure:"family"` // x402 network family tag
	Stablecoin    string        `mapstructure:"stablecoin"`
	Forwarder     string        `mapstructure:"forwarder"`
	RPCTimeout    time.Duration `mapstructure:"rpctimeout"`
	Confirmations uint64        `mapstructure:"confirmations"`
}

// Network returns the x402 network tag, "<family>:<chainId>".
func (c ChainConfig) Network() string {
	return fmt.Sprintf("%s:%d", c.Family, c.ChainID)
}

// RelayerConfig holds gas wallet configuration.
type RelayerConfig struct {
	PrivateKey      string `mapstructure:"privkey"`
	PrivateKeys     string `mapstructure:"privkeys"` // comma-separated, overrides PrivateKey
	ReceivingWallet string `mapstructure:"receiver"`
	Policy          string `mapstructure:"policy"` // least-busy or round-robin
}

// PricingConfig holds pricing engine configuration.
type PricingConfig struct {
	MarkupPercent     float64       `mapstructure:"markup"`
	MinPriceUSD       float64       `mapstructure:"minprice"`
	MaxPriceUSD       float64       `mapstructure:"maxprice"`
	StablecoinDigits  int           `mapstructure:"decimals"`
	OracleURL         string        `mapstructure:"oracleurl"`
	OracleKey         string        `mapstructure:"oraclekey"`
	OracleRefreshSecs time.Duration `mapstructure:"oraclerefresh"`
}

// APIConfig holds the HTTP server configuration.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// FaucetAmount is the native drip per faucet request, in whole units.
	// Zero disables the faucet.
	FaucetAmount float64 `mapstructure:"faucetamount"`
}

// RebalanceConfig holds the auto-rebalance task configuration.
type RebalanceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Router   string        `mapstructure:"router"`
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// Load loads configuration from flags, environment variables and defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("chain.id", defaultChainID)
	v.SetDefault("chain.family", defaultChainFamily)
	v.SetDefault("chain.rpctimeout", defaultRPCTimeout)
	v.SetDefault("chain.confirmations", 1)
	v.SetDefault("relayer.policy", "least-busy")
	v.SetDefault("pricing.markup", defaultMarkupPercent)
	v.SetDefault("pricing.minprice", defaultMinPriceUSD)
	v.SetDefault("pricing.maxprice", defaultMaxPriceUSD)
	v.SetDefault("pricing.decimals", defaultStablecoinDigits)
	v.SetDefault("pricing.oraclerefresh", defaultOracleRefresh)
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("rebalance.interval", defaultRebalanceInterval)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)

	flag.StringP("chain.rpcurl", "r", "", "chain JSON-RPC endpoint (required)")
	flag.Uint64("chain.id", defaultChainID, "chain ID")
	flag.String("chain.family", defaultChainFamily, "x402 network family tag")
	flag.String("chain.stablecoin", "", "stablecoin (EIP-3009) contract address (required)")
	flag.String("chain.forwarder", "", "trusted forwarder contract address (required)")
	flag.Duration("chain.rpctimeout", defaultRPCTimeout, "timeout applied to every outbound RPC call")
	flag.Uint64("chain.confirmations", 1, "confirmations to wait on receipts")
	flag.StringP("relayer.privkey", "k", "", "relayer private key (required unless relayer.privkeys is set)")
	flag.String("relayer.privkeys", "", "comma-separated relayer private keys")
	flag.String("relayer.receiver", "", "wallet receiving stablecoin payments (required)")
	flag.String("relayer.policy", "least-busy", "wallet selection policy (least-busy or round-robin)")
	flag.Float64("pricing.markup", defaultMarkupPercent, "markup percentage over gas cost (0..100)")
	flag.Float64("pricing.minprice", defaultMinPriceUSD, "minimum price in USD")
	flag.Float64("pricing.maxprice", defaultMaxPriceUSD, "maximum price in USD")
	flag.Int("pricing.decimals", defaultStablecoinDigits, "stablecoin decimal count")
	flag.String("pricing.oracleurl", "", "native token price oracle URL (optional)")
	flag.String("pricing.oraclekey", "", "price oracle API key (optional)")
	flag.Duration("pricing.oraclerefresh", defaultOracleRefresh, "price oracle refresh interval")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.Float64("api.faucetamount", 0, "native units dripped per faucet request (0 disables)")
	flag.Bool("rebalance.enabled", false, "enable the auto-rebalance task")
	flag.String("rebalance.router", "", "swap router contract address (required if rebalance enabled)")
	flag.Duration("rebalance.interval", defaultRebalanceInterval, "auto-rebalance tick interval")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("CROGAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	// Legacy environment variable names kept for deployment compatibility.
	bindLegacyEnv(v, "chain.rpcurl", "CHAIN_RPC_URL")
	bindLegacyEnv(v, "chain.id", "CHAIN_ID")
	bindLegacyEnv(v, "chain.stablecoin", "STABLECOIN_ADDRESS")
	bindLegacyEnv(v, "chain.forwarder", "FORWARDER_ADDRESS")
	bindLegacyEnv(v, "relayer.privkey", "RELAYER_PRIVATE_KEY")
	bindLegacyEnv(v, "relayer.privkeys", "RELAYER_PRIVATE_KEYS")
	bindLegacyEnv(v, "relayer.receiver", "RECEIVING_WALLET")
	bindLegacyEnv(v, "pricing.markup", "MARKUP_PERCENTAGE")
	bindLegacyEnv(v, "pricing.minprice", "MIN_PRICE_USD")
	bindLegacyEnv(v, "api.port", "PORT")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

func bindLegacyEnv(v *viper.Viper, key, env string) {
	// BindEnv only errors on empty arguments.
	_ = v.BindEnv(key, env)
}

// PrivateKeyList returns the configured relayer private keys, preferring the
// comma-separated list over the single key.
func (c *Config) PrivateKeyList() []string {
	if c.Relayer.PrivateKeys != "" {
		var keys []string
		for _, k := range strings.Split(c.Relayer.PrivateKeys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		return keys
	}
	if c.Relayer.PrivateKey != "" {
		return []string{c.Relayer.PrivateKey}
	}
	return nil
}

// Validate checks that all required configuration values are present and
// well-formed. A missing required value aborts startup.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain RPC URL is required (use --chain.rpcurl or CHAIN_RPC_URL)")
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("chain ID is required")
	}
	if len(c.PrivateKeyList()) == 0 {
		return fmt.Errorf("at least one relayer private key is required (RELAYER_PRIVATE_KEY or RELAYER_PRIVATE_KEYS)")
	}
	for name, addr := range map[string]string{
		"stablecoin address": c.Chain.Stablecoin,
		"forwarder address":  c.Chain.Forwarder,
		"receiving wallet":   c.Relayer.ReceivingWallet,
	} {
		if addr == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid %s: %s", name, addr)
		}
	}
	if c.Pricing.MarkupPercent < 0 || c.Pricing.MarkupPercent > 100 {
		return fmt.Errorf("markup percentage must be within 0..100, got %v", c.Pricing.MarkupPercent)
	}
	if c.Pricing.MinPriceUSD < 0 {
		return fmt.Errorf("minimum price must not be negative")
	}
	if c.Pricing.MaxPriceUSD < c.Pricing.MinPriceUSD {
		return fmt.Errorf("maximum price %v is below minimum price %v", c.Pricing.MaxPriceUSD, c.Pricing.MinPriceUSD)
	}
	switch c.Relayer.Policy {
	case "least-busy", "round-robin":
	default:
		return fmt.Errorf("invalid relayer policy %q (want least-busy or round-robin)", c.Relayer.Policy)
	}
	if c.Rebalance.Enabled && !common.IsHexAddress(c.Rebalance.Router) {
		return fmt.Errorf("rebalance enabled but router address is missing or invalid")
	}
	return nil
}
