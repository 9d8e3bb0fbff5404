package config

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func validConfig() *Config {
	return &Config{
		Chain: ChainConfig{
			RPCURL:     "https://evm-t3.cronos.org",
			ChainID:    338,
			Family:     "eip155",
			Stablecoin: "0x1111111111111111111111111111111111111111",
			Forwarder:  "0x4444444444444444444444444444444444444444",
		},
		Relayer: RelayerConfig{
			PrivateKey:      "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
			ReceivingWallet: "0x2222222222222222222222222222222222222222",
			Policy:          "least-busy",
		},
		Pricing: PricingConfig{
			MarkupPercent: 20,
			MinPriceUSD:   0.01,
			MaxPriceUSD:   100,
		},
	}
}

func TestValidate(t *testing.T) {
	c := qt.New(t)
	c.Assert(validConfig().Validate(), qt.IsNil)
}

func TestValidateFailures(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		name   string
		mutate func(*Config)
		match  string
	}{
		{"missing rpc url", func(cfg *Config) { cfg.Chain.RPCURL = "" }, "chain RPC URL is required.*"},
		{"missing chain id", func(cfg *Config) { cfg.Chain.ChainID = 0 }, "chain ID is required"},
		{"missing keys", func(cfg *Config) { cfg.Relayer.PrivateKey = "" }, "at least one relayer private key.*"},
		{"missing stablecoin", func(cfg *Config) { cfg.Chain.Stablecoin = "" }, "stablecoin address is required"},
		{"bad forwarder", func(cfg *Config) { cfg.Chain.Forwarder = "nope" }, "invalid forwarder address.*"},
		{"missing receiver", func(cfg *Config) { cfg.Relayer.ReceivingWallet = "" }, "receiving wallet is required"},
		{"markup too high", func(cfg *Config) { cfg.Pricing.MarkupPercent = 150 }, "markup percentage must be within 0..100.*"},
		{"negative min price", func(cfg *Config) { cfg.Pricing.MinPriceUSD = -1 }, "minimum price must not be negative"},
		{"max below min", func(cfg *Config) { cfg.Pricing.MaxPriceUSD = 0.001 }, "maximum price.*below minimum price.*"},
		{"bad policy", func(cfg *Config) { cfg.Relayer.Policy = "random" }, "invalid relayer policy.*"},
		{"rebalance without router", func(cfg *Config) { cfg.Rebalance.Enabled = true }, "rebalance enabled but router.*"},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(cfg)
		c.Assert(cfg.Validate(), qt.ErrorMatches, tc.match, qt.Commentf("case %q", tc.name))
	}
}

func TestPrivateKeyList(t *testing.T) {
	c := qt.New(t)

	cfg := validConfig()
	c.Assert(cfg.PrivateKeyList(), qt.DeepEquals, []string{cfg.Relayer.PrivateKey})

	// The list form overrides the single key and tolerates whitespace.
	cfg.Relayer.PrivateKeys = "aa, bb ,,cc"
	c.Assert(cfg.PrivateKeyList(), qt.DeepEquals, []string{"aa", "bb", "cc"})

	cfg.Relayer.PrivateKey = ""
	cfg.Relayer.PrivateKeys = ""
	c.Assert(cfg.PrivateKeyList(), qt.IsNil)
}

func TestNetworkTag(t *testing.T) {
	c := qt.New(t)
	c.Assert(validConfig().Chain.Network(), qt.Equals, "eip155:338")

	mainnet := ChainConfig{Family: "eip155", ChainID: 25}
	c.Assert(mainnet.Network(), qt.Equals, "eip155:25")
}
