// Package pricing turns gas estimates and the native/USD spot into
// stablecoin quotes across the three priority tiers.
package pricing

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/0xShortx/CroGas/chain"
	"github.com/0xShortx/CroGas/log"
)

const (
	// quoteValidity is the wall-clock window during which a quote is honored.
	quoteValidity = 60 * time.Second
	// estimateBufferPercent is the safety buffer added to gas estimates.
	estimateBufferPercent = 20
	// defaultGasEstimate is used when estimation fails and no hint exists.
	defaultGasEstimate = 500_000
	// absoluteMinUSD is the hard floor under every quote regardless of tier.
	absoluteMinUSD = 0.005
	// gasHintCacheSize bounds the per-callsite gas hint cache.
	gasHintCacheSize = 512
)

// Quote is the priced offer for one relay job. Quotes are pure values; the
// server does not retain them.
type Quote struct {
	GasEstimate    string     `json:"gasEstimate"`
	GasPriceGwei   string     `json:"gasPriceGwei"`
	NativeUSDPrice float64    `json:"croPrice"`
	BaseCostUSD    float64    `json:"baseCostUsd"`
	MarkupFactor   float64    `json:"markupFactor"`
	FinalPriceUSD  string     `json:"priceUSDC"`
	FinalPriceRaw  *big.Int   `json:"priceRaw"`
	ValidUntil     time.Time  `json:"validUntil"`
	Tier           Tier       `json:"priority"`
	TierConfig     TierConfig `json:"tierConfig"`
}

// Config tunes the engine.
type Config struct {
	MarkupPercent    float64
	MinPriceUSD      float64
	MaxPriceUSD      float64
	StablecoinDigits int
}

// Engine computes quotes. All monetary arithmetic happens in floating point
// at microdollar resolution; gas×gasPrice stays in big integers.
type Engine struct {
	adapter  *chain.Adapter
	oracle   PriceSource
	cfg      Config
	from     common.Address // relayer address used as From in estimations
	gasHints *lru.Cache[string, uint64]
}

// NewEngine builds a pricing engine. from is the relayer address used for
// gas estimation calls.
func NewEngine(adapter *chain.Adapter, oracle PriceSource, from common.Address, cfg Config) *Engine {
	if cfg.StablecoinDigits <= 0 {
		cfg.StablecoinDigits = 6
	}
	hints, _ := lru.New[string, uint64](gasHintCacheSize)
	return &Engine{adapter: adapter, oracle: oracle, cfg: cfg, from: from, gasHints: hints}
}

// EstimateGas estimates the gas needed for a call to `to` with the given
// calldata and value, adds a 20% safety buffer and falls back to a cached
// hint or a default when the node cannot estimate.
func (e *Engine) EstimateGas(ctx context.Context, to common.Address, data []byte, value *big.Int) *big.Int {
	msg := ethereum.CallMsg{From: e.from, To: &to, Data: data, Value: value}
	gas, err := e.adapter.EstimateGas(ctx, msg)
	if err != nil {
		hint, ok := e.gasHints.Get(gasHintKey(to, data))
		if !ok {
			hint = defaultGasEstimate
		}
		log.Warnw("gas estimation failed, using fallback",
			"to", to.Hex(), "fallback", hint, "error", err.Error())
		gas = hint
	} else {
		e.gasHints.Add(gasHintKey(to, data), gas)
	}
	buffered := gas + gas*estimateBufferPercent/100
	return new(big.Int).SetUint64(buffered)
}

func gasHintKey(to common.Address, data []byte) string {
	if len(data) >= 4 {
		return to.Hex() + "|" + common.Bytes2Hex(data[:4])
	}
	return to.Hex()
}

// Price fetches the current gas price and prices gasEstimate at the tier.
func (e *Engine) Price(ctx context.Context, gasEstimate *big.Int, tier Tier) (*Quote, error) {
	gasPrice, err := e.adapter.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price for quote: %w", err)
	}
	return e.PriceWith(gasEstimate, gasPrice, e.oracle.Snapshot().USD, tier), nil
}

// PriceAllTiers prices gasEstimate at every tier with a single gas price and
// spot snapshot, so the returned quotes are mutually consistent.
func (e *Engine) PriceAllTiers(ctx context.Context, gasEstimate *big.Int) (map[Tier]*Quote, error) {
	gasPrice, err := e.adapter.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price for quotes: %w", err)
	}
	spot := e.oracle.Snapshot().USD
	out := make(map[Tier]*Quote, len(AllTiers()))
	for _, tier := range AllTiers() {
		out[tier] = e.PriceWith(gasEstimate, gasPrice, spot, tier)
	}
	return out, nil
}

// PriceWith is the pure pricing function: no I/O, fully determined by its
// inputs.
func (e *Engine) PriceWith(gasEstimate, gasPrice *big.Int, nativeUSD float64, tier Tier) *Quote {
	cfg := tier.Config()

	// adjustedGasPrice = floor(gasPrice × tier multiplier), in wei.
	adjusted, _ := new(big.Float).Mul(
		new(big.Float).SetInt(gasPrice),
		big.NewFloat(cfg.GasPriceMultiplier),
	).Int(nil)

	// gas × gasPrice stays in big integers until the USD conversion.
	costWei := new(big.Int).Mul(gasEstimate, adjusted)
	costNative, _ := new(big.Float).Quo(
		new(big.Float).SetInt(costWei),
		big.NewFloat(1e18),
	).Float64()
	baseCostUSD := costNative * nativeUSD

	markup := 1 + (e.cfg.MarkupPercent/100)*cfg.MarkupMultiplier
	priceUSD := baseCostUSD * markup

	// Clamp: per-tier floor scales with the markup multiplier, then the
	// configured ceiling.
	floor := e.cfg.MinPriceUSD * cfg.MarkupMultiplier
	if floor < absoluteMinUSD {
		floor = absoluteMinUSD
	}
	if priceUSD < floor {
		priceUSD = floor
	}
	if e.cfg.MaxPriceUSD > 0 && priceUSD > e.cfg.MaxPriceUSD {
		priceUSD = e.cfg.MaxPriceUSD
	}

	human := FormatUSD(priceUSD, e.cfg.StablecoinDigits)
	return &Quote{
		GasEstimate:    gasEstimate.String(),
		GasPriceGwei:   weiToGweiString(adjusted),
		NativeUSDPrice: nativeUSD,
		BaseCostUSD:    baseCostUSD,
		MarkupFactor:   markup,
		FinalPriceUSD:  human,
		FinalPriceRaw:  parseFixed(human),
		ValidUntil:     time.Now().Add(quoteValidity),
		Tier:           tier,
		TierConfig:     cfg,
	}
}

// Discount returns a copy of q with percent knocked off the raw amount,
// rounding down. The human-readable price is re-rendered from the discounted
// raw units so the two can never disagree.
func (e *Engine) Discount(q *Quote, percent int64) *Quote {
	out := *q
	raw := new(big.Int).Mul(q.FinalPriceRaw, big.NewInt(100-percent))
	raw.Div(raw, big.NewInt(100))
	out.FinalPriceRaw = raw
	out.FinalPriceUSD = FormatRaw(raw, e.cfg.StablecoinDigits)
	return &out
}

// FormatRaw renders raw stablecoin base units as a fixed-decimal string.
func FormatRaw(raw *big.Int, decimals int) string {
	s := raw.String()
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	return s[:len(s)-decimals] + "." + s[len(s)-decimals:]
}

// FormatUSD renders a USD amount with the stablecoin's decimal count.
// Conversion to raw base units goes through this fixed-decimal string so the
// float never touches integer math directly.
func FormatUSD(v float64, decimals int) string {
	return strings.TrimSpace(fmt.Sprintf("%.*f", decimals, v))
}

// parseFixed parses a fixed-decimal string (as produced by FormatUSD) into
// raw base units.
func parseFixed(s string) *big.Int {
	digits := strings.Replace(s, ".", "", 1)
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(big.Int)
	}
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return new(big.Int)
	}
	return out
}

// weiToGweiString renders a wei amount in gwei, trimming trailing zeros.
func weiToGweiString(wei *big.Int) string {
	gwei := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9))
	s := gwei.Text('f', 9)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
