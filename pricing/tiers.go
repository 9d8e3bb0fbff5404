package pricing

import "fmt"

// Tier names a priority level for relayed transactions.
type Tier string

const (
	TierSlow   Tier = "slow"
	TierNormal Tier = "normal"
	TierFast   Tier = "fast"
)

// TierConfig bundles the multipliers and the expected inclusion latency of a
// priority tier.
type TierConfig struct {
	MarkupMultiplier   float64 `json:"markupMultiplier"`
	GasPriceMultiplier float64 `json:"gasPriceMultiplier"`
	EstimatedTime      string  `json:"estimatedTime"`
}

// tierConfigs are fixed: the markup above cost and the gas price bid both
// scale with the tier.
var tierConfigs = map[Tier]TierConfig{
	TierSlow:   {MarkupMultiplier: 0.5, GasPriceMultiplier: 0.8, EstimatedTime: "~30s"},
	TierNormal: {MarkupMultiplier: 1.0, GasPriceMultiplier: 1.0, EstimatedTime: "~10s"},
	TierFast:   {MarkupMultiplier: 2.0, GasPriceMultiplier: 1.5, EstimatedTime: "~3s"},
}

// AllTiers lists the tiers in ascending price order.
func AllTiers() []Tier { return []Tier{TierSlow, TierNormal, TierFast} }

// ParseTier validates a tier name, defaulting to normal when empty.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "":
		return TierNormal, nil
	case TierSlow, TierNormal, TierFast:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown priority tier %q", s)
	}
}

// Config returns the tier's multipliers.
func (t Tier) Config() TierConfig { return tierConfigs[t] }
