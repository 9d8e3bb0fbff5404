package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0xShortx/CroGas/pricing"
)

// estimate quotes a prospective call. Without a priority parameter all three
// tiers are returned, priced off one shared gas price and spot snapshot.
func (a *API) estimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	toStr := q.Get("to")
	if !common.IsHexAddress(toStr) {
		ErrValidation.Withf("invalid to address %q", toStr).Write(w)
		return
	}
	to := common.HexToAddress(toStr)

	var data []byte
	if raw := q.Get("data"); raw != "" && raw != "0x" {
		var err error
		if data, err = hexutil.Decode(raw); err != nil {
			ErrValidation.Withf("invalid calldata: %v", err).Write(w)
			return
		}
	}
	value, err := parseUint(q.Get("value"), "value")
	if err != nil {
		ErrValidation.WithErr(err).Write(w)
		return
	}

	gasEstimate := a.cfg.Pricing.EstimateGas(r.Context(), to, data, value)

	if priority := q.Get("priority"); priority != "" {
		tier, err := pricing.ParseTier(priority)
		if err != nil {
			ErrValidation.WithErr(err).Write(w)
			return
		}
		quote, err := a.cfg.Pricing.Price(r.Context(), gasEstimate, tier)
		if err != nil {
			a.writeRelayError(w, err)
			return
		}
		httpWriteJSON(w, quoteDTO(quote))
		return
	}

	quotes, err := a.cfg.Pricing.PriceAllTiers(r.Context(), gasEstimate)
	if err != nil {
		a.writeRelayError(w, err)
		return
	}
	resp := EstimateResponse{
		GasEstimate: gasEstimate.String(),
		Quotes:      make(map[string]QuoteDTO, len(quotes)),
	}
	for tier, quote := range quotes {
		resp.Quotes[string(tier)] = quoteDTO(quote)
	}
	httpWriteJSON(w, resp)
}
