package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/0xShortx/CroGas/log"
)

// faucet drips a fixed amount of native gas from the primary relayer to the
// given address, once per cooldown window. Intended for testnets only.
func (a *API) faucet(w http.ResponseWriter, r *http.Request) {
	addrStr := chi.URLParam(r, AddressURLParam)
	if !common.IsHexAddress(addrStr) {
		ErrValidation.Withf("invalid address %q", addrStr).Write(w)
		return
	}
	addr := common.HexToAddress(addrStr)
	key := strings.ToLower(addr.Hex())

	if granted, ok := a.faucetGrants.Get(key); ok {
		if remaining := faucetCooldown - time.Since(granted); remaining > 0 {
			ErrRateLimited.Withf("faucet cooldown active for %s", addr.Hex()).
				WithRetryAfter(int(remaining.Seconds()) + 1).Write(w)
			return
		}
	}

	primary := a.cfg.Pool.Primary()
	tx, err := a.cfg.Adapter.SendNative(r.Context(), primary.Key(), addr, a.cfg.FaucetAmountWei)
	if err != nil {
		a.writeRelayError(w, err)
		return
	}
	a.faucetGrants.Add(key, time.Now())

	log.Infow("faucet drip", "to", addr.Hex(), "amount", a.cfg.FaucetAmountWei.String(), "tx", tx.Hash().Hex())
	httpWriteJSON(w, FaucetResponse{
		TxHash: tx.Hash().Hex(),
		Amount: a.cfg.FaucetAmountWei.String(),
		To:     addr.Hex(),
	})
}
