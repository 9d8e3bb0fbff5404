package api

import (
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/0xShortx/CroGas/pricing"
)

// health reports liveness plus the operational numbers an operator watches:
// per-wallet balances, pool load, gas price, spot price and relay counters.
// The response is 503 whenever the primary wallet cannot fund relays.
func (a *API) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addrs := a.cfg.Pool.Addresses()

	type walletBalances struct {
		native *big.Int
		stable *big.Int
	}
	balances := make([]walletBalances, len(addrs))
	var gasPrice *big.Int

	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		g.Go(func() error {
			native, err := a.cfg.Adapter.Balance(gctx, addr)
			if err != nil {
				return fmt.Errorf("native balance of %s: %w", addr.Hex(), err)
			}
			stable, err := a.cfg.Adapter.StablecoinBalance(gctx, addr)
			if err != nil {
				return fmt.Errorf("stablecoin balance of %s: %w", addr.Hex(), err)
			}
			balances[i] = walletBalances{native: native, stable: stable}
			return nil
		})
	}
	g.Go(func() error {
		var err error
		gasPrice, err = a.cfg.Adapter.GasPrice(gctx)
		return err
	})

	resp := HealthResponse{
		Status:      "healthy",
		Pool:        a.cfg.Pool.StatsSnapshot(),
		NativePrice: a.cfg.Oracle.Snapshot(),
		Counters:    a.cfg.Orchestrator.History().CountersSnapshot(),
	}
	if a.cfg.Rebalancer != nil {
		resp.Rebalance = a.cfg.Rebalancer.Status()
	}

	if err := g.Wait(); err != nil {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "Chain unreachable: "+err.Error())
		httpWriteJSONStatus(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.GasPriceGwei = weiToGwei(gasPrice)

	for i, addr := range addrs {
		nativeUnits := weiToFloatUnits(balances[i].native)
		resp.Relayers = append(resp.Relayers, RelayerHealth{
			Address:           addr.Hex(),
			NativeBalance:     strconv.FormatFloat(nativeUnits, 'f', 4, 64),
			StablecoinBalance: pricing.FormatRaw(balances[i].stable, a.cfg.StablecoinDigits),
		})
		if nativeUnits < lowBalanceUnits {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf(
				"Low native balance on relayer %s: %.4f", addr.Hex(), nativeUnits))
		}
	}

	// Only the primary wallet's balance gates liveness; secondary wallets
	// merely emit warnings.
	if weiToFloatUnits(balances[0].native) < lowBalanceUnits {
		resp.Status = "degraded"
		httpWriteJSONStatus(w, http.StatusServiceUnavailable, resp)
		return
	}
	httpWriteJSON(w, resp)
}

func weiToFloatUnits(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return f
}

func weiToGwei(wei *big.Int) string {
	gwei := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9))
	return gwei.Text('f', 2)
}
