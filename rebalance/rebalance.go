// Package rebalance keeps the primary relayer wallet funded: when its native
// balance drops below a floor it swaps collected stablecoin back into the
// gas token through a configured DEX router.
package rebalance

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xShortx/CroGas/chain"
	"github.com/0xShortx/CroGas/log"
	"github.com/0xShortx/CroGas/pricing"
	"github.com/0xShortx/CroGas/relayer"
)

const (
	// slippagePercent is the floor under the router's quoted output.
	slippagePercent = 5
	// swapDeadline bounds how long a submitted swap may sit in the mempool.
	swapDeadline = 5 * time.Minute
	// overshootPercent buys slightly above the exact deficit so small price
	// moves between quote and execution do not leave the wallet short.
	overshootPercent = 10
	// maxStableSharePercent caps a single swap at half the stable balance.
	maxStableSharePercent = 50
)

// Config tunes the rebalance task. Router left as the zero address disables
// the task entirely.
type Config struct {
	Router            common.Address
	Interval          time.Duration
	TargetNativeUnits float64 // wallet is topped up towards this balance
	MinNativeUnits    float64 // swaps trigger below this balance
	MinStableUnits    float64 // below this there is nothing worth swapping
	StablecoinDigits  int
}

// Status is the task's public state, served by the health endpoint.
type Status struct {
	Enabled    bool      `json:"enabled"`
	InProgress bool      `json:"inProgress"`
	LastRun    time.Time `json:"lastRun,omitempty"`
	LastSwapTx string    `json:"lastSwapTx,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// Task is the periodic rebalancer.
type Task struct {
	adapter *chain.Adapter
	pool    *relayer.Pool
	oracle  pricing.PriceSource
	router  *chain.Contract
	cfg     Config

	// inProgress guards the whole rebalance; overlapping ticks are skipped.
	inProgress atomic.Bool

	mu     sync.RWMutex
	status Status

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the task. A zero router address yields a disabled task whose
// Start is a no-op.
func New(adapter *chain.Adapter, pool *relayer.Pool, oracle pricing.PriceSource, cfg Config) *Task {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.TargetNativeUnits <= 0 {
		cfg.TargetNativeUnits = 10
	}
	if cfg.MinNativeUnits <= 0 {
		cfg.MinNativeUnits = 10
	}
	if cfg.MinStableUnits <= 0 {
		cfg.MinStableUnits = 1
	}
	if cfg.StablecoinDigits <= 0 {
		cfg.StablecoinDigits = 6
	}
	t := &Task{adapter: adapter, pool: pool, oracle: oracle, cfg: cfg}
	if cfg.Router != (common.Address{}) {
		t.router = chain.NewRouterContract(cfg.Router)
		t.status.Enabled = true
	}
	return t
}

// Status returns the task's current state.
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.status
	s.InProgress = t.inProgress.Load()
	return s
}

// Start launches the periodic tick. Disabled tasks return immediately.
func (t *Task) Start(ctx context.Context) {
	if t.router == nil {
		log.Infow("auto-rebalance disabled, no router configured")
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.RunOnce(ctx); err != nil {
					log.Warnw("rebalance tick failed", "error", err.Error())
				}
			}
		}
	}()
	log.Infow("auto-rebalance started",
		"router", t.cfg.Router.Hex(), "interval", t.cfg.Interval.String(),
		"minNative", t.cfg.MinNativeUnits)
}

// Stop cancels the tick and waits for it to exit.
func (t *Task) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

// RunOnce performs one rebalance check and, when needed, one swap. If a
// previous run is still in flight it is skipped without error.
func (t *Task) RunOnce(ctx context.Context) error {
	if t.router == nil {
		return nil
	}
	if !t.inProgress.CompareAndSwap(false, true) {
		log.Debugw("rebalance already in progress, skipping tick")
		return nil
	}
	defer t.inProgress.Store(false)

	err := t.rebalance(ctx)
	t.mu.Lock()
	t.status.LastRun = time.Now().UTC()
	if err != nil {
		t.status.LastError = err.Error()
	} else {
		t.status.LastError = ""
	}
	t.mu.Unlock()
	return err
}

func (t *Task) rebalance(ctx context.Context) error {
	primary := t.pool.Primary().Address()

	native, err := t.adapter.Balance(ctx, primary)
	if err != nil {
		return fmt.Errorf("read native balance: %w", err)
	}
	nativeUnits := weiToUnits(native)
	if nativeUnits >= t.cfg.MinNativeUnits {
		log.Debugw("rebalance not needed", "native", nativeUnits)
		return nil
	}

	stable, err := t.adapter.StablecoinBalance(ctx, primary)
	if err != nil {
		return fmt.Errorf("read stablecoin balance: %w", err)
	}
	stableUnits := rawToUnits(stable, t.cfg.StablecoinDigits)
	if stableUnits < t.cfg.MinStableUnits {
		log.Warnw("native balance low but no stablecoin to swap",
			"native", nativeUnits, "stable", stableUnits)
		return nil
	}

	amountIn := t.swapAmount(nativeUnits, stable)
	if amountIn.Sign() <= 0 {
		return nil
	}
	return t.swap(ctx, amountIn)
}

// swapAmount computes the stablecoin input in raw base units: the USD value
// of the native deficit plus overshoot, capped at half the stable balance.
func (t *Task) swapAmount(nativeUnits float64, stableBalance *big.Int) *big.Int {
	spot := t.oracle.Snapshot().USD
	deficitUSD := (t.cfg.TargetNativeUnits - nativeUnits) * spot
	deficitUSD *= 1 + float64(overshootPercent)/100

	want := parseUnits(deficitUSD, t.cfg.StablecoinDigits)
	limit := new(big.Int).Mul(stableBalance, big.NewInt(maxStableSharePercent))
	limit.Div(limit, big.NewInt(100))
	if want.Cmp(limit) > 0 {
		want = limit
	}
	return want
}

func (t *Task) swap(ctx context.Context, amountIn *big.Int) error {
	primary := t.pool.Primary()
	stablecoin := t.adapter.Stablecoin()

	weth, err := t.routerWETH(ctx)
	if err != nil {
		return err
	}
	path := []common.Address{stablecoin.Address, weth}

	if err := t.ensureAllowance(ctx, primary, amountIn); err != nil {
		return err
	}

	amountOutMin, err := t.quoteOut(ctx, amountIn, path)
	if err != nil {
		return err
	}
	deadline := big.NewInt(time.Now().Add(swapDeadline).Unix())

	tx, err := t.adapter.SendContract(ctx, primary.Key(), t.router,
		"swapExactTokensForETH", nil, 0,
		amountIn, amountOutMin, path, primary.Address(), deadline)
	if err != nil {
		return fmt.Errorf("submit swap: %w", err)
	}
	receipt, err := t.adapter.AwaitReceipt(ctx, tx.Hash(), 1)
	if err != nil {
		return fmt.Errorf("await swap receipt: %w", err)
	}
	if receipt.Status != 1 {
		return fmt.Errorf("swap tx %s reverted", tx.Hash().Hex())
	}

	t.mu.Lock()
	t.status.LastSwapTx = tx.Hash().Hex()
	t.mu.Unlock()
	log.Infow("rebalance swap completed",
		"amountIn", amountIn.String(), "minOut", amountOutMin.String(),
		"tx", tx.Hash().Hex())
	return nil
}

func (t *Task) routerWETH(ctx context.Context) (common.Address, error) {
	out, err := t.adapter.ContractRead(ctx, t.router, "WETH")
	if err != nil {
		return common.Address{}, fmt.Errorf("read router WETH: %w", err)
	}
	weth, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected WETH return type %T", out[0])
	}
	return weth, nil
}

// ensureAllowance approves the router for amountIn when the current
// allowance is short. Exact approvals only; no unlimited grant.
func (t *Task) ensureAllowance(ctx context.Context, primary *relayer.Relayer, amountIn *big.Int) error {
	stablecoin := t.adapter.Stablecoin()
	out, err := t.adapter.ContractRead(ctx, stablecoin, "allowance", primary.Address(), t.router.Address)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return fmt.Errorf("unexpected allowance return type %T", out[0])
	}
	if allowance.Cmp(amountIn) >= 0 {
		return nil
	}
	tx, err := t.adapter.SendContract(ctx, primary.Key(), stablecoin,
		"approve", nil, 0, t.router.Address, amountIn)
	if err != nil {
		return fmt.Errorf("submit approve: %w", err)
	}
	receipt, err := t.adapter.AwaitReceipt(ctx, tx.Hash(), 1)
	if err != nil {
		return fmt.Errorf("await approve receipt: %w", err)
	}
	if receipt.Status != 1 {
		return fmt.Errorf("approve tx %s reverted", tx.Hash().Hex())
	}
	return nil
}

// quoteOut asks the router what amountIn buys along path and applies the
// slippage floor.
func (t *Task) quoteOut(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	out, err := t.adapter.ContractRead(ctx, t.router, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("quote swap output: %w", err)
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return nil, fmt.Errorf("unexpected getAmountsOut return %T", out[0])
	}
	min := new(big.Int).Mul(amounts[len(amounts)-1], big.NewInt(100-slippagePercent))
	return min.Div(min, big.NewInt(100)), nil
}

func weiToUnits(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return f
}

func rawToUnits(raw *big.Int, decimals int) float64 {
	div := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), div).Float64()
	return f
}

func parseUnits(v float64, decimals int) *big.Int {
	if v <= 0 {
		return new(big.Int)
	}
	scaled := new(big.Float).Mul(big.NewFloat(v), new(big.Float).SetInt(
		new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	out, _ := scaled.Int(nil)
	return out
}
