// Command crogas runs the gasless relay service: it quotes relaying costs,
// collects stablecoin payments through the x402 protocol and executes
// EIP-2771 meta-transactions on behalf of agents with no gas token.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xShortx/CroGas/api"
	"github.com/0xShortx/CroGas/chain"
	"github.com/0xShortx/CroGas/config"
	"github.com/0xShortx/CroGas/forwarder"
	"github.com/0xShortx/CroGas/log"
	"github.com/0xShortx/CroGas/payment"
	"github.com/0xShortx/CroGas/pricing"
	"github.com/0xShortx/CroGas/rebalance"
	"github.com/0xShortx/CroGas/relay"
	"github.com/0xShortx/CroGas/relayer"
)

const shutdownTimeout = 15 * time.Second

// Services holds all the running services.
type Services struct {
	Adapter      *chain.Adapter
	Pool         *relayer.Pool
	Oracle       pricing.PriceSource
	Pricing      *pricing.Engine
	Forwarder    *forwarder.Service
	Payment      *payment.Service
	Orchestrator *relay.Orchestrator
	Rebalancer   *rebalance.Task
	API          *api.API

	oracle *pricing.Oracle // nil when a static price is used
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level, cfg.Log.Output)
	log.Infow("starting crogas relay", "chainID", cfg.Chain.ChainID, "network", cfg.Chain.Network())

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices wires the full dependency graph and starts the background
// tasks and the HTTP server.
func setupServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{}

	adapter, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID,
		cfg.Chain.RPCTimeout, common.HexToAddress(cfg.Chain.Stablecoin))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain: %w", err)
	}
	services.Adapter = adapter

	pool, err := relayer.NewPool(ctx, adapter, cfg.PrivateKeyList(), relayer.Policy(cfg.Relayer.Policy))
	if err != nil {
		return nil, fmt.Errorf("failed to build relayer pool: %w", err)
	}
	services.Pool = pool
	log.Infow("relayer pool ready", "wallets", pool.Size(), "policy", cfg.Relayer.Policy)

	if cfg.Pricing.OracleURL != "" {
		oracle := pricing.NewOracle(cfg.Pricing.OracleURL, cfg.Pricing.OracleKey, cfg.Pricing.OracleRefreshSecs)
		oracle.Start(ctx)
		services.oracle = oracle
		services.Oracle = oracle
	} else {
		log.Warnw("no price oracle configured, using fallback spot price",
			"usd", pricing.FallbackNativeUSD)
		services.Oracle = pricing.StaticPrice(pricing.FallbackNativeUSD)
	}

	services.Pricing = pricing.NewEngine(adapter, services.Oracle, pool.Primary().Address(), pricing.Config{
		MarkupPercent:    cfg.Pricing.MarkupPercent,
		MinPriceUSD:      cfg.Pricing.MinPriceUSD,
		MaxPriceUSD:      cfg.Pricing.MaxPriceUSD,
		StablecoinDigits: cfg.Pricing.StablecoinDigits,
	})

	services.Forwarder = forwarder.New(adapter, pool,
		common.HexToAddress(cfg.Chain.Forwarder), cfg.Chain.Confirmations)
	services.Payment = payment.New(adapter, pool,
		common.HexToAddress(cfg.Relayer.ReceivingWallet), cfg.Chain.Confirmations)
	services.Orchestrator = relay.New(services.Forwarder, services.Payment,
		services.Pricing, relay.NewHistory())

	rebalanceCfg := rebalance.Config{
		Interval:         cfg.Rebalance.Interval,
		StablecoinDigits: cfg.Pricing.StablecoinDigits,
	}
	if cfg.Rebalance.Enabled {
		rebalanceCfg.Router = common.HexToAddress(cfg.Rebalance.Router)
	}
	services.Rebalancer = rebalance.New(adapter, pool, services.Oracle, rebalanceCfg)
	services.Rebalancer.Start(ctx)

	apiService, err := api.New(&api.APIConfig{
		Host:             cfg.API.Host,
		Port:             cfg.API.Port,
		Adapter:          adapter,
		Pool:             pool,
		Forwarder:        services.Forwarder,
		Payment:          services.Payment,
		Pricing:          services.Pricing,
		Oracle:           services.Oracle,
		Orchestrator:     services.Orchestrator,
		Rebalancer:       services.Rebalancer,
		Network:          cfg.Chain.Network(),
		Stablecoin:       common.HexToAddress(cfg.Chain.Stablecoin),
		StablecoinDigits: cfg.Pricing.StablecoinDigits,
		FaucetAmountWei:  unitsToWei(cfg.API.FaucetAmount),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start API: %w", err)
	}
	services.API = apiService
	return services, nil
}

// shutdownServices stops everything in reverse dependency order.
func shutdownServices(services *Services) {
	if services == nil {
		return
	}
	if services.API != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := services.API.Stop(ctx); err != nil {
			log.Warnw("API shutdown failed", "error", err.Error())
		}
	}
	if services.Rebalancer != nil {
		services.Rebalancer.Stop()
	}
	if services.oracle != nil {
		services.oracle.Stop()
	}
	log.Infow("shutdown complete")
}

func unitsToWei(units float64) *big.Int {
	if units <= 0 {
		return new(big.Int)
	}
	wei, _ := new(big.Float).Mul(big.NewFloat(units), big.NewFloat(1e18)).Int(nil)
	return wei
}
