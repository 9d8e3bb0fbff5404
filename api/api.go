// Package api exposes the relay over HTTP: quoting, the x402 payment
// challenge, meta-transaction execution and operational health.
package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/0xShortx/CroGas/chain"
	"github.com/0xShortx/CroGas/forwarder"
	"github.com/0xShortx/CroGas/log"
	"github.com/0xShortx/CroGas/payment"
	"github.com/0xShortx/CroGas/pricing"
	"github.com/0xShortx/CroGas/rebalance"
	"github.com/0xShortx/CroGas/relay"
	"github.com/0xShortx/CroGas/relayer"
)

const (
	maxRequestBodyLog = 512 // Maximum length of request body to log
	requestTimeout    = 5 * time.Minute

	faucetCooldown  = time.Hour
	faucetCacheSize = 4096
	lowBalanceUnits = 10.0 // native units under which health degrades
)

// APIConfig represents the configuration for the API HTTP server. All
// services are wired in by the caller; the API owns nothing but the router.
type APIConfig struct {
	Host string
	Port int

	Adapter      *chain.Adapter
	Pool         *relayer.Pool
	Forwarder    *forwarder.Service
	Payment      *payment.Service
	Pricing      *pricing.Engine
	Oracle       pricing.PriceSource
	Orchestrator *relay.Orchestrator
	Rebalancer   *rebalance.Task

	// Network is the x402 network tag, "<family>:<chainId>".
	Network          string
	Stablecoin       common.Address
	StablecoinDigits int

	// FaucetAmountWei of zero disables the faucet endpoint.
	FaucetAmountWei *big.Int
}

// API is the HTTP server for the relay.
type API struct {
	router *chi.Mux
	server *http.Server
	cfg    *APIConfig

	limiter      *rateLimiter
	faucetGrants *lru.Cache[string, time.Time]
}

// New creates the API and starts listening. Stop shuts it down.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Orchestrator == nil || conf.Forwarder == nil || conf.Pricing == nil {
		return nil, fmt.Errorf("missing relay services")
	}
	grants, _ := lru.New[string, time.Time](faucetCacheSize)
	a := &API{
		cfg:          conf,
		limiter:      newRateLimiter(),
		faucetGrants: grants,
	}
	a.initRouter()

	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting API server", "host", conf.Host, "port", conf.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	return a, nil
}

// Router returns the chi router for testing purposes.
func (a *API) Router() *chi.Mux {
	return a.router
}

// Stop gracefully shuts the server down.
func (a *API) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Payment", clientKeyHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	// Relay requests block on receipts, so the window is generous.
	a.router.Use(middleware.Timeout(requestTimeout))

	a.registerHandlers()
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	general := a.rateLimitMiddleware("general", limitGeneralPerMin)
	estimate := a.rateLimitMiddleware("estimate", limitEstimatePerMin)
	relayLimit := a.rateLimitMiddleware("relay", limitRelayPerMin)

	log.Infow("register handler", "endpoint", HealthEndpoint, "method", "GET")
	a.router.With(general).Get(HealthEndpoint, a.health)
	log.Infow("register handler", "endpoint", EstimateEndpoint, "method", "GET", "parameters", "to, data, value, priority")
	a.router.With(estimate).Get(EstimateEndpoint, a.estimate)
	log.Infow("register handler", "endpoint", MetaDomainEndpoint, "method", "GET")
	a.router.With(general).Get(MetaDomainEndpoint, a.metaDomain)
	log.Infow("register handler", "endpoint", MetaNonceEndpoint, "method", "GET")
	a.router.With(general).Get(MetaNonceEndpoint, a.metaNonce)
	log.Infow("register handler", "endpoint", MetaRelayEndpoint, "method", "POST")
	a.router.With(relayLimit).Post(MetaRelayEndpoint, a.metaRelay)
	log.Infow("register handler", "endpoint", MetaBatchEndpoint, "method", "POST")
	a.router.With(relayLimit).Post(MetaBatchEndpoint, a.metaBatch)
	if a.cfg.FaucetAmountWei != nil && a.cfg.FaucetAmountWei.Sign() > 0 {
		log.Infow("register handler", "endpoint", FaucetEndpoint, "method", "GET")
		a.router.With(general).Get(FaucetEndpoint, a.faucet)
	}
}
