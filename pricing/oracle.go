package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/0xShortx/CroGas/log"
)

// FallbackNativeUSD seeds the oracle before the first successful refresh.
const FallbackNativeUSD = 0.10

// Snapshot is a point-in-time view of the native token spot price.
type Snapshot struct {
	USD       float64   `json:"usd"`
	UpdatedAt time.Time `json:"updatedAt"`
	Source    string    `json:"source"`
}

// PriceSource provides the cached native/USD spot. The engine only ever
// reads snapshots; refreshing is the oracle's own concern.
type PriceSource interface {
	Snapshot() Snapshot
}

// StaticPrice is a PriceSource with a fixed value, used when no oracle URL
// is configured and in tests.
type StaticPrice float64

// Snapshot implements PriceSource.
func (p StaticPrice) Snapshot() Snapshot {
	return Snapshot{USD: float64(p), UpdatedAt: time.Time{}, Source: "static"}
}

// Oracle refreshes the native/USD spot from an external price API on a fixed
// interval. On fetch failure the previous value is retained; the fallback
// constant seeds the first value so pricing never observes a zero spot.
type Oracle struct {
	url     string
	apiKey  string
	refresh time.Duration
	client  *http.Client

	mu      sync.RWMutex
	current Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// oracleResponse is the accepted response document: {"price": <number|string>}.
type oracleResponse struct {
	Price json.Number `json:"price"`
}

// NewOracle builds an oracle for the given endpoint. The returned oracle is
// usable immediately with the fallback price; call Start to begin refreshing.
func NewOracle(url, apiKey string, refresh time.Duration) *Oracle {
	if refresh <= 0 {
		refresh = time.Minute
	}
	return &Oracle{
		url:     url,
		apiKey:  apiKey,
		refresh: refresh,
		client:  &http.Client{Timeout: 10 * time.Second},
		current: Snapshot{USD: FallbackNativeUSD, UpdatedAt: time.Time{}, Source: "fallback"},
	}
}

// Snapshot returns the cached spot price.
func (o *Oracle) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// Start launches the background refresh task. An immediate fetch is issued
// before the first tick so the cache warms up quickly.
func (o *Oracle) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	go func() {
		defer close(o.done)
		if err := o.fetch(ctx); err != nil {
			log.Warnw("initial price fetch failed, keeping fallback", "error", err.Error())
		}
		ticker := time.NewTicker(o.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.fetch(ctx); err != nil {
					log.Warnw("price refresh failed, keeping previous value",
						"error", err.Error(), "price", o.Snapshot().USD)
				}
			}
		}
	}()
	log.Infow("price oracle started", "url", o.url, "refresh", o.refresh.String())
}

// Stop cancels the refresh task and waits for it to exit.
func (o *Oracle) Stop() {
	if o.cancel != nil {
		o.cancel()
		<-o.done
	}
}

func (o *Oracle) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return fmt.Errorf("build oracle request: %w", err)
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch oracle price: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}
	var doc oracleResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode oracle response: %w", err)
	}
	price, err := doc.Price.Float64()
	if err != nil || price <= 0 {
		return fmt.Errorf("oracle returned invalid price %q", doc.Price.String())
	}
	o.mu.Lock()
	o.current = Snapshot{USD: price, UpdatedAt: time.Now(), Source: o.url}
	o.mu.Unlock()
	log.Debugw("native price refreshed", "usd", price)
	return nil
}
