// Package relayer manages the set of funded gas wallets that pay for
// forwarded transactions. The pool hands out one wallet per job and tracks
// per-wallet load so concurrent jobs spread across wallets.
package relayer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0xShortx/CroGas/chain"
	"github.com/0xShortx/CroGas/log"
)

// Policy selects which wallet serves the next job.
type Policy string

const (
	// PolicyLeastBusy picks the wallet with the fewest in-flight jobs,
	// breaking ties by the least recently used.
	PolicyLeastBusy Policy = "least-busy"
	// PolicyRoundRobin rotates through wallets for even distribution under
	// identical load.
	PolicyRoundRobin Policy = "round-robin"
)

// Relayer is the state of one gas wallet. It is owned exclusively by the
// pool; callers receive a handle valid for the duration of one job.
type Relayer struct {
	key     *ecdsa.PrivateKey
	address common.Address

	// pending is jobs dispatched minus settled; lastUsed is unix millis.
	pending  atomic.Int64
	lastUsed atomic.Int64
	// nonceHint caches the last pending nonce observed on chain. It only
	// seeds logging and resync checks; dispatch always defers to the
	// adapter's pending-nonce read at submit time.
	nonceHint atomic.Uint64
}

// Key returns the wallet's signing key.
func (r *Relayer) Key() *ecdsa.PrivateKey { return r.key }

// Address returns the wallet address.
func (r *Relayer) Address() common.Address { return r.address }

// Pending returns the wallet's current in-flight job count.
func (r *Relayer) Pending() int64 { return r.pending.Load() }

// NonceHint returns the last observed pending nonce for the wallet.
func (r *Relayer) NonceHint() uint64 { return r.nonceHint.Load() }

// Stats is a point-in-time snapshot of one wallet.
type Stats struct {
	Address      string `json:"address"`
	PendingCount int64  `json:"pendingCount"`
	LastUsedMs   int64  `json:"lastUsedMs"`
	NonceHint    uint64 `json:"nonceHint"`
}

// PoolStats aggregates all wallet snapshots.
type PoolStats struct {
	Relayers     []Stats `json:"relayers"`
	TotalPending int64   `json:"totalPending"`
	Policy       string  `json:"policy"`
}

// Pool owns the relayer wallets and implements the selection policies.
type Pool struct {
	adapter  *chain.Adapter
	relayers []*Relayer
	policy   Policy

	mu     sync.Mutex
	rrNext int
}

// NewPool parses the given private keys, seeds each wallet's nonce hint from
// the chain and returns the pool. At least one key is required and duplicate
// wallets are rejected.
func NewPool(ctx context.Context, adapter *chain.Adapter, privKeys []string, policy Policy) (*Pool, error) {
	if len(privKeys) == 0 {
		return nil, fmt.Errorf("no relayer private keys provided")
	}
	switch policy {
	case PolicyLeastBusy, PolicyRoundRobin:
	case "":
		policy = PolicyLeastBusy
	default:
		return nil, fmt.Errorf("unknown relayer policy %q", policy)
	}

	p := &Pool{adapter: adapter, policy: policy}
	seen := make(map[common.Address]bool)
	for i, hexKey := range privKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid relayer private key at index %d: %w", i, err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if seen[addr] {
			return nil, fmt.Errorf("duplicate relayer wallet %s", addr.Hex())
		}
		seen[addr] = true

		r := &Relayer{key: key, address: addr}
		nonce, err := adapter.PendingNonce(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("seed nonce for relayer %s: %w", addr.Hex(), err)
		}
		r.nonceHint.Store(nonce)
		p.relayers = append(p.relayers, r)
		log.Infow("relayer wallet loaded", "address", addr.Hex(), "nonce", nonce)
	}
	return p, nil
}

// Acquire selects a wallet for one job, increments its pending count and
// stamps its last-use time. The caller must Release the handle when the job
// completes, success or failure.
func (p *Pool) Acquire() *Relayer {
	p.mu.Lock()
	defer p.mu.Unlock()

	var r *Relayer
	switch p.policy {
	case PolicyRoundRobin:
		r = p.relayers[p.rrNext%len(p.relayers)]
		p.rrNext++
	default: // least-busy
		for _, cand := range p.relayers {
			if r == nil {
				r = cand
				continue
			}
			cp, rp := cand.pending.Load(), r.pending.Load()
			if cp < rp || (cp == rp && cand.lastUsed.Load() < r.lastUsed.Load()) {
				r = cand
			}
		}
	}
	r.pending.Add(1)
	r.lastUsed.Store(time.Now().UnixMilli())
	return r
}

// Release returns a wallet after a job, decrementing its pending count.
// The count saturates at zero so double releases cannot go negative.
func (p *Pool) Release(r *Relayer) {
	if r == nil {
		return
	}
	for {
		cur := r.pending.Load()
		if cur == 0 {
			return
		}
		if r.pending.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Resync re-reads the wallet's pending nonce from the chain. It is invoked
// after a nonce-too-low or underpriced broadcast error, which indicates the
// local view drifted from the node's.
func (p *Pool) Resync(ctx context.Context, r *Relayer) error {
	nonce, err := p.adapter.PendingNonce(ctx, r.address)
	if err != nil {
		return fmt.Errorf("resync relayer %s: %w", r.address.Hex(), err)
	}
	old := r.nonceHint.Swap(nonce)
	log.Warnw("relayer nonce resynced", "address", r.address.Hex(), "oldHint", old, "nonce", nonce)
	return nil
}

// Primary returns the first configured wallet. Health checks, the faucet and
// the auto-rebalance task operate against it.
func (p *Pool) Primary() *Relayer { return p.relayers[0] }

// Size returns the number of wallets in the pool.
func (p *Pool) Size() int { return len(p.relayers) }

// Addresses lists all wallet addresses.
func (p *Pool) Addresses() []common.Address {
	out := make([]common.Address, len(p.relayers))
	for i, r := range p.relayers {
		out[i] = r.address
	}
	return out
}

// StatsSnapshot returns a point-in-time view of all wallets.
func (p *Pool) StatsSnapshot() PoolStats {
	stats := PoolStats{Policy: string(p.policy)}
	for _, r := range p.relayers {
		s := Stats{
			Address:      r.address.Hex(),
			PendingCount: r.pending.Load(),
			LastUsedMs:   r.lastUsed.Load(),
			NonceHint:    r.nonceHint.Load(),
		}
		stats.TotalPending += s.PendingCount
		stats.Relayers = append(stats.Relayers, s)
	}
	return stats
}
