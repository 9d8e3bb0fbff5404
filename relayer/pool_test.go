package relayer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"

	"github.com/0xShortx/CroGas/chain"
)

// nonceBackend serves only the calls the pool needs.
type nonceBackend struct {
	nonce uint64
}

func (b *nonceBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int), nil
}

func (b *nonceBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *nonceBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *nonceBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21_000, nil
}

func (b *nonceBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (b *nonceBackend) SendTransaction(context.Context, *gethtypes.Transaction) error {
	return nil
}

func (b *nonceBackend) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	return nil, ethereum.NotFound
}

func (b *nonceBackend) BlockNumber(context.Context) (uint64, error) {
	return 0, nil
}

func testAdapter(backend *nonceBackend) *chain.Adapter {
	return chain.New(backend, 338, 5*time.Second, common.Address{})
}

func freshKeys(c *qt.C, n int) []string {
	keys := make([]string, n)
	for i := range keys {
		key, err := crypto.GenerateKey()
		c.Assert(err, qt.IsNil)
		keys[i] = common.Bytes2Hex(crypto.FromECDSA(key))
	}
	return keys
}

func TestNewPool(t *testing.T) {
	c := qt.New(t)
	adapter := testAdapter(&nonceBackend{nonce: 7})

	pool, err := NewPool(context.Background(), adapter, freshKeys(c, 3), PolicyLeastBusy)
	c.Assert(err, qt.IsNil)
	c.Assert(pool.Size(), qt.Equals, 3)
	c.Assert(pool.Primary().NonceHint(), qt.Equals, uint64(7))
	c.Assert(len(pool.Addresses()), qt.Equals, 3)
}

func TestNewPoolRejectsEmptyAndDuplicates(t *testing.T) {
	c := qt.New(t)
	adapter := testAdapter(&nonceBackend{})

	_, err := NewPool(context.Background(), adapter, nil, PolicyLeastBusy)
	c.Assert(err, qt.IsNotNil)

	keys := freshKeys(c, 1)
	_, err = NewPool(context.Background(), adapter, []string{keys[0], keys[0]}, PolicyLeastBusy)
	c.Assert(err, qt.ErrorMatches, "duplicate relayer wallet.*")

	_, err = NewPool(context.Background(), adapter, []string{"not-a-key"}, PolicyLeastBusy)
	c.Assert(err, qt.IsNotNil)
}

func TestNewPoolAcceptsPrefixedKeys(t *testing.T) {
	c := qt.New(t)
	adapter := testAdapter(&nonceBackend{})

	keys := freshKeys(c, 1)
	pool, err := NewPool(context.Background(), adapter, []string{"0x" + keys[0]}, "")
	c.Assert(err, qt.IsNil)
	c.Assert(pool.Size(), qt.Equals, 1)
}

func TestAcquireLeastBusy(t *testing.T) {
	c := qt.New(t)
	adapter := testAdapter(&nonceBackend{})

	pool, err := NewPool(context.Background(), adapter, freshKeys(c, 2), PolicyLeastBusy)
	c.Assert(err, qt.IsNil)

	first := pool.Acquire()
	second := pool.Acquire()
	// With the first wallet busy, the second acquisition spreads out.
	c.Assert(second.Address(), qt.Not(qt.Equals), first.Address())
	c.Assert(first.Pending(), qt.Equals, int64(1))
	c.Assert(second.Pending(), qt.Equals, int64(1))

	pool.Release(first)
	c.Assert(first.Pending(), qt.Equals, int64(0))

	// The freed wallet is the least busy again.
	third := pool.Acquire()
	c.Assert(third.Address(), qt.Equals, first.Address())
}

func TestAcquireRoundRobin(t *testing.T) {
	c := qt.New(t)
	adapter := testAdapter(&nonceBackend{})

	pool, err := NewPool(context.Background(), adapter, freshKeys(c, 3), PolicyRoundRobin)
	c.Assert(err, qt.IsNil)

	seen := map[common.Address]int{}
	for i := 0; i < 6; i++ {
		r := pool.Acquire()
		seen[r.Address()]++
		pool.Release(r)
	}
	c.Assert(len(seen), qt.Equals, 3)
	for _, count := range seen {
		c.Assert(count, qt.Equals, 2)
	}
}

func TestReleaseSaturatesAtZero(t *testing.T) {
	c := qt.New(t)
	adapter := testAdapter(&nonceBackend{})

	pool, err := NewPool(context.Background(), adapter, freshKeys(c, 1), PolicyLeastBusy)
	c.Assert(err, qt.IsNil)

	r := pool.Acquire()
	pool.Release(r)
	pool.Release(r) // double release must not go negative
	pool.Release(nil)
	c.Assert(r.Pending(), qt.Equals, int64(0))
}

func TestResync(t *testing.T) {
	c := qt.New(t)
	backend := &nonceBackend{nonce: 3}
	adapter := testAdapter(backend)

	pool, err := NewPool(context.Background(), adapter, freshKeys(c, 1), PolicyLeastBusy)
	c.Assert(err, qt.IsNil)
	c.Assert(pool.Primary().NonceHint(), qt.Equals, uint64(3))

	backend.nonce = 9
	c.Assert(pool.Resync(context.Background(), pool.Primary()), qt.IsNil)
	c.Assert(pool.Primary().NonceHint(), qt.Equals, uint64(9))
}

func TestStatsSnapshot(t *testing.T) {
	c := qt.New(t)
	adapter := testAdapter(&nonceBackend{})

	pool, err := NewPool(context.Background(), adapter, freshKeys(c, 2), PolicyLeastBusy)
	c.Assert(err, qt.IsNil)

	r := pool.Acquire()
	defer pool.Release(r)

	stats := pool.StatsSnapshot()
	c.Assert(stats.Policy, qt.Equals, string(PolicyLeastBusy))
	c.Assert(len(stats.Relayers), qt.Equals, 2)
	c.Assert(stats.TotalPending, qt.Equals, int64(1))
}
