package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"
)

var (
	testStablecoin = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTarget     = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// fakeBackend is an in-memory Backend for adapter tests.
type fakeBackend struct {
	balance      *big.Int
	pendingNonce uint64
	gasPrice     *big.Int
	estimate     uint64
	sendErr      error
	sent         []*gethtypes.Transaction
	callFn       func(msg ethereum.CallMsg) ([]byte, error)
	receipts     map[common.Hash]*gethtypes.Receipt
	head         uint64
}

func (f *fakeBackend) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return f.estimate, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callFn != nil {
		return f.callFn(msg)
	}
	return nil, errors.New("no call handler")
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) BlockNumber(_ context.Context) (uint64, error) {
	return f.head, nil
}

func newTestAdapter(backend *fakeBackend) *Adapter {
	return New(backend, 338, 5*time.Second, testStablecoin)
}

func TestGasPriceFloor(t *testing.T) {
	c := qt.New(t)

	backend := &fakeBackend{gasPrice: big.NewInt(0)}
	a := newTestAdapter(backend)

	price, err := a.GasPrice(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(price.String(), qt.Equals, defaultGasPriceFloor.String())

	backend.gasPrice = big.NewInt(7_000_000_000_000)
	price, err = a.GasPrice(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(price.String(), qt.Equals, "7000000000000")
}

func TestSendSignedAlreadyKnown(t *testing.T) {
	c := qt.New(t)

	backend := &fakeBackend{sendErr: errors.New("already known")}
	a := newTestAdapter(backend)

	key, err := crypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	tx := gethtypes.NewTransaction(0, testTarget, big.NewInt(1), 21_000, big.NewInt(1), nil)
	signed, err := gethtypes.SignTx(tx, a.signer, key)
	c.Assert(err, qt.IsNil)

	hash, err := a.SendSigned(context.Background(), signed)
	c.Assert(err, qt.IsNil)
	c.Assert(hash, qt.Equals, signed.Hash())
}

func TestSendContractUsesPendingNonce(t *testing.T) {
	c := qt.New(t)

	backend := &fakeBackend{
		gasPrice:     big.NewInt(5_000_000_000_000),
		pendingNonce: 42,
	}
	a := newTestAdapter(backend)

	key, err := crypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	tx, err := a.SendContract(context.Background(), key, a.Stablecoin(),
		"balanceOf", nil, 50_000, testTarget)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.Nonce(), qt.Equals, uint64(42))
	c.Assert(tx.To().Hex(), qt.Equals, testStablecoin.Hex())
	c.Assert(tx.Gas(), qt.Equals, uint64(50_000))
	c.Assert(len(backend.sent), qt.Equals, 1)
}

func TestContractRead(t *testing.T) {
	c := qt.New(t)

	backend := &fakeBackend{}
	a := newTestAdapter(backend)
	stable := a.Stablecoin()

	backend.callFn = func(msg ethereum.CallMsg) ([]byte, error) {
		c.Assert(msg.To.Hex(), qt.Equals, testStablecoin.Hex())
		return stable.ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(777))
	}

	balance, err := a.StablecoinBalance(context.Background(), testTarget)
	c.Assert(err, qt.IsNil)
	c.Assert(balance.Int64(), qt.Equals, int64(777))
}

func TestAwaitReceipt(t *testing.T) {
	c := qt.New(t)

	hash := common.HexToHash("0xabcd")
	backend := &fakeBackend{
		receipts: map[common.Hash]*gethtypes.Receipt{
			hash: {Status: 1, BlockNumber: big.NewInt(100)},
		},
		head: 100,
	}
	a := newTestAdapter(backend)

	receipt, err := a.AwaitReceipt(context.Background(), hash, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(receipt.Status, qt.Equals, uint64(1))
}
