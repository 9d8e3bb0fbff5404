package forwarder

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"

	"github.com/0xShortx/CroGas/chain"
	"github.com/0xShortx/CroGas/relayer"
)

var (
	forwarderAddr = common.HexToAddress("0x4444444444444444444444444444444444444444")
	agentAddr     = common.HexToAddress("0x5555555555555555555555555555555555555555")
	targetAddr    = common.HexToAddress("0x6666666666666666666666666666666666666666")
)

// forwarderBackend answers getNonce and verify reads and mines submitted
// execute transactions with an Executed event in the receipt.
type forwarderBackend struct {
	nonce        *big.Int
	verifyResult bool
	innerSuccess bool
	innerResult  []byte
	receipts     map[common.Hash]*gethtypes.Receipt
	sent         []*gethtypes.Transaction
}

func (b *forwarderBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int), nil
}

func (b *forwarderBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (b *forwarderBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(5_000_000_000_000), nil
}

func (b *forwarderBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 150_000, nil
}

func (b *forwarderBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	contractABI := chain.NewForwarderContract(forwarderAddr).ABI
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("short calldata")
	}
	switch {
	case string(msg.Data[:4]) == string(contractABI.Methods["getNonce"].ID):
		return contractABI.Methods["getNonce"].Outputs.Pack(b.nonce)
	case string(msg.Data[:4]) == string(contractABI.Methods["verify"].ID):
		return contractABI.Methods["verify"].Outputs.Pack(b.verifyResult)
	}
	return nil, fmt.Errorf("unexpected call")
}

func (b *forwarderBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	b.sent = append(b.sent, tx)
	if b.receipts == nil {
		b.receipts = map[common.Hash]*gethtypes.Receipt{}
	}
	contractABI := chain.NewForwarderContract(forwarderAddr).ABI
	event := contractABI.Events["Executed"]
	var nonIndexed abi.Arguments
	for _, arg := range event.Inputs {
		if !arg.Indexed {
			nonIndexed = append(nonIndexed, arg)
		}
	}
	data, err := nonIndexed.Pack(b.innerSuccess, b.innerResult)
	if err != nil {
		return err
	}
	b.receipts[tx.Hash()] = &gethtypes.Receipt{
		Status:      1,
		BlockNumber: big.NewInt(1),
		GasUsed:     120_000,
		Logs: []*gethtypes.Log{{
			Address: forwarderAddr,
			Topics: []common.Hash{
				event.ID,
				common.BytesToHash(agentAddr.Bytes()),
				common.BytesToHash(targetAddr.Bytes()),
			},
			Data: data,
		}},
	}
	return nil
}

func (b *forwarderBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if r, ok := b.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (b *forwarderBackend) BlockNumber(context.Context) (uint64, error) {
	return 1, nil
}

func newTestService(c *qt.C, backend *forwarderBackend) *Service {
	adapter := chain.New(backend, 338, 5*time.Second, common.Address{})
	key, err := crypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	pool, err := relayer.NewPool(context.Background(), adapter,
		[]string{common.Bytes2Hex(crypto.FromECDSA(key))}, relayer.PolicyLeastBusy)
	c.Assert(err, qt.IsNil)
	return New(adapter, pool, forwarderAddr, 1)
}

func testRequest() *ForwardRequest {
	return &ForwardRequest{
		From:     agentAddr,
		To:       targetAddr,
		Value:    new(big.Int),
		Gas:      big.NewInt(100_000),
		Nonce:    new(big.Int),
		Deadline: big.NewInt(time.Now().Add(time.Hour).Unix()),
		Data:     []byte{0x01, 0x02},
	}
}

func TestDomainAndTypes(t *testing.T) {
	c := qt.New(t)
	svc := newTestService(c, &forwarderBackend{})

	d := svc.Domain()
	c.Assert(d.Name, qt.Equals, "MinimalForwarder")
	c.Assert(d.Version, qt.Equals, "1")
	c.Assert((*big.Int)(d.ChainId).Uint64(), qt.Equals, uint64(338))
	c.Assert(d.VerifyingContract, qt.Equals, forwarderAddr.Hex())

	types := svc.Types()
	c.Assert(len(types["ForwardRequest"]), qt.Equals, 7)
	c.Assert(types["ForwardRequest"][0].Name, qt.Equals, "from")
	c.Assert(types["ForwardRequest"][6].Type, qt.Equals, "bytes")
	c.Assert(len(types["EIP712Domain"]), qt.Equals, 4)
}

func TestGetNonce(t *testing.T) {
	c := qt.New(t)
	svc := newTestService(c, &forwarderBackend{nonce: big.NewInt(5)})

	nonce, err := svc.GetNonce(context.Background(), agentAddr)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce.Int64(), qt.Equals, int64(5))
}

func TestVerify(t *testing.T) {
	c := qt.New(t)
	svc := newTestService(c, &forwarderBackend{verifyResult: true})

	ok, err := svc.Verify(context.Background(), testRequest(), make([]byte, 65))
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
}

func TestVerifyExpiredDeadline(t *testing.T) {
	c := qt.New(t)
	// The contract would answer true, but the deadline check short-circuits.
	svc := newTestService(c, &forwarderBackend{verifyResult: true})

	req := testRequest()
	req.Deadline = big.NewInt(time.Now().Add(-time.Minute).Unix())
	ok, err := svc.Verify(context.Background(), req, make([]byte, 65))
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)
}

func TestExecuteDecodesInnerOutcome(t *testing.T) {
	c := qt.New(t)
	backend := &forwarderBackend{
		verifyResult: true,
		innerSuccess: true,
		innerResult:  []byte{0xca, 0xfe},
	}
	svc := newTestService(c, backend)

	result, err := svc.Execute(context.Background(), testRequest(), make([]byte, 65))
	c.Assert(err, qt.IsNil)
	c.Assert(result.Success, qt.IsTrue)
	c.Assert([]byte(result.ReturnData), qt.DeepEquals, []byte{0xca, 0xfe})
	c.Assert(result.GasUsed, qt.Equals, uint64(120_000))
	c.Assert(len(backend.sent), qt.Equals, 1)
	c.Assert(backend.sent[0].To().Hex(), qt.Equals, forwarderAddr.Hex())
}

func TestExecuteInnerRevert(t *testing.T) {
	c := qt.New(t)
	// The outer tx mines fine while the inner call failed.
	backend := &forwarderBackend{verifyResult: true, innerSuccess: false}
	svc := newTestService(c, backend)

	result, err := svc.Execute(context.Background(), testRequest(), make([]byte, 65))
	c.Assert(err, qt.IsNil)
	c.Assert(result.Success, qt.IsFalse)
}
