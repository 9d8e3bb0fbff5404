package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
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
	"github.com/0xShortx/CroGas/forwarder"
	"github.com/0xShortx/CroGas/payment"
	"github.com/0xShortx/CroGas/pricing"
	"github.com/0xShortx/CroGas/relayer"
)

var (
	fwdAddr      = common.HexToAddress("0x4444444444444444444444444444444444444444")
	stableAddr   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	receiverAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	agentAddr    = common.HexToAddress("0x5555555555555555555555555555555555555555")
	targetAddr   = common.HexToAddress("0x6666666666666666666666666666666666666666")
)

// pipelineBackend answers forwarder and stablecoin reads by contract address
// and mines every submitted transaction instantly.
type pipelineBackend struct {
	verifyResult bool
}

func (b *pipelineBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int), nil
}

func (b *pipelineBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (b *pipelineBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	// 1000 gwei.
	return big.NewInt(1_000_000_000_000), nil
}

func (b *pipelineBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 150_000, nil
}

func (b *pipelineBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("unexpected call")
	}
	switch *msg.To {
	case fwdAddr:
		contractABI := chain.NewForwarderContract(fwdAddr).ABI
		if string(msg.Data[:4]) == string(contractABI.Methods["verify"].ID) {
			return contractABI.Methods["verify"].Outputs.Pack(b.verifyResult)
		}
	case stableAddr:
		contractABI := chain.NewStablecoinContract(stableAddr).ABI
		switch {
		case string(msg.Data[:4]) == string(contractABI.Methods["authorizationState"].ID):
			return contractABI.Methods["authorizationState"].Outputs.Pack(false)
		case string(msg.Data[:4]) == string(contractABI.Methods["balanceOf"].ID):
			return contractABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(1_000_000))
		}
	}
	return nil, fmt.Errorf("unexpected call to %s", msg.To.Hex())
}

func (b *pipelineBackend) SendTransaction(context.Context, *gethtypes.Transaction) error {
	return errors.New("no transactions expected in this test")
}

func (b *pipelineBackend) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	return nil, ethereum.NotFound
}

func (b *pipelineBackend) BlockNumber(context.Context) (uint64, error) {
	return 1, nil
}

func newTestOrchestrator(c *qt.C, backend chain.Backend) *Orchestrator {
	adapter := chain.New(backend, 338, 5*time.Second, stableAddr)
	key, err := crypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	pool, err := relayer.NewPool(context.Background(), adapter,
		[]string{common.Bytes2Hex(crypto.FromECDSA(key))}, relayer.PolicyLeastBusy)
	c.Assert(err, qt.IsNil)

	engine := pricing.NewEngine(adapter, pricing.StaticPrice(0.15), pool.Primary().Address(), pricing.Config{
		MarkupPercent:    20,
		MinPriceUSD:      0.01,
		MaxPriceUSD:      100,
		StablecoinDigits: 6,
	})
	fwd := forwarder.New(adapter, pool, fwdAddr, 1)
	pay := payment.New(adapter, pool, receiverAddr, 1)
	return New(fwd, pay, engine, NewHistory())
}

func testRequest(gas int64) *forwarder.ForwardRequest {
	return &forwarder.ForwardRequest{
		From:     agentAddr,
		To:       targetAddr,
		Value:    new(big.Int),
		Gas:      big.NewInt(gas),
		Nonce:    new(big.Int),
		Deadline: big.NewInt(time.Now().Add(time.Hour).Unix()),
		Data:     []byte{0x01},
	}
}

func TestRelayWithoutPaymentReturnsQuote(t *testing.T) {
	c := qt.New(t)
	o := newTestOrchestrator(c, &pipelineBackend{verifyResult: true})

	outcome, err := o.Relay(context.Background(), testRequest(300_000), make([]byte, 65), pricing.TierNormal, "")
	c.Assert(err, qt.IsNil)
	c.Assert(outcome.NeedsPayment, qt.IsTrue)
	// 300k gas at 1000 gwei, spot $0.15, 20% markup: $0.054.
	c.Assert(outcome.Quote.FinalPriceRaw.Int64(), qt.Equals, int64(54_000))
	c.Assert(outcome.Quote.FinalPriceUSD, qt.Equals, "0.054000")
}

func TestRelayInvalidSignature(t *testing.T) {
	c := qt.New(t)
	o := newTestOrchestrator(c, &pipelineBackend{verifyResult: false})

	_, err := o.Relay(context.Background(), testRequest(100_000), make([]byte, 65), pricing.TierNormal, "")
	c.Assert(errors.Is(err, ErrInvalidSignature), qt.IsTrue)
}

func TestRelayMalformedPaymentHeader(t *testing.T) {
	c := qt.New(t)
	o := newTestOrchestrator(c, &pipelineBackend{verifyResult: true})

	_, err := o.Relay(context.Background(), testRequest(100_000), make([]byte, 65), pricing.TierNormal, "!!!not-base64!!!")
	c.Assert(errors.Is(err, ErrMalformedPayment), qt.IsTrue)
}

func TestRelayRejectedPayment(t *testing.T) {
	c := qt.New(t)
	o := newTestOrchestrator(c, &pipelineBackend{verifyResult: true})

	// A parseable header whose authorization pays the wrong recipient.
	header := paymentHeaderFor(c, agentAddr, big.NewInt(1_000_000))
	_, err := o.Relay(context.Background(), testRequest(100_000), make([]byte, 65), pricing.TierNormal, header)
	var rejected *RejectedError
	c.Assert(errors.As(err, &rejected), qt.IsTrue)
	c.Assert(rejected.Reason, qt.Equals, "Payment recipient mismatch")
}

func TestRelayBatchDiscount(t *testing.T) {
	c := qt.New(t)
	o := newTestOrchestrator(c, &pipelineBackend{verifyResult: true})

	items := []BatchItem{
		{Request: testRequest(100_000), Signature: make([]byte, 65)},
		{Request: testRequest(100_000), Signature: make([]byte, 65)},
		{Request: testRequest(100_000), Signature: make([]byte, 65)},
	}
	outcome, err := o.RelayBatch(context.Background(), items, pricing.TierNormal, "")
	c.Assert(err, qt.IsNil)
	c.Assert(outcome.NeedsPayment, qt.IsTrue)
	// Summed gas 300k prices at 54000 base units; 10% discount floors to 48600.
	c.Assert(outcome.Quote.FinalPriceRaw.Int64(), qt.Equals, int64(48_600))
	c.Assert(outcome.Quote.FinalPriceUSD, qt.Equals, "0.048600")
}

func TestRelayBatchSizeBounds(t *testing.T) {
	c := qt.New(t)
	o := newTestOrchestrator(c, &pipelineBackend{verifyResult: true})

	_, err := o.RelayBatch(context.Background(), nil, pricing.TierNormal, "")
	c.Assert(err, qt.IsNotNil)

	items := make([]BatchItem, MaxBatchSize+1)
	for i := range items {
		items[i] = BatchItem{Request: testRequest(100_000), Signature: make([]byte, 65)}
	}
	_, err = o.RelayBatch(context.Background(), items, pricing.TierNormal, "")
	c.Assert(err, qt.ErrorMatches, "batch size must be.*")
}

func TestRelayBatchRejectsOnAnyBadSignature(t *testing.T) {
	c := qt.New(t)
	o := newTestOrchestrator(c, &pipelineBackend{verifyResult: false})

	items := []BatchItem{{Request: testRequest(100_000), Signature: make([]byte, 65)}}
	_, err := o.RelayBatch(context.Background(), items, pricing.TierNormal, "")
	c.Assert(errors.Is(err, ErrInvalidSignature), qt.IsTrue)
}

// minedBackend extends the read-only pipeline fake with instant mining so
// settlement and execution both complete. The forwarder nonce is stateful:
// verify answers false once an execute transaction has mined.
type minedBackend struct {
	execStatus uint64 // receipt status for forwarder execute txs
	executed   bool
	receipts   map[common.Hash]*gethtypes.Receipt
}

func (b *minedBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int), nil
}

func (b *minedBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (b *minedBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000_000), nil
}

func (b *minedBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 150_000, nil
}

func (b *minedBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("unexpected call")
	}
	switch *msg.To {
	case fwdAddr:
		contractABI := chain.NewForwarderContract(fwdAddr).ABI
		if string(msg.Data[:4]) == string(contractABI.Methods["verify"].ID) {
			return contractABI.Methods["verify"].Outputs.Pack(!b.executed)
		}
	case stableAddr:
		contractABI := chain.NewStablecoinContract(stableAddr).ABI
		switch {
		case string(msg.Data[:4]) == string(contractABI.Methods["authorizationState"].ID):
			return contractABI.Methods["authorizationState"].Outputs.Pack(false)
		case string(msg.Data[:4]) == string(contractABI.Methods["balanceOf"].ID):
			return contractABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(1_000_000))
		}
	}
	return nil, fmt.Errorf("unexpected call to %s", msg.To.Hex())
}

func (b *minedBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if b.receipts == nil {
		b.receipts = map[common.Hash]*gethtypes.Receipt{}
	}
	receipt := &gethtypes.Receipt{Status: 1, BlockNumber: big.NewInt(1)}
	if tx.To() != nil && *tx.To() == fwdAddr {
		receipt.Status = b.execStatus
		if b.execStatus == 1 {
			b.executed = true
			log, err := executedLog(true, nil)
			if err != nil {
				return err
			}
			receipt.Logs = []*gethtypes.Log{log}
		}
	}
	b.receipts[tx.Hash()] = receipt
	return nil
}

func (b *minedBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if r, ok := b.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (b *minedBackend) BlockNumber(context.Context) (uint64, error) {
	return 1, nil
}

// executedLog builds the forwarder's Executed event log for a mined execute.
func executedLog(success bool, result []byte) (*gethtypes.Log, error) {
	event := chain.NewForwarderContract(fwdAddr).ABI.Events["Executed"]
	var nonIndexed abi.Arguments
	for _, arg := range event.Inputs {
		if !arg.Indexed {
			nonIndexed = append(nonIndexed, arg)
		}
	}
	data, err := nonIndexed.Pack(success, result)
	if err != nil {
		return nil, err
	}
	return &gethtypes.Log{
		Address: fwdAddr,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(agentAddr.Bytes()),
			common.BytesToHash(targetAddr.Bytes()),
		},
		Data: data,
	}, nil
}

func TestRelayExecuteRevertKeepsPaymentReference(t *testing.T) {
	c := qt.New(t)
	// Settlement mines fine, the forwarder execute reverts on chain.
	o := newTestOrchestrator(c, &minedBackend{execStatus: 0})

	header := paymentHeaderFor(c, receiverAddr, big.NewInt(1_000_000))
	_, err := o.Relay(context.Background(), testRequest(100_000), make([]byte, 65), pricing.TierNormal, header)
	c.Assert(err, qt.IsNotNil)

	var exec *ExecuteError
	c.Assert(errors.As(err, &exec), qt.IsTrue)
	c.Assert(exec.PaymentTxHash, qt.Not(qt.Equals), common.Hash{})
	ce := chain.AsError(exec.Err)
	c.Assert(ce, qt.IsNotNil)
	c.Assert(ce.Kind, qt.Equals, chain.KindRevert)

	// The consumed payment is on record even though nothing executed.
	recent := o.History().Recent(1)
	c.Assert(len(recent), qt.Equals, 1)
	c.Assert(recent[0].PaymentTxHash, qt.Equals, exec.PaymentTxHash.Hex())
	c.Assert(recent[0].TxHash, qt.Equals, "")
}

func TestRelayRejectsConsumedNonce(t *testing.T) {
	c := qt.New(t)
	o := newTestOrchestrator(c, &minedBackend{execStatus: 1})

	req := testRequest(100_000)
	header := paymentHeaderFor(c, receiverAddr, big.NewInt(1_000_000))
	outcome, err := o.Relay(context.Background(), req, make([]byte, 65), pricing.TierNormal, header)
	c.Assert(err, qt.IsNil)
	c.Assert(outcome.Success, qt.IsTrue)

	// Same envelope again: the on-chain nonce moved, verification fails.
	_, err = o.Relay(context.Background(), req, make([]byte, 65), pricing.TierNormal, header)
	c.Assert(errors.Is(err, ErrInvalidSignature), qt.IsTrue)
}

// paymentHeaderFor builds an encoded X-Payment header paying `to`.
func paymentHeaderFor(c *qt.C, to common.Address, value *big.Int) string {
	now := time.Now().Unix()
	env := &payment.Envelope{
		Version: 1,
		Scheme:  payment.SchemeExact,
		Network: "eip155:338",
		Payload: payment.Payload{
			Signature: "0x" + common.Bytes2Hex(make([]byte, 65)),
			Authorization: payment.Authorization{
				From:        agentAddr.Hex(),
				To:          to.Hex(),
				Value:       value.String(),
				ValidAfter:  fmt.Sprintf("%d", now-60),
				ValidBefore: fmt.Sprintf("%d", now+600),
				Nonce:       "0x" + common.Bytes2Hex(make([]byte, 32)),
			},
		},
	}
	raw, err := json.Marshal(env)
	c.Assert(err, qt.IsNil)
	return base64.StdEncoding.EncodeToString(raw)
}
