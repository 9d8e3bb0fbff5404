// Package chain wraps all JSON-RPC access behind a typed adapter. Every
// operation carries its own timeout and returns a classified *Error so the
// upper layers can map failures to retry decisions and HTTP statuses.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0xShortx/CroGas/log"
)

const (
	// defaultRetries is the number of attempts for a transient RPC failure
	// before giving up.
	defaultRetries = 2
	// defaultRetrySleep is the pause between attempts.
	defaultRetrySleep = 200 * time.Millisecond
	// receiptPollInterval is how often AwaitReceipt polls the node.
	receiptPollInterval = time.Second
	// receiptTimeout bounds AwaitReceipt when the caller's context has no
	// earlier deadline.
	receiptTimeout = 2 * time.Minute
)

// defaultGasPriceFloor is used when the node reports a zero gas price.
// Cronos enforces a high base fee, so the floor is set accordingly.
var defaultGasPriceFloor = new(big.Int).Mul(big.NewInt(5_000), big.NewInt(1e9)) // 5000 gwei

// Backend is the subset of ethclient.Client the adapter needs. It exists so
// tests can substitute an in-memory node.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Adapter is the capability boundary for all chain access.
type Adapter struct {
	backend    Backend
	chainID    *big.Int
	signer     gethtypes.Signer
	timeout    time.Duration
	gasFloor   *big.Int
	stablecoin *Contract
}

// Dial connects to the given RPC endpoint and returns an adapter bound to
// chainID. The stablecoin contract is bound so balance reads are first-class.
func Dial(ctx context.Context, rpcURL string, chainID uint64, timeout time.Duration, stablecoin common.Address) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return New(client, chainID, timeout, stablecoin), nil
}

// New builds an adapter over an existing backend. Used by Dial and by tests.
func New(backend Backend, chainID uint64, timeout time.Duration, stablecoin common.Address) *Adapter {
	id := new(big.Int).SetUint64(chainID)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		backend:    backend,
		chainID:    id,
		signer:     gethtypes.LatestSignerForChainID(id),
		timeout:    timeout,
		gasFloor:   defaultGasPriceFloor,
		stablecoin: NewStablecoinContract(stablecoin),
	}
}

// ChainID returns the chain ID the adapter is bound to.
func (a *Adapter) ChainID() *big.Int { return new(big.Int).Set(a.chainID) }

// Stablecoin returns the bound stablecoin contract.
func (a *Adapter) Stablecoin() *Contract { return a.stablecoin }

// withTimeout derives the per-call context.
func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

// retry runs fn up to defaultRetries times, sleeping between attempts, as
// long as the classified error is retriable. Permanent errors (reverts,
// nonce conflicts) are returned immediately.
func retry(fn func() error) error {
	var err error
	for attempt := 0; attempt < defaultRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		ce := AsError(Classify(err))
		if ce == nil || ce.Kind != KindNetwork {
			return Classify(err)
		}
		if attempt < defaultRetries-1 {
			time.Sleep(defaultRetrySleep)
		}
	}
	return Classify(err)
}

// Balance returns the native token balance of addr in wei.
func (a *Adapter) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out *big.Int
	err := retry(func() error {
		ictx, cancel := a.withTimeout(ctx)
		defer cancel()
		var err error
		out, err = a.backend.BalanceAt(ictx, addr, nil)
		return err
	})
	return out, err
}

// StablecoinBalance returns the stablecoin balance of addr in base units.
func (a *Adapter) StablecoinBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	out, err := a.ContractRead(ctx, a.stablecoin, "balanceOf", addr)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type %T", out[0])
	}
	return bal, nil
}

// GasPrice returns the node's suggested gas price, floored to a sane minimum
// when the node reports zero.
func (a *Adapter) GasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := retry(func() error {
		ictx, cancel := a.withTimeout(ctx)
		defer cancel()
		var err error
		out, err = a.backend.SuggestGasPrice(ictx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Sign() == 0 {
		out = new(big.Int).Set(a.gasFloor)
	}
	return out, nil
}

// PendingNonce returns the account nonce as seen by the node's pending view.
// Per-wallet submission ordering relies on reading this at submit time.
func (a *Adapter) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var out uint64
	err := retry(func() error {
		ictx, cancel := a.withTimeout(ctx)
		defer cancel()
		var err error
		out, err = a.backend.PendingNonceAt(ictx, addr)
		return err
	})
	return out, err
}

// EstimateGas estimates gas for the given call.
func (a *Adapter) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := retry(func() error {
		ictx, cancel := a.withTimeout(ctx)
		defer cancel()
		var err error
		out, err = a.backend.EstimateGas(ictx, msg)
		return err
	})
	return out, err
}

// Call performs a read-only simulation of msg, used for revert detection.
func (a *Adapter) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := retry(func() error {
		ictx, cancel := a.withTimeout(ctx)
		defer cancel()
		var err error
		out, err = a.backend.CallContract(ictx, msg, nil)
		return err
	})
	return out, err
}

// SendSigned broadcasts a pre-signed transaction and returns its hash.
// An "already known" response counts as success: the peer has the tx.
func (a *Adapter) SendSigned(ctx context.Context, tx *gethtypes.Transaction) (common.Hash, error) {
	ictx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.backend.SendTransaction(ictx, tx); err != nil && !isAlreadyKnown(err) {
		return common.Hash{}, Classify(err)
	}
	return tx.Hash(), nil
}

// SendContract packs fn(args...) against the contract, builds a legacy
// transaction with the wallet's pending nonce and the current gas price,
// signs it with key and broadcasts it. When gasLimit is zero the gas is
// estimated first.
func (a *Adapter) SendContract(
	ctx context.Context,
	key *ecdsa.PrivateKey,
	contract *Contract,
	fn string,
	value *big.Int,
	gasLimit uint64,
	args ...any,
) (*gethtypes.Transaction, error) {
	data, err := contract.Pack(fn, args...)
	if err != nil {
		return nil, err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	if value == nil {
		value = new(big.Int)
	}

	gasPrice, err := a.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price for %s.%s: %w", contract.Name, fn, err)
	}
	if gasLimit == 0 {
		gasLimit, err = a.EstimateGas(ctx, ethereum.CallMsg{
			From:     from,
			To:       &contract.Address,
			Value:    value,
			GasPrice: gasPrice,
			Data:     data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate %s.%s: %w", contract.Name, fn, err)
		}
	}

	// The nonce comes from the node's pending view at submit time; no local
	// counter is trusted across submissions.
	nonce, err := a.PendingNonce(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce for %s: %w", from.Hex(), err)
	}

	tx := gethtypes.NewTransaction(nonce, contract.Address, value, gasLimit, gasPrice, data)
	signed, err := gethtypes.SignTx(tx, a.signer, key)
	if err != nil {
		return nil, fmt.Errorf("sign %s.%s: %w", contract.Name, fn, err)
	}
	if _, err := a.SendSigned(ctx, signed); err != nil {
		return nil, err
	}
	log.Debugw("transaction broadcast",
		"contract", contract.Name, "fn", fn,
		"hash", signed.Hash().Hex(), "nonce", nonce,
		"gasLimit", gasLimit, "gasPrice", gasPrice.String())
	return signed, nil
}

// SendNative transfers amount wei from key's wallet to `to` as a plain value
// transfer.
func (a *Adapter) SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*gethtypes.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	gasPrice, err := a.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price for native transfer: %w", err)
	}
	nonce, err := a.PendingNonce(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce for %s: %w", from.Hex(), err)
	}
	tx := gethtypes.NewTransaction(nonce, to, amount, 21_000, gasPrice, nil)
	signed, err := gethtypes.SignTx(tx, a.signer, key)
	if err != nil {
		return nil, fmt.Errorf("sign native transfer: %w", err)
	}
	if _, err := a.SendSigned(ctx, signed); err != nil {
		return nil, err
	}
	log.Debugw("native transfer broadcast",
		"from", from.Hex(), "to", to.Hex(),
		"amount", amount.String(), "hash", signed.Hash().Hex())
	return signed, nil
}

// AwaitReceipt polls for the receipt of hash until it is mined and has the
// requested number of confirmations.
func (a *Adapter) AwaitReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*gethtypes.Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := a.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if confirmations <= 1 {
				return receipt, nil
			}
			head, herr := a.backend.BlockNumber(ctx)
			if herr == nil && head+1 >= receipt.BlockNumber.Uint64()+confirmations {
				return receipt, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, &Error{
				Kind:      KindNetwork,
				Retriable: true,
				Err:       fmt.Errorf("timeout waiting for receipt of %s: %w", hash.Hex(), ctx.Err()),
			}
		case <-ticker.C:
		}
	}
}

// ContractRead calls a view function and returns the unpacked values.
func (a *Adapter) ContractRead(ctx context.Context, contract *Contract, fn string, args ...any) ([]any, error) {
	data, err := contract.Pack(fn, args...)
	if err != nil {
		return nil, err
	}
	raw, err := a.Call(ctx, ethereum.CallMsg{To: &contract.Address, Data: data})
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", contract.Name, fn, err)
	}
	out, err := contract.ABI.Unpack(fn, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s.%s: %w", contract.Name, fn, err)
	}
	return out, nil
}
