// Package forwarder implements the EIP-2771 trusted-forwarder leg of the
// relay: EIP-712 envelope types, on-chain verification and execution of
// signed ForwardRequests through the MinimalForwarder contract.
package forwarder

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/0xShortx/CroGas/chain"
	"github.com/0xShortx/CroGas/log"
	"github.com/0xShortx/CroGas/relayer"
)

const (
	// domainName and domainVersion identify the forwarder's EIP-712 domain.
	// Clients must sign against exactly this domain.
	domainName    = "MinimalForwarder"
	domainVersion = "1"

	// executeGasBufferPercent is added on top of the outer call estimate.
	executeGasBufferPercent = 20
	// executeGasFallback is used when the outer call cannot be estimated.
	executeGasFallback = 1_000_000
)

// ForwardRequest is the signed envelope relayed on behalf of an agent. It is
// immutable through the pipeline and consumed once: the forwarder contract
// rejects replay by incrementing the per-agent nonce atomically.
type ForwardRequest struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Gas      *big.Int
	Nonce    *big.Int
	Deadline *big.Int
	Data     []byte
}

// ExecResult is the outcome of one forwarder execution. Success refers to
// the inner call: a relay that reverts inside the target contract still
// mines the outer transaction, with Success=false and the error payload in
// ReturnData.
type ExecResult struct {
	TxHash     common.Hash
	Success    bool
	ReturnData hexutil.Bytes
	Relayer    common.Address
	GasUsed    uint64
}

// Service verifies and executes ForwardRequests against the on-chain
// forwarder.
type Service struct {
	adapter       *chain.Adapter
	pool          *relayer.Pool
	contract      *chain.Contract
	confirmations uint64
	domain        apitypes.TypedDataDomain
}

// New binds the service to the forwarder deployed at addr.
func New(adapter *chain.Adapter, pool *relayer.Pool, addr common.Address, confirmations uint64) *Service {
	return &Service{
		adapter:       adapter,
		pool:          pool,
		contract:      chain.NewForwarderContract(addr),
		confirmations: confirmations,
		domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           (*math.HexOrDecimal256)(adapter.ChainID()),
			VerifyingContract: addr.Hex(),
		},
	}
}

// Address returns the forwarder contract address.
func (s *Service) Address() common.Address { return s.contract.Address }

// Domain returns the EIP-712 domain clients must sign against. It is
// byte-exact the domain the on-chain verifier uses.
func (s *Service) Domain() apitypes.TypedDataDomain { return s.domain }

// Types returns the EIP-712 type schema of the ForwardRequest envelope.
func (s *Service) Types() apitypes.Types {
	return apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"ForwardRequest": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "gas", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "data", Type: "bytes"},
		},
	}
}

// requestTuple mirrors the ABI tuple layout of the contract's
// ForwardRequest struct. Field order matters for packing.
type requestTuple struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Gas      *big.Int
	Nonce    *big.Int
	Deadline *big.Int
	Data     []byte
}

func toTuple(req *ForwardRequest) requestTuple {
	return requestTuple{
		From:     req.From,
		To:       req.To,
		Value:    req.Value,
		Gas:      req.Gas,
		Nonce:    req.Nonce,
		Deadline: req.Deadline,
		Data:     req.Data,
	}
}

// GetNonce reads the agent's current nonce from the on-chain forwarder.
func (s *Service) GetNonce(ctx context.Context, addr common.Address) (*big.Int, error) {
	out, err := s.adapter.ContractRead(ctx, s.contract, "getNonce", addr)
	if err != nil {
		return nil, fmt.Errorf("forwarder getNonce(%s): %w", addr.Hex(), err)
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getNonce return type %T", out[0])
	}
	return nonce, nil
}

// Verify checks the envelope against the forwarder contract's verify view:
// it passes iff the signature recovers to req.From, the on-chain nonce
// equals req.Nonce and the deadline has not passed.
func (s *Service) Verify(ctx context.Context, req *ForwardRequest, sig []byte) (bool, error) {
	if req.Deadline != nil && req.Deadline.Sign() > 0 &&
		req.Deadline.Cmp(big.NewInt(time.Now().Unix())) < 0 {
		return false, nil
	}
	out, err := s.adapter.ContractRead(ctx, s.contract, "verify", toTuple(req), sig)
	if err != nil {
		return false, fmt.Errorf("forwarder verify: %w", err)
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("unexpected verify return type %T", out[0])
	}
	return ok, nil
}

// Execute acquires a relayer wallet, submits execute(req, sig) to the
// forwarder and decodes the Executed event for the inner outcome. The wallet
// is released whatever happens; on a nonce conflict its view is resynced
// before the error is surfaced.
func (s *Service) Execute(ctx context.Context, req *ForwardRequest, sig []byte) (*ExecResult, error) {
	r := s.pool.Acquire()
	defer s.pool.Release(r)

	result, err := s.executeWith(ctx, r, req, sig)
	if err != nil {
		if ce := chain.AsError(err); ce != nil &&
			(ce.Kind == chain.KindNonceTooLow || ce.Kind == chain.KindUnderpriced) {
			if rerr := s.pool.Resync(ctx, r); rerr != nil {
				log.Errorw(rerr, "nonce resync after failed execute")
			}
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) executeWith(ctx context.Context, r *relayer.Relayer, req *ForwardRequest, sig []byte) (*ExecResult, error) {
	data, err := s.contract.Pack("execute", toTuple(req), sig)
	if err != nil {
		return nil, err
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	// The outer gas limit covers the forwarder's own overhead on top of the
	// inner call's requested gas, so it is estimated for the full call.
	gasLimit, err := s.adapter.EstimateGas(ctx, ethereum.CallMsg{
		From:  r.Address(),
		To:    &s.contract.Address,
		Value: value,
		Data:  data,
	})
	if err != nil {
		log.Warnw("outer execute estimation failed, using fallback",
			"agent", req.From.Hex(), "fallback", executeGasFallback, "error", err.Error())
		gasLimit = executeGasFallback
	}
	gasLimit += gasLimit * executeGasBufferPercent / 100

	tx, err := s.adapter.SendContract(ctx, r.Key(), s.contract, "execute", value, gasLimit, toTuple(req), sig)
	if err != nil {
		return nil, fmt.Errorf("submit forwarder execute: %w", err)
	}

	receipt, err := s.adapter.AwaitReceipt(ctx, tx.Hash(), s.confirmations)
	if err != nil {
		return nil, fmt.Errorf("await forwarder execute receipt: %w", err)
	}
	if receipt.Status != 1 {
		return nil, &chain.Error{
			Kind: chain.KindRevert,
			Err:  fmt.Errorf("forwarder execute reverted in tx %s", tx.Hash().Hex()),
		}
	}

	result := &ExecResult{
		TxHash:  tx.Hash(),
		Relayer: r.Address(),
		GasUsed: receipt.GasUsed,
	}
	// The inner outcome travels in the Executed event, orthogonal to the
	// outer transaction's mining success.
	for _, l := range receipt.Logs {
		decoded, derr := s.contract.ParseLog(l)
		if derr != nil || decoded == nil || decoded.Event != "Executed" {
			continue
		}
		if ok, isBool := decoded.Args["success"].(bool); isBool {
			result.Success = ok
		}
		if ret, isBytes := decoded.Args["result"].([]byte); isBytes {
			result.ReturnData = ret
		}
	}
	log.Infow("forwarder executed",
		"agent", req.From.Hex(), "target", req.To.Hex(),
		"tx", tx.Hash().Hex(), "innerSuccess", result.Success,
		"relayer", r.Address().Hex(), "gasUsed", receipt.GasUsed)
	return result, nil
}
