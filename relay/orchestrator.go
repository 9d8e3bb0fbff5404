// Package relay orchestrates the meta-transaction pipeline: signature
// verification, pricing, payment settlement and forwarder execution, in that
// order. Settlement strictly precedes execution; a settled payment is never
// reversed.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0xShortx/CroGas/forwarder"
	"github.com/0xShortx/CroGas/log"
	"github.com/0xShortx/CroGas/payment"
	"github.com/0xShortx/CroGas/pricing"
)

const (
	// MaxBatchSize bounds a single batch request.
	MaxBatchSize = 10
	// batchDiscountPercent is knocked off the summed batch price.
	batchDiscountPercent = 10
)

// ErrInvalidSignature reports a request whose envelope failed forwarder
// verification: wrong signer, stale nonce or expired deadline.
var ErrInvalidSignature = errors.New("forward request verification failed")

// ErrMalformedPayment reports an X-Payment header that could not be decoded.
var ErrMalformedPayment = errors.New("malformed payment header")

// RejectedError is a payment that parsed but failed verification. The client
// must obtain a fresh quote and sign a new authorization.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "payment rejected: " + e.Reason }

// SettleError is a payment that verified but whose on-chain settlement did
// not complete. Nothing was executed and the authorization nonce may or may
// not be consumed; the client should check before re-signing.
type SettleError struct {
	Err error
}

func (e *SettleError) Error() string { return "payment settlement failed: " + e.Err.Error() }
func (e *SettleError) Unwrap() error { return e.Err }

// ExecuteError is a forwarder execution failure after the payment settled.
// The payment stands; PaymentTxHash gives the client its reference to the
// consumed authorization alongside the execution error.
type ExecuteError struct {
	PaymentTxHash common.Hash
	Err           error
}

func (e *ExecuteError) Error() string {
	return "execute after settled payment " + e.PaymentTxHash.Hex() + ": " + e.Err.Error()
}
func (e *ExecuteError) Unwrap() error { return e.Err }

// Outcome is the terminal state of a single relay. When NeedsPayment is set
// only Quote is meaningful: the caller must answer 402 with the quote terms.
type Outcome struct {
	NeedsPayment bool
	Quote        *pricing.Quote

	Success       bool
	TxHash        common.Hash
	PaymentTxHash common.Hash
	ReturnData    hexutil.Bytes
	Tier          pricing.Tier
}

// BatchItem is one envelope inside a batch.
type BatchItem struct {
	Request   *forwarder.ForwardRequest
	Signature []byte
}

// BatchItemResult is the per-item outcome of a batch execution.
type BatchItemResult struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	To      string `json:"to"`
	Error   string `json:"error,omitempty"`
}

// BatchOutcome is the terminal state of a batch relay.
type BatchOutcome struct {
	NeedsPayment bool
	Quote        *pricing.Quote

	Success       bool
	PaymentTxHash common.Hash
	Items         []BatchItemResult
	Tier          pricing.Tier
}

// Orchestrator wires the forwarder, payment and pricing services into the
// request state machine.
type Orchestrator struct {
	forwarder *forwarder.Service
	payment   *payment.Service
	pricing   *pricing.Engine
	history   *History
}

// New builds the orchestrator.
func New(fwd *forwarder.Service, pay *payment.Service, eng *pricing.Engine, hist *History) *Orchestrator {
	return &Orchestrator{forwarder: fwd, payment: pay, pricing: eng, history: hist}
}

// History exposes the relay record store for the stats endpoint.
func (o *Orchestrator) History() *History { return o.history }

// Relay runs one envelope through verify → price → settle → execute.
// paymentHeader is the raw X-Payment value; empty means the client has not
// paid yet and the quote is returned via a NeedsPayment outcome.
func (o *Orchestrator) Relay(ctx context.Context, req *forwarder.ForwardRequest, sig []byte, tier pricing.Tier, paymentHeader string) (*Outcome, error) {
	ok, err := o.forwarder.Verify(ctx, req, sig)
	if err != nil {
		return nil, fmt.Errorf("verify forward request: %w", err)
	}
	if !ok {
		return nil, ErrInvalidSignature
	}

	// The client's declared gas is the estimate: it is what the forwarder
	// will grant the inner call.
	quote, err := o.pricing.Price(ctx, req.Gas, tier)
	if err != nil {
		return nil, err
	}
	if paymentHeader == "" {
		return &Outcome{NeedsPayment: true, Quote: quote, Tier: tier}, nil
	}

	paymentTx, err := o.collect(ctx, paymentHeader, quote.FinalPriceRaw)
	if err != nil {
		return nil, err
	}

	result, err := o.forwarder.Execute(ctx, req, sig)
	if err != nil {
		// Paid but not executed. The forwarder nonce is unconsumed, so the
		// client may retry execution; the payment stands either way.
		o.history.Record(TxRecord{
			Agent:         req.From.Hex(),
			Target:        req.To.Hex(),
			PaymentTxHash: paymentTx.Hex(),
			Tier:          string(tier),
		})
		return nil, &ExecuteError{PaymentTxHash: paymentTx, Err: err}
	}

	o.history.Record(TxRecord{
		Agent:         req.From.Hex(),
		Target:        req.To.Hex(),
		TxHash:        result.TxHash.Hex(),
		PaymentTxHash: paymentTx.Hex(),
		Tier:          string(tier),
		Success:       result.Success,
	})
	return &Outcome{
		Success:       result.Success,
		TxHash:        result.TxHash,
		PaymentTxHash: paymentTx,
		ReturnData:    result.ReturnData,
		Tier:          tier,
	}, nil
}

// RelayBatch verifies every envelope up front, settles one discounted
// payment for the whole batch and executes the items in order. There is no
// rollback: items after a failed one still run, and the payment stands.
func (o *Orchestrator) RelayBatch(ctx context.Context, items []BatchItem, tier pricing.Tier, paymentHeader string) (*BatchOutcome, error) {
	if len(items) == 0 || len(items) > MaxBatchSize {
		return nil, fmt.Errorf("batch size must be 1..%d, got %d", MaxBatchSize, len(items))
	}

	totalGas := new(big.Int)
	for i, item := range items {
		ok, err := o.forwarder.Verify(ctx, item.Request, item.Signature)
		if err != nil {
			return nil, fmt.Errorf("verify batch item %d: %w", i, err)
		}
		if !ok {
			return nil, fmt.Errorf("batch item %d: %w", i, ErrInvalidSignature)
		}
		totalGas.Add(totalGas, item.Request.Gas)
	}

	quote, err := o.pricing.Price(ctx, totalGas, tier)
	if err != nil {
		return nil, err
	}
	quote = o.pricing.Discount(quote, batchDiscountPercent)
	if paymentHeader == "" {
		return &BatchOutcome{NeedsPayment: true, Quote: quote, Tier: tier}, nil
	}

	paymentTx, err := o.collect(ctx, paymentHeader, quote.FinalPriceRaw)
	if err != nil {
		return nil, err
	}

	out := &BatchOutcome{
		Success:       true,
		PaymentTxHash: paymentTx,
		Items:         make([]BatchItemResult, 0, len(items)),
		Tier:          tier,
	}
	for _, item := range items {
		rec := TxRecord{
			Agent:         item.Request.From.Hex(),
			Target:        item.Request.To.Hex(),
			PaymentTxHash: paymentTx.Hex(),
			Tier:          string(tier),
			Batch:         true,
		}
		result, err := o.forwarder.Execute(ctx, item.Request, item.Signature)
		if err != nil {
			out.Success = false
			out.Items = append(out.Items, BatchItemResult{
				To:    item.Request.To.Hex(),
				Error: err.Error(),
			})
			o.history.Record(rec)
			continue
		}
		if !result.Success {
			out.Success = false
		}
		rec.TxHash = result.TxHash.Hex()
		rec.Success = result.Success
		o.history.Record(rec)
		out.Items = append(out.Items, BatchItemResult{
			Success: result.Success,
			TxHash:  result.TxHash.Hex(),
			To:      item.Request.To.Hex(),
		})
	}
	o.history.RecordBatch()
	log.Infow("batch relayed",
		"items", len(items), "success", out.Success,
		"paymentTx", paymentTx.Hex(), "tier", string(tier))
	return out, nil
}

// collect parses, verifies and settles the payment header against expected,
// returning the settlement tx hash.
func (o *Orchestrator) collect(ctx context.Context, header string, expected *big.Int) (common.Hash, error) {
	env := payment.ParseHeader(header)
	if env == nil {
		return common.Hash{}, ErrMalformedPayment
	}
	valid, reason, err := o.payment.Verify(ctx, env, expected)
	if err != nil {
		return common.Hash{}, fmt.Errorf("verify payment: %w", err)
	}
	if !valid {
		return common.Hash{}, &RejectedError{Reason: reason}
	}
	txHash, err := o.payment.Settle(ctx, env)
	if err != nil {
		return common.Hash{}, &SettleError{Err: err}
	}
	return txHash, nil
}
